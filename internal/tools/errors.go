package tools

import "fmt"

// ErrToolUnavailable is returned when a call names a tool that is not
// registered. It is a protocol error, not an execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ExecutionError is a tool failure whose text is shown to the model as
// the tool result.
type ExecutionError struct {
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// failed reports an error that interrupted a tool, as in
// "Error building app: sandbox not found".
func failed(doing string, err error) error {
	return &ExecutionError{Message: "Error " + doing, Err: err}
}

// commandFailed reports a sandbox command that ran and failed, as in
// "Build failed: <stderr>".
func commandFailed(label, stderr string) error {
	return &ExecutionError{Message: label + ": " + stderr}
}
