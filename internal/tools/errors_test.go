package tools

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrToolUnavailable_Error(t *testing.T) {
	err := &ErrToolUnavailable{ToolName: "deployApp"}
	want := `tool "deployApp" is not available in this context`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrToolUnavailable_WrappedErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("tool execution: %w", &ErrToolUnavailable{ToolName: "gitPush"})

	var target *ErrToolUnavailable
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *ErrToolUnavailable")
	}
	if target.ToolName != "gitPush" {
		t.Errorf("ToolName = %q, want %q", target.ToolName, "gitPush")
	}
}

func TestExecutionErrorText(t *testing.T) {
	cause := errors.New("sandbox not found")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"failed", failed("building app", cause), "Error building app: sandbox not found"},
		{"command", commandFailed("Build failed", "tsc: error TS2304"), "Build failed: tsc: error TS2304"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}

	if !errors.Is(failed("x", cause), cause) {
		t.Error("failed() does not unwrap to its cause")
	}
}
