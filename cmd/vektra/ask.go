package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	markdown "github.com/MichaelMure/go-term-markdown"
	"golang.org/x/term"

	"github.com/nugget/vektra-agent/internal/agent"
	"github.com/nugget/vektra-agent/internal/confirm"
	"github.com/nugget/vektra-agent/internal/memory"
	"github.com/nugget/vektra-agent/internal/message"
	"github.com/nugget/vektra-agent/internal/project"
	"github.com/nugget/vektra-agent/internal/stream"
	"github.com/nugget/vektra-agent/internal/tools"
)

// askConversation is the conversation ID used for one-shot runs.
const askConversation = "cli"

// runAsk handles "vektra ask <prompt>". It boots an in-process driver
// with an in-memory message store, runs the prompt, asks on the terminal
// for every gated tool call, and prints the final reply.
func runAsk(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout carries only the reply.
	logger := configuredLogger(stderr, cfg)

	llmClient, _, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	reg := tools.NewRegistry(logger)
	provider, err := newSandboxProvider(cfg.Sandbox, logger)
	if err != nil {
		return err
	}
	reg.SetSandboxes(provider)
	reg.RequireConfirmation(cfg.Agent.RequireConfirmation...)

	loop := agent.NewLoop(logger, memory.NewMemStore(), llmClient, reg, agent.Config{
		Model:    cfg.Models.Default,
		MaxTurns: cfg.Agent.MaxTurns,
	})
	loop.SetObserver(versionPrinter{w: stderr, produces: reg.ProducesFiles})

	reply, err := askLoop(ctx, loop, bufio.NewReader(stdin), stderr, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, renderReply(stdout, reply))
	return nil
}

// askLoop runs prompt and keeps resuming the run while it waits on a
// human, reading each decision from in.
func askLoop(ctx context.Context, r agentRunner, in *bufio.Reader, out io.Writer, prompt string) (string, error) {
	sink := &progressSink{w: out}
	req := agent.Request{ConversationID: askConversation, Message: prompt}

	for {
		res, err := r.Run(ctx, req, sink)
		if err != nil {
			return "", err
		}
		if res.FinishReason != stream.ReasonAwaitingConfirmation {
			if res.FinishReason == stream.ReasonMaxTurns {
				fmt.Fprintln(out, "(stopped at the turn limit)")
			}
			return res.Text, nil
		}

		var resolutions []confirm.Resolution
		for _, pc := range res.Pending {
			decision, err := promptDecision(in, out, pc.Part)
			if err != nil {
				return "", err
			}
			resolutions = append(resolutions, confirm.Resolution{ToolCallID: pc.Part.ToolCallID, Decision: decision})
		}
		req = agent.Request{ConversationID: askConversation, Resolutions: resolutions}
	}
}

// promptDecision asks whether a gated call may run. Anything but y or
// yes denies it.
func promptDecision(in *bufio.Reader, out io.Writer, p message.Part) (confirm.Decision, error) {
	args, _ := json.Marshal(p.Input)
	fmt.Fprintf(out, "Allow %s %s? [y/N] ", p.ToolName, args)

	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		if err == io.EOF {
			fmt.Fprintln(out)
			return confirm.Deny, nil
		}
		return "", err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return confirm.Approve, nil
	default:
		return confirm.Deny, nil
	}
}

// progressSink prints a line for every tool call that finishes.
type progressSink struct {
	w io.Writer
}

func (s *progressSink) Emit(c stream.Chunk) bool {
	if c.Type != stream.TypeTool || !c.State.Terminal() {
		return true
	}
	mark := "✓"
	if c.State == message.StateOutputError {
		mark = "✗"
	}
	fmt.Fprintf(s.w, "  %s %s\n", mark, c.ToolName)
	return true
}

// versionPrinter reports file-producing results instead of storing
// them; ask runs have no project store.
type versionPrinter struct {
	w        io.Writer
	produces func(toolName string) bool
}

func (v versionPrinter) Observe(_ context.Context, _ string, part message.Part) (*project.Version, error) {
	if part.State == message.StateOutputAvailable && v.produces(part.ToolName) {
		fmt.Fprintf(v.w, "  files updated by %s\n", part.ToolName)
	}
	return nil, nil
}

// renderReply renders markdown for terminals and passes text through
// unchanged otherwise.
func renderReply(w io.Writer, text string) string {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return text
	}
	width := 80
	if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 20 {
		width = cols
	}
	return strings.TrimRight(string(markdown.Render(text, width-4, 2)), "\n")
}
