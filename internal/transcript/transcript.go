// Package transcript renders a conversation for people: markdown for
// terminals and a standalone HTML page for the browser export.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/vektra-agent/internal/message"
)

// maxOutput caps how much of a tool output is shown.
const maxOutput = 2000

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Markdown renders messages as markdown. Tool parts show their state,
// input and output.
func Markdown(msgs []message.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n---\n\n")
		}
		fmt.Fprintf(&b, "### %s", roleTitle(m.Role))
		if !m.Metadata.CreatedAt.IsZero() {
			fmt.Fprintf(&b, " · %s", m.Metadata.CreatedAt.UTC().Format(time.RFC3339))
		}
		b.WriteString("\n\n")

		for _, p := range m.Parts {
			switch p.Type {
			case message.PartText:
				b.WriteString(strings.TrimSpace(p.Text))
				b.WriteString("\n\n")
			case message.PartTool:
				writeTool(&b, p)
			}
		}
	}
	return b.String()
}

func roleTitle(r message.Role) string {
	switch r {
	case message.RoleUser:
		return "User"
	case message.RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

func writeTool(b *strings.Builder, p message.Part) {
	fmt.Fprintf(b, "**Tool** `%s` (%s)\n\n", p.ToolName, stateLabel(p.State))
	if len(p.Input) > 0 {
		if in, err := json.MarshalIndent(p.Input, "", "  "); err == nil {
			fence(b, "json", string(in))
		}
	}
	if p.State.Terminal() {
		out := p.OutputText()
		if len(out) > maxOutput {
			out = out[:maxOutput] + "\n… (truncated)"
		}
		fence(b, "", out)
	}
}

func stateLabel(s message.ToolState) string {
	switch s {
	case message.StateOutputAvailable:
		return "done"
	case message.StateOutputError:
		return "failed"
	case message.StateInputAvailable:
		return "waiting"
	case message.StateExecuting:
		return "running"
	default:
		return string(s)
	}
}

// fence writes a fenced code block long enough to hold body.
func fence(b *strings.Builder, lang, body string) {
	ticks := "```"
	for strings.Contains(body, ticks) {
		ticks += "`"
	}
	fmt.Fprintf(b, "%s%s\n%s\n%s\n\n", ticks, lang, body, ticks)
}

// HTML renders messages as a standalone HTML page titled title. Raw
// HTML inside messages is escaped.
func HTML(title string, msgs []message.Message) ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(Markdown(msgs)), &body); err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title>
<style>body{font-family:sans-serif;font-size:14px;line-height:1.5;max-width:860px;margin:2em auto;padding:0 1em}pre{background:#f5f5f5;padding:.75em;overflow-x:auto}</style>
</head>
<body>
<h1>%s</h1>
%s
</body></html>
`, html.EscapeString(title), html.EscapeString(title), body.String())
	return out.Bytes(), nil
}
