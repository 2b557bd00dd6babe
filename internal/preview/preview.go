// Package preview checks that a sandbox dev server is serving the app.
// It fetches the preview page and reports its title, visible text and
// the assets it loads.
package preview

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/vektra-agent/internal/httpkit"
)

// DefaultMaxBytes caps the downloaded page.
const DefaultMaxBytes int64 = 2 * 1024 * 1024

// maxErrorBody caps the body quoted from an error response.
const maxErrorBody = 2048

// maxText caps the extracted text returned to the model.
const maxText = 4000

// Report is the outcome of one preview check.
type Report struct {
	URL        string   `json:"url"`
	StatusCode int      `json:"statusCode"`
	Reachable  bool     `json:"reachable"`
	Title      string   `json:"title,omitempty"`
	HasRoot    bool     `json:"hasRoot"`
	Scripts    []string `json:"scripts,omitempty"`
	Styles     []string `json:"styles,omitempty"`
	Text       string   `json:"text,omitempty"`
	Truncated  bool     `json:"truncated,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Checker fetches preview pages.
type Checker struct {
	client   *http.Client
	maxBytes int64
}

// New creates a Checker. A nil client gets an httpkit default with a
// short timeout, since dev servers are local.
func New(client *http.Client) *Checker {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(15 * time.Second))
	}
	return &Checker{client: client, maxBytes: DefaultMaxBytes}
}

// Check fetches url. An unreachable server is a report with
// Reachable false, not an error; errors mean the URL itself is bad.
func (c *Checker) Check(ctx context.Context, url string) (*Report, error) {
	if url == "" {
		return nil, fmt.Errorf("preview: url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("preview: invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,*/*;q=0.8")

	report := &Report{URL: url}
	resp, err := c.client.Do(req)
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	report.StatusCode = resp.StatusCode
	report.Reachable = resp.StatusCode < 500
	if resp.StatusCode >= 400 {
		report.Error = fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, maxErrorBody)))
		return report, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		report.Error = fmt.Sprintf("read body: %v", err)
		return report, nil
	}

	if !strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "html") {
		report.Text = truncate(string(body), maxText, &report.Truncated)
		return report, nil
	}

	p, err := parsePage(string(body))
	if err != nil {
		report.Error = fmt.Sprintf("parse html: %v", err)
		return report, nil
	}
	report.Title = p.title
	report.HasRoot = p.hasRoot
	report.Scripts = p.scripts
	report.Styles = p.styles
	report.Text = truncate(p.text, maxText, &report.Truncated)
	return report, nil
}

func truncate(s string, n int, flag *bool) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	*flag = true
	return string(r[:n])
}
