package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func echoUserAgent(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("User-Agent"))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, c *http.Client, url string, header http.Header) string {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClientTimeouts(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []ClientOption{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"streaming", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserAgentInjection(t *testing.T) {
	ts := echoUserAgent(t)

	if got := get(t, NewClient(), ts.URL, nil); !strings.HasPrefix(got, "Vektra/") {
		t.Errorf("default User-Agent = %q", got)
	}
	if got := get(t, NewClient(WithUserAgent("custom/1")), ts.URL, nil); got != "custom/1" {
		t.Errorf("custom User-Agent = %q", got)
	}
	h := http.Header{"User-Agent": []string{"caller/2"}}
	if got := get(t, NewClient(), ts.URL, h); got != "caller/2" {
		t.Errorf("explicit User-Agent overwritten: %q", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"refused", syscall.ECONNREFUSED, true},
		{"unreachable in op error", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH)}, true},
		{"reset", syscall.ECONNRESET, false},
		{"plain", errors.New("boom"), false},
		{"wrapped refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("rate limited")), 64); got != "rate limited" {
		t.Errorf("ReadErrorBody = %q", got)
	}
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("abcdefgh")), 3); got != "abc" {
		t.Errorf("truncated ReadErrorBody = %q", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("nil ReadErrorBody = %q", got)
	}
}

// baseTransport unwraps the layered round trippers down to the
// *http.Transport.
func baseTransport(t *testing.T, rt http.RoundTripper) *http.Transport {
	t.Helper()
	for {
		switch v := rt.(type) {
		case *http.Transport:
			return v
		case *retryTransport:
			rt = v.base
		case *userAgentTransport:
			rt = v.base
		default:
			t.Fatalf("unexpected transport %T", rt)
		}
	}
}

func TestDisableKeepAlives(t *testing.T) {
	if baseTransport(t, NewClient().Transport).DisableKeepAlives {
		t.Error("keep-alives disabled by default")
	}
	c := NewClient(WithDisableKeepAlives(), WithRetry(1, time.Millisecond))
	if !baseTransport(t, c.Transport).DisableKeepAlives {
		t.Error("keep-alives still enabled")
	}
}

type flakyTransport struct {
	errs   []error
	calls  int
	bodies []string
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(b))
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func refused() error {
	return &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		count     int
		wantCalls int
		wantErr   bool
	}{
		{"recovers after refused dial", []error{refused()}, 2, 2, false},
		{"gives up after count", []error{refused(), refused(), refused()}, 2, 3, true},
		{"reset is not retried", []error{syscall.ECONNRESET}, 2, 1, true},
		{"success passes through", nil, 2, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &flakyTransport{errs: tt.errs}
			rt := &retryTransport{base: base, count: tt.count, delay: time.Millisecond}
			req := httptest.NewRequest(http.MethodGet, "http://localhost:5173/", nil)
			resp, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if resp != nil {
				resp.Body.Close()
			}
			if base.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", base.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransportRewindsBody(t *testing.T) {
	base := &flakyTransport{errs: []error{refused()}}
	rt := &retryTransport{base: base, count: 1, delay: time.Millisecond}
	req, err := http.NewRequest(http.MethodPost, "http://localhost:11434/api/chat", strings.NewReader(`{"model":"m"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp.Body.Close()
	if len(base.bodies) != 2 || base.bodies[1] != `{"model":"m"}` {
		t.Errorf("bodies = %q", base.bodies)
	}
}

func TestRetryTransportStopsOnCancel(t *testing.T) {
	base := &flakyTransport{errs: []error{refused(), refused()}}
	rt := &retryTransport{base: base, count: 1, delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "http://localhost:5173/", nil).WithContext(ctx)
	if _, err := rt.RoundTrip(req); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1", base.calls)
	}
}
