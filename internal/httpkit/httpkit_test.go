package httpkit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []Option{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"disabled", []Option{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	get := func(c *http.Client, ua string) string {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		if ua != "" {
			req.Header.Set("User-Agent", ua)
		}
		resp, err := c.Do(req)
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	if got := get(NewClient(), ""); !strings.HasPrefix(got, "Hark/") {
		t.Errorf("default User-Agent = %q", got)
	}
	if got := get(NewClient(WithUserAgent("hark-test/1")), ""); got != "hark-test/1" {
		t.Errorf("custom User-Agent = %q", got)
	}
	if got := get(NewClient(), "caller/2"); got != "caller/2" {
		t.Errorf("caller User-Agent overwritten: %q", got)
	}
}

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("boom")), 100); got != "boom" {
		t.Errorf("got %q", got)
	}
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("abcdef")), 3); got != "abc" {
		t.Errorf("truncated got %q", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("nil got %q", got)
	}
}

type stubRT struct {
	calls atomic.Int32
	errs  []error
}

func (s *stubRT) RoundTrip(*http.Request) (*http.Response, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return nil, s.errs[n]
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func unreachable() error {
	return &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH)}
}

func TestRetryTransport(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		base := &stubRT{errs: []error{unreachable(), unreachable()}}
		rt := &retryTransport{base: base, count: 3, delay: time.Millisecond}
		req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
		if _, err := rt.RoundTrip(req); err != nil {
			t.Fatalf("RoundTrip: %v", err)
		}
		if got := base.calls.Load(); got != 3 {
			t.Errorf("calls = %d, want 3", got)
		}
	})

	t.Run("non-retryable", func(t *testing.T) {
		base := &stubRT{errs: []error{errors.New("tls: bad certificate")}}
		rt := &retryTransport{base: base, count: 3, delay: time.Millisecond}
		req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
		if _, err := rt.RoundTrip(req); err == nil {
			t.Fatal("expected error")
		}
		if got := base.calls.Load(); got != 1 {
			t.Errorf("calls = %d, want 1", got)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		base := &stubRT{errs: []error{unreachable(), unreachable()}}
		rt := &retryTransport{base: base, count: 3, delay: time.Hour}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid", nil)
		if _, err := rt.RoundTrip(req); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	if !isRetryable(unreachable()) {
		t.Error("EHOSTUNREACH should be retryable")
	}
	if isRetryable(syscall.ECONNRESET) {
		t.Error("ECONNRESET should not be retryable")
	}
	if isRetryable(errors.New("plain")) {
		t.Error("plain error should not be retryable")
	}
}
