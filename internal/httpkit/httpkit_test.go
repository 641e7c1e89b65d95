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
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []ClientOption{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"disabled", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.opts...)
			if c.Timeout != tt.want {
				t.Errorf("Timeout = %v, want %v", c.Timeout, tt.want)
			}
		})
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	resp, err := NewClient().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "Hearth/") {
		t.Errorf("expected Hearth/ prefix, got %q", body)
	}

	resp2, err := NewClient(WithUserAgent("TestBot/1.0")).Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	body, _ = io.ReadAll(resp2.Body)
	if string(body) != "TestBot/1.0" {
		t.Errorf("expected TestBot/1.0, got %q", body)
	}
}

func TestNewClient_ExistingUserAgentKept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "custom/2")
	resp, err := NewClient().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "custom/2" {
		t.Errorf("got %q, want custom/2", body)
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v", tr.TLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
}

func TestReadErrorBody(t *testing.T) {
	got := ReadErrorBody(io.NopCloser(strings.NewReader("0123456789")), 4)
	if got != "0123" {
		t.Errorf("ReadErrorBody = %q, want 0123", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("nil body = %q, want empty", got)
	}
}

// countingRoundTripper fails with err for the first fails calls.
type countingRoundTripper struct {
	calls atomic.Int32
	fails int32
	err   error
}

func (c *countingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	n := c.calls.Add(1)
	if n <= c.fails {
		return nil, c.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Request:    req,
	}, nil
}

func dialErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
}

func TestRetryTransport_RetriesDialFailure(t *testing.T) {
	base := &countingRoundTripper{fails: 2, err: dialErr(syscall.EHOSTUNREACH)}
	rt := &retryTransport{base: base, count: 3, delay: time.Millisecond}

	req := httptest.NewRequest(http.MethodGet, "http://ha.local/api/", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp.Body.Close()
	if got := base.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestRetryTransport_ExhaustsRetries(t *testing.T) {
	base := &countingRoundTripper{fails: 10, err: dialErr(syscall.ECONNREFUSED)}
	rt := &retryTransport{base: base, count: 2, delay: time.Millisecond}

	req := httptest.NewRequest(http.MethodGet, "http://ha.local/api/", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := base.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestRetryTransport_NoRetryOnOtherErrors(t *testing.T) {
	base := &countingRoundTripper{fails: 10, err: errors.New("tls: bad certificate")}
	rt := &retryTransport{base: base, count: 3, delay: time.Millisecond}

	req := httptest.NewRequest(http.MethodGet, "http://ha.local/api/", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if got := base.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestRetryTransport_RespectsContext(t *testing.T) {
	base := &countingRoundTripper{fails: 10, err: dialErr(syscall.ENETUNREACH)}
	rt := &retryTransport{base: base, count: 5, delay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "http://ha.local/api/", nil).WithContext(ctx)
	cancel()

	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRetryTransport_NoRetryWithoutGetBody(t *testing.T) {
	base := &countingRoundTripper{fails: 10, err: dialErr(syscall.EHOSTUNREACH)}
	rt := &retryTransport{base: base, count: 3, delay: time.Millisecond}

	req := httptest.NewRequest(http.MethodPost, "http://ha.local/api/events/x", io.NopCloser(strings.NewReader("{}")))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if got := base.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{dialErr(syscall.EHOSTUNREACH), true},
		{dialErr(syscall.ENETUNREACH), true},
		{dialErr(syscall.ECONNREFUSED), true},
		{dialErr(syscall.ECONNRESET), false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
