package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/vaultwatch/internal/infra/rpc/provider"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		expect ErrorClass
	}{
		{&provider.HTTPError{StatusCode: http.StatusTooManyRequests}, ClassTransient},
		{&provider.HTTPError{StatusCode: http.StatusBadGateway}, ClassTransient},
		{&provider.HTTPError{StatusCode: http.StatusForbidden}, ClassTransient},
		{&provider.HTTPError{StatusCode: http.StatusBadRequest}, ClassFatal},
		{&provider.HTTPError{StatusCode: http.StatusRequestEntityTooLarge}, ClassFatal},
		{&provider.RPCError{Code: -32600, Message: "invalid request"}, ClassFatal},
		{&provider.RPCError{Code: -32601, Message: "method not found"}, ClassFatal},
		{&provider.RPCError{Code: -32602, Message: "invalid params"}, ClassFatal},
		{&provider.RPCError{Code: -32005, Message: "project rate limit exceeded"}, ClassTransient},
		{&provider.RPCError{Code: -32000, Message: "header not found"}, ClassTransient},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ClassTransient},
		{context.Canceled, ClassFatal},
		{errors.New("Parse error -32700"), ClassFatal},
		{errors.New("connection reset by peer"), ClassTransient},
		{errors.New("EOF"), ClassTransient},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.expect {
			t.Errorf("ClassifyError(%q) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestIsRangeTooLarge(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{&provider.RPCError{Code: -32005, Message: "query returned more than 10000 results"}, true},
		{&provider.RPCError{Code: -32602, Message: "Log response size exceeded. You can make eth_getLogs requests with up to a 2K block range"}, true},
		{&provider.RPCError{Code: -32000, Message: "exceed maximum block range: 5000"}, true},
		{&provider.HTTPError{StatusCode: http.StatusRequestEntityTooLarge}, true},
		{fmt.Errorf("logs 1-100: %w", ErrRangeTooLarge), true},
		{&provider.RPCError{Code: -32000, Message: "block range is too large"}, true},
		{&provider.RPCError{Code: -32000, Message: "block range exceeds configured limit of 2000"}, true},
		{&provider.RPCError{Code: -32602, Message: "invalid block range params"}, false},
		{&provider.RPCError{Code: -32000, Message: "block range extends beyond current head block"}, false},
		{&provider.RPCError{Code: -32005, Message: "rate limit exceeded"}, false},
		{errors.New("connection refused"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsRangeTooLarge(tt.err); got != tt.expect {
			t.Errorf("IsRangeTooLarge(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

// testPolicy records sleeps instead of waiting.
func testPolicy(attempts int, slept *[]time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		Backoff: func() retry.Backoff {
			next := time.Second
			return retry.BackoffFunc(func() (time.Duration, bool) {
				d := next
				next *= 2
				return d, false
			})
		},
		Sleep: func(ctx context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		},
	}
}

func TestPolicy_RetriesTransientWithBackoff(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(3, &slept)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt != calls {
			t.Errorf("expected attempt %d, got %d", calls, attempt)
		}
		calls++
		return &provider.HTTPError{StatusCode: http.StatusServiceUnavailable}
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	var httpErr *provider.HTTPError
	if !errors.As(err, &httpErr) {
		t.Errorf("expected wrapped HTTPError, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(slept) != len(want) || slept[0] != want[0] || slept[1] != want[1] {
		t.Errorf("expected sleeps %v, got %v", want, slept)
	}
}

func TestPolicy_FatalStopsImmediately(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(5, &slept)

	calls := 0
	fatal := &provider.RPCError{Code: -32602, Message: "invalid params"}
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return fatal
	})

	if !errors.Is(err, fatal) {
		t.Errorf("expected fatal error, got %v", err)
	}
	if calls != 1 || len(slept) != 0 {
		t.Errorf("expected 1 call and no sleep, got %d calls, %d sleeps", calls, len(slept))
	}
}

func TestPolicy_SucceedsAfterRetry(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(3, &slept)

	var retried []int
	p.OnRetry = func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) }

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 2 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 || len(slept) != 1 || len(retried) != 1 || retried[0] != 1 {
		t.Errorf("calls=%d slept=%v retried=%v", calls, slept, retried)
	}
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var slept []time.Duration
	p := testPolicy(5, &slept)

	calls := 0
	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("timeout")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestNewPolicy_BackoffCapped(t *testing.T) {
	p := NewPolicy(10, 100*time.Millisecond, 300*time.Millisecond)
	b := p.Backoff()
	for i := 0; i < 6; i++ {
		d, stop := b.Next()
		if stop {
			t.Fatal("backoff should not stop on its own")
		}
		if d > 330*time.Millisecond {
			t.Errorf("delay %v exceeds cap plus jitter", d)
		}
	}
}
