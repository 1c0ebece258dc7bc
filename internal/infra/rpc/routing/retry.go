package routing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/vaultwatch/internal/infra/rpc/provider"
)

// ErrRangeTooLarge marks a log query the provider rejected for its size.
var ErrRangeTooLarge = errors.New("block range too large")

// ErrorClass determines how to handle an error.
type ErrorClass int

const (
	// ClassTransient errors are retried with backoff.
	ClassTransient ErrorClass = iota
	// ClassFatal errors propagate immediately.
	ClassFatal
)

func (c ErrorClass) String() string {
	if c == ClassFatal {
		return "fatal"
	}
	return "transient"
}

// rangePatterns are provider messages for oversized eth_getLogs requests.
// A match shrinks the chunk for the life of the process, so only wording
// about the size of the range belongs here.
var rangePatterns = []string{
	"block range is too large",
	"block range too large",
	"block range exceeds",
	"range too large",
	"range is too large",
	"exceed maximum block range",
	"more than 10000 results",
	"query returned more than",
	"response size exceeded",
	"response size should not greater",
	"log response size exceeded",
	"query timeout exceeded",
	"too many logs",
}

// throttlePatterns are rate-limit messages some providers send with HTTP 200.
var throttlePatterns = []string{
	"rate limit",
	"too many requests",
	"daily request count exceeded",
	"monthly quota exceeded",
	"capacity exceeded",
	"quota",
}

// IsRangeTooLarge reports whether err is a provider rejection of the query range.
func IsRangeTooLarge(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRangeTooLarge) {
		return true
	}
	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusRequestEntityTooLarge {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), rangePatterns)
}

// ClassifyError determines the class for a given error.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassTransient // Should not happen
	}

	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if IsRangeTooLarge(err) {
		return ClassFatal
	}

	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) {
		switch code := httpErr.StatusCode; {
		case code == http.StatusTooManyRequests,
			code == http.StatusRequestTimeout,
			code == http.StatusForbidden, // provider quota
			code >= 500:
			return ClassTransient
		case code >= 400:
			return ClassFatal
		}
	}

	var rpcErr *provider.RPCError
	if errors.As(err, &rpcErr) {
		if containsAny(strings.ToLower(rpcErr.Message), throttlePatterns) {
			return ClassTransient
		}
		// -32700: Parse error, -32600: Invalid Request, -32601: Method not found, -32602: Invalid params
		switch rpcErr.Code {
		case -32700, -32600, -32601, -32602:
			return ClassFatal
		}
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	s := err.Error()
	if strings.Contains(s, "-32700") || strings.Contains(s, "-32600") ||
		strings.Contains(s, "-32601") || strings.Contains(s, "-32602") {
		return ClassFatal
	}

	// Default to Retry (Network, 5xx, etc)
	return ClassTransient
}

// Policy is an injectable retry policy. Backoff produces a fresh delay
// sequence per call; Sleep waits between attempts and can be replaced in tests.
type Policy struct {
	MaxAttempts int
	Backoff     func() retry.Backoff
	Sleep       func(ctx context.Context, d time.Duration) error
	Classify    func(error) ErrorClass
	// OnRetry is called before each sleep, for logging and metrics.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// NewPolicy returns an exponential, capped, jittered policy.
func NewPolicy(maxAttempts int, initial, maxDelay time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff: func() retry.Backoff {
			b := retry.NewExponential(initial)
			b = retry.WithCappedDuration(maxDelay, b)
			return retry.WithJitterPercent(10, b)
		},
		Sleep:    SleepContext,
		Classify: ClassifyError,
	}
}

// Do runs fn until it succeeds, a fatal error occurs, or attempts run out.
// The attempt number passed to fn starts at zero.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(p.MaxAttempts, 1)
	classify := p.Classify
	if classify == nil {
		classify = ClassifyError
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	var backoff retry.Backoff
	if p.Backoff != nil {
		backoff = p.Backoff()
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		if classify(err) == ClassFatal {
			return err // Stop immediately, do not retry
		}
		if attempt == attempts-1 {
			break
		}

		var delay time.Duration
		if backoff != nil {
			d, stop := backoff.Next()
			if stop {
				break
			}
			delay = d
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %w", err, lastErr)
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
