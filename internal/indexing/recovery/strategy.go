package recovery

import (
	"errors"
	"math"
	"time"

	"github.com/vietddude/vaultwatch/internal/indexing/indexer"
)

// FailureCategory tells whether a replay failure can succeed later.
type FailureCategory int

const (
	CategoryTransient FailureCategory = iota
	CategoryPermanent
)

// Classifier maps a replay error to a category.
type Classifier func(err error) FailureCategory

// ClassifyReplayError treats events that no longer decode as permanent and
// everything else, storage outages included, as transient.
func ClassifyReplayError(err error) FailureCategory {
	if errors.Is(err, indexer.ErrNotReplayable) {
		return CategoryPermanent
	}
	return CategoryTransient
}

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay for the given attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry based on the error and attempt count.
	ShouldRetry(err error, attempt int) bool
}

// ExponentialBackoff implements a standard backoff strategy.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Classifier   Classifier
}

// DefaultBackoff waits 30s, 1m, 2m, 4m ... capped at 30m, for 5 attempts.
func DefaultBackoff(classifier Classifier) *ExponentialBackoff {
	if classifier == nil {
		classifier = ClassifyReplayError
	}
	return &ExponentialBackoff{
		InitialDelay: 30 * time.Second,
		MaxDelay:     30 * time.Minute,
		MaxAttempts:  5,
		Classifier:   classifier,
	}
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry checks if error is transient and max attempts not exceeded.
func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if attempt >= s.MaxAttempts {
		return false
	}
	return s.Classifier(err) == CategoryTransient
}
