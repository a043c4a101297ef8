// Package retry applies bounded exponential backoff to calls against
// external services (embedding, vector store, generation).
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Transient marks an error as retryable. Providers wrap temporary failures
// with Transient; anything else aborts the retry loop immediately.
type Transient struct {
	Err error
}

func (t *Transient) Error() string { return "transient: " + t.Err.Error() }
func (t *Transient) Unwrap() error { return t.Err }

// IsTransient reports whether err is (or wraps) a transient failure.
func IsTransient(err error) bool {
	var t *Transient
	return errors.As(err, &t)
}

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// Default mirrors the provider call budget used throughout the pipeline:
// three attempts, doubling from 500ms.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: true}
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempt budget is exhausted. The last error is returned in that case.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		d := delay
		if p.Jitter {
			d += time.Duration(rand.Int63n(int64(delay)/2 + 1))
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
