// Package backoff computes retry delays and waits on them cooperatively.
package backoff

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

// Exponential doubles a base delay per attempt up to a cap.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
	// Jitter spreads each delay over [d/2, d) when set.
	Jitter bool
}

// Delay returns the wait before retry number attempt (0-based).
func (e Exponential) Delay(attempt int) time.Duration {
	if e.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := e.Base
	for i := 0; i < attempt; i++ {
		if (e.Max > 0 && delay >= e.Max) || delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
	}
	if e.Max > 0 && delay > e.Max {
		delay = e.Max
	}
	if !e.Jitter {
		return delay
	}
	return delay/2 + randomJitter(delay/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Pause sleeps for delay or until ctx is done, returning ctx.Err() in the
// latter case.
func Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry decides whether a failed network call is worth another attempt.
type Retry struct {
	MaxAttempts int
	Backoff     Exponential
	// Retryable, when set, replaces the network-error classification below.
	Retryable func(error) bool
}

// DefaultRetry retries three times between 250ms and 5s.
func DefaultRetry() Retry {
	return Retry{
		MaxAttempts: 3,
		Backoff:     Exponential{Base: 250 * time.Millisecond, Max: 5 * time.Second, Jitter: true},
	}
}

// ShouldRetry reports whether attempt (1-based, already made) may be followed
// by another.
func (r Retry) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= r.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if r.Retryable != nil {
		return r.Retryable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Do runs fn until it succeeds, ShouldRetry says stop, or ctx ends.
func (r Retry) Do(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if !r.ShouldRetry(err, attempt) {
			return err
		}
		if perr := Pause(ctx, r.Backoff.Delay(attempt-1)); perr != nil {
			return errors.Join(err, perr)
		}
	}
}
