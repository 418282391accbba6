package backoff

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialDelay(t *testing.T) {
	e := Exponential{Base: time.Second, Max: 10 * time.Second}
	require.Equal(t, time.Second, e.Delay(0))
	require.Equal(t, 2*time.Second, e.Delay(1))
	require.Equal(t, 8*time.Second, e.Delay(3))
	require.Equal(t, 10*time.Second, e.Delay(4))
	require.Equal(t, 10*time.Second, e.Delay(1000))
	require.Equal(t, time.Second, e.Delay(-3))
	require.Zero(t, Exponential{}.Delay(5))
}

func TestExponentialJitterStaysInRange(t *testing.T) {
	e := Exponential{Base: 100 * time.Millisecond, Max: time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := e.Delay(2)
		require.GreaterOrEqual(t, d, 200*time.Millisecond)
		require.Less(t, d, 400*time.Millisecond)
	}
}

func TestPauseHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.ErrorIs(t, Pause(ctx, time.Hour), context.Canceled)
	require.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, Pause(context.Background(), time.Millisecond))
}

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

var _ net.Error = timeoutErr{}

func TestRetryShouldRetry(t *testing.T) {
	r := Retry{MaxAttempts: 3}
	require.False(t, r.ShouldRetry(nil, 1))
	require.True(t, r.ShouldRetry(errors.New("boom"), 1))
	require.False(t, r.ShouldRetry(errors.New("boom"), 3))
	require.False(t, r.ShouldRetry(context.Canceled, 1))
	require.True(t, r.ShouldRetry(timeoutErr{timeout: true}, 1))
	require.False(t, r.ShouldRetry(timeoutErr{timeout: false}, 1))
}

func TestRetryDo(t *testing.T) {
	r := Retry{MaxAttempts: 3, Backoff: Exponential{Base: time.Millisecond}}
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	calls = 0
	err = r.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("down")
	})
	require.EqualError(t, err, "down")
	require.Equal(t, 3, calls)
}

func TestRetryableOverridesClassification(t *testing.T) {
	fatal := errors.New("bad request")
	r := Retry{MaxAttempts: 5, Retryable: func(err error) bool { return !errors.Is(err, fatal) }}

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("upload: %w", fatal)
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)

	require.True(t, r.ShouldRetry(timeoutErr{timeout: false}, 1))
	require.False(t, r.ShouldRetry(context.DeadlineExceeded, 1))
}
