package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() *RetryPolicy {
	return &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryWithBackoff_SucceedsFirstAttempt(t *testing.T) {
	attempts, err := RetryWithBackoff(context.Background(), testPolicy(), func() error {
		return nil
	}, IsTransient)

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoff_RetriesTransient(t *testing.T) {
	calls := 0
	attempts, err := RetryWithBackoff(context.Background(), testPolicy(), func() error {
		calls++
		if calls < 3 {
			return Transient(errors.New("throttled"))
		}
		return nil
	}, IsTransient)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_PermanentFailsImmediately(t *testing.T) {
	calls := 0
	attempts, err := RetryWithBackoff(context.Background(), testPolicy(), func() error {
		calls++
		return Permanent(errors.New("access denied"))
	}, IsTransient)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	attempts, err := RetryWithBackoff(context.Background(), testPolicy(), func() error {
		return Transient(errors.New("still throttled"))
	}, IsTransient)

	require.Error(t, err)
	assert.Equal(t, 4, attempts) // first attempt plus three retries
	assert.Contains(t, err.Error(), "max retries")
	assert.Contains(t, err.Error(), "still throttled")
}

func TestRetryWithBackoff_CancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := &RetryPolicy{MaxRetries: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	done := make(chan struct{})
	var attempts int
	var err error
	go func() {
		attempts, err = RetryWithBackoff(ctx, policy, func() error {
			calls++
			return Transient(errors.New("throttled"))
		}, IsTransient)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestBackoffDelay_CappedAtMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	for attempt := 0; attempt < 20; attempt++ {
		d := backoffDelay(attempt, base, max)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, max)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked transient", Transient(errors.New("x")), true},
		{"marked permanent", Permanent(errors.New("x")), false},
		{"wrapped transient", errors.Join(errors.New("ctx"), Transient(errors.New("x"))), true},
		{"throttling message", errors.New("Throttling: rate exceeded"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"timeout message", errors.New("i/o timeout"), true},
		{"plain failure", errors.New("validation error: name required"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
