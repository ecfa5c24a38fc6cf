package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{500, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Backoff{}.Delay(1))
	assert.Equal(t, 30*time.Second, Backoff{}.Delay(100))
}

func TestBackoff_Jitter(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 1, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	fast := Backoff{Initial: time.Millisecond, Max: time.Millisecond}

	calls := 0
	err := Do(ctx, 3, fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Do(ctx, 3, fast, func(context.Context) error {
		calls++
		return fmt.Errorf("attempt %d", calls)
	})
	assert.EqualError(t, err, "attempt 3")

	calls = 0
	bad := errors.New("bad recipient")
	err = Do(ctx, 5, fast, func(context.Context) error {
		calls++
		return PermanentError(bad)
	})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Do(ctx, 3, Backoff{}, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, PermanentError(nil))

	base := errors.New("no sender")
	err := fmt.Errorf("send: %w", PermanentError(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "send: no sender", err.Error())
	assert.False(t, IsPermanent(base))
}
