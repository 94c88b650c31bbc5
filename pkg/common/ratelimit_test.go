package common

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Unlimited(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	assert.True(t, math.IsInf(rl.Limit(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for range 100 {
		require.NoError(t, rl.Wait(ctx))
	}
}

func TestRateLimiter_WaitCancelled(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0.001, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, rl.Wait(ctx), "burst allows the first event")
	assert.Error(t, rl.Wait(ctx))
}

func TestRateLimiter_UpdateLimits(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(5, 1)
	assert.InDelta(t, 5.0, rl.Limit(), 0.0001)

	rl.UpdateLimits(20, 4)
	assert.InDelta(t, 20.0, rl.Limit(), 0.0001)
}
