package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/talkwire/token-engine/pkg/config"
)

func TestRateLimiterEnforcesCeiling(t *testing.T) {
	limiter := NewRateLimiter(config.RateLimitConfig{Enabled: true, Window: time.Minute, VerifyCeiling: 3}, zap.NewNop())

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("1.2.3.4", OpVerifyAccess))
	}
	assert.False(t, limiter.Allow("1.2.3.4", OpVerifyAccess))

	// Other callers and other operations have their own windows.
	assert.True(t, limiter.Allow("5.6.7.8", OpVerifyAccess))
	assert.True(t, limiter.Allow("1.2.3.4", OpIssue))
}

func TestRateLimiterWindowSlides(t *testing.T) {
	limiter := NewRateLimiter(config.RateLimitConfig{Enabled: true, Window: time.Minute, VerifyCeiling: 2}, zap.NewNop())

	base := time.Now().UTC()
	limiter.now = func() time.Time { return base }

	require.True(t, limiter.Allow("1.2.3.4", OpVerifyAccess))
	require.True(t, limiter.Allow("1.2.3.4", OpVerifyAccess))
	require.False(t, limiter.Allow("1.2.3.4", OpVerifyAccess))

	limiter.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.True(t, limiter.Allow("1.2.3.4", OpVerifyAccess))
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(config.RateLimitConfig{Enabled: false, VerifyCeiling: 1}, zap.NewNop())

	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow("1.2.3.4", OpVerifyAccess))
	}
}

func TestRateLimiterPruneTask(t *testing.T) {
	limiter := NewRateLimiter(config.RateLimitConfig{Enabled: true, Window: time.Minute, VerifyCeiling: 5}, zap.NewNop())

	base := time.Now().UTC()
	limiter.now = func() time.Time { return base }
	require.True(t, limiter.Allow("1.2.3.4", OpVerifyAccess))

	limiter.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.NoError(t, limiter.PruneTask(context.Background()))

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Empty(t, limiter.hits)
}
