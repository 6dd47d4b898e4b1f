package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowWithinBurst(t *testing.T) {
	limiter := NewLimiter(1.0, 3)

	// Burst capacity admits the first three calls immediately
	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("postgres"), "call %d should be within burst", i+1)
	}
	assert.False(t, limiter.Allow("postgres"), "fourth immediate call should be throttled")
}

func TestLimiter_SourcesAreIndependent(t *testing.T) {
	limiter := NewLimiter(1.0, 1)

	assert.True(t, limiter.Allow("oura"), "first oura call should pass")
	assert.False(t, limiter.Allow("oura"), "second oura call should be throttled")
	assert.True(t, limiter.Allow("whoop"), "whoop bucket should be untouched by oura usage")
}

func TestLimiter_WaitHonorsContextCancellation(t *testing.T) {
	limiter := NewLimiter(0.001, 1)
	require.True(t, limiter.Allow("postgres"), "drain the single burst token")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx, "postgres")
	assert.Error(t, err, "wait should fail once the context deadline passes")
}

func TestLimiter_StatsReportThrottling(t *testing.T) {
	limiter := NewLimiter(0.5, 1)
	limiter.Allow("postgres")
	limiter.Allow("postgres") // drains the bucket past its burst

	stats := limiter.Stats()
	require.Contains(t, stats, "postgres")

	postgres := stats["postgres"]
	assert.Equal(t, 0.5, postgres.RPS)
	assert.True(t, postgres.IsThrottled(), "drained bucket should report a delay")
}
