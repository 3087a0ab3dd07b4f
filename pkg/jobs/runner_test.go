package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunnerTicks(t *testing.T) {
	var ticks atomic.Int64
	runner := NewRunner("test", 10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}, zap.NewNop())

	runner.Start(context.Background())
	defer runner.Stop()

	require.Eventually(t, func() bool {
		return ticks.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestRunnerStopHalts(t *testing.T) {
	var ticks atomic.Int64
	runner := NewRunner("test", 10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}, zap.NewNop())

	runner.Start(context.Background())
	require.Eventually(t, func() bool { return ticks.Load() >= 1 }, time.Second, 5*time.Millisecond)
	runner.Stop()

	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestRunnerSurvivesFailingTicks(t *testing.T) {
	var ticks atomic.Int64
	runner := NewRunner("test", 10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return errors.New("tick failed")
	}, zap.NewNop())

	runner.Start(context.Background())
	defer runner.Stop()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestRunnerStartIdempotent(t *testing.T) {
	runner := NewRunner("test", time.Hour, func(ctx context.Context) error { return nil }, zap.NewNop())
	runner.Start(context.Background())
	runner.Start(context.Background())
	runner.Stop()
	runner.Stop()
}

func TestRunOnceFires(t *testing.T) {
	done := make(chan struct{})
	RunOnce(context.Background(), "test", 10*time.Millisecond, func(ctx context.Context) error {
		close(done)
		return nil
	}, zap.NewNop())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred task never fired")
	}
}

func TestRunOnceRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan struct{}, 1)
	RunOnce(ctx, "test", 50*time.Millisecond, func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	}, zap.NewNop())

	cancel()
	select {
	case <-fired:
		t.Fatal("cancelled task still fired")
	case <-time.After(150 * time.Millisecond):
	}
}
