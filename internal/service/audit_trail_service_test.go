package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/talkwire/token-engine/internal/models"
	"github.com/talkwire/token-engine/pkg/config"
)

type mockAuditSink struct {
	mu      sync.Mutex
	batches [][]models.AuditEvent
	err     error
}

func (m *mockAuditSink) InsertBatch(ctx context.Context, events []models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	batch := make([]models.AuditEvent, len(events))
	copy(batch, events)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockAuditSink) all() []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEvent
	for _, batch := range m.batches {
		out = append(out, batch...)
	}
	return out
}

func testTrail(sink *mockAuditSink, cfg config.AuditConfig) *AuditTrailService {
	return NewAuditTrailService(cfg, sink, nil, zap.NewNop())
}

func TestSeverityClassification(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, SeverityFor(models.EventImpossibleTravel))
	assert.Equal(t, models.SeverityCritical, SeverityFor(models.EventFamilyRevoked))
	assert.Equal(t, models.SeverityHigh, SeverityFor(models.EventReplayDetected))
	assert.Equal(t, models.SeverityMedium, SeverityFor(models.EventVerificationFailed))
	assert.Equal(t, models.SeverityLow, SeverityFor(models.EventRateLimited))
	assert.Equal(t, models.SeverityInfo, SeverityFor(models.EventTokenIssued))
	assert.Equal(t, models.SeverityInfo, SeverityFor("something_else"))
}

func TestRecordFillsDefaults(t *testing.T) {
	trail := testTrail(&mockAuditSink{}, config.AuditConfig{BufferSize: 10})

	trail.Record(context.Background(), models.AuditEvent{Event: models.EventTokenIssued, UserID: "u1"})

	require.Equal(t, 1, trail.BufferDepth())
	trail.mu.Lock()
	event := trail.buffer[0]
	trail.mu.Unlock()
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, models.SeverityInfo, event.Severity)
}

func TestRecordFlushesFullBuffer(t *testing.T) {
	sink := &mockAuditSink{}
	trail := testTrail(sink, config.AuditConfig{BufferSize: 3})

	for i := 0; i < 3; i++ {
		trail.Record(context.Background(), models.AuditEvent{Event: models.EventTokenIssued})
	}

	assert.Equal(t, 0, trail.BufferDepth())
	assert.Len(t, sink.all(), 3)
}

func TestFlushPreservesOrder(t *testing.T) {
	sink := &mockAuditSink{}
	trail := testTrail(sink, config.AuditConfig{BufferSize: 100})

	trail.Record(context.Background(), models.AuditEvent{Event: models.EventTokenIssued, TokenID: "t1"})
	trail.Record(context.Background(), models.AuditEvent{Event: models.EventTokenVerified, TokenID: "t2"})
	trail.Record(context.Background(), models.AuditEvent{Event: models.EventTokenRevoked, TokenID: "t3"})

	require.NoError(t, trail.Flush(context.Background()))

	events := sink.all()
	require.Len(t, events, 3)
	assert.Equal(t, "t1", events[0].TokenID)
	assert.Equal(t, "t2", events[1].TokenID)
	assert.Equal(t, "t3", events[2].TokenID)
}

func TestFlushRequeuesOnSinkFailure(t *testing.T) {
	sink := &mockAuditSink{err: errors.New("db down")}
	trail := testTrail(sink, config.AuditConfig{BufferSize: 100})

	trail.Record(context.Background(), models.AuditEvent{Event: models.EventTokenIssued, TokenID: "t1"})
	require.Error(t, trail.Flush(context.Background()))
	assert.Equal(t, 1, trail.BufferDepth())

	// Once the sink recovers nothing is lost.
	sink.err = nil
	require.NoError(t, trail.Flush(context.Background()))
	assert.Equal(t, 0, trail.BufferDepth())
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "t1", sink.all()[0].TokenID)
}

func TestCriticalEventTriggersImmediateAnalysis(t *testing.T) {
	sink := &mockAuditSink{}
	trail := testTrail(sink, config.AuditConfig{BufferSize: 100, PatternThreshold: 3})

	for i := 0; i < 3; i++ {
		trail.Record(context.Background(), models.AuditEvent{Event: models.EventImpossibleTravel, UserID: "u1"})
	}

	require.NoError(t, trail.Flush(context.Background()))

	var patterns []models.AuditEvent
	for _, event := range sink.all() {
		if event.Event == models.EventSuspiciousPattern {
			patterns = append(patterns, event)
		}
	}
	require.Len(t, patterns, 1)
	assert.Equal(t, "u1", patterns[0].UserID)
	assert.Equal(t, models.SeverityHigh, patterns[0].Severity)
}

func TestPatternSweepBelowThresholdStaysQuiet(t *testing.T) {
	sink := &mockAuditSink{}
	trail := testTrail(sink, config.AuditConfig{BufferSize: 100, PatternThreshold: 5})

	trail.Record(context.Background(), models.AuditEvent{Event: models.EventVerificationFailed, UserID: "u1"})
	trail.Record(context.Background(), models.AuditEvent{Event: models.EventVerificationFailed, UserID: "u1"})

	require.NoError(t, trail.PatternSweepTask(context.Background()))
	require.NoError(t, trail.Flush(context.Background()))

	for _, event := range sink.all() {
		assert.NotEqual(t, models.EventSuspiciousPattern, event.Event)
	}
}

func TestPatternSweepEmitsOncePerBurst(t *testing.T) {
	sink := &mockAuditSink{}
	trail := testTrail(sink, config.AuditConfig{BufferSize: 100, PatternThreshold: 3})

	for i := 0; i < 4; i++ {
		trail.Record(context.Background(), models.AuditEvent{Event: models.EventVerificationFailed, UserID: "u1"})
	}

	require.NoError(t, trail.PatternSweepTask(context.Background()))
	require.NoError(t, trail.PatternSweepTask(context.Background()))
	require.NoError(t, trail.Flush(context.Background()))

	count := 0
	for _, event := range sink.all() {
		if event.Event == models.EventSuspiciousPattern {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestPatternWindowExcludesOldEvents(t *testing.T) {
	sink := &mockAuditSink{}
	trail := testTrail(sink, config.AuditConfig{BufferSize: 100, PatternThreshold: 3, PatternWindow: 24 * time.Hour})

	stale := time.Now().UTC().Add(-48 * time.Hour)
	for i := 0; i < 2; i++ {
		trail.Record(context.Background(), models.AuditEvent{Event: models.EventVerificationFailed, UserID: "u1", Timestamp: stale})
	}
	trail.Record(context.Background(), models.AuditEvent{Event: models.EventVerificationFailed, UserID: "u1"})

	require.NoError(t, trail.PatternSweepTask(context.Background()))
	require.NoError(t, trail.Flush(context.Background()))

	for _, event := range sink.all() {
		assert.NotEqual(t, models.EventSuspiciousPattern, event.Event)
	}
}

func TestCleanupTaskPrunesTrackers(t *testing.T) {
	trail := testTrail(&mockAuditSink{}, config.AuditConfig{BufferSize: 100, RetentionPeriod: 24 * time.Hour})

	trail.Record(context.Background(), models.AuditEvent{
		Event:     models.EventVerificationFailed,
		UserID:    "u1",
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
	})
	trail.Record(context.Background(), models.AuditEvent{Event: models.EventVerificationFailed, UserID: "u2"})

	require.NoError(t, trail.CleanupTask(context.Background()))

	trail.mu.Lock()
	defer trail.mu.Unlock()
	assert.NotContains(t, trail.userEvents, "u1")
	assert.Contains(t, trail.userEvents, "u2")
}
