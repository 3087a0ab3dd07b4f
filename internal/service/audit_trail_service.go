package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talkwire/token-engine/internal/models"
	"github.com/talkwire/token-engine/pkg/config"
)

// severityTable classifies event names; unlisted events are info.
var severityTable = map[string]models.Severity{
	models.EventImpossibleTravel:     models.SeverityCritical,
	models.EventFamilyRevoked:        models.SeverityCritical,
	models.EventStrictModeViolation:  models.SeverityCritical,
	models.EventReplayDetected:       models.SeverityHigh,
	models.EventDeviceMismatch:       models.SeverityHigh,
	models.EventForgedTokenValue:     models.SeverityHigh,
	models.EventSuspicionThreshold:   models.SeverityHigh,
	models.EventSuspiciousIPChange:   models.SeverityHigh,
	models.EventSuspiciousPattern:    models.SeverityHigh,
	models.EventFallbackKeyUse:       models.SeverityHigh,
	models.EventAccountLockedAttempt: models.SeverityHigh,
	models.EventVerificationFailed:   models.SeverityMedium,
	models.EventUserAgentChange:      models.SeverityMedium,
	models.EventDegradedKeyUse:       models.SeverityMedium,
	models.EventBindingBypassed:      models.SeverityMedium,
	models.EventTokenRevoked:         models.SeverityLow,
	models.EventRateLimited:          models.SeverityLow,
	models.EventSecretRotated:        models.SeverityLow,
}

// SeverityFor returns the classified severity for an event name.
func SeverityFor(event string) models.Severity {
	if sev, ok := severityTable[event]; ok {
		return sev
	}
	return models.SeverityInfo
}

type auditSink interface {
	InsertBatch(ctx context.Context, events []models.AuditEvent) error
}

type trackedEvent struct {
	event string
	at    time.Time
}

// AuditTrailService buffers security events in insertion order and
// periodically flushes them to the sink. Critical and high severity
// events trigger immediate pattern analysis instead of waiting for
// the sweep.
type AuditTrailService struct {
	mu     sync.Mutex
	buffer []models.AuditEvent

	userEvents   map[string][]trackedEvent
	deviceEvents map[string][]trackedEvent
	ipEvents     map[string][]trackedEvent

	cfg     config.AuditConfig
	sink    auditSink
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewAuditTrailService constructs the trail manager.
func NewAuditTrailService(cfg config.AuditConfig, sink auditSink, metrics *MetricsService, logger *zap.Logger) *AuditTrailService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.PatternWindow <= 0 {
		cfg.PatternWindow = 24 * time.Hour
	}
	if cfg.PatternThreshold <= 0 {
		cfg.PatternThreshold = 5
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = 90 * 24 * time.Hour
	}
	return &AuditTrailService{
		buffer:       make([]models.AuditEvent, 0, cfg.BufferSize),
		userEvents:   make(map[string][]trackedEvent),
		deviceEvents: make(map[string][]trackedEvent),
		ipEvents:     make(map[string][]trackedEvent),
		cfg:          cfg,
		sink:         sink,
		metrics:      metrics,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Record buffers an event, classifying its severity from the static
// table. A full buffer flushes inline.
func (s *AuditTrailService) Record(ctx context.Context, event models.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if event.Severity == "" {
		event.Severity = SeverityFor(event.Event)
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, event)
	depth := len(s.buffer)
	s.track(event)
	shouldFlush := depth >= s.cfg.BufferSize
	s.mu.Unlock()

	s.metrics.SetAuditBufferDepth(depth)

	if event.Severity == models.SeverityCritical || event.Severity == models.SeverityHigh {
		s.analyzeKeys(ctx, event)
	}

	if shouldFlush {
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("audit flush on full buffer failed", zap.Error(err))
		}
	}
}

// track adds the event to the pattern trackers. The synthesized
// pattern event itself is excluded, otherwise emission would feed the
// tracker it came from.
func (s *AuditTrailService) track(event models.AuditEvent) {
	if event.Event == models.EventSuspiciousPattern {
		return
	}
	entry := trackedEvent{event: event.Event, at: event.Timestamp}
	if event.UserID != "" && (event.Severity == models.SeverityCritical || event.Severity == models.SeverityHigh || event.Severity == models.SeverityMedium) {
		s.userEvents[event.UserID] = append(s.userEvents[event.UserID], entry)
	}
	if event.DeviceHash != "" && event.Event == models.EventDeviceMismatch {
		s.deviceEvents[event.DeviceHash] = append(s.deviceEvents[event.DeviceHash], entry)
	}
	if event.IPAddress != "" && event.Event == models.EventReplayDetected {
		s.ipEvents[event.IPAddress] = append(s.ipEvents[event.IPAddress], entry)
	}
}

// Flush drains the buffer to the sink. On failure the batch is
// re-queued ahead of newer events so nothing is lost.
func (s *AuditTrailService) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.buffer
	s.buffer = make([]models.AuditEvent, 0, s.cfg.BufferSize)
	s.mu.Unlock()

	if s.sink == nil {
		return nil
	}

	if err := s.sink.InsertBatch(ctx, batch); err != nil {
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		depth := len(s.buffer)
		s.mu.Unlock()
		s.metrics.SetAuditBufferDepth(depth)
		return err
	}

	s.metrics.SetAuditBufferDepth(s.BufferDepth())
	return nil
}

// BufferDepth returns the number of unflushed events.
func (s *AuditTrailService) BufferDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// FlushTask is the periodic flush. Wired as a background job.
func (s *AuditTrailService) FlushTask(ctx context.Context) error {
	return s.Flush(ctx)
}

// analyzeKeys runs pattern analysis immediately for the keys touched
// by a critical or high severity event.
func (s *AuditTrailService) analyzeKeys(ctx context.Context, event models.AuditEvent) {
	if event.UserID != "" {
		s.analyze(ctx, "user", event.UserID, s.userEvents)
	}
	if event.DeviceHash != "" {
		s.analyze(ctx, "device", event.DeviceHash, s.deviceEvents)
	}
	if event.IPAddress != "" {
		s.analyze(ctx, "ip", event.IPAddress, s.ipEvents)
	}
}

func (s *AuditTrailService) analyze(ctx context.Context, keyType, key string, tracker map[string][]trackedEvent) {
	cutoff := s.now().Add(-s.cfg.PatternWindow)

	s.mu.Lock()
	events := tracker[key]
	count := 0
	for _, e := range events {
		if e.at.After(cutoff) {
			count++
		}
	}
	if count < s.cfg.PatternThreshold {
		s.mu.Unlock()
		return
	}
	// Reset so one burst emits a single synthesized finding.
	delete(tracker, key)
	s.mu.Unlock()

	s.logger.Warn("suspicious activity pattern detected",
		zap.String("key_type", keyType),
		zap.String("key", key),
		zap.Int("count", count),
	)

	synthesized := models.AuditEvent{
		Event:    models.EventSuspiciousPattern,
		Severity: models.SeverityHigh,
		Details:  models.EventDetails{"key_type": keyType, "key": key, "count": count},
	}
	switch keyType {
	case "user":
		synthesized.UserID = key
	case "device":
		synthesized.DeviceHash = key
	case "ip":
		synthesized.IPAddress = key
	}
	s.Record(ctx, synthesized)
}

// PatternSweepTask scans every tracker for threshold breaches. Wired
// as a periodic job.
func (s *AuditTrailService) PatternSweepTask(ctx context.Context) error {
	s.mu.Lock()
	userKeys := keysOf(s.userEvents)
	deviceKeys := keysOf(s.deviceEvents)
	ipKeys := keysOf(s.ipEvents)
	s.mu.Unlock()

	for _, key := range userKeys {
		s.analyze(ctx, "user", key, s.userEvents)
	}
	for _, key := range deviceKeys {
		s.analyze(ctx, "device", key, s.deviceEvents)
	}
	for _, key := range ipKeys {
		s.analyze(ctx, "ip", key, s.ipEvents)
	}
	return nil
}

// CleanupTask prunes tracker entries older than the retention period.
// Wired as a periodic job.
func (s *AuditTrailService) CleanupTask(_ context.Context) error {
	cutoff := s.now().Add(-s.cfg.RetentionPeriod)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tracker := range []map[string][]trackedEvent{s.userEvents, s.deviceEvents, s.ipEvents} {
		for key, events := range tracker {
			recent := events[:0]
			for _, e := range events {
				if e.at.After(cutoff) {
					recent = append(recent, e)
				}
			}
			if len(recent) == 0 {
				delete(tracker, key)
			} else {
				tracker[key] = recent
			}
		}
	}
	return nil
}

func keysOf(m map[string][]trackedEvent) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
