package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/talkwire/token-engine/internal/models"
	"github.com/talkwire/token-engine/pkg/config"
	"github.com/talkwire/token-engine/pkg/jobs"
)

const (
	secretLength   = 32
	minGracePeriod = 24 * time.Hour
)

// Resolution paths reported by ResolveKey.
const (
	KeyPathCurrent          = "current"
	KeyPathPrevious         = "previous"
	KeyPathPreviousDegraded = "previous_degraded"
	KeyPathCompatFallback   = "compat_fallback"
	KeyPathStaticFallback   = "static_fallback"
)

// SecretMaterial is one signing secret with its identity and lineage.
type SecretMaterial struct {
	Secret        []byte    `json:"-"`
	KeyID         string    `json:"key_id"`
	CreatedAt     time.Time `json:"created_at"`
	RotationCount int       `json:"rotation_count"`
}

type secretState struct {
	current        SecretMaterial
	previous       *SecretMaterial
	graceExpiresAt time.Time
	nextRotation   time.Time
}

// SecretSnapshot is the non-sensitive rotation state published to the
// external sync sink.
type SecretSnapshot struct {
	Class          string     `json:"class"`
	KeyID          string     `json:"key_id"`
	RotationCount  int        `json:"rotation_count"`
	RotatedAt      time.Time  `json:"rotated_at"`
	PreviousKeyID  string     `json:"previous_key_id,omitempty"`
	GraceExpiresAt *time.Time `json:"grace_expires_at,omitempty"`
	NextRotation   time.Time  `json:"next_rotation"`
}

type secretSyncSink interface {
	SaveSecretSnapshot(ctx context.Context, class string, snapshot interface{}) error
}

// SecretRotationService owns current/previous signing material per
// token class. At most one current and one previous exist per class;
// the previous is kept only through a grace window so in-flight tokens
// signed before a rotation keep verifying.
type SecretRotationService struct {
	mu      sync.RWMutex
	classes map[models.TokenClass]*secretState

	grace    time.Duration
	interval time.Duration

	sink    secretSyncSink
	audit   *AuditTrailService
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time

	staticFallback []byte
}

// NewSecretRotationService seeds each token class from config, or with
// fresh random material when no seed is configured.
func NewSecretRotationService(cfg config.SecretsConfig, sink secretSyncSink, audit *AuditTrailService, metrics *MetricsService, logger *zap.Logger) (*SecretRotationService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	grace := cfg.GracePeriod
	if grace < minGracePeriod {
		grace = minGracePeriod
	}
	interval := cfg.RotationInterval
	if interval <= 0 {
		interval = 7 * 24 * time.Hour
	}

	svc := &SecretRotationService{
		classes:  make(map[models.TokenClass]*secretState),
		grace:    grace,
		interval: interval,
		sink:     sink,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}

	fallback, err := randomSecret()
	if err != nil {
		return nil, fmt.Errorf("generate fallback secret: %w", err)
	}
	svc.staticFallback = fallback

	seeds := map[models.TokenClass]string{
		models.ClassAccess:  cfg.AccessSeed,
		models.ClassRefresh: cfg.RefreshSeed,
		models.ClassCSRF:    cfg.CSRFSeed,
	}
	for class, seed := range seeds {
		material, err := seedMaterial(seed)
		if err != nil {
			return nil, fmt.Errorf("seed %s secret: %w", class, err)
		}
		svc.classes[class] = &secretState{
			current:      material,
			nextRotation: svc.now().Add(interval),
		}
	}

	return svc, nil
}

func seedMaterial(seed string) (SecretMaterial, error) {
	var secret []byte
	if seed != "" {
		secret = []byte(seed)
	} else {
		var err error
		secret, err = randomSecret()
		if err != nil {
			return SecretMaterial{}, err
		}
	}
	return SecretMaterial{
		Secret:    secret,
		KeyID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func randomSecret() ([]byte, error) {
	buf := make([]byte, secretLength)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Rotate installs fresh material for a class, demoting the old current
// to previous for the grace window and scheduling its deferred purge.
func (s *SecretRotationService) Rotate(ctx context.Context, class models.TokenClass) error {
	secret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generate %s secret: %w", class, err)
	}

	now := s.now()

	s.mu.Lock()
	state, ok := s.classes[class]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown token class %q", class)
	}

	old := state.current
	state.previous = &old
	state.graceExpiresAt = now.Add(s.grace)
	state.current = SecretMaterial{
		Secret:        secret,
		KeyID:         uuid.NewString(),
		CreatedAt:     now,
		RotationCount: old.RotationCount + 1,
	}
	state.nextRotation = now.Add(s.interval)
	snapshot := s.snapshotLocked(class, state)
	s.mu.Unlock()

	s.logger.Info("signing secret rotated",
		zap.String("class", string(class)),
		zap.String("key_id", snapshot.KeyID),
		zap.Int("rotation_count", snapshot.RotationCount),
	)

	s.metrics.SecretRotated(string(class))
	if s.audit != nil {
		s.audit.Record(ctx, models.AuditEvent{
			Event:   models.EventSecretRotated,
			Details: models.EventDetails{"class": string(class), "key_id": snapshot.KeyID},
		})
	}

	jobs.RunOnce(ctx, fmt.Sprintf("secret-purge-%s", class), s.grace, func(context.Context) error {
		s.purgePrevious(class)
		return nil
	}, s.logger)

	s.publishSnapshot(ctx, class, snapshot)
	return nil
}

func (s *SecretRotationService) purgePrevious(class models.TokenClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.classes[class]
	if !ok || state.previous == nil {
		return
	}
	if s.now().Before(state.graceExpiresAt) {
		return
	}
	state.previous = nil
	s.logger.Info("previous signing secret purged", zap.String("class", string(class)))
}

// ResolveKey resolves verification material for a class. With a keyID
// it prefers an exact current match, then the previous secret (still
// honoured past nominal grace, logged as degraded), then falls back to
// current for compatibility, then to static last-resort material. With
// a userID, the class secret is stretched into a per-user sub-secret
// so a leaked class secret alone cannot forge another user's token.
func (s *SecretRotationService) ResolveKey(class models.TokenClass, userID, keyID string) ([]byte, string, error) {
	s.mu.RLock()
	state, ok := s.classes[class]
	if !ok {
		s.mu.RUnlock()
		s.logger.Error("no secret state for class, using static fallback", zap.String("class", string(class)))
		return s.derive(s.staticFallback, userID), KeyPathStaticFallback, nil
	}

	current := state.current
	previous := state.previous
	graceExpiresAt := state.graceExpiresAt
	s.mu.RUnlock()

	if keyID == "" {
		return s.derive(current.Secret, userID), KeyPathCurrent, nil
	}

	if keyID == current.KeyID {
		return s.derive(current.Secret, userID), KeyPathCurrent, nil
	}

	if previous != nil && keyID == previous.KeyID {
		if s.now().Before(graceExpiresAt) {
			return s.derive(previous.Secret, userID), KeyPathPrevious, nil
		}
		s.logger.Warn("resolved key past grace expiry",
			zap.String("class", string(class)),
			zap.String("key_id", keyID),
		)
		return s.derive(previous.Secret, userID), KeyPathPreviousDegraded, nil
	}

	s.logger.Warn("unknown key id, falling back to current secret",
		zap.String("class", string(class)),
		zap.String("key_id", keyID),
	)
	return s.derive(current.Secret, userID), KeyPathCompatFallback, nil
}

func (s *SecretRotationService) derive(secret []byte, userID string) []byte {
	if userID == "" {
		out := make([]byte, len(secret))
		copy(out, secret)
		return out
	}
	reader := hkdf.New(sha256.New, secret, nil, []byte("user:"+userID))
	derived := make([]byte, secretLength)
	if _, err := io.ReadFull(reader, derived); err != nil {
		// HKDF cannot fail for these lengths; guard anyway.
		s.logger.Error("per-user key derivation failed", zap.Error(err))
		return secret
	}
	return derived
}

// CurrentKeyID returns the active key id for a class.
func (s *SecretRotationService) CurrentKeyID(class models.TokenClass) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.classes[class]
	if !ok {
		return ""
	}
	return state.current.KeyID
}

// RotationCheckTask rotates any class past its next-rotation timestamp
// and purges previous material past grace. Wired as a periodic job.
func (s *SecretRotationService) RotationCheckTask(ctx context.Context) error {
	s.mu.RLock()
	due := make([]models.TokenClass, 0, len(s.classes))
	stale := make([]models.TokenClass, 0, len(s.classes))
	now := s.now()
	for class, state := range s.classes {
		if !now.Before(state.nextRotation) {
			due = append(due, class)
		}
		if state.previous != nil && !now.Before(state.graceExpiresAt) {
			stale = append(stale, class)
		}
	}
	s.mu.RUnlock()

	for _, class := range stale {
		s.purgePrevious(class)
	}

	var firstErr error
	for _, class := range due {
		if err := s.Rotate(ctx, class); err != nil {
			s.logger.Error("scheduled rotation failed", zap.String("class", string(class)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *SecretRotationService) snapshotLocked(class models.TokenClass, state *secretState) SecretSnapshot {
	snapshot := SecretSnapshot{
		Class:         string(class),
		KeyID:         state.current.KeyID,
		RotationCount: state.current.RotationCount,
		RotatedAt:     state.current.CreatedAt,
		NextRotation:  state.nextRotation,
	}
	if state.previous != nil {
		snapshot.PreviousKeyID = state.previous.KeyID
		grace := state.graceExpiresAt
		snapshot.GraceExpiresAt = &grace
	}
	return snapshot
}

func (s *SecretRotationService) publishSnapshot(ctx context.Context, class models.TokenClass, snapshot SecretSnapshot) {
	if s.sink == nil {
		return
	}
	if err := s.sink.SaveSecretSnapshot(ctx, string(class), snapshot); err != nil {
		s.logger.Warn("secret snapshot sync failed", zap.String("class", string(class)), zap.Error(err))
	}
}
