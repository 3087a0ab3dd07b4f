package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/talkwire/token-engine/pkg/config"
)

// Rate-limited operation names.
const (
	OpVerifyAccess  = "verify_access"
	OpVerifyRefresh = "verify_refresh"
	OpIssue         = "issue"
)

// RateLimiter enforces per-ip sliding-window ceilings per operation.
// State is in-memory and instance-local; it throttles abusive callers,
// it is not a cross-instance quota.
type RateLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	ceilings map[string]int
	hits     map[string][]time.Time
	enabled  bool
	logger   *zap.Logger
	now      func() time.Time
}

// NewRateLimiter builds a limiter from config.
func NewRateLimiter(cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	ceilings := map[string]int{
		OpVerifyAccess:  cfg.VerifyCeiling,
		OpVerifyRefresh: cfg.RefreshCeiling,
		OpIssue:         cfg.IssueCeiling,
	}
	for op, ceiling := range ceilings {
		if ceiling <= 0 {
			ceilings[op] = 60
		}
	}
	return &RateLimiter{
		window:   window,
		ceilings: ceilings,
		hits:     make(map[string][]time.Time),
		enabled:  cfg.Enabled,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Allow records a hit for (ip, operation) and reports whether it is
// within the ceiling for the sliding window.
func (l *RateLimiter) Allow(ip, operation string) bool {
	if !l.enabled {
		return true
	}

	ceiling, ok := l.ceilings[operation]
	if !ok {
		ceiling = 60
	}

	now := l.now()
	cutoff := now.Add(-l.window)
	key := ip + "|" + operation

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= ceiling {
		l.hits[key] = recent
		return false
	}

	l.hits[key] = append(recent, now)
	return true
}

// PruneTask drops windows with no recent hits. Wired as a periodic job.
func (l *RateLimiter) PruneTask(_ context.Context) error {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, hits := range l.hits {
		recent := hits[:0]
		for _, t := range hits {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = recent
		}
	}
	return nil
}
