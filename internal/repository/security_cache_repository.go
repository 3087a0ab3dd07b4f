package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	revokedJTIPrefix     = "tokens:revoked:jti:"
	revocationCutoffPref = "tokens:revoked:user:"
	secretSnapshotPrefix = "secrets:state:"
)

// SecurityCacheRepository backs the access-token denylist and the
// best-effort secret-state sync with Redis. Access tokens are not
// persisted, so revoking them ahead of expiry needs a shared
// short-lived denylist visible to every instance.
type SecurityCacheRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewSecurityCacheRepository constructs the repository.
func NewSecurityCacheRepository(client *redis.Client, logger *zap.Logger) *SecurityCacheRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecurityCacheRepository{client: client, logger: logger}
}

// RevokeAccessToken denylists a single token id until its natural expiry.
func (r *SecurityCacheRepository) RevokeAccessToken(ctx context.Context, jti string, ttl time.Duration) error {
	if r.client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := r.client.Set(ctx, revokedJTIPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("denylist access token %s: %w", jti, err)
	}
	return nil
}

// IsAccessTokenRevoked reports whether a token id is denylisted.
func (r *SecurityCacheRepository) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if r.client == nil {
		return false, nil
	}
	_, err := r.client.Get(ctx, revokedJTIPrefix+jti).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("denylist lookup %s: %w", jti, err)
	}
	return true, nil
}

// SetUserRevocationCutoff invalidates every access token of a user
// issued before the given instant.
func (r *SecurityCacheRepository) SetUserRevocationCutoff(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	if r.client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	value := at.UTC().Format(time.RFC3339Nano)
	if err := r.client.Set(ctx, revocationCutoffPref+userID, value, ttl).Err(); err != nil {
		return fmt.Errorf("set revocation cutoff for %s: %w", userID, err)
	}
	return nil
}

// UserRevocationCutoff returns the user's revocation cutoff when one exists.
func (r *SecurityCacheRepository) UserRevocationCutoff(ctx context.Context, userID string) (time.Time, bool, error) {
	if r.client == nil {
		return time.Time{}, false, nil
	}
	raw, err := r.client.Get(ctx, revocationCutoffPref+userID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("revocation cutoff lookup for %s: %w", userID, err)
	}
	cutoff, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse revocation cutoff for %s: %w", userID, err)
	}
	return cutoff, true, nil
}

// SaveSecretSnapshot publishes non-sensitive rotation state (key ids,
// counters, timestamps) for observability. Best-effort: failures are
// logged by the caller, never block rotation.
func (r *SecurityCacheRepository) SaveSecretSnapshot(ctx context.Context, class string, snapshot interface{}) error {
	if r.client == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal secret snapshot %s: %w", class, err)
	}
	if err := r.client.Set(ctx, secretSnapshotPrefix+class, payload, 0).Err(); err != nil {
		return fmt.Errorf("save secret snapshot %s: %w", class, err)
	}
	return nil
}

// Close releases the underlying Redis connection if present.
func (r *SecurityCacheRepository) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
