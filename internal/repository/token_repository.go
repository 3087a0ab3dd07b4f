package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/talkwire/token-engine/internal/models"
)

const refreshTokenColumns = `id, user_id, family_id, parent_token_id, generation, token_hash, token_salt,
device_hash, device_platform, device_browser, device_os, device_trust,
ip_address, country, region, latitude, longitude, location_risk,
usage_count, max_uses, last_used_at, status, revoked_reason, revoked_by, revoked_at,
events, expires_at, created_at`

// TokenRepository provides database access for refresh token records.
// Revocation and usage updates are conditional on current status so
// concurrent service instances cannot resurrect a terminal token.
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new instance of TokenRepository.
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Create persists a new refresh token record.
func (r *TokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO refresh_tokens (id, user_id, family_id, parent_token_id, generation, token_hash, token_salt,
		device_hash, device_platform, device_browser, device_os, device_trust,
		ip_address, country, region, latitude, longitude, location_risk,
		usage_count, max_uses, last_used_at, status, revoked_reason, revoked_by, revoked_at,
		events, expires_at, created_at)
		VALUES (:id, :user_id, :family_id, :parent_token_id, :generation, :token_hash, :token_salt,
		:device_hash, :device_platform, :device_browser, :device_os, :device_trust,
		:ip_address, :country, :region, :latitude, :longitude, :location_risk,
		:usage_count, :max_uses, :last_used_at, :status, :revoked_reason, :revoked_by, :revoked_at,
		:events, :expires_at, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByID returns a refresh token by identifier.
func (r *TokenRepository) FindByID(ctx context.Context, id string) (*models.RefreshToken, error) {
	query := fmt.Sprintf(`SELECT %s FROM refresh_tokens WHERE id = $1 LIMIT 1`, refreshTokenColumns)
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token by id: %w", err)
	}
	return &token, nil
}

// candidateExpiryLookback keeps recently expired rows in the candidate
// set. A value presented just past its expiry must still match its
// record so the caller is told the token expired rather than that it
// never existed.
const candidateExpiryLookback = 24 * time.Hour

// FindCandidatesByUser returns a user's matchable tokens, newest first,
// capped to limit. Terminal states and recently expired rows are
// included so a replayed or expired value can still be matched to the
// record it once authenticated.
func (r *TokenRepository) FindCandidatesByUser(ctx context.Context, userID string, limit int) ([]models.RefreshToken, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM refresh_tokens
		WHERE user_id = $1 AND expires_at > $2
		ORDER BY created_at DESC LIMIT %d`, refreshTokenColumns, limit)
	horizon := time.Now().UTC().Add(-candidateExpiryLookback)
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID, horizon); err != nil {
		return nil, fmt.Errorf("find token candidates by user: %w", err)
	}
	return tokens, nil
}

// FindCandidates returns the newest matchable tokens across all users,
// capped to a bounded result set.
func (r *TokenRepository) FindCandidates(ctx context.Context, limit int) ([]models.RefreshToken, error) {
	if limit <= 0 {
		limit = 200
	}
	query := fmt.Sprintf(`SELECT %s FROM refresh_tokens
		WHERE expires_at > $1
		ORDER BY created_at DESC LIMIT %d`, refreshTokenColumns, limit)
	horizon := time.Now().UTC().Add(-candidateExpiryLookback)
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, horizon); err != nil {
		return nil, fmt.Errorf("find token candidates: %w", err)
	}
	return tokens, nil
}

// FindActiveFamily returns the active tokens of one lineage group.
func (r *TokenRepository) FindActiveFamily(ctx context.Context, familyID string) ([]models.RefreshToken, error) {
	query := fmt.Sprintf(`SELECT %s FROM refresh_tokens
		WHERE family_id = $1 AND status = 'active'
		ORDER BY generation DESC`, refreshTokenColumns)
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, familyID); err != nil {
		return nil, fmt.Errorf("find active family tokens: %w", err)
	}
	return tokens, nil
}

// CountActiveByUser counts a user's active, unexpired tokens.
func (r *TokenRepository) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(*) FROM refresh_tokens WHERE user_id = $1 AND status = 'active' AND expires_at > $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("count active tokens: %w", err)
	}
	return count, nil
}

// RecordUsage increments the usage counter, conditional on the token
// still being active and under its ceiling. Returns false when the
// condition did not hold.
func (r *TokenRepository) RecordUsage(ctx context.Context, id string, at time.Time) (bool, error) {
	const query = `UPDATE refresh_tokens SET usage_count = usage_count + 1, last_used_at = $2
		WHERE id = $1 AND status = 'active' AND usage_count < max_uses`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("record token usage: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record token usage rows: %w", err)
	}
	return rows > 0, nil
}

// MarkRotated transitions an active token to rotated.
func (r *TokenRepository) MarkRotated(ctx context.Context, id string, at time.Time) (bool, error) {
	const query = `UPDATE refresh_tokens SET status = 'rotated', revoked_reason = 'rotated', revoked_at = $2
		WHERE id = $1 AND status = 'active'`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("mark token rotated: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark token rotated rows: %w", err)
	}
	return rows > 0, nil
}

// Revoke transitions an active token to revoked with a reason and actor.
func (r *TokenRepository) Revoke(ctx context.Context, id, reason, actor string, at time.Time) (bool, error) {
	const query = `UPDATE refresh_tokens SET status = 'revoked', revoked_reason = $2, revoked_by = $3, revoked_at = $4
		WHERE id = $1 AND status = 'active'`
	res, err := r.db.ExecContext(ctx, query, id, reason, actor, at)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token rows: %w", err)
	}
	return rows > 0, nil
}

// Exhaust transitions an active token to exhausted once its usage
// ceiling is hit.
func (r *TokenRepository) Exhaust(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	const query = `UPDATE refresh_tokens SET status = 'exhausted', revoked_reason = $2, revoked_at = $3
		WHERE id = $1 AND status = 'active'`
	res, err := r.db.ExecContext(ctx, query, id, reason, at)
	if err != nil {
		return false, fmt.Errorf("exhaust refresh token: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("exhaust refresh token rows: %w", err)
	}
	return rows > 0, nil
}

// RevokeAllForUser revokes every active token of a user except the
// excluded id, in one conditional statement.
func (r *TokenRepository) RevokeAllForUser(ctx context.Context, userID, reason, excludeID string, at time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET status = 'revoked', revoked_reason = $2, revoked_by = 'system', revoked_at = $3
		WHERE user_id = $1 AND status = 'active' AND id <> $4`
	res, err := r.db.ExecContext(ctx, query, userID, reason, at, excludeID)
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens rows: %w", err)
	}
	return rows, nil
}

// RevokeFamily revokes every active token of a lineage except the
// excluded id.
func (r *TokenRepository) RevokeFamily(ctx context.Context, familyID, reason, excludeID string, at time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET status = 'revoked', revoked_reason = $2, revoked_by = 'system', revoked_at = $3
		WHERE family_id = $1 AND status = 'active' AND id <> $4`
	res, err := r.db.ExecContext(ctx, query, familyID, reason, at, excludeID)
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke token family rows: %w", err)
	}
	return rows, nil
}

// UpdateEvents replaces the append-only lifecycle log column.
func (r *TokenRepository) UpdateEvents(ctx context.Context, id string, events models.TokenEvents) error {
	const query = `UPDATE refresh_tokens SET events = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, events); err != nil {
		return fmt.Errorf("update token events: %w", err)
	}
	return nil
}

// ExpireOverdue flips active tokens past their expiry to the expired
// terminal state.
func (r *TokenRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET status = 'expired' WHERE status = 'active' AND expires_at <= $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("expire overdue tokens: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire overdue tokens rows: %w", err)
	}
	return rows, nil
}

// PurgeBefore hard-deletes terminal tokens whose retention has elapsed.
func (r *TokenRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE status <> 'active' AND created_at < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens rows: %w", err)
	}
	return rows, nil
}
