package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/talkwire/token-engine/internal/models"
)

// AuditRepository persists flushed audit events. Long-term storage
// policy lives behind this boundary, not in the trail manager.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new instance of AuditRepository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// InsertBatch stores a flushed batch of audit events in one
// transaction, so a partial failure never splits a batch.
func (r *AuditRepository) InsertBatch(ctx context.Context, events []models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `INSERT INTO audit_events (id, event, severity, user_id, token_id, session_id, ip_address, device_hash, details, created_at)
		VALUES (:id, :event, :severity, :user_id, :token_id, :session_id, :ip_address, :device_hash, :details, :created_at)`

	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = time.Now().UTC()
		}
		if _, err := tx.NamedExecContext(ctx, query, events[i]); err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}
