package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Severity classifies audit events for escalation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Audit event names emitted by the token engine.
const (
	EventTokenIssued          = "token_issued"
	EventTokenVerified        = "token_verified"
	EventVerificationFailed   = "token_verification_failed"
	EventTokenRotated         = "token_rotated"
	EventTokenRevoked         = "token_revoked"
	EventFamilyRevoked        = "token_family_revoked"
	EventDeviceMismatch       = "device_mismatch"
	EventReplayDetected       = "replay_detected"
	EventImpossibleTravel     = "impossible_travel"
	EventForgedTokenValue     = "forged_token_presented"
	EventSuspicionThreshold   = "suspicion_threshold_exceeded"
	EventSuspiciousIPChange   = "suspicious_ip_change"
	EventUserAgentChange      = "user_agent_change"
	EventRateLimited          = "rate_limited"
	EventSecretRotated        = "secret_rotated"
	EventDegradedKeyUse       = "degraded_key_resolution"
	EventFallbackKeyUse       = "fallback_key_resolution"
	EventBindingBypassed      = "binding_bypassed_private_network"
	EventStrictModeViolation  = "strict_mode_violation"
	EventSuspiciousPattern    = "suspicious_activity_pattern"
	EventAccountLockedAttempt = "locked_account_attempt"
)

// EventDetails is the free-form structured payload of an audit event,
// persisted as jsonb by the audit sink.
type EventDetails map[string]interface{}

func (d EventDetails) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

func (d *EventDetails) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("unsupported event details type %T", src)
	}
}

// AuditEvent is one buffered security event.
type AuditEvent struct {
	ID         string       `db:"id" json:"id"`
	Timestamp  time.Time    `db:"created_at" json:"timestamp"`
	Event      string       `db:"event" json:"event"`
	Severity   Severity     `db:"severity" json:"severity"`
	UserID     string       `db:"user_id" json:"user_id,omitempty"`
	TokenID    string       `db:"token_id" json:"token_id,omitempty"`
	SessionID  string       `db:"session_id" json:"session_id,omitempty"`
	IPAddress  string       `db:"ip_address" json:"ip_address,omitempty"`
	DeviceHash string       `db:"device_hash" json:"device_hash,omitempty"`
	Details    EventDetails `db:"details" json:"details,omitempty"`
}
