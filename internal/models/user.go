package models

import (
	"time"

	"github.com/lib/pq"
)

// UserRole represents platform roles referenced in token claims.
type UserRole string

const (
	RoleAdmin     UserRole = "ADMIN"
	RoleModerator UserRole = "MODERATOR"
	RoleMember    UserRole = "MEMBER"
	RoleGuest     UserRole = "GUEST"
)

// User is the read-only snapshot of a platform account consumed by the
// token engine. The user store owns the record; this service never
// writes to it.
type User struct {
	ID         string         `db:"id" json:"id"`
	Username   string         `db:"username" json:"username"`
	Role       UserRole       `db:"role" json:"role"`
	Scopes     pq.StringArray `db:"scopes" json:"scopes"`
	MFAEnabled bool           `db:"mfa_enabled" json:"mfa_enabled"`
	Locked     bool           `db:"locked" json:"locked"`
	RiskScore  int            `db:"risk_score" json:"risk_score"`
	LastLogin  *time.Time     `db:"last_login" json:"last_login,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// Snapshot returns the claim-embedded projection of the user.
func (u *User) Snapshot() UserSnapshot {
	return UserSnapshot{
		ID:         u.ID,
		Username:   u.Username,
		Role:       u.Role,
		Scopes:     []string(u.Scopes),
		MFAEnabled: u.MFAEnabled,
	}
}

// UserSnapshot is the user projection embedded in access tokens.
type UserSnapshot struct {
	ID         string   `json:"id"`
	Username   string   `json:"username"`
	Role       UserRole `json:"role"`
	Scopes     []string `json:"scopes,omitempty"`
	MFAEnabled bool     `json:"mfa"`
}
