package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/talkwire/token-engine/pkg/geo"
)

// TokenClass identifies which secret class and wire prefix a token uses.
type TokenClass string

const (
	ClassAccess  TokenClass = "access"
	ClassRefresh TokenClass = "refresh"
	ClassCSRF    TokenClass = "csrf"
)

// Wire prefixes per token class.
const (
	AccessTokenPrefix  = "twa_"
	RefreshTokenPrefix = "twr_"
	CSRFTokenPrefix    = "twc_"
)

// SchemaVersion is stamped into signed token payloads.
const SchemaVersion = "2"

// TokenStatus is the lifecycle state of a persisted refresh token.
// active is the only non-terminal state.
type TokenStatus string

const (
	StatusActive    TokenStatus = "active"
	StatusRotated   TokenStatus = "rotated"
	StatusRevoked   TokenStatus = "revoked"
	StatusExhausted TokenStatus = "exhausted"
	StatusExpired   TokenStatus = "expired"
)

// TokenEvent is one entry of a refresh token's append-only lifecycle log.
type TokenEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"ts"`
	Detail    string    `json:"detail,omitempty"`
}

// TokenEvents serialises the lifecycle log as a jsonb column.
type TokenEvents []TokenEvent

func (e TokenEvents) Value() (driver.Value, error) {
	if e == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(e)
}

func (e *TokenEvents) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*e = nil
		return nil
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	default:
		return fmt.Errorf("unsupported token events type %T", src)
	}
}

// RefreshToken is the persisted refresh token record. The raw value is
// never stored; authenticity rests on the salted one-way hash.
type RefreshToken struct {
	ID            string      `db:"id" json:"id"`
	UserID        string      `db:"user_id" json:"user_id"`
	FamilyID      string      `db:"family_id" json:"family_id"`
	ParentTokenID *string     `db:"parent_token_id" json:"parent_token_id,omitempty"`
	Generation    int         `db:"generation" json:"generation"`
	TokenHash     string      `db:"token_hash" json:"-"`
	TokenSalt     string      `db:"token_salt" json:"-"`

	DeviceHash     string `db:"device_hash" json:"device_hash"`
	DevicePlatform string `db:"device_platform" json:"device_platform"`
	DeviceBrowser  string `db:"device_browser" json:"device_browser"`
	DeviceOS       string `db:"device_os" json:"device_os"`
	DeviceTrust    int    `db:"device_trust" json:"device_trust"`

	IPAddress    string   `db:"ip_address" json:"ip_address"`
	Country      string   `db:"country" json:"country,omitempty"`
	Region       string   `db:"region" json:"region,omitempty"`
	Latitude     *float64 `db:"latitude" json:"latitude,omitempty"`
	Longitude    *float64 `db:"longitude" json:"longitude,omitempty"`
	LocationRisk int      `db:"location_risk" json:"location_risk"`

	UsageCount int        `db:"usage_count" json:"usage_count"`
	MaxUses    int        `db:"max_uses" json:"max_uses"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`

	Status        TokenStatus `db:"status" json:"status"`
	RevokedReason *string     `db:"revoked_reason" json:"revoked_reason,omitempty"`
	RevokedBy     *string     `db:"revoked_by" json:"revoked_by,omitempty"`
	RevokedAt     *time.Time  `db:"revoked_at" json:"revoked_at,omitempty"`

	Events TokenEvents `db:"events" json:"events,omitempty"`

	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// IsExpired reports whether the token lifetime has elapsed.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsActive reports whether the token is usable right now.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return t.Status == StatusActive && !t.IsExpired(now)
}

// UsesRemaining returns how many verifications are left before the
// usage ceiling.
func (t *RefreshToken) UsesRemaining() int {
	remaining := t.MaxUses - t.UsageCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AppendEvent records a lifecycle event on the token.
func (t *RefreshToken) AppendEvent(event, detail string, at time.Time) {
	t.Events = append(t.Events, TokenEvent{Event: event, Timestamp: at, Detail: detail})
}

// SecurityMetadata is the security block embedded in access tokens.
type SecurityMetadata struct {
	RiskScore   int           `json:"risk_score"`
	DeviceHash  string        `json:"device_hash,omitempty"`
	DeviceTrust int           `json:"device_trust"`
	SessionID   string        `json:"session_id,omitempty"`
	IPAddress   string        `json:"ip,omitempty"`
	UserAgent   string        `json:"ua,omitempty"`
	Location    *geo.Location `json:"location,omitempty"`
	Flags       []string      `json:"flags,omitempty"`
}

// AccessClaims is the signed payload of an access token. The key id is
// carried in the payload as well as the JOSE header so verification
// survives header stripping.
type AccessClaims struct {
	User      UserSnapshot     `json:"user"`
	Security  SecurityMetadata `json:"security"`
	KeyID     string           `json:"kid"`
	TokenType string           `json:"typ"`
	Version   string           `json:"ver"`
	Strength  int              `json:"str"`
	jwt.RegisteredClaims
}

// CSRFClaims is the signed payload of a CSRF token, bound to one
// access token and one session nonce.
type CSRFClaims struct {
	AccessTokenID string `json:"ati"`
	Nonce         string `json:"nonce"`
	ContextHash   string `json:"ctx"`
	TokenType     string `json:"typ"`
	Version       string `json:"ver"`
	jwt.RegisteredClaims
}

// AccessTokenResult is returned from access token issuance.
type AccessTokenResult struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
	RiskScore int       `json:"risk_score"`
}

// RefreshTokenResult is returned from refresh token issuance. Token is
// the only copy of the raw value that ever exists.
type RefreshTokenResult struct {
	Token      string    `json:"token"`
	TokenID    string    `json:"token_id"`
	FamilyID   string    `json:"family_id"`
	Generation int       `json:"generation"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// TokenPair bundles the artifacts of a login or refresh exchange.
type TokenPair struct {
	Access  *AccessTokenResult  `json:"access"`
	Refresh *RefreshTokenResult `json:"refresh"`
	CSRF    string              `json:"csrf_token,omitempty"`
}
