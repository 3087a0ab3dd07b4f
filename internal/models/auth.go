package models

import "time"

// IssueRequest asks the engine to mint a session's token set. The
// caller (an authentication-facing handler) has already verified the
// user's credentials; this service only authorises the user snapshot
// against the user store.
type IssueRequest struct {
	UserID            string `json:"user_id" validate:"required"`
	SessionID         string `json:"session_id"`
	DeviceFingerprint string `json:"device_fingerprint"`
	DeviceTrust       int    `json:"device_trust" validate:"gte=0,lte=100"`
	IP                string `json:"-"`
	UserAgent         string `json:"-"`
}

// RefreshRequest exchanges a refresh token for the next generation.
type RefreshRequest struct {
	RefreshToken      string `json:"refresh_token" validate:"required"`
	DeviceFingerprint string `json:"device_fingerprint"`
	UserID            string `json:"user_id"`
	IP                string `json:"-"`
	UserAgent         string `json:"-"`
}

// VerifyRequest validates an access token out of band.
type VerifyRequest struct {
	AccessToken       string `json:"access_token" validate:"required"`
	DeviceFingerprint string `json:"device_fingerprint"`
	IP                string `json:"-"`
	UserAgent         string `json:"-"`
}

// RevokeRequest revokes every active token belonging to a user.
type RevokeRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

// IssueResponse returns the minted token set.
type IssueResponse struct {
	Access   *AccessTokenResult  `json:"access"`
	Refresh  *RefreshTokenResult `json:"refresh"`
	CSRF     string              `json:"csrf_token"`
	User     UserSnapshot        `json:"user"`
	IssuedAt time.Time           `json:"issued_at"`
}

// VerifyResponse returns the verified claims.
type VerifyResponse struct {
	Valid    bool              `json:"valid"`
	User     UserSnapshot      `json:"user"`
	Security SecurityMetadata  `json:"security"`
	TokenID  string            `json:"token_id"`
	ExpireAt time.Time         `json:"expires_at"`
}
