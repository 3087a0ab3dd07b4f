package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed security error with a stable reason code.
// Verification failures are always returned as values of this type so
// callers can branch on Code rather than on message text.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors by reason code, so sentinel comparisons survive Clone and Wrap.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e != nil && t != nil && e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Format errors.
var (
	ErrInvalidTokenFormat = New("invalid_token_format", http.StatusBadRequest, "token is malformed or carries an unknown prefix")
)

// Temporal errors.
var (
	ErrTokenExpired    = New("token_expired", http.StatusUnauthorized, "token has expired")
	ErrTokenFromFuture = New("token_from_future", http.StatusUnauthorized, "token issued-at is in the future")
)

// Cryptographic errors.
var (
	ErrInvalidSignature = New("invalid_signature", http.StatusUnauthorized, "token signature verification failed")
)

// Binding errors.
var (
	ErrDeviceMismatch            = New("device_mismatch", http.StatusUnauthorized, "token is bound to a different device")
	ErrMissingDeviceFingerprint  = New("missing_device_fingerprint", http.StatusUnauthorized, "device fingerprint required but not provided")
	ErrSuspiciousIPChange        = New("suspicious_ip_change", http.StatusUnauthorized, "ip address change exceeds risk threshold")
	ErrSuspiciousUserAgentChange = New("suspicious_user_agent_change", http.StatusUnauthorized, "user agent change exceeds risk threshold")
)

// Critical anomalies.
var (
	ErrImpossibleTravel = New("impossible_travel", http.StatusUnauthorized, "token use implies infeasible travel speed")
)

// Lineage and usage errors.
var (
	ErrMaxUsesExceeded = New("max_uses_exceeded", http.StatusUnauthorized, "token usage ceiling reached")
	ErrTokenExhausted  = New("token_exhausted", http.StatusUnauthorized, "token is exhausted")
)

// Lookup and account errors.
var (
	ErrTokenNotFound = New("token_not_found", http.StatusUnauthorized, "token not found")
	ErrTokenRevoked  = New("token_revoked", http.StatusUnauthorized, "token has been revoked")
	ErrUserNotFound  = New("user_not_found", http.StatusUnauthorized, "user not found")
	ErrAccountLocked = New("account_locked", http.StatusForbidden, "account is locked")
)

// Throttling.
var (
	ErrRateLimited = New("rate_limited", http.StatusTooManyRequests, "too many requests")
)

// Internal and policy errors.
var (
	ErrVerificationError       = New("verification_error", http.StatusInternalServerError, "verification could not be completed")
	ErrRevocationError         = New("revocation_error", http.StatusInternalServerError, "revocation could not be completed")
	ErrTokenRevocationFailed   = New("token_revocation_failed", http.StatusInternalServerError, "superseded tokens could not be revoked")
	ErrStrictSecurityViolation = New("strict_security_violation", http.StatusInternalServerError, "strict single-active-token guarantee could not be met")
)

// Generic application errors used by the HTTP layer.
var (
	ErrValidation   = New("validation_error", http.StatusBadRequest, "validation failed")
	ErrUnauthorized = New("unauthorized", http.StatusUnauthorized, "unauthorized")
	ErrNotFound     = New("not_found", http.StatusNotFound, "resource not found")
	ErrInternal     = New("internal_error", http.StatusInternalServerError, "internal server error")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
