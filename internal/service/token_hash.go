package service

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// GenerateTokenValue returns a high-entropy opaque token value.
func GenerateTokenValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateSalt returns a random per-token salt.
func GenerateSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashTokenValue produces the salted one-way hash stored in place of
// the raw refresh token value.
func HashTokenValue(raw, salt string) string {
	sum := sha256.Sum256([]byte(salt + raw))
	return hex.EncodeToString(sum[:])
}

// VerifyTokenValue checks a presented raw value against a stored hash
// in constant time.
func VerifyTokenValue(raw, salt, hash string) bool {
	computed := HashTokenValue(raw, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// HashDeviceFingerprint normalises a caller fingerprint into the hash
// tokens are bound to.
func HashDeviceFingerprint(fingerprint string) string {
	if fingerprint == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

// HashCallerContext binds ip and user agent into the context hash
// carried by CSRF tokens.
func HashCallerContext(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "|" + userAgent))
	return hex.EncodeToString(sum[:])
}
