package models

import (
	"github.com/talkwire/token-engine/pkg/geo"
	"github.com/talkwire/token-engine/pkg/useragent"
)

// DeviceInfo is the caller-side device descriptor attached to
// issuance and verification requests.
type DeviceInfo struct {
	Hash       string               `json:"hash"`
	Descriptor useragent.Descriptor `json:"descriptor"`
	TrustLevel int                  `json:"trust_level"`
}

// CallerContext carries the transport-level facts about the request
// presenting a token.
type CallerContext struct {
	IPAddress         string `json:"ip"`
	UserAgent         string `json:"user_agent"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
	UserID            string `json:"user_id,omitempty"`
}

// RiskFactor names one contribution to a risk score.
type RiskFactor struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

// RiskAssessment is computed fresh on each issuance and verification;
// it is never persisted.
type RiskAssessment struct {
	Score    int          `json:"score"`
	Factors  []RiskFactor `json:"factors,omitempty"`
	Location geo.Location `json:"location,omitempty"`
}
