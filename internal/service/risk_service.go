package service

import (
	"time"

	"github.com/talkwire/token-engine/internal/models"
	"github.com/talkwire/token-engine/pkg/geo"
)

// Risk weighting. The contract is the shape of the sum, not these
// exact constants.
const (
	riskWeightUserHistory  = 40
	riskWeightDeviceTrust  = 30
	riskWeightLocation     = 20
	riskWeightUnusualHour  = 10
	unusualHourStart       = 1
	unusualHourEnd         = 5
)

// RiskScorer derives a 0-100 risk score from user, device, location
// and time-of-day signals. It is a pure function of its inputs and
// holds no mutable state.
type RiskScorer struct {
	now func() time.Time
}

// NewRiskScorer constructs a scorer using the system clock.
func NewRiskScorer() *RiskScorer {
	return &RiskScorer{now: func() time.Time { return time.Now().UTC() }}
}

// Assess computes the risk score and its contributing factors.
func (s *RiskScorer) Assess(user *models.User, device models.DeviceInfo, location geo.Location) models.RiskAssessment {
	assessment := models.RiskAssessment{Location: location}

	if user != nil && user.RiskScore > 0 {
		weight := user.RiskScore * riskWeightUserHistory / 100
		assessment.Score += weight
		assessment.Factors = append(assessment.Factors, models.RiskFactor{Name: "user_history", Weight: weight})
	}

	trustDeficit := 100 - device.TrustLevel
	if trustDeficit < 0 {
		trustDeficit = 0
	}
	if trustDeficit > 0 {
		weight := trustDeficit * riskWeightDeviceTrust / 100
		assessment.Score += weight
		assessment.Factors = append(assessment.Factors, models.RiskFactor{Name: "device_trust_deficit", Weight: weight})
	}

	if location.Known && location.RiskScore > 0 {
		weight := location.RiskScore * riskWeightLocation / 100
		assessment.Score += weight
		assessment.Factors = append(assessment.Factors, models.RiskFactor{Name: "location_risk", Weight: weight})
	}

	hour := s.now().Hour()
	if hour >= unusualHourStart && hour <= unusualHourEnd {
		assessment.Score += riskWeightUnusualHour
		assessment.Factors = append(assessment.Factors, models.RiskFactor{Name: "unusual_hour", Weight: riskWeightUnusualHour})
	}

	if assessment.Score > 100 {
		assessment.Score = 100
	}
	if assessment.Score < 0 {
		assessment.Score = 0
	}
	return assessment
}

// Strength grades a token 1-5 for informational metadata. It never
// feeds authorization decisions.
func (s *RiskScorer) Strength(user *models.User, device models.DeviceInfo) int {
	strength := 1
	if user != nil && user.MFAEnabled {
		strength += 2
	}
	if device.TrustLevel >= 70 {
		strength++
	}
	if user != nil && (user.Role == models.RoleAdmin || user.Role == models.RoleModerator) {
		strength++
	}
	if strength > 5 {
		strength = 5
	}
	return strength
}
