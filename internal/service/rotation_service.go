package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/talkwire/token-engine/internal/models"
	appErrors "github.com/talkwire/token-engine/pkg/errors"
	"github.com/talkwire/token-engine/pkg/geo"
	"github.com/talkwire/token-engine/pkg/useragent"
)

type rotationTokenStore interface {
	FindCandidatesByUser(ctx context.Context, userID string, limit int) ([]models.RefreshToken, error)
	FindCandidates(ctx context.Context, limit int) ([]models.RefreshToken, error)
	FindByID(ctx context.Context, id string) (*models.RefreshToken, error)
	RecordUsage(ctx context.Context, id string, at time.Time) (bool, error)
	MarkRotated(ctx context.Context, id string, at time.Time) (bool, error)
	Revoke(ctx context.Context, id, reason, actor string, at time.Time) (bool, error)
	Exhaust(ctx context.Context, id, reason string, at time.Time) (bool, error)
	RevokeFamily(ctx context.Context, familyID, reason, excludeID string, at time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, userID, reason, excludeID string, at time.Time) (int64, error)
	UpdateEvents(ctx context.Context, id string, events models.TokenEvents) error
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type rotationUserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type rotationDenylist interface {
	RevokeAccessToken(ctx context.Context, jti string, ttl time.Duration) error
	SetUserRevocationCutoff(ctx context.Context, userID string, at time.Time, ttl time.Duration) error
}

// RotationConfig holds refresh-exchange and retention policy.
// DisableDefensiveRevocation turns off the session sweep that follows a
// forged value aimed at a known account; meant for development setups
// where hand-typed tokens would keep logging everyone out.
type RotationConfig struct {
	RotateOnUse                bool
	AccessTTL                  time.Duration
	MaxTravelSpeedKmh          float64
	SuspicionThreshold         int
	CandidateLimit             int
	RetentionPeriod            time.Duration
	AllowPrivateNetworkBypass  bool
	DisableDefensiveRevocation bool
	StrictMode                 bool
}

// RotationService exchanges refresh tokens for the next generation and
// handles revocation. A presented token is authenticated by salted hash
// comparison against the active candidate set, then walked through
// lineage, binding and travel checks before the new generation is
// minted. The presented token is retired only after its successor is
// durable.
type RotationService struct {
	tokens    rotationTokenStore
	users     rotationUserStore
	denylist  rotationDenylist
	issuer    *TokenIssuerService
	audit     *AuditTrailService
	rate      *RateLimiter
	geo       geo.Resolver
	uaParser  useragent.Parser
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    RotationConfig
	now       func() time.Time
}

// NewRotationService constructs a RotationService instance.
func NewRotationService(
	tokens rotationTokenStore,
	users rotationUserStore,
	denylist rotationDenylist,
	issuer *TokenIssuerService,
	audit *AuditTrailService,
	rate *RateLimiter,
	geoResolver geo.Resolver,
	uaParser useragent.Parser,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	config RotationConfig,
) *RotationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if uaParser == nil {
		uaParser = useragent.SimpleParser{}
	}
	if config.MaxTravelSpeedKmh <= 0 {
		config.MaxTravelSpeedKmh = 1000
	}
	if config.SuspicionThreshold <= 0 {
		config.SuspicionThreshold = 80
	}
	if config.CandidateLimit <= 0 {
		config.CandidateLimit = 200
	}
	if config.RetentionPeriod <= 0 {
		config.RetentionPeriod = 90 * 24 * time.Hour
	}
	return &RotationService{
		tokens:    tokens,
		users:     users,
		denylist:  denylist,
		issuer:    issuer,
		audit:     audit,
		rate:      rate,
		geo:       geoResolver,
		uaParser:  uaParser,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Refresh exchanges a presented refresh token for the next generation
// of the full token set.
func (s *RotationService) Refresh(ctx context.Context, req models.RefreshRequest) (*models.TokenPair, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	if s.rate != nil && !s.rate.Allow(req.IP, OpVerifyRefresh) {
		s.recordEvent(ctx, models.AuditEvent{Event: models.EventRateLimited, UserID: req.UserID, IPAddress: req.IP})
		return nil, appErrors.ErrRateLimited
	}

	raw, ok := strings.CutPrefix(req.RefreshToken, models.RefreshTokenPrefix)
	if !ok || raw == "" {
		return nil, appErrors.ErrInvalidTokenFormat
	}

	caller := models.CallerContext{
		IPAddress:         req.IP,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: req.DeviceFingerprint,
		UserID:            req.UserID,
	}

	presented, err := s.matchCandidate(ctx, raw, caller)
	if err != nil {
		return nil, err
	}
	caller.UserID = presented.UserID

	now := s.now()
	if presented.IsExpired(now) {
		return nil, appErrors.ErrTokenExpired
	}
	switch presented.Status {
	case models.StatusActive:
	case models.StatusRotated:
		// A value that already paid for its successor is back. Someone
		// other than the successor's holder has it.
		return s.handleReplay(ctx, presented, caller)
	case models.StatusExhausted:
		return nil, appErrors.ErrTokenExhausted
	default:
		return nil, appErrors.ErrTokenRevoked
	}

	if err := s.checkDeviceBinding(ctx, presented, caller); err != nil {
		return nil, err
	}
	location, err := s.checkTravel(ctx, presented, caller)
	if err != nil {
		return nil, err
	}
	if err := s.checkSuspicion(ctx, presented, caller, location); err != nil {
		return nil, err
	}

	if err := s.recordUsage(ctx, presented, caller); err != nil {
		return nil, err
	}

	user, err := s.users.FindByID(ctx, presented.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrUserNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to load user")
	}
	if user.Locked {
		s.recordEvent(ctx, models.AuditEvent{Event: models.EventAccountLockedAttempt, UserID: user.ID, IPAddress: caller.IPAddress})
		return nil, appErrors.ErrAccountLocked
	}

	device := models.DeviceInfo{
		Hash:       HashDeviceFingerprint(caller.DeviceFingerprint),
		Descriptor: s.uaParser.Parse(caller.UserAgent),
		TrustLevel: presented.DeviceTrust,
	}

	if !s.config.RotateOnUse {
		return s.refreshWithoutRotation(ctx, user, device, caller, presented, raw)
	}

	// The successor is minted and persisted before the presented token
	// leaves the active state, so no rotation window exists in which
	// the user holds zero valid tokens.
	next, err := s.issuer.IssueRefreshToken(ctx, user, device, caller, presented)
	if err != nil {
		return nil, err
	}

	rotated, err := s.tokens.MarkRotated(ctx, presented.ID, s.now())
	if err != nil || !rotated {
		// A concurrent exchange won the race on the presented token.
		// The loser's freshly minted successor must not survive it.
		if _, rbErr := s.tokens.Revoke(ctx, next.TokenID, "rotation_race_lost", "system", s.now()); rbErr != nil {
			s.logger.Error("rollback of racing successor failed", zap.String("token_id", next.TokenID), zap.Error(rbErr))
		}
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to retire presented token")
		}
		return s.handleReplay(ctx, presented, caller)
	}

	presented.AppendEvent("rotated", next.TokenID, s.now())
	if err := s.tokens.UpdateEvents(ctx, presented.ID, presented.Events); err != nil {
		s.logger.Warn("failed to append rotation event", zap.String("token_id", presented.ID), zap.Error(err))
	}

	// Orphan cleanup: anything else still active in the lineage is a
	// stale sibling from an earlier incomplete exchange.
	if orphans, err := s.tokens.RevokeFamily(ctx, presented.FamilyID, "orphaned_generation", next.TokenID, s.now()); err != nil {
		s.logger.Warn("orphan cleanup failed", zap.String("family_id", presented.FamilyID), zap.Error(err))
	} else if orphans > 0 {
		s.metrics.TokenRevoked("orphaned_generation", orphans)
	}

	access, err := s.issuer.IssueAccessToken(ctx, user, device, caller)
	if err != nil {
		return nil, err
	}
	csrf, err := s.issuer.IssueCSRFToken(ctx, user, access.TokenID, caller)
	if err != nil {
		return nil, err
	}

	s.metrics.RefreshRotated()
	s.recordEvent(ctx, models.AuditEvent{
		Event:      models.EventTokenRotated,
		UserID:     user.ID,
		TokenID:    presented.ID,
		IPAddress:  caller.IPAddress,
		DeviceHash: device.Hash,
		Details: models.EventDetails{
			"family_id":       presented.FamilyID,
			"next_token_id":   next.TokenID,
			"next_generation": next.Generation,
		},
	})

	return &models.TokenPair{Access: access, Refresh: next, CSRF: csrf}, nil
}

// refreshWithoutRotation reissues the access and csrf tokens against
// the presented refresh token when rotate-on-use is disabled. The
// presented token stays active and keeps burning its usage ceiling.
func (s *RotationService) refreshWithoutRotation(ctx context.Context, user *models.User, device models.DeviceInfo, caller models.CallerContext, presented *models.RefreshToken, raw string) (*models.TokenPair, error) {
	access, err := s.issuer.IssueAccessToken(ctx, user, device, caller)
	if err != nil {
		return nil, err
	}
	csrf, err := s.issuer.IssueCSRFToken(ctx, user, access.TokenID, caller)
	if err != nil {
		return nil, err
	}
	return &models.TokenPair{
		Access: access,
		Refresh: &models.RefreshTokenResult{
			Token:      models.RefreshTokenPrefix + raw,
			TokenID:    presented.ID,
			FamilyID:   presented.FamilyID,
			Generation: presented.Generation,
			ExpiresAt:  presented.ExpiresAt,
		},
		CSRF: csrf,
	}, nil
}

// matchCandidate authenticates a raw refresh value against the
// candidate set by salted hash comparison. A known user id narrows the
// scan to that user's tokens; otherwise a bounded newest-first global
// set is checked. Candidates include terminal states so the caller can
// tell a replayed value apart from one that never existed.
func (s *RotationService) matchCandidate(ctx context.Context, raw string, caller models.CallerContext) (*models.RefreshToken, error) {
	var (
		candidates []models.RefreshToken
		err        error
	)
	if caller.UserID != "" {
		candidates, err = s.tokens.FindCandidatesByUser(ctx, caller.UserID, s.config.CandidateLimit)
	} else {
		candidates, err = s.tokens.FindCandidates(ctx, s.config.CandidateLimit)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to load token candidates")
	}

	for i := range candidates {
		if VerifyTokenValue(raw, candidates[i].TokenSalt, candidates[i].TokenHash) {
			return &candidates[i], nil
		}
	}

	// A well-formed value that matches none of the account's hashes is
	// someone guessing at a live account. The account's sessions are
	// swept while the caller only learns that the value is unknown.
	if len(candidates) > 0 && caller.UserID != "" && !s.config.DisableDefensiveRevocation {
		s.defensiveRevoke(ctx, caller)
	}
	return nil, appErrors.ErrTokenNotFound
}

// defensiveRevoke retires a user's active tokens after a forged refresh
// value was aimed at their account. The cutoff kills outstanding access
// tokens too, so a guessed refresh value cannot coexist with a working
// session.
func (s *RotationService) defensiveRevoke(ctx context.Context, caller models.CallerContext) {
	now := s.now()
	revoked, err := s.tokens.RevokeAllForUser(ctx, caller.UserID, "forged_token_presented", "", now)
	if err != nil {
		s.logger.Error("defensive revocation failed", zap.String("user_id", caller.UserID), zap.Error(err))
	} else {
		s.metrics.TokenRevoked("forged_token_presented", revoked)
	}

	if s.denylist != nil {
		if err := s.denylist.SetUserRevocationCutoff(ctx, caller.UserID, now, s.config.AccessTTL); err != nil {
			s.logger.Error("access cutoff after defensive revocation failed", zap.String("user_id", caller.UserID), zap.Error(err))
		}
	}

	s.recordEvent(ctx, models.AuditEvent{
		Event:      models.EventForgedTokenValue,
		UserID:     caller.UserID,
		IPAddress:  caller.IPAddress,
		DeviceHash: HashDeviceFingerprint(caller.DeviceFingerprint),
		Details:    models.EventDetails{"reason": "no_candidate_matched", "revoked": revoked},
	})
}

// handleReplay is the response to a refresh token presented after it
// was already rotated. The whole lineage is treated as compromised.
func (s *RotationService) handleReplay(ctx context.Context, presented *models.RefreshToken, caller models.CallerContext) (*models.TokenPair, error) {
	s.recordEvent(ctx, models.AuditEvent{
		Event:      models.EventReplayDetected,
		UserID:     presented.UserID,
		TokenID:    presented.ID,
		IPAddress:  caller.IPAddress,
		DeviceHash: HashDeviceFingerprint(caller.DeviceFingerprint),
		Details:    models.EventDetails{"family_id": presented.FamilyID},
	})
	s.revokeLineage(ctx, presented, "replay_detected", caller)
	return nil, appErrors.ErrTokenRevoked
}

// revokeLineage revokes every active token in the family and cuts off
// the user's outstanding access tokens.
func (s *RotationService) revokeLineage(ctx context.Context, token *models.RefreshToken, reason string, caller models.CallerContext) {
	now := s.now()
	revoked, err := s.tokens.RevokeFamily(ctx, token.FamilyID, reason, "", now)
	if err != nil {
		s.logger.Error("family revocation failed",
			zap.String("family_id", token.FamilyID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	} else {
		s.metrics.TokenRevoked(reason, revoked)
	}

	if s.denylist != nil {
		if err := s.denylist.SetUserRevocationCutoff(ctx, token.UserID, now, s.config.AccessTTL); err != nil {
			s.logger.Error("access cutoff after family revocation failed", zap.String("user_id", token.UserID), zap.Error(err))
		}
	}

	s.recordEvent(ctx, models.AuditEvent{
		Event:      models.EventFamilyRevoked,
		UserID:     token.UserID,
		TokenID:    token.ID,
		IPAddress:  caller.IPAddress,
		DeviceHash: HashDeviceFingerprint(caller.DeviceFingerprint),
		Details:    models.EventDetails{"family_id": token.FamilyID, "reason": reason},
	})
}

// checkDeviceBinding enforces the fingerprint a refresh token was bound
// to. A mismatch on the refresh path is treated as theft of the token
// value and takes the lineage down with it.
func (s *RotationService) checkDeviceBinding(ctx context.Context, token *models.RefreshToken, caller models.CallerContext) error {
	if token.DeviceHash == "" {
		return nil
	}

	if s.config.AllowPrivateNetworkBypass && geo.IsPrivate(caller.IPAddress) {
		s.recordEvent(ctx, models.AuditEvent{
			Event:     models.EventBindingBypassed,
			UserID:    token.UserID,
			TokenID:   token.ID,
			IPAddress: caller.IPAddress,
			Details:   models.EventDetails{"reason": "private_network"},
		})
		return nil
	}

	if caller.DeviceFingerprint == "" {
		return appErrors.ErrMissingDeviceFingerprint
	}
	if HashDeviceFingerprint(caller.DeviceFingerprint) != token.DeviceHash {
		s.recordEvent(ctx, models.AuditEvent{
			Event:      models.EventDeviceMismatch,
			UserID:     token.UserID,
			TokenID:    token.ID,
			IPAddress:  caller.IPAddress,
			DeviceHash: HashDeviceFingerprint(caller.DeviceFingerprint),
			Details:    models.EventDetails{"bound_device": token.DeviceHash, "family_id": token.FamilyID},
		})
		s.revokeLineage(ctx, token, "device_mismatch", caller)
		return appErrors.ErrDeviceMismatch
	}
	return nil
}

// checkTravel rejects a use that implies infeasible travel speed since
// the token's last observed position. Unknown locations on either side
// skip the check rather than guessing.
func (s *RotationService) checkTravel(ctx context.Context, token *models.RefreshToken, caller models.CallerContext) (geo.Location, error) {
	if s.geo == nil || caller.IPAddress == "" {
		return geo.Location{IP: caller.IPAddress}, nil
	}
	current, err := s.geo.Lookup(ctx, caller.IPAddress)
	if err != nil {
		if !errors.Is(err, geo.ErrUnknownIP) {
			s.logger.Warn("geo lookup failed during travel check", zap.String("ip", caller.IPAddress), zap.Error(err))
		}
		return geo.Location{IP: caller.IPAddress}, nil
	}

	if token.Latitude == nil || token.Longitude == nil || !current.Known {
		return current, nil
	}

	lastSeen := token.CreatedAt
	if token.LastUsedAt != nil && token.LastUsedAt.After(lastSeen) {
		lastSeen = *token.LastUsedAt
	}
	elapsed := s.now().Sub(lastSeen)
	if elapsed < time.Minute {
		elapsed = time.Minute
	}

	distance := geo.DistanceKm(*token.Latitude, *token.Longitude, current.Latitude, current.Longitude)
	speed := distance / elapsed.Hours()
	if speed <= s.config.MaxTravelSpeedKmh {
		return current, nil
	}

	s.recordEvent(ctx, models.AuditEvent{
		Event:     models.EventImpossibleTravel,
		UserID:    token.UserID,
		TokenID:   token.ID,
		IPAddress: caller.IPAddress,
		Details: models.EventDetails{
			"family_id":   token.FamilyID,
			"distance_km": distance,
			"speed_kmh":   speed,
		},
	})
	s.revokeLineage(ctx, token, "impossible_travel", caller)
	return current, appErrors.ErrImpossibleTravel
}

// checkSuspicion accumulates moderate anomaly signals that are each
// tolerable on their own. An ip relocation and a user-agent drift seen
// on the same exchange can jointly cross the threshold that no single
// hard check would have tripped.
func (s *RotationService) checkSuspicion(ctx context.Context, token *models.RefreshToken, caller models.CallerContext, current geo.Location) error {
	score := 0
	details := models.EventDetails{"family_id": token.FamilyID}

	if current.Known && token.Country != "" {
		observed := current
		// City granularity is not persisted on the token.
		observed.City = ""
		bound := geo.Location{Known: true, Country: token.Country, Region: token.Region}
		if ipScore := geo.ChangeRisk(bound, observed); ipScore > 0 {
			score += ipScore
			details["ip_change_score"] = ipScore
		}
	}

	if caller.UserAgent != "" && (token.DeviceOS != "" || token.DeviceBrowser != "") {
		observed := s.uaParser.Parse(caller.UserAgent)
		bound := useragent.Descriptor{
			Platform: token.DevicePlatform,
			Browser:  token.DeviceBrowser,
			OS:       token.DeviceOS,
			// Device type is not persisted on the token.
			DeviceType: observed.DeviceType,
		}
		if uaScore := useragent.ChangeRisk(bound, observed); uaScore > 0 {
			score += uaScore
			details["user_agent_score"] = uaScore
		}
	}

	if score < s.config.SuspicionThreshold {
		return nil
	}

	details["suspicion_score"] = score
	details["threshold"] = s.config.SuspicionThreshold
	s.recordEvent(ctx, models.AuditEvent{
		Event:      models.EventSuspicionThreshold,
		UserID:     token.UserID,
		TokenID:    token.ID,
		IPAddress:  caller.IPAddress,
		DeviceHash: HashDeviceFingerprint(caller.DeviceFingerprint),
		Details:    details,
	})
	s.revokeLineage(ctx, token, "suspicion_threshold_exceeded", caller)
	return appErrors.ErrTokenRevoked
}

// recordUsage increments the usage counter under its ceiling. Hitting
// the ceiling exhausts the token.
func (s *RotationService) recordUsage(ctx context.Context, token *models.RefreshToken, caller models.CallerContext) error {
	ok, err := s.tokens.RecordUsage(ctx, token.ID, s.now())
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to record token usage")
	}
	if ok {
		token.UsageCount++
		return nil
	}

	// The conditional update found no usable row. Either the ceiling is
	// hit or another exchange retired the token in the meantime.
	latest, err := s.tokens.FindByID(ctx, token.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to re-read token state")
	}
	if latest.Status == models.StatusActive && latest.UsesRemaining() == 0 {
		if _, err := s.tokens.Exhaust(ctx, token.ID, "max_uses_exceeded", s.now()); err != nil {
			s.logger.Warn("failed to exhaust token at ceiling", zap.String("token_id", token.ID), zap.Error(err))
		}
		s.recordEvent(ctx, models.AuditEvent{
			Event:     models.EventTokenRevoked,
			UserID:    token.UserID,
			TokenID:   token.ID,
			IPAddress: caller.IPAddress,
			Details:   models.EventDetails{"reason": "max_uses_exceeded"},
		})
		return appErrors.ErrMaxUsesExceeded
	}
	if latest.Status == models.StatusRotated {
		_, err := s.handleReplay(ctx, latest, caller)
		return err
	}
	if latest.Status == models.StatusExhausted {
		return appErrors.ErrTokenExhausted
	}
	return appErrors.ErrTokenRevoked
}

// RevokeAllUserTokens revokes every active refresh token of a user and
// cuts off their outstanding access tokens.
func (s *RotationService) RevokeAllUserTokens(ctx context.Context, req models.RevokeRequest) (int64, error) {
	if err := s.validator.Struct(req); err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid revoke payload")
	}

	now := s.now()
	revoked, err := s.tokens.RevokeAllForUser(ctx, req.UserID, req.Reason, "", now)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrRevocationError.Code, appErrors.ErrRevocationError.Status, appErrors.ErrRevocationError.Message)
	}

	if s.denylist != nil {
		if err := s.denylist.SetUserRevocationCutoff(ctx, req.UserID, now, s.config.AccessTTL); err != nil {
			if s.config.StrictMode {
				return revoked, appErrors.Wrap(err, appErrors.ErrRevocationError.Code, appErrors.ErrRevocationError.Status, "access token cutoff could not be set")
			}
			s.logger.Warn("access cutoff after user revocation failed", zap.String("user_id", req.UserID), zap.Error(err))
		}
	}

	s.metrics.TokenRevoked(req.Reason, revoked)
	s.recordEvent(ctx, models.AuditEvent{
		Event:   models.EventTokenRevoked,
		UserID:  req.UserID,
		Details: models.EventDetails{"reason": req.Reason, "revoked": revoked},
	})
	return revoked, nil
}

// RevokeAccessToken denylists one access token for the remainder of its
// lifetime. The refresh lineage is left alone: this retires a single
// credential, not the session behind it.
func (s *RotationService) RevokeAccessToken(ctx context.Context, claims *models.AccessClaims, caller models.CallerContext) error {
	if claims == nil || claims.ID == "" {
		return appErrors.ErrInvalidTokenFormat
	}

	ttl := s.config.AccessTTL
	if claims.ExpiresAt != nil {
		if remaining := claims.ExpiresAt.Time.Sub(s.now()); remaining > 0 {
			ttl = remaining
		}
	}

	if s.denylist != nil {
		if err := s.denylist.RevokeAccessToken(ctx, claims.ID, ttl); err != nil {
			return appErrors.Wrap(err, appErrors.ErrRevocationError.Code, appErrors.ErrRevocationError.Status, appErrors.ErrRevocationError.Message)
		}
	}

	s.metrics.TokenRevoked("logout", 1)
	s.recordEvent(ctx, models.AuditEvent{
		Event:     models.EventTokenRevoked,
		UserID:    claims.Subject,
		TokenID:   claims.ID,
		IPAddress: caller.IPAddress,
		Details:   models.EventDetails{"reason": "logout", "class": string(models.ClassAccess)},
	})
	return nil
}

// CleanupTask expires overdue tokens and purges terminal records past
// retention. Wired as a periodic job.
func (s *RotationService) CleanupTask(ctx context.Context) error {
	now := s.now()

	expired, err := s.tokens.ExpireOverdue(ctx, now)
	if err != nil {
		return err
	}
	if expired > 0 {
		s.logger.Info("expired overdue refresh tokens", zap.Int64("count", expired))
	}

	purged, err := s.tokens.PurgeBefore(ctx, now.Add(-s.config.RetentionPeriod))
	if err != nil {
		return err
	}
	if purged > 0 {
		s.logger.Info("purged refresh tokens past retention", zap.Int64("count", purged))
	}
	return nil
}

func (s *RotationService) recordEvent(ctx context.Context, event models.AuditEvent) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, event)
}
