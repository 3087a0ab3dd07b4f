package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talkwire/token-engine/internal/models"
	appErrors "github.com/talkwire/token-engine/pkg/errors"
	"github.com/talkwire/token-engine/pkg/geo"
	"github.com/talkwire/token-engine/pkg/useragent"
)

type issuerTokenStore interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	Revoke(ctx context.Context, id, reason, actor string, at time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID, reason, excludeID string, at time.Time) (int64, error)
	CountActiveByUser(ctx context.Context, userID string) (int, error)
}

type issuerUserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type accessDenylist interface {
	SetUserRevocationCutoff(ctx context.Context, userID string, at time.Time, ttl time.Duration) error
}

// TokenIssuerConfig defines issuance policy.
type TokenIssuerConfig struct {
	Issuer            string
	Audience          []string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	CSRFTTL           time.Duration
	RefreshMaxUses    int
	AutoRevokeOnIssue bool
	StrictMode        bool
}

// TokenIssuerService builds and signs access, refresh and CSRF tokens
// and orchestrates revocation of superseded tokens around issuance.
type TokenIssuerService struct {
	tokens    issuerTokenStore
	users     issuerUserStore
	denylist  accessDenylist
	secrets   *SecretRotationService
	risk      *RiskScorer
	audit     *AuditTrailService
	rate      *RateLimiter
	geo       geo.Resolver
	uaParser  useragent.Parser
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    TokenIssuerConfig
	now       func() time.Time
}

// NewTokenIssuerService constructs a TokenIssuerService instance.
func NewTokenIssuerService(
	tokens issuerTokenStore,
	users issuerUserStore,
	denylist accessDenylist,
	secrets *SecretRotationService,
	risk *RiskScorer,
	audit *AuditTrailService,
	rate *RateLimiter,
	geoResolver geo.Resolver,
	uaParser useragent.Parser,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	config TokenIssuerConfig,
) *TokenIssuerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if uaParser == nil {
		uaParser = useragent.SimpleParser{}
	}
	if config.RefreshMaxUses <= 0 {
		config.RefreshMaxUses = 50
	}
	return &TokenIssuerService{
		tokens:    tokens,
		users:     users,
		denylist:  denylist,
		secrets:   secrets,
		risk:      risk,
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

// IssueSession mints the full token set for an authenticated user.
// Credential verification happened upstream; the user store remains
// authoritative for existence and lock status.
func (s *TokenIssuerService) IssueSession(ctx context.Context, req models.IssueRequest) (*models.IssueResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid issue payload")
	}

	if s.rate != nil && !s.rate.Allow(req.IP, OpIssue) {
		s.recordEvent(ctx, models.AuditEvent{Event: models.EventRateLimited, UserID: req.UserID, IPAddress: req.IP})
		return nil, appErrors.ErrRateLimited
	}

	user, err := s.users.FindByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrUserNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to load user")
	}
	if user.Locked {
		s.recordEvent(ctx, models.AuditEvent{Event: models.EventAccountLockedAttempt, UserID: user.ID, IPAddress: req.IP})
		return nil, appErrors.ErrAccountLocked
	}

	caller := models.CallerContext{
		IPAddress:         req.IP,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: req.DeviceFingerprint,
		SessionID:         req.SessionID,
		UserID:            user.ID,
	}
	device := models.DeviceInfo{
		Hash:       HashDeviceFingerprint(req.DeviceFingerprint),
		Descriptor: s.uaParser.Parse(req.UserAgent),
		TrustLevel: req.DeviceTrust,
	}

	access, err := s.IssueAccessToken(ctx, user, device, caller)
	if err != nil {
		return nil, err
	}

	refresh, err := s.IssueRefreshToken(ctx, user, device, caller, nil)
	if err != nil {
		return nil, err
	}

	csrf, err := s.IssueCSRFToken(ctx, user, access.TokenID, caller)
	if err != nil {
		return nil, err
	}

	return &models.IssueResponse{
		Access:   access,
		Refresh:  refresh,
		CSRF:     csrf,
		User:     user.Snapshot(),
		IssuedAt: s.now(),
	}, nil
}

// IssueAccessToken signs a short-lived access token. The key id is
// embedded in both the JOSE header and the payload. When auto-revoke
// is enabled, other outstanding access tokens for the user are
// invalidated before the new one is released.
func (s *TokenIssuerService) IssueAccessToken(ctx context.Context, user *models.User, device models.DeviceInfo, caller models.CallerContext) (*models.AccessTokenResult, error) {
	now := s.now()
	location := s.lookupLocation(ctx, caller.IPAddress)
	assessment := s.risk.Assess(user, device, location)

	var flags []string
	if s.config.AutoRevokeOnIssue && s.denylist != nil {
		if err := s.denylist.SetUserRevocationCutoff(ctx, user.ID, now, s.config.AccessTTL); err != nil {
			if s.config.StrictMode {
				s.recordEvent(ctx, models.AuditEvent{Event: models.EventStrictModeViolation, UserID: user.ID, IPAddress: caller.IPAddress,
					Details: models.EventDetails{"stage": "pre_issue_revocation"}})
				return nil, appErrors.Wrap(err, appErrors.ErrTokenRevocationFailed.Code, appErrors.ErrTokenRevocationFailed.Status, appErrors.ErrTokenRevocationFailed.Message)
			}
			s.logger.Warn("pre-issuance access revocation failed", zap.String("user_id", user.ID), zap.Error(err))
			flags = append(flags, "revocation_degraded")
		}
	}

	keyID := s.secrets.CurrentKeyID(models.ClassAccess)
	key, _, err := s.secrets.ResolveKey(models.ClassAccess, user.ID, keyID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to resolve signing key")
	}

	tokenID := uuid.NewString()
	expiresAt := now.Add(s.config.AccessTTL)

	var locPtr *geo.Location
	if location.Known {
		loc := location
		locPtr = &loc
	}

	claims := &models.AccessClaims{
		User: user.Snapshot(),
		Security: models.SecurityMetadata{
			RiskScore:   assessment.Score,
			DeviceHash:  device.Hash,
			DeviceTrust: device.TrustLevel,
			SessionID:   caller.SessionID,
			IPAddress:   caller.IPAddress,
			UserAgent:   caller.UserAgent,
			Location:    locPtr,
			Flags:       flags,
		},
		KeyID:     keyID,
		TokenType: string(models.ClassAccess),
		Version:   models.SchemaVersion,
		Strength:  s.risk.Strength(user, device),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   user.ID,
			Issuer:    s.config.Issuer,
			Audience:  s.config.Audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(key)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to sign access token")
	}

	s.metrics.TokenIssued(string(models.ClassAccess))
	s.recordEvent(ctx, models.AuditEvent{
		Event:      models.EventTokenIssued,
		UserID:     user.ID,
		TokenID:    tokenID,
		SessionID:  caller.SessionID,
		IPAddress:  caller.IPAddress,
		DeviceHash: device.Hash,
		Details:    models.EventDetails{"class": string(models.ClassAccess), "risk_score": assessment.Score},
	})

	return &models.AccessTokenResult{
		Token:     models.AccessTokenPrefix + signed,
		TokenID:   tokenID,
		ExpiresAt: expiresAt,
		RiskScore: assessment.Score,
	}, nil
}

// IssueRefreshToken mints an opaque refresh token. The record is
// persisted before any superseded token is revoked, so there is no
// observable window with zero valid tokens. Under strict mode, failing
// to reach exactly one active token rolls the new token back and fails
// the issuance.
func (s *TokenIssuerService) IssueRefreshToken(ctx context.Context, user *models.User, device models.DeviceInfo, caller models.CallerContext, parent *models.RefreshToken) (*models.RefreshTokenResult, error) {
	raw, err := GenerateTokenValue()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to generate token value")
	}
	salt, err := GenerateSalt()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to generate token salt")
	}

	now := s.now()
	location := s.lookupLocation(ctx, caller.IPAddress)
	assessment := s.risk.Assess(user, device, location)

	familyID := uuid.NewString()
	generation := 0
	var parentID *string
	if parent != nil {
		familyID = parent.FamilyID
		generation = parent.Generation + 1
		pid := parent.ID
		parentID = &pid
	}

	record := &models.RefreshToken{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		FamilyID:       familyID,
		ParentTokenID:  parentID,
		Generation:     generation,
		TokenHash:      HashTokenValue(raw, salt),
		TokenSalt:      salt,
		DeviceHash:     device.Hash,
		DevicePlatform: device.Descriptor.Platform,
		DeviceBrowser:  device.Descriptor.Browser,
		DeviceOS:       device.Descriptor.OS,
		DeviceTrust:    device.TrustLevel,
		IPAddress:      caller.IPAddress,
		LocationRisk:   location.RiskScore,
		MaxUses:        s.config.RefreshMaxUses,
		Status:         models.StatusActive,
		ExpiresAt:      now.Add(s.config.RefreshTTL),
		CreatedAt:      now,
	}
	if location.Known {
		record.Country = location.Country
		record.Region = location.Region
		lat, lon := location.Latitude, location.Longitude
		record.Latitude = &lat
		record.Longitude = &lon
	}
	record.AppendEvent("created", "", now)

	if err := s.tokens.Create(ctx, record); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to persist refresh token")
	}

	// Superseded tokens are retired only after the new record is
	// durable. Rotation lineages retire their own predecessor.
	if parent == nil && s.config.AutoRevokeOnIssue {
		revoked, err := s.tokens.RevokeAllForUser(ctx, user.ID, "superseded_by_new_login", record.ID, now)
		if err != nil {
			if s.config.StrictMode {
				if _, rbErr := s.tokens.Revoke(ctx, record.ID, "strict_rollback", "system", s.now()); rbErr != nil {
					s.logger.Error("strict rollback of new refresh token failed", zap.String("token_id", record.ID), zap.Error(rbErr))
				}
				s.recordEvent(ctx, models.AuditEvent{Event: models.EventStrictModeViolation, UserID: user.ID, TokenID: record.ID,
					Details: models.EventDetails{"stage": "post_persist_revocation"}})
				return nil, appErrors.Wrap(err, appErrors.ErrStrictSecurityViolation.Code, appErrors.ErrStrictSecurityViolation.Status, appErrors.ErrStrictSecurityViolation.Message)
			}
			s.logger.Warn("revocation of superseded refresh tokens failed", zap.String("user_id", user.ID), zap.Error(err))
		} else if revoked > 0 {
			s.metrics.TokenRevoked("superseded_by_new_login", revoked)
		}

		if s.config.StrictMode {
			active, err := s.tokens.CountActiveByUser(ctx, user.ID)
			if err != nil || active != 1 {
				if _, rbErr := s.tokens.Revoke(ctx, record.ID, "strict_rollback", "system", s.now()); rbErr != nil {
					s.logger.Error("strict rollback of new refresh token failed", zap.String("token_id", record.ID), zap.Error(rbErr))
				}
				s.recordEvent(ctx, models.AuditEvent{Event: models.EventStrictModeViolation, UserID: user.ID, TokenID: record.ID,
					Details: models.EventDetails{"stage": "single_active_check", "active": active}})
				return nil, appErrors.Clone(appErrors.ErrStrictSecurityViolation, "")
			}
		}
	}

	s.metrics.TokenIssued(string(models.ClassRefresh))
	s.recordEvent(ctx, models.AuditEvent{
		Event:      models.EventTokenIssued,
		UserID:     user.ID,
		TokenID:    record.ID,
		SessionID:  caller.SessionID,
		IPAddress:  caller.IPAddress,
		DeviceHash: device.Hash,
		Details: models.EventDetails{
			"class":      string(models.ClassRefresh),
			"family_id":  familyID,
			"generation": generation,
			"risk_score": assessment.Score,
		},
	})

	return &models.RefreshTokenResult{
		Token:      models.RefreshTokenPrefix + raw,
		TokenID:    record.ID,
		FamilyID:   familyID,
		Generation: generation,
		ExpiresAt:  record.ExpiresAt,
	}, nil
}

// IssueCSRFToken signs a session-bound CSRF token. The signing secret
// is the class secret concatenated with the session nonce, so each
// CSRF token is independently keyed even for concurrent sessions of
// the same user.
func (s *TokenIssuerService) IssueCSRFToken(ctx context.Context, user *models.User, accessTokenID string, caller models.CallerContext) (string, error) {
	nonce, err := GenerateSalt()
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to generate csrf nonce")
	}

	key, _, err := s.secrets.ResolveKey(models.ClassCSRF, "", "")
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to resolve csrf key")
	}

	now := s.now()
	claims := &models.CSRFClaims{
		AccessTokenID: accessTokenID,
		Nonce:         nonce,
		ContextHash:   HashCallerContext(caller.IPAddress, caller.UserAgent),
		TokenType:     string(models.ClassCSRF),
		Version:       models.SchemaVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.CSRFTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(append(key, []byte(nonce)...))
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to sign csrf token")
	}

	s.metrics.TokenIssued(string(models.ClassCSRF))
	return models.CSRFTokenPrefix + signed, nil
}

func (s *TokenIssuerService) lookupLocation(ctx context.Context, ip string) geo.Location {
	if s.geo == nil || ip == "" {
		return geo.Location{IP: ip}
	}
	location, err := s.geo.Lookup(ctx, ip)
	if err != nil {
		if !errors.Is(err, geo.ErrUnknownIP) {
			s.logger.Warn("geo lookup failed", zap.String("ip", ip), zap.Error(err))
		}
		return geo.Location{IP: ip}
	}
	return location
}

func (s *TokenIssuerService) recordEvent(ctx context.Context, event models.AuditEvent) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, event)
}
