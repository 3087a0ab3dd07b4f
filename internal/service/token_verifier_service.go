package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/talkwire/token-engine/internal/models"
	appErrors "github.com/talkwire/token-engine/pkg/errors"
	"github.com/talkwire/token-engine/pkg/geo"
	"github.com/talkwire/token-engine/pkg/useragent"
)

type verifierDenylist interface {
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	UserRevocationCutoff(ctx context.Context, userID string) (time.Time, bool, error)
}

// TokenVerifierConfig holds the thresholds of the verification pipeline.
type TokenVerifierConfig struct {
	Issuer                    string
	ClockSkew                 time.Duration
	IPChangeRejectScore       int
	UserAgentRejectScore      int
	UserAgentWarnScore        int
	AllowPrivateNetworkBypass bool
	StrictMode                bool
}

// TokenVerifierService runs the access and CSRF verification pipelines.
// Checks execute cheapest first so malformed or stale tokens are
// rejected before any signature or cache work happens.
type TokenVerifierService struct {
	denylist  verifierDenylist
	secrets   *SecretRotationService
	audit     *AuditTrailService
	rate      *RateLimiter
	geo       geo.Resolver
	uaParser  useragent.Parser
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    TokenVerifierConfig
	now       func() time.Time
}

// NewTokenVerifierService constructs a TokenVerifierService instance.
func NewTokenVerifierService(
	denylist verifierDenylist,
	secrets *SecretRotationService,
	audit *AuditTrailService,
	rate *RateLimiter,
	geoResolver geo.Resolver,
	uaParser useragent.Parser,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	config TokenVerifierConfig,
) *TokenVerifierService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if uaParser == nil {
		uaParser = useragent.SimpleParser{}
	}
	if config.ClockSkew <= 0 {
		config.ClockSkew = 30 * time.Second
	}
	if config.IPChangeRejectScore <= 0 {
		config.IPChangeRejectScore = 80
	}
	if config.UserAgentRejectScore <= 0 {
		config.UserAgentRejectScore = 85
	}
	if config.UserAgentWarnScore <= 0 {
		config.UserAgentWarnScore = 50
	}
	return &TokenVerifierService{
		denylist:  denylist,
		secrets:   secrets,
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

// Verify runs the full access verification pipeline for an incoming
// request and returns the verified claims.
func (s *TokenVerifierService) Verify(ctx context.Context, req models.VerifyRequest) (*models.VerifyResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid verify payload")
	}

	if s.rate != nil && !s.rate.Allow(req.IP, OpVerifyAccess) {
		s.recordEvent(ctx, models.AuditEvent{Event: models.EventRateLimited, IPAddress: req.IP})
		return nil, appErrors.ErrRateLimited
	}

	caller := models.CallerContext{
		IPAddress:         req.IP,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: req.DeviceFingerprint,
	}

	claims, err := s.VerifyAccessToken(ctx, req.AccessToken, caller)
	if err != nil {
		return nil, err
	}

	return &models.VerifyResponse{
		Valid:    true,
		User:     claims.User,
		Security: claims.Security,
		TokenID:  claims.ID,
		ExpireAt: claims.ExpiresAt.Time,
	}, nil
}

// VerifyAccessToken validates one access token against the full check
// ladder: wire format, signature under the resolved key, temporal
// bounds, payload shape, revocation state, device binding and
// contextual drift.
func (s *TokenVerifierService) VerifyAccessToken(ctx context.Context, token string, caller models.CallerContext) (*models.AccessClaims, error) {
	start := s.now()

	claims, err := s.verifyAccessToken(ctx, token, caller)
	if err != nil {
		appErr := appErrors.FromError(err)
		s.metrics.VerificationResult(string(models.ClassAccess), false, appErr.Code, s.now().Sub(start))
		return nil, err
	}

	s.metrics.VerificationResult(string(models.ClassAccess), true, "", s.now().Sub(start))
	s.recordEvent(ctx, models.AuditEvent{
		Event:      models.EventTokenVerified,
		UserID:     claims.Subject,
		TokenID:    claims.ID,
		SessionID:  claims.Security.SessionID,
		IPAddress:  caller.IPAddress,
		DeviceHash: claims.Security.DeviceHash,
		Details:    models.EventDetails{"class": string(models.ClassAccess)},
	})
	return claims, nil
}

func (s *TokenVerifierService) verifyAccessToken(ctx context.Context, token string, caller models.CallerContext) (*models.AccessClaims, error) {
	compact, ok := strings.CutPrefix(token, models.AccessTokenPrefix)
	if !ok || strings.Count(compact, ".") != 2 {
		return nil, appErrors.ErrInvalidTokenFormat
	}

	var keyPath string
	claims := &models.AccessClaims{}
	parsed, err := jwt.ParseWithClaims(compact, claims, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*models.AccessClaims)
		if !ok {
			return nil, appErrors.ErrInvalidTokenFormat
		}
		// The payload copy of the key id is authoritative when the
		// JOSE header was stripped in transit.
		keyID, _ := t.Header["kid"].(string)
		if keyID == "" {
			keyID = c.KeyID
		}
		key, path, err := s.secrets.ResolveKey(models.ClassAccess, c.Subject, keyID)
		if err != nil {
			return nil, err
		}
		keyPath = path
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.config.ClockSkew),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(s.config.Issuer),
	)
	if err != nil {
		return nil, s.classifyParseError(ctx, err, claims, caller)
	}
	if !parsed.Valid {
		return nil, appErrors.ErrInvalidSignature
	}

	if claims.TokenType != string(models.ClassAccess) || claims.Version != models.SchemaVersion {
		return nil, appErrors.Clone(appErrors.ErrInvalidTokenFormat, "unexpected token type or schema version")
	}

	s.auditKeyPath(ctx, keyPath, claims, caller)

	if err := s.checkRevocation(ctx, claims, caller); err != nil {
		return nil, err
	}
	if err := s.checkDeviceBinding(ctx, claims, caller); err != nil {
		return nil, err
	}
	if err := s.checkContextDrift(ctx, claims, caller); err != nil {
		return nil, err
	}

	return claims, nil
}

func (s *TokenVerifierService) classifyParseError(ctx context.Context, err error, claims *models.AccessClaims, caller models.CallerContext) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return appErrors.ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		s.recordFailure(ctx, claims, caller, appErrors.ErrTokenFromFuture.Code)
		return appErrors.ErrTokenFromFuture
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		s.recordFailure(ctx, claims, caller, appErrors.ErrInvalidSignature.Code)
		return appErrors.Wrap(err, appErrors.ErrInvalidSignature.Code, appErrors.ErrInvalidSignature.Status, appErrors.ErrInvalidSignature.Message)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return appErrors.ErrInvalidTokenFormat
	default:
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return appErr
		}
		return appErrors.Wrap(err, appErrors.ErrInvalidSignature.Code, appErrors.ErrInvalidSignature.Status, appErrors.ErrInvalidSignature.Message)
	}
}

// auditKeyPath records degraded or fallback key resolutions; the normal
// current and previous paths stay silent.
func (s *TokenVerifierService) auditKeyPath(ctx context.Context, path string, claims *models.AccessClaims, caller models.CallerContext) {
	var event string
	switch path {
	case KeyPathPreviousDegraded:
		event = models.EventDegradedKeyUse
	case KeyPathCompatFallback, KeyPathStaticFallback:
		event = models.EventFallbackKeyUse
	default:
		return
	}
	s.recordEvent(ctx, models.AuditEvent{
		Event:     event,
		UserID:    claims.Subject,
		TokenID:   claims.ID,
		IPAddress: caller.IPAddress,
		Details:   models.EventDetails{"key_path": path, "kid": claims.KeyID},
	})
}

// checkRevocation consults the denylist and the per-user revocation
// cutoff. Cache outages fail open unless strict mode is on.
func (s *TokenVerifierService) checkRevocation(ctx context.Context, claims *models.AccessClaims, caller models.CallerContext) error {
	if s.denylist == nil {
		return nil
	}

	revoked, err := s.denylist.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		if s.config.StrictMode {
			return appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "revocation state unavailable")
		}
		s.logger.Warn("denylist lookup failed, continuing", zap.String("token_id", claims.ID), zap.Error(err))
	} else if revoked {
		s.recordFailure(ctx, claims, caller, appErrors.ErrTokenRevoked.Code)
		return appErrors.ErrTokenRevoked
	}

	cutoff, found, err := s.denylist.UserRevocationCutoff(ctx, claims.Subject)
	if err != nil {
		if s.config.StrictMode {
			return appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "revocation state unavailable")
		}
		s.logger.Warn("revocation cutoff lookup failed, continuing", zap.String("user_id", claims.Subject), zap.Error(err))
		return nil
	}
	if found && claims.IssuedAt != nil && claims.IssuedAt.Time.Before(cutoff) {
		s.recordFailure(ctx, claims, caller, appErrors.ErrTokenRevoked.Code)
		return appErrors.ErrTokenRevoked
	}
	return nil
}

// checkDeviceBinding enforces the device hash a token was minted
// against. Unbound tokens pass. The private-network bypass is explicit
// opt-in policy and is always audited.
func (s *TokenVerifierService) checkDeviceBinding(ctx context.Context, claims *models.AccessClaims, caller models.CallerContext) error {
	if claims.Security.DeviceHash == "" {
		return nil
	}

	if s.config.AllowPrivateNetworkBypass && geo.IsPrivate(caller.IPAddress) {
		s.recordEvent(ctx, models.AuditEvent{
			Event:     models.EventBindingBypassed,
			UserID:    claims.Subject,
			TokenID:   claims.ID,
			IPAddress: caller.IPAddress,
			Details:   models.EventDetails{"reason": "private_network"},
		})
		return nil
	}

	if caller.DeviceFingerprint == "" {
		s.recordFailure(ctx, claims, caller, appErrors.ErrMissingDeviceFingerprint.Code)
		return appErrors.ErrMissingDeviceFingerprint
	}
	if HashDeviceFingerprint(caller.DeviceFingerprint) != claims.Security.DeviceHash {
		s.recordEvent(ctx, models.AuditEvent{
			Event:      models.EventDeviceMismatch,
			UserID:     claims.Subject,
			TokenID:    claims.ID,
			IPAddress:  caller.IPAddress,
			DeviceHash: HashDeviceFingerprint(caller.DeviceFingerprint),
			Details:    models.EventDetails{"bound_device": claims.Security.DeviceHash},
		})
		return appErrors.ErrDeviceMismatch
	}
	return nil
}

// checkContextDrift scores ip and user-agent changes since issuance.
// Scores past the reject thresholds fail verification; a user-agent
// score in the warn band records an audit event and continues.
func (s *TokenVerifierService) checkContextDrift(ctx context.Context, claims *models.AccessClaims, caller models.CallerContext) error {
	if claims.Security.IPAddress != "" && caller.IPAddress != "" && claims.Security.IPAddress != caller.IPAddress {
		score := s.ipChangeScore(ctx, claims, caller.IPAddress)
		if score >= s.config.IPChangeRejectScore {
			s.recordEvent(ctx, models.AuditEvent{
				Event:     models.EventSuspiciousIPChange,
				UserID:    claims.Subject,
				TokenID:   claims.ID,
				IPAddress: caller.IPAddress,
				Details:   models.EventDetails{"score": score, "bound_ip": claims.Security.IPAddress},
			})
			return appErrors.ErrSuspiciousIPChange
		}
	}

	if claims.Security.UserAgent != "" && caller.UserAgent != "" && claims.Security.UserAgent != caller.UserAgent {
		bound := s.uaParser.Parse(claims.Security.UserAgent)
		current := s.uaParser.Parse(caller.UserAgent)
		score := useragent.ChangeRisk(bound, current)
		if score >= s.config.UserAgentRejectScore {
			s.recordEvent(ctx, models.AuditEvent{
				Event:     models.EventUserAgentChange,
				UserID:    claims.Subject,
				TokenID:   claims.ID,
				IPAddress: caller.IPAddress,
				Details:   models.EventDetails{"score": score, "rejected": true},
			})
			return appErrors.ErrSuspiciousUserAgentChange
		}
		if score >= s.config.UserAgentWarnScore {
			s.recordEvent(ctx, models.AuditEvent{
				Event:     models.EventUserAgentChange,
				UserID:    claims.Subject,
				TokenID:   claims.ID,
				IPAddress: caller.IPAddress,
				Details:   models.EventDetails{"score": score, "rejected": false},
			})
		}
	}
	return nil
}

func (s *TokenVerifierService) ipChangeScore(ctx context.Context, claims *models.AccessClaims, currentIP string) int {
	if claims.Security.Location == nil || s.geo == nil {
		// No baseline location to compare against.
		return 10
	}
	current, err := s.geo.Lookup(ctx, currentIP)
	if err != nil {
		if !errors.Is(err, geo.ErrUnknownIP) {
			s.logger.Warn("geo lookup failed during drift check", zap.String("ip", currentIP), zap.Error(err))
		}
		return 10
	}
	return geo.ChangeRisk(*claims.Security.Location, current)
}

// VerifyCSRFToken validates a CSRF token against the access token it
// was bound to. The signing key depends on the nonce inside the claims,
// so the payload is decoded first and the signature is checked under
// the nonce-mixed key.
func (s *TokenVerifierService) VerifyCSRFToken(ctx context.Context, token, accessTokenID string, caller models.CallerContext) (*models.CSRFClaims, error) {
	compact, ok := strings.CutPrefix(token, models.CSRFTokenPrefix)
	if !ok || strings.Count(compact, ".") != 2 {
		return nil, appErrors.ErrInvalidTokenFormat
	}

	unverified := &models.CSRFClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(compact, unverified); err != nil {
		return nil, appErrors.ErrInvalidTokenFormat
	}
	if unverified.Nonce == "" {
		return nil, appErrors.ErrInvalidTokenFormat
	}

	key, _, err := s.secrets.ResolveKey(models.ClassCSRF, "", "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrVerificationError.Code, appErrors.ErrVerificationError.Status, "failed to resolve csrf key")
	}

	claims := &models.CSRFClaims{}
	parsed, err := jwt.ParseWithClaims(compact, claims, func(_ *jwt.Token) (interface{}, error) {
		return append(key, []byte(unverified.Nonce)...), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.config.ClockSkew),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, appErrors.ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, appErrors.ErrInvalidTokenFormat
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInvalidSignature.Code, appErrors.ErrInvalidSignature.Status, appErrors.ErrInvalidSignature.Message)
		}
	}
	if !parsed.Valid {
		return nil, appErrors.ErrInvalidSignature
	}

	if claims.TokenType != string(models.ClassCSRF) || claims.Version != models.SchemaVersion {
		return nil, appErrors.Clone(appErrors.ErrInvalidTokenFormat, "unexpected token type or schema version")
	}
	if accessTokenID != "" && claims.AccessTokenID != accessTokenID {
		s.recordEvent(ctx, models.AuditEvent{
			Event:     models.EventVerificationFailed,
			UserID:    claims.Subject,
			TokenID:   claims.ID,
			IPAddress: caller.IPAddress,
			Details:   models.EventDetails{"class": string(models.ClassCSRF), "reason": "access_token_mismatch"},
		})
		return nil, appErrors.Clone(appErrors.ErrInvalidSignature, "csrf token bound to a different access token")
	}
	if claims.ContextHash != "" && claims.ContextHash != HashCallerContext(caller.IPAddress, caller.UserAgent) {
		s.recordEvent(ctx, models.AuditEvent{
			Event:     models.EventVerificationFailed,
			UserID:    claims.Subject,
			TokenID:   claims.ID,
			IPAddress: caller.IPAddress,
			Details:   models.EventDetails{"class": string(models.ClassCSRF), "reason": "context_mismatch"},
		})
		return nil, appErrors.Clone(appErrors.ErrInvalidSignature, "csrf token bound to a different caller context")
	}

	s.metrics.VerificationResult(string(models.ClassCSRF), true, "", 0)
	return claims, nil
}

func (s *TokenVerifierService) recordFailure(ctx context.Context, claims *models.AccessClaims, caller models.CallerContext, reason string) {
	event := models.AuditEvent{
		Event:     models.EventVerificationFailed,
		IPAddress: caller.IPAddress,
		Details:   models.EventDetails{"class": string(models.ClassAccess), "reason": reason},
	}
	if claims != nil {
		event.UserID = claims.Subject
		event.TokenID = claims.ID
	}
	s.recordEvent(ctx, event)
}

func (s *TokenVerifierService) recordEvent(ctx context.Context, event models.AuditEvent) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, event)
}
