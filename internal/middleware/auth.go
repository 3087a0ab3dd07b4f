package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/talkwire/token-engine/internal/models"
	"github.com/talkwire/token-engine/internal/service"
	appErrors "github.com/talkwire/token-engine/pkg/errors"
	"github.com/talkwire/token-engine/pkg/response"
)

// ContextClaimsKey is the gin context key storing verified access claims.
const ContextClaimsKey = "accessClaims"

// DeviceFingerprintHeader carries the caller's device fingerprint.
const DeviceFingerprintHeader = "X-Device-Fingerprint"

// CallerFromRequest builds the caller context from request headers.
func CallerFromRequest(c *gin.Context) models.CallerContext {
	return models.CallerContext{
		IPAddress:         c.ClientIP(),
		UserAgent:         c.Request.UserAgent(),
		DeviceFingerprint: c.GetHeader(DeviceFingerprintHeader),
	}
}

// AccessToken protects routes by running the full verification pipeline
// on the bearer token.
func AccessToken(verifier *service.TokenVerifierService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims, err := verifier.VerifyAccessToken(c.Request.Context(), parts[1], CallerFromRequest(c))
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

// CSRF validates the X-CSRF-Token header against the verified access
// token. It must run after AccessToken.
func CSRF(verifier *service.TokenVerifierService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := ClaimsFromContext(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		token := c.GetHeader("X-CSRF-Token")
		if token == "" {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "missing csrf token"))
			c.Abort()
			return
		}

		if _, err := verifier.VerifyCSRFToken(c.Request.Context(), token, claims.ID, CallerFromRequest(c)); err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// ClaimsFromContext returns the verified claims set by AccessToken.
func ClaimsFromContext(c *gin.Context) *models.AccessClaims {
	value, exists := c.Get(ContextClaimsKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.AccessClaims)
	if !ok {
		return nil
	}
	return claims
}
