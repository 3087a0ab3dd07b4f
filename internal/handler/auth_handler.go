package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/talkwire/token-engine/internal/middleware"
	"github.com/talkwire/token-engine/internal/models"
	"github.com/talkwire/token-engine/internal/service"
	appErrors "github.com/talkwire/token-engine/pkg/errors"
	"github.com/talkwire/token-engine/pkg/response"
)

// AuthHandler wires HTTP endpoints to the token services.
type AuthHandler struct {
	issuer   *service.TokenIssuerService
	verifier *service.TokenVerifierService
	rotation *service.RotationService
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(issuer *service.TokenIssuerService, verifier *service.TokenVerifierService, rotation *service.RotationService) *AuthHandler {
	return &AuthHandler{issuer: issuer, verifier: verifier, rotation: rotation}
}

// Login godoc
// @Summary Issue a token set
// @Description Mint access, refresh and CSRF tokens for an authenticated user
// @Tags Tokens
// @Accept json
// @Produce json
// @Param payload body models.IssueRequest true "Issue payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid issue payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()
	if req.DeviceFingerprint == "" {
		req.DeviceFingerprint = c.GetHeader(middleware.DeviceFingerprintHeader)
	}

	res, err := h.issuer.IssueSession(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res)
}

// Refresh godoc
// @Summary Rotate a refresh token
// @Description Exchange a refresh token for the next generation token set
// @Tags Tokens
// @Accept json
// @Produce json
// @Param payload body models.RefreshRequest true "Refresh payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req models.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid refresh payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()
	if req.DeviceFingerprint == "" {
		req.DeviceFingerprint = c.GetHeader(middleware.DeviceFingerprintHeader)
	}

	res, err := h.rotation.Refresh(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res)
}

// Verify godoc
// @Summary Verify an access token
// @Description Run the full verification pipeline on an access token
// @Tags Tokens
// @Accept json
// @Produce json
// @Param payload body models.VerifyRequest true "Verify payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/verify [post]
func (h *AuthHandler) Verify(c *gin.Context) {
	var req models.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid verify payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()
	if req.DeviceFingerprint == "" {
		req.DeviceFingerprint = c.GetHeader(middleware.DeviceFingerprintHeader)
	}

	res, err := h.verifier.Verify(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res)
}

// Revoke godoc
// @Summary Revoke a user's tokens
// @Description Revoke every active token belonging to a user
// @Tags Tokens
// @Accept json
// @Produce json
// @Param payload body models.RevokeRequest true "Revoke payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/revoke [post]
func (h *AuthHandler) Revoke(c *gin.Context) {
	var req models.RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid revoke payload"))
		return
	}

	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	// Only admins revoke other users' sessions.
	if req.UserID != claims.Subject && claims.User.Role != models.RoleAdmin {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "cannot revoke another user's tokens"))
		return
	}

	revoked, err := h.rotation.RevokeAllUserTokens(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"revoked": revoked})
}

// Logout godoc
// @Summary Revoke the presented access token
// @Description Denylist the bearer access token for the rest of its lifetime
// @Tags Tokens
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	caller := models.CallerContext{
		IPAddress:         c.ClientIP(),
		UserAgent:         c.Request.UserAgent(),
		DeviceFingerprint: c.GetHeader(middleware.DeviceFingerprintHeader),
		UserID:            claims.Subject,
	}
	if err := h.rotation.RevokeAccessToken(c.Request.Context(), claims, caller); err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"revoked": true})
}

// Me godoc
// @Summary Get current token claims
// @Description Returns the verified claims of the presented access token
// @Tags Tokens
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	response.JSON(c, http.StatusOK, models.VerifyResponse{
		Valid:    true,
		User:     claims.User,
		Security: claims.Security,
		TokenID:  claims.ID,
		ExpireAt: claims.ExpiresAt.Time,
	})
}
