package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/talkwire/token-engine/internal/middleware"
	"github.com/talkwire/token-engine/internal/service"
)

// RegisterRoutes attaches all endpoints to the engine. Issue, refresh
// and verify are open because they authenticate their own payloads;
// logout, revoke and me require a verified bearer token, and revoke
// also demands the session's CSRF token.
func RegisterRoutes(r *gin.Engine, prefix string, auth *AuthHandler, metrics *MetricsHandler, verifier *service.TokenVerifierService) {
	r.GET("/health", metrics.Health)
	r.GET("/ready", metrics.Ready)
	r.GET("/metrics", metrics.Prometheus)

	group := r.Group(prefix + "/auth")
	group.POST("/login", auth.Login)
	group.POST("/refresh", auth.Refresh)
	group.POST("/verify", auth.Verify)

	protected := group.Group("")
	protected.Use(middleware.AccessToken(verifier))
	protected.GET("/me", auth.Me)
	protected.POST("/logout", auth.Logout)
	protected.POST("/revoke", middleware.CSRF(verifier), auth.Revoke)
}
