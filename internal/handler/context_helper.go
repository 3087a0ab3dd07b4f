package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/talkwire/token-engine/internal/middleware"
	"github.com/talkwire/token-engine/internal/models"
)

func claimsFromContext(c *gin.Context) *models.AccessClaims {
	return middleware.ClaimsFromContext(c)
}
