package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tullo/simulcast/internal/middleware"
)

// AuthHandler exposes the identity carried by the tenant token. Tokens are
// issued by the account service.
type AuthHandler struct{}

func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

// GetMe returns the authenticated tenant
func (h *AuthHandler) GetMe(c *gin.Context) {
	id, ok := tenantID(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant_id": id,
		"email":     c.GetString(middleware.EmailKey),
	})
}
