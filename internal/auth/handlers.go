package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for auth introspection
type Handler struct {
	auth *Authenticator
}

// NewHandler creates a new auth handler
func NewHandler(a *Authenticator) *Handler {
	return &Handler{auth: a}
}

// RegisterRoutes sets up auth routes on r.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", RequireAuth(), h.Me)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	info := gin.H{
		"enabled": h.auth.Enabled(),
		"type":    "bearer",
		"header":  "Authorization: Bearer <token>",
		"obtain":  "POST /api/users/signin",
	}
	if h.auth.Enabled() && h.auth.tokens != nil {
		info["token_ttl_seconds"] = int(h.auth.tokens.TTL().Seconds())
	}
	c.JSON(http.StatusOK, info)
}

// Me returns the caller's principal
func (h *Handler) Me(c *gin.Context) {
	p, _ := GetPrincipal(c)
	c.JSON(http.StatusOK, p)
}
