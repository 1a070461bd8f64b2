package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyPrincipal is the gin context key for the authenticated caller.
const ContextKeyPrincipal = "authPrincipal"

// UserChecker confirms that a token's subject still exists. Tokens of
// deleted users are rejected.
type UserChecker interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// Authenticator resolves the caller of each request.
type Authenticator struct {
	enabled bool
	tokens  *TokenIssuer
	users   UserChecker // optional
}

// NewAuthenticator creates an authenticator. When enabled is false every
// request runs as Internal.
func NewAuthenticator(enabled bool, tokens *TokenIssuer, users UserChecker) *Authenticator {
	return &Authenticator{enabled: enabled, tokens: tokens, users: users}
}

// Enabled reports whether tokens are checked.
func (a *Authenticator) Enabled() bool { return a.enabled }

// Authenticate returns the principal for an Authorization header value.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*Principal, error) {
	if !a.enabled {
		p := Internal
		return &p, nil
	}
	p, err := a.tokens.Verify(header)
	if err != nil {
		return nil, err
	}
	if a.users != nil {
		ok, err := a.users.Exists(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrInvalidToken
		}
	}
	return p, nil
}

// Middleware resolves the principal and stores it in the context. Requests
// without a valid token continue anonymously; RequireAuth rejects them.
func Middleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" && a.enabled {
			c.Next()
			return
		}
		p, err := a.Authenticate(c.Request.Context(), header)
		if err == nil {
			c.Set(ContextKeyPrincipal, p)
		} else if !errors.Is(err, ErrNoToken) {
			c.Set(contextKeyAuthError, err)
		}
		c.Next()
	}
}

const contextKeyAuthError = "authError"

// RequireAuth middleware rejects requests without a principal.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			abortUnauthorized(c)
			return
		}
		c.Next()
	}
}

// RequireAdmin middleware requires an admin principal.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			abortUnauthorized(c)
			return
		}
		if !p.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin privileges required",
			})
			return
		}
		c.Next()
	}
}

// RequireSelfOrAdmin lets admins through, and other callers only when the
// named URL parameter is their own user id.
func RequireSelfOrAdmin(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			abortUnauthorized(c)
			return
		}
		if !p.IsAdmin() && p.UserID != c.Param(param) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Access denied",
			})
			return
		}
		c.Next()
	}
}

// RequireSelfEmailOrAdmin is RequireSelfOrAdmin for routes keyed by email.
func RequireSelfEmailOrAdmin(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			abortUnauthorized(c)
			return
		}
		if !p.IsAdmin() && !strings.EqualFold(p.Email, strings.TrimSpace(c.Param(param))) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Access denied",
			})
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context) {
	msg := "Authentication required. Include 'Authorization: Bearer <token>' header."
	if v, ok := c.Get(contextKeyAuthError); ok {
		if errors.Is(v.(error), ErrExpiredToken) {
			msg = "Token expired. Sign in again."
		} else {
			msg = "Token invalid or expired."
		}
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": msg,
	})
}

// GetPrincipal returns the authenticated caller, if any.
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
