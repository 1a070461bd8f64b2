package users

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antifraudhub/antifraudhub/internal/auth"
	"github.com/antifraudhub/antifraudhub/internal/logging"
	"github.com/antifraudhub/antifraudhub/internal/pagination"
	"github.com/antifraudhub/antifraudhub/internal/validation"
)

// Handler provides HTTP endpoints for accounts
type Handler struct {
	service *Service
}

// NewHandler creates a new users handler
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up /users routes on r. auth.Middleware must run
// before these.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/users")
	g.POST("/signup", h.Signup)
	g.POST("/signin", h.Signin)
	g.GET("", auth.RequireAdmin(), h.List)
	g.GET("/:id", auth.RequireSelfOrAdmin("id"), h.Get)
	g.DELETE("/:id", auth.RequireAdmin(), h.Delete)
}

type credentials struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Signup handles POST /users/signup
func (h *Handler) Signup(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email and password are required",
		})
		return
	}

	u, err := h.service.Signup(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		var verrs validation.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": verrs.Error(),
				"details": verrs,
			})
		case errors.Is(err, ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "user_exists",
				"message": "User already exists",
			})
		default:
			internalError(c, "signup failed", err)
		}
		return
	}
	c.JSON(http.StatusCreated, u)
}

// Signin handles POST /users/signin
func (h *Handler) Signin(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email and password are required",
		})
		return
	}

	sess, err := h.service.Signin(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_credentials",
				"message": "Invalid credentials",
			})
			return
		}
		internalError(c, "signin failed", err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// List handles GET /users?limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	list, err := h.service.List(c.Request.Context(), ListOptions{Limit: limit + 1, Cursor: cursor})
	if err != nil {
		internalError(c, "list users failed", err)
		return
	}
	page := pagination.Build(list, limit, func(u *User) (time.Time, string) {
		return u.CreatedAt, u.ID
	})
	if page.Items == nil {
		page.Items = []*User{}
	}
	c.JSON(http.StatusOK, gin.H{
		"users":       page.Items,
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

// Get handles GET /users/:id
func (h *Handler) Get(c *gin.Context) {
	u, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			notFound(c)
			return
		}
		internalError(c, "get user failed", err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// Delete handles DELETE /users/:id
func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			notFound(c)
			return
		}
		internalError(c, "delete user failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted", "user_id": id})
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": "User not found",
	})
}

func internalError(c *gin.Context, msg string, err error) {
	logging.L(c.Request.Context()).Error(msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal server error",
	})
}
