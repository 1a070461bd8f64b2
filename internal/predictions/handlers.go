package predictions

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antifraudhub/antifraudhub/internal/logging"
	"github.com/antifraudhub/antifraudhub/internal/pagination"
	"github.com/antifraudhub/antifraudhub/internal/validation"
)

// Handler provides HTTP endpoints for prediction history
type Handler struct {
	store Store
}

// NewHandler creates a new predictions handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up history routes on r. Authorization is applied by
// the caller.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/predictions/:email", validation.EmailParamMiddleware("email"), h.ListByEmail)
}

// ListByEmail handles GET /predictions/:email?limit=&cursor=
func (h *Handler) ListByEmail(c *gin.Context) {
	email := validation.SanitizeEmail(c.Param("email"))
	limit := pagination.ParseLimit(c.Query("limit"))

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	records, err := h.store.ListByEmail(c.Request.Context(), email, ListOptions{Limit: limit + 1, Cursor: cursor})
	if err != nil {
		if errors.Is(err, c.Request.Context().Err()) {
			return
		}
		logging.L(c.Request.Context()).Error("list predictions failed", "user_email", email, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load predictions",
		})
		return
	}

	page := pagination.Build(records, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	if page.Items == nil {
		page.Items = []*Record{}
	}
	c.JSON(http.StatusOK, gin.H{
		"user_email":  email,
		"predictions": page.Items,
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}
