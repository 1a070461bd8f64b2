// Package scoring exposes the scoring pipeline on the internal worker surface.
//
// Every route is registered on every worker; worker.Guard rejects the ones
// the process role does not own, so handlers never inspect the mode.
package scoring

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/antifraudhub/antifraudhub/internal/contract"
	"github.com/antifraudhub/antifraudhub/internal/decision"
	"github.com/antifraudhub/antifraudhub/internal/logging"
	"github.com/antifraudhub/antifraudhub/internal/pipeline"
	"github.com/antifraudhub/antifraudhub/internal/predictions"
	"github.com/antifraudhub/antifraudhub/internal/source"
	"github.com/antifraudhub/antifraudhub/internal/validation"
	"github.com/antifraudhub/antifraudhub/internal/worker"
)

// Scorer is the pipeline as seen by the handlers.
type Scorer interface {
	RunBatch(ctx context.Context, w source.Windows) ([]pipeline.Result, error)
	RunSingle(ctx context.Context, identity string, featureDays int) (*pipeline.Result, error)
	SelfTest(ctx context.Context) (*pipeline.SelfTestReport, error)
}

// Recorder persists results. A nil Recorder disables persistence.
type Recorder interface {
	Record(ctx context.Context, results []pipeline.Result) ([]*predictions.Record, error)
}

// ModelInfo describes the loaded artifact in health output.
type ModelInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Config holds handler settings.
type Config struct {
	Mode            worker.Mode
	Windows         source.Windows // defaults for batch runs
	UserFeatureDays int
	Thresholds      decision.Thresholds
	Model           ModelInfo
}

// Handler serves /internal/fraud.
type Handler struct {
	scorer   Scorer
	recorder Recorder
	cfg      Config
}

// NewHandler creates a scoring handler.
func NewHandler(scorer Scorer, recorder Recorder, cfg Config) *Handler {
	return &Handler{scorer: scorer, recorder: recorder, cfg: cfg}
}

// RegisterRoutes mounts the internal scoring routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	m := h.cfg.Mode
	r.GET("/predict/user/:email",
		worker.Guard(m, worker.EndpointPredictUser),
		validation.EmailParamMiddleware("email"),
		h.PredictUser)
	r.POST("/predict/batch", worker.Guard(m, worker.EndpointPredictBatch), h.PredictBatch)
	r.GET("/health", worker.Guard(m, worker.EndpointHealth), h.Health)
}

// PredictUser handles GET /predict/user/:email
func (h *Handler) PredictUser(c *gin.Context) {
	ctx := c.Request.Context()
	email := validation.SanitizeEmail(c.Param("email"))

	featureDays := h.cfg.UserFeatureDays
	if raw := c.Query("feature_days"); raw != "" {
		n, err := positiveInt(raw)
		if err != nil {
			badRequest(c, "invalid_feature_days", "feature_days must be a positive integer")
			return
		}
		featureDays = n
	}

	res, err := h.scorer.RunSingle(ctx, email, featureDays)
	if err != nil {
		writeError(c, err)
		return
	}

	if !h.persist(c, []pipeline.Result{*res}) {
		return
	}
	logging.L(ctx).Info("user scored",
		"user_email", res.UserEmail, "risk_score", res.RiskScore, "decision", res.Decision)
	c.JSON(http.StatusOK, res)
}

// PredictBatch handles POST /predict/batch?decision=REVIEW&decision=BLOCK
//
// Every scored user is persisted; the decision filter only narrows the
// response.
func (h *Handler) PredictBatch(c *gin.Context) {
	ctx := c.Request.Context()

	filter, err := decision.ParseFilter(c.QueryArray("decision"))
	if err != nil {
		badRequest(c, "invalid_decision", err.Error())
		return
	}

	w := h.cfg.Windows
	if raw := c.Query("active_days"); raw != "" {
		if w.ActiveDays, err = positiveInt(raw); err != nil {
			badRequest(c, "invalid_active_days", "active_days must be a positive integer")
			return
		}
	}
	if raw := c.Query("feature_days"); raw != "" {
		if w.FeatureDays, err = positiveInt(raw); err != nil {
			badRequest(c, "invalid_feature_days", "feature_days must be a positive integer")
			return
		}
	}

	results, err := h.scorer.RunBatch(ctx, w)
	if err != nil {
		writeError(c, err)
		return
	}
	if !h.persist(c, results) {
		return
	}

	out := make([]pipeline.Result, 0, len(results))
	counts := make(map[decision.Decision]int, 3)
	for _, r := range results {
		counts[r.Decision]++
		if filter.Match(r.Decision) {
			out = append(out, r)
		}
	}
	logging.L(ctx).Info("batch scored",
		"users", len(results), "returned", len(out),
		"allow", counts[decision.Allow], "review", counts[decision.Review], "block", counts[decision.Block])
	c.JSON(http.StatusOK, out)
}

// Health handles GET /health: the pipeline self-test plus model metadata.
func (h *Handler) Health(c *gin.Context) {
	rep, err := h.scorer.SelfTest(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("self-test failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":      "error",
			"worker_mode": h.cfg.Mode,
			"error":       "self_test_failed",
			"message":     err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"worker_mode": h.cfg.Mode,
		"features":    rep.Features,
		"model":       h.cfg.Model,
		"thresholds":  h.cfg.Thresholds,
		"self_test":   rep,
	})
}

func (h *Handler) persist(c *gin.Context, results []pipeline.Result) bool {
	if h.recorder == nil {
		return true
	}
	if _, err := h.recorder.Record(c.Request.Context(), results); err != nil {
		logging.L(c.Request.Context()).Error("persist predictions failed", "count", len(results), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "persistence_failed",
			"message": "Failed to store predictions",
		})
		return false
	}
	return true
}

// writeError maps pipeline errors to the JSON error envelope.
func writeError(c *gin.Context, err error) {
	ctx := c.Request.Context()
	var (
		violation *contract.ContractViolation
		upstream  *pipeline.UpstreamUnavailableError
	)
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "User not found"})
	case errors.Is(err, pipeline.ErrInvalidIdentity):
		badRequest(c, "invalid_email", err.Error())
	case errors.As(err, &violation):
		logging.L(ctx).Error("feature contract violation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "contract_violation", "message": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout", "message": "Scoring timed out"})
	case errors.As(err, &upstream):
		logging.L(ctx).Warn("upstream unavailable", "upstream", upstream.Upstream, "error", upstream.Err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upstream_unavailable", "message": upstream.Error()})
	default:
		logging.L(ctx).Error("scoring failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Scoring failed"})
	}
}

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": msg})
}

func positiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
