package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/antifraudhub/antifraudhub/internal/decision"
	"github.com/antifraudhub/antifraudhub/internal/logging"
	"github.com/antifraudhub/antifraudhub/internal/realtime"
	"github.com/antifraudhub/antifraudhub/internal/validation"
)

// Publisher receives decisions relayed through the gateway.
type Publisher interface {
	PublishDecision(realtime.DecisionData)
	PublishBatch(realtime.BatchData)
}

// Handler provides the public /fraud endpoints of the api process.
type Handler struct {
	fwd      *Forwarder
	realtime Upstream
	batch    Upstream
	pub      Publisher // optional
	logger   *slog.Logger
}

// NewHandler creates a new gateway handler. pub may be nil.
func NewHandler(fwd *Forwarder, rt, batch Upstream, pub Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{fwd: fwd, realtime: rt, batch: batch, pub: pub, logger: logger}
}

// RegisterRoutes sets up the proxy routes under r (mounted at /api).
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/fraud/predict/user/:email", validation.EmailParamMiddleware("email"), h.PredictUser)
	r.POST("/fraud/predict/batch", h.PredictBatch)
	r.GET("/fraud/health", h.Health)
}

// PredictUser handles GET /api/fraud/predict/user/:email
func (h *Handler) PredictUser(c *gin.Context) {
	email := validation.SanitizeEmail(c.Param("email"))
	resp, err := h.fwd.Forward(c.Request.Context(), h.realtime, http.MethodGet,
		"/predict/user/"+url.PathEscape(email), c.Request.URL.Query())
	if err != nil {
		writeUpstreamError(c, err)
		return
	}

	if resp.StatusCode == http.StatusOK {
		var d realtime.DecisionData
		if err := json.Unmarshal(resp.Body, &d); err == nil && d.Decision.Valid() {
			d.Source = UpstreamRealtime
			gwDecisionsRelayed.WithLabelValues(UpstreamRealtime, string(d.Decision)).Inc()
			if h.pub != nil {
				h.pub.PublishDecision(d)
			}
		}
	}
	c.Data(resp.StatusCode, resp.ContentType, resp.Body)
}

// PredictBatch handles POST /api/fraud/predict/batch. The query string
// (decision filter, windows) is passed through to the batch worker.
func (h *Handler) PredictBatch(c *gin.Context) {
	resp, err := h.fwd.Forward(c.Request.Context(), h.batch, http.MethodPost,
		"/predict/batch", c.Request.URL.Query())
	if err != nil {
		writeUpstreamError(c, err)
		return
	}

	if resp.StatusCode == http.StatusOK {
		var results []realtime.DecisionData
		if err := json.Unmarshal(resp.Body, &results); err == nil {
			h.relayBatch(results)
		} else {
			h.logger.Warn("batch response is not a result list", "error", err,
				"request_id", logging.RequestID(c.Request.Context()))
		}
	}
	c.Data(resp.StatusCode, resp.ContentType, resp.Body)
}

// relayBatch publishes flagged users individually and the run as a summary.
// ALLOW decisions are only counted; a full population would flood the feed.
func (h *Handler) relayBatch(results []realtime.DecisionData) {
	counts := make(map[decision.Decision]int, 3)
	for _, r := range results {
		counts[r.Decision]++
		gwDecisionsRelayed.WithLabelValues(UpstreamBatch, string(r.Decision)).Inc()
		if h.pub != nil && r.Decision != decision.Allow {
			r.Source = UpstreamBatch
			h.pub.PublishDecision(r)
		}
	}
	if h.pub != nil {
		h.pub.PublishBatch(realtime.BatchData{Returned: len(results), Decisions: counts})
	}
}

// WorkerHealth is one worker's entry in the aggregated health report.
type WorkerHealth struct {
	Status     string          `json:"status"` // "ok", "unhealthy" or "unreachable"
	StatusCode int             `json:"status_code,omitempty"`
	Circuit    string          `json:"circuit"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Health handles GET /api/fraud/health by querying both workers in parallel.
// It answers 200 only when both report healthy.
func (h *Handler) Health(c *gin.Context) {
	ups := []Upstream{h.realtime, h.batch}
	reports := make([]WorkerHealth, len(ups))

	g, ctx := errgroup.WithContext(c.Request.Context())
	for i, up := range ups {
		g.Go(func() error {
			reports[i] = h.checkWorker(ctx, up)
			return nil
		})
	}
	_ = g.Wait()

	status, code := "ok", http.StatusOK
	workers := make(map[string]WorkerHealth, len(ups))
	for i, up := range ups {
		workers[up.Name] = reports[i]
		if reports[i].Status != "ok" {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{"status": status, "workers": workers})
}

func (h *Handler) checkWorker(ctx context.Context, up Upstream) WorkerHealth {
	up.Retry.MaxAttempts = 1
	resp, err := h.fwd.Forward(ctx, up, http.MethodGet, "/health", nil)
	wh := WorkerHealth{Circuit: h.fwd.Breaker().State(up.Name).String()}
	if err != nil {
		wh.Status = "unreachable"
		wh.Error = err.Error()
		return wh
	}
	wh.StatusCode = resp.StatusCode
	if json.Valid(resp.Body) {
		wh.Detail = resp.Body
	}
	if resp.StatusCode == http.StatusOK {
		wh.Status = "ok"
	} else {
		wh.Status = "unhealthy"
	}
	return wh
}

func writeUpstreamError(c *gin.Context, err error) {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "bad_gateway", "message": err.Error()})
		return
	}
	if ue.Timeout {
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":    "timeout",
			"message":  "worker did not answer in time",
			"upstream": ue.Upstream,
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":    "upstream_unavailable",
		"message":  ue.Error(),
		"upstream": ue.Upstream,
	})
}
