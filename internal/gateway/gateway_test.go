package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antifraudhub/antifraudhub/internal/circuitbreaker"
	"github.com/antifraudhub/antifraudhub/internal/decision"
	"github.com/antifraudhub/antifraudhub/internal/logging"
	"github.com/antifraudhub/antifraudhub/internal/realtime"
	"github.com/antifraudhub/antifraudhub/internal/retry"
)

func fastRealtime(url string) Upstream {
	up := RealtimeUpstream(url, 2*time.Second)
	up.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	return up
}

// deadURL returns the address of a server that has already shut down.
func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func TestUpstreamDefaults(t *testing.T) {
	rt := RealtimeUpstream("", 0)
	assert.Equal(t, DefaultRealtimeURL, rt.BaseURL)
	assert.Equal(t, 30*time.Second, rt.Timeout)
	assert.Greater(t, rt.Retry.MaxAttempts, 1)

	b := BatchUpstream("", 0)
	assert.Equal(t, DefaultBatchURL, b.BaseURL)
	assert.Equal(t, 300*time.Second, b.Timeout)
	assert.Equal(t, retry.Never, b.Retry)
}

func TestForward_PassesThroughStatusAndBody(t *testing.T) {
	var gotPath, gotQuery, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotRequestID = r.URL.Path, r.URL.RawQuery, r.Header.Get(RequestIDHeader)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found"}`))
	}))
	defer srv.Close()

	f := NewForwarder(nil, logging.Discard())
	ctx := logging.WithRequestID(context.Background(), "req_abc")
	resp, err := f.Forward(ctx, fastRealtime(srv.URL+"/internal/fraud/"), http.MethodGet,
		"/predict/user/a@x.io", map[string][]string{"feature_days": {"30"}})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"not_found"}`, string(resp.Body))
	assert.Equal(t, 1, resp.Attempts, "an HTTP answer is never retried")
	assert.Equal(t, "/internal/fraud/predict/user/a@x.io", gotPath)
	assert.Equal(t, "feature_days=30", gotQuery)
	assert.Equal(t, "req_abc", gotRequestID)
}

func TestForward_RealtimeRetriesTransportErrors(t *testing.T) {
	f := NewForwarder(circuitbreaker.New(100, time.Minute), logging.Discard())
	_, err := f.Forward(context.Background(), fastRealtime(deadURL(t)), http.MethodGet, "/health", nil)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, UpstreamRealtime, ue.Upstream)
	assert.False(t, ue.Timeout)
}

func TestForward_BatchIsNeverRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Drop the connection without answering.
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	defer srv.Close()

	f := NewForwarder(nil, logging.Discard())
	_, err := f.Forward(context.Background(), BatchUpstream(srv.URL, time.Second), http.MethodPost, "/predict/batch", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestForward_TimeoutIsReported(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	up := BatchUpstream(srv.URL, 50*time.Millisecond)
	_, err := NewForwarder(nil, logging.Discard()).Forward(context.Background(), up, http.MethodPost, "/predict/batch", nil)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.True(t, ue.Timeout)
	assert.Equal(t, UpstreamBatch, ue.Upstream)
}

func TestForward_CircuitOpensPerUpstream(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ok.Close()

	b := circuitbreaker.New(1, time.Hour)
	f := NewForwarder(b, logging.Discard())
	dead := Upstream{Name: UpstreamRealtime, BaseURL: deadURL(t), Timeout: time.Second, Retry: retry.Never}

	_, err := f.Forward(context.Background(), dead, http.MethodGet, "/health", nil)
	require.Error(t, err)
	_, err = f.Forward(context.Background(), dead, http.MethodGet, "/health", nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	resp, err := f.Forward(context.Background(), BatchUpstream(ok.URL, time.Second), http.MethodGet, "/health", nil)
	require.NoError(t, err, "the batch circuit is independent")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForward_NoBaseURL(t *testing.T) {
	_, err := NewForwarder(nil, nil).Forward(context.Background(), Upstream{Name: "x"}, http.MethodGet, "/", nil)
	assert.ErrorIs(t, err, ErrNoUpstream)
}

func TestUpstreamError_Unwrap(t *testing.T) {
	err := &UpstreamError{Upstream: "batch", Timeout: true, Err: context.DeadlineExceeded}
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "timed out")
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

type recordingPublisher struct {
	mu        sync.Mutex
	decisions []realtime.DecisionData
	batches   []realtime.BatchData
}

func (p *recordingPublisher) PublishDecision(d realtime.DecisionData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisions = append(p.decisions, d)
}

func (p *recordingPublisher) PublishBatch(b realtime.BatchData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, b)
}

func workerServer(t *testing.T, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, h := range routes {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func jsonReply(code int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}

func newRouter(rtURL, batchURL string, pub Publisher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(NewForwarder(circuitbreaker.New(100, time.Minute), logging.Discard()),
		fastRealtime(rtURL), BatchUpstream(batchURL, 2*time.Second), pub, logging.Discard())
	r := gin.New()
	h.RegisterRoutes(r.Group("/api"))
	return r
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestPredictUser_RelaysAndPublishes(t *testing.T) {
	rt := workerServer(t, map[string]http.HandlerFunc{
		"GET /internal/fraud/predict/user/{email}": jsonReply(http.StatusOK,
			`{"user_email":"a@x.io","risk_score":0.81,"decision":"BLOCK"}`),
	})
	pub := &recordingPublisher{}
	r := newRouter(rt.URL+"/internal/fraud", deadURL(t), pub)

	w := serve(r, http.MethodGet, "/api/fraud/predict/user/A@x.io")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"user_email":"a@x.io","risk_score":0.81,"decision":"BLOCK"}`, w.Body.String())

	require.Len(t, pub.decisions, 1)
	assert.Equal(t, decision.Block, pub.decisions[0].Decision)
	assert.Equal(t, UpstreamRealtime, pub.decisions[0].Source)
}

func TestPredictUser_UpstreamStatusPassesThrough(t *testing.T) {
	rt := workerServer(t, map[string]http.HandlerFunc{
		"GET /internal/fraud/predict/user/{email}": jsonReply(http.StatusNotFound, `{"error":"not_found","message":"no data"}`),
	})
	pub := &recordingPublisher{}
	r := newRouter(rt.URL+"/internal/fraud", deadURL(t), pub)

	w := serve(r, http.MethodGet, "/api/fraud/predict/user/ghost@x.io")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
	assert.Empty(t, pub.decisions)
}

func TestPredictUser_InvalidEmail(t *testing.T) {
	r := newRouter(deadURL(t), deadURL(t), nil)
	w := serve(r, http.MethodGet, "/api/fraud/predict/user/not-an-email")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_email")
}

func TestPredictUser_WorkerDown(t *testing.T) {
	r := newRouter(deadURL(t), deadURL(t), nil)
	w := serve(r, http.MethodGet, "/api/fraud/predict/user/a@x.io")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "upstream_unavailable")
}

func TestPredictBatch_ForwardsQueryAndPublishesFlagged(t *testing.T) {
	var gotQuery string
	batch := workerServer(t, map[string]http.HandlerFunc{
		"POST /internal/fraud/predict/batch": func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.RawQuery
			jsonReply(http.StatusOK, `[
				{"user_email":"a@x.io","risk_score":0.01,"decision":"ALLOW"},
				{"user_email":"b@x.io","risk_score":0.2,"decision":"REVIEW"},
				{"user_email":"c@x.io","risk_score":0.9,"decision":"BLOCK"}]`)(w, r)
		},
	})
	pub := &recordingPublisher{}
	r := newRouter(deadURL(t), batch.URL+"/internal/fraud", pub)

	w := serve(r, http.MethodPost, "/api/fraud/predict/batch?decision=BLOCK&decision=REVIEW")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "decision=BLOCK&decision=REVIEW", gotQuery)

	var out []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out, 3)

	require.Len(t, pub.decisions, 2, "ALLOW decisions are not streamed")
	for _, d := range pub.decisions {
		assert.Equal(t, UpstreamBatch, d.Source)
	}
	require.Len(t, pub.batches, 1)
	assert.Equal(t, 3, pub.batches[0].Returned)
	assert.Equal(t, 1, pub.batches[0].Decisions[decision.Block])
}

func TestPredictBatch_RoleViolationPassesThrough(t *testing.T) {
	batch := workerServer(t, map[string]http.HandlerFunc{
		"POST /internal/fraud/predict/batch": jsonReply(http.StatusForbidden, `{"error":"role_violation"}`),
	})
	r := newRouter(deadURL(t), batch.URL+"/internal/fraud", nil)
	w := serve(r, http.MethodPost, "/api/fraud/predict/batch")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "role_violation")
}

func TestHealth_Aggregates(t *testing.T) {
	rt := workerServer(t, map[string]http.HandlerFunc{
		"GET /internal/fraud/health": jsonReply(http.StatusOK, `{"status":"ok","worker_mode":"realtime"}`),
	})
	batch := workerServer(t, map[string]http.HandlerFunc{
		"GET /internal/fraud/health": jsonReply(http.StatusOK, `{"status":"ok","worker_mode":"batch"}`),
	})

	w := serve(newRouter(rt.URL+"/internal/fraud", batch.URL+"/internal/fraud", nil), http.MethodGet, "/api/fraud/health")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Status  string                  `json:"status"`
		Workers map[string]WorkerHealth `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Workers[UpstreamRealtime].Status)
	assert.Equal(t, "closed", body.Workers[UpstreamBatch].Circuit)
	assert.JSONEq(t, `{"status":"ok","worker_mode":"batch"}`, string(body.Workers[UpstreamBatch].Detail))
}

func TestHealth_DegradedWhenOneWorkerFails(t *testing.T) {
	rt := workerServer(t, map[string]http.HandlerFunc{
		"GET /internal/fraud/health": jsonReply(http.StatusInternalServerError, `{"error":"self_test_failed"}`),
	})

	w := serve(newRouter(rt.URL+"/internal/fraud", deadURL(t), nil), http.MethodGet, "/api/fraud/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status  string                  `json:"status"`
		Workers map[string]WorkerHealth `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unhealthy", body.Workers[UpstreamRealtime].Status)
	assert.Equal(t, http.StatusInternalServerError, body.Workers[UpstreamRealtime].StatusCode)
	assert.Equal(t, "unreachable", body.Workers[UpstreamBatch].Status)
	assert.NotEmpty(t, body.Workers[UpstreamBatch].Error)
}
