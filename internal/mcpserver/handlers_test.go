package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	h := NewHandlers(NewFraudClient(Config{APIURL: ts.URL + "/", Token: "tok_test"}))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client
// ============================================================

func TestClient_AuthHeaderAndPath(t *testing.T) {
	var gotAuth, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.EscapedPath()
		writeJSON(w, http.StatusOK, map[string]any{"user_email": "a@x.io", "risk_score": 0.1, "decision": "ALLOW"})
	}))
	defer ts.Close()

	client := NewFraudClient(Config{APIURL: ts.URL, Token: "secret"})
	_, err := client.ScoreUser(context.Background(), "a@x.io")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "/api/fraud/predict/user/a@x.io", gotPath)
}

func TestClient_NoTokenNoHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, []any{})
	}))
	defer ts.Close()

	_, err := NewFraudClient(Config{APIURL: ts.URL}).RunBatch(context.Background(), nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestClient_APIErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "upstream_unavailable", "message": "realtime worker unavailable"})
	}))
	defer ts.Close()

	_, err := NewFraudClient(Config{APIURL: ts.URL}).ScoreUser(context.Background(), "a@x.io")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "upstream_unavailable", apiErr.Code)
	assert.Contains(t, err.Error(), "realtime worker unavailable")
}

func TestClient_APIErrorPlainBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := NewFraudClient(Config{APIURL: ts.URL}).PredictionHistory(context.Background(), "a@x.io", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestClient_RunBatchQuery(t *testing.T) {
	var gotMethod string
	var gotQuery map[string][]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.Query()
		writeJSON(w, http.StatusOK, []any{})
	}))
	defer ts.Close()

	_, err := NewFraudClient(Config{APIURL: ts.URL}).RunBatch(context.Background(), []string{"REVIEW", "BLOCK"}, 3, 30)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, []string{"REVIEW", "BLOCK"}, gotQuery["decision"])
	assert.Equal(t, []string{"3"}, gotQuery["active_days"])
	assert.Equal(t, []string{"30"}, gotQuery["feature_days"])
}

func TestClient_HealthAcceptsDegraded(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
	}))
	defer ts.Close()

	raw, code, err := NewFraudClient(Config{APIURL: ts.URL}).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, string(raw), "degraded")
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewFraudClient(Config{APIURL: url}).ScoreUser(context.Background(), "a@x.io")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

// ============================================================
// Handlers
// ============================================================

func TestHandleScoreUser(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"user_email": "eve@x.io", "risk_score": 0.91, "decision": "BLOCK"})
	}))
	defer cleanup()

	result, err := h.HandleScoreUser(context.Background(), makeRequest(map[string]any{"email": "eve@x.io"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "eve@x.io")
	assert.Contains(t, text, "0.9100")
	assert.Contains(t, text, "BLOCK")
	assert.Contains(t, text, "block the account")
}

func TestHandleScoreUser_MissingEmail(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleScoreUser(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "email is required")
}

func TestHandleScoreUser_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "User not found"})
	}))
	defer cleanup()

	result, err := h.HandleScoreUser(context.Background(), makeRequest(map[string]any{"email": "ghost@x.io"}))
	require.NoError(t, err)
	assert.False(t, result.IsError, "unknown user is an answer, not a failure")
	assert.Contains(t, resultText(t, result), "No activity found for ghost@x.io")
}

func TestHandleScoreUser_Upstream(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "timeout", "message": "realtime worker timed out"})
	}))
	defer cleanup()

	result, err := h.HandleScoreUser(context.Background(), makeRequest(map[string]any{"email": "a@x.io"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "timed out")
}

func TestHandleRunBatchScoring(t *testing.T) {
	var gotDecisions []string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDecisions = r.URL.Query()["decision"]
		writeJSON(w, http.StatusOK, []map[string]any{
			{"user_email": "low@x.io", "risk_score": 0.2, "decision": "REVIEW"},
			{"user_email": "high@x.io", "risk_score": 0.95, "decision": "BLOCK"},
		})
	}))
	defer cleanup()

	result, err := h.HandleRunBatchScoring(context.Background(), makeRequest(map[string]any{
		"decisions": []any{"review", " block "},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"REVIEW", "BLOCK"}, gotDecisions)

	text := resultText(t, result)
	assert.Contains(t, text, "2 user(s) returned (BLOCK 1, REVIEW 1, ALLOW 0)")
	assert.Less(t, strings.Index(text, "high@x.io"), strings.Index(text, "low@x.io"), "sorted by risk")
}

func TestHandleRunBatchScoring_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	}))
	defer cleanup()

	result, err := h.HandleRunBatchScoring(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "Batch finished: no users matched.", resultText(t, result))
}

func TestHandleRunBatchScoring_NegativeWindow(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleRunBatchScoring(context.Background(), makeRequest(map[string]any{"active_days": float64(-1)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRunBatchScoring_Truncates(t *testing.T) {
	items := make([]map[string]any, 30)
	for i := range items {
		items[i] = map[string]any{"user_email": "u@x.io", "risk_score": 0.5, "decision": "REVIEW"}
	}
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, items)
	}))
	defer cleanup()

	result, err := h.HandleRunBatchScoring(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "... and 5 more")
}

func TestHandleFraudHealth(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/fraud/health", r.URL.Path)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"workers": map[string]any{
				"realtime": map[string]any{"status": "ok", "circuit": "closed"},
				"batch":    map[string]any{"status": "unreachable", "circuit": "open", "error": "connection refused"},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleFraudHealth(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Overall: degraded")
	assert.Contains(t, text, "batch: unreachable (circuit open) - connection refused")
	assert.Contains(t, text, "realtime: ok (circuit closed)")
	assert.Less(t, strings.Index(text, "batch"), strings.Index(text, "realtime"))
}

func TestHandlePredictionHistory(t *testing.T) {
	var gotLimit string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		writeJSON(w, http.StatusOK, map[string]any{
			"user_email": "eve@x.io",
			"predictions": []map[string]any{
				{"id": "prd_1", "user_email": "eve@x.io", "risk_score": 0.8, "decision": "BLOCK", "worker_mode": "batch", "created_at": "2026-10-01T00:00:00Z"},
			},
			"has_more": true,
		})
	}))
	defer cleanup()

	result, err := h.HandlePredictionHistory(context.Background(), makeRequest(map[string]any{"email": "eve@x.io", "limit": float64(1)}))
	require.NoError(t, err)
	assert.Equal(t, "1", gotLimit)
	text := resultText(t, result)
	assert.Contains(t, text, "1 prediction(s) for eve@x.io")
	assert.Contains(t, text, "0.8000  BLOCK")
	assert.Contains(t, text, "(batch)")
	assert.Contains(t, text, "Older predictions exist")
}

func TestHandlePredictionHistory_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"user_email": "new@x.io", "predictions": []any{}, "has_more": false})
	}))
	defer cleanup()

	result, err := h.HandlePredictionHistory(context.Background(), makeRequest(map[string]any{"email": "new@x.io"}))
	require.NoError(t, err)
	assert.Equal(t, "No predictions recorded for new@x.io.", resultText(t, result))
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8000"})
	require.NotNil(t, s)
}
