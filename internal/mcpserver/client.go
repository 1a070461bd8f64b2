package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for talking to the public api.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8000"
	Token   string // Bearer token; optional when the api runs with AUTH_ENABLED=false
	Timeout time.Duration
}

// FraudClient is a plain HTTP client for the api gateway.
type FraudClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewFraudClient creates a client. Batch scoring can take minutes, so the
// default timeout matches the gateway's batch budget.
func NewFraudClient(cfg Config) *FraudClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 310 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &FraudClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx answer from the api.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// doRequest returns the body of a response whose status is 2xx or listed
// in accept. Anything else becomes an *APIError.
func (c *FraudClient) doRequest(ctx context.Context, method, path string, query url.Values, accept ...int) (json.RawMessage, int, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 && !accepted(resp.StatusCode, accept) {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var envelope struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Message != "" {
			apiErr.Code, apiErr.Message = envelope.Error, envelope.Message
		}
		return nil, resp.StatusCode, apiErr
	}
	return json.RawMessage(body), resp.StatusCode, nil
}

func accepted(code int, accept []int) bool {
	for _, a := range accept {
		if a == code {
			return true
		}
	}
	return false
}

// ScoreUser scores one user through the realtime worker.
func (c *FraudClient) ScoreUser(ctx context.Context, email string) (json.RawMessage, error) {
	raw, _, err := c.doRequest(ctx, http.MethodGet, "/api/fraud/predict/user/"+url.PathEscape(email), nil)
	return raw, err
}

// RunBatch triggers a batch run; decisions narrows the returned list.
func (c *FraudClient) RunBatch(ctx context.Context, decisions []string, activeDays, featureDays int) (json.RawMessage, error) {
	q := url.Values{}
	for _, d := range decisions {
		q.Add("decision", d)
	}
	if activeDays > 0 {
		q.Set("active_days", strconv.Itoa(activeDays))
	}
	if featureDays > 0 {
		q.Set("feature_days", strconv.Itoa(featureDays))
	}
	raw, _, err := c.doRequest(ctx, http.MethodPost, "/api/fraud/predict/batch", q)
	return raw, err
}

// Health returns the aggregated worker health. A degraded (503) answer is
// still a valid report.
func (c *FraudClient) Health(ctx context.Context) (json.RawMessage, int, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/fraud/health", nil, http.StatusServiceUnavailable)
}

// PredictionHistory lists stored predictions for one user, newest first.
func (c *FraudClient) PredictionHistory(ctx context.Context, email string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	raw, _, err := c.doRequest(ctx, http.MethodGet, "/api/fraud/predictions/"+url.PathEscape(email), q)
	return raw, err
}
