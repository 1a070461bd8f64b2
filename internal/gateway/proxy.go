package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antifraudhub/antifraudhub/internal/circuitbreaker"
	"github.com/antifraudhub/antifraudhub/internal/logging"
	"github.com/antifraudhub/antifraudhub/internal/metrics"
	"github.com/antifraudhub/antifraudhub/internal/retry"
	"github.com/antifraudhub/antifraudhub/internal/traces"
)

const maxResponseSize = 64 * 1024 * 1024 // batch responses list every flagged user

// RequestIDHeader carries the caller's request id to the worker.
const RequestIDHeader = "X-Request-ID"

// Response is a worker reply, passed through to the client as-is.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Latency     time.Duration
	Attempts    int
}

// Forwarder sends requests to worker upstreams.
type Forwarder struct {
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewForwarder creates a forwarder. Per-request deadlines come from each
// Upstream's Timeout, so the client itself has none.
func NewForwarder(breaker *circuitbreaker.Breaker, logger *slog.Logger) *Forwarder {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Forwarder{
		client:  &http.Client{},
		breaker: breaker,
		logger:  logger,
	}
}

// Breaker exposes the circuit state, for health reporting.
func (f *Forwarder) Breaker() *circuitbreaker.Breaker { return f.breaker }

// Forward sends method path?query to up. Any HTTP response, 5xx included,
// is returned with a nil error. Transport failures, timeouts, and an open
// circuit return *UpstreamError.
func (f *Forwarder) Forward(ctx context.Context, up Upstream, method, path string, query url.Values) (*Response, error) {
	if up.BaseURL == "" {
		return nil, &UpstreamError{Upstream: up.Name, Err: ErrNoUpstream}
	}
	target := strings.TrimRight(up.BaseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	ctx, span := traces.StartSpan(ctx, "gateway.forward", traces.Upstream(up.Name))
	defer span.End()

	if up.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, up.Timeout)
		defer cancel()
	}

	start := time.Now()
	var resp *Response
	attempts := 0
	err := retry.Do(ctx, up.Retry, func(attempt int) error {
		attempts = attempt
		if attempt > 1 {
			gwForwardRetries.WithLabelValues(up.Name).Inc()
			f.logger.Warn("retrying worker request", "upstream", up.Name, "attempt", attempt,
				"request_id", logging.RequestID(ctx))
		}
		err := f.breaker.Execute(up.Name, countsAgainstCircuit, func() error {
			r, err := f.do(ctx, method, target)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		if errors.Is(err, circuitbreaker.ErrOpen) || isTimeout(ctx, err) {
			return retry.Permanent(err)
		}
		return err
	})
	latency := time.Since(start)
	gwForwardLatency.WithLabelValues(up.Name).Observe(latency.Seconds())

	if err != nil {
		ue := &UpstreamError{Upstream: up.Name, Timeout: isTimeout(ctx, err), Err: err}
		outcome := "unavailable"
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			outcome = "circuit_open"
		case ue.Timeout:
			outcome = "timeout"
		}
		gwForwardRequests.WithLabelValues(up.Name, outcome).Inc()
		metrics.UpstreamErrorsTotal.WithLabelValues(up.Name).Inc()
		traces.Fail(span, ue)
		f.logger.Error("worker unreachable", "upstream", up.Name, "outcome", outcome,
			"attempts", attempts, "latency_ms", latency.Milliseconds(),
			"request_id", logging.RequestID(ctx), "error", err)
		return nil, ue
	}

	resp.Latency = latency
	resp.Attempts = attempts
	outcome := "ok"
	if resp.StatusCode >= 400 {
		outcome = "upstream_status"
	}
	gwForwardRequests.WithLabelValues(up.Name, outcome).Inc()
	return resp, nil
}

// A caller hanging up says nothing about the worker's health.
func countsAgainstCircuit(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func (f *Forwarder) do(ctx context.Context, method, target string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if id := logging.RequestID(ctx); id != "" {
		req.Header.Set(RequestIDHeader, id)
	}

	httpResp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	ct := httpResp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json; charset=utf-8"
	}
	return &Response{StatusCode: httpResp.StatusCode, ContentType: ct, Body: body}, nil
}
