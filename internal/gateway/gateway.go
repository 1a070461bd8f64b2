// Package gateway forwards public scoring requests to the worker that owns
// them.
//
// Flow:
//  1. Client calls /api/fraud/... on the api process
//  2. The gateway picks the upstream (realtime or batch) by endpoint
//  3. Forward under that upstream's timeout, retry policy, and circuit
//  4. The worker's status and body are passed through unchanged
//  5. Decisions seen on the way back are published to the live feed
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antifraudhub/antifraudhub/internal/retry"
)

// Upstream names
const (
	UpstreamRealtime = "realtime"
	UpstreamBatch    = "batch"
)

// Defaults
const (
	DefaultRealtimeTimeout = 30 * time.Second
	DefaultBatchTimeout    = 300 * time.Second
	DefaultRealtimeURL     = "http://antifraud-realtime:8000/internal/fraud"
	DefaultBatchURL        = "http://antifraud-batch:8000/internal/fraud"
)

var ErrNoUpstream = errors.New("gateway: upstream not configured")

// Upstream describes one worker pool behind the gateway.
type Upstream struct {
	Name    string
	BaseURL string // e.g. http://antifraud-realtime:8000/internal/fraud
	Timeout time.Duration
	Retry   retry.Policy
}

// RealtimeUpstream returns the realtime worker upstream. Transport errors
// are retried.
func RealtimeUpstream(baseURL string, timeout time.Duration) Upstream {
	if baseURL == "" {
		baseURL = DefaultRealtimeURL
	}
	if timeout <= 0 {
		timeout = DefaultRealtimeTimeout
	}
	return Upstream{
		Name:    UpstreamRealtime,
		BaseURL: baseURL,
		Timeout: timeout,
		Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
	}
}

// BatchUpstream returns the batch worker upstream. Batch runs are never
// retried: a second attempt would rescore and re-persist the population.
func BatchUpstream(baseURL string, timeout time.Duration) Upstream {
	if baseURL == "" {
		baseURL = DefaultBatchURL
	}
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}
	return Upstream{
		Name:    UpstreamBatch,
		BaseURL: baseURL,
		Timeout: timeout,
		Retry:   retry.Never,
	}
}

// UpstreamError reports that a worker could not be reached or did not answer
// in time. A response with any HTTP status is not an UpstreamError.
type UpstreamError struct {
	Upstream string
	Timeout  bool
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream %s timed out: %v", e.Upstream, e.Err)
	}
	return fmt.Sprintf("upstream %s unavailable: %v", e.Upstream, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
