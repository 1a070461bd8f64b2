// Package ratelimit provides rate limiting middleware for the api surface.
//
// Two backends share one interface: an in-process token bucket, and a
// Redis sliding window that holds the limit across api replicas.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antifraudhub/antifraudhub/internal/auth"
	"github.com/antifraudhub/antifraudhub/internal/logging"
)

var rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "antifraud",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the rate limiter, by backend.",
}, []string{"backend"})

var backendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "antifraud",
	Subsystem: "ratelimit",
	Name:      "backend_errors_total",
	Help:      "Rate limiter backend failures (requests were let through).",
}, []string{"backend"})

func init() {
	prometheus.MustRegister(rejectedTotal, backendErrors)
}

// Backend decides whether a request identified by key may proceed.
type Backend interface {
	Allow(ctx context.Context, key string) (bool, error)
	Name() string
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per caller per minute
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// Limiter is an in-process token bucket per key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a token bucket limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Name implements Backend.
func (l *Limiter) Name() string { return "memory" }

// Allow implements Backend. It never fails.
func (l *Limiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, exists := l.clients[key]
	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true, nil
	}

	elapsed := now.Sub(state.lastCheck).Seconds()
	state.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true, nil
	}
	return false, nil
}

// Key identifies the caller: the authenticated user when there is one,
// otherwise the client IP.
func Key(c *gin.Context) string {
	if p, ok := auth.GetPrincipal(c); ok && p.UserID != auth.Internal.UserID {
		return "user:" + p.UserID
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects requests over the limit with 429. A failing backend
// lets the request through and logs a warning.
func Middleware(b Backend, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = logging.Discard()
	}
	return func(c *gin.Context) {
		allowed, err := b.Allow(c.Request.Context(), Key(c))
		if err != nil {
			backendErrors.WithLabelValues(b.Name()).Inc()
			logger.Warn("rate limiter unavailable, allowing request", "backend", b.Name(), "error", err)
			c.Next()
			return
		}
		if !allowed {
			rejectedTotal.WithLabelValues(b.Name()).Inc()
			c.Header("Retry-After", strconv.Itoa(1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			return
		}
		c.Next()
	}
}
