package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antifraudhub/antifraudhub/internal/auth"
	"github.com/antifraudhub/antifraudhub/internal/circuitbreaker"
	"github.com/antifraudhub/antifraudhub/internal/gateway"
	"github.com/antifraudhub/antifraudhub/internal/health"
	"github.com/antifraudhub/antifraudhub/internal/idgen"
	"github.com/antifraudhub/antifraudhub/internal/predictions"
	"github.com/antifraudhub/antifraudhub/internal/ratelimit"
	"github.com/antifraudhub/antifraudhub/internal/realtime"
	"github.com/antifraudhub/antifraudhub/internal/users"
	"github.com/antifraudhub/antifraudhub/migrations"
)

// Gateway circuit settings: five consecutive failures open a worker's
// circuit for thirty seconds.
const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// setupAPI builds the public surface. The api owns the relational schema
// and never loads the model or opens the feature source.
func (s *Server) setupAPI(ctx context.Context) error {
	var userStore users.Store
	if s.cfg.DatabaseURL != "" {
		db, err := s.openDB(ctx)
		if err != nil {
			return err
		}
		if err := migrations.Up(ctx, db); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
		userStore = users.NewPostgresStore(db)
		if s.predictions == nil {
			s.predictions = predictions.NewPostgresStore(db)
		}
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory stores")
		userStore = users.NewMemoryStore()
		if s.predictions == nil {
			s.predictions = predictions.NewMemoryStore()
		}
	}

	secret := s.cfg.JWTSecret
	if secret == "" {
		// only reachable with auth disabled; tokens still need a key
		secret = idgen.New()
		s.logger.Warn("JWT_SECRET not set, tokens will not survive a restart")
	}
	tokens := auth.NewTokenIssuer(secret, s.cfg.AccessTokenTTL)
	userService := users.NewService(userStore, tokens, s.logger)
	if s.cfg.AdminEmail != "" {
		if err := userService.EnsureAdmin(ctx, s.cfg.AdminEmail, s.cfg.AdminPassword); err != nil {
			return fmt.Errorf("failed to bootstrap admin: %w", err)
		}
	}
	authn := auth.NewAuthenticator(s.cfg.AuthEnabled, tokens, userStore)
	if !s.cfg.AuthEnabled {
		s.logger.Warn("authentication disabled, every caller acts as the internal admin")
	}

	if err := s.setupRateLimit(ctx); err != nil {
		return err
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	breaker := circuitbreaker.New(breakerThreshold, breakerCooldown)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("worker circuit changed", "upstream", key, "from", from.String(), "to", to.String())
	})
	fwd := gateway.NewForwarder(breaker, s.logger)
	rt := gateway.RealtimeUpstream(s.cfg.RealtimeURL, s.cfg.RealtimeTimeout)
	batch := gateway.BatchUpstream(s.cfg.BatchURL, s.cfg.BatchTimeout)

	api := s.router.Group("/api")
	api.Use(auth.Middleware(authn))
	api.Use(ratelimit.Middleware(s.limitBackend, s.logger))

	users.NewHandler(userService).RegisterRoutes(api)
	auth.NewHandler(authn).RegisterRoutes(api)

	protected := api.Group("", auth.RequireAuth())
	gateway.NewHandler(fwd, rt, batch, s.realtimeHub, s.logger).RegisterRoutes(protected)

	history := protected.Group("/fraud", auth.RequireSelfEmailOrAdmin("email"))
	predictions.NewHandler(s.predictions).RegisterRoutes(history)

	protected.GET("/fraud/stream", auth.RequireAdmin(), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.logger.Info("api surface ready",
		"realtime_url", s.cfg.RealtimeURL,
		"batch_url", s.cfg.BatchURL,
		"auth_enabled", s.cfg.AuthEnabled,
		"rate_limit", s.limitBackend.Name(),
	)
	return nil
}

// setupRateLimit uses Redis when REDIS_URL is set so every api replica
// shares one budget, and an in-process token bucket otherwise.
func (s *Server) setupRateLimit(ctx context.Context) error {
	if s.limitBackend != nil {
		return nil
	}

	rpm := s.cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = ratelimit.DefaultConfig().RequestsPerMinute
	}

	if s.cfg.RedisURL != "" {
		client, err := ratelimit.Dial(ctx, s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redisClient = client
		s.onClose("redis", client.Close)
		s.readiness.Register("redis", health.FromPinger("redis", health.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})))
		s.limitBackend = ratelimit.NewRedis(client, rpm, time.Minute)
		return nil
	}

	cfg := ratelimit.DefaultConfig()
	cfg.RequestsPerMinute = rpm
	s.rateLimiter = ratelimit.New(cfg)
	s.onClose("rate limiter", func() error {
		s.rateLimiter.Stop()
		return nil
	})
	s.limitBackend = s.rateLimiter
	return nil
}
