package server

import (
	"context"
	"fmt"

	"github.com/antifraudhub/antifraudhub/internal/config"
	"github.com/antifraudhub/antifraudhub/internal/health"
	"github.com/antifraudhub/antifraudhub/internal/model"
	"github.com/antifraudhub/antifraudhub/internal/pipeline"
	"github.com/antifraudhub/antifraudhub/internal/predictions"
	"github.com/antifraudhub/antifraudhub/internal/scoring"
	"github.com/antifraudhub/antifraudhub/internal/source"
)

// setupWorker builds the internal scoring surface of a realtime or batch
// worker. Model and source failures are startup errors.
func (s *Server) setupWorker(ctx context.Context) error {
	if s.model == nil {
		m, err := model.Load(s.cfg.ModelPath)
		if err != nil {
			return &config.StartupError{Key: "MODEL_PATH", Err: err}
		}
		s.model = m
	}
	s.logger.Info("model loaded",
		"model", s.model.Name(),
		"kind", s.model.Kind(),
		"features", s.model.Contract().Width(),
	)

	if s.source == nil {
		src, err := s.openSource()
		if err != nil {
			return err
		}
		s.source = src
	}
	s.readiness.Register("feature_source", health.FromPinger("feature_source", s.source))

	if s.predictions == nil {
		if s.cfg.DatabaseURL != "" {
			db, err := s.openDB(ctx)
			if err != nil {
				return err
			}
			s.predictions = predictions.NewPostgresStore(db)
		} else {
			s.logger.Warn("DATABASE_URL not set, predictions are kept in memory")
			s.predictions = predictions.NewMemoryStore()
		}
	}

	p, err := pipeline.FromModel(s.source, s.model, s.cfg.Thresholds(), pipeline.WithLogger(s.logger))
	if err != nil {
		return &config.StartupError{Key: "FRAUD_REVIEW_THRESHOLD/FRAUD_BLOCK_THRESHOLD", Err: err}
	}

	// the model is part of readiness: a worker whose self-test fails must
	// not receive traffic
	s.readiness.Register("model", func(ctx context.Context) health.Status {
		if _, err := p.SelfTest(ctx); err != nil {
			return health.Status{Name: "model", Detail: err.Error()}
		}
		return health.Status{Name: "model", Healthy: true}
	})

	h := scoring.NewHandler(p, predictions.NewRecorder(s.predictions, s.mode.String()), scoring.Config{
		Mode: s.mode,
		Windows: source.Windows{
			ActiveDays:  s.cfg.ActiveWindowDays,
			FeatureDays: s.cfg.FeatureWindow,
		},
		UserFeatureDays: s.cfg.UserFeatureDays,
		Thresholds:      s.cfg.Thresholds(),
		Model:           scoring.ModelInfo{Name: s.model.Name(), Kind: s.model.Kind()},
	})
	h.RegisterRoutes(s.router.Group("/internal/fraud"))

	s.logger.Info("scoring surface ready",
		"review_threshold", s.cfg.ReviewThreshold,
		"block_threshold", s.cfg.BlockThreshold,
	)
	return nil
}

// openSource builds the configured raw feature source.
func (s *Server) openSource() (source.Source, error) {
	switch s.cfg.FeatureSource {
	case "fixtures":
		src, err := source.LoadFixtures(s.cfg.FixturesPath)
		if err != nil {
			return nil, &config.StartupError{Key: "FEATURE_FIXTURES_PATH", Err: err}
		}
		s.logger.Info("feature source: fixtures", "path", s.cfg.FixturesPath, "rows", src.Len())
		return src, nil
	default:
		ch := s.cfg.ClickHouse
		src, err := source.NewClickHouseSource(source.ClickHouseOptions{
			Addr:        ch.Addr(),
			Database:    ch.Database,
			User:        ch.User,
			Password:    ch.Password,
			DialTimeout: ch.DialTimeout,
			ReadTimeout: ch.ReadTimeout,
		})
		if err != nil {
			return nil, &config.StartupError{Key: "CLICK_DATABASE", Err: fmt.Errorf("clickhouse: %w", err)}
		}
		s.onClose("clickhouse", src.Close)
		s.logger.Info("feature source: clickhouse", "addr", ch.Addr(), "database", ch.Database)
		return src, nil
	}
}
