// Package pipeline orchestrates fetch, feature engineering, the feature
// contract, inference and the decision policy for one scoring request.
//
// The pipeline does not know which worker role runs it; batch and single-user
// scoring share every stage and differ only in how rows are fetched.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/antifraudhub/antifraudhub/internal/contract"
	"github.com/antifraudhub/antifraudhub/internal/decision"
	"github.com/antifraudhub/antifraudhub/internal/features"
	"github.com/antifraudhub/antifraudhub/internal/logging"
	"github.com/antifraudhub/antifraudhub/internal/metrics"
	"github.com/antifraudhub/antifraudhub/internal/model"
	"github.com/antifraudhub/antifraudhub/internal/source"
	"github.com/antifraudhub/antifraudhub/internal/traces"
)

// Run modes, used as metric labels.
const (
	RunSingle = "single"
	RunBatch  = "batch"
)

// UpstreamFeatureSource names the feature source in errors and metrics.
const UpstreamFeatureSource = "feature_source"

var (
	// ErrNotFound means the identity had no activity in the feature window.
	ErrNotFound = errors.New("user not found")

	// ErrInvalidIdentity is returned for a blank identity.
	ErrInvalidIdentity = errors.New("invalid user identity")

	// ErrSelfTest is wrapped by SelfTest failures.
	ErrSelfTest = errors.New("pipeline self-test failed")
)

// UpstreamUnavailableError wraps a failure of a dependency the pipeline
// cannot work without. The pipeline never retries; callers decide.
type UpstreamUnavailableError struct {
	Upstream string
	Err      error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Upstream, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// Result is one scored user.
type Result struct {
	UserEmail string            `json:"user_email"`
	RiskScore float64           `json:"risk_score"`
	Decision  decision.Decision `json:"decision"`
}

// Pipeline is immutable after New and safe for concurrent use.
type Pipeline struct {
	source     source.Source
	contract   *contract.Contract
	classifier model.Classifier
	thresholds decision.Thresholds
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the fallback logger used when the request context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New assembles a pipeline. The thresholds are validated here so an invalid
// policy never reaches a request.
func New(src source.Source, c *contract.Contract, clf model.Classifier, t decision.Thresholds, opts ...Option) (*Pipeline, error) {
	if src == nil || c == nil || clf == nil {
		return nil, errors.New("pipeline: source, contract and classifier are required")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		source:     src,
		contract:   c,
		classifier: clf,
		thresholds: t,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// FromModel builds a pipeline whose contract and classifier come from m.
func FromModel(src source.Source, m *model.Model, t decision.Thresholds, opts ...Option) (*Pipeline, error) {
	if m == nil {
		return nil, errors.New("pipeline: model is required")
	}
	return New(src, m.Contract(), m, t, opts...)
}

// Thresholds returns the decision policy in use.
func (p *Pipeline) Thresholds() decision.Thresholds { return p.thresholds }

// Contract returns the feature contract in use.
func (p *Pipeline) Contract() *contract.Contract { return p.contract }

// Source returns the feature source, for readiness checks.
func (p *Pipeline) Source() source.Source { return p.source }

// RunBatch scores every user active within w. An empty population returns an
// empty, non-nil slice. One structural contract failure aborts the batch.
func (p *Pipeline) RunBatch(ctx context.Context, w source.Windows) ([]Result, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.batch")
	defer span.End()

	if err := w.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := p.source.FetchBatch(ctx, w)
	metrics.ObserveStage("fetch", start)
	if err != nil {
		err = p.upstream(err)
		traces.Fail(span, err)
		return nil, err
	}
	metrics.BatchPopulation.Set(float64(len(rows)))
	span.SetAttributes(traces.Rows(len(rows)))

	if len(rows) == 0 {
		p.log(ctx).Info("batch population is empty",
			"active_days", w.ActiveDays, "feature_days", w.FeatureDays)
		return []Result{}, nil
	}

	results, err := p.score(ctx, RunBatch, rows)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	p.log(ctx).Info("batch scored", "users", len(results), "duration", time.Since(start))
	return results, nil
}

// RunSingle scores one identity over featureDays of history. It returns
// ErrNotFound when the source has no row for the identity.
func (p *Pipeline) RunSingle(ctx context.Context, identity string, featureDays int) (*Result, error) {
	id := source.NormalizeIdentity(identity)
	ctx, span := traces.StartSpan(ctx, "pipeline.single", traces.UserEmail(id))
	defer span.End()

	if id == "" {
		return nil, ErrInvalidIdentity
	}
	if featureDays <= 0 {
		return nil, fmt.Errorf("feature window must be positive, got %d", featureDays)
	}

	start := time.Now()
	row, ok, err := p.source.FetchOne(ctx, id, featureDays)
	metrics.ObserveStage("fetch", start)
	if err != nil {
		err = p.upstream(err)
		traces.Fail(span, err)
		return nil, err
	}
	if !ok {
		p.log(ctx).Info("user not found in feature window", "user_email", id, "feature_days", featureDays)
		return nil, ErrNotFound
	}
	if row.Identity() == "" {
		row = row.Clone()
		row[source.IdentityColumn] = id
	}

	results, err := p.score(ctx, RunSingle, []source.Row{row})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	r := results[0]
	span.SetAttributes(traces.RiskScore(r.RiskScore), traces.Decision(string(r.Decision)))
	return &r, nil
}

// score runs engineering, contract, inference and decision over fetched rows.
func (p *Pipeline) score(ctx context.Context, mode string, rows []source.Row) ([]Result, error) {
	start := time.Now()
	engineered := make([]features.Row, len(rows))
	for i, raw := range rows {
		engineered[i] = features.Engineer(raw)
	}
	metrics.ObserveStage("engineer", start)

	start = time.Now()
	x, rep, err := p.contract.ToMatrix(engineered)
	metrics.ObserveStage("contract", start)
	p.recordRepairs(ctx, mode, rep)
	if err != nil {
		metrics.ContractViolationsTotal.Inc()
		p.log(ctx).Error("feature contract violated", "mode", mode, "error", err)
		return nil, err
	}

	start = time.Now()
	_, inferSpan := traces.StartSpan(ctx, "pipeline.infer", traces.Rows(len(x)))
	proba, err := p.classifier.PredictProba(ctx, x)
	inferSpan.End()
	metrics.ObserveStage("infer", start)
	if err != nil {
		if errors.Is(err, contract.ErrContractViolation) {
			metrics.ContractViolationsTotal.Inc()
		}
		return nil, fmt.Errorf("inference: %w", err)
	}
	if len(proba) != len(rows) {
		return nil, fmt.Errorf("inference returned %d scores for %d rows", len(proba), len(rows))
	}

	start = time.Now()
	results := make([]Result, len(rows))
	for i, raw := range rows {
		d := decision.Decide(proba[i], p.thresholds)
		results[i] = Result{UserEmail: raw.Identity(), RiskScore: proba[i], Decision: d}
		metrics.ScoredTotal.WithLabelValues(mode, string(d)).Inc()
	}
	metrics.ObserveStage("decide", start)
	return results, nil
}

func (p *Pipeline) recordRepairs(ctx context.Context, mode string, rep *contract.Report) {
	if rep == nil || rep.Clean() {
		return
	}
	logger := p.log(ctx)
	for _, c := range rep.Coercions {
		metrics.FeatureCoercionsTotal.WithLabelValues(c.Column).Inc()
		logger.Debug("feature value coerced", "row", c.Row, "column", c.Column, "value", c.Value)
	}
	for _, s := range rep.Substitutions {
		metrics.CategorySubstitutionsTotal.WithLabelValues(s.Column).Inc()
	}
	if len(rep.Coercions) > 0 {
		logger.Warn("feature values coerced to 0",
			"mode", mode, "rows", rep.Rows, "coercions", len(rep.Coercions),
			"by_column", rep.CoercionsByColumn())
	}
}

func (p *Pipeline) upstream(err error) error {
	metrics.UpstreamErrorsTotal.WithLabelValues(UpstreamFeatureSource).Inc()
	return &UpstreamUnavailableError{Upstream: UpstreamFeatureSource, Err: err}
}

func (p *Pipeline) log(ctx context.Context) *slog.Logger {
	logger := p.logger
	if l, ok := logging.Lookup(ctx); ok {
		logger = l
	}
	if reqID := logging.RequestID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	return logger
}

// SelfTestReport is the outcome of SelfTest.
type SelfTestReport struct {
	Features       int     `json:"features"`
	EmptyRowRisk   float64 `json:"empty_row_risk"`
	ZeroVectorRisk float64 `json:"zero_vector_risk"`
	Coercions      int     `json:"coercions"`
}

// SelfTest runs an all-absent raw row and the all-zero vector through
// engineering, the contract and inference without touching the source.
func (p *Pipeline) SelfTest(ctx context.Context) (*SelfTestReport, error) {
	eng := features.Engineer(source.Row{})
	vec, rep, err := p.contract.ToVector(eng)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSelfTest, err)
	}
	zero := make(contract.Vector, p.contract.Width())

	proba, err := p.classifier.PredictProba(ctx, contract.Matrix{vec, zero})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSelfTest, err)
	}
	if len(proba) != 2 {
		return nil, fmt.Errorf("%w: got %d scores for 2 rows", ErrSelfTest, len(proba))
	}
	for _, v := range proba {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return nil, fmt.Errorf("%w: score %v outside [0,1]", ErrSelfTest, v)
		}
	}
	return &SelfTestReport{
		Features:       p.contract.Width(),
		EmptyRowRisk:   proba[0],
		ZeroVectorRisk: proba[1],
		Coercions:      len(rep.Coercions),
	}, nil
}
