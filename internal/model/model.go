// Package model loads the trained fraud classifier and runs inference.
//
// A Model is immutable after Load and safe for concurrent use without locks.
// It returns probabilities only; thresholding belongs to the decision package.
package model

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/antifraudhub/antifraudhub/internal/contract"
)

// Classifier returns the positive-class probability for each row.
type Classifier interface {
	PredictProba(ctx context.Context, x contract.Matrix) ([]float64, error)
}

// scorer computes the log-odds margin of one vector.
type scorer interface {
	margin(v contract.Vector) float64
}

// Model is a loaded artifact: its feature contract plus a classifier.
type Model struct {
	name          string
	kind          string
	trainedAt     *time.Time
	bestThreshold *float64
	contract      *contract.Contract
	scorer        scorer
}

// Load reads, validates and builds the artifact at path.
func Load(path string) (*Model, error) {
	a, err := ReadArtifact(path)
	if err != nil {
		return nil, err
	}
	m, err := New(a)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse builds a model from artifact JSON.
func Parse(data []byte) (*Model, error) {
	a, err := DecodeArtifact(data)
	if err != nil {
		return nil, err
	}
	return New(a)
}

// New builds a model from a decoded artifact.
func New(a *Artifact) (*Model, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	cols := make([]string, 0, len(a.Encoders))
	for col := range a.Encoders {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	encoders := make([]*contract.Encoder, 0, len(cols))
	for _, col := range cols {
		enc, err := contract.NewEncoder(col, a.Encoders[col])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
		}
		encoders = append(encoders, enc)
	}

	c, err := contract.New(a.Features, encoders)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}

	m := &Model{
		name:          a.Name,
		kind:          a.Classifier.Type,
		trainedAt:     a.TrainedAt,
		bestThreshold: a.BestThreshold,
		contract:      c,
	}
	switch a.Classifier.Type {
	case KindLogistic:
		m.scorer = newLogistic(a.Classifier)
	case KindGBDT:
		m.scorer = newEnsemble(a.Classifier, a.Features)
	}
	return m, nil
}

// Name is the artifact's name.
func (m *Model) Name() string { return m.name }

// Kind is the classifier type.
func (m *Model) Kind() string { return m.kind }

// TrainedAt is when the artifact was trained, if recorded.
func (m *Model) TrainedAt() *time.Time { return m.trainedAt }

// BestThreshold is the threshold chosen at training time, if recorded. It is
// informational; the decision thresholds come from configuration.
func (m *Model) BestThreshold() (float64, bool) {
	if m.bestThreshold == nil {
		return 0, false
	}
	return *m.bestThreshold, true
}

// Contract is the feature contract built from the artifact.
func (m *Model) Contract() *contract.Contract { return m.contract }

// PredictProba scores every row. A row whose width differs from the Feature
// List is a contract violation.
func (m *Model) PredictProba(ctx context.Context, x contract.Matrix) ([]float64, error) {
	width := m.contract.Width()
	out := make([]float64, len(x))
	for i, v := range x {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(v) != width {
			return nil, &contract.ContractViolation{
				Row:    i,
				Reason: fmt.Sprintf("vector has %d values, model expects %d", len(v), width),
			}
		}
		out[i] = sigmoid(m.scorer.margin(v))
	}
	return out, nil
}

// sigmoid avoids overflow for large negative margins.
func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

type logistic struct {
	intercept float64
	weights   []float64
}

func newLogistic(spec ClassifierSpec) *logistic {
	w := make([]float64, len(spec.Coefficients))
	copy(w, spec.Coefficients)
	return &logistic{intercept: spec.Intercept, weights: w}
}

func (l *logistic) margin(v contract.Vector) float64 {
	z := l.intercept
	for i, w := range l.weights {
		z += w * v[i]
	}
	return z
}

type node struct {
	feature     int
	threshold   float64
	left, right int
	missingLeft bool
	leaf        bool
	value       float64
}

type ensemble struct {
	base  float64
	rate  float64
	trees [][]node
}

func newEnsemble(spec ClassifierSpec, featureList []string) *ensemble {
	index := make(map[string]int, len(featureList))
	for i, f := range featureList {
		index[f] = i
	}
	trees := make([][]node, len(spec.Trees))
	for ti, t := range spec.Trees {
		nodes := make([]node, len(t.Nodes))
		for i, n := range t.Nodes {
			if n.Leaf != nil {
				nodes[i] = node{leaf: true, value: *n.Leaf}
				continue
			}
			nodes[i] = node{
				feature:     index[n.Feature],
				threshold:   n.Threshold,
				left:        n.Left,
				right:       n.Right,
				missingLeft: n.MissingLeft,
			}
		}
		trees[ti] = nodes
	}
	return &ensemble{base: spec.BaseScore, rate: spec.LearningRate, trees: trees}
}

func (e *ensemble) margin(v contract.Vector) float64 {
	var sum float64
	for _, nodes := range e.trees {
		i := 0
		for !nodes[i].leaf {
			n := nodes[i]
			x := v[n.feature]
			switch {
			case math.IsNaN(x):
				if n.missingLeft {
					i = n.left
				} else {
					i = n.right
				}
			case x < n.threshold:
				i = n.left
			default:
				i = n.right
			}
		}
		sum += nodes[i].value
	}
	return e.base + e.rate*sum
}
