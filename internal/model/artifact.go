package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"
)

// SchemaVersion is the only artifact layout this build understands.
const SchemaVersion = 1

// Classifier kinds.
const (
	KindLogistic = "logistic"
	KindGBDT     = "gbdt"
)

// ErrInvalidArtifact is wrapped by every artifact validation failure.
var ErrInvalidArtifact = errors.New("invalid model artifact")

// Artifact is the versioned bundle produced by training: the ordered Feature
// List, the categorical encoders and the classifier parameters.
type Artifact struct {
	SchemaVersion int                 `json:"schema_version"`
	Name          string              `json:"name"`
	TrainedAt     *time.Time          `json:"trained_at,omitempty"`
	Features      []string            `json:"features"`
	BestThreshold *float64            `json:"best_threshold,omitempty"`
	Encoders      map[string][]string `json:"encoders"`
	Classifier    ClassifierSpec      `json:"classifier"`
}

// ClassifierSpec holds the parameters of either classifier kind.
//
// For "logistic", Coefficients align with the Feature List. For "gbdt",
// BaseScore and leaf values are in log-odds space and the margin is
// BaseScore + LearningRate * sum(leaves).
type ClassifierSpec struct {
	Type         string     `json:"type"`
	Intercept    float64    `json:"intercept,omitempty"`
	Coefficients []float64  `json:"coefficients,omitempty"`
	BaseScore    float64    `json:"base_score,omitempty"`
	LearningRate float64    `json:"learning_rate,omitempty"`
	Trees        []TreeSpec `json:"trees,omitempty"`
}

// TreeSpec is one regression tree stored as a flat node array; node 0 is the root.
type TreeSpec struct {
	Nodes []NodeSpec `json:"nodes"`
}

// NodeSpec is a split node, or a leaf when Leaf is set. Rows go left when
// value < Threshold; NaN goes left only when MissingLeft is set.
type NodeSpec struct {
	Feature     string   `json:"feature,omitempty"`
	Threshold   float64  `json:"threshold,omitempty"`
	Left        int      `json:"left,omitempty"`
	Right       int      `json:"right,omitempty"`
	MissingLeft bool     `json:"missing_left,omitempty"`
	Leaf        *float64 `json:"leaf,omitempty"`
}

// ReadArtifact reads and decodes an artifact file without validating it.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	return DecodeArtifact(data)
}

// DecodeArtifact decodes artifact JSON. Unknown fields are rejected so that a
// newer artifact layout fails loudly instead of loading partially.
func DecodeArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidArtifact, err)
	}
	return &a, nil
}

// Validate checks the artifact's internal consistency.
func (a *Artifact) Validate() error {
	if a.SchemaVersion != SchemaVersion {
		return invalid("schema_version %d, want %d", a.SchemaVersion, SchemaVersion)
	}
	if len(a.Features) == 0 {
		return invalid("empty feature list")
	}
	index := make(map[string]int, len(a.Features))
	for i, f := range a.Features {
		if _, dup := index[f]; dup {
			return invalid("duplicate feature %q", f)
		}
		index[f] = i
	}
	if a.BestThreshold != nil {
		t := *a.BestThreshold
		if math.IsNaN(t) || t < 0 || t > 1 {
			return invalid("best_threshold %v outside [0,1]", t)
		}
	}
	for col, classes := range a.Encoders {
		if _, ok := index[col]; !ok {
			return invalid("encoder for %q which is not in the feature list", col)
		}
		if len(classes) == 0 {
			return invalid("encoder for %q has no classes", col)
		}
	}

	c := a.Classifier
	switch c.Type {
	case KindLogistic:
		if len(c.Coefficients) != len(a.Features) {
			return invalid("%d coefficients for %d features", len(c.Coefficients), len(a.Features))
		}
		for i, w := range append([]float64{c.Intercept}, c.Coefficients...) {
			if !finite(w) {
				return invalid("non-finite logistic parameter at %d", i)
			}
		}
	case KindGBDT:
		if len(c.Trees) == 0 {
			return invalid("gbdt without trees")
		}
		if !finite(c.BaseScore) || !finite(c.LearningRate) || c.LearningRate <= 0 {
			return invalid("gbdt base_score/learning_rate must be finite with learning_rate > 0")
		}
		for ti, tree := range c.Trees {
			if err := validateTree(ti, tree, index); err != nil {
				return err
			}
		}
	default:
		return invalid("unknown classifier type %q", c.Type)
	}
	return nil
}

// Children must come after their parent, which rules out cycles.
func validateTree(ti int, tree TreeSpec, index map[string]int) error {
	n := len(tree.Nodes)
	if n == 0 {
		return invalid("tree %d has no nodes", ti)
	}
	for i, node := range tree.Nodes {
		if node.Leaf != nil {
			if !finite(*node.Leaf) {
				return invalid("tree %d node %d: non-finite leaf", ti, i)
			}
			continue
		}
		if _, ok := index[node.Feature]; !ok {
			return invalid("tree %d node %d: unknown feature %q", ti, i, node.Feature)
		}
		if !finite(node.Threshold) {
			return invalid("tree %d node %d: non-finite threshold", ti, i)
		}
		for _, child := range []int{node.Left, node.Right} {
			if child <= i || child >= n {
				return invalid("tree %d node %d: child index %d out of range", ti, i, child)
			}
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArtifact, fmt.Sprintf(format, args...))
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
