// Package decision maps a fraud risk score to one of three zones.
//
// The policy is a pure function of the score and two configured thresholds.
// BLOCK is evaluated before REVIEW, so a score sitting exactly on a boundary
// belongs to the higher zone.
package decision

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Decision is the verdict for a scored user.
type Decision string

const (
	Allow  Decision = "ALLOW"
	Review Decision = "REVIEW"
	Block  Decision = "BLOCK"
)

// Default thresholds for the three-zone policy.
const (
	DefaultReviewThreshold = 0.134
	DefaultBlockThreshold  = 0.70
)

// ErrInvalidThresholds is wrapped by Thresholds.Validate failures.
var ErrInvalidThresholds = errors.New("invalid decision thresholds")

// Thresholds holds the configured zone boundaries.
type Thresholds struct {
	Review float64 `json:"review"`
	Block  float64 `json:"block"`
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Review: DefaultReviewThreshold, Block: DefaultBlockThreshold}
}

// Validate enforces 0 <= Review <= Block <= 1.
func (t Thresholds) Validate() error {
	if math.IsNaN(t.Review) || math.IsNaN(t.Block) {
		return fmt.Errorf("%w: thresholds must be numbers", ErrInvalidThresholds)
	}
	if t.Review < 0 || t.Block > 1 {
		return fmt.Errorf("%w: thresholds must lie in [0,1] (review=%g block=%g)", ErrInvalidThresholds, t.Review, t.Block)
	}
	if t.Review > t.Block {
		return fmt.Errorf("%w: review threshold %g exceeds block threshold %g", ErrInvalidThresholds, t.Review, t.Block)
	}
	return nil
}

// Decide returns the zone for risk.
func Decide(risk float64, t Thresholds) Decision {
	if risk >= t.Block {
		return Block
	}
	if risk >= t.Review {
		return Review
	}
	return Allow
}

// Rank orders decisions ALLOW < REVIEW < BLOCK. Unknown values rank -1.
func (d Decision) Rank() int {
	switch d {
	case Allow:
		return 0
	case Review:
		return 1
	case Block:
		return 2
	default:
		return -1
	}
}

// Valid reports whether d is one of the three zones.
func (d Decision) Valid() bool { return d.Rank() >= 0 }

func (d Decision) String() string { return string(d) }

// Parse accepts a zone label in any case.
func Parse(s string) (Decision, error) {
	d := Decision(strings.ToUpper(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("unknown decision %q (want ALLOW, REVIEW or BLOCK)", s)
	}
	return d, nil
}

// Filter is a set of decisions to keep. An empty filter keeps everything.
type Filter map[Decision]struct{}

// ParseFilter builds a Filter from repeated query values such as
// ?decision=REVIEW&decision=BLOCK.
func ParseFilter(values []string) (Filter, error) {
	f := make(Filter, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			d, err := Parse(part)
			if err != nil {
				return nil, err
			}
			f[d] = struct{}{}
		}
	}
	return f, nil
}

// Match reports whether d passes the filter.
func (f Filter) Match(d Decision) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[d]
	return ok
}
