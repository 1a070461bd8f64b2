// Package source supplies raw per-user aggregates to the scoring pipeline.
//
// A Row is one flat mapping of named scalars (counts, amounts, ratios,
// categorical strings, dates) for exactly one identity, keyed by the
// normalized email under IdentityColumn.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// IdentityColumn holds the normalized user email in every Row.
const IdentityColumn = "user_email"

// Row is one user's raw aggregates. Rows handed out by a Source belong to the
// caller; stages copy before deriving new columns.
type Row map[string]any

// Identity returns the row's normalized identity.
func (r Row) Identity() string {
	s, _ := r[IdentityColumn].(string)
	return NormalizeIdentity(s)
}

// Clone returns a shallow copy. Values are scalars so a shallow copy is a
// full copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// NormalizeIdentity lower-cases and trims an email.
func NormalizeIdentity(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Windows parameterizes a batch fetch. Active decides who is scored; Feature
// is the (usually longer) horizon their history is aggregated over.
type Windows struct {
	ActiveDays  int `json:"active_days"`
	FeatureDays int `json:"feature_days"`
}

// Validate rejects non-positive windows.
func (w Windows) Validate() error {
	if w.ActiveDays <= 0 || w.FeatureDays <= 0 {
		return fmt.Errorf("windows must be positive (active=%d feature=%d)", w.ActiveDays, w.FeatureDays)
	}
	return nil
}

// ErrEmptyIdentity is returned by FetchOne for a blank identity.
var ErrEmptyIdentity = errors.New("empty identity")

// Source is the analytical store contract the pipeline consumes.
type Source interface {
	// FetchBatch returns one row per user active within w.ActiveDays,
	// aggregated over w.FeatureDays. An empty result is not an error.
	FetchBatch(ctx context.Context, w Windows) ([]Row, error)

	// FetchOne returns the row for a normalized identity aggregated over
	// featureDays, or ok=false when the identity has no recent activity.
	FetchOne(ctx context.Context, identity string, featureDays int) (row Row, ok bool, err error)

	// Ping checks connectivity for readiness probes.
	Ping(ctx context.Context) error
}
