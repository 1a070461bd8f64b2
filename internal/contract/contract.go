// Package contract turns engineered feature rows into model-ready vectors.
//
// Per-cell problems are repaired and reported (CoercionError inside a
// Report). A structural mismatch with the model's Feature List is returned as
// a *ContractViolation and aborts the row, or the whole batch in ToMatrix.
package contract

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/antifraudhub/antifraudhub/internal/features"
	"github.com/antifraudhub/antifraudhub/internal/source"
)

// Vector is one row aligned with the Feature List.
type Vector []float64

// Matrix is a batch of vectors.
type Matrix []Vector

// DroppedColumns are bookkeeping columns never fed to the model.
var DroppedColumns = []string{
	source.IdentityColumn,
	features.ColFirstRegDate,
	features.ColLastRegDate,
	features.ColMinSaleDate,
}

// ErrContractViolation matches any *ContractViolation via errors.Is.
var ErrContractViolation = errors.New("feature contract violation")

// ContractViolation reports that a row's final columns differ from the
// Feature List. It signals feature/model drift and is never retried.
type ContractViolation struct {
	Row      int
	Reason   string
	Expected []string
	Got      []string
}

func (e *ContractViolation) Error() string {
	if len(e.Expected) > 0 || len(e.Got) > 0 {
		return fmt.Sprintf("feature contract violation at row %d: %s (expected %d columns, got %d)",
			e.Row, e.Reason, len(e.Expected), len(e.Got))
	}
	return fmt.Sprintf("feature contract violation at row %d: %s", e.Row, e.Reason)
}

func (e *ContractViolation) Is(target error) bool { return target == ErrContractViolation }

// CoercionError records one cell that could not be read as a number and was
// replaced with 0. It is reported, never returned.
type CoercionError struct {
	Row    int
	Column string
	Value  string
}

func (e CoercionError) Error() string {
	return fmt.Sprintf("row %d column %s: cannot coerce %s to a number, using 0", e.Row, e.Column, e.Value)
}

// Substitution records an unseen categorical value replaced by the
// encoder's fallback class.
type Substitution struct {
	Row      int
	Column   string
	Value    string
	Fallback string
}

// Report collects the non-fatal repairs made while building vectors.
type Report struct {
	Rows          int
	Coercions     []CoercionError
	Substitutions []Substitution
}

// Clean reports whether no cell needed repair.
func (r *Report) Clean() bool {
	return len(r.Coercions) == 0 && len(r.Substitutions) == 0
}

// CoercionsByColumn counts coerced cells per column.
func (r *Report) CoercionsByColumn() map[string]int {
	out := make(map[string]int)
	for _, c := range r.Coercions {
		out[c.Column]++
	}
	return out
}

// Contract is the immutable mapping from engineered rows to the Feature List.
// It is safe for concurrent use.
type Contract struct {
	features []string
	encoders map[string]*Encoder
	drop     map[string]struct{}
}

// New builds a contract for an ordered Feature List and its categorical
// encoders.
func New(featureList []string, encoders []*Encoder) (*Contract, error) {
	if len(featureList) == 0 {
		return nil, errors.New("contract: empty feature list")
	}

	drop := make(map[string]struct{}, len(DroppedColumns))
	for _, c := range DroppedColumns {
		drop[c] = struct{}{}
	}

	seen := make(map[string]struct{}, len(featureList))
	for _, f := range featureList {
		if strings.TrimSpace(f) == "" {
			return nil, errors.New("contract: blank feature name")
		}
		if _, dup := seen[f]; dup {
			return nil, fmt.Errorf("contract: duplicate feature %q", f)
		}
		if _, dropped := drop[f]; dropped {
			return nil, fmt.Errorf("contract: feature %q is a bookkeeping column", f)
		}
		seen[f] = struct{}{}
	}

	encs := make(map[string]*Encoder, len(encoders))
	for _, e := range encoders {
		if _, dup := encs[e.Column()]; dup {
			return nil, fmt.Errorf("contract: duplicate encoder for %q", e.Column())
		}
		encs[e.Column()] = e
	}

	fl := make([]string, len(featureList))
	copy(fl, featureList)
	return &Contract{features: fl, encoders: encs, drop: drop}, nil
}

// Features returns a copy of the Feature List.
func (c *Contract) Features() []string {
	out := make([]string, len(c.features))
	copy(out, c.features)
	return out
}

// Width is the length of every vector.
func (c *Contract) Width() int { return len(c.features) }

// Encoder returns the encoder registered for column, if any.
func (c *Contract) Encoder(column string) (*Encoder, bool) {
	e, ok := c.encoders[column]
	return e, ok
}

// ToVector converts one row.
func (c *Contract) ToVector(row features.Row) (Vector, *Report, error) {
	rep := &Report{Rows: 1}
	v, err := c.vector(0, row, rep)
	if err != nil {
		return nil, rep, err
	}
	return v, rep, nil
}

// ToMatrix converts rows in order. The first structural failure aborts the
// whole batch; per-cell repairs never do.
func (c *Contract) ToMatrix(rows []features.Row) (Matrix, *Report, error) {
	rep := &Report{Rows: len(rows)}
	m := make(Matrix, 0, len(rows))
	for i, row := range rows {
		v, err := c.vector(i, row, rep)
		if err != nil {
			return nil, rep, err
		}
		m = append(m, v)
	}
	return m, rep, nil
}

// CheckColumns asserts cols equals the Feature List in identity and order.
func (c *Contract) CheckColumns(cols []string) error {
	if len(cols) != len(c.features) {
		return &ContractViolation{Reason: "column count differs from feature list", Expected: c.Features(), Got: cols}
	}
	for i := range cols {
		if cols[i] != c.features[i] {
			return &ContractViolation{
				Reason:   fmt.Sprintf("column %d is %q, feature list expects %q", i, cols[i], c.features[i]),
				Expected: c.Features(),
				Got:      cols,
			}
		}
	}
	return nil
}

func (c *Contract) vector(i int, row features.Row, rep *Report) (Vector, error) {
	if row == nil {
		return nil, &ContractViolation{Row: i, Reason: "missing row"}
	}

	cells := make(map[string]any, len(row))
	for k, v := range row {
		cells[k] = v
	}

	// 1. encode categoricals
	for col, enc := range c.encoders {
		v, ok := cells[col]
		if !ok {
			continue
		}
		code, substituted := enc.Encode(v)
		if substituted {
			rep.Substitutions = append(rep.Substitutions, Substitution{
				Row: i, Column: col, Value: categoryString(v), Fallback: enc.Fallback(),
			})
		}
		cells[col] = code
	}

	// 2. drop bookkeeping columns
	for col := range c.drop {
		delete(cells, col)
	}

	// 3. coerce to numbers and 4. reindex to the Feature List. Columns
	// outside the list are discarded by the reindex, so only listed
	// columns are coerced.
	vec := make(Vector, len(c.features))
	cols := make([]string, 0, len(c.features))
	for j, name := range c.features {
		cols = append(cols, name)
		v, present := cells[name]
		if !present || isNil(v) {
			continue
		}
		f, ok := features.ToFloat(v)
		if !ok {
			rep.Coercions = append(rep.Coercions, CoercionError{Row: i, Column: name, Value: describe(v)})
			continue
		}
		vec[j] = f
	}

	// 5. hard gate
	if err := c.CheckColumns(cols); err != nil {
		var cv *ContractViolation
		if errors.As(err, &cv) {
			cv.Row = i
		}
		return nil, err
	}
	if len(vec) != len(c.features) {
		return nil, &ContractViolation{Row: i, Reason: "vector width differs from feature list"}
	}
	return vec, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func describe(v any) string {
	s := fmt.Sprintf("%T(%v)", v, v)
	if len(s) > 64 {
		s = s[:61] + "..."
	}
	return s
}
