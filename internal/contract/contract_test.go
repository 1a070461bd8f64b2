package contract

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antifraudhub/antifraudhub/internal/features"
	"github.com/antifraudhub/antifraudhub/internal/source"
)

var testFeatures = []string{"n_sales", "device_type", "sales_freq", "os", "cross_high"}

func newTestContract(t *testing.T) *Contract {
	t.Helper()
	device, err := NewEncoder("device_type", []string{"desktop", "mobile", "tablet"})
	require.NoError(t, err)
	osEnc, err := NewEncoder("os", []string{"android", "ios", "windows"})
	require.NoError(t, err)
	c, err := New(testFeatures, []*Encoder{device, osEnc})
	require.NoError(t, err)
	return c
}

func TestNewEncoder_Validation(t *testing.T) {
	_, err := NewEncoder("os", nil)
	assert.Error(t, err)

	_, err = NewEncoder("os", []string{"ios", "android"})
	assert.Error(t, err, "unsorted classes are rejected")

	_, err = NewEncoder("os", []string{"ios", "ios"})
	assert.Error(t, err, "duplicates are rejected")

	_, err = NewEncoder("", []string{"a"})
	assert.Error(t, err)
}

func TestEncoder_FallbackIsIdempotent(t *testing.T) {
	enc, err := NewEncoder("device_type", []string{"desktop", "mobile"})
	require.NoError(t, err)

	code, sub := enc.Encode("mobile")
	assert.Equal(t, 1, code)
	assert.False(t, sub)

	first, sub1 := enc.Encode("smart-fridge")
	second, sub2 := enc.Encode("smart-fridge")
	assert.True(t, sub1)
	assert.True(t, sub2)
	assert.Equal(t, first, second)
	assert.Equal(t, 0, first)
	assert.Equal(t, "desktop", enc.Fallback())

	// Encoding never learns new classes.
	assert.Equal(t, []string{"desktop", "mobile"}, enc.Classes())

	nilCode, sub := enc.Encode(nil)
	assert.True(t, sub)
	assert.Equal(t, 0, nilCode)
}

func TestNew_RejectsBadFeatureLists(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	_, err = New([]string{"a", "a"}, nil)
	assert.Error(t, err)

	_, err = New([]string{"a", "user_email"}, nil)
	assert.Error(t, err)

	e1, _ := NewEncoder("os", []string{"a"})
	e2, _ := NewEncoder("os", []string{"b"})
	_, err = New([]string{"os"}, []*Encoder{e1, e2})
	assert.Error(t, err)
}

func TestToVector_OrderAndEncoding(t *testing.T) {
	c := newTestContract(t)

	row := features.Row{
		source.IdentityColumn:    "a@x.io",
		features.ColFirstRegDate: &time.Time{},
		"cross_high":             1.0,
		"n_sales":                int64(12),
		"device_type":            "tablet",
		"os":                     "ios",
		"sales_freq":             "2.5",
		"not_in_model":           "ignored",
	}

	vec, rep, err := c.ToVector(row)
	require.NoError(t, err)
	assert.Equal(t, Vector{12, 2, 2.5, 1, 1}, vec)
	assert.True(t, rep.Clean())
	assert.Len(t, vec, c.Width())
}

func TestToVector_PerCellTolerance(t *testing.T) {
	c := newTestContract(t)

	row := features.Row{
		"n_sales":     "garbage",
		"device_type": "vr-headset",
		"os":          nil,
		"sales_freq":  []int{1, 2},
	}

	vec, rep, err := c.ToVector(row)
	require.NoError(t, err, "dirty cells must never fail the row")
	assert.Equal(t, Vector{0, 0, 0, 0, 0}, vec)

	require.Len(t, rep.Coercions, 2)
	assert.Equal(t, map[string]int{"n_sales": 1, "sales_freq": 1}, rep.CoercionsByColumn())
	require.Len(t, rep.Substitutions, 2)
	assert.False(t, rep.Clean())
}

func TestToVector_MissingColumnsFillZero(t *testing.T) {
	c := newTestContract(t)

	vec, rep, err := c.ToVector(features.Row{source.IdentityColumn: "only@email.io"})
	require.NoError(t, err)
	assert.Equal(t, Vector{0, 0, 0, 0, 0}, vec)
	assert.True(t, rep.Clean())
}

func TestToVector_NilRowIsViolation(t *testing.T) {
	c := newTestContract(t)

	_, _, err := c.ToVector(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContractViolation))
}

func TestToMatrix_AbortsOnStructuralFailure(t *testing.T) {
	c := newTestContract(t)

	rows := []features.Row{
		{"n_sales": 1.0},
		nil,
		{"n_sales": 3.0},
	}
	m, _, err := c.ToMatrix(rows)
	require.Error(t, err)
	assert.Nil(t, m)

	var cv *ContractViolation
	require.True(t, errors.As(err, &cv))
	assert.Equal(t, 1, cv.Row)
}

func TestToMatrix_Empty(t *testing.T) {
	c := newTestContract(t)

	m, rep, err := c.ToMatrix(nil)
	require.NoError(t, err)
	assert.Empty(t, m)
	assert.Equal(t, 0, rep.Rows)
}

func TestCheckColumns(t *testing.T) {
	c := newTestContract(t)

	assert.NoError(t, c.CheckColumns(testFeatures))

	swapped := []string{"device_type", "n_sales", "sales_freq", "os", "cross_high"}
	err := c.CheckColumns(swapped)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "column 0")

	err = c.CheckColumns(testFeatures[:3])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContractViolation))
}

// Every engineered row, however sparse, yields a vector matching the list.
func TestToVector_TotalityOverEngineeredRows(t *testing.T) {
	c := newTestContract(t)

	raws := []source.Row{
		{},
		{source.IdentityColumn: "a@x.io"},
		{"n_sales": "x", "device_type": 42, "os": true},
		{"n_sales": 5, "n_active_days": 4, "cross_ratio": 0.9, "first_reg_date": "bad"},
	}
	for _, raw := range raws {
		vec, _, err := c.ToVector(features.Engineer(raw))
		require.NoError(t, err)
		assert.Len(t, vec, len(testFeatures))
	}
}

func TestFeatures_ReturnsCopy(t *testing.T) {
	c := newTestContract(t)
	fl := c.Features()
	fl[0] = "mutated"
	assert.Equal(t, "n_sales", c.Features()[0])
}
