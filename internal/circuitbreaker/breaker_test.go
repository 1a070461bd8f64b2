package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, open)
	b.now = clk.now
	return b, clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	assert.True(t, b.Allow("realtime"))
	b.RecordFailure("realtime")
	b.RecordFailure("realtime")
	assert.True(t, b.Allow("realtime"), "still closed below threshold")

	b.RecordFailure("realtime")
	assert.False(t, b.Allow("realtime"))
	assert.Equal(t, StateOpen, b.State("realtime"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)
	b.RecordFailure("batch")
	b.RecordFailure("batch")
	require.False(t, b.Allow("batch"))

	clk.advance(time.Minute)
	assert.True(t, b.Allow("batch"), "probe admitted after open duration")
	assert.Equal(t, StateHalfOpen, b.State("batch"))
	assert.False(t, b.Allow("batch"), "only one probe at a time")

	b.RecordSuccess("batch")
	assert.Equal(t, StateClosed, b.State("batch"))
	assert.True(t, b.Allow("batch"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)
	b.RecordFailure("batch")
	b.RecordFailure("batch")
	clk.advance(2 * time.Minute)
	require.True(t, b.Allow("batch"))

	b.RecordFailure("batch")
	assert.Equal(t, StateOpen, b.State("batch"))
	assert.False(t, b.Allow("batch"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	b.RecordFailure("realtime")
	b.RecordSuccess("realtime")
	b.RecordFailure("realtime")
	assert.Equal(t, StateClosed, b.State("realtime"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("realtime")
	assert.False(t, b.Allow("realtime"))
	assert.True(t, b.Allow("batch"))
	assert.Equal(t, map[string]State{"realtime": StateOpen}, b.Snapshot())
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	ignored := errors.New("client error")
	onlyTransport := func(err error) bool { return !errors.Is(err, ignored) }

	err := b.Execute("realtime", onlyTransport, func() error { return ignored })
	assert.ErrorIs(t, err, ignored)
	assert.Equal(t, StateClosed, b.State("realtime"), "non-failures never trip the circuit")

	calls := 0
	boom := errors.New("refused")
	assert.ErrorIs(t, b.Execute("realtime", onlyTransport, func() error { calls++; return boom }), boom)
	assert.ErrorIs(t, b.Execute("realtime", onlyTransport, func() error { calls++; return nil }), ErrOpen)
	assert.Equal(t, 1, calls)
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	var wg sync.WaitGroup
	wg.Add(1)
	var from, to State
	b.OnTransition(func(key string, f, tt State) {
		from, to = f, tt
		wg.Done()
	})
	b.RecordFailure("realtime")
	wg.Wait()
	assert.Equal(t, StateClosed, from)
	assert.Equal(t, StateOpen, to)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
