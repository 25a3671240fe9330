package trigger

import (
	"errors"
	"testing"
	"time"

	"github.com/thomasdunn15/trading-bot/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestPrice_SnapsAwayFromEntry(t *testing.T) {
	cases := []struct {
		name   string
		side   types.Side
		entry  float64
		offset float64
		want   float64
	}{
		{"long exact", types.SideBuy, 21000, 2.0, 21002.00},
		{"short exact", types.SideSell, 21000, 2.0, 20998.00},
		{"long rounds down below half", types.SideBuy, 21000, 0.1, 21000.00},
		{"long rounds up above half", types.SideBuy, 21000, 0.2, 21000.25},
		{"long tie goes away from entry", types.SideBuy, 21000, 0.125, 21000.25},
		{"short tie goes away from entry", types.SideSell, 21000, 0.125, 20999.75},
		{"short nearest", types.SideSell, 21000.25, 1.3, 20999.00},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Price(tc.side, tc.entry, tc.offset, 0.25), 1e-9)
		})
	}
}

func TestOffsetAndSnap(t *testing.T) {
	assert.InDelta(t, 2.0, Offset(4.0, 0.5), 1e-12)
	assert.InDelta(t, 0.3, Offset(0.1, 3), 1e-12)
	assert.InDelta(t, 21000.25, SnapToTick(21000.125, 0.25), 1e-9)
	assert.InDelta(t, 21000.00, SnapToTick(21000.1, 0.25), 1e-9)
	assert.InDelta(t, 4321.5, SnapToTick(4321.5, 0), 1e-9)
}

func TestTrailLevel(t *testing.T) {
	assert.InDelta(t, 21000.50, TrailLevel(types.SideBuy, 21002.25, 2.0, 0.25), 1e-9)
	assert.InDelta(t, 20999.50, TrailLevel(types.SideSell, 20997.75, 2.0, 0.25), 1e-9)
	// offsets tighter than two ticks still leave a one tick trail
	assert.InDelta(t, 21002.00, TrailLevel(types.SideBuy, 21002.25, 0.25, 0.25), 1e-9)
}

func armed(side types.Side, trig float64) types.PositionView {
	return types.PositionView{
		Instrument:   "MNQZ5",
		LifecycleID:  "life-1",
		State:        types.StateArmed,
		Side:         side,
		Qty:          2,
		EntryPrice:   21000,
		TriggerPrice: ptr(trig),
	}
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2025, 10, 15, 14, 0, 0, 0, time.UTC)

	t.Run("long fires at or above trigger", func(t *testing.T) {
		pos := armed(types.SideBuy, 21002.00)
		_, fired := Evaluate(pos, Tick{Instrument: "MNQZ5", Price: 21001.75, At: now})
		assert.False(t, fired)

		hit, fired := Evaluate(pos, Tick{Instrument: "MNQZ5", Price: 21002.25, At: now})
		require.True(t, fired)
		assert.Equal(t, "life-1", hit.LifecycleID)
		assert.Equal(t, 21002.25, hit.Price)
		assert.Equal(t, 21002.00, hit.TriggerPrice)

		_, fired = Evaluate(pos, Tick{Instrument: "MNQZ5", Price: 21002.00, At: now})
		assert.True(t, fired)
	})

	t.Run("short fires at or below trigger", func(t *testing.T) {
		pos := armed(types.SideSell, 20998.00)
		_, fired := Evaluate(pos, Tick{Instrument: "MNQZ5", Price: 20998.25})
		assert.False(t, fired)
		_, fired = Evaluate(pos, Tick{Instrument: "MNQZ5", Price: 20997.5})
		assert.True(t, fired)
	})

	t.Run("ignored outside armed state", func(t *testing.T) {
		for _, st := range []types.PositionState{types.StateFlat, types.StateEntryPending, types.StateTrailing, types.StateExitPending} {
			pos := armed(types.SideBuy, 21002.00)
			pos.State = st
			_, fired := Evaluate(pos, Tick{Instrument: "MNQZ5", Price: 21010})
			assert.False(t, fired, st)
		}
	})

	t.Run("other instrument", func(t *testing.T) {
		_, fired := Evaluate(armed(types.SideBuy, 21002.00), Tick{Instrument: "ESZ5", Price: 22000})
		assert.False(t, fired)
	})

	t.Run("no trigger price", func(t *testing.T) {
		pos := armed(types.SideBuy, 0)
		pos.TriggerPrice = nil
		_, fired := Evaluate(pos, Tick{Instrument: "MNQZ5", Price: 22000})
		assert.False(t, fired)
	})
}

type fakeReader map[string]types.PositionView

func (f fakeReader) PositionView(instrument string) (types.PositionView, bool) {
	v, ok := f[instrument]
	return v, ok
}

type recordingSink struct {
	hits []TriggerHit
	err  error
}

func (r *recordingSink) SubmitTrigger(hit TriggerHit) error {
	r.hits = append(r.hits, hit)
	return r.err
}

func TestEvaluator_OnTick(t *testing.T) {
	reader := fakeReader{"MNQZ5": armed(types.SideBuy, 21002.00)}
	sink := &recordingSink{}
	ev := NewEvaluator(reader, sink)

	ev.OnTick("MNQZ5", 21001.00, time.Now())
	ev.OnTick("ESZ5", 99999, time.Now())
	assert.Empty(t, sink.hits)

	ev.OnTick("MNQZ5", 21002.25, time.Now())
	require.Len(t, sink.hits, 1)
	assert.Equal(t, "MNQZ5", sink.hits[0].Instrument)

	sink.err = errors.New("stopped")
	assert.NotPanics(t, func() { ev.OnTick("MNQZ5", 21003, time.Now()) })
}
