package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomasdunn15/trading-bot/internal/gateway/exchange"
	"github.com/thomasdunn15/trading-bot/internal/trader"
	"github.com/thomasdunn15/trading-bot/internal/types"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "positions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func armedPosition() *trader.Position {
	trig := 21002.0
	return &trader.Position{
		Instrument:    "MNQZ5",
		LifecycleID:   "life-1",
		State:         types.StateArmed,
		Side:          types.SideBuy,
		Qty:           2,
		EntryPrice:    21000,
		TickSize:      0.25,
		TriggerOffset: 2,
		TriggerPrice:  &trig,
		Entry: &trader.OrderRef{
			Tag:     "entry-1",
			OrderID: "1001",
			Status:  trader.RefFilled,
			Request: exchange.OrderRequest{Tag: "entry-1", Instrument: "MNQZ5", Purpose: exchange.PurposeEntry, Type: exchange.OrderLimit, Side: types.SideBuy, Qty: 2, Price: 21000},
		},
		UpdatedAt: time.Date(2025, 10, 15, 14, 0, 0, 0, time.UTC),
	}
}

func TestSaveAndListRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pos := armedPosition()
	require.NoError(t, s.SavePosition(ctx, pos))

	got, err := s.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pos.View(), got[0].View())
	require.NotNil(t, got[0].Entry)
	assert.Equal(t, "1001", got[0].Entry.OrderID)
	assert.Equal(t, exchange.OrderLimit, got[0].Entry.Request.Type)
}

func TestSaveUpsertsByInstrument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pos := armedPosition()
	require.NoError(t, s.SavePosition(ctx, pos))

	pos.State = types.StateTrailing
	pos.TriggerPrice = nil
	require.NoError(t, s.SavePosition(ctx, pos))

	got, err := s.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.StateTrailing, got[0].State)
	assert.Nil(t, got[0].TriggerPrice)
}

func TestDeletePosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SavePosition(ctx, armedPosition()))
	other := armedPosition()
	other.Instrument = "MESZ5"
	require.NoError(t, s.SavePosition(ctx, other))

	require.NoError(t, s.DeletePosition(ctx, "MNQZ5"))
	require.NoError(t, s.DeletePosition(ctx, "NOPE"))

	got, err := s.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "MESZ5", got[0].Instrument)
}

func TestReopenKeepsPositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "positions.db")
	s, err := NewGormStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SavePosition(context.Background(), armedPosition()))
	require.NoError(t, s.Close())

	s, err = NewGormStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.ListPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestNewGormStoreRejectsEmptyPath(t *testing.T) {
	_, err := NewGormStore("  ")
	assert.Error(t, err)
}
