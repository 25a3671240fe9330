package trader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileEventStoreKeepsNewest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "events.jsonl")
	store, err := NewFileEventStore(path)
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 7; i++ {
		require.NoError(t, store.Append(EventEnvelope{
			ID:         fmt.Sprintf("evt-%d", i),
			Type:       EvtCommand,
			Payload:    json.RawMessage(`{}`),
			CreatedAt:  time.Unix(int64(i), 0).UTC(),
			Instrument: testInstrument,
			ReplyCh:    make(chan error, 1),
		}))
	}

	events, err := store.Recent(3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"evt-4", "evt-5", "evt-6"}, []string{events[0].ID, events[1].ID, events[2].ID})
	assert.Nil(t, events[0].ReplyCh)

	all, err := store.Recent(0)
	require.NoError(t, err)
	assert.Len(t, all, 7)
}

func TestFileEventStoreSkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	store, err := NewFileEventStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Append(EventEnvelope{ID: "ok", Type: EvtTriggerHit, Payload: json.RawMessage(`{}`)}))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"torn","type":`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].ID)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
	assert.Error(t, store.Append(EventEnvelope{ID: "late"}))
}
