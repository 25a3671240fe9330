package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat("text")
	t.Cleanup(func() { SetLevel("info") })

	SetLevel("warn")
	Infof("hidden %d", 1)
	Warnf("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat("json")
	t.Cleanup(func() { SetFormat("text") })
	SetLevel("debug")
	t.Cleanup(func() { SetLevel("info") })

	With("instrument", "MNQZ5").Info("armed")

	line := strings.TrimSpace(buf.String())
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "armed", rec["msg"])
	assert.Equal(t, "MNQZ5", rec["instrument"])
}
