package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, WarnLevel)

	log.Debug("d")
	log.Info("i")
	log.Warn("w")
	log.Error("e")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	require.Equal(t, "WARN", entries[0]["level"])
	require.Equal(t, "ERROR", entries[1]["level"])
}

func TestFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, DebugLevel)

	log.Info("posted",
		String("task", "abc"),
		Int("recipients", 3),
		Bool("stream", true),
		Duration("wait", 2*time.Second),
	)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	require.Equal(t, "abc", entries[0]["task"])
	require.EqualValues(t, 3, entries[0]["recipients"])
	require.Equal(t, true, entries[0]["stream"])
	require.Equal(t, "2s", entries[0]["wait"])
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, InfoLevel)
	child := log.WithFields(String("component", "exchange"))

	child.Info("swept")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	require.Equal(t, "exchange", entries[0]["component"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, DebugLevel, ParseLevel("debug"))
	require.Equal(t, WarnLevel, ParseLevel(" WARN "))
	require.Equal(t, InfoLevel, ParseLevel("nonsense"))
}

func TestFatalUsesExitHook(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, InfoLevel)
	code := -1
	log.exit = func(c int) { code = c }

	log.Fatal("boom", Err(nil))
	require.Equal(t, 1, code)
	entries := decodeLines(t, &buf)
	require.Equal(t, "FATAL", entries[0]["level"])
}
