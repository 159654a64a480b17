package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []LogEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []LogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e LogEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, sc.Err())
	return entries
}

func TestAuditLogger_Record(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	logger, err := NewAuditLogger(path, 0, 0)
	require.NoError(t, err)
	defer logger.Close()

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, logger.Record(Event{
		Type:      EventFileFailed,
		Timestamp: ts,
		Data: map[string]any{
			"file_id": "IN-abc",
			"folder":  "IN",
			"kind":    "ABORT",
		},
	}))
	require.NoError(t, logger.Record(Event{Type: EventFileSeen, Timestamp: ts, Data: map[string]any{"file_id": "IN-def"}}))

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "file_failed", entries[0].EventType)
	assert.Equal(t, "IN-abc", entries[0].FileID)
	assert.Equal(t, "IN", entries[0].Folder)
	assert.Equal(t, "ABORT", entries[0].Details["kind"])
	assert.True(t, entries[0].Timestamp.Equal(ts))
	assert.Nil(t, entries[1].Details)
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	logger, err := NewAuditLogger(path, 0, 0)
	require.NoError(t, err)
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = logger.WriteEntry(&LogEntry{EventType: "state_changed", Details: map[string]any{"worker": i, "n": j}})
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, readEntries(t, path), 200)
}

func TestAuditLogger_Rotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	logger, err := NewAuditLogger(path, 1, 3)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.WriteEntry(&LogEntry{EventType: "before"}))
	require.NoError(t, logger.Rotate())
	require.NoError(t, logger.WriteEntry(&LogEntry{EventType: "after"}))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "after", entries[0].EventType)
}

func TestAuditLogger_Checksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	logger, err := NewAuditLogger(path, 0, 0)
	require.NoError(t, err)

	logger.EnableChecksum(true)
	for i := 0; i < 3; i++ {
		require.NoError(t, logger.WriteEntry(&LogEntry{EventType: "file_finished", FileID: "IN-1"}))
	}
	require.NoError(t, logger.Close())

	// Tamper with the last line.
	entries := readEntries(t, path)
	require.Len(t, entries, 3)
	entries[2].FileID = "IN-2"
	f, err := os.Create(path)
	require.NoError(t, err)
	for _, e := range entries {
		b, _ := json.Marshal(e)
		_, _ = f.Write(append(b, '\n'))
	}
	_, _ = f.WriteString("not json\n")
	require.NoError(t, f.Close())

	total, valid, err := VerifyLogIntegrity(path)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, valid)
}
