package supervisor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(msg string) LogEntry {
	return LogEntry{Timestamp: time.Now(), Level: "info", Source: "test", Message: msg}
}

func TestLogRingAppendAndTrim(t *testing.T) {
	ring := NewLogRing(3)

	for i := 0; i < 5; i++ {
		ring.Append(entry(fmt.Sprintf("m%d", i)))
	}

	snapshot := ring.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "m2", snapshot[0].Message)
	assert.Equal(t, "m4", snapshot[2].Message)
	assert.Equal(t, 3, ring.Len())
}

func TestLogRingSnapshotIsACopy(t *testing.T) {
	ring := NewLogRing(10)
	ring.Append(entry("original"))

	snapshot := ring.Snapshot()
	snapshot[0].Message = "mutated"

	assert.Equal(t, "original", ring.Snapshot()[0].Message)
}

func TestLogRingSnapshotFromDeltas(t *testing.T) {
	ring := NewLogRing(10)
	ring.Append(entry("a"))
	ring.Append(entry("b"))

	entries, cursor := ring.SnapshotFrom(0)
	require.Len(t, entries, 2)

	// No new entries: empty delta, stable cursor
	entries, cursor2 := ring.SnapshotFrom(cursor)
	assert.Empty(t, entries)
	assert.Equal(t, cursor, cursor2)

	ring.Append(entry("c"))
	entries, cursor3 := ring.SnapshotFrom(cursor2)
	require.Len(t, entries, 1)
	assert.Equal(t, "c", entries[0].Message)
	assert.Greater(t, cursor3, cursor2)
}

func TestLogRingSnapshotFromAfterEviction(t *testing.T) {
	ring := NewLogRing(2)
	_, cursor := ring.SnapshotFrom(0)

	// Three appends, capacity two: the oldest delta entry is gone
	ring.Append(entry("a"))
	ring.Append(entry("b"))
	ring.Append(entry("c"))

	entries, _ := ring.SnapshotFrom(cursor)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Message)
	assert.Equal(t, "c", entries[1].Message)
}
