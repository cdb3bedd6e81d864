package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestTrackerAddAndRemove(t *testing.T) {
	tracker := NewCacheTracker(1000)
	dir := t.TempDir()

	a := writeTempFile(t, dir, "a", 100)
	tracker.Add(a, 100)

	assert.True(t, tracker.Contains(a))
	assert.Equal(t, int64(100), tracker.CurrentSize())

	// Re-adding the same path replaces the size instead of double counting
	tracker.Add(a, 150)
	assert.Equal(t, int64(150), tracker.CurrentSize())

	tracker.Remove(a)
	assert.False(t, tracker.Contains(a))
	assert.Equal(t, int64(0), tracker.CurrentSize())
}

func TestTrackerEvictsLeastRecentlyUsedToLowWater(t *testing.T) {
	tracker := NewCacheTracker(1000)
	dir := t.TempDir()

	a := writeTempFile(t, dir, "a", 400)
	b := writeTempFile(t, dir, "b", 500)
	c := writeTempFile(t, dir, "c", 300)

	tracker.Add(a, 400)
	time.Sleep(5 * time.Millisecond)
	tracker.Add(b, 500)
	time.Sleep(5 * time.Millisecond)

	// Adding c pushes the total to 1200 > 1000; eviction must drop the
	// oldest entry (a) to reach the 800-byte low-water mark.
	tracker.Add(c, 300)

	assert.False(t, tracker.Contains(a))
	assert.True(t, tracker.Contains(b))
	assert.True(t, tracker.Contains(c))
	assert.Equal(t, int64(800), tracker.CurrentSize())

	_, err := os.Stat(a)
	assert.True(t, os.IsNotExist(err))
}

func TestTrackerTouchProtectsFromEviction(t *testing.T) {
	tracker := NewCacheTracker(1000)
	dir := t.TempDir()

	a := writeTempFile(t, dir, "a", 400)
	b := writeTempFile(t, dir, "b", 500)

	tracker.Add(a, 400)
	time.Sleep(5 * time.Millisecond)
	tracker.Add(b, 500)
	time.Sleep(5 * time.Millisecond)

	// a becomes the most recently used; b is the eviction candidate now
	tracker.Touch(a)

	c := writeTempFile(t, dir, "c", 300)
	tracker.Add(c, 300)

	assert.True(t, tracker.Contains(a))
	assert.False(t, tracker.Contains(b))
	assert.True(t, tracker.Contains(c))
}

func TestTrackerScanPicksUpExistingFiles(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "x", 10)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	writeTempFile(t, filepath.Join(dir, "sub"), "y", 20)

	tracker := NewCacheTracker(1000)
	tracker.Scan(dir)

	assert.Equal(t, int64(30), tracker.CurrentSize())
	assert.True(t, tracker.Contains(filepath.Join(dir, "x")))
	assert.True(t, tracker.Contains(filepath.Join(dir, "sub", "y")))
}

func TestTrackerScanMissingDirectory(t *testing.T) {
	tracker := NewCacheTracker(1000)
	tracker.Scan(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Equal(t, int64(0), tracker.CurrentSize())
}
