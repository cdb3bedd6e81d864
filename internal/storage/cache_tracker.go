package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xpod/fabric/internal/monitoring"
	"github.com/xpod/fabric/pkg/logger"
)

// evictionLowWater is the fraction of maxSize eviction shrinks the cache to.
// The gap below maxSize keeps a single hot entry from causing churn.
const evictionLowWater = 0.8

type cacheEntry struct {
	size       int64
	lastAccess time.Time
}

// CacheTracker keeps the in-memory LRU accounting for the local cache
// directory. All mutations happen inside short critical sections with no
// suspension, so eviction cannot race with size accounting. The invariant
// after every mutating call: sum of entry sizes == currentSize <= maxSize.
type CacheTracker struct {
	mu          sync.Mutex
	entries     map[string]*cacheEntry
	currentSize int64
	maxSize     int64
}

// NewCacheTracker creates a tracker with the given size budget
func NewCacheTracker(maxSize int64) *CacheTracker {
	return &CacheTracker{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
	}
}

// Scan populates the tracker from files already present in the cache
// directory (cold start). Per-file errors are skipped. The file mtime stands
// in for the last access time; atime is not reliable across mount options.
func (t *CacheTracker) Scan(cacheDir string) {
	count := 0
	_ = filepath.WalkDir(cacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		t.mu.Lock()
		t.entries[path] = &cacheEntry{size: info.Size(), lastAccess: info.ModTime()}
		t.currentSize += info.Size()
		t.mu.Unlock()
		count++
		return nil
	})

	t.mu.Lock()
	size := t.currentSize
	t.mu.Unlock()
	monitoring.CacheSizeBytes.Set(float64(size))

	if count > 0 {
		logger.Info("Cache tracker initialized from disk", map[string]interface{}{
			"files": count,
			"size":  FormatBytes(size),
		})
	}
}

// Add registers a freshly written cache file and runs eviction if the
// budget is exceeded
func (t *CacheTracker) Add(path string, size int64) {
	t.mu.Lock()
	if existing, ok := t.entries[path]; ok {
		t.currentSize -= existing.size
	}
	t.entries[path] = &cacheEntry{size: size, lastAccess: time.Now()}
	t.currentSize += size
	t.mu.Unlock()

	t.evict()
	t.mu.Lock()
	monitoring.CacheSizeBytes.Set(float64(t.currentSize))
	t.mu.Unlock()
}

// Touch refreshes the last access time of a tracked file
func (t *CacheTracker) Touch(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[path]; ok {
		entry.lastAccess = time.Now()
	}
}

// Remove untracks a file (the caller deletes it)
func (t *CacheTracker) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[path]; ok {
		t.currentSize -= entry.size
		delete(t.entries, path)
		monitoring.CacheSizeBytes.Set(float64(t.currentSize))
	}
}

// Contains reports whether a file is tracked
func (t *CacheTracker) Contains(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[path]
	return ok
}

// CurrentSize returns the tracked byte total
func (t *CacheTracker) CurrentSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentSize
}

// evict deletes least-recently-accessed files until the cache is at or
// below the low-water mark. Deletion errors are logged and skipped.
func (t *CacheTracker) evict() {
	t.mu.Lock()
	if t.currentSize <= t.maxSize {
		t.mu.Unlock()
		return
	}

	type candidate struct {
		path       string
		size       int64
		lastAccess time.Time
	}
	candidates := make([]candidate, 0, len(t.entries))
	for path, entry := range t.entries {
		candidates = append(candidates, candidate{path, entry.size, entry.lastAccess})
	}
	t.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	target := int64(evictionLowWater * float64(t.maxSize))
	for _, c := range candidates {
		t.mu.Lock()
		done := t.currentSize <= target
		t.mu.Unlock()
		if done {
			break
		}

		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			logger.Warn("Cache eviction failed for file", map[string]interface{}{
				"path":  c.path,
				"error": err.Error(),
			})
			continue
		}

		t.mu.Lock()
		if entry, ok := t.entries[c.path]; ok {
			t.currentSize -= entry.size
			delete(t.entries, c.path)
		}
		t.mu.Unlock()
		monitoring.CacheEvictions.Inc()

		logger.Debug("Evicted cache file", map[string]interface{}{
			"path": c.path,
			"size": FormatBytes(c.size),
		})
	}
}
