package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xpod/fabric/internal/monitoring"
	"github.com/xpod/fabric/pkg/logger"
)

// AccessorConfig configures the tiered accessor. Region and RegionBuckets
// together enable cross-region fallback and migration support.
type AccessorConfig struct {
	PrimaryBucket string
	CacheDir      string
	CacheMaxBytes int64
	Region        string
	RegionBuckets map[string]string // regionTag -> bucketName
}

// Progress is passed to the migration progress callback after each copied
// object.
type Progress struct {
	Copied           int
	Total            int
	BytesTransferred int64
}

// ProgressFunc receives copy progress. Returning an error aborts the
// migration; the migration engine uses this for cooperative cancellation.
type ProgressFunc func(p Progress) error

type syncTarget struct {
	prefix string
	region string
	bucket string
}

// Accessor is the tiered regional storage accessor: an LRU file cache over a
// primary bucket, with cross-region read fallback, lazy repatriation of
// fallback reads, and write fan-out to active sync targets during staged
// migrations.
type Accessor struct {
	store   ObjectStore
	cfg     AccessorConfig
	tracker *CacheTracker

	syncMu      sync.Mutex
	syncTargets []syncTarget
}

// NewAccessor builds the accessor and populates the cache tracker from any
// files already on disk.
func NewAccessor(store ObjectStore, cfg AccessorConfig) *Accessor {
	a := &Accessor{
		store:   store,
		cfg:     cfg,
		tracker: NewCacheTracker(cfg.CacheMaxBytes),
	}
	a.tracker.Scan(cfg.CacheDir)
	return a
}

// Tracker exposes the LRU tracker (read-side introspection and tests)
func (a *Accessor) Tracker() *CacheTracker {
	return a.tracker
}

// GetData reads a resource: cache first, then primary bucket, then fallback
// buckets of other regions. Fallback reads are lazily copied back to the
// primary bucket in the background.
func (a *Accessor) GetData(ctx context.Context, identifier string) (io.ReadCloser, error) {
	cachePath := CacheFilePath(a.cfg.CacheDir, identifier)

	if file, err := os.Open(cachePath); err == nil {
		a.tracker.Touch(cachePath)
		monitoring.CacheHits.Inc()
		return file, nil
	}
	monitoring.CacheMisses.Inc()

	key := ObjectKey(identifier)

	data, _, err := a.store.Get(ctx, a.cfg.PrimaryBucket, key)
	servedFrom := a.cfg.PrimaryBucket
	if err != nil {
		primaryErr := err
		if !errors.Is(primaryErr, ErrObjectNotFound) {
			logger.Warn("Primary bucket read failed, trying fallbacks", map[string]interface{}{
				"key":    key,
				"bucket": a.cfg.PrimaryBucket,
				"error":  primaryErr.Error(),
			})
		}
		if !a.SupportsMigration() {
			return nil, primaryErr
		}

		data, servedFrom, err = a.readFromFallback(ctx, key)
		if err != nil {
			// A missing object everywhere should not hide a real
			// primary failure
			if errors.Is(err, ErrObjectNotFound) && !errors.Is(primaryErr, ErrObjectNotFound) {
				return nil, primaryErr
			}
			return nil, err
		}
	}

	a.writeCacheFile(cachePath, data)

	if servedFrom != a.cfg.PrimaryBucket {
		monitoring.FallbackReads.WithLabelValues(servedFrom).Inc()
		// Lazy migration: repatriate the bytes without delaying the response
		go a.copyToPrimary(key, data)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// readFromFallback tries every non-primary region bucket in deterministic
// order and returns the first hit.
func (a *Accessor) readFromFallback(ctx context.Context, key string) ([]byte, string, error) {
	for _, bucket := range a.fallbackBuckets() {
		data, _, err := a.store.Get(ctx, bucket, key)
		if err == nil {
			logger.Info("Read served from fallback bucket", map[string]interface{}{
				"key":    key,
				"bucket": bucket,
				"size":   FormatBytes(int64(len(data))),
			})
			return data, bucket, nil
		}
		if !errors.Is(err, ErrObjectNotFound) {
			logger.Warn("Fallback bucket read failed", map[string]interface{}{
				"key":    key,
				"bucket": bucket,
				"error":  err.Error(),
			})
		}
	}
	return nil, "", ErrObjectNotFound
}

func (a *Accessor) fallbackBuckets() []string {
	regions := make([]string, 0, len(a.cfg.RegionBuckets))
	for region := range a.cfg.RegionBuckets {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	buckets := make([]string, 0, len(regions))
	for _, region := range regions {
		if bucket := a.cfg.RegionBuckets[region]; bucket != a.cfg.PrimaryBucket {
			buckets = append(buckets, bucket)
		}
	}
	return buckets
}

func (a *Accessor) copyToPrimary(key string, data []byte) {
	if err := a.store.Put(context.Background(), a.cfg.PrimaryBucket, key, data, ""); err != nil {
		logger.Warn("Lazy migration to primary bucket failed", map[string]interface{}{
			"key":    key,
			"bucket": a.cfg.PrimaryBucket,
			"error":  err.Error(),
		})
		return
	}
	logger.Debug("Lazily migrated object to primary bucket", map[string]interface{}{
		"key":  key,
		"size": FormatBytes(int64(len(data))),
	})
}

// WriteDocument stores a resource. The primary bucket is always updated
// before the cache or any sync target; cache and sync failures are logged
// and swallowed.
func (a *Accessor) WriteDocument(ctx context.Context, identifier string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read document body: %w", err)
	}

	key := ObjectKey(identifier)
	if err := a.store.Put(ctx, a.cfg.PrimaryBucket, key, data, contentType); err != nil {
		return fmt.Errorf("primary bucket write failed: %w", err)
	}

	cachePath := CacheFilePath(a.cfg.CacheDir, identifier)
	if a.tracker.Contains(cachePath) {
		a.tracker.Remove(cachePath)
	}
	a.writeCacheFile(cachePath, data)

	a.fanOut(ctx, key, func(bucket string) error {
		return a.store.Put(ctx, bucket, key, data, contentType)
	})

	return nil
}

// DeleteResource removes a resource from the primary bucket, the cache, and
// every covering sync target.
func (a *Accessor) DeleteResource(ctx context.Context, identifier string) error {
	key := ObjectKey(identifier)
	if err := a.store.Delete(ctx, a.cfg.PrimaryBucket, key); err != nil {
		return fmt.Errorf("primary bucket delete failed: %w", err)
	}

	cachePath := CacheFilePath(a.cfg.CacheDir, identifier)
	if a.tracker.Contains(cachePath) {
		if err := os.Remove(cachePath); err != nil && !os.IsNotExist(err) {
			logger.Warn("Cache delete failed", map[string]interface{}{
				"path":  cachePath,
				"error": err.Error(),
			})
		}
		a.tracker.Remove(cachePath)
	}

	a.fanOut(ctx, key, func(bucket string) error {
		return a.store.Delete(ctx, bucket, key)
	})

	return nil
}

// GetMetadata is a thin passthrough to the primary bucket
func (a *Accessor) GetMetadata(ctx context.Context, identifier string) (*ObjectMeta, error) {
	return a.store.Head(ctx, a.cfg.PrimaryBucket, ObjectKey(identifier))
}

// GetChildren lists the objects under a container prefix
func (a *Accessor) GetChildren(ctx context.Context, identifier string) ([]ObjectInfo, error) {
	prefix := ObjectKey(identifier)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return a.store.List(ctx, a.cfg.PrimaryBucket, prefix)
}

// WriteContainer creates a container marker object
func (a *Accessor) WriteContainer(ctx context.Context, identifier string, contentType string) error {
	key := ObjectKey(identifier)
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	return a.store.Put(ctx, a.cfg.PrimaryBucket, key, nil, contentType)
}

// SupportsMigration reports whether per-region buckets are configured, which
// is what the staged migration engine feature-tests at runtime.
func (a *Accessor) SupportsMigration() bool {
	return a.cfg.Region != "" && len(a.cfg.RegionBuckets) > 0
}

// MigrateToRegion bulk-copies every object under prefix from the primary
// bucket to the target region's bucket with server-side copies. Any
// per-object failure aborts; a progress callback error aborts as well.
func (a *Accessor) MigrateToRegion(ctx context.Context, prefix, targetRegion string, onProgress ProgressFunc) error {
	if !a.SupportsMigration() {
		return fmt.Errorf("accessor has no region buckets configured")
	}
	targetBucket, ok := a.cfg.RegionBuckets[targetRegion]
	if !ok {
		return fmt.Errorf("unknown target region: %s", targetRegion)
	}
	if targetBucket == a.cfg.PrimaryBucket {
		return nil
	}

	objects, err := a.store.List(ctx, a.cfg.PrimaryBucket, ObjectKey(prefix))
	if err != nil {
		return fmt.Errorf("failed to list objects for migration: %w", err)
	}

	var transferred int64
	for i, obj := range objects {
		if err := a.store.Copy(ctx, a.cfg.PrimaryBucket, obj.Key, targetBucket, obj.Key); err != nil {
			return fmt.Errorf("failed to copy %s to %s: %w", obj.Key, targetBucket, err)
		}
		transferred += obj.Size

		if onProgress != nil {
			if err := onProgress(Progress{
				Copied:           i + 1,
				Total:            len(objects),
				BytesTransferred: transferred,
			}); err != nil {
				return err
			}
		}
	}

	logger.Info("Region migration copy completed", map[string]interface{}{
		"prefix":        prefix,
		"target_region": targetRegion,
		"objects":       len(objects),
		"transferred":   FormatBytes(transferred),
	})
	return nil
}

// SetupRealtimeSync registers an active sync target: from now on every write
// and delete under prefix is replicated to the target region's bucket.
func (a *Accessor) SetupRealtimeSync(prefix, targetRegion string) error {
	targetBucket, ok := a.cfg.RegionBuckets[targetRegion]
	if !ok {
		return fmt.Errorf("unknown target region: %s", targetRegion)
	}

	normalized := ObjectKey(prefix)

	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	for _, t := range a.syncTargets {
		if t.prefix == normalized && t.region == targetRegion {
			return nil
		}
	}
	a.syncTargets = append(a.syncTargets, syncTarget{
		prefix: normalized,
		region: targetRegion,
		bucket: targetBucket,
	})

	logger.Info("Realtime sync enabled", map[string]interface{}{
		"prefix": prefix,
		"region": targetRegion,
		"bucket": targetBucket,
	})
	return nil
}

// StopRealtimeSync removes an active sync target
func (a *Accessor) StopRealtimeSync(prefix, targetRegion string) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	kept := a.syncTargets[:0]
	normalized := ObjectKey(prefix)
	for _, t := range a.syncTargets {
		if t.prefix == normalized && t.region == targetRegion {
			continue
		}
		kept = append(kept, t)
	}
	a.syncTargets = kept
}

// fanOut applies op to every sync target whose prefix covers the key.
// Failures are best-effort: the next bulk pass of an active migration will
// catch up.
func (a *Accessor) fanOut(_ context.Context, key string, op func(bucket string) error) {
	a.syncMu.Lock()
	targets := make([]syncTarget, len(a.syncTargets))
	copy(targets, a.syncTargets)
	a.syncMu.Unlock()

	for _, t := range targets {
		if !strings.HasPrefix(key, t.prefix) {
			continue
		}
		if err := op(t.bucket); err != nil {
			logger.Warn("Sync target replication failed", map[string]interface{}{
				"key":    key,
				"bucket": t.bucket,
				"error":  err.Error(),
			})
		}
	}
}

// writeCacheFile is the best-effort cache population shared by the read and
// write paths
func (a *Accessor) writeCacheFile(cachePath string, data []byte) {
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		logger.Warn("Cache directory creation failed", map[string]interface{}{
			"path":  cachePath,
			"error": err.Error(),
		})
		return
	}
	if err := os.WriteFile(cachePath, data, 0o644); err != nil {
		logger.Warn("Cache file write failed", map[string]interface{}{
			"path":  cachePath,
			"error": err.Error(),
		})
		return
	}
	a.tracker.Add(cachePath, int64(len(data)))
}
