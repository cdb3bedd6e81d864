package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xpod/fabric/internal/models"
	"github.com/xpod/fabric/internal/monitoring"
	"github.com/xpod/fabric/internal/storage"
	"github.com/xpod/fabric/pkg/logger"
)

// Domain errors surfaced to the migration HTTP handlers
var (
	ErrPodNotFound      = errors.New("pod not found")
	ErrNodeNotFound     = errors.New("target node not found")
	ErrNotACenterNode   = errors.New("target node is not a center node")
	ErrAlreadyOnTarget  = errors.New("pod already on target node")
	ErrAlreadyMigrating = errors.New("pod migration already in progress")
	ErrCancelled        = errors.New("migration cancelled")
)

// PodDirectory is the directory subset the engine mutates
type PodDirectory interface {
	FindByID(podID string) (*models.Pod, error)
	SetNodeID(podID, nodeID string) error
	SetMigrationStatus(podID string, status, targetNode *string, progress int) error
}

// NodeRegistry resolves migration targets
type NodeRegistry interface {
	FindByID(id string) (*models.Node, error)
}

// RegionalAccessor is the storage capability set the staged engine
// feature-tests at runtime.
type RegionalAccessor interface {
	SupportsMigration() bool
	MigrateToRegion(ctx context.Context, prefix, targetRegion string, onProgress storage.ProgressFunc) error
	SetupRealtimeSync(prefix, targetRegion string) error
	StopRealtimeSync(prefix, targetRegion string)
}

// Result describes a committed migration
type Result struct {
	PodID        string    `json:"pod_id"`
	SourceNodeID string    `json:"source_node"`
	TargetNodeID string    `json:"target_node"`
	MigratedAt   time.Time `json:"migrated_at"`
}

// Staged-mode progress bands
const (
	progressSyncSetup = 5
	progressCopyStart = 10
	progressCopyEnd   = 90
	progressSwitching = 95
	progressDone      = 100
)

// Engine migrates pod ownership between center nodes. The simplified mode is
// a single atomic nodeId flip whose correctness rests on the accessor's
// cross-region read fallback; the staged mode bulk-copies the pod's objects
// and fans writes out to both regions until the flip.
type Engine struct {
	pods       PodDirectory
	nodes      NodeRegistry
	accessor   RegionalAccessor // nil when the node has no object storage
	selfNodeID string

	mu        sync.Mutex
	inFlight  map[string]bool
	cancelled map[string]bool
}

// NewEngine creates a migration engine. accessor may be nil.
func NewEngine(pods PodDirectory, nodes NodeRegistry, accessor RegionalAccessor, selfNodeID string) *Engine {
	return &Engine{
		pods:       pods,
		nodes:      nodes,
		accessor:   accessor,
		selfNodeID: selfNodeID,
		inFlight:   make(map[string]bool),
		cancelled:  make(map[string]bool),
	}
}

// validate is the common preface of both modes
func (e *Engine) validate(podID, targetNodeID string) (*models.Pod, *models.Node, string, error) {
	pod, err := e.pods.FindByID(podID)
	if err != nil {
		return nil, nil, "", err
	}
	if pod == nil {
		return nil, nil, "", ErrPodNotFound
	}

	target, err := e.nodes.FindByID(targetNodeID)
	if err != nil {
		return nil, nil, "", err
	}
	if target == nil {
		return nil, nil, "", ErrNodeNotFound
	}
	if !target.IsCenter() {
		return nil, nil, "", ErrNotACenterNode
	}

	sourceNodeID := e.selfNodeID
	if pod.NodeID != nil {
		sourceNodeID = *pod.NodeID
	}
	if sourceNodeID == targetNodeID {
		return nil, nil, "", ErrAlreadyOnTarget
	}

	return pod, target, sourceNodeID, nil
}

// begin reserves the per-pod in-flight slot
func (e *Engine) begin(podID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[podID] {
		return ErrAlreadyMigrating
	}
	e.inFlight[podID] = true
	return nil
}

// finish releases the slot and clears any cancellation flag
func (e *Engine) finish(podID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, podID)
	delete(e.cancelled, podID)
}

// Cancel requests cooperative cancellation of an in-flight staged migration.
// It returns false when no migration is running for the pod. Cancellation
// during the switch phase is refused by the engine itself.
func (e *Engine) Cancel(podID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.inFlight[podID] {
		return false
	}
	e.cancelled[podID] = true
	return true
}

func (e *Engine) isCancelled(podID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[podID]
}

// MigratePod migrates a pod to the target node, picking the staged pipeline
// when the accessor has real per-region buckets and the target declares a
// region, and the single atomic flip otherwise.
func (e *Engine) MigratePod(ctx context.Context, podID, targetNodeID string) (*Result, error) {
	pod, target, sourceNodeID, err := e.validate(podID, targetNodeID)
	if err != nil {
		return nil, err
	}

	if err := e.begin(podID); err != nil {
		return nil, err
	}
	defer e.finish(podID)

	targetRegion := nodeRegion(target)
	if e.accessor != nil && e.accessor.SupportsMigration() && targetRegion != "" {
		return e.runStaged(ctx, pod, sourceNodeID, targetNodeID, targetRegion)
	}
	return e.runSimplified(pod, sourceNodeID, targetNodeID)
}

// runSimplified flips ownership in one atomic directory write. Reads landing
// on the new owner before its region has the bytes are served by the
// accessor's fallback path and lazily repatriated.
func (e *Engine) runSimplified(pod *models.Pod, sourceNodeID, targetNodeID string) (*Result, error) {
	if err := e.pods.SetNodeID(pod.ID, targetNodeID); err != nil {
		monitoring.Migrations.WithLabelValues("failed").Inc()
		return nil, err
	}

	logger.Info("Pod migrated", map[string]interface{}{
		"pod_id":      pod.ID,
		"source_node": sourceNodeID,
		"target_node": targetNodeID,
		"mode":        "simplified",
	})
	monitoring.Migrations.WithLabelValues("completed").Inc()

	return &Result{
		PodID:        pod.ID,
		SourceNodeID: sourceNodeID,
		TargetNodeID: targetNodeID,
		MigratedAt:   time.Now(),
	}, nil
}

// runStaged executes the four-phase pipeline: realtime sync on, bulk copy,
// ownership switch, sync off. Progress is persisted in the pod directory.
func (e *Engine) runStaged(ctx context.Context, pod *models.Pod, sourceNodeID, targetNodeID, targetRegion string) (result *Result, err error) {
	podPrefix := pod.BaseURL
	syncing := models.PodMigrationSyncing
	done := models.PodMigrationDone

	defer func() {
		if err != nil {
			// Best effort: never leave a dangling sync target behind
			e.accessor.StopRealtimeSync(podPrefix, targetRegion)
			if errors.Is(err, ErrCancelled) {
				monitoring.Migrations.WithLabelValues("cancelled").Inc()
			} else {
				monitoring.Migrations.WithLabelValues("failed").Inc()
			}
		}
	}()

	// Phase 1: fan writes out to both regions from here on
	if err = e.pods.SetMigrationStatus(pod.ID, &syncing, &targetNodeID, progressSyncSetup); err != nil {
		return nil, err
	}
	if err = e.accessor.SetupRealtimeSync(podPrefix, targetRegion); err != nil {
		return nil, err
	}
	if err = e.pods.SetMigrationStatus(pod.ID, &syncing, &targetNodeID, progressCopyStart); err != nil {
		return nil, err
	}

	// Phase 2: bulk copy, mapping object progress into the 10..90 band
	err = e.accessor.MigrateToRegion(ctx, podPrefix, targetRegion, func(p storage.Progress) error {
		if e.isCancelled(pod.ID) {
			return ErrCancelled
		}
		progress := progressCopyStart
		if p.Total > 0 {
			progress += (progressCopyEnd - progressCopyStart) * p.Copied / p.Total
		}
		if statusErr := e.pods.SetMigrationStatus(pod.ID, &syncing, &targetNodeID, progress); statusErr != nil {
			logger.Warn("Failed to persist migration progress", map[string]interface{}{
				"pod_id": pod.ID,
				"error":  statusErr.Error(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// A cancellation that raced the final callback still wins before the
	// switch; after this point the migration is committed.
	if e.isCancelled(pod.ID) {
		return nil, ErrCancelled
	}

	// Phase 3: the atomic flip (non-cancellable)
	if err = e.pods.SetMigrationStatus(pod.ID, &syncing, &targetNodeID, progressSwitching); err != nil {
		return nil, err
	}
	if err = e.pods.SetNodeID(pod.ID, targetNodeID); err != nil {
		return nil, err
	}

	// Phase 4: stop the fan-out, mark done
	e.accessor.StopRealtimeSync(podPrefix, targetRegion)
	if err = e.pods.SetMigrationStatus(pod.ID, &done, &targetNodeID, progressDone); err != nil {
		return nil, err
	}

	logger.Info("Pod migrated", map[string]interface{}{
		"pod_id":        pod.ID,
		"source_node":   sourceNodeID,
		"target_node":   targetNodeID,
		"target_region": targetRegion,
		"mode":          "staged",
	})
	monitoring.Migrations.WithLabelValues("completed").Inc()

	return &Result{
		PodID:        pod.ID,
		SourceNodeID: sourceNodeID,
		TargetNodeID: targetNodeID,
		MigratedAt:   time.Now(),
	}, nil
}

// nodeRegion reads the region tag from node metadata
func nodeRegion(node *models.Node) string {
	if node.Metadata == nil {
		return ""
	}
	region, _ := node.Metadata["region"].(string)
	return region
}

// Describe summarizes the engine configuration for diagnostics
func (e *Engine) Describe() string {
	if e.accessor != nil && e.accessor.SupportsMigration() {
		return fmt.Sprintf("staged (node %s)", e.selfNodeID)
	}
	return fmt.Sprintf("simplified (node %s)", e.selfNodeID)
}
