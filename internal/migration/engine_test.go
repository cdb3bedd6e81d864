package migration

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpod/fabric/internal/models"
	"github.com/xpod/fabric/internal/storage"
)

type fakePods struct {
	mu       sync.Mutex
	pods     map[string]*models.Pod
	statuses []int // persisted progress values in order
}

func (f *fakePods) FindByID(podID string) (*models.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pod, ok := f.pods[podID]; ok {
		copied := *pod
		return &copied, nil
	}
	return nil, nil
}

func (f *fakePods) SetNodeID(podID, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pods[podID].NodeID = &nodeID
	return nil
}

func (f *fakePods) SetMigrationStatus(podID string, status, targetNode *string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pod := f.pods[podID]
	pod.MigrationStatus = status
	pod.MigrationTargetNode = targetNode
	pod.MigrationProgress = progress
	f.statuses = append(f.statuses, progress)
	return nil
}

type fakeNodes struct {
	nodes map[string]*models.Node
}

func (f *fakeNodes) FindByID(id string) (*models.Node, error) {
	return f.nodes[id], nil
}

type fakeAccessor struct {
	mu           sync.Mutex
	supports     bool
	objects      int
	syncActive   map[string]bool
	copyObserver func(p storage.Progress) // called before the progress callback
	migrateErr   error
}

func (f *fakeAccessor) SupportsMigration() bool { return f.supports }

func (f *fakeAccessor) MigrateToRegion(_ context.Context, _, _ string, onProgress storage.ProgressFunc) error {
	if f.migrateErr != nil {
		return f.migrateErr
	}
	for i := 1; i <= f.objects; i++ {
		p := storage.Progress{Copied: i, Total: f.objects}
		if f.copyObserver != nil {
			f.copyObserver(p)
		}
		if onProgress != nil {
			if err := onProgress(p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeAccessor) SetupRealtimeSync(prefix, targetRegion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncActive == nil {
		f.syncActive = make(map[string]bool)
	}
	f.syncActive[prefix+"|"+targetRegion] = true
	return nil
}

func (f *fakeAccessor) StopRealtimeSync(prefix, targetRegion string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.syncActive, prefix+"|"+targetRegion)
}

func (f *fakeAccessor) activeSyncs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.syncActive)
}

func strptr(s string) *string { return &s }

func newFixture(accessor RegionalAccessor) (*Engine, *fakePods, *fakeNodes) {
	pods := &fakePods{pods: map[string]*models.Pod{
		"alice": {ID: "alice", BaseURL: "https://pods.example/alice/", NodeID: strptr("node-a")},
	}}
	nodes := &fakeNodes{nodes: map[string]*models.Node{
		"node-a": {ID: "node-a", Type: models.NodeTypeCenter},
		"node-b": {ID: "node-b", Type: models.NodeTypeCenter,
			Metadata: map[string]interface{}{"region": "us"}},
		"node-plain": {ID: "node-plain", Type: models.NodeTypeCenter},
		"edge-1":     {ID: "edge-1", Type: models.NodeTypeEdge},
	}}
	return NewEngine(pods, nodes, accessor, "node-a"), pods, nodes
}

func TestMigrateSimplifiedFlipsOwnership(t *testing.T) {
	engine, pods, _ := newFixture(nil)

	result, err := engine.MigratePod(context.Background(), "alice", "node-b")
	require.NoError(t, err)

	assert.Equal(t, "alice", result.PodID)
	assert.Equal(t, "node-a", result.SourceNodeID)
	assert.Equal(t, "node-b", result.TargetNodeID)
	assert.False(t, result.MigratedAt.IsZero())

	pod, _ := pods.FindByID("alice")
	assert.Equal(t, "node-b", *pod.NodeID)
}

func TestMigrateValidation(t *testing.T) {
	engine, _, _ := newFixture(nil)
	ctx := context.Background()

	_, err := engine.MigratePod(ctx, "ghost", "node-b")
	assert.ErrorIs(t, err, ErrPodNotFound)

	_, err = engine.MigratePod(ctx, "alice", "ghost-node")
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = engine.MigratePod(ctx, "alice", "edge-1")
	assert.ErrorIs(t, err, ErrNotACenterNode)

	_, err = engine.MigratePod(ctx, "alice", "node-a")
	assert.ErrorIs(t, err, ErrAlreadyOnTarget)
}

func TestMigrateIsIdempotentPerTarget(t *testing.T) {
	engine, _, _ := newFixture(nil)
	ctx := context.Background()

	_, err := engine.MigratePod(ctx, "alice", "node-b")
	require.NoError(t, err)

	// The pod now lives on node-b; repeating the call is a no-op error
	_, err = engine.MigratePod(ctx, "alice", "node-b")
	assert.ErrorIs(t, err, ErrAlreadyOnTarget)
}

func TestMigrateStagedRunsAllPhases(t *testing.T) {
	accessor := &fakeAccessor{supports: true, objects: 4}
	engine, pods, _ := newFixture(accessor)

	result, err := engine.MigratePod(context.Background(), "alice", "node-b")
	require.NoError(t, err)
	assert.Equal(t, "node-b", result.TargetNodeID)

	pod, _ := pods.FindByID("alice")
	assert.Equal(t, "node-b", *pod.NodeID)
	assert.Equal(t, models.PodMigrationDone, *pod.MigrationStatus)
	assert.Equal(t, 100, pod.MigrationProgress)

	// Sync target was torn down after the switch
	assert.Equal(t, 0, accessor.activeSyncs())

	// Progress is monotonic through the 5/10/..90/95/100 bands
	statuses := pods.statuses
	require.GreaterOrEqual(t, len(statuses), 4)
	assert.Equal(t, 5, statuses[0])
	assert.Equal(t, 10, statuses[1])
	for i := 1; i < len(statuses); i++ {
		assert.GreaterOrEqual(t, statuses[i], statuses[i-1])
	}
	assert.Equal(t, 100, statuses[len(statuses)-1])
}

func TestMigrateStagedFallsBackWhenTargetHasNoRegion(t *testing.T) {
	accessor := &fakeAccessor{supports: true, objects: 2}
	engine, pods, _ := newFixture(accessor)

	// node-plain has no region tag, so the engine uses the simplified flip
	_, err := engine.MigratePod(context.Background(), "alice", "node-plain")
	require.NoError(t, err)

	pod, _ := pods.FindByID("alice")
	assert.Equal(t, "node-plain", *pod.NodeID)
	assert.Empty(t, pods.statuses)
}

func TestMigrateStagedCancellation(t *testing.T) {
	accessor := &fakeAccessor{supports: true, objects: 5}
	engine, pods, _ := newFixture(accessor)

	// Cancel mid-copy, after the second object
	accessor.copyObserver = func(p storage.Progress) {
		if p.Copied == 2 {
			assert.True(t, engine.Cancel("alice"))
		}
	}

	_, err := engine.MigratePod(context.Background(), "alice", "node-b")
	assert.ErrorIs(t, err, ErrCancelled)

	// Ownership never flipped and the sync target was cleaned up
	pod, _ := pods.FindByID("alice")
	assert.Equal(t, "node-a", *pod.NodeID)
	assert.Equal(t, 0, accessor.activeSyncs())

	// The in-flight slot was released: a fresh migration may start
	assert.False(t, engine.Cancel("alice"))
}

func TestCancelWithoutMigration(t *testing.T) {
	engine, _, _ := newFixture(nil)
	assert.False(t, engine.Cancel("alice"))
}

func TestMigrateConcurrentGuard(t *testing.T) {
	accessor := &fakeAccessor{supports: true, objects: 1}
	engine, _, _ := newFixture(accessor)

	started := make(chan struct{})
	release := make(chan struct{})
	accessor.copyObserver = func(storage.Progress) {
		close(started)
		<-release
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := engine.MigratePod(context.Background(), "alice", "node-b")
		errCh <- err
	}()

	<-started
	_, err := engine.MigratePod(context.Background(), "alice", "node-b")
	assert.ErrorIs(t, err, ErrAlreadyMigrating)

	close(release)
	require.NoError(t, <-errCh)
}
