package repository

import (
	"errors"
	"time"

	"github.com/xpod/fabric/internal/models"
	"gorm.io/gorm"
)

// PodRepository is the pod directory: it resolves inbound URLs to pods and
// owns the single-row-atomic ownership flip the migration engine relies on.
type PodRepository struct {
	db *gorm.DB
}

// NewPodRepository creates a new pod repository
func NewPodRepository(db *gorm.DB) *PodRepository {
	return &PodRepository{db: db}
}

// FindByResourceIdentifier returns the pod whose base URL is the longest
// prefix of the given resource URL; nil if no pod claims it.
func (r *PodRepository) FindByResourceIdentifier(url string) (*models.Pod, error) {
	var pod models.Pod
	err := r.db.
		Where("? LIKE base_url || '%'", url).
		Order("length(base_url) DESC").
		First(&pod).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pod, nil
}

// FindByID finds a pod by ID; nil if absent
func (r *PodRepository) FindByID(podID string) (*models.Pod, error) {
	var pod models.Pod
	err := r.db.Where("id = ?", podID).First(&pod).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pod, nil
}

// ListAllPods returns every pod in the directory
func (r *PodRepository) ListAllPods() ([]*models.Pod, error) {
	var pods []*models.Pod
	err := r.db.Find(&pods).Error
	return pods, err
}

// SetNodeID atomically flips pod ownership. This single-row update is the
// migration commit: requests observing the new value route to the new owner,
// requests that observed the old one route to the old owner.
func (r *PodRepository) SetNodeID(podID, nodeID string) error {
	return r.db.Model(&models.Pod{}).
		Where("id = ?", podID).
		Updates(map[string]interface{}{
			"node_id":    nodeID,
			"updated_at": time.Now(),
		}).Error
}

// SetMigrationStatus records migration progress on the pod row. Passing nil
// status clears the migration fields.
func (r *PodRepository) SetMigrationStatus(podID string, status, targetNode *string, progress int) error {
	return r.db.Model(&models.Pod{}).
		Where("id = ?", podID).
		Updates(map[string]interface{}{
			"migration_status":      status,
			"migration_target_node": targetNode,
			"migration_progress":    progress,
			"updated_at":            time.Now(),
		}).Error
}

// MigrationStatus is the persisted migration view of a pod
type MigrationStatus struct {
	PodID      string  `json:"pod_id"`
	Status     *string `json:"status"`
	TargetNode *string `json:"target_node"`
	Progress   int     `json:"progress"`
}

// GetMigrationStatus returns the migration fields of a pod, nil if the pod is absent
func (r *PodRepository) GetMigrationStatus(podID string) (*MigrationStatus, error) {
	pod, err := r.FindByID(podID)
	if err != nil || pod == nil {
		return nil, err
	}
	return &MigrationStatus{
		PodID:      pod.ID,
		Status:     pod.MigrationStatus,
		TargetNode: pod.MigrationTargetNode,
		Progress:   pod.MigrationProgress,
	}, nil
}
