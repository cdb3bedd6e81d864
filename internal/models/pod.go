package models

import (
	"time"
)

// Pod migration status values. A null status means no migration has ever
// touched this pod.
const (
	PodMigrationSyncing = "syncing"
	PodMigrationDone    = "done"
)

// Pod is a per-user data container identified by a URL prefix.
// A nil NodeID means "on whatever node is serving; treat as local legacy".
type Pod struct {
	ID        string  `gorm:"primaryKey;size:100" json:"pod_id"`
	AccountID string  `gorm:"size:100;not null;index" json:"account_id"`
	BaseURL   string  `gorm:"size:512;not null;uniqueIndex" json:"base_url"`
	NodeID    *string `gorm:"size:100;index" json:"node_id"`

	// Migration bookkeeping, written only by the migration engine
	MigrationStatus     *string `gorm:"size:10" json:"migration_status,omitempty"`
	MigrationTargetNode *string `gorm:"size:100" json:"migration_target_node,omitempty"`
	MigrationProgress   int     `gorm:"default:0" json:"migration_progress"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name
func (Pod) TableName() string {
	return "pods"
}

// OwnedBy reports whether the pod is assigned to the given node
func (p *Pod) OwnedBy(nodeID string) bool {
	return p.NodeID != nil && *p.NodeID == nodeID
}
