package models

import (
	"time"

	"gorm.io/datatypes"
)

// SystemEvent is a persisted cluster event (node registered, migration
// finished, service crashed, ...)
type SystemEvent struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	Type      string         `gorm:"size:50;not null;index" json:"type"`
	Source    string         `gorm:"size:100;index" json:"source"`
	PodID     string         `gorm:"size:100;index" json:"pod_id,omitempty"`
	NodeID    string         `gorm:"size:100;index" json:"node_id,omitempty"`
	Timestamp time.Time      `gorm:"not null;index" json:"timestamp"`
	Data      datatypes.JSON `gorm:"type:jsonb" json:"data"`
}

// TableName specifies the table name
func (SystemEvent) TableName() string {
	return "system_events"
}
