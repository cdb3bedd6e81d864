package events

import (
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/xpod/fabric/internal/models"
)

// DatabaseEventStorage persists events in the system_events table, next to
// the rest of the cluster state.
type DatabaseEventStorage struct {
	db *gorm.DB
}

// NewDatabaseEventStorage creates a database-backed event store
func NewDatabaseEventStorage(db *gorm.DB) *DatabaseEventStorage {
	return &DatabaseEventStorage{db: db}
}

// Store writes one event row
func (s *DatabaseEventStorage) Store(event Event) error {
	var data datatypes.JSON
	if event.Data != nil {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return err
		}
		data = datatypes.JSON(raw)
	}

	row := models.SystemEvent{
		ID:        event.ID,
		Type:      string(event.Type),
		Source:    event.Source,
		PodID:     event.PodID,
		NodeID:    event.NodeID,
		Timestamp: event.Timestamp,
		Data:      data,
	}
	return s.db.Create(&row).Error
}

// Query reads events back, newest first
func (s *DatabaseEventStorage) Query(filters EventFilters) ([]Event, error) {
	q := s.db.Model(&models.SystemEvent{})

	if len(filters.Types) > 0 {
		types := make([]string, len(filters.Types))
		for i, t := range filters.Types {
			types[i] = string(t)
		}
		q = q.Where("type IN ?", types)
	}
	if filters.PodID != "" {
		q = q.Where("pod_id = ?", filters.PodID)
	}
	if filters.NodeID != "" {
		q = q.Where("node_id = ?", filters.NodeID)
	}
	if !filters.StartTime.IsZero() {
		q = q.Where("timestamp >= ?", filters.StartTime)
	}
	if !filters.EndTime.IsZero() {
		q = q.Where("timestamp <= ?", filters.EndTime)
	}
	q = q.Order("timestamp DESC")
	if filters.Limit > 0 {
		q = q.Limit(filters.Limit)
	}

	var rows []models.SystemEvent
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]Event, len(rows))
	for i, row := range rows {
		event := Event{
			ID:        row.ID,
			Type:      EventType(row.Type),
			Source:    row.Source,
			PodID:     row.PodID,
			NodeID:    row.NodeID,
			Timestamp: row.Timestamp,
		}
		if len(row.Data) > 0 {
			_ = json.Unmarshal(row.Data, &event.Data)
		}
		out[i] = event
	}
	return out, nil
}
