package events

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/xpod/fabric/pkg/logger"
)

// InfluxDBConfig holds the time-series backend connection settings
type InfluxDBConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxDBEventStorage mirrors the event stream into InfluxDB for dashboards
// and retention beyond the relational table. Writes are buffered by the
// client; Query is served from the relational store, not from here.
type InfluxDBEventStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// NewInfluxDBEventStorage connects to InfluxDB and verifies its health
func NewInfluxDBEventStorage(config InfluxDBConfig) (*InfluxDBEventStorage, error) {
	client := influxdb2.NewClient(config.URL, config.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	logger.Info("InfluxDB connection established", map[string]interface{}{
		"url":    config.URL,
		"org":    config.Org,
		"bucket": config.Bucket,
	})

	return &InfluxDBEventStorage{
		client:   client,
		writeAPI: client.WriteAPI(config.Org, config.Bucket),
	}, nil
}

// Store writes the event as a time-series point. The write is asynchronous.
func (s *InfluxDBEventStorage) Store(event Event) error {
	fields := map[string]interface{}{"count": 1}
	for k, v := range event.Data {
		fields[k] = v
	}

	p := influxdb2.NewPoint(
		"system_events",
		map[string]string{
			"event_type": string(event.Type),
			"source":     event.Source,
			"pod_id":     event.PodID,
			"node_id":    event.NodeID,
		},
		fields,
		event.Timestamp,
	)
	s.writeAPI.WritePoint(p)
	return nil
}

// Query is not supported on the time-series mirror
func (s *InfluxDBEventStorage) Query(EventFilters) ([]Event, error) {
	return nil, nil
}

// Close flushes pending points and releases the client
func (s *InfluxDBEventStorage) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}
