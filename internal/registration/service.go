package registration

import (
	"sync"
	"time"

	"github.com/xpod/fabric/internal/events"
	"github.com/xpod/fabric/internal/monitoring"
	"github.com/xpod/fabric/internal/repository"
	"github.com/xpod/fabric/pkg/logger"
)

// DefaultHeartbeatInterval paces the liveness ticker when the config does not
// override it.
const DefaultHeartbeatInterval = 30 * time.Second

// Service registers this center node in the shared registry and keeps its
// liveness current with a periodic heartbeat. The registration secret minted
// on first registration is held in memory only.
type Service struct {
	nodes        *repository.NodeRepository
	nodeID       string
	displayName  string
	internalIP   string
	internalPort int
	interval     time.Duration

	mu     sync.Mutex
	secret string
	stop   chan struct{}
	done   chan struct{}
}

// NewService creates a registration service for this node
func NewService(nodes *repository.NodeRepository, nodeID, displayName, internalIP string, internalPort int, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Service{
		nodes:        nodes,
		nodeID:       nodeID,
		displayName:  displayName,
		internalIP:   internalIP,
		internalPort: internalPort,
		interval:     interval,
	}
}

// NodeID returns this node's identifier
func (s *Service) NodeID() string {
	return s.nodeID
}

// Register upserts this node in the registry and starts the heartbeat loop.
// Safe to call once at startup.
func (s *Service) Register() error {
	reg, err := s.nodes.RegisterCenterNode(s.nodeID, s.displayName, s.internalIP, s.internalPort)
	if err != nil {
		return err
	}

	if reg.Created {
		s.mu.Lock()
		s.secret = reg.Secret
		s.mu.Unlock()
		logger.Info("Center node registered", map[string]interface{}{
			"node_id":     s.nodeID,
			"internal_ip": s.internalIP,
		})
	} else {
		logger.Info("Center node re-registered", map[string]interface{}{
			"node_id":     s.nodeID,
			"internal_ip": s.internalIP,
		})
	}

	events.Publish(events.TypeNodeRegistered, s.nodeID, map[string]interface{}{
		"node_id": s.nodeID,
		"created": reg.Created,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.heartbeatLoop(s.stop, s.done)
	}
	return nil
}

// Secret returns the registration secret when this process minted it, "" on
// re-registration.
func (s *Service) Secret() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secret
}

// StopHeartbeat terminates the heartbeat loop and waits for it to exit
func (s *Service) StopHeartbeat() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *Service) heartbeatLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.beat()
		}
	}
}

// beat records one liveness tick. Failures are logged and the loop keeps
// going; a stretch of missed beats lets peers mark this node unreachable.
func (s *Service) beat() {
	if err := s.nodes.UpdateCenterNodeHeartbeat(s.nodeID, s.internalIP, s.internalPort, time.Now()); err != nil {
		monitoring.Heartbeats.WithLabelValues("failed").Inc()
		logger.Warn("Heartbeat update failed", map[string]interface{}{
			"node_id": s.nodeID,
			"error":   err.Error(),
		})
		return
	}
	monitoring.Heartbeats.WithLabelValues("ok").Inc()
}
