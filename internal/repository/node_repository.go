package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/xpod/fabric/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NodeRepository is the authoritative registry of cluster nodes: identity,
// secret hash, access mode, endpoints, and liveness. Absent rows return nil
// rather than an error; the repository performs no retries.
type NodeRepository struct {
	db *gorm.DB
}

// NewNodeRepository creates a new node repository
func NewNodeRepository(db *gorm.DB) *NodeRepository {
	return &NodeRepository{db: db}
}

// CenterRegistration is the result of RegisterCenterNode. Secret is set only
// when the row was freshly created; it cannot be retrieved later.
type CenterRegistration struct {
	NodeID  string
	Secret  string
	Created bool
}

// RegisterCenterNode idempotently upserts a center node. An existing row is
// refreshed (endpoint, last seen) with its token hash preserved; a new row
// gets a freshly minted registration secret.
func (r *NodeRepository) RegisterCenterNode(nodeID, displayName, internalIP string, internalPort int) (*CenterRegistration, error) {
	existing, err := r.FindByID(nodeID)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	if existing != nil {
		updates := map[string]interface{}{
			"internal_ip":         internalIP,
			"internal_port":       internalPort,
			"connectivity_status": models.ConnectivityReachable,
			"last_seen":           now,
			"updated_at":          now,
		}
		if displayName != "" {
			updates["display_name"] = displayName
		}
		if err := r.db.Model(&models.Node{}).Where("id = ?", nodeID).Updates(updates).Error; err != nil {
			return nil, err
		}
		return &CenterRegistration{NodeID: nodeID, Created: false}, nil
	}

	secret, err := GenerateRegistrationSecret()
	if err != nil {
		return nil, err
	}

	node := &models.Node{
		ID:                 nodeID,
		DisplayName:        displayName,
		Type:               models.NodeTypeCenter,
		TokenHash:          HashToken(secret),
		AccessMode:         models.AccessModeUnset,
		InternalIP:         internalIP,
		InternalPort:       internalPort,
		ConnectivityStatus: models.ConnectivityReachable,
		CreatedAt:          now,
		UpdatedAt:          now,
		LastSeen:           now,
	}
	if err := r.db.Create(node).Error; err != nil {
		return nil, err
	}

	return &CenterRegistration{NodeID: nodeID, Secret: secret, Created: true}, nil
}

// CreateNode creates a node row explicitly (admin API). The caller receives
// the minted secret exactly once.
func (r *NodeRepository) CreateNode(nodeID, displayName string, nodeType models.NodeType) (*models.Node, string, error) {
	secret, err := GenerateRegistrationSecret()
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	node := &models.Node{
		ID:                 nodeID,
		DisplayName:        displayName,
		Type:               nodeType,
		TokenHash:          HashToken(secret),
		AccessMode:         models.AccessModeUnset,
		ConnectivityStatus: models.ConnectivityUnknown,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.db.Create(node).Error; err != nil {
		return nil, "", err
	}
	return node, secret, nil
}

// UpdateCenterNodeHeartbeat records a heartbeat tick: endpoint, last seen,
// and a forced transition to reachable.
func (r *NodeRepository) UpdateCenterNodeHeartbeat(nodeID, internalIP string, internalPort int, timestamp time.Time) error {
	return r.db.Model(&models.Node{}).
		Where("id = ?", nodeID).
		Updates(map[string]interface{}{
			"internal_ip":         internalIP,
			"internal_port":       internalPort,
			"last_seen":           timestamp,
			"updated_at":          timestamp,
			"connectivity_status": models.ConnectivityReachable,
		}).Error
}

// NodeModeUpdate carries the fields an edge sets at registration time.
// Nil pointers leave the stored value untouched.
type NodeModeUpdate struct {
	AccessMode         models.AccessMode
	PublicIP           *string
	PublicPort         *int
	Subdomain          *string
	ConnectivityStatus *models.ConnectivityStatus
	Capabilities       map[string]interface{}
}

// UpdateNodeMode applies an edge registration update
func (r *NodeRepository) UpdateNodeMode(nodeID string, update NodeModeUpdate) error {
	updates := map[string]interface{}{
		"access_mode": update.AccessMode,
		"updated_at":  time.Now(),
	}
	if update.PublicIP != nil {
		updates["public_ip"] = *update.PublicIP
	}
	if update.PublicPort != nil {
		updates["public_port"] = *update.PublicPort
	}
	if update.Subdomain != nil {
		updates["subdomain"] = *update.Subdomain
	}
	if update.ConnectivityStatus != nil {
		updates["connectivity_status"] = *update.ConnectivityStatus
	}
	if update.Capabilities != nil {
		updates["capabilities"] = datatypes.JSONMap(update.Capabilities)
	}
	return r.db.Model(&models.Node{}).Where("id = ?", nodeID).Updates(updates).Error
}

// MergeNodeMetadata structurally merges a patch into the node's metadata map.
// Nested maps are merged recursively; scalars and arrays are replaced.
func (r *NodeRepository) MergeNodeMetadata(nodeID string, patch map[string]interface{}) error {
	node, err := r.FindByID(nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("node %s not found", nodeID)
	}

	merged := mergeMaps(map[string]interface{}(node.Metadata), patch)
	return r.db.Model(&models.Node{}).
		Where("id = ?", nodeID).
		Updates(map[string]interface{}{
			"metadata":   datatypes.JSONMap(merged),
			"updated_at": time.Now(),
		}).Error
}

func mergeMaps(base, patch map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		patchMap, patchIsMap := v.(map[string]interface{})
		baseMap, baseIsMap := merged[k].(map[string]interface{})
		if patchIsMap && baseIsMap {
			merged[k] = mergeMaps(baseMap, patchMap)
		} else {
			merged[k] = v
		}
	}
	return merged
}

// FindByID finds a node by ID; nil if absent
func (r *NodeRepository) FindByID(id string) (*models.Node, error) {
	var node models.Node
	err := r.db.Where("id = ?", id).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// FindTokenHash returns the stored token hash for a node, "" if absent
func (r *NodeRepository) FindTokenHash(nodeID string) (string, error) {
	node, err := r.FindByID(nodeID)
	if err != nil || node == nil {
		return "", err
	}
	return node.TokenHash, nil
}

// ConnectivityInfo is the reachability view the router consumes
type ConnectivityInfo struct {
	NodeID             string                    `json:"node_id"`
	Type               models.NodeType           `json:"type"`
	AccessMode         models.AccessMode         `json:"access_mode"`
	InternalIP         string                    `json:"internal_ip,omitempty"`
	InternalPort       int                       `json:"internal_port,omitempty"`
	PublicIP           string                    `json:"public_ip,omitempty"`
	PublicPort         int                       `json:"public_port,omitempty"`
	ConnectivityStatus models.ConnectivityStatus `json:"connectivity_status"`
}

// GetNodeConnectivityInfo returns the reachability view of a node, nil if absent
func (r *NodeRepository) GetNodeConnectivityInfo(nodeID string) (*ConnectivityInfo, error) {
	node, err := r.FindByID(nodeID)
	if err != nil || node == nil {
		return nil, err
	}
	return &ConnectivityInfo{
		NodeID:             node.ID,
		Type:               node.Type,
		AccessMode:         node.AccessMode,
		InternalIP:         node.InternalIP,
		InternalPort:       node.InternalPort,
		PublicIP:           node.PublicIP,
		PublicPort:         node.PublicPort,
		ConnectivityStatus: node.ConnectivityStatus,
	}, nil
}

// GetNodeMetadata returns the node's metadata map, nil if absent
func (r *NodeRepository) GetNodeMetadata(nodeID string) (map[string]interface{}, error) {
	node, err := r.FindByID(nodeID)
	if err != nil || node == nil {
		return nil, err
	}
	return map[string]interface{}(node.Metadata), nil
}

// FindNodeByResourcePath resolves a resource path to the node claiming the
// longest matching URL prefix in the node-pods index; nil if no prefix matches.
func (r *NodeRepository) FindNodeByResourcePath(path string) (*models.Node, error) {
	var entry models.NodePod
	err := r.db.
		Where("? LIKE base_url_prefix || '%'", path).
		Order("length(base_url_prefix) DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.FindByID(entry.NodeID)
}

// FindNodeBySubdomain finds a node by its registered cluster subdomain, nil if absent
func (r *NodeRepository) FindNodeBySubdomain(hostname string) (*models.Node, error) {
	var node models.Node
	err := r.db.Where("subdomain = ?", hostname).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// ListCenterNodes returns all center nodes
func (r *NodeRepository) ListCenterNodes() ([]*models.Node, error) {
	var nodes []*models.Node
	err := r.db.Where("type = ?", models.NodeTypeCenter).Find(&nodes).Error
	return nodes, err
}

// ListEdgeNodes returns all edge nodes
func (r *NodeRepository) ListEdgeNodes() ([]*models.Node, error) {
	var nodes []*models.Node
	err := r.db.Where("type = ?", models.NodeTypeEdge).Find(&nodes).Error
	return nodes, err
}

// ListAllNodes returns every registered node
func (r *NodeRepository) ListAllNodes() ([]*models.Node, error) {
	var nodes []*models.Node
	err := r.db.Find(&nodes).Error
	return nodes, err
}

// ReplaceNodePodPrefixes replaces the set of URL prefixes a node claims
func (r *NodeRepository) ReplaceNodePodPrefixes(nodeID string, prefixes []string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("node_id = ?", nodeID).Delete(&models.NodePod{}).Error; err != nil {
			return err
		}
		now := time.Now()
		for _, prefix := range prefixes {
			entry := models.NodePod{NodeID: nodeID, BaseURLPrefix: prefix, CreatedAt: now}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
