package models

import (
	"time"

	"gorm.io/datatypes"
)

// NodeType distinguishes long-lived cluster members from user-operated ones
type NodeType string

const (
	NodeTypeCenter NodeType = "center" // Shared server on the cluster's private network
	NodeTypeEdge   NodeType = "edge"   // User-run node on the internet side, often behind NAT
)

// AccessMode describes how an edge node can be reached
type AccessMode string

const (
	AccessModeDirect AccessMode = "direct" // Internet-reachable; clients are redirected to it
	AccessModeProxy  AccessMode = "proxy"  // Behind NAT; traffic goes through a tunnel entrypoint
	AccessModeUnset  AccessMode = "unset"
)

// ConnectivityStatus is the last observed reachability of a node
type ConnectivityStatus string

const (
	ConnectivityUnknown     ConnectivityStatus = "unknown"
	ConnectivityReachable   ConnectivityStatus = "reachable"
	ConnectivityUnreachable ConnectivityStatus = "unreachable"
)

// Node represents a cluster member (database model).
// Type is immutable after creation; registration upserts preserve TokenHash.
type Node struct {
	ID          string   `gorm:"primaryKey;size:100" json:"id"`
	DisplayName string   `gorm:"size:255" json:"display_name"`
	Type        NodeType `gorm:"size:10;not null;index" json:"type"`

	// Hex-encoded SHA-256 of the registration secret; the secret itself is
	// returned once at creation and never stored.
	TokenHash string `gorm:"size:64;not null" json:"-"`

	AccessMode AccessMode `gorm:"size:10;not null;default:'unset'" json:"access_mode"`

	// Centers: reachable on the cluster's private network
	InternalIP   string `gorm:"size:45" json:"internal_ip,omitempty"`
	InternalPort int    `json:"internal_port,omitempty"`

	// Edges: internet-reachable endpoint and/or cluster subdomain
	PublicIP   string `gorm:"size:45" json:"public_ip,omitempty"`
	PublicPort int    `json:"public_port,omitempty"`
	Subdomain  string `gorm:"size:255;index" json:"subdomain,omitempty"`

	Capabilities datatypes.JSONMap `gorm:"type:jsonb" json:"capabilities,omitempty"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`

	ConnectivityStatus ConnectivityStatus `gorm:"size:12;not null;default:'unknown';index" json:"connectivity_status"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
	LastSeen  time.Time `gorm:"index" json:"last_seen"`
}

// TableName specifies the table name
func (Node) TableName() string {
	return "nodes"
}

// IsCenter reports whether the node is a center node
func (n *Node) IsCenter() bool {
	return n.Type == NodeTypeCenter
}

// NodePod is one claimed URL prefix of a node. A prefix claims every path
// that starts with it; the longest match wins at lookup.
type NodePod struct {
	NodeID        string    `gorm:"primaryKey;size:100" json:"node_id"`
	BaseURLPrefix string    `gorm:"primaryKey;size:512" json:"base_url_prefix"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name
func (NodePod) TableName() string {
	return "node_pods"
}
