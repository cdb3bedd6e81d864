package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xpod/fabric/internal/middleware"
	"github.com/xpod/fabric/internal/models"
	"github.com/xpod/fabric/internal/repository"
)

// NodeHandler serves the /admin/nodes surface
type NodeHandler struct {
	nodes      *repository.NodeRepository
	selfNodeID string
}

// NewNodeHandler creates a node handler
func NewNodeHandler(nodes *repository.NodeRepository, selfNodeID string) *NodeHandler {
	return &NodeHandler{nodes: nodes, selfNodeID: selfNodeID}
}

// ListNodes handles GET /admin/nodes?type=center|edge
func (h *NodeHandler) ListNodes(c *gin.Context) {
	var nodes []*models.Node
	var err error
	switch c.Query("type") {
	case "":
		nodes, err = h.nodes.ListAllNodes()
	case string(models.NodeTypeCenter):
		nodes, err = h.nodes.ListCenterNodes()
	case string(models.NodeTypeEdge):
		nodes, err = h.nodes.ListEdgeNodes()
	default:
		middleware.HandleAppError(c, middleware.NewBadRequestError("type must be center or edge"))
		return
	}
	if err != nil {
		middleware.HandleAppError(c, middleware.NewInternalError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes":     nodes,
		"total":     len(nodes),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GetNode handles GET /admin/nodes/:nodeId
func (h *NodeHandler) GetNode(c *gin.Context) {
	nodeID := c.Param("nodeId")

	node, err := h.nodes.FindByID(nodeID)
	if err != nil {
		middleware.HandleAppError(c, middleware.NewInternalError(err))
		return
	}
	if node == nil {
		middleware.HandleAppError(c, middleware.NewNotFoundError("node"))
		return
	}

	c.JSON(http.StatusOK, node)
}

// GetNodeCapabilities handles GET /admin/nodes/:nodeId/capabilities. Declared
// capabilities from registration are combined with a fresh detection pass when
// the node is this process.
func (h *NodeHandler) GetNodeCapabilities(c *gin.Context) {
	nodeID := c.Param("nodeId")

	node, err := h.nodes.FindByID(nodeID)
	if err != nil {
		middleware.HandleAppError(c, middleware.NewInternalError(err))
		return
	}
	if node == nil {
		middleware.HandleAppError(c, middleware.NewNotFoundError("node"))
		return
	}

	response := gin.H{
		"node_id": node.ID,
		"stored":  map[string]interface{}(node.Capabilities),
	}
	if node.ID == h.selfNodeID {
		response["detected"] = DetectCapabilities()
	}

	c.JSON(http.StatusOK, response)
}

type createNodeRequest struct {
	DisplayName string `json:"displayName"`
	Type        string `json:"type"`
}

// CreateNode handles POST /admin/nodes. The registration token appears in
// this response and nowhere else.
func (h *NodeHandler) CreateNode(c *gin.Context) {
	var req createNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		middleware.HandleAppError(c, middleware.NewBadRequestError("invalid request body"))
		return
	}

	nodeType := models.NodeTypeEdge
	if req.Type == string(models.NodeTypeCenter) {
		nodeType = models.NodeTypeCenter
	}

	nodeID := string(nodeType) + "-" + uuid.New().String()
	node, secret, err := h.nodes.CreateNode(nodeID, req.DisplayName, nodeType)
	if err != nil {
		middleware.HandleAppError(c, middleware.NewInternalError(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"nodeId":    node.ID,
		"token":     secret,
		"createdAt": node.CreatedAt.UTC().Format(time.RFC3339),
	})
}
