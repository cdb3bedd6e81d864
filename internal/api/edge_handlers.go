package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xpod/fabric/internal/middleware"
	"github.com/xpod/fabric/internal/models"
	"github.com/xpod/fabric/internal/repository"
)

// EdgeRegistry is the slice of the node repository the edge surface needs
type EdgeRegistry interface {
	FindTokenHash(nodeID string) (string, error)
	UpdateNodeMode(nodeID string, update repository.NodeModeUpdate) error
	MergeNodeMetadata(nodeID string, patch map[string]interface{}) error
	GetNodeMetadata(nodeID string) (map[string]interface{}, error)
	ReplaceNodePodPrefixes(nodeID string, prefixes []string) error
	FindNodeByResourcePath(path string) (*models.Node, error)
}

// EdgeHandler serves the node-facing registration surface under
// /.cluster/nodes. Edges call in with the secret minted at node creation to
// declare their access mode, metadata, and the resource prefixes they serve.
type EdgeHandler struct {
	nodes EdgeRegistry
}

// NewEdgeHandler creates an edge registration handler
func NewEdgeHandler(nodes EdgeRegistry) *EdgeHandler {
	return &EdgeHandler{nodes: nodes}
}

// Authenticate verifies the Bearer secret of the :nodeId route param against
// the stored token hash. Unknown nodes get the same 401 as a wrong secret.
func (h *EdgeHandler) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID := c.Param("nodeId")

		auth := c.GetHeader("Authorization")
		secret, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || secret == "" {
			middleware.HandleAppError(c, middleware.NewUnauthorizedError("missing bearer token"))
			return
		}

		hash, err := h.nodes.FindTokenHash(nodeID)
		if err != nil {
			middleware.HandleAppError(c, middleware.NewInternalError(err))
			return
		}
		if !repository.MatchesToken(hash, secret) {
			middleware.HandleAppError(c, middleware.NewUnauthorizedError("invalid node credentials"))
			return
		}

		c.Next()
	}
}

type modeUpdateRequest struct {
	AccessMode   string                 `json:"accessMode" binding:"required"`
	PublicIP     *string                `json:"publicIp"`
	PublicPort   *int                   `json:"publicPort"`
	Subdomain    *string                `json:"subdomain"`
	Capabilities map[string]interface{} `json:"capabilities"`
}

// UpdateMode handles PUT /.cluster/nodes/:nodeId/mode. Declaring a mode also
// marks the node reachable; heartbeats keep it that way.
func (h *EdgeHandler) UpdateMode(c *gin.Context) {
	nodeID := c.Param("nodeId")

	var req modeUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleAppError(c, middleware.NewBadRequestError("invalid request body"))
		return
	}

	mode := models.AccessMode(req.AccessMode)
	if mode != models.AccessModeDirect && mode != models.AccessModeProxy {
		middleware.HandleAppError(c, middleware.NewBadRequestError("accessMode must be direct or proxy"))
		return
	}
	if mode == models.AccessModeDirect && (req.PublicIP == nil || *req.PublicIP == "") {
		middleware.HandleAppError(c, middleware.NewBadRequestError("direct mode requires publicIp"))
		return
	}

	reachable := models.ConnectivityReachable
	err := h.nodes.UpdateNodeMode(nodeID, repository.NodeModeUpdate{
		AccessMode:         mode,
		PublicIP:           req.PublicIP,
		PublicPort:         req.PublicPort,
		Subdomain:          req.Subdomain,
		ConnectivityStatus: &reachable,
		Capabilities:       req.Capabilities,
	})
	if err != nil {
		middleware.HandleAppError(c, middleware.NewInternalError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"nodeId": nodeID, "accessMode": mode})
}

// MergeMetadata handles PATCH /.cluster/nodes/:nodeId/metadata. The body is a
// partial metadata document merged over what the node declared before.
func (h *EdgeHandler) MergeMetadata(c *gin.Context) {
	nodeID := c.Param("nodeId")

	var patch map[string]interface{}
	if err := c.ShouldBindJSON(&patch); err != nil {
		middleware.HandleAppError(c, middleware.NewBadRequestError("invalid request body"))
		return
	}

	if err := h.nodes.MergeNodeMetadata(nodeID, patch); err != nil {
		middleware.HandleAppError(c, middleware.NewInternalError(err))
		return
	}

	metadata, err := h.nodes.GetNodeMetadata(nodeID)
	if err != nil {
		middleware.HandleAppError(c, middleware.NewInternalError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodeId": nodeID, "metadata": metadata})
}

type prefixesRequest struct {
	Prefixes []string `json:"prefixes"`
}

// ReplacePrefixes handles PUT /.cluster/nodes/:nodeId/pods: the full set of
// URL prefixes this node serves, replacing any earlier claim.
func (h *EdgeHandler) ReplacePrefixes(c *gin.Context) {
	nodeID := c.Param("nodeId")

	var req prefixesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleAppError(c, middleware.NewBadRequestError("invalid request body"))
		return
	}
	for _, prefix := range req.Prefixes {
		if prefix == "" {
			middleware.HandleAppError(c, middleware.NewBadRequestError("prefixes must be non-empty"))
			return
		}
	}

	if err := h.nodes.ReplaceNodePodPrefixes(nodeID, req.Prefixes); err != nil {
		middleware.HandleAppError(c, middleware.NewInternalError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"nodeId": nodeID, "prefixes": len(req.Prefixes)})
}

// ResolveRoute handles GET /.cluster/route?path=... against the node-pods
// prefix index. Longest claimed prefix wins.
func (h *EdgeHandler) ResolveRoute(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		middleware.HandleAppError(c, middleware.NewBadRequestError("path is required"))
		return
	}

	node, err := h.nodes.FindNodeByResourcePath(path)
	if err != nil {
		middleware.HandleAppError(c, middleware.NewInternalError(err))
		return
	}
	if node == nil {
		middleware.HandleAppError(c, middleware.NewNotFoundError("route"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nodeId":     node.ID,
		"type":       node.Type,
		"accessMode": node.AccessMode,
	})
}
