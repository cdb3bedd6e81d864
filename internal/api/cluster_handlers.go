package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xpod/fabric/internal/events"
	"github.com/xpod/fabric/internal/middleware"
	"github.com/xpod/fabric/internal/migration"
	"github.com/xpod/fabric/internal/repository"
)

// ClusterHandler serves the /.cluster pod and migration surface
type ClusterHandler struct {
	pods       *repository.PodRepository
	engine     *migration.Engine
	selfNodeID string
}

// NewClusterHandler creates a cluster handler
func NewClusterHandler(pods *repository.PodRepository, engine *migration.Engine, selfNodeID string) *ClusterHandler {
	return &ClusterHandler{pods: pods, engine: engine, selfNodeID: selfNodeID}
}

// ListPods handles GET /.cluster/pods
func (h *ClusterHandler) ListPods(c *gin.Context) {
	pods, err := h.pods.ListAllPods()
	if err != nil {
		middleware.HandleAppError(c, middleware.NewInternalError(err))
		return
	}

	out := make([]gin.H, len(pods))
	for i, pod := range pods {
		nodeID := h.selfNodeID
		if pod.NodeID != nil {
			nodeID = *pod.NodeID
		}
		out[i] = gin.H{
			"podId":     pod.ID,
			"baseUrl":   pod.BaseURL,
			"accountId": pod.AccountID,
			"nodeId":    nodeID,
		}
	}

	c.JSON(http.StatusOK, gin.H{"pods": out})
}

// GetPod handles GET /.cluster/pods/:podId
func (h *ClusterHandler) GetPod(c *gin.Context) {
	pod, err := h.pods.FindByID(c.Param("podId"))
	if err != nil {
		middleware.HandleAppError(c, middleware.NewInternalError(err))
		return
	}
	if pod == nil {
		middleware.HandleAppError(c, middleware.NewNotFoundError("pod"))
		return
	}

	c.JSON(http.StatusOK, pod)
}

type migrateRequest struct {
	TargetNode string `json:"targetNode" binding:"required"`
}

// MigratePod handles POST /.cluster/pods/:podId/migrate
func (h *ClusterHandler) MigratePod(c *gin.Context) {
	podID := c.Param("podId")

	var req migrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleAppError(c, middleware.NewBadRequestError("targetNode is required"))
		return
	}

	events.Publish(events.TypeMigrationStarted, h.selfNodeID, map[string]interface{}{
		"pod_id":      podID,
		"target_node": req.TargetNode,
	})

	result, err := h.engine.MigratePod(c.Request.Context(), podID, req.TargetNode)
	if err != nil {
		h.renderMigrationError(c, podID, req.TargetNode, err)
		return
	}

	events.Publish(events.TypeMigrationCompleted, h.selfNodeID, map[string]interface{}{
		"pod_id":      result.PodID,
		"source_node": result.SourceNodeID,
		"target_node": result.TargetNodeID,
	})

	c.JSON(http.StatusOK, gin.H{
		"message":    "pod migrated",
		"podId":      result.PodID,
		"sourceNode": result.SourceNodeID,
		"targetNode": result.TargetNodeID,
		"migratedAt": result.MigratedAt,
	})
}

func (h *ClusterHandler) renderMigrationError(c *gin.Context, podID, targetNode string, err error) {
	eventType := events.TypeMigrationFailed
	defer func() {
		events.Publish(eventType, h.selfNodeID, map[string]interface{}{
			"pod_id":      podID,
			"target_node": targetNode,
			"error":       err.Error(),
		})
	}()

	switch {
	case errors.Is(err, migration.ErrPodNotFound):
		middleware.HandleAppError(c, middleware.NewNotFoundError("pod"))
	case errors.Is(err, migration.ErrNodeNotFound):
		middleware.HandleAppError(c, middleware.NewNotFoundError("target node"))
	case errors.Is(err, migration.ErrAlreadyOnTarget):
		middleware.HandleAppError(c, middleware.NewBadRequestError("pod already on node"))
	case errors.Is(err, migration.ErrNotACenterNode):
		middleware.HandleAppError(c, middleware.NewBadRequestError("target node is not a center node"))
	case errors.Is(err, migration.ErrAlreadyMigrating):
		middleware.HandleAppError(c, middleware.NewConflictError("pod migration already in progress"))
	case errors.Is(err, migration.ErrCancelled):
		eventType = events.TypeMigrationCancelled
		middleware.HandleAppError(c, middleware.NewConflictError("migration cancelled"))
	default:
		middleware.HandleAppError(c, middleware.NewInternalError(err))
	}
}

// GetMigration handles GET /.cluster/pods/:podId/migration
func (h *ClusterHandler) GetMigration(c *gin.Context) {
	status, err := h.pods.GetMigrationStatus(c.Param("podId"))
	if err != nil {
		middleware.HandleAppError(c, middleware.NewInternalError(err))
		return
	}
	if status == nil {
		middleware.HandleAppError(c, middleware.NewNotFoundError("pod"))
		return
	}

	c.JSON(http.StatusOK, status)
}

// CancelMigration handles DELETE /.cluster/pods/:podId/migration
func (h *ClusterHandler) CancelMigration(c *gin.Context) {
	podID := c.Param("podId")

	if !h.engine.Cancel(podID) {
		middleware.HandleAppError(c, middleware.NewNotFoundError("migration"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "cancellation requested",
		"podId":   podID,
	})
}
