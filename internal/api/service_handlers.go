package api

import (
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/xpod/fabric/internal/middleware"
	"github.com/xpod/fabric/internal/supervisor"
	"github.com/xpod/fabric/pkg/logger"
)

// ServiceHandler serves the /service supervisor surface
type ServiceHandler struct {
	supervisor *supervisor.Supervisor
	upgrader   websocket.Upgrader
}

// NewServiceHandler creates a service handler
func NewServiceHandler(sup *supervisor.Supervisor) *ServiceHandler {
	return &ServiceHandler{
		supervisor: sup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// GetStatus handles GET /service/status
func (h *ServiceHandler) GetStatus(c *gin.Context) {
	states := h.supervisor.GetAllStatus()

	services := make([]gin.H, len(states))
	for i, state := range states {
		entry := gin.H{
			"name":         state.Name,
			"status":       state.Status,
			"restartCount": state.RestartCount,
		}
		if state.PID > 0 {
			entry["pid"] = state.PID
			entry["uptime"] = time.Since(state.StartTime).String()
		}
		if state.LastExitCode != nil {
			entry["lastExitCode"] = *state.LastExitCode
		}
		services[i] = entry
	}

	c.JSON(http.StatusOK, gin.H{"services": services})
}

// GetLogs handles GET /service/logs?level=&source=&limit=
func (h *ServiceHandler) GetLogs(c *gin.Context) {
	level := c.Query("level")
	source := c.Query("source")

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			middleware.HandleAppError(c, middleware.NewBadRequestError("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	logs := filterLogs(h.supervisor.GetLogs(), level, source, limit)
	c.JSON(http.StatusOK, gin.H{
		"logs":  logs,
		"count": len(logs),
	})
}

// filterLogs applies level/source filters and keeps the newest limit entries
func filterLogs(entries []supervisor.LogEntry, level, source string, limit int) []supervisor.LogEntry {
	filtered := make([]supervisor.LogEntry, 0, len(entries))
	for _, entry := range entries {
		if level != "" && entry.Level != level {
			continue
		}
		if source != "" && entry.Source != source {
			continue
		}
		filtered = append(filtered, entry)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

// StreamLogs handles GET /service/logs/stream: a WebSocket that ships log
// ring deltas on a 1 s tick.
func (h *ServiceHandler) StreamLogs(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Log stream upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ring := h.supervisor.Logs()

	// Start with the current tail, then only deltas
	entries, cursor := ring.SnapshotFrom(0)
	if len(entries) > 0 {
		if err := conn.WriteJSON(entries); err != nil {
			return
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		entries, cursor = ring.SnapshotFrom(cursor)
		if len(entries) == 0 {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(entries); err != nil {
			return
		}
	}
}

// RestartParent handles POST /api/admin/restart: SIGUSR1 to the parent, which
// treats it as a relaunch request.
func (h *ServiceHandler) RestartParent(c *gin.Context) {
	ppid := os.Getppid()
	if err := syscall.Kill(ppid, syscall.SIGUSR1); err != nil {
		middleware.HandleAppError(c, middleware.NewInternalError(err))
		return
	}

	logger.Info("Restart requested, signalled parent", map[string]interface{}{
		"ppid": ppid,
	})
	c.JSON(http.StatusOK, gin.H{"message": "restart requested"})
}
