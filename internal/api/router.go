package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xpod/fabric/internal/middleware"
	"github.com/xpod/fabric/pkg/config"
)

// SetupRouter wires the control surface: admin nodes, cluster pods and
// migrations, supervisor status/logs, health, and Prometheus metrics.
func SetupRouter(
	nodeHandler *NodeHandler,
	clusterHandler *ClusterHandler,
	edgeHandler *EdgeHandler,
	serviceHandler *ServiceHandler,
	healthHandler *HealthHandler,
	cfg *config.Config,
) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.RequestLogger())

	// CORS for the admin dashboard
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/health", healthHandler.HealthCheck)
	router.HEAD("/health", healthHandler.HealthCheck)

	router.GET("/prometheus", gin.WrapH(promhttp.Handler()))

	admin := router.Group("/admin")
	{
		admin.GET("/nodes", nodeHandler.ListNodes)
		admin.POST("/nodes", nodeHandler.CreateNode)
		admin.GET("/nodes/:nodeId", nodeHandler.GetNode)
		admin.GET("/nodes/:nodeId/capabilities", nodeHandler.GetNodeCapabilities)
	}

	cluster := router.Group("/.cluster")
	{
		cluster.GET("/pods", clusterHandler.ListPods)
		cluster.GET("/pods/:podId", clusterHandler.GetPod)
		cluster.POST("/pods/:podId/migrate", clusterHandler.MigratePod)
		cluster.GET("/pods/:podId/migration", clusterHandler.GetMigration)
		cluster.DELETE("/pods/:podId/migration", clusterHandler.CancelMigration)

		cluster.GET("/route", edgeHandler.ResolveRoute)

		nodes := cluster.Group("/nodes/:nodeId", edgeHandler.Authenticate())
		{
			nodes.PUT("/mode", edgeHandler.UpdateMode)
			nodes.PATCH("/metadata", edgeHandler.MergeMetadata)
			nodes.PUT("/pods", edgeHandler.ReplacePrefixes)
		}
	}

	service := router.Group("/service")
	{
		service.GET("/status", serviceHandler.GetStatus)
		service.GET("/logs", serviceHandler.GetLogs)
		service.GET("/logs/stream", serviceHandler.StreamLogs)
	}

	router.POST("/api/admin/restart", serviceHandler.RestartParent)

	return router
}
