package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/gorm"

	"github.com/xpod/fabric/internal/api"
	"github.com/xpod/fabric/internal/events"
	"github.com/xpod/fabric/internal/migration"
	"github.com/xpod/fabric/internal/registration"
	"github.com/xpod/fabric/internal/repository"
	"github.com/xpod/fabric/internal/router"
	"github.com/xpod/fabric/internal/storage"
	"github.com/xpod/fabric/internal/supervisor"
	"github.com/xpod/fabric/pkg/config"
	"github.com/xpod/fabric/pkg/logger"
)

func main() {
	cfg := config.Load()

	appLogger := logger.NewLogger(logger.ParseLevel(cfg.LogLevel), os.Stdout, cfg.LogJSON)
	logger.SetDefault(appLogger)

	logger.Info("Starting center node", map[string]interface{}{
		"app":   cfg.AppName,
		"debug": cfg.Debug,
		"port":  cfg.Port,
	})

	nodeID, err := registration.LoadOrCreateNodeID(cfg.RootFilePath)
	if err != nil {
		logger.Fatal("Failed to load node identity", err, nil)
	}

	if err := repository.InitDB(cfg); err != nil {
		logger.Fatal("Failed to initialize database", err, nil)
	}

	db := repository.GetDB()
	nodeRepo := repository.NewNodeRepository(db)
	podRepo := repository.NewPodRepository(db)

	setupEventStorage(cfg, db)

	// Tiered storage is optional: a center without buckets runs
	// routing-only and migrations fall back to the simplified mode.
	var accessor *storage.Accessor
	if cfg.PrimaryBucket != "" {
		store, err := storage.NewS3Store(context.Background(), cfg)
		if err != nil {
			logger.Fatal("Failed to initialize object store", err, nil)
		}
		accessor = storage.NewAccessor(store, storage.AccessorConfig{
			PrimaryBucket: cfg.PrimaryBucket,
			CacheDir:      cfg.CacheDir,
			CacheMaxBytes: cfg.CacheMaxBytes,
			Region:        cfg.Region,
			RegionBuckets: cfg.RegionBuckets,
		})
		logger.Info("Tiered storage initialized", map[string]interface{}{
			"primary_bucket": cfg.PrimaryBucket,
			"region":         cfg.Region,
			"cache_dir":      cfg.CacheDir,
			"cache_max":      storage.FormatBytes(cfg.CacheMaxBytes),
		})
	} else {
		logger.Info("No primary bucket configured, tiered storage disabled", nil)
	}

	var regionalAccessor migration.RegionalAccessor
	if accessor != nil {
		regionalAccessor = accessor
	}
	engine := migration.NewEngine(podRepo, nodeRepo, regionalAccessor, nodeID)
	logger.Info("Migration engine ready", map[string]interface{}{
		"mode": engine.Describe(),
	})

	sup := supervisor.New()
	sup.SetStatusChangeHandler(func(name string, status supervisor.ServiceStatus) {
		switch status {
		case supervisor.StatusCrashed:
			events.Publish(events.TypeServiceCrashed, nodeID, map[string]interface{}{
				"service": name,
			})
		case supervisor.StatusRunning:
			events.Publish(events.TypeServiceRestarted, nodeID, map[string]interface{}{
				"service": name,
			})
		}
	})
	registerService(sup, "data-plane", cfg.DataPlaneCommand, cfg.RootFilePath)
	registerService(sup, "gateway", cfg.GatewayCommand, cfg.RootFilePath)
	sup.StartAll()

	internalIP := registration.DetectInternalIP()
	regService := registration.NewService(nodeRepo, nodeID, cfg.NodeDisplayName, internalIP, cfg.InternalPort,
		time.Duration(cfg.HeartbeatIntervalSeconds)*time.Second)
	if err := regService.Register(); err != nil {
		logger.Fatal("Failed to register center node", err, nil)
	}

	// Control surface
	nodeHandler := api.NewNodeHandler(nodeRepo, nodeID)
	clusterHandler := api.NewClusterHandler(podRepo, engine, nodeID)
	edgeHandler := api.NewEdgeHandler(nodeRepo)
	serviceHandler := api.NewServiceHandler(sup)
	healthHandler := api.NewHealthHandler(nodeID)
	control := api.SetupRouter(nodeHandler, clusterHandler, edgeHandler, serviceHandler, healthHandler, cfg)

	// Routing front door
	chain := router.NewChain(nil, []router.Intercept{
		router.NewPodRoutingHandler(podRepo, nodeRepo, nodeID, cfg.PodRoutingEnabled),
		router.NewEdgeDirectHandler(podRepo, nodeRepo, nodeID, cfg.PodRoutingEnabled),
	})
	clusterWS := router.NewClusterWebSocketHandler(nodeRepo, cfg.ClusterDomain)

	dataPlane, err := router.NewDataPlaneProxy(cfg.DataPlaneURL)
	if err != nil {
		logger.Fatal("Invalid DATA_PLANE_URL", err, map[string]interface{}{
			"url": cfg.DataPlaneURL,
		})
	}

	root := router.NewRootHandler(chain, clusterWS, control, dataPlane)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: root,
	}

	go func() {
		logger.Info("Listening", map[string]interface{}{
			"addr":    server.Addr,
			"node_id": nodeID,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", err, nil)
		}
	}()

	waitForShutdown(server, sup, regService)
}

// setupEventStorage wires the event bus to Postgres, plus InfluxDB when
// configured. An unreachable InfluxDB degrades to database-only storage.
func setupEventStorage(cfg *config.Config, db *gorm.DB) {
	dbStorage := events.NewDatabaseEventStorage(db)

	var eventStorage events.EventStorage = dbStorage
	if cfg.InfluxDBURL != "" && cfg.InfluxDBToken != "" {
		influxStorage, err := events.NewInfluxDBEventStorage(events.InfluxDBConfig{
			URL:    cfg.InfluxDBURL,
			Token:  cfg.InfluxDBToken,
			Org:    cfg.InfluxDBOrg,
			Bucket: cfg.InfluxDBBucket,
		})
		if err != nil {
			logger.Warn("InfluxDB unavailable, using database-only event storage", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			eventStorage = events.NewMultiEventStorage(dbStorage, influxStorage)
			logger.Info("Event storage: PostgreSQL + InfluxDB", map[string]interface{}{
				"influxdb_url": cfg.InfluxDBURL,
				"bucket":       cfg.InfluxDBBucket,
			})
		}
	}

	events.SetEventStorage(eventStorage)
}

// registerService adds one supervised child when its command is configured.
// The command string is split on whitespace: first token binary, rest args.
func registerService(sup *supervisor.Supervisor, name, command, cwd string) {
	if command == "" {
		return
	}
	parts := strings.Fields(command)
	sup.Register(supervisor.ServiceConfig{
		Name:    name,
		Command: parts[0],
		Args:    parts[1:],
		Cwd:     cwd,
	})
}

// waitForShutdown blocks on SIGINT/SIGTERM and tears the node down in order:
// children, heartbeat, HTTP server. SIGUSR1 also exits, letting the outer
// process manager relaunch us.
func waitForShutdown(server *http.Server, sup *supervisor.Supervisor, regService *registration.Service) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

	sig := <-sigChan
	logger.Info("Shutting down", map[string]interface{}{
		"signal": sig.String(),
	})

	sup.StopAll()
	regService.StopHeartbeat()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", err, nil)
	}

	sup.KillAll()

	if sig == syscall.SIGUSR1 {
		// Nonzero exit asks the parent to relaunch us
		os.Exit(1)
	}
}
