package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	v1 "flowfleet/api/v1"
	"flowfleet/internal/auth"
	"flowfleet/internal/cache"
	"flowfleet/internal/config"
	"flowfleet/internal/db"
	"flowfleet/internal/dispatch"
	"flowfleet/internal/fleet"
	"flowfleet/internal/liveness"
	"flowfleet/internal/notify"
	"flowfleet/internal/registry"
	"flowfleet/internal/revision"
	"flowfleet/internal/ws"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
		os.Exit(1)
	}
	log.Println("✓ Configuration loaded")

	logger := logrus.NewEntry(logrus.StandardLogger())

	// 2. Initialize MySQL
	if err := db.InitMySQL(cfg.MySQL.DSN); err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Migrate {
		if err := db.Migrate(db.GetDB()); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
			os.Exit(1)
		}
		log.Println("✓ Database migrated")
	}

	// 3. Initialize Redis
	if err := cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
		os.Exit(1)
	}
	defer cache.Close()

	// 4. Node token validation
	enforce := cfg.Security.Enabled && cfg.Security.UserSecurityLicensed
	auth.Init(cfg.JWT.Secret, cfg.Security.InternalToken, enforce)

	// 5. Core services
	reg := registry.New(time.Duration(cfg.Registry.DisconnectGraceSec) * time.Second)

	rev, err := revision.NewService(db.GetDB(), cfg.License.MaxNodes, cfg.License.Level)
	if err != nil {
		log.Fatalf("Failed to load configuration revisions: %v", err)
		os.Exit(1)
	}
	log.Printf("✓ Configuration revision %d loaded", rev.Current())

	fleetSvc := fleet.NewService(db.GetDB(), reg, rev)
	notifier := notify.NewService(db.GetDB())

	dispatchClient := dispatch.NewClient(cfg.AgentToken,
		time.Duration(cfg.Dispatch.DispatchTimeoutSec)*time.Second,
		time.Duration(cfg.Dispatch.AbortTimeoutSec)*time.Second)
	dispatcher := dispatch.NewDispatcher(db.GetDB(), reg, dispatchClient, logger)

	// 6. Socket.IO push channel; transport drops start the disconnect
	// grace window instead of tearing the session down immediately
	if err := ws.InitServer(func(connectionID string) {
		reg.MarkPendingDisconnect(connectionID)
	}); err != nil {
		log.Fatalf("Failed to initialize Socket.IO server: %v", err)
		os.Exit(1)
	}

	// 7. Background workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry.StartRefresher(ctx, reg, logger, func(s registry.Summary) {
		if data, err := json.Marshal(s); err == nil {
			if err := cache.SetStatusSummary(ctx, string(data)); err != nil {
				logger.Warnf("Failed to cache status summary: %v", err)
			}
		}
		ws.BroadcastToAll(ws.EventFleetSummary, s)
	})

	livenessWorker := liveness.NewWorker(&liveness.Config{
		DB:          db.GetDB(),
		Registry:    reg,
		Logger:      logger,
		IntervalSec: cfg.Registry.SweepIntervalSec,
		StaleSec:    cfg.Registry.StaleAfterSec,
		CurrentRev:  rev.Current,
	})
	livenessWorker.Start()
	defer livenessWorker.Stop()

	// 8. HTTP API
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	v1.SetupRouter(r, &v1.Deps{
		Fleet:      fleetSvc,
		Revision:   rev,
		Dispatcher: dispatcher,
		Notifier:   notifier,
		Config:     cfg,
	})

	wsHandler := ws.WrapWithAuth(ws.Server)
	r.GET("/socket.io/*any", gin.WrapH(wsHandler))
	r.POST("/socket.io/*any", gin.WrapH(wsHandler))

	log.Printf("✓ Server starting on %s", cfg.HTTPAddr)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
		os.Exit(1)
	}
}
