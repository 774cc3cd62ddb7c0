package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	agentapi "flowfleet/agent/api/v1"
	"flowfleet/agent/client"
	agentconfig "flowfleet/agent/config"
	"flowfleet/agent/executor"
	"flowfleet/agent/runner"
	"flowfleet/agent/secrets"
	agentws "flowfleet/agent/ws"
	"flowfleet/internal/protocol"
	"flowfleet/internal/revision"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := agentconfig.Load()
	dirs := agentconfig.NewDirConfig()
	if err := dirs.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to create data directories: %v", err)
	}

	logger := setupLogger(cfg.LogFile)

	// Fleet client and configuration engine
	cl := client.NewClient(cfg.ServerURL, cfg.Token)
	cipher := secrets.NewCipher(secrets.MachineSecret())
	modRunner := executor.NewModRunner(dirs, cfg, logger, func(name, output string) {
		if err := cl.ReportModFailure(name, output); err != nil {
			logger.Warnf("Failed to report setup script failure: %v", err)
		}
	})
	engine := executor.NewApplyEngine(dirs, cfg, cl, cipher, modRunner, logger)

	// Job runner; finished jobs report back over the fleet API
	manager := runner.NewManager(processFunc(cfg, logger), func(report *protocol.CompleteRequest) {
		if err := cl.Complete(report); err != nil {
			logger.Errorf("Failed to report job completion for file %d: %v", report.FileID, err)
		}
	}, logger)

	// Register, retrying until the server is reachable
	resp := register(cl, cfg, engine, manager, logger)
	logger.WithField("node", resp.Node.ID).Infof("Registered with server %s (version %s)", cfg.ServerURL, resp.ServerVersion)

	if resp.CurrentRevision != engine.CurrentRevision() {
		if err := engine.Apply(resp.CurrentRevision); err != nil {
			logger.Errorf("Failed to apply revision %d: %v", resp.CurrentRevision, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Push channel: joins this node's room; server-side disconnect of
	// this socket starts the registry grace window. The heartbeat loop
	// below remains the fallback when pushes are missed.
	pushChannel := agentws.NewClient(cfg.ServerURL, cfg.Token, logger, agentws.Events{
		OnRevision: func(rev int64) {
			if err := engine.Apply(rev); err != nil {
				logger.Errorf("Failed to apply pushed revision %d: %v", rev, err)
			}
		},
		OnAbortAll: manager.AbortAll,
	})
	go pushChannel.Run(ctx, resp.Node.ID, resp.ConnectionID)

	client.StartHeartbeat(ctx, client.HeartbeatConfig{
		Client:        cl,
		Applier:       engine,
		Logger:        logger,
		IntervalSec:   cfg.HeartbeatIntervalSec,
		ActiveRunners: manager.Active,
	})
	startLogSync(ctx, cl, cfg, logger)

	// Agent API for server -> node RPCs
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	agentapi.SetupRouter(r, cfg.AgentToken, manager)

	go func() {
		logger.Infof("Agent API listening on %s", cfg.HTTPAddr)
		if err := r.Run(cfg.HTTPAddr); err != nil {
			log.Fatalf("Failed to start agent API: %v", err)
		}
	}()

	// Unregister on shutdown so the server skips the grace window
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("Shutting down")
	manager.AbortAll()
	if err := cl.Unregister(); err != nil {
		logger.Warnf("Failed to unregister: %v", err)
	}
}

func setupLogger(logFile string) *logrus.Entry {
	if f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
		logrus.SetOutput(io.MultiWriter(os.Stdout, f))
	} else {
		log.Printf("Failed to open log file %s: %v", logFile, err)
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func register(cl *client.Client, cfg *agentconfig.Config, engine *executor.ApplyEngine, manager *runner.Manager, logger *logrus.Entry) *protocol.RegisterResponse {
	req := &protocol.RegisterRequest{
		Hostname:        cfg.Hostname,
		OperatingSystem: runtime.GOOS,
		Architecture:    runtime.GOARCH,
		Version:         revision.ServerVersion,
		TempPath:        cfg.TempPath,
		AgentPort:       cfg.AgentPort,
		ActiveRunners:   manager.Active(),
		Revision:        engine.CurrentRevision(),
	}

	for {
		resp, err := cl.Register(req)
		if err == nil {
			return resp
		}
		if err == client.ErrUnauthorized {
			log.Fatalf("Server rejected this node's token")
		}
		logger.Warnf("Registration failed, retrying in 10s: %v", err)
		time.Sleep(10 * time.Second)
	}
}

// processFunc builds the job execution hook. The actual pipeline engine is
// an external command; it receives the file and flow through environment
// variables and is killed when the job is aborted.
func processFunc(cfg *agentconfig.Config, logger *logrus.Entry) runner.ProcessFunc {
	return func(ctx context.Context, req *protocol.DispatchRequest) *protocol.CompleteRequest {
		report := &protocol.CompleteRequest{FileID: req.File.ID}

		if cfg.ProcessCommand == "" {
			logger.Errorf("No PROCESS_COMMAND configured, failing file %d", req.File.ID)
			report.ProcessingLog = "no processing command configured on this node"
			return report
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", cfg.ProcessCommand)
		cmd.Env = append(os.Environ(),
			"FLOWFLEET_FILE="+req.File.Name,
			"FLOWFLEET_FILE_ID="+strconv.Itoa(req.File.ID),
			"FLOWFLEET_FLOW_ID="+strconv.Itoa(req.FlowID),
			"FLOWFLEET_TEMP_PATH="+cfg.TempPath,
		)

		output, err := cmd.CombinedOutput()
		report.ProcessingLog = string(output)
		report.Success = err == nil && ctx.Err() == nil
		if report.Success {
			if info, statErr := os.Stat(req.File.Name); statErr == nil {
				report.FinalSize = info.Size()
			}
			report.OutputPath = req.File.Name
		}
		return report
	}
}

func startLogSync(ctx context.Context, cl *client.Client, cfg *agentconfig.Config, logger *logrus.Entry) {
	interval := time.Duration(cfg.LogSyncIntervalSec) * time.Second
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cl.SyncLog(cfg.LogFile); err != nil {
					logger.WithField("component", "log-sync").Warnf("Failed to sync log: %v", err)
				}
			}
		}
	}()
}
