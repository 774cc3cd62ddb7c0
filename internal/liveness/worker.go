// Package liveness reconciles the connection registry with persisted node
// status: confirming pending disconnects past the grace window, expiring
// sessions with stale heartbeats, and flagging nodes that need a
// configuration update.
package liveness

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"flowfleet/internal/model"
	"flowfleet/internal/registry"
	"flowfleet/internal/ws"
)

// Worker runs the periodic liveness sweep
type Worker struct {
	ctx        context.Context
	cancel     context.CancelFunc
	db         *gorm.DB
	reg        *registry.Registry
	logger     *logrus.Entry
	interval   time.Duration
	staleAfter time.Duration
	currentRev func() int64
}

// Config holds the configuration for the liveness worker
type Config struct {
	DB          *gorm.DB
	Registry    *registry.Registry
	Logger      *logrus.Entry
	IntervalSec int
	StaleSec    int
	CurrentRev  func() int64
}

// NewWorker creates a new liveness worker
func NewWorker(cfg *Config) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		ctx:        ctx,
		cancel:     cancel,
		db:         cfg.DB,
		reg:        cfg.Registry,
		logger:     cfg.Logger.WithField("component", "liveness-worker"),
		interval:   time.Duration(cfg.IntervalSec) * time.Second,
		staleAfter: time.Duration(cfg.StaleSec) * time.Second,
		currentRev: cfg.CurrentRev,
	}
}

// Start begins the periodic sweep
func (w *Worker) Start() {
	w.logger.Info("Starting liveness worker...")
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.sweep()
			case <-w.ctx.Done():
				w.logger.Info("Stopping liveness worker...")
				return
			}
		}
	}()
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.cancel()
}

func (w *Worker) sweep() {
	now := time.Now()

	// Confirm disconnects whose grace window has elapsed
	for _, gone := range w.reg.SweepExpired(now) {
		w.logger.WithField("node", gone.NodeName).Info("Disconnect confirmed")
		w.setStatus(gone.NodeID, model.NodeStatusOffline)
	}

	current := w.currentRev()
	for _, info := range w.reg.ListOnline() {
		// A session that stopped heartbeating is treated like a transport
		// disconnect; the grace window still applies before removal.
		if now.Sub(info.LastSeen) > w.staleAfter && !info.PendingDisconnect {
			w.logger.WithField("node", info.NodeName).Warn("Heartbeat stale, marking pending disconnect")
			w.reg.MarkPendingDisconnect(info.ConnectionID)
			continue
		}

		// Stale configuration is visible as "needs update", not "offline".
		// The node also gets a push so it re-pulls before its next
		// heartbeat.
		if info.Revision != current {
			w.setStatus(info.NodeID, model.NodeStatusNeedsUpdate)
			ws.BroadcastToNode(info.NodeID, ws.EventNodeUpdated, map[string]interface{}{
				"revision": current,
			})
		} else {
			w.setStatus(info.NodeID, model.NodeStatusOnline)
		}
	}
}

func (w *Worker) setStatus(nodeID int, status model.NodeStatus) {
	err := w.db.Model(&model.Node{}).
		Where("id = ? AND status <> ?", nodeID, status).
		Update("status", status).Error
	if err != nil {
		w.logger.Errorf("Failed to update node %d status: %v", nodeID, err)
	}
}
