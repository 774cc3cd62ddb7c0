package client

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"flowfleet/internal/protocol"
)

// Applier is the configuration engine the heartbeat loop drives when the
// server reports a stale revision.
type Applier interface {
	Apply(revision int64) error
	CurrentRevision() int64
}

// HeartbeatConfig holds the heartbeat worker's dependencies
type HeartbeatConfig struct {
	Client        *Client
	Applier       Applier
	Logger        *logrus.Entry
	IntervalSec   int
	ActiveRunners func() int
}

// StartHeartbeat reports this node's status on a fixed interval. A
// heartbeat answered with update_configuration triggers a re-pull; apply
// failures are logged and retried on the next beat.
func StartHeartbeat(ctx context.Context, cfg HeartbeatConfig) {
	logger := cfg.Logger.WithField("component", "heartbeat")
	interval := time.Duration(cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger.WithField("interval", interval).Info("Heartbeat worker started")
		for {
			select {
			case <-ctx.Done():
				logger.Info("Heartbeat worker stopped")
				return
			case <-ticker.C:
				beat(cfg, logger)
			}
		}
	}()
}

func beat(cfg HeartbeatConfig, logger *logrus.Entry) {
	resp, err := cfg.Client.Heartbeat(cfg.Applier.CurrentRevision(), cfg.ActiveRunners())
	if err != nil {
		logger.Warnf("Heartbeat failed: %v", err)
		return
	}

	switch resp.Status {
	case protocol.HeartbeatUpdateConfiguration:
		logger.WithField("revision", resp.CurrentRevision).Info("Configuration is stale, re-pulling")
		if err := cfg.Applier.Apply(resp.CurrentRevision); err != nil {
			logger.Errorf("Failed to apply revision %d: %v", resp.CurrentRevision, err)
		}
	case protocol.HeartbeatInvalidModel, protocol.HeartbeatException:
		logger.Warnf("Server reported heartbeat status %s", resp.Status)
	}
}
