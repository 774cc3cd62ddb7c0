// Package ws maintains the node's push channel to the server. The channel
// carries server-initiated nudges (config updated, abort-all); all
// request/response traffic stays on the HTTP API.
package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	socketio_client "github.com/zhouhui8915/go-socket.io-client"
)

// Events are the push notifications the node reacts to
type Events struct {
	// OnRevision fires for config:updated and node:updated pushes
	OnRevision func(revision int64)
	// OnAbortAll fires for the fleet-wide abort broadcast
	OnAbortAll func()
}

// Client keeps one socket.io connection to the server open, rejoining the
// node's room after every reconnect. Losing the socket is what starts the
// server-side disconnect grace window, so staying connected matters.
type Client struct {
	serverURL string
	token     string
	logger    *logrus.Entry
	events    Events
}

// NewClient creates a new push channel client
func NewClient(serverURL, token string, logger *logrus.Entry, events Events) *Client {
	return &Client{
		serverURL: serverURL,
		token:     token,
		logger:    logger.WithField("component", "push-channel"),
		events:    events,
	}
}

// Run connects and reconnects until ctx is cancelled. nodeID and
// connectionID identify this session to the server's registry.
func (c *Client) Run(ctx context.Context, nodeID int, connectionID string) {
	backoff := time.Second
	for {
		disconnected, err := c.connect(nodeID, connectionID)
		if err != nil {
			c.logger.Warnf("Push channel connect failed: %v", err)
		} else {
			backoff = time.Second
			select {
			case <-disconnected:
				c.logger.Warn("Push channel lost, reconnecting")
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) connect(nodeID int, connectionID string) (<-chan struct{}, error) {
	opts := &socketio_client.Options{
		Transport: "websocket",
		Query:     map[string]string{"token": c.token},
	}

	cli, err := socketio_client.NewClient(c.serverURL, opts)
	if err != nil {
		return nil, err
	}

	disconnected := make(chan struct{})

	_ = cli.On("connection", func() {
		c.logger.Info("Push channel connected")
		if err := cli.Emit("node:join", map[string]interface{}{
			"nodeId":       nodeID,
			"connectionId": connectionID,
		}); err != nil {
			c.logger.Warnf("Failed to join node room: %v", err)
		}
	})
	_ = cli.On("disconnection", func() {
		select {
		case <-disconnected:
		default:
			close(disconnected)
		}
	})
	_ = cli.On("error", func() {
		c.logger.Warn("Push channel error")
	})

	_ = cli.On("config:updated", func(data interface{}) {
		c.handleRevision(data)
	})
	_ = cli.On("node:updated", func(data interface{}) {
		c.handleRevision(data)
	})
	_ = cli.On("jobs:abort-all", func(data interface{}) {
		c.logger.Info("Abort-all received")
		if c.events.OnAbortAll != nil {
			c.events.OnAbortAll()
		}
	})

	return disconnected, nil
}

func (c *Client) handleRevision(data interface{}) {
	revision, ok := parseRevision(data)
	if !ok {
		c.logger.Warnf("Ignoring push with no revision: %v", data)
		return
	}
	c.logger.WithField("revision", revision).Info("Revision push received")
	if c.events.OnRevision != nil {
		c.events.OnRevision(revision)
	}
}

// parseRevision extracts the revision number from a push payload, which
// arrives either as a decoded map or as raw JSON.
func parseRevision(data interface{}) (int64, bool) {
	switch v := data.(type) {
	case map[string]interface{}:
		if rev, ok := v["revision"].(float64); ok {
			return int64(rev), true
		}
	case string:
		var payload struct {
			Revision int64 `json:"revision"`
		}
		if err := json.Unmarshal([]byte(v), &payload); err == nil && payload.Revision > 0 {
			return payload.Revision, true
		}
	case []byte:
		return parseRevision(string(v))
	}
	return 0, false
}
