// Package client implements the node agent's HTTP client to the server.
package client

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"flowfleet/internal/protocol"
)

// ErrUnauthorized is returned when the server refuses this node's token.
// Rejected registrations carry no response body, so nothing more specific
// is available.
var ErrUnauthorized = errors.New("server rejected the node token")

// Client talks to the server's fleet API on behalf of one node
type Client struct {
	http      *http.Client
	serverURL string
	token     string

	nodeID atomic.Int64
}

// NewClient creates a new fleet client
func NewClient(serverURL, token string) *Client {
	return &Client{
		http:      &http.Client{Timeout: 30 * time.Second},
		serverURL: serverURL,
		token:     token,
	}
}

// NodeID returns this node's id as assigned during registration
func (c *Client) NodeID() int {
	return int(c.nodeID.Load())
}

// Register announces this node to the server and stores the assigned
// node id for subsequent calls.
func (c *Client) Register(req *protocol.RegisterRequest) (*protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	if err := c.postJSON("/api/v1/fleet/register", req, &resp); err != nil {
		return nil, err
	}
	if resp.Node == nil {
		return nil, fmt.Errorf("registration response carries no node")
	}
	c.nodeID.Store(int64(resp.Node.ID))
	return &resp, nil
}

// Heartbeat reports status and learns whether the configuration is stale
func (c *Client) Heartbeat(revision int64, activeRunners int) (*protocol.HeartbeatResponse, error) {
	req := protocol.HeartbeatRequest{
		NodeID:        c.NodeID(),
		Revision:      revision,
		ActiveRunners: activeRunners,
	}
	var resp protocol.HeartbeatResponse
	if err := c.postJSON("/api/v1/fleet/heartbeat", &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetConfiguration fetches one configuration revision with this node's
// variable overrides applied. Revision 0 means current.
func (c *Client) GetConfiguration(revision int64) (*protocol.ConfigPayload, error) {
	query := url.Values{}
	query.Set("nodeId", fmt.Sprintf("%d", c.NodeID()))
	query.Set("revision", fmt.Sprintf("%d", revision))

	var payload protocol.ConfigPayload
	if err := c.getJSON("/api/v1/fleet/configuration?"+query.Encode(), &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// DownloadPlugin fetches a plugin's zip archive
func (c *Client) DownloadPlugin(name string) ([]byte, error) {
	req, err := http.NewRequest("GET", c.serverURL+"/api/v1/fleet/plugins/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download plugin: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("plugin download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// SyncLog uploads the node's log file, gzip-compressed
func (c *Client) SyncLog(logPath string) error {
	f, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := io.Copy(gz, f); err != nil {
		return fmt.Errorf("failed to compress log: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish compression: %w", err)
	}

	path := fmt.Sprintf("/api/v1/fleet/log?nodeId=%d", c.NodeID())
	req, err := http.NewRequest("POST", c.serverURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	defer resp.Body.Close()
	return c.checkEnvelope(resp, nil)
}

// Unregister tells the server this node is shutting down cleanly
func (c *Client) Unregister() error {
	body := map[string]int{"nodeId": c.NodeID()}
	return c.postJSON("/api/v1/fleet/unregister", body, nil)
}

// Complete reports the final outcome of one processed file
func (c *Client) Complete(req *protocol.CompleteRequest) error {
	req.NodeID = c.NodeID()
	return c.postJSON("/api/v1/fleet/jobs/complete", req, nil)
}

// ReportModFailure reports a failed setup script so the server raises a
// critical notification.
func (c *Client) ReportModFailure(modName, output string) error {
	req := protocol.ModFailureRequest{
		NodeID:  c.NodeID(),
		ModName: modName,
		Output:  output,
	}
	return c.postJSON("/api/v1/fleet/mods/failure", &req, nil)
}

func (c *Client) postJSON(path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest("POST", c.serverURL+path, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to server failed: %w", err)
	}
	defer resp.Body.Close()
	return c.checkEnvelope(resp, out)
}

func (c *Client) getJSON(path string, out interface{}) error {
	req, err := http.NewRequest("GET", c.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to server failed: %w", err)
	}
	defer resp.Body.Close()
	return c.checkEnvelope(resp, out)
}

// checkEnvelope decodes the server's response envelope and unwraps the
// data field into out.
func (c *Client) checkEnvelope(resp *http.Response, out interface{}) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("invalid response from server (status %d): %w", resp.StatusCode, err)
	}
	if envelope.Code != 0 {
		return fmt.Errorf("server returned error code %d: %s", envelope.Code, envelope.Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}
