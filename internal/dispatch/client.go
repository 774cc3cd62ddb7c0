package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"flowfleet/internal/protocol"
)

// ErrTimeout is returned when a node does not reply within the bound. The
// caller decides whether to retry or abort; this client never retries.
var ErrTimeout = errors.New("node did not reply within the timeout")

// Client is the HTTP client for server -> node RPCs
type Client struct {
	dispatchClient *http.Client
	abortClient    *http.Client
	token          string
}

// NewClient creates a new dispatch client. token authenticates the server
// against the node agent's API.
func NewClient(token string, dispatchTimeout, abortTimeout time.Duration) *Client {
	return &Client{
		dispatchClient: &http.Client{Timeout: dispatchTimeout},
		abortClient:    &http.Client{Timeout: abortTimeout},
		token:          token,
	}
}

// DispatchJob hands one library file to a node agent and waits for its
// FileCheckResult, bounded by the dispatch timeout.
func (c *Client) DispatchJob(address string, port int, req *protocol.DispatchRequest) (protocol.FileCheckResult, error) {
	var resp protocol.DispatchResponse
	err := c.post(c.dispatchClient, address, port, "/agent/v1/jobs/dispatch", req, &resp)
	if err != nil {
		if isTimeout(err) {
			return protocol.FileCheckTimeout, ErrTimeout
		}
		return protocol.FileCheckRejected, err
	}

	if resp.Code != 0 {
		return protocol.FileCheckRejected, fmt.Errorf("agent returned error code %d: %s", resp.Code, resp.Message)
	}
	return resp.Data.Result, nil
}

// AbortJob asks a node agent to cancel a running job, bounded by the abort
// timeout. Returns whether the node confirmed the cancel.
func (c *Client) AbortJob(address string, port int, fileID int) (bool, error) {
	var resp protocol.AbortResponse
	err := c.post(c.abortClient, address, port, "/agent/v1/jobs/abort", &protocol.AbortRequest{FileID: fileID}, &resp)
	if err != nil {
		if isTimeout(err) {
			return false, ErrTimeout
		}
		return false, err
	}

	if resp.Code != 0 {
		return false, fmt.Errorf("agent returned error code %d: %s", resp.Code, resp.Message)
	}
	return resp.Data.Aborted, nil
}

// AbortAll tells a node agent to stop everything. Best-effort: errors are
// returned but callers typically ignore them.
func (c *Client) AbortAll(address string, port int) error {
	var resp protocol.AbortResponse
	return c.post(c.abortClient, address, port, "/agent/v1/jobs/abort-all", struct{}{}, &resp)
}

func (c *Client) post(client *http.Client, address string, port int, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	agentURL := fmt.Sprintf("http://%s:%d%s", address, port, path)
	httpReq, err := http.NewRequest("POST", agentURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent returned status %d: %s", httpResp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}
