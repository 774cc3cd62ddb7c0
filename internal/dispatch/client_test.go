package dispatch

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"flowfleet/internal/protocol"
	"flowfleet/internal/registry"

	"github.com/sirupsen/logrus"
)

func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func agentStub(t *testing.T, result protocol.FileCheckResult, aborted bool, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		switch r.URL.Path {
		case "/agent/v1/jobs/dispatch":
			var resp protocol.DispatchResponse
			resp.Message = "success"
			resp.Data.Result = result
			json.NewEncoder(w).Encode(resp)
		case "/agent/v1/jobs/abort", "/agent/v1/jobs/abort-all":
			var resp protocol.AbortResponse
			resp.Message = "success"
			resp.Data.Aborted = aborted
			json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestDispatchJob_Success(t *testing.T) {
	srv := agentStub(t, protocol.FileCheckAccepted, false, 0)
	defer srv.Close()

	client := NewClient("test-token", 5*time.Second, 2*time.Second)
	host, port := hostPort(t, srv)

	result, err := client.DispatchJob(host, port, &protocol.DispatchRequest{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("DispatchJob() failed: %v", err)
	}

	if result != protocol.FileCheckAccepted {
		t.Errorf("Expected accepted, got %s", result)
	}
}

func TestDispatchJob_TimeoutIsTyped(t *testing.T) {
	srv := agentStub(t, protocol.FileCheckAccepted, false, 2*time.Second)
	defer srv.Close()

	client := NewClient("test-token", 100*time.Millisecond, 2*time.Second)
	host, port := hostPort(t, srv)

	start := time.Now()
	result, err := client.DispatchJob(host, port, &protocol.DispatchRequest{RequestID: "req-1"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}

	if result != protocol.FileCheckTimeout {
		t.Errorf("Expected timeout result, got %s", result)
	}

	if time.Since(start) > time.Second {
		t.Error("Timeout should trip at the configured bound, not hang")
	}
}

func TestAbortJob_Confirmed(t *testing.T) {
	srv := agentStub(t, protocol.FileCheckAccepted, true, 0)
	defer srv.Close()

	client := NewClient("test-token", 5*time.Second, 2*time.Second)
	host, port := hostPort(t, srv)

	ok, err := client.AbortJob(host, port, 7)
	if err != nil {
		t.Fatalf("AbortJob() failed: %v", err)
	}
	if !ok {
		t.Error("Expected abort confirmation")
	}
}

func TestAbort_Broadcast(t *testing.T) {
	// Node 1 does not have the job, node 2 confirms the cancel
	srv1 := agentStub(t, protocol.FileCheckAccepted, false, 0)
	defer srv1.Close()
	srv2 := agentStub(t, protocol.FileCheckAccepted, true, 0)
	defer srv2.Close()

	reg := registry.New(10 * time.Second)
	h1, p1 := hostPort(t, srv1)
	h2, p2 := hostPort(t, srv2)
	reg.Register(registry.OnlineNodeInfo{NodeID: 1, NodeName: "worker-1", Address: h1, AgentPort: p1, ConnectionID: "c1"})
	reg.Register(registry.OnlineNodeInfo{NodeID: 2, NodeName: "worker-2", Address: h2, AgentPort: p2, ConnectionID: "c2"})

	client := NewClient("test-token", 5*time.Second, 2*time.Second)
	d := NewDispatcher(nil, reg, client, logrus.NewEntry(logrus.New()))

	if result := d.Abort(7); result != AbortConfirmed {
		t.Errorf("Expected confirmed, got %s", result)
	}
}

func TestAbort_NotFoundWhenNoNodeConfirms(t *testing.T) {
	srv := agentStub(t, protocol.FileCheckAccepted, false, 0)
	defer srv.Close()

	reg := registry.New(10 * time.Second)
	h, p := hostPort(t, srv)
	reg.Register(registry.OnlineNodeInfo{NodeID: 1, NodeName: "worker-1", Address: h, AgentPort: p, ConnectionID: "c1"})

	client := NewClient("test-token", 5*time.Second, 2*time.Second)
	d := NewDispatcher(nil, reg, client, logrus.NewEntry(logrus.New()))

	if result := d.Abort(7); result != AbortNotFound {
		t.Errorf("Expected not_found, got %s", result)
	}
}

func TestAbort_NoOnlineNodes(t *testing.T) {
	reg := registry.New(10 * time.Second)
	client := NewClient("test-token", 5*time.Second, 2*time.Second)
	d := NewDispatcher(nil, reg, client, logrus.NewEntry(logrus.New()))

	if result := d.Abort(7); result != AbortNotFound {
		t.Errorf("Expected not_found with empty fleet, got %s", result)
	}
}
