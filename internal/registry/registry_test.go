package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func session(nodeID int, conn string) OnlineNodeInfo {
	return OnlineNodeInfo{
		NodeID:       nodeID,
		NodeName:     fmt.Sprintf("worker-%d", nodeID),
		Address:      "10.0.0.1",
		AgentPort:    19101,
		ConnectionID: conn,
	}
}

func TestRegister_ReplacesOldConnection(t *testing.T) {
	r := New(10 * time.Second)

	r.Register(session(1, "conn-a"))
	r.Register(session(1, "conn-b"))

	online := r.ListOnline()
	if len(online) != 1 {
		t.Fatalf("Expected 1 live session, got %d", len(online))
	}

	if online[0].ConnectionID != "conn-b" {
		t.Errorf("Expected conn-b, got %s", online[0].ConnectionID)
	}

	// The old connection must no longer resolve
	r.MarkPendingDisconnect("conn-a")
	info, ok := r.ConnectionFor(1)
	if !ok || info.PendingDisconnect {
		t.Error("Stale connection id must not affect the new session")
	}
}

func TestHeartbeat_UnknownNodeIsNoOp(t *testing.T) {
	r := New(10 * time.Second)

	// Must not panic or create an entry
	r.Heartbeat(42, 3, 1)

	if len(r.ListOnline()) != 0 {
		t.Error("Heartbeat for unknown node must not create a session")
	}
}

func TestPendingDisconnect_ReconnectCancels(t *testing.T) {
	r := New(10 * time.Second)

	r.Register(session(1, "conn-a"))
	r.MarkPendingDisconnect("conn-a")

	info, ok := r.ConnectionFor(1)
	if !ok || !info.PendingDisconnect {
		t.Fatal("Session should be pending disconnect")
	}

	// Node reconnects within the grace window
	r.Register(session(1, "conn-b"))

	// Confirming the old connection must be a no-op now
	r.ConfirmDisconnect("conn-a")

	info, ok = r.ConnectionFor(1)
	if !ok {
		t.Fatal("Session should still be live after reconnect")
	}
	if info.PendingDisconnect {
		t.Error("Reconnect should clear the pending disconnect marker")
	}
	if info.ConnectionID != "conn-b" {
		t.Errorf("Expected conn-b, got %s", info.ConnectionID)
	}
}

func TestConfirmDisconnect_RemovesPendingSession(t *testing.T) {
	r := New(10 * time.Second)

	r.Register(session(1, "conn-a"))
	r.MarkPendingDisconnect("conn-a")
	r.ConfirmDisconnect("conn-a")

	if _, ok := r.ConnectionFor(1); ok {
		t.Error("Confirmed disconnect should remove the session")
	}
}

func TestSweepExpired(t *testing.T) {
	r := New(10 * time.Second)

	r.Register(session(1, "conn-a"))
	r.Register(session(2, "conn-b"))
	r.MarkPendingDisconnect("conn-a")

	// Not yet past the grace window
	if removed := r.SweepExpired(time.Now()); len(removed) != 0 {
		t.Errorf("Expected no removals inside grace window, got %d", len(removed))
	}

	removed := r.SweepExpired(time.Now().Add(11 * time.Second))
	if len(removed) != 1 || removed[0].NodeID != 1 {
		t.Fatalf("Expected node 1 removed, got %v", removed)
	}

	if len(r.ListOnline()) != 1 {
		t.Errorf("Expected 1 remaining session, got %d", len(r.ListOnline()))
	}
}

func TestConcurrentRegisterDisconnect_SingleEntryInvariant(t *testing.T) {
	r := New(time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		conn := fmt.Sprintf("conn-%d", i)
		go func(c string) {
			defer wg.Done()
			r.Register(session(1, c))
		}(conn)
		go func(c string) {
			defer wg.Done()
			r.MarkPendingDisconnect(c)
			r.ConfirmDisconnect(c)
		}(conn)
	}
	wg.Wait()

	if n := len(r.ListOnline()); n > 1 {
		t.Fatalf("At most one live session per node id expected, got %d", n)
	}
}

func TestBuildSummary(t *testing.T) {
	r := New(10 * time.Second)

	a := session(2, "conn-b")
	a.ActiveRunners = 2
	b := session(1, "conn-a")
	b.ActiveRunners = 1
	r.Register(a)
	r.Register(b)

	s := r.BuildSummary()
	if s.Online != 2 {
		t.Errorf("Expected 2 online, got %d", s.Online)
	}
	if s.TotalRunners != 3 {
		t.Errorf("Expected 3 total runners, got %d", s.TotalRunners)
	}
	if s.Nodes[0].NodeID != 1 {
		t.Error("Summary nodes should be sorted by node id")
	}
}

func TestRefreshChannel_NonBlocking(t *testing.T) {
	r := New(10 * time.Second)

	// Many mutations without a consumer must never block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Register(session(1, fmt.Sprintf("conn-%d", i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Registry mutations blocked on the refresh channel")
	}
}
