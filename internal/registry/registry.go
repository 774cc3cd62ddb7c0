// Package registry is the single source of truth for which nodes are
// currently reachable and via which connection. All reads go through its
// API; the underlying map is never exposed.
package registry

import (
	"sync"
	"time"
)

// OnlineNodeInfo is the ephemeral session record for one connected node
type OnlineNodeInfo struct {
	NodeID            int       `json:"node_id"`
	NodeName          string    `json:"node_name"`
	Address           string    `json:"address"`
	AgentPort         int       `json:"agent_port"`
	ConnectionID      string    `json:"connection_id"`
	Revision          int64     `json:"revision"`
	ActiveRunners     int       `json:"active_runners"`
	PendingDisconnect bool      `json:"pending_disconnect"`
	PendingSince      time.Time `json:"-"`
	LastSeen          time.Time `json:"last_seen"`
}

// Registry tracks online nodes. All mutations are serialized so a node
// reconnecting concurrently with a disconnect event for its old connection
// can never leave two live entries for one node id.
type Registry struct {
	mu      sync.Mutex
	nodes   map[int]*OnlineNodeInfo
	byConn  map[string]int
	grace   time.Duration
	refresh chan struct{}
}

// New creates a Registry. grace is how long a pending disconnect is held
// before a sweep confirms it, so a quick reconnect does not flap.
func New(grace time.Duration) *Registry {
	return &Registry{
		nodes:   make(map[int]*OnlineNodeInfo),
		byConn:  make(map[string]int),
		grace:   grace,
		refresh: make(chan struct{}, 1),
	}
}

// Register records a node session, replacing any previous session for the
// same node id and cancelling its pending disconnect.
func (r *Registry) Register(info OnlineNodeInfo) {
	r.mu.Lock()
	if old, ok := r.nodes[info.NodeID]; ok {
		delete(r.byConn, old.ConnectionID)
	}
	info.PendingDisconnect = false
	info.PendingSince = time.Time{}
	info.LastSeen = time.Now()
	r.nodes[info.NodeID] = &info
	r.byConn[info.ConnectionID] = info.NodeID
	r.mu.Unlock()

	r.triggerRefresh()
}

// Heartbeat updates a session's revision and runner count. Unknown node ids
// are silently absorbed; disconnect races are expected.
func (r *Registry) Heartbeat(nodeID int, revision int64, activeRunners int) {
	r.mu.Lock()
	if info, ok := r.nodes[nodeID]; ok {
		info.Revision = revision
		info.ActiveRunners = activeRunners
		info.LastSeen = time.Now()
		info.PendingDisconnect = false
		info.PendingSince = time.Time{}
	}
	r.mu.Unlock()

	r.triggerRefresh()
}

// MarkPendingDisconnect flags the session owning connectionID. The session
// stays listed until the grace window elapses or the node reconnects.
func (r *Registry) MarkPendingDisconnect(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodeID, ok := r.byConn[connectionID]
	if !ok {
		return
	}
	info := r.nodes[nodeID]
	if info.ConnectionID != connectionID {
		return
	}
	info.PendingDisconnect = true
	info.PendingSince = time.Now()
}

// ConfirmDisconnect removes the session owning connectionID if it is still
// pending. A no-op when the node already re-registered on a new connection.
func (r *Registry) ConfirmDisconnect(connectionID string) {
	r.mu.Lock()
	nodeID, ok := r.byConn[connectionID]
	if ok {
		info := r.nodes[nodeID]
		if info.ConnectionID == connectionID && info.PendingDisconnect {
			delete(r.nodes, nodeID)
			delete(r.byConn, connectionID)
		} else {
			ok = false
		}
	}
	r.mu.Unlock()

	if ok {
		r.triggerRefresh()
	}
}

// Unregister removes a node session immediately
func (r *Registry) Unregister(nodeID int) {
	r.mu.Lock()
	info, ok := r.nodes[nodeID]
	if ok {
		delete(r.byConn, info.ConnectionID)
		delete(r.nodes, nodeID)
	}
	r.mu.Unlock()

	if ok {
		r.triggerRefresh()
	}
}

// ListOnline returns a snapshot copy of all live sessions
func (r *Registry) ListOnline() []OnlineNodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]OnlineNodeInfo, 0, len(r.nodes))
	for _, info := range r.nodes {
		out = append(out, *info)
	}
	return out
}

// ConnectionFor returns a copy of the session for nodeID
func (r *Registry) ConnectionFor(nodeID int) (OnlineNodeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.nodes[nodeID]
	if !ok {
		return OnlineNodeInfo{}, false
	}
	return *info, true
}

// SweepExpired removes sessions whose pending disconnect has outlived the
// grace window and returns the removed sessions.
func (r *Registry) SweepExpired(now time.Time) []OnlineNodeInfo {
	r.mu.Lock()
	var removed []OnlineNodeInfo
	for nodeID, info := range r.nodes {
		if info.PendingDisconnect && now.Sub(info.PendingSince) >= r.grace {
			removed = append(removed, *info)
			delete(r.byConn, info.ConnectionID)
			delete(r.nodes, nodeID)
		}
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		r.triggerRefresh()
	}
	return removed
}

// Refresh exposes the bounded refresh channel consumed by the status
// summary refresher.
func (r *Registry) Refresh() <-chan struct{} {
	return r.refresh
}

// triggerRefresh enqueues a refresh without blocking; a refresh already
// pending covers this change too.
func (r *Registry) triggerRefresh() {
	select {
	case r.refresh <- struct{}{}:
	default:
	}
}
