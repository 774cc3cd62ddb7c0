package ws

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	socketio "github.com/googollee/go-socket.io"

	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
)

var (
	// Server is the global Socket.IO server instance
	Server *socketio.Server

	// socket id -> registry connection id, so transport disconnects can be
	// mapped back to the session they belong to
	connBySocket sync.Map
)

// DisconnectFunc is invoked with the registry connection id when a node's
// socket drops.
type DisconnectFunc func(connectionID string)

// JoinData is sent by a node right after connecting, carrying the
// connection id it was issued during registration.
type JoinData struct {
	NodeID       int    `json:"nodeId"`
	ConnectionID string `json:"connectionId"`
}

// InitServer initializes the Socket.IO server. onDisconnect receives the
// registry connection id of any node whose socket drops.
func InitServer(onDisconnect DisconnectFunc) error {
	server := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&polling.Transport{
				CheckOrigin: func(r *http.Request) bool {
					return true
				},
			},
			&websocket.Transport{
				CheckOrigin: func(r *http.Request) bool {
					return true
				},
			},
		},
	})

	server.OnConnect("/", func(s socketio.Conn) error {
		// Token validation happens in the handshake middleware
		log.Printf("[WebSocket] Client connected: %s", s.ID())
		s.Emit("connected", map[string]interface{}{
			"ok": true,
		})
		return nil
	})

	// A node announces itself after registering over HTTP; it joins its own
	// room so the server can push to it specifically.
	server.OnEvent("/", "node:join", func(s socketio.Conn, data JoinData) {
		log.Printf("[WebSocket] Node %d joined (socket=%s, connection=%s)", data.NodeID, s.ID(), data.ConnectionID)
		connBySocket.Store(s.ID(), data.ConnectionID)
		s.Join(NodeRoom(data.NodeID))
	})

	server.OnEvent("/", "notifications:request", handleRequestNotifications)

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Printf("[WebSocket] Client disconnected: %s, reason: %s", s.ID(), reason)
		if connectionID, ok := connBySocket.LoadAndDelete(s.ID()); ok && onDisconnect != nil {
			onDisconnect(connectionID.(string))
		}
	})

	server.OnError("/", func(s socketio.Conn, e error) {
		log.Printf("[WebSocket] Error for client %s: %v", s.ID(), e)
	})

	go func() {
		if err := server.Serve(); err != nil {
			log.Fatalf("[WebSocket] Server error: %v", err)
		}
	}()

	Server = server
	log.Println("[WebSocket] Socket.IO server initialized")
	return nil
}

// NodeRoom returns the room name for one node's pushes
func NodeRoom(nodeID int) string {
	return fmt.Sprintf("node:%d", nodeID)
}

// BroadcastToNode pushes an event to one node's room
func BroadcastToNode(nodeID int, event string, data interface{}) {
	if Server != nil {
		Server.BroadcastToRoom("/", NodeRoom(nodeID), event, data)
	}
}

// BroadcastToAll broadcasts a message to all connected clients
func BroadcastToAll(event string, data interface{}) {
	if Server != nil {
		Server.BroadcastToNamespace("/", event, data)
	}
}
