// Package fleet turns inbound node connections into trusted sessions.
package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"flowfleet/internal/auth"
	"flowfleet/internal/model"
	"flowfleet/internal/protocol"
	"flowfleet/internal/registry"
	"flowfleet/internal/revision"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrAuthRejected is returned when a node credential token fails
// validation. The handler aborts the connection without a response body.
var ErrAuthRejected = errors.New("node token rejected")

// Variables whose values are well-known tool paths; they seed the default
// path mappings for newly created nodes.
var defaultMappingVariables = []string{"ffmpeg", "ffprobe"}

// Service handles node registration and heartbeats
type Service struct {
	db  *gorm.DB
	reg *registry.Registry
	rev *revision.Service
}

// NewService creates a new fleet service
func NewService(db *gorm.DB, reg *registry.Registry, rev *revision.Service) *Service {
	return &Service{db: db, reg: reg, rev: rev}
}

// Register authenticates and onboards/updates a node. On success the
// session is recorded in the connection registry.
func (s *Service) Register(req *protocol.RegisterRequest, token string) (*protocol.RegisterResponse, error) {
	if err := auth.ValidateNodeToken(token); err != nil {
		return nil, ErrAuthRejected
	}

	var node model.Node
	err := s.db.Where("name = ?", req.Hostname).First(&node).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		created, cerr := s.createNode(req)
		if cerr != nil {
			return nil, cerr
		}
		node = *created
		log.Printf("[Fleet] Registered new node %q (id=%d, enabled=%v)", node.Name, node.ID, node.Enabled)
	case err != nil:
		return nil, fmt.Errorf("failed to look up node: %w", err)
	default:
		if uerr := s.updateNode(&node, req); uerr != nil {
			return nil, uerr
		}
	}

	connectionID := uuid.NewString()
	s.reg.Register(registry.OnlineNodeInfo{
		NodeID:        node.ID,
		NodeName:      node.Name,
		Address:       node.Address,
		AgentPort:     node.AgentPort,
		ConnectionID:  connectionID,
		Revision:      req.Revision,
		ActiveRunners: req.ActiveRunners,
	})

	return &protocol.RegisterResponse{
		Node:            &node,
		ServerVersion:   revision.ServerVersion,
		ConnectionID:    connectionID,
		CurrentRevision: s.rev.Current(),
	}, nil
}

// Heartbeat records a node's status report and tells it whether its
// configuration is stale.
func (s *Service) Heartbeat(req *protocol.HeartbeatRequest) *protocol.HeartbeatResponse {
	s.reg.Heartbeat(req.NodeID, req.Revision, req.ActiveRunners)

	return &protocol.HeartbeatResponse{
		Status:          s.rev.HeartbeatStatus(req.Revision),
		CurrentRevision: s.rev.Current(),
	}
}

// Unregister removes a node's session
func (s *Service) Unregister(nodeID int) {
	s.reg.Unregister(nodeID)
}

// NodeName resolves a node id to its display name
func (s *Service) NodeName(nodeID int) string {
	if info, ok := s.reg.ConnectionFor(nodeID); ok {
		return info.NodeName
	}
	var node model.Node
	if err := s.db.First(&node, nodeID).Error; err == nil {
		return node.Name
	}
	return fmt.Sprintf("node-%d", nodeID)
}

func (s *Service) createNode(req *protocol.RegisterRequest) (*model.Node, error) {
	mappings := req.Mappings
	if len(mappings) == 0 {
		var vars []model.Variable
		if err := s.db.Where("name IN ?", defaultMappingVariables).Find(&vars).Error; err == nil {
			mappings = DefaultMappings(vars)
		}
	}

	mappingsJSON, err := json.Marshal(mappings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mappings: %w", err)
	}

	node := &model.Node{
		Name:            req.Hostname,
		Address:         req.Hostname,
		AgentPort:       req.AgentPort,
		Enabled:         req.Hostname == model.InternalNodeName,
		Runners:         1,
		Schedule:        model.DefaultSchedule(),
		Mappings:        datatypes.JSON(mappingsJSON),
		OperatingSystem: req.OperatingSystem,
		Architecture:    req.Architecture,
		Version:         req.Version,
		HardwareInfo:    req.HardwareInfo,
		TempPath:        req.TempPath,
		LibrariesMode:   model.LibrariesModeAll,
	}

	if err := s.db.Create(node).Error; err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	return node, nil
}

func (s *Service) updateNode(node *model.Node, req *protocol.RegisterRequest) error {
	if !UpdateVolatile(node, req) {
		return nil
	}
	if err := s.db.Save(node).Error; err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	return nil
}

// DefaultMappings builds identity path mappings from well-known tool
// variables. Used when a new node does not supply its own mappings.
func DefaultMappings(vars []model.Variable) []model.PathMapping {
	mappings := make([]model.PathMapping, 0, len(vars))
	for _, v := range vars {
		if v.Value == "" {
			continue
		}
		mappings = append(mappings, model.PathMapping{Server: v.Value, Node: v.Value})
	}
	return mappings
}

// UpdateVolatile applies the volatile fields a node reports at registration
// and reports whether anything actually changed, to avoid needless writes.
func UpdateVolatile(node *model.Node, req *protocol.RegisterRequest) bool {
	changed := false
	if req.OperatingSystem != "" && node.OperatingSystem != req.OperatingSystem {
		node.OperatingSystem = req.OperatingSystem
		changed = true
	}
	if req.Architecture != "" && node.Architecture != req.Architecture {
		node.Architecture = req.Architecture
		changed = true
	}
	if req.Version != "" && node.Version != req.Version {
		node.Version = req.Version
		changed = true
	}
	if req.HardwareInfo != "" && node.HardwareInfo != req.HardwareInfo {
		node.HardwareInfo = req.HardwareInfo
		changed = true
	}
	if req.TempPath != "" && node.TempPath != req.TempPath {
		node.TempPath = req.TempPath
		changed = true
	}
	if req.AgentPort != 0 && node.AgentPort != req.AgentPort {
		node.AgentPort = req.AgentPort
		changed = true
	}
	return changed
}
