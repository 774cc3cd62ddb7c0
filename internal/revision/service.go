// Package revision builds and serves immutable configuration snapshots.
// Revision numbers come from the database auto-increment id, so they are
// globally unique and strictly increasing.
package revision

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"flowfleet/internal/model"
	"flowfleet/internal/protocol"

	"gorm.io/gorm"
)

// ServerVersion is reported to nodes during registration
const ServerVersion = "1.0.4"

// Service handles configuration revision operations
type Service struct {
	db      *gorm.DB
	current atomic.Int64

	maxNodes     int
	licenseLevel string
}

// NewService creates a new revision service. maxNodes and licenseLevel are
// the licensing ceiling baked into every published revision.
func NewService(db *gorm.DB, maxNodes int, licenseLevel string) (*Service, error) {
	s := &Service{db: db, maxNodes: maxNodes, licenseLevel: licenseLevel}

	var latest model.ConfigRevision
	err := db.Order("revision DESC").First(&latest).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to load latest revision: %w", err)
	}
	if err == nil {
		s.current.Store(latest.Revision)
	}

	return s, nil
}

// Current returns the authoritative current revision number. Zero means no
// revision has been published yet.
func (s *Service) Current() int64 {
	return s.current.Load()
}

// HeartbeatStatus compares a node's last-applied revision to the current
// one. A mismatch is staleness, not an error.
func (s *Service) HeartbeatStatus(nodeRevision int64) protocol.HeartbeatStatus {
	if nodeRevision != s.current.Load() {
		return protocol.HeartbeatUpdateConfiguration
	}
	return protocol.HeartbeatSuccess
}

// Publish snapshots the current flows, scripts, plugins, variables and mods
// into a new immutable revision.
func (s *Service) Publish(reason string, keepFailedFiles, dontUseTempFiles bool) (*model.ConfigRevision, error) {
	payload, err := s.buildPayload(keepFailedFiles, dontUseTempFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload: %w", err)
	}

	// Step 1: Insert with revision=0 (placeholder) to get the auto-increment ID
	rev := &model.ConfigRevision{
		Revision:  0,
		Reason:    reason,
		CreatedAt: time.Now(),
	}

	// Step 2: revision = ID, then re-serialize the payload with the final
	// number so the stored snapshot is self-describing.
	err = s.db.Transaction(func(tx *gorm.DB) error {
		rev.Payload = "{}"
		if err := tx.Create(rev).Error; err != nil {
			return fmt.Errorf("failed to create revision: %w", err)
		}

		payload.Revision = rev.ID
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}

		if err := tx.Model(rev).Updates(map[string]interface{}{
			"revision": rev.ID,
			"payload":  string(data),
		}).Error; err != nil {
			return fmt.Errorf("failed to finalize revision: %w", err)
		}

		rev.Revision = rev.ID
		rev.Payload = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.current.Store(rev.Revision)
	return rev, nil
}

// Get returns the snapshot for a revision number, or nil when unknown
func (s *Service) Get(revisionNumber int64) (*protocol.ConfigPayload, error) {
	var rev model.ConfigRevision
	if err := s.db.Where("revision = ?", revisionNumber).First(&rev).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get revision: %w", err)
	}

	var payload protocol.ConfigPayload
	if err := json.Unmarshal([]byte(rev.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse revision payload: %w", err)
	}
	return &payload, nil
}

// GetForNode returns the snapshot for a revision with the node's variable
// overrides attached. The node merges them on top of the globals.
func (s *Service) GetForNode(revisionNumber int64, nodeID int) (*protocol.ConfigPayload, error) {
	payload, err := s.Get(revisionNumber)
	if err != nil || payload == nil {
		return payload, err
	}

	var node model.Node
	if err := s.db.First(&node, nodeID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return payload, nil
		}
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	if len(node.Variables) > 0 {
		overrides := map[string]string{}
		if err := json.Unmarshal(node.Variables, &overrides); err == nil {
			payload.NodeVariables = overrides
		}
	}
	return payload, nil
}

func (s *Service) buildPayload(keepFailedFiles, dontUseTempFiles bool) (*protocol.ConfigPayload, error) {
	payload := &protocol.ConfigPayload{
		MaxNodes:         s.maxNodes,
		LicenseLevel:     s.licenseLevel,
		KeepFailedFiles:  keepFailedFiles,
		DontUseTempFiles: dontUseTempFiles,
		PluginSettings:   map[string]json.RawMessage{},
		Variables:        map[string]string{},
	}

	var flows []model.Flow
	if err := s.db.Where("enabled = ?", true).Order("id ASC").Find(&flows).Error; err != nil {
		return nil, fmt.Errorf("failed to load flows: %w", err)
	}
	for _, f := range flows {
		payload.Flows = append(payload.Flows, protocol.Flow{
			ID:         f.ID,
			Name:       f.Name,
			Definition: json.RawMessage(f.Definition),
		})
	}

	var scripts []model.Script
	if err := s.db.Order("id ASC").Find(&scripts).Error; err != nil {
		return nil, fmt.Errorf("failed to load scripts: %w", err)
	}
	for _, sc := range scripts {
		entry := protocol.Script{ID: sc.ID, Name: sc.Name, Code: sc.Code}
		switch sc.Type {
		case model.ScriptTypeFlow:
			payload.FlowScripts = append(payload.FlowScripts, entry)
		case model.ScriptTypeSystem:
			payload.SystemScripts = append(payload.SystemScripts, entry)
		case model.ScriptTypeShared:
			payload.SharedScripts = append(payload.SharedScripts, entry)
		}
	}

	var plugins []model.Plugin
	if err := s.db.Where("enabled = ?", true).Order("name ASC").Find(&plugins).Error; err != nil {
		return nil, fmt.Errorf("failed to load plugins: %w", err)
	}
	for _, p := range plugins {
		payload.Plugins = append(payload.Plugins, p.Name)
		if len(p.Settings) > 0 {
			payload.PluginSettings[p.Name] = json.RawMessage(p.Settings)
		}
	}

	var variables []model.Variable
	if err := s.db.Order("name ASC").Find(&variables).Error; err != nil {
		return nil, fmt.Errorf("failed to load variables: %w", err)
	}
	for _, v := range variables {
		payload.Variables[v.Name] = v.Value
	}

	var mods []model.SetupScript
	if err := s.db.Order("exec_order ASC, name DESC").Find(&mods).Error; err != nil {
		return nil, fmt.Errorf("failed to load setup scripts: %w", err)
	}
	for _, m := range mods {
		payload.Mods = append(payload.Mods, protocol.Mod{
			ID:       m.ID,
			Name:     m.Name,
			Order:    m.Order,
			Revision: m.Revision,
			Code:     m.Code,
		})
	}

	return payload, nil
}
