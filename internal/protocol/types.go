// Package protocol defines the wire types exchanged between the server and
// node agents. Both binaries import this package so the two sides cannot
// drift apart.
package protocol

import (
	"encoding/json"

	"flowfleet/internal/model"
)

// HeartbeatStatus is the typed result of a node heartbeat
type HeartbeatStatus string

const (
	HeartbeatSuccess             HeartbeatStatus = "success"
	HeartbeatUpdateConfiguration HeartbeatStatus = "update_configuration"
	HeartbeatInvalidModel        HeartbeatStatus = "invalid_model"
	HeartbeatException           HeartbeatStatus = "exception"
)

// FileCheckResult is the node's answer to a job dispatch
type FileCheckResult string

const (
	FileCheckAccepted      FileCheckResult = "accepted"
	FileCheckAtCapacity    FileCheckResult = "at_capacity"
	FileCheckOutOfSchedule FileCheckResult = "out_of_schedule"
	FileCheckRejected      FileCheckResult = "rejected"
	FileCheckTimeout       FileCheckResult = "timeout"
)

// RegisterRequest is sent by a node when it connects
type RegisterRequest struct {
	Hostname        string              `json:"hostname" binding:"required"`
	OperatingSystem string              `json:"operatingSystem"`
	Architecture    string              `json:"architecture"`
	Version         string              `json:"version"`
	HardwareInfo    string              `json:"hardwareInfo"`
	TempPath        string              `json:"tempPath"`
	AgentPort       int                 `json:"agentPort"`
	Mappings        []model.PathMapping `json:"mappings,omitempty"`
	ActiveRunners   int                 `json:"activeRunners"`
	Revision        int64               `json:"revision"`
}

// RegisterResponse is the server's reply to a successful registration
type RegisterResponse struct {
	Node            *model.Node `json:"node"`
	ServerVersion   string      `json:"serverVersion"`
	ConnectionID    string      `json:"connectionId"`
	CurrentRevision int64       `json:"currentRevision"`
}

// HeartbeatRequest carries a node's periodic status report
type HeartbeatRequest struct {
	NodeID        int   `json:"nodeId" binding:"required"`
	Revision      int64 `json:"revision"`
	ActiveRunners int   `json:"activeRunners"`
}

// HeartbeatResponse is the server's reply to a heartbeat
type HeartbeatResponse struct {
	Status          HeartbeatStatus `json:"status"`
	CurrentRevision int64           `json:"currentRevision"`
}

// Flow is a pipeline definition shipped to nodes inside a config payload
type Flow struct {
	ID         int             `json:"id"`
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

// Script is one executable script shipped to nodes
type Script struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
}

// Mod is a setup script entry inside a config payload
type Mod struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Order    int    `json:"order"`
	Revision int    `json:"revision"`
	Code     string `json:"code"`
}

// ConfigPayload is one immutable configuration snapshot as shipped to a
// node. A new revision fully replaces the previous one.
type ConfigPayload struct {
	Revision         int64                      `json:"revision"`
	MaxNodes         int                        `json:"maxNodes"`
	LicenseLevel     string                     `json:"licenseLevel"`
	KeepFailedFiles  bool                       `json:"keepFailedFiles"`
	DontUseTempFiles bool                       `json:"dontUseTempFiles"`
	Flows            []Flow                     `json:"flows,omitempty"`
	FlowScripts      []Script                   `json:"flowScripts,omitempty"`
	SystemScripts    []Script                   `json:"systemScripts,omitempty"`
	SharedScripts    []Script                   `json:"sharedScripts,omitempty"`
	Plugins          []string                   `json:"plugins,omitempty"`
	PluginSettings   map[string]json.RawMessage `json:"pluginSettings,omitempty"`
	Variables        map[string]string          `json:"variables,omitempty"`
	NodeVariables    map[string]string          `json:"nodeVariables,omitempty"`
	Mods             []Mod                      `json:"mods,omitempty"`
	Tags             []string                   `json:"tags,omitempty"`
	Resources        []string                   `json:"resources,omitempty"`
}

// DispatchRequest asks a node agent to start processing one library file
type DispatchRequest struct {
	RequestID       string            `json:"requestId"`
	File            model.LibraryFile `json:"file"`
	FlowID          int               `json:"flowId"`
	KeepFailedFiles bool              `json:"keepFailedFiles"`
	MaxRunners      int               `json:"maxRunners"`
}

// DispatchResponse is the node agent's reply to a dispatch
type DispatchResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		RequestID string          `json:"requestId"`
		Result    FileCheckResult `json:"result"`
	} `json:"data"`
}

// AbortRequest asks a node agent to cancel a running job
type AbortRequest struct {
	FileID int `json:"fileId"`
}

// AbortResponse is the node agent's reply to an abort
type AbortResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Aborted bool `json:"aborted"`
	} `json:"data"`
}

// CompleteRequest is sent by a node when a job finishes
type CompleteRequest struct {
	FileID        int    `json:"fileId" binding:"required"`
	NodeID        int    `json:"nodeId"`
	Success       bool   `json:"success"`
	FinalSize     int64  `json:"finalSize"`
	OutputPath    string `json:"outputPath"`
	ProcessingLog string `json:"processingLog"`
}

// ModFailureRequest reports a failed setup script so the server can raise a
// critical fleet notification.
type ModFailureRequest struct {
	NodeID  int    `json:"nodeId" binding:"required"`
	ModName string `json:"modName"`
	Output  string `json:"output"`
}
