package model

import (
	"strings"

	"gorm.io/datatypes"
)

// NodeStatus represents node status
type NodeStatus string

const (
	NodeStatusOnline      NodeStatus = "online"
	NodeStatusOffline     NodeStatus = "offline"
	NodeStatusNeedsUpdate NodeStatus = "needs_update"
)

// LibrariesMode controls which libraries a node will process files from
type LibrariesMode string

const (
	LibrariesModeAll       LibrariesMode = "all"
	LibrariesModeOnly      LibrariesMode = "only"
	LibrariesModeAllExcept LibrariesMode = "all_except"
)

// InternalNodeName is the reserved name of the node that runs inside the
// server process. It is auto-enabled on first registration.
const InternalNodeName = "InternalProcessingNode"

// ScheduleSlots is the number of slots in the weekly availability bitmap
// (7 days * 24 hours * 4 quarter-hours).
const ScheduleSlots = 672

// PathMapping remaps a server-side path to the equivalent path on the node
type PathMapping struct {
	Server string `json:"server"`
	Node   string `json:"node"`
}

// Node represents a registered processing node
type Node struct {
	BaseModel
	Name            string         `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	Address         string         `gorm:"type:varchar(255);index" json:"address"`
	AgentPort       int            `gorm:"default:19101" json:"agent_port"`
	Enabled         bool           `gorm:"type:tinyint;default:0" json:"enabled"`
	Runners         int            `gorm:"default:1" json:"runners"`
	Priority        int            `gorm:"default:0" json:"priority"`
	Schedule        string         `gorm:"type:varchar(672)" json:"schedule"`
	Mappings        datatypes.JSON `gorm:"type:json" json:"mappings,omitempty"`
	Variables       datatypes.JSON `gorm:"type:json" json:"variables,omitempty"`
	OperatingSystem string         `gorm:"type:varchar(32)" json:"operating_system"`
	Architecture    string         `gorm:"type:varchar(32)" json:"architecture"`
	Version         string         `gorm:"type:varchar(64)" json:"version"`
	HardwareInfo    string         `gorm:"type:varchar(255)" json:"hardware_info"`
	TempPath        string         `gorm:"type:varchar(512)" json:"temp_path"`
	LibrariesMode   LibrariesMode  `gorm:"type:enum('all','only','all_except');default:'all'" json:"libraries_mode"`
	LibraryIDs      datatypes.JSON `gorm:"type:json" json:"library_ids,omitempty"`
	FilePermissions int            `gorm:"default:0" json:"file_permissions"`
	FolderPermissions int          `gorm:"default:0" json:"folder_permissions"`
	Status          NodeStatus     `gorm:"type:enum('online','offline','needs_update');default:'offline'" json:"status"`
}

// TableName specifies the table name for Node model
func (Node) TableName() string {
	return "nodes"
}

// DefaultSchedule returns a schedule with every weekly slot enabled
func DefaultSchedule() string {
	return strings.Repeat("1", ScheduleSlots)
}
