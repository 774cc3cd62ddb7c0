package model

import "gorm.io/datatypes"

// Plugin is a processing plugin package referenced by configuration
// revisions. The package archive itself is served from the plugin download
// endpoint; only the name and settings travel in the revision payload.
type Plugin struct {
	BaseModel
	Name     string         `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	Enabled  bool           `gorm:"type:tinyint;default:1" json:"enabled"`
	Settings datatypes.JSON `gorm:"type:json" json:"settings,omitempty"`
}

// TableName specifies the table name for Plugin
func (Plugin) TableName() string {
	return "plugins"
}
