package model

import "gorm.io/datatypes"

// Flow is a multi-step file-processing pipeline definition. Editing flows
// is out of scope here; this subsystem only snapshots them into
// configuration revisions.
type Flow struct {
	BaseModel
	Name       string         `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	Enabled    bool           `gorm:"type:tinyint;default:1" json:"enabled"`
	Definition datatypes.JSON `gorm:"type:json" json:"definition"`
}

// TableName specifies the table name for Flow
func (Flow) TableName() string {
	return "flows"
}
