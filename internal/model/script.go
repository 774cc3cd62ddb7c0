package model

// ScriptType distinguishes where a script may be used
type ScriptType string

const (
	ScriptTypeFlow   ScriptType = "flow"
	ScriptTypeSystem ScriptType = "system"
	ScriptTypeShared ScriptType = "shared"
)

// Script is one executable script distributed to nodes inside a
// configuration revision.
type Script struct {
	BaseModel
	Name string     `gorm:"type:varchar(128);not null;uniqueIndex:uk_scripts_type_name" json:"name"`
	Type ScriptType `gorm:"type:enum('flow','system','shared');not null;uniqueIndex:uk_scripts_type_name" json:"type"`
	Code string     `gorm:"type:text;not null" json:"code"`
}

// TableName specifies the table name for Script
func (Script) TableName() string {
	return "scripts"
}
