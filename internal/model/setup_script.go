package model

// SetupScript is a privileged one-time setup script ("mod") executed on a
// node. A mod only re-runs on a node when its revision counter increases.
type SetupScript struct {
	BaseModel
	Name     string `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	Order    int    `gorm:"column:exec_order;default:0" json:"order"`
	Revision int    `gorm:"default:1" json:"revision"`
	Code     string `gorm:"type:text;not null" json:"code"`
	Author   string `gorm:"type:varchar(128)" json:"author"`
	Icon     string `gorm:"type:varchar(128)" json:"icon"`
}

// TableName specifies the table name for SetupScript
func (SetupScript) TableName() string {
	return "setup_scripts"
}
