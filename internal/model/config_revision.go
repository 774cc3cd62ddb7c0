package model

import "time"

// ConfigRevision is one immutable configuration snapshot. The revision
// number is the database auto-increment ID, which guarantees it is globally
// unique and strictly increasing.
type ConfigRevision struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Revision  int64     `gorm:"column:revision;not null;uniqueIndex" json:"revision"`
	Payload   string    `gorm:"column:payload;type:longtext;not null" json:"payload"`
	Reason    string    `gorm:"column:reason;type:varchar(255)" json:"reason"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP;index" json:"createdAt"`
}

// TableName specifies the table name for ConfigRevision
func (ConfigRevision) TableName() string {
	return "config_revisions"
}
