package model

// NotificationSeverity levels
type NotificationSeverity string

const (
	SeverityInfo     NotificationSeverity = "info"
	SeverityWarning  NotificationSeverity = "warning"
	SeverityCritical NotificationSeverity = "critical"
)

// Notification is a fleet-operator-facing alert, e.g. a setup script that
// failed on a node.
type Notification struct {
	BaseModel
	Severity NotificationSeverity `gorm:"type:enum('info','warning','critical');not null;index" json:"severity"`
	Title    string               `gorm:"type:varchar(255);not null" json:"title"`
	Message  string               `gorm:"type:text" json:"message"`
	NodeName string               `gorm:"type:varchar(128);index" json:"node_name"`
}

// TableName specifies the table name for Notification
func (Notification) TableName() string {
	return "notifications"
}
