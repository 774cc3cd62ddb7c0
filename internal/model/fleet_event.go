package model

import "time"

// FleetEvent represents a fleet change event stored in the database and
// replayed to websocket clients that reconnect with a lastEventId.
type FleetEvent struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Topic     string    `gorm:"column:topic;type:varchar(64);not null;index:idx_topic_id" json:"topic"`
	EventType string    `gorm:"column:event_type;type:enum('add','update','delete');not null" json:"event_type"`
	Payload   string    `gorm:"column:payload;type:json;not null" json:"payload"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for FleetEvent
func (FleetEvent) TableName() string {
	return "fleet_events"
}
