package ws

import (
	"encoding/json"
	"fmt"
	"log"

	"flowfleet/internal/db"
	"flowfleet/internal/model"

	"gorm.io/gorm"
)

// Event names pushed over the fleet channel
const (
	EventConfigUpdated = "config:updated"
	EventNodeUpdated   = "node:updated"
	EventAbortAll      = "jobs:abort-all"
	EventFleetSummary  = "fleet:summary"
	EventFleetUpdate   = "fleet:update"
)

// PublishFleetEvent persists a fleet event and broadcasts it to all
// connected clients. Broadcast failure does not affect the main flow.
func PublishFleetEvent(topic, eventType string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := model.FleetEvent{
		Topic:     topic,
		EventType: eventType,
		Payload:   string(payloadJSON),
	}

	if err := db.GetDB().Create(&event).Error; err != nil {
		return fmt.Errorf("failed to write event to database: %w", err)
	}

	BroadcastToAll(EventFleetUpdate, map[string]interface{}{
		"eventId": event.ID,
		"topic":   topic,
		"type":    eventType,
		"data":    payload,
	})

	log.Printf("[WebSocket] Event broadcasted: eventId=%d, topic=%s, type=%s", event.ID, topic, eventType)
	return nil
}

// GetIncrementalEvents retrieves events with id > lastEventId, limited to
// maxCount, for clients reconnecting with a lastEventId.
func GetIncrementalEvents(topic string, lastEventId int64, maxCount int) ([]model.FleetEvent, error) {
	var events []model.FleetEvent

	err := db.GetDB().
		Where("topic = ? AND id > ?", topic, lastEventId).
		Order("id ASC").
		Limit(maxCount).
		Find(&events).Error

	if err != nil {
		return nil, fmt.Errorf("failed to query incremental events: %w", err)
	}

	return events, nil
}

// GetLatestEventId retrieves the latest event ID for a topic
func GetLatestEventId(topic string) (int64, error) {
	var event model.FleetEvent

	err := db.GetDB().
		Where("topic = ?", topic).
		Order("id DESC").
		Limit(1).
		First(&event).Error

	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query latest event: %w", err)
	}

	return event.ID, nil
}
