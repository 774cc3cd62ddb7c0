package ws

import (
	"encoding/json"
	"log"

	socketio "github.com/googollee/go-socket.io"

	"flowfleet/internal/db"
	"flowfleet/internal/model"
)

const notificationsTopic = "notifications"

// handleRequestNotifications handles the notifications:request event. A
// client reconnecting with a lastEventId gets the events it missed; anyone
// else (or a client too far behind) gets the full recent list.
func handleRequestNotifications(s socketio.Conn, data interface{}) {
	var lastEventId int64
	if dataMap, ok := data.(map[string]interface{}); ok {
		if v, ok := dataMap["lastEventId"].(float64); ok {
			lastEventId = int64(v)
		}
	}

	if lastEventId > 0 && sendIncrementalUpdates(s, lastEventId) {
		return
	}
	sendFullNotificationsList(s)
}

// sendIncrementalUpdates replays missed events. Returns false when the
// client should get the full list instead.
func sendIncrementalUpdates(s socketio.Conn, lastEventId int64) bool {
	maxCount := 500
	events, err := GetIncrementalEvents(notificationsTopic, lastEventId, maxCount)
	if err != nil {
		log.Printf("[WebSocket] Failed to query incremental events: %v", err)
		return false
	}

	// A client this far behind resyncs from scratch
	if len(events) >= maxCount {
		return false
	}

	for _, event := range events {
		var payload interface{}
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			log.Printf("[WebSocket] Failed to unmarshal event payload: %v", err)
			continue
		}
		s.Emit("notifications:update", map[string]interface{}{
			"eventId": event.ID,
			"type":    event.EventType,
			"data":    payload,
		})
	}

	if len(events) == 0 {
		latestEventId, _ := GetLatestEventId(notificationsTopic)
		s.Emit("notifications:initial", map[string]interface{}{
			"items":       []interface{}{},
			"total":       0,
			"lastEventId": latestEventId,
		})
	}
	return true
}

func sendFullNotificationsList(s socketio.Conn) {
	var notifications []model.Notification
	if err := db.GetDB().Order("id DESC").Limit(200).Find(&notifications).Error; err != nil {
		log.Printf("[WebSocket] Failed to query notifications: %v", err)
		s.Emit("error", map[string]interface{}{
			"message": "Failed to query notifications",
		})
		return
	}

	latestEventId, _ := GetLatestEventId(notificationsTopic)
	s.Emit("notifications:initial", map[string]interface{}{
		"items":       notifications,
		"total":       len(notifications),
		"lastEventId": latestEventId,
	})
}
