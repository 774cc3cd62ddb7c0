// Package notify records operator-facing fleet notifications.
package notify

import (
	"fmt"
	"log"

	"flowfleet/internal/model"
	"flowfleet/internal/ws"

	"gorm.io/gorm"
)

// Service persists notifications and pushes them to observers
type Service struct {
	db *gorm.DB
}

// NewService creates a new notification service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Raise stores a notification and broadcasts it
func (s *Service) Raise(severity model.NotificationSeverity, title, message, nodeName string) error {
	n := &model.Notification{
		Severity: severity,
		Title:    title,
		Message:  message,
		NodeName: nodeName,
	}

	if err := s.db.Create(n).Error; err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}

	if err := ws.PublishFleetEvent("notifications", "add", n); err != nil {
		log.Printf("[Notify] Failed to publish notification event: %v", err)
	}
	return nil
}

// RaiseModFailure raises the critical notification for a setup script that
// failed on a node.
func (s *Service) RaiseModFailure(nodeName, modName, output string) error {
	title := fmt.Sprintf("Setup script '%s' failed on node '%s'", modName, nodeName)
	return s.Raise(model.SeverityCritical, title, output, nodeName)
}
