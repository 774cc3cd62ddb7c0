package revision

import (
	"testing"

	"flowfleet/internal/protocol"
)

func TestHeartbeatStatusStalenessDetection(t *testing.T) {
	s := &Service{}
	s.current.Store(3)

	// A node still on an old revision is told to re-pull
	if got := s.HeartbeatStatus(0); got != protocol.HeartbeatUpdateConfiguration {
		t.Errorf("Expected update_configuration for revision 0, got %s", got)
	}
	if got := s.HeartbeatStatus(2); got != protocol.HeartbeatUpdateConfiguration {
		t.Errorf("Expected update_configuration for revision 2, got %s", got)
	}

	// Once it has applied the current revision, heartbeats succeed
	if got := s.HeartbeatStatus(3); got != protocol.HeartbeatSuccess {
		t.Errorf("Expected success at current revision, got %s", got)
	}
}

func TestHeartbeatStatusBeforeFirstPublish(t *testing.T) {
	s := &Service{}

	// No revision published yet: a fresh node at 0 is already in sync
	if got := s.HeartbeatStatus(0); got != protocol.HeartbeatSuccess {
		t.Errorf("Expected success when nothing is published, got %s", got)
	}
}
