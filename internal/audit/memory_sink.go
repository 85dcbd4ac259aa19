package audit

import (
	"context"
	"sync"

	"github.com/ruralpay/cardengine/internal/models"
)

// MemorySink keeps events in memory. cardctl uses it for dry runs.
type MemorySink struct {
	mu     sync.Mutex
	events []models.NFCAuditEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Emit(_ context.Context, event models.NFCAuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything emitted so far.
func (s *MemorySink) Events() []models.NFCAuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.NFCAuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Actions returns the action names emitted for an entity, oldest first.
func (s *MemorySink) Actions(entityID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.EntityID == entityID {
			out = append(out, e.Action)
		}
	}
	return out
}
