// Package audit fans NFC audit events out to append-only sinks.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
)

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, event models.NFCAuditEvent) error
}

// Logger stamps events and forwards them to every sink. A failing sink is
// logged and does not stop delivery to the others.
type Logger struct {
	sinks []Sink
	now   func() time.Time
}

func NewLogger(sinks ...Sink) *Logger {
	return &Logger{sinks: sinks, now: time.Now}
}

// Record emits a single event.
func (l *Logger) Record(ctx context.Context, event models.NFCAuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.now().UTC()
	}
	for _, sink := range l.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			logger.Log.Error("[AUDIT] sink emit failed",
				zap.String("action", event.Action),
				zap.String("entityId", event.EntityID),
				zap.Error(err))
		}
	}
}

// RecordAll emits events in order.
func (l *Logger) RecordAll(ctx context.Context, events []models.NFCAuditEvent) {
	for _, event := range events {
		l.Record(ctx, event)
	}
}

// Event builds an audit event for an entity.
func Event(category models.AuditCategory, entityType, entityID string, actor models.Actor, action string, oldValues, newValues models.Metadata) models.NFCAuditEvent {
	return models.NFCAuditEvent{
		EventCategory: category,
		EntityType:    entityType,
		EntityID:      entityID,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		Action:        action,
		OldValues:     oldValues,
		NewValues:     newValues,
	}
}
