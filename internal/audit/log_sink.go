package audit

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
)

// LogSink writes each event as a JSON "AUDIT" log line.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Emit(_ context.Context, event models.NFCAuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	logger.Log.Info("AUDIT", zap.String("category", string(event.EventCategory)), zap.ByteString("event", data))
	return nil
}
