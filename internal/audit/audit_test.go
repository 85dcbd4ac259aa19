package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/cardengine/internal/models"
)

type failingSink struct{}

func (failingSink) Emit(context.Context, models.NFCAuditEvent) error {
	return errors.New("sink down")
}

func TestLogger_Record(t *testing.T) {
	mem := NewMemorySink()
	l := NewLogger(failingSink{}, NewLogSink(), mem)

	event := Event(models.AuditCategoryLifecycle, "CARD", "card-1", models.SystemActor, "ACTIVATE",
		models.Metadata{"state": "INACTIVE"}, models.Metadata{"state": "ACTIVATED"})
	l.Record(context.Background(), event)

	events := mem.Events()
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].CreatedAt.IsZero())
	assert.Equal(t, models.ActorSystem, events[0].ActorType)
	assert.Equal(t, "INACTIVE", events[0].OldValues["state"])
	assert.Equal(t, []string{"ACTIVATE"}, mem.Actions("card-1"))
}

func TestKafkaSink_Emit(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	defer producer.Close()

	sink := NewKafkaSink(producer, "nfc-audit-events")

	t.Run("publishes json keyed by entity", func(t *testing.T) {
		producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			key, err := msg.Key.Encode()
			if err != nil {
				return err
			}
			if string(key) != "txn-9" {
				return errors.New("unexpected key " + string(key))
			}
			value, err := msg.Value.Encode()
			if err != nil {
				return err
			}
			var decoded models.NFCAuditEvent
			if err := json.Unmarshal(value, &decoded); err != nil {
				return err
			}
			if decoded.Action != "AUTHORIZE" {
				return errors.New("unexpected action")
			}
			return nil
		})

		err := sink.Emit(context.Background(), models.NFCAuditEvent{
			EventCategory: models.AuditCategoryTransaction,
			EntityType:    "TRANSACTION",
			EntityID:      "txn-9",
			Action:        "AUTHORIZE",
		})
		assert.NoError(t, err)
	})

	t.Run("broker failure surfaces", func(t *testing.T) {
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		err := sink.Emit(context.Background(), models.NFCAuditEvent{EntityID: "txn-10"})
		assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	})
}
