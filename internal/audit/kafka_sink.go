package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/ruralpay/cardengine/internal/models"
)

// KafkaSink publishes events to a topic keyed by entity id, so one entity's
// history stays ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaProducer creates a producer that waits for all in-sync replicas.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Emit(_ context.Context, event models.NFCAuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(event.EntityID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("category"), Value: []byte(event.EventCategory)},
			{Key: []byte("action"), Value: []byte(event.Action)},
		},
	}

	_, _, err = s.producer.SendMessage(msg)
	return err
}

// Close shuts the producer down.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
