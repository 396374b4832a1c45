package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-dispatch/internal/models"
)

// LocationPublisher forwards driver location updates to the location topic,
// where the consumer process folds them into the Redis geo index.
type LocationPublisher struct {
	writer *kafka.Writer
}

func NewLocationPublisher(brokers []string, topic string) *LocationPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &LocationPublisher{writer: w}
}

func (l *LocationPublisher) PublishLocation(d models.Driver) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return l.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

func (l *LocationPublisher) Close() error {
	if l.writer == nil {
		return nil
	}
	return l.writer.Close()
}
