package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes dispatch result events, keyed by order id so all
// events for one order land on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) publish(ctx context.Context, key string, env Envelope) error {
	env.Timestamp = time.Now().UTC()
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(wctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaPublisher) OrderAccepted(ctx context.Context, orderID, driverID string) error {
	return k.publish(ctx, orderID, Envelope{Event: OrderAccepted, OrderID: orderID, DriverID: driverID})
}

func (k *KafkaPublisher) NoDriversAvailable(ctx context.Context, orderID, clientID string) error {
	return k.publish(ctx, orderID, Envelope{Event: NoDriversAvailable, OrderID: orderID, ClientID: clientID})
}

func (k *KafkaPublisher) OfferCancelled(ctx context.Context, orderID, driverID string) error {
	return k.publish(ctx, orderID, Envelope{Event: OfferCancelled, OrderID: orderID, DriverID: driverID})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
