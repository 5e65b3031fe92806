package ingest

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/example/taxi-dispatch/internal/models"
)

// KafkaProducer publishes order events and driver positions.
type KafkaProducer struct {
	events    *kafka.Writer
	positions *kafka.Writer
}

func NewKafkaProducer(brokers []string, eventsTopic, positionsTopic string) *KafkaProducer {
	k := &KafkaProducer{}
	if eventsTopic != "" {
		k.events = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventsTopic, Balancer: &kafka.Hash{}})
	}
	if positionsTopic != "" {
		k.positions = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: positionsTopic, Balancer: &kafka.Hash{}})
	}
	return k
}

// PublishEvent keys by order id so one order's events stay ordered on a partition.
func (k *KafkaProducer) PublishEvent(ctx context.Context, ev models.Event) error {
	if k.events == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.events.WriteMessages(ctx, kafka.Message{Key: []byte(strconv.FormatInt(ev.OrderID, 10)), Value: b})
}

func (k *KafkaProducer) PublishPosition(ctx context.Context, u models.PositionUpdate) error {
	if k.positions == nil {
		return nil
	}
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return k.positions.WriteMessages(ctx, kafka.Message{Key: []byte(strconv.FormatInt(u.DriverID, 10)), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []*kafka.Writer{k.events, k.positions} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
