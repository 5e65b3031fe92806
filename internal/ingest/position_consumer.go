package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ApplyFunc applies one position update to the registry.
type ApplyFunc func(ctx context.Context, u models.PositionUpdate) error

// PositionConsumer feeds driver positions from a Kafka topic into the registry.
type PositionConsumer struct {
	Reader   MessageReader
	Apply    ApplyFunc
	Logger   *slog.Logger
	Attempts int
	Delay    time.Duration
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
}

// Run consumes until ctx is cancelled.
func (c *PositionConsumer) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.Logger.Info("position consumer stopped")
				return
			}
			c.Logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		c.handle(ctx, m.Value)
	}
}

func (c *PositionConsumer) handle(ctx context.Context, value []byte) {
	var u models.PositionUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		observability.PositionUpdates.WithLabelValues("kafka_invalid").Inc()
		c.Logger.Warn("invalid position message", "error", err)
		return
	}
	if err := applyWithRetry(ctx, c.Apply, u, c.Attempts, c.Delay); err != nil {
		observability.PositionUpdates.WithLabelValues("kafka_failed").Inc()
		c.Logger.Warn("position update failed", "driver_id", u.DriverID, "error", err)
		return
	}
	observability.PositionUpdates.WithLabelValues("kafka").Inc()
}

// applyWithRetry retries transient failures with doubling delay. Unknown
// drivers and invalid coordinates are not retried.
func applyWithRetry(ctx context.Context, apply ApplyFunc, u models.PositionUpdate, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = apply(ctx, u); err == nil {
			return nil
		}
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrValidation) || i == attempts-1 {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
