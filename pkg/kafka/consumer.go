// Package kafka wraps segmentio/kafka-go. Producers publish JSON events;
// consumers hand raw messages to a MessageHandler and commit only after the
// handler succeeds.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/olyandrevn/FaceRecognition/pkg/config"
)

// MessageHandler is invoked for each Kafka message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// ErrSkip tells the consumer to commit a message without processing it
// further, for payloads that will never succeed.
var ErrSkip = errors.New("skip message")

// Consumer reads one topic as part of a consumer group.
type Consumer struct {
	reader  *kafka.Reader
	logger  *slog.Logger
	handler MessageHandler
}

func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
	}
}

// Start consumes until ctx is cancelled. A handler error other than ErrSkip
// leaves the message uncommitted so it is redelivered after a rebalance.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		err = c.handler(ctx, msg.Key, msg.Value)
		switch {
		case err == nil, errors.Is(err, ErrSkip):
			if errors.Is(err, ErrSkip) {
				c.logger.Warn("skipping message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			}
			if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				c.logger.Error("failed to commit message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			}
		case ctx.Err() != nil:
			return nil
		default:
			c.logger.Error("failed to process message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

// DecodeJSON unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
