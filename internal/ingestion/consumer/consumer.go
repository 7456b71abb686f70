// Package consumer admits images announced on the Kafka admissions topic.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/olyandrevn/FaceRecognition/internal/ingestion"
	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
	"github.com/olyandrevn/FaceRecognition/pkg/kafka"
)

// Admitter is satisfied by *pipeline.Pipeline.
type Admitter interface {
	Admit(ctx context.Context, req ingestion.AdmitRequest) (uint64, error)
}

// AdmissionConsumer feeds the pipeline from Kafka. Admit blocks while the
// pipeline is saturated, which in turn stops fetching.
type AdmissionConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

func New(kafkaConsumer *kafka.Consumer) *AdmissionConsumer {
	return &AdmissionConsumer{
		consumer: kafkaConsumer,
		logger:   slog.Default().With("component", "admission-consumer"),
	}
}

// Start consumes until ctx is cancelled.
func (ac *AdmissionConsumer) Start(ctx context.Context) error {
	ac.logger.Info("admission consumer starting")
	return ac.consumer.Start(ctx)
}

// HandleMessage returns a MessageHandler that admits each message. Messages
// that can never be admitted are skipped; a stopped or halted pipeline
// leaves the message uncommitted.
func HandleMessage(a Admitter) kafka.MessageHandler {
	logger := slog.Default().With("component", "admission-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		req, err := kafka.DecodeJSON[ingestion.AdmitRequest](value)
		if err != nil {
			return fmt.Errorf("%w: %w", kafka.ErrSkip, err)
		}
		id, err := a.Admit(ctx, req)
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrValidation):
			return fmt.Errorf("%w: %w", kafka.ErrSkip, err)
		default:
			return fmt.Errorf("admitting %s: %w", req.SourceRef, err)
		}
		logger.Debug("image admitted from kafka",
			"item_id", id,
			"store_id", req.StoreID,
			"key", string(key),
		)
		return nil
	}
}
