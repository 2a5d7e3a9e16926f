package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/couchcryptid/uscrn-ingest/internal/config"
	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	json "github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer publishes one ingestion event per committed file.
// It implements pipeline.Publisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Kafka.Brokers...),
		Topic:                  cfg.Kafka.Topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishIngested writes the event keyed by filename, so every event for a
// file lands on the same partition in order.
func (w *Writer) PublishIngested(ctx context.Context, ev domain.IngestionEvent) error {
	msg, err := serializeToMessage(ev)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.File.Filename, err)
	}
	w.logger.Debug("ingestion event published", "file", ev.File.Filename, "event_id", ev.ID)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an IngestionEvent into a Kafka message.
func serializeToMessage(ev domain.IngestionEvent) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize ingestion event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(ev.File.Filename),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "status", Value: []byte(ev.Status)},
			{Key: "year", Value: []byte(strconv.Itoa(ev.File.Year))},
			{Key: "processed_at", Value: []byte(ev.ProcessedAt.Format(time.RFC3339))},
		},
	}, nil
}
