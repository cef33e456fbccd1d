package media

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/logger"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// TranscodeRequest asks an external worker to transcode a stored payload and produce its preview.
type TranscodeRequest struct {
	MessageID    string    `json:"message_id"`
	AttachmentID string    `json:"attachment_id"`
	FileURL      string    `json:"file_url"`
	MimeType     string    `json:"mime_type"`
	RequestedAt  time.Time `json:"requested_at"`
}

type TranscodeDispatcher interface {
	Dispatch(ctx context.Context, req TranscodeRequest) error
	Close() error
}

// LogDispatcher only records the request. Used when no broker is configured.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, req TranscodeRequest) error {
	logger.L.Info("Transcode deferred without a worker",
		zap.String("messageID", req.MessageID),
		zap.String("mimeType", req.MimeType))
	return nil
}

func (LogDispatcher) Close() error { return nil }

// KafkaTranscodeDispatcher publishes requests keyed by message id.
type KafkaTranscodeDispatcher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaTranscodeDispatcher(cfg config.KafkaConfig) (*KafkaTranscodeDispatcher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcode producer: %w", err)
	}
	return NewKafkaTranscodeDispatcherFromProducer(producer, cfg.TranscodeTopic), nil
}

func NewKafkaTranscodeDispatcherFromProducer(producer sarama.SyncProducer, topic string) *KafkaTranscodeDispatcher {
	if topic == "" {
		topic = "dm_media_transcode"
	}
	return &KafkaTranscodeDispatcher{producer: producer, topic: topic}
}

func (d *KafkaTranscodeDispatcher) Dispatch(ctx context.Context, req TranscodeRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode transcode request: %w", err)
	}

	partition, offset, err := d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(req.MessageID),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("failed to publish transcode request: %w", err)
	}
	logger.L.Debug("Transcode request published",
		zap.String("messageID", req.MessageID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (d *KafkaTranscodeDispatcher) Close() error {
	return d.producer.Close()
}
