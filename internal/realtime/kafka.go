package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/blackmichael/nearby-feeds/internal/domain"
)

// KafkaConfig holds the settings of a Kafka change topic.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
}

func (c KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("at least one broker is required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("change topic must not be empty")
	}
	return nil
}

// messageReader is the subset of *kafka.Reader used by KafkaSource.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes change records from a Kafka topic and publishes them.
type KafkaSource struct {
	cfg       KafkaConfig
	reader    messageReader
	publisher domain.ChangePublisher
	logger    *slog.Logger
	poll      time.Duration
}

// NewKafkaSource creates a consumer group reader for the change topic.
func NewKafkaSource(cfg KafkaConfig, publisher domain.ChangePublisher, logger *slog.Logger) (*KafkaSource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newKafkaSource(cfg, reader, publisher, logger), nil
}

func newKafkaSource(cfg KafkaConfig, reader messageReader, publisher domain.ChangePublisher, logger *slog.Logger) *KafkaSource {
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &KafkaSource{cfg: cfg, reader: reader, publisher: publisher, logger: logger, poll: poll}
}

// Close shuts down the underlying reader.
func (k *KafkaSource) Close() error {
	return k.reader.Close()
}

// Run consumes the topic until the context is cancelled or the reader is
// closed. Malformed records are logged and committed.
func (k *KafkaSource) Run(ctx context.Context) error {
	k.logger.Info("change consumer started",
		"topic", k.cfg.Topic,
		"group", k.cfg.GroupID,
		"brokers", strings.Join(k.cfg.Brokers, ","),
	)
	defer k.logger.Info("change consumer stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, k.poll)
		msg, err := k.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, kafka.ErrGroupClosed):
				return nil
			}
			k.logger.Error("change consumer fetch error", "error", err)
			continue
		}

		ev, err := parseEvent(msg.Value)
		if err != nil {
			k.logger.Warn("change consumer decode error", "error", err, "offset", msg.Offset)
		} else {
			k.publisher.Publish(ev)
		}

		commitCtx, commitCancel := context.WithTimeout(ctx, k.poll)
		if err := k.reader.CommitMessages(commitCtx, msg); err != nil {
			if !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				k.logger.Error("change consumer commit error", "error", err)
			}
		}
		commitCancel()
	}
}

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher announces changes made by this instance on the change topic
// so every instance consuming it invalidates its caches.
type KafkaPublisher struct {
	writer  messageWriter
	logger  *slog.Logger
	timeout time.Duration
}

// NewKafkaPublisher creates a publisher writing to the change topic.
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: writer, logger: logger, timeout: 5 * time.Second}, nil
}

// Publish writes ev keyed by its table. Failures are logged; consumers fall
// back to cache staleness.
func (p *KafkaPublisher) Publish(ev domain.ChangeEvent) {
	value, err := encodeEvent(ev)
	if err != nil {
		p.logger.Error("encode change", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Table), Value: value}); err != nil {
		p.logger.Error("publish change", "table", ev.Table, "operation", ev.Operation, "error", err)
	}
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
