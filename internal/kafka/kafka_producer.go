package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"sensorpulse/internal/config"
	"sensorpulse/internal/logger"
	"sensorpulse/internal/metrics"
	"sensorpulse/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
)

// Message headers
const (
	HeaderRoutingKey    = "routing_key"
	HeaderMeasurementID = "measurement_id"
	HeaderContentType   = "content_type"
	HeaderRedelivery    = "redelivery"
	HeaderDeadReason    = "dead_letter_reason"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer is a Kafka producer with a writer pool and retry. Messages are
// keyed by routing key so each sensor's readings stay on one partition.
type Producer struct {
	cfg     config.ProducerConfig
	topic   string
	writers []MessageWriter
	pool    chan MessageWriter
	closed  atomic.Bool

	// Metrics
	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// NewProducer creates a new Kafka producer with the given configuration
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	compression := getCompression(cfg.Compression)

	writers := make([]MessageWriter, cfg.PoolSize)
	for i := range writers {
		writers[i] = &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{}, // Partition by routing key
			BatchSize:              cfg.BatchSize,
			BatchTimeout:           cfg.BatchTimeout,
			WriteTimeout:           cfg.WriteTimeout,
			RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:            compression,
			MaxAttempts:            cfg.MaxRetries + 1,
			AllowAutoTopicCreation: true,
			Async:                  false, // Sync for reliability
		}
	}

	return NewProducerWithWriters(topic, cfg, writers...), nil
}

// NewProducerWithWriters builds a producer over existing writers.
func NewProducerWithWriters(topic string, cfg config.ProducerConfig, writers ...MessageWriter) *Producer {
	p := &Producer{
		cfg:     cfg,
		topic:   topic,
		writers: writers,
		pool:    make(chan MessageWriter, len(writers)),
	}
	for _, w := range writers {
		p.pool <- w
	}
	return p
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None // no compression
	}
}

// Topic returns the topic the producer writes to.
func (p *Producer) Topic() string {
	return p.topic
}

// Publish sends a measurement event keyed by its routing key.
func (p *Producer) Publish(ctx context.Context, event *models.MeasurementEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		p.messagesFailed.Add(1)
		metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
		return errors.Mark(errors.Wrap(err, "marshal measurement event"), ErrSerializeFailed)
	}

	routingKey := event.RoutingKey()
	msg := kafka.Message{
		Key:   []byte(routingKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: HeaderRoutingKey, Value: []byte(routingKey)},
			{Key: HeaderMeasurementID, Value: []byte(strconv.FormatInt(event.MeasurementID, 10))},
			{Key: HeaderContentType, Value: []byte("application/json")},
		},
		Time: event.IngestedAt,
	}
	return p.WriteMessages(ctx, msg)
}

// WriteMessages sends prepared messages with retry. It lets the producer
// stand in wherever a MessageWriter is expected.
func (p *Producer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	// Get writer from pool
	var writer MessageWriter
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.messagesFailed.Add(uint64(len(msgs)))
		return ctx.Err()
	}

	start := time.Now()
	err := p.writeWithRetry(ctx, writer, msgs)
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		p.messagesFailed.Add(uint64(len(msgs)))
		metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(msgs)))
		return err
	}

	var bytesTotal uint64
	for _, msg := range msgs {
		bytesTotal += uint64(len(msg.Value))
	}
	p.messagesSent.Add(uint64(len(msgs)))
	p.bytesWritten.Add(bytesTotal)
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(msgs)))
	metrics.KafkaBytesWritten.Add(float64(bytesTotal))
	return nil
}

// writeWithRetry publishes messages with exponential backoff retry
func (p *Producer) writeWithRetry(ctx context.Context, writer MessageWriter, msgs []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	var lastErr error
	backoff := p.cfg.RetryBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(msgs)).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")

			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2 // Exponential backoff
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, msgs...)
		if err == nil {
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Str("topic", p.topic).
			Msg("kafka publish attempt failed")

		// Check for non-retryable errors
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	log.Error().
		Err(lastErr).
		Int("max_retries", p.cfg.MaxRetries+1).
		Int("batch_size", len(msgs)).
		Msg("kafka publish failed after all retries")

	return errors.Wrapf(lastErr, "failed after %d attempts", p.cfg.MaxRetries+1)
}

// Close closes all writers in the pool
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	var result *multierror.Error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return errors.Wrap(result.ErrorOrNil(), "close kafka writers")
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer metrics
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// HealthCheck verifies a pooled writer is available
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	select {
	case writer := <-p.pool:
		p.pool <- writer
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
