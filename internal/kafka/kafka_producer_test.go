package kafka_test

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kafkago "github.com/segmentio/kafka-go"

	"sensorpulse/internal/config"
	"sensorpulse/internal/kafka"
	"sensorpulse/internal/models"
)

// flakyWriter fails the first failures writes.
type flakyWriter struct {
	fakeWriter
	mu       sync.Mutex
	failures int
	calls    int
}

func (w *flakyWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	w.calls++
	fail := w.calls <= w.failures
	w.mu.Unlock()
	if fail {
		return errors.New("leader not available")
	}
	return w.fakeWriter.WriteMessages(ctx, msgs...)
}

func producerConfig() config.ProducerConfig {
	return config.ProducerConfig{MaxRetries: 2, RetryBackoff: time.Millisecond}
}

func testEvent(code string) *models.MeasurementEvent {
	batch := uuid.New()
	return &models.MeasurementEvent{
		MeasurementID: 42,
		SensorID:      7,
		SensorCode:    code,
		Value:         decimal.RequireFromString("18.25"),
		EventTime:     time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
		IngestedAt:    time.Date(2026, 5, 4, 8, 0, 2, 0, time.UTC),
		BatchID:       &batch,
	}
}

func TestNewProducer_Validation(t *testing.T) {
	_, err := kafka.NewProducer(nil, "topic", producerConfig())
	assert.Error(t, err)

	_, err = kafka.NewProducer([]string{"localhost:9092"}, "", producerConfig())
	assert.Error(t, err)
}

func TestProducer_PublishKeysByRoutingKey(t *testing.T) {
	w := &fakeWriter{}
	p := kafka.NewProducerWithWriters("sensor.measurements", producerConfig(), w)

	ev := testEvent("PRESS-3")
	require.NoError(t, p.Publish(context.Background(), ev))

	written := w.written()
	require.Len(t, written, 1)
	msg := written[0]
	assert.Equal(t, "measurement.PRESS-3", string(msg.Key))
	assert.Equal(t, "measurement.PRESS-3", header(msg, kafka.HeaderRoutingKey))
	assert.Equal(t, "42", header(msg, kafka.HeaderMeasurementID))
	assert.Equal(t, "application/json", header(msg, kafka.HeaderContentType))
	assert.Equal(t, ev.IngestedAt, msg.Time)

	var decoded models.MeasurementEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ev.MeasurementID, decoded.MeasurementID)
	assert.Equal(t, ev.SensorCode, decoded.SensorCode)
	assert.True(t, ev.Value.Equal(decoded.Value))
	assert.Equal(t, *ev.BatchID, *decoded.BatchID)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.MessagesSent)
	assert.Equal(t, uint64(len(msg.Value)), stats.BytesWritten)
}

func TestProducer_RetriesTransientFailures(t *testing.T) {
	w := &flakyWriter{failures: 2}
	p := kafka.NewProducerWithWriters("sensor.measurements", producerConfig(), w)

	require.NoError(t, p.Publish(context.Background(), testEvent("TEMP-1")))
	assert.Equal(t, 3, w.calls)
	assert.Len(t, w.written(), 1)
}

func TestProducer_GivesUpAfterMaxRetries(t *testing.T) {
	w := &flakyWriter{failures: 10}
	p := kafka.NewProducerWithWriters("sensor.measurements", producerConfig(), w)

	err := p.Publish(context.Background(), testEvent("TEMP-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
	assert.Equal(t, 3, w.calls)
	assert.Equal(t, uint64(1), p.Stats().MessagesFailed)
}

func TestProducer_Closed(t *testing.T) {
	p := kafka.NewProducerWithWriters("sensor.measurements", producerConfig(), &fakeWriter{})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.Publish(context.Background(), testEvent("TEMP-1"))
	assert.ErrorIs(t, err, kafka.ErrProducerClosed)
	assert.ErrorIs(t, p.HealthCheck(context.Background()), kafka.ErrProducerClosed)
}

// skipIfNoKafka skips the test if Kafka is not available
func skipIfNoKafka(t *testing.T) {
	if os.Getenv("KAFKA_TEST") != "1" {
		t.Skip("Skipping Kafka integration test. Set KAFKA_TEST=1 to run.")
	}
}

func TestProducerConsumer_RoundTrip(t *testing.T) {
	skipIfNoKafka(t)

	cfg := config.Default()
	topic := "sensorpulse-it-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, topic, cfg.Kafka.Producer)
	require.NoError(t, err)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 1; i <= 3; i++ {
		ev := testEvent("TEMP-1")
		ev.MeasurementID = int64(i)
		require.NoError(t, producer.Publish(ctx, ev))
	}

	consumerCfg := cfg.Kafka.Consumer
	consumerCfg.GroupID = topic + "-group"
	reader := kafka.NewReader(cfg.Kafka.Brokers, topic, consumerCfg)

	var (
		mu  sync.Mutex
		ids []int64
	)
	consumer := kafka.NewConsumer(consumerCfg, kafka.ConsumerDeps{
		Reader:  reader,
		Requeue: producer,
		Handler: func(ctx context.Context, ev *models.MeasurementEvent) error {
			mu.Lock()
			ids = append(ids, ev.MeasurementID)
			mu.Unlock()
			return nil
		},
	})
	defer consumer.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(runCtx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 3
	}, 25*time.Second, 100*time.Millisecond)
	stop()
	require.NoError(t, <-done)

	// one sensor, one partition, publish order
	assert.Equal(t, []int64{1, 2, 3}, ids)
}
