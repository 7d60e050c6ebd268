package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"sensorpulse/internal/config"
	"sensorpulse/internal/logger"
	"sensorpulse/internal/metrics"
	"sensorpulse/internal/models"
	"sensorpulse/internal/worker"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler evaluates one decoded measurement event.
type Handler func(ctx context.Context, event *models.MeasurementEvent) error

// outcome is how a message was settled.
type outcome int

const (
	outcomeAck outcome = iota
	outcomeRequeue
	outcomeDiscard
	outcomeSkip
)

func (o outcome) String() string {
	switch o {
	case outcomeAck:
		return "ack"
	case outcomeRequeue:
		return "requeue"
	case outcomeDiscard:
		return "discard"
	default:
		return "skipped"
	}
}

// ConsumerDeps are the collaborators of a Consumer.
type ConsumerDeps struct {
	Reader MessageReader
	// Requeue receives messages whose processing failed, on the source topic.
	Requeue MessageWriter
	// DeadLetter receives malformed messages. Nil drops them.
	DeadLetter MessageWriter
	Handler    Handler
}

// Consumer feeds measurement events to a Handler with at-least-once
// delivery. At most Prefetch messages are in flight at once. An offset is
// committed only once every earlier message of its partition is settled.
type Consumer struct {
	deps           ConsumerDeps
	binding        string
	prefetch       int
	processTimeout time.Duration

	pool    *worker.Pool
	offsets *offsetTracker
	log     zerolog.Logger

	// Metrics
	acked     atomic.Uint64
	requeued  atomic.Uint64
	discarded atomic.Uint64
	skipped   atomic.Uint64
}

// NewReader creates a consumer-group reader for the measurement topic.
func NewReader(brokers []string, topic string, cfg config.ConsumerConfig) *kafka.Reader {
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        cfg.GroupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        maxWait,
		CommitInterval: 0, // commit synchronously once settled
		StartOffset:    kafka.FirstOffset,
	})
}

// NewConsumer creates a Consumer.
func NewConsumer(cfg config.ConsumerConfig, deps ConsumerDeps) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = config.DefaultPrefetch
	}
	if cfg.BindingKey == "" {
		cfg.BindingKey = config.DefaultBindingKey
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Second
	}
	return &Consumer{
		deps:           deps,
		binding:        cfg.BindingKey,
		prefetch:       cfg.Prefetch,
		processTimeout: cfg.ProcessTimeout,
		offsets:        newOffsetTracker(),
		log:            logger.WithComponent("kafka_consumer"),
	}
}

// Run fetches and processes messages until ctx is cancelled or a requeue
// cannot be written. Messages in flight at shutdown are finished before Run
// returns; anything unsettled is redelivered after a restart.
func (c *Consumer) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.pool = worker.NewPool(worker.Config{
		Name:      "consumer_pool",
		Workers:   c.prefetch,
		QueueSize: c.prefetch,
	})
	c.pool.Start()

	// handlers outlive shutdown of the fetch loop so in-flight work settles
	workCtx := context.WithoutCancel(ctx)

	c.log.Info().
		Str("binding", c.binding).
		Int("prefetch", c.prefetch).
		Msg("consumer started")

	slots := make(chan struct{}, c.prefetch)
	var fetchErr error

loop:
	for {
		select {
		case slots <- struct{}{}:
		case <-runCtx.Done():
			break loop
		}

		msg, err := c.deps.Reader.FetchMessage(runCtx)
		if err != nil {
			<-slots
			if runCtx.Err() == nil {
				fetchErr = errors.Wrap(err, "fetch message")
			}
			break loop
		}

		c.offsets.track(msg)
		metrics.ConsumerInFlight.Inc()

		job := func() error {
			defer func() {
				metrics.ConsumerInFlight.Dec()
				<-slots
			}()
			return c.process(workCtx, msg, cancel)
		}
		if err := c.pool.Submit(runCtx, string(msg.Key), job); err != nil {
			<-slots
			metrics.ConsumerInFlight.Dec()
			break loop
		}
	}

	c.pool.Stop()
	c.log.Info().
		Uint64("acked", c.acked.Load()).
		Uint64("requeued", c.requeued.Load()).
		Uint64("discarded", c.discarded.Load()).
		Msg("consumer stopped")

	if fetchErr != nil {
		return fetchErr
	}
	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// process settles one message. Failing to requeue stops the consumer and
// leaves the offset uncommitted so the broker redelivers it.
func (c *Consumer) process(ctx context.Context, msg kafka.Message, stop context.CancelCauseFunc) error {
	out, reason := c.handle(ctx, msg)
	log := c.log.With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Str("routing_key", routingKey(msg)).
		Logger()

	switch out {
	case outcomeRequeue:
		if err := c.republish(ctx, c.deps.Requeue, msg, ""); err != nil {
			log.Error().Err(err).Msg("requeue failed, stopping consumer")
			stop(errors.Wrap(err, "requeue message"))
			return err
		}
		log.Warn().Str("reason", reason).Msg("message requeued")
		c.requeued.Add(1)
	case outcomeDiscard:
		if c.deps.DeadLetter != nil {
			if err := c.republish(ctx, c.deps.DeadLetter, msg, reason); err != nil {
				log.Error().Err(err).Msg("failed to dead-letter message")
			}
		}
		log.Warn().Str("reason", reason).Msg("malformed message discarded")
		c.discarded.Add(1)
	case outcomeSkip:
		c.skipped.Add(1)
	default:
		c.acked.Add(1)
	}
	metrics.ConsumerMessagesTotal.WithLabelValues(out.String()).Inc()

	if commit, ok := c.offsets.settle(msg); ok {
		if err := c.commit(ctx, commit); err != nil {
			log.Error().Err(err).Msg("failed to commit offset")
			return err
		}
	}
	if out == outcomeRequeue {
		return errors.New(reason)
	}
	return nil
}

// handle decodes and evaluates a message.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) (out outcome, reason string) {
	if !MatchRoutingKey(c.binding, routingKey(msg)) {
		return outcomeSkip, ""
	}

	var event models.MeasurementEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return outcomeDiscard, "decode: " + err.Error()
	}
	if err := event.Validate(); err != nil {
		return outcomeDiscard, err.Error()
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("kafka_consumer").Inc()
			out, reason = outcomeRequeue, "panic in handler"
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, c.processTimeout)
	defer cancel()
	if err := c.deps.Handler(hctx, &event); err != nil {
		return outcomeRequeue, err.Error()
	}
	return outcomeAck, ""
}

// republish writes a copy of msg with an incremented redelivery count.
func (c *Consumer) republish(ctx context.Context, w MessageWriter, msg kafka.Message, deadReason string) error {
	if w == nil {
		return errors.New("no writer configured")
	}
	headers := make([]kafka.Header, 0, len(msg.Headers)+1)
	redelivery := 0
	for _, h := range msg.Headers {
		switch h.Key {
		case HeaderRedelivery:
			redelivery, _ = strconv.Atoi(string(h.Value))
		case HeaderDeadReason:
		default:
			headers = append(headers, h)
		}
	}
	headers = append(headers, kafka.Header{Key: HeaderRedelivery, Value: []byte(strconv.Itoa(redelivery + 1))})
	if deadReason != "" {
		headers = append(headers, kafka.Header{Key: HeaderDeadReason, Value: []byte(deadReason)})
	}

	return w.WriteMessages(ctx, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
		Time:    msg.Time,
	})
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	c.offsets.commitMu.Lock()
	defer c.offsets.commitMu.Unlock()
	if !c.offsets.advance(msg) {
		return nil
	}
	return c.deps.Reader.CommitMessages(ctx, msg)
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.deps.Reader.Close()
}

// Stats returns consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Acked:     c.acked.Load(),
		Requeued:  c.requeued.Load(),
		Discarded: c.discarded.Load(),
		Skipped:   c.skipped.Load(),
	}
}

// ConsumerStats holds consumer metrics
type ConsumerStats struct {
	Acked     uint64 `json:"acked"`
	Requeued  uint64 `json:"requeued"`
	Discarded uint64 `json:"discarded"`
	Skipped   uint64 `json:"skipped"`
}

func routingKey(msg kafka.Message) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	for _, h := range msg.Headers {
		if h.Key == HeaderRoutingKey {
			return string(h.Value)
		}
	}
	return ""
}

// offsetTracker orders settlement per partition: a message's offset becomes
// committable once it and every earlier fetched message are settled.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets

	commitMu  sync.Mutex
	committed map[int]int64
}

type partitionOffsets struct {
	pending []kafka.Message // fetch order
	settled map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{
		partitions: make(map[int]*partitionOffsets),
		committed:  make(map[int]int64),
	}
}

func (t *offsetTracker) track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[msg.Partition]
	if !ok {
		p = &partitionOffsets{settled: make(map[int64]bool)}
		t.partitions[msg.Partition] = p
	}
	p.pending = append(p.pending, msg)
}

// settle marks msg done and returns the highest message now safe to commit.
func (t *offsetTracker) settle(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[msg.Partition]
	if !ok {
		return kafka.Message{}, false
	}
	p.settled[msg.Offset] = true

	var (
		last  kafka.Message
		moved bool
	)
	for len(p.pending) > 0 && p.settled[p.pending[0].Offset] {
		last = p.pending[0]
		delete(p.settled, last.Offset)
		p.pending = p.pending[1:]
		moved = true
	}
	return last, moved
}

// advance records msg as committed unless a later offset already was.
// Callers hold commitMu.
func (t *offsetTracker) advance(msg kafka.Message) bool {
	if prev, ok := t.committed[msg.Partition]; ok && prev >= msg.Offset {
		return false
	}
	t.committed[msg.Partition] = msg.Offset
	return true
}
