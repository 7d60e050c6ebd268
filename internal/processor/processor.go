// Package processor wires the sensorpulse components into one process.
package processor

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"sensorpulse/internal/alerts"
	"sensorpulse/internal/api"
	"sensorpulse/internal/config"
	"sensorpulse/internal/ingest"
	"sensorpulse/internal/kafka"
	"sensorpulse/internal/logger"
	"sensorpulse/internal/notify"
	"sensorpulse/internal/state"
	"sensorpulse/internal/storage"
	"sensorpulse/internal/storage/memory"
	"sensorpulse/internal/storage/postgres"
)

// Options selects which components a process runs.
type Options struct {
	// HTTP serves the ingestion API.
	HTTP bool
	// Consumer evaluates measurements from the broker. Requires Kafka.
	Consumer bool
	// Dispatcher delivers pending alert notifications.
	Dispatcher bool
}

// Processor is the high-level coordinator for ingestion, evaluation, and alerting.
type Processor struct {
	cfg  *config.Config
	opts Options
	log  zerolog.Logger

	store      *storage.Store
	producer   *kafka.Producer
	deadLetter *kafka.Producer
	consumer   *kafka.Consumer
	dispatcher *notify.Dispatcher
	httpServer *http.Server

	ready     chan struct{}
	addr      string
	errCh     chan error
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New constructs a Processor with given config.
func New(cfg *config.Config, opts Options) *Processor {
	return &Processor{
		cfg:   cfg,
		opts:  opts,
		log:   logger.WithComponent("processor"),
		ready: make(chan struct{}),
		errCh: make(chan error, 3),
	}
}

// Ready is closed once every component has started.
func (p *Processor) Ready() <-chan struct{} {
	return p.ready
}

// Addr is the address the HTTP server listens on, once Ready.
func (p *Processor) Addr() string {
	return p.addr
}

// Run starts the selected components and blocks until ctx is cancelled or a
// component fails.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info().
		Bool("http", p.opts.HTTP).
		Bool("consumer", p.opts.Consumer).
		Bool("dispatcher", p.opts.Dispatcher).
		Bool("kafka", p.cfg.Kafka.Enabled).
		Msg("processor starting")

	if err := p.init(ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to initialize processor")
		return errors.CombineErrors(err, p.closeResources())
	}

	compCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if p.httpServer != nil {
		l, err := net.Listen("tcp", p.cfg.HTTP.Addr)
		if err != nil {
			return errors.CombineErrors(errors.Wrapf(err, "listen on %s", p.cfg.HTTP.Addr), p.closeResources())
		}
		p.addr = l.Addr().String()
		p.start("http server", func() error {
			p.log.Info().Str("addr", p.addr).Msg("starting HTTP server")
			if err := p.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "http server")
			}
			return nil
		})
	}
	if p.consumer != nil {
		p.start("consumer", func() error { return p.consumer.Run(compCtx) })
	}
	if p.dispatcher != nil {
		p.start("dispatcher", func() error { return p.dispatcher.Run(compCtx) })
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(compCtx)
	}()

	close(p.ready)

	var runErr error
	select {
	case <-ctx.Done():
		p.log.Info().Msg("shutdown signal received")
	case runErr = <-p.errCh:
		p.log.Error().Err(runErr).Msg("component failed, shutting down")
	}

	return errors.CombineErrors(runErr, p.shutdown(cancel))
}

// init builds every component Run needs.
func (p *Processor) init(ctx context.Context) error {
	store, err := OpenStore(ctx, p.cfg)
	if err != nil {
		return err
	}
	p.store = store

	if p.cfg.Kafka.Enabled {
		if err := p.initProducers(); err != nil {
			return err
		}
	}

	if p.opts.Consumer {
		if !p.cfg.Kafka.Enabled {
			return errors.New("consumer requires kafka to be enabled")
		}
		p.initConsumer()
	}

	if p.opts.HTTP {
		p.initHTTPServer()
	}

	if p.opts.Dispatcher && p.cfg.Dispatcher.Enabled {
		p.dispatcher = notify.NewDispatcher(p.store.AlertHistory, notify.New(p.cfg.SMTP), p.cfg.Dispatcher)
	}
	return nil
}

// OpenStore opens the configured relational store and, when selected, moves
// alert state onto redis.
func OpenStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	var store *storage.Store
	switch cfg.Database.Driver {
	case "memory":
		store = memory.New()
	default:
		s, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		store = s
	}

	if cfg.State.Backend == "redis" {
		rs, err := state.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, errors.CombineErrors(err, store.Close())
		}
		store.AlertStates = rs
		store.OnClose(rs.Close)
	}
	return store, nil
}

// initProducers creates the measurement producer and the optional
// dead-letter producer.
func (p *Processor) initProducers() error {
	producer, err := kafka.NewProducer(p.cfg.Kafka.Brokers, p.cfg.Kafka.Topic, p.cfg.Kafka.Producer)
	if err != nil {
		return errors.Wrap(err, "create kafka producer")
	}
	p.producer = producer
	p.log.Info().
		Strs("brokers", p.cfg.Kafka.Brokers).
		Str("topic", p.cfg.Kafka.Topic).
		Msg("kafka producer initialized")

	if dlq := p.cfg.Kafka.Consumer.DeadLetterTopic; dlq != "" && p.opts.Consumer {
		dl, err := kafka.NewProducer(p.cfg.Kafka.Brokers, dlq, p.cfg.Kafka.Producer)
		if err != nil {
			return errors.Wrap(err, "create dead-letter producer")
		}
		p.deadLetter = dl
	}
	return nil
}

func (p *Processor) initConsumer() {
	deps := kafka.ConsumerDeps{
		Reader:  kafka.NewReader(p.cfg.Kafka.Brokers, p.cfg.Kafka.Topic, p.cfg.Kafka.Consumer),
		Requeue: p.producer,
		Handler: alerts.NewFactory(p.store).HandleEvent,
	}
	if p.deadLetter != nil {
		deps.DeadLetter = p.deadLetter
	}
	p.consumer = kafka.NewConsumer(p.cfg.Kafka.Consumer, deps)
}

func (p *Processor) initHTTPServer() {
	svcCfg := ingest.Config{
		Store:         p.store,
		MaxBatchItems: p.cfg.Ingest.MaxBatchItems,
	}
	checks := map[string]api.HealthCheck{"database": p.store.Ping}
	if p.producer != nil {
		svcCfg.Publisher = p.producer
		checks["kafka"] = p.producer.HealthCheck
	}

	handler := api.NewHandler(api.Config{
		Service:       ingest.NewService(svcCfg),
		Checks:        checks,
		Stats:         p.stats,
		MaxBodySize:   p.cfg.HTTP.MaxBodySize,
		MaxBatchItems: p.cfg.Ingest.MaxBatchItems,
	})

	p.httpServer = &http.Server{
		Handler:      api.NewRouter(handler),
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  p.cfg.HTTP.IdleTimeout,
	}
}

// start runs fn in the background and reports its failure.
func (p *Processor) start(name string, fn func() error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := fn(); err != nil {
			select {
			case p.errCh <- errors.Wrapf(err, "%s", name):
			default:
				p.log.Error().Err(err).Str("component", name).Msg("component failed")
			}
		}
	}()
}

// shutdown stops the HTTP server, then the consumer and dispatcher, then
// producers and stores. Producers must outlive every publisher.
func (p *Processor) shutdown(cancel context.CancelFunc) error {
	p.log.Info().Msg("initiating graceful shutdown")
	var result *multierror.Error

	if p.httpServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		p.log.Info().Msg("stopping HTTP server")
		if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "http shutdown"))
		}
		done()
	}

	cancel()
	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		p.log.Info().Msg("components stopped gracefully")
	case <-time.After(15 * time.Second):
		p.log.Warn().Msg("component shutdown timeout - forcing exit")
	}

	if err := p.closeResources(); err != nil {
		result = multierror.Append(result, err)
	}

	p.log.Info().Msg("processor stopped")
	return result.ErrorOrNil()
}

// closeResources releases the consumer, producers and store.
func (p *Processor) closeResources() error {
	var result *multierror.Error
	p.closeOnce.Do(func() {
		if p.consumer != nil {
			if err := p.consumer.Close(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "close consumer"))
			}
		}
		if p.deadLetter != nil {
			if err := p.deadLetter.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if p.producer != nil {
			p.log.Info().Msg("closing kafka producer")
			if err := p.producer.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if p.store != nil {
			if err := p.store.Close(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "close store"))
			}
		}
	})
	return result.ErrorOrNil()
}

// stats collects component counters for /stats.
func (p *Processor) stats() map[string]interface{} {
	out := make(map[string]interface{})
	if p.producer != nil {
		out["producer"] = p.producer.Stats()
	}
	if p.consumer != nil {
		out["consumer"] = p.consumer.Stats()
	}
	return out
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev := p.log.Info()
			if p.producer != nil {
				s := p.producer.Stats()
				ev = ev.Uint64("producer_sent", s.MessagesSent).
					Uint64("producer_failed", s.MessagesFailed).
					Uint64("producer_bytes", s.BytesWritten)
			}
			if p.consumer != nil {
				s := p.consumer.Stats()
				ev = ev.Uint64("consumer_acked", s.Acked).
					Uint64("consumer_requeued", s.Requeued).
					Uint64("consumer_discarded", s.Discarded)
			}
			ev.Msg("stats")
		}
	}
}
