package worker

import (
	"context"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"sensorpulse/internal/logger"
	"sensorpulse/internal/metrics"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker pool is stopped")

// Job is one unit of work. A returned error only counts as a failure; the
// job is expected to have handled it.
type Job func() error

// Pool runs jobs on a fixed set of workers. Jobs submitted with the same key
// always land on the same worker, so they run one at a time and in
// submission order.
type Pool struct {
	name   string
	queues []chan Job

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
	sending sync.WaitGroup
	wg      sync.WaitGroup

	// Metrics
	queued    atomic.Int64
	processed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int // per worker
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Name == "" {
		cfg.Name = "worker_pool"
	}

	p := &Pool{
		name:   cfg.Name,
		queues: make([]chan Job, cfg.Workers),
		done:   make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan Job, cfg.QueueSize)
	}
	metrics.WorkerQueueCapacity.Set(float64(cfg.Workers * cfg.QueueSize))
	return p
}

// Start launches the workers
func (p *Pool) Start() {
	log := logger.WithComponent(p.name)
	log.Info().
		Int("workers", len(p.queues)).
		Int("queue_size", cap(p.queues[0])).
		Msg("starting worker pool")

	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit queues a job on the worker owning key. It blocks while that
// worker's queue is full, until ctx ends or the pool stops.
func (p *Pool) Submit(ctx context.Context, key string, job Job) error {
	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	p.sending.Add(1)
	p.mu.RUnlock()
	defer p.sending.Done()

	select {
	case p.queues[p.slot(key)] <- job:
		metrics.WorkerQueueSize.Set(float64(p.queued.Add(1)))
		return nil
	case <-p.done:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) slot(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Stop stops accepting jobs, lets the workers drain what is queued and
// waits for them to exit.
func (p *Pool) Stop() {
	log := logger.WithComponent(p.name)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.done)
	p.mu.Unlock()

	// queues close only once no Submit can still send on them
	p.sending.Wait()
	for _, q := range p.queues {
		close(q)
	}

	log.Info().Msg("stopping worker pool")
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// worker runs jobs from its queue until the queue is closed
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent(p.name).With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for job := range p.queues[id] {
		metrics.WorkerQueueSize.Set(float64(p.queued.Add(-1)))
		p.run(id, job)
	}
}

// run executes one job, recovering a panic so the worker survives it
func (p *Pool) run(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log := logger.WithComponent(p.name)
			log.Error().
				Int("worker_id", id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues(p.name).Inc()
			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
		}
	}()

	if err := job(); err != nil {
		p.failed.Add(1)
		metrics.WorkerFailedTotal.Inc()
		return
	}
	p.processed.Add(1)
	metrics.WorkerProcessedTotal.Inc()
}

// Stats returns pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Queued:    p.queued.Load(),
	}
}

// Stats holds pool metrics
type Stats struct {
	Processed uint64
	Failed    uint64
	Queued    int64
}
