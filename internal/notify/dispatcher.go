package notify

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"sensorpulse/internal/config"
	"sensorpulse/internal/logger"
	"sensorpulse/internal/metrics"
	"sensorpulse/internal/storage"
)

// Dispatcher periodically delivers pending alert history entries. Entries are
// marked notified only after a successful delivery; failures stay pending and
// are retried on the next cycle.
type Dispatcher struct {
	history   storage.AlertHistoryRepository
	notifier  Notifier
	interval  time.Duration
	cooldown  time.Duration
	batchSize int
	limiter   *rate.Limiter
	now       func() time.Time
	log       zerolog.Logger
}

// CycleResult summarises one dispatch cycle.
type CycleResult struct {
	Pending   int
	Delivered int
	Failed    int
}

func NewDispatcher(history storage.AlertHistoryRepository, notifier Notifier, cfg config.DispatcherConfig) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultDispatchInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = config.DefaultDispatchCooldown
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultDispatchBatchSize
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &Dispatcher{
		history:   history,
		notifier:  notifier,
		interval:  cfg.Interval,
		cooldown:  cfg.Cooldown,
		batchSize: cfg.BatchSize,
		limiter:   limiter,
		now:       time.Now,
		log:       logger.WithComponent("dispatcher"),
	}
}

// Run dispatches until ctx is cancelled. A failed cycle is followed by the
// cooldown instead of the regular interval.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().
		Dur("interval", d.interval).
		Int("batch_size", d.batchSize).
		Msg("alert dispatcher started")
	defer d.log.Info().Msg("alert dispatcher stopped")

	for {
		wait := d.interval
		if _, err := d.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.Error().Err(err).Dur("cooldown", d.cooldown).Msg("dispatch cycle failed")
			wait = d.cooldown
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce delivers one batch of pending alerts, oldest first. Per-alert
// failures are counted, not returned. A panic during the cycle is returned
// as an error.
func (d *Dispatcher) RunOnce(ctx context.Context) (res CycleResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			metrics.PanicsRecovered.WithLabelValues("dispatcher").Inc()
			metrics.DispatchCyclesTotal.WithLabelValues("error").Inc()
			d.log.Error().
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("dispatch cycle panicked")
			err = errors.Newf("dispatch cycle panic: %v", p)
		}
	}()

	pending, err := d.history.Pending(ctx, d.batchSize)
	if err != nil {
		metrics.DispatchCyclesTotal.WithLabelValues("error").Inc()
		return res, errors.Wrap(err, "load pending alerts")
	}
	res.Pending = len(pending)
	metrics.DispatchPending.Set(float64(len(pending)))
	if len(pending) == 0 {
		metrics.DispatchCyclesTotal.WithLabelValues("idle").Inc()
		return res, nil
	}

	d.log.Info().Int("count", len(pending)).Msg("processing pending alerts")

	for i := range pending {
		alert := pending[i]
		if err := d.limiter.Wait(ctx); err != nil {
			metrics.DispatchCyclesTotal.WithLabelValues("error").Inc()
			return res, errors.Wrap(err, "wait for delivery slot")
		}

		if err := d.notifier.Notify(ctx, alert); err != nil {
			res.Failed++
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			d.log.Error().Err(err).Int64("alert_id", alert.ID).Msg("failed to deliver alert")
			continue
		}

		alert.MarkNotified(d.now())
		if err := d.history.MarkNotified(ctx, &alert); err != nil {
			// delivered but still pending, so it will be sent again
			res.Failed++
			metrics.NotificationsTotal.WithLabelValues("unmarked").Inc()
			d.log.Error().Err(err).Int64("alert_id", alert.ID).Msg("failed to mark alert notified")
			continue
		}

		res.Delivered++
		metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
		d.log.Info().
			Int64("alert_id", alert.ID).
			Int64("sensor_id", alert.SensorID).
			Str("target", alert.NotifyTarget).
			Msg("alert notification sent")
	}

	metrics.DispatchCyclesTotal.WithLabelValues("ok").Inc()
	metrics.DispatchPending.Set(float64(res.Pending - res.Delivered))
	return res, nil
}
