// Package alerts evaluates a sensor's active rules against each new reading,
// keeping per-(sensor, rule) state and recording fired alerts to history.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sensorpulse/internal/logger"
	"sensorpulse/internal/metrics"
	"sensorpulse/internal/models"
	"sensorpulse/internal/storage"
)

// ErrRuleFailed marks errors that came from individual rules. Alerts from
// the other rules are still returned alongside it.
var ErrRuleFailed = errors.New("rule evaluation failed")

// Reading is one measurement as seen by the engine.
type Reading struct {
	// MeasurementID identifies the stored measurement; zero disables
	// duplicate-delivery detection for this reading.
	MeasurementID int64
	SensorID      int64
	Value         decimal.Decimal
	EventTime     time.Time
}

// ReadingFromEvent converts a broker event.
func ReadingFromEvent(ev *models.MeasurementEvent) Reading {
	return Reading{
		MeasurementID: ev.MeasurementID,
		SensorID:      ev.SensorID,
		Value:         ev.Value,
		EventTime:     ev.EventTime,
	}
}

// ReadingFromMeasurement converts a persisted measurement.
func ReadingFromMeasurement(m *models.Measurement) Reading {
	return Reading{
		MeasurementID: m.ID,
		SensorID:      m.SensorID,
		Value:         m.Value,
		EventTime:     m.EventTime,
	}
}

// Engine evaluates rules. It holds no state of its own between calls.
type Engine struct {
	rules   storage.RuleRepository
	states  storage.AlertStateRepository
	history storage.AlertHistoryRepository
	now     func() time.Time
	log     zerolog.Logger
}

// NewEngine creates an Engine over the given repositories.
func NewEngine(rules storage.RuleRepository, states storage.AlertStateRepository, history storage.AlertHistoryRepository) *Engine {
	return &Engine{
		rules:   rules,
		states:  states,
		history: history,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.WithComponent("alerts"),
	}
}

// WithClock overrides the time source used for fired-at and updated-at stamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate runs every active rule of the reading's sensor. A sensor without
// rules yields no alerts and creates no state. Per-rule failures are logged
// and collected into an error marked ErrRuleFailed while the remaining rules
// still run; failing to list the rules is returned unmarked.
func (e *Engine) Evaluate(ctx context.Context, r Reading) ([]models.AlertFired, error) {
	start := time.Now()
	defer func() { metrics.EvaluationDuration.Observe(time.Since(start).Seconds()) }()

	rules, err := e.rules.ActiveBySensor(ctx, r.SensorID)
	if err != nil {
		return nil, errors.Wrapf(err, "load rules for sensor %d", r.SensorID)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	var (
		fired    []models.AlertFired
		failures *multierror.Error
	)
	for i := range rules {
		rule := &rules[i]
		if err := rule.Validate(); err != nil {
			// invalid rules are skipped, not failed
			metrics.RuleEvaluationsTotal.WithLabelValues(rule.Kind.String(), "invalid").Inc()
			e.log.Warn().Err(err).Int64("rule_id", rule.ID).Msg("skipping invalid rule")
			continue
		}
		alert, err := e.evaluateRule(ctx, rule, r)
		if err != nil {
			metrics.RuleEvaluationsTotal.WithLabelValues(rule.Kind.String(), "failed").Inc()
			e.log.Error().
				Err(err).
				Int64("sensor_id", r.SensorID).
				Int64("rule_id", rule.ID).
				Int64("measurement_id", r.MeasurementID).
				Msg("rule evaluation failed")
			failures = multierror.Append(failures, errors.Wrapf(err, "rule %d", rule.ID))
			continue
		}
		if alert != nil {
			fired = append(fired, *alert)
		}
	}

	if err := failures.ErrorOrNil(); err != nil {
		return fired, errors.Mark(err, ErrRuleFailed)
	}
	return fired, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule *models.AlertRule, r Reading) (fired *models.AlertFired, err error) {
	defer func() {
		if p := recover(); p != nil {
			metrics.PanicsRecovered.WithLabelValues("alerts").Inc()
			fired, err = nil, errors.Newf("panic: %v", p)
		}
	}()

	st, err := e.loadState(ctx, r.SensorID, rule.ID)
	if err != nil {
		return nil, err
	}
	if st.HasApplied(r.MeasurementID) {
		metrics.RuleEvaluationsTotal.WithLabelValues(rule.Kind.String(), "duplicate").Inc()
		e.log.Debug().
			Int64("rule_id", rule.ID).
			Int64("measurement_id", r.MeasurementID).
			Msg("measurement already applied, skipping")
		return nil, nil
	}

	switch rule.Kind {
	case models.ConsecutiveOutOfRange:
		fired = e.consecutiveOutOfRange(rule, st, r)
	case models.MovingAverageMargin:
		fired = e.movingAverageMargin(rule, st, r)
	default:
		return nil, errors.Newf("unsupported rule kind %d", int(rule.Kind))
	}

	st.MarkApplied(r.MeasurementID)
	st.UpdatedAt = e.now()

	// History before state: a failed state write may duplicate an alert on
	// redelivery but never drops one.
	if fired != nil {
		if err := e.history.Append(ctx, fired.ToHistory()); err != nil {
			return nil, errors.Wrap(err, "append alert history")
		}
	}
	if err := e.states.Upsert(ctx, st); err != nil {
		return nil, errors.Wrap(err, "save alert state")
	}

	if fired != nil {
		metrics.RuleEvaluationsTotal.WithLabelValues(rule.Kind.String(), "fired").Inc()
		metrics.AlertsFiredTotal.WithLabelValues(rule.Kind.String()).Inc()
		e.log.Info().
			Int64("sensor_id", fired.SensorID).
			Int64("rule_id", fired.RuleID).
			Str("kind", fired.Kind.String()).
			Str("trigger_value", fired.TriggerValue.String()).
			Msg(fired.Reason)
	} else {
		metrics.RuleEvaluationsTotal.WithLabelValues(rule.Kind.String(), "ok").Inc()
	}
	return fired, nil
}

func (e *Engine) loadState(ctx context.Context, sensorID, ruleID int64) (*models.AlertState, error) {
	st, err := e.states.Get(ctx, sensorID, ruleID)
	if storage.IsNotFound(err) {
		return models.NewAlertState(sensorID, ruleID), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load alert state")
	}
	return st, nil
}

// consecutiveOutOfRange counts readings strictly outside [lower, upper] and
// fires on reaching the threshold, resetting the counter.
func (e *Engine) consecutiveOutOfRange(rule *models.AlertRule, st *models.AlertState, r Reading) *models.AlertFired {
	if r.Value.GreaterThanOrEqual(rule.LowerBound) && r.Value.LessThanOrEqual(rule.UpperBound) {
		st.ConsecutiveCount = 0
		return nil
	}

	st.ConsecutiveCount++
	if st.ConsecutiveCount < rule.ConsecutiveCount {
		return nil
	}

	reason := fmt.Sprintf("value out of range for %d consecutive readings: outside [%s, %s]",
		st.ConsecutiveCount, rule.LowerBound.String(), rule.UpperBound.String())
	st.ConsecutiveCount = 0
	return e.fire(rule, r, reason, r.Value)
}

// movingAverageMargin slides a window of the last WindowSize readings and
// fires while its mean sits within Margin of either bound. The window is
// kept across fires.
func (e *Engine) movingAverageMargin(rule *models.AlertRule, st *models.AlertState, r Reading) *models.AlertFired {
	window, err := models.DecodeWindow(st.RecentValues)
	if err != nil {
		e.log.Warn().
			Err(err).
			Int64("sensor_id", r.SensorID).
			Int64("rule_id", rule.ID).
			Msg("discarding unreadable moving average window")
		window = []decimal.Decimal{}
	}

	window = append(window, r.Value)
	if over := len(window) - rule.WindowSize; over > 0 {
		window = window[over:]
	}

	encoded, err := models.EncodeWindow(window)
	if err != nil {
		// decimals always encode; keep the previous window if they somehow don't
		e.log.Error().Err(err).Int64("rule_id", rule.ID).Msg("failed to encode window")
	} else {
		st.RecentValues = encoded
	}

	if len(window) < rule.WindowSize {
		return nil
	}

	mean := decimal.Avg(window[0], window[1:]...)
	side, ok := marginHit(mean, rule)
	if !ok {
		return nil
	}

	reason := fmt.Sprintf("moving average within %s margin: %s (margin: ±%s)",
		side, mean.StringFixed(2), rule.Margin.String())
	return e.fire(rule, r, reason, mean)
}

// marginHit reports which bound the mean is within Margin of. Lower wins
// when both match.
func marginHit(mean decimal.Decimal, rule *models.AlertRule) (string, bool) {
	within := func(bound decimal.Decimal) bool {
		return mean.GreaterThanOrEqual(bound.Sub(rule.Margin)) && mean.LessThanOrEqual(bound.Add(rule.Margin))
	}
	switch {
	case within(rule.LowerBound):
		return "lower", true
	case within(rule.UpperBound):
		return "upper", true
	default:
		return "", false
	}
}

func (e *Engine) fire(rule *models.AlertRule, r Reading, reason string, trigger decimal.Decimal) *models.AlertFired {
	return &models.AlertFired{
		SensorID:     r.SensorID,
		RuleID:       rule.ID,
		Kind:         rule.Kind,
		Reason:       reason,
		TriggerValue: trigger,
		NotifyTarget: rule.NotifyTarget,
		FiredAt:      r.EventTime.UTC(),
	}
}
