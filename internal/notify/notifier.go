package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"sensorpulse/internal/config"
	"sensorpulse/internal/logger"
	"sensorpulse/internal/models"
)

// ErrNoTarget is returned for alerts without a notify target.
var ErrNoTarget = errors.New("alert has no notify target")

// Notifier delivers one fired alert.
type Notifier interface {
	Notify(ctx context.Context, alert models.AlertHistory) error
}

// New picks the SMTP notifier when a host is configured and the log notifier
// otherwise, wrapped in a circuit breaker.
func New(cfg config.SMTPConfig) Notifier {
	var inner Notifier
	if cfg.Host != "" {
		inner = NewSMTPNotifier(cfg)
	} else {
		inner = NewLogNotifier()
	}
	return NewBreaker(inner, BreakerSettings{})
}

// LogNotifier writes alerts to the log. Used when no mail server is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.WithComponent("notifier")}
}

// Notify logs the alert.
func (n *LogNotifier) Notify(ctx context.Context, alert models.AlertHistory) error {
	n.log.Warn().
		Int64("alert_id", alert.ID).
		Int64("sensor_id", alert.SensorID).
		Int64("rule_id", alert.RuleID).
		Str("kind", alert.Kind.String()).
		Str("target", alert.NotifyTarget).
		Str("reason", alert.Reason).
		Time("fired_at", alert.FiredAt).
		Msg("alert fired")
	return nil
}

// BreakerSettings tunes the circuit breaker around a notifier.
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker. Default 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open. Default 1m.
	OpenTimeout time.Duration
}

// BreakerNotifier stops calling a failing notifier until it recovers.
type BreakerNotifier struct {
	next Notifier
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next in a circuit breaker.
func NewBreaker(next Notifier, s BreakerSettings) *BreakerNotifier {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = time.Minute
	}
	log := logger.WithComponent("notifier")
	threshold := s.ConsecutiveFailures

	return &BreakerNotifier{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notifier",
			MaxRequests: 1,
			Timeout:     s.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("notifier circuit breaker state changed")
			},
		}),
	}
}

// Notify delivers through the wrapped notifier unless the breaker is open.
func (b *BreakerNotifier) Notify(ctx context.Context, alert models.AlertHistory) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Notify(ctx, alert)
	})
	return err
}

// State reports the breaker state.
func (b *BreakerNotifier) State() gobreaker.State {
	return b.cb.State()
}

func subject(alert models.AlertHistory) string {
	return fmt.Sprintf("[sensorpulse] %s alert on sensor %d", alert.Kind, alert.SensorID)
}

func body(alert models.AlertHistory) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sensor:   %d\r\n", alert.SensorID)
	fmt.Fprintf(&sb, "Rule:     %d (%s)\r\n", alert.RuleID, alert.Kind)
	if alert.TriggerValue != nil {
		fmt.Fprintf(&sb, "Value:    %s\r\n", alert.TriggerValue.String())
	}
	fmt.Fprintf(&sb, "Fired at: %s\r\n", alert.FiredAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "\r\n%s\r\n", alert.Reason)
	return sb.String()
}
