package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// RuleKind tags the alert rule variant.
type RuleKind int

const (
	RuleKindUnknown RuleKind = iota
	// ConsecutiveOutOfRange fires after N consecutive readings outside the bounds.
	ConsecutiveOutOfRange
	// MovingAverageMargin fires when the mean of the last W readings sits
	// within ±margin of either bound.
	MovingAverageMargin
)

var ruleKindNames = map[RuleKind]string{
	ConsecutiveOutOfRange: "ConsecutiveOutOfRange",
	MovingAverageMargin:   "MovingAverageMargin",
}

func (k RuleKind) String() string {
	if name, ok := ruleKindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// ParseRuleKind accepts the kind name case-insensitively.
func ParseRuleKind(s string) (RuleKind, error) {
	for kind, name := range ruleKindNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return kind, nil
		}
	}
	return RuleKindUnknown, errors.Wrapf(ErrInvalidRule, "unknown rule kind %q", s)
}

// MarshalJSON encodes the kind by name.
func (k RuleKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind name.
func (k *RuleKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	kind, err := ParseRuleKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// UnmarshalYAML decodes a kind name from seed files.
func (k *RuleKind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	kind, err := ParseRuleKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ErrInvalidRule marks a rule whose kind-specific parameters are unusable.
var ErrInvalidRule = errors.New("invalid alert rule")

// AlertRule is a configured condition on a sensor's readings. The engine only
// reads rules; configuration management owns them.
type AlertRule struct {
	ID         int64           `json:"id"`
	SensorID   int64           `json:"sensorId"`
	Kind       RuleKind        `json:"kind"`
	LowerBound decimal.Decimal `json:"lowerBound"`
	UpperBound decimal.Decimal `json:"upperBound"`

	// ConsecutiveOutOfRange only
	ConsecutiveCount int `json:"consecutiveCount,omitempty"`

	// MovingAverageMargin only
	WindowSize int             `json:"windowSize,omitempty"`
	Margin     decimal.Decimal `json:"margin"`

	NotifyTarget string    `json:"notifyTarget"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Validate checks the parameters required by the rule's kind.
func (r *AlertRule) Validate() error {
	if r.LowerBound.GreaterThan(r.UpperBound) {
		return errors.Wrapf(ErrInvalidRule, "rule %d: lower bound %s above upper bound %s",
			r.ID, r.LowerBound, r.UpperBound)
	}
	switch r.Kind {
	case ConsecutiveOutOfRange:
		if r.ConsecutiveCount <= 0 {
			return errors.Wrapf(ErrInvalidRule, "rule %d: consecutive count must be positive", r.ID)
		}
	case MovingAverageMargin:
		if r.WindowSize <= 0 {
			return errors.Wrapf(ErrInvalidRule, "rule %d: window size must be positive", r.ID)
		}
		if r.Margin.IsNegative() {
			return errors.Wrapf(ErrInvalidRule, "rule %d: margin cannot be negative", r.ID)
		}
	default:
		return errors.Wrapf(ErrInvalidRule, "rule %d: unsupported kind %d", r.ID, int(r.Kind))
	}
	return nil
}
