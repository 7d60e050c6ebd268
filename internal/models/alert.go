package models

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// MaxAppliedMeasurements bounds how many measurement ids an AlertState
// remembers for duplicate-delivery detection.
const MaxAppliedMeasurements = 32

// AlertState is the evaluation memory kept per (sensor, rule) pair.
type AlertState struct {
	ID       int64 `json:"id"`
	SensorID int64 `json:"sensorId"`
	RuleID   int64 `json:"ruleId"`

	// ConsecutiveCount is used by ConsecutiveOutOfRange rules only
	ConsecutiveCount int `json:"consecutiveCount"`

	// RecentValues is a JSON array of decimals used by MovingAverageMargin rules only
	RecentValues string `json:"recentValues"`

	// AppliedMeasurements holds the most recent measurement ids folded into
	// this state, oldest first.
	AppliedMeasurements []int64 `json:"appliedMeasurements"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewAlertState returns the initial state for a pair that was never evaluated.
func NewAlertState(sensorID, ruleID int64) *AlertState {
	return &AlertState{
		SensorID:     sensorID,
		RuleID:       ruleID,
		RecentValues: "[]",
		UpdatedAt:    time.Now().UTC(),
	}
}

// HasApplied reports whether the measurement was already folded into the state.
// Zero ids are never considered applied.
func (s *AlertState) HasApplied(measurementID int64) bool {
	return measurementID != 0 && slices.Contains(s.AppliedMeasurements, measurementID)
}

// MarkApplied records a measurement id, dropping the oldest beyond the bound.
func (s *AlertState) MarkApplied(measurementID int64) {
	if measurementID == 0 {
		return
	}
	s.AppliedMeasurements = append(s.AppliedMeasurements, measurementID)
	if over := len(s.AppliedMeasurements) - MaxAppliedMeasurements; over > 0 {
		s.AppliedMeasurements = slices.Clone(s.AppliedMeasurements[over:])
	}
}

// EncodeWindow serializes a moving-average window as a JSON array of numbers.
func EncodeWindow(values []decimal.Decimal) (string, error) {
	if values == nil {
		values = []decimal.Decimal{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeWindow parses a stored window. Empty input is an empty window.
func DecodeWindow(raw string) ([]decimal.Decimal, error) {
	if raw == "" {
		return []decimal.Decimal{}, nil
	}
	var values []decimal.Decimal
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	if values == nil {
		values = []decimal.Decimal{}
	}
	return values, nil
}

// AlertFired is produced by the evaluation engine when a rule's condition is met.
type AlertFired struct {
	SensorID int64    `json:"sensorId"`
	RuleID   int64    `json:"ruleId"`
	Kind     RuleKind `json:"kind"`
	Reason   string   `json:"reason"`

	// TriggerValue is the raw reading for ConsecutiveOutOfRange and the window
	// mean for MovingAverageMargin.
	TriggerValue decimal.Decimal `json:"triggerValue"`
	NotifyTarget string          `json:"notifyTarget"`
	FiredAt      time.Time       `json:"firedAt"`
}

// ToHistory converts the fired alert into a pending history record.
func (a *AlertFired) ToHistory() *AlertHistory {
	value := a.TriggerValue
	return &AlertHistory{
		SensorID:     a.SensorID,
		RuleID:       a.RuleID,
		Kind:         a.Kind,
		Reason:       a.Reason,
		TriggerValue: &value,
		NotifyTarget: a.NotifyTarget,
		FiredAt:      a.FiredAt,
	}
}

// AlertHistory is the durable log entry of a fired alert.
type AlertHistory struct {
	ID           int64            `json:"id"`
	SensorID     int64            `json:"sensorId"`
	RuleID       int64            `json:"ruleId"`
	Kind         RuleKind         `json:"kind"`
	Reason       string           `json:"reason"`
	TriggerValue *decimal.Decimal `json:"triggerValue,omitempty"`
	NotifyTarget string           `json:"notifyTarget"`
	FiredAt      time.Time        `json:"firedAt"`
	Notified     bool             `json:"notified"`
	NotifiedAt   *time.Time       `json:"notifiedAt,omitempty"`
}

// MarkNotified flips the delivery flag.
func (h *AlertHistory) MarkNotified(at time.Time) {
	at = at.UTC()
	h.Notified = true
	h.NotifiedAt = &at
}
