package models

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RoutingKeyPrefix is the first word of every measurement routing key.
const RoutingKeyPrefix = "measurement"

// RoutingKey derives the broker routing key for a sensor code.
func RoutingKey(sensorCode string) string {
	return RoutingKeyPrefix + "." + sensorCode
}

// Event errors
var (
	ErrEventMissingSensor = errors.New("measurement event has no sensor")
	ErrEventZeroEventTime = errors.New("measurement event has zero event time")
)

// MeasurementEvent is the broker payload that hands a persisted measurement
// over to asynchronous evaluation.
type MeasurementEvent struct {
	MeasurementID int64           `json:"measurementId"`
	SensorID      int64           `json:"sensorId"`
	SensorCode    string          `json:"sensorCode"`
	Value         decimal.Decimal `json:"value"`
	EventTime     time.Time       `json:"eventTime"`
	IngestedAt    time.Time       `json:"ingestedAt"`
	BatchID       *uuid.UUID      `json:"batchId"`
}

// NewMeasurementEvent wraps a persisted measurement and its sensor
func NewMeasurementEvent(m *Measurement, sensor *Sensor) *MeasurementEvent {
	return &MeasurementEvent{
		MeasurementID: m.ID,
		SensorID:      sensor.ID,
		SensorCode:    sensor.Code,
		Value:         m.Value,
		EventTime:     m.EventTime,
		IngestedAt:    m.IngestedAt,
		BatchID:       m.BatchID,
	}
}

// RoutingKey returns the key the event is published under.
func (e *MeasurementEvent) RoutingKey() string {
	return RoutingKey(e.SensorCode)
}

// Validate rejects payloads that decoded but cannot be evaluated.
func (e *MeasurementEvent) Validate() error {
	if e.SensorID <= 0 || strings.TrimSpace(e.SensorCode) == "" {
		return ErrEventMissingSensor
	}
	if e.EventTime.IsZero() {
		return ErrEventZeroEventTime
	}
	return nil
}
