package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Measurement is one timestamped reading from a sensor. Immutable once stored.
type Measurement struct {
	// ID is assigned by the store on insert
	ID       int64           `json:"id"`
	SensorID int64           `json:"sensorId"`
	Value    decimal.Decimal `json:"value"`

	// EventTime is when the physical reading happened
	EventTime time.Time `json:"eventTime"`

	// IngestedAt is when the system received it
	IngestedAt time.Time `json:"ingestedAt"`

	// BatchID groups measurements submitted together
	BatchID *uuid.UUID `json:"batchId,omitempty"`
}

// NewMeasurement builds a measurement stamped with the current ingestion time.
func NewMeasurement(sensorID int64, value decimal.Decimal, eventTime time.Time) *Measurement {
	return &Measurement{
		SensorID:   sensorID,
		Value:      value,
		EventTime:  eventTime.UTC(),
		IngestedAt: time.Now().UTC(),
	}
}

// WithBatch tags the measurement with a batch identifier
func (m *Measurement) WithBatch(batchID uuid.UUID) *Measurement {
	id := batchID
	m.BatchID = &id
	return m
}
