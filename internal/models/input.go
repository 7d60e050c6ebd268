package models

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// MeasurementInput is one reading as submitted by a client.
type MeasurementInput struct {
	SensorID   int64
	SensorCode string
	EventTime  time.Time
	Value      decimal.Decimal
}

// Validation errors
var (
	ErrInvalidSensorID  = errors.New("sensor id must be greater than 0")
	ErrEmptySensorCode  = errors.New("sensor code cannot be empty")
	ErrSensorCodeLength = errors.New("sensor code exceeds maximum length")
	ErrZeroTimestamp    = errors.New("timestamp cannot be zero")
	ErrFutureTimestamp  = errors.New("timestamp cannot be in the future")
	ErrStaleTimestamp   = errors.New("timestamp cannot be older than one year")
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
	ErrValueOutOfRange  = errors.New("value outside accepted physical range")
)

const (
	MaxSensorCodeLength = 50

	// allowed clock skew for readings stamped slightly ahead of the server
	futureSkew = time.Minute
)

var (
	// MinReadingValue is absolute zero in Celsius.
	MinReadingValue = decimal.RequireFromString("-273.15")
	MaxReadingValue = decimal.NewFromInt(1000)
)

// Normalize trims the sensor code and converts the event time to UTC.
func (in *MeasurementInput) Normalize() {
	in.SensorCode = strings.TrimSpace(in.SensorCode)
	in.EventTime = in.EventTime.UTC()
}

// Validate checks the input against the accepted ranges as of now.
func (in *MeasurementInput) Validate() error {
	return in.ValidateAt(time.Now())
}

// ValidateAt is Validate with an explicit clock.
func (in *MeasurementInput) ValidateAt(now time.Time) error {
	if in.SensorID <= 0 {
		return ErrInvalidSensorID
	}
	if in.SensorCode == "" {
		return ErrEmptySensorCode
	}
	if len(in.SensorCode) > MaxSensorCodeLength {
		return ErrSensorCodeLength
	}
	if in.EventTime.IsZero() {
		return ErrZeroTimestamp
	}
	if in.EventTime.After(now.Add(futureSkew)) {
		return ErrFutureTimestamp
	}
	if !in.EventTime.After(now.AddDate(-1, 0, 0)) {
		return ErrStaleTimestamp
	}
	if in.Value.LessThan(MinReadingValue) || in.Value.GreaterThan(MaxReadingValue) {
		return ErrValueOutOfRange
	}
	return nil
}

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
