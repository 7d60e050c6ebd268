package api

import (
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sensorpulse/internal/models"
)

// MeasurementRequest is one reading as posted by a client. Timestamp is a
// string for flexible parsing.
type MeasurementRequest struct {
	SensorID   int64            `json:"sensorId" validate:"gt=0"`
	SensorCode string           `json:"sensorCode" validate:"required,max=50"`
	Timestamp  string           `json:"timestamp" validate:"required"`
	Value      *decimal.Decimal `json:"value" validate:"required"`
}

// BatchRequest wraps a list of readings.
type BatchRequest struct {
	Measurements []MeasurementRequest `json:"measurements" validate:"min=1"`
}

// IngestResponse is returned by both ingestion endpoints.
type IngestResponse struct {
	Success     bool                `json:"success"`
	Total       int                 `json:"total,omitempty"`
	BatchID     *uuid.UUID          `json:"batchId,omitempty"`
	AlertsFired int                 `json:"alertsFired"`
	Alerts      []models.AlertFired `json:"alerts"`
	Async       bool                `json:"async"`
}

// IngestError describes a validation error for a specific item
type IngestError struct {
	Index      int    `json:"index"`
	SensorCode string `json:"sensorCode,omitempty"`
	Error      string `json:"error"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Success   bool          `json:"success"`
	Error     string        `json:"error"`
	RequestID string        `json:"requestId,omitempty"`
	Errors    []IngestError `json:"errors,omitempty"`
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// toInput validates the request and converts it into a domain input.
func (r *MeasurementRequest) toInput(now time.Time) (models.MeasurementInput, error) {
	if err := validate.Struct(r); err != nil {
		return models.MeasurementInput{}, describe(err)
	}
	ts, err := models.ParseTimestamp(r.Timestamp)
	if err != nil {
		return models.MeasurementInput{}, errors.Wrapf(err, "timestamp %q", r.Timestamp)
	}

	in := models.MeasurementInput{
		SensorID:   r.SensorID,
		SensorCode: r.SensorCode,
		EventTime:  ts,
		Value:      *r.Value,
	}
	in.Normalize()
	if err := in.ValidateAt(now); err != nil {
		return models.MeasurementInput{}, err
	}
	return in, nil
}

// describe turns validator errors into one readable message.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "gt":
			msgs = append(msgs, fe.Field()+" must be greater than "+fe.Param())
		case "max":
			msgs = append(msgs, fe.Field()+" must be at most "+fe.Param()+" characters")
		case "min":
			msgs = append(msgs, fe.Field()+" must contain at least "+fe.Param()+" item")
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
