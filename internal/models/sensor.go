package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Readings, bounds and means travel as JSON numbers on the wire and in
	// persisted alert state, not as quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Sensor is a physical measuring device. ID and Code both identify it.
type Sensor struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// PlaceholderSensorName is the display name given to sensors created on
// first sight by ingestion.
func PlaceholderSensorName(code string) string {
	return fmt.Sprintf("Sensor %s", code)
}
