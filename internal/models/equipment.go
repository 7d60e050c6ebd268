package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sector groups equipment. Only the seed loader writes it.
type Sector struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Equipment is a monitored asset with sensors linked to it.
type Equipment struct {
	ID       int64        `json:"id"`
	Name     string       `json:"name"`
	SectorID int64        `json:"sectorId"`
	Active   bool         `json:"active"`
	Links    []SensorLink `json:"links,omitempty"`
}

// SensorLink attaches a sensor to a piece of equipment.
type SensorLink struct {
	ID          int64     `json:"id"`
	EquipmentID int64     `json:"equipmentId"`
	Sensor      Sensor    `json:"sensor"`
	LinkedBy    string    `json:"linkedBy"`
	LinkedAt    time.Time `json:"linkedAt"`
	Active      bool      `json:"active"`
}

// ActiveLinks returns the links currently in effect, in stored order.
func (e *Equipment) ActiveLinks() []SensorLink {
	out := make([]SensorLink, 0, len(e.Links))
	for _, l := range e.Links {
		if l.Active {
			out = append(out, l)
		}
	}
	return out
}

// EquipmentMeasurements is the read-side rollup of recent readings per sensor.
type EquipmentMeasurements struct {
	EquipmentID   int64                `json:"equipmentId"`
	EquipmentName string               `json:"equipmentName"`
	Sensors       []SensorMeasurements `json:"sensors"`
}

// SensorMeasurements lists one sensor's latest readings, newest first.
type SensorMeasurements struct {
	SensorID   int64         `json:"sensorId"`
	SensorCode string        `json:"sensorCode"`
	Latest     []ReadingView `json:"latestMeasurements"`
}

// ReadingView is the client-facing shape of a measurement.
type ReadingView struct {
	EventTime  time.Time       `json:"eventTime"`
	Value      decimal.Decimal `json:"value"`
	IngestedAt time.Time       `json:"ingestedAt"`
}

// View converts a measurement into its client-facing shape.
func (m *Measurement) View() ReadingView {
	return ReadingView{
		EventTime:  m.EventTime,
		Value:      m.Value,
		IngestedAt: m.IngestedAt,
	}
}
