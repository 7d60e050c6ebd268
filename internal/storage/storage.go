package storage

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"

	"sensorpulse/internal/models"
)

// Storage errors
var (
	// ErrNotFound is returned by point lookups that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("conflict")
)

// IsNotFound reports whether err means a lookup matched nothing.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// SensorRepository reads and creates sensors.
type SensorRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Sensor, error)
	GetByCode(ctx context.Context, code string) (*models.Sensor, error)
	// Create inserts the sensor with its given id; ErrConflict when id or code exists.
	Create(ctx context.Context, sensor *models.Sensor) error
}

// MeasurementRepository persists readings and serves latest-N lookups.
type MeasurementRepository interface {
	// Add stores one measurement and assigns its ID.
	Add(ctx context.Context, m *models.Measurement) error
	// AddBatch stores all measurements atomically and assigns their IDs.
	AddBatch(ctx context.Context, ms []*models.Measurement) error
	// LatestBySensor returns up to limit readings, newest event time first.
	LatestBySensor(ctx context.Context, sensorID int64, limit int) ([]models.Measurement, error)
	// LatestByEquipment returns up to perSensor readings for each sensor
	// actively linked to the equipment, grouped by sensor and newest first.
	LatestByEquipment(ctx context.Context, equipmentID int64, perSensor int) ([]models.Measurement, error)
}

// RuleRepository serves the rules evaluated for a sensor.
type RuleRepository interface {
	ActiveBySensor(ctx context.Context, sensorID int64) ([]models.AlertRule, error)
}

// AlertStateRepository holds one evaluation state per (sensor, rule).
type AlertStateRepository interface {
	// Get returns ErrNotFound for a pair that was never evaluated.
	Get(ctx context.Context, sensorID, ruleID int64) (*models.AlertState, error)
	Upsert(ctx context.Context, state *models.AlertState) error
}

// AlertHistoryRepository is the append-only log of fired alerts.
type AlertHistoryRepository interface {
	Append(ctx context.Context, h *models.AlertHistory) error
	// Pending returns undelivered entries, oldest fired first.
	Pending(ctx context.Context, limit int) ([]models.AlertHistory, error)
	MarkNotified(ctx context.Context, h *models.AlertHistory) error
}

// EquipmentRepository resolves equipment with its sensor links.
type EquipmentRepository interface {
	GetWithLinks(ctx context.Context, id int64) (*models.Equipment, error)
}

// Seeder writes reference data. Every call is an upsert keyed by ID.
type Seeder interface {
	UpsertSector(ctx context.Context, s *models.Sector) error
	UpsertEquipment(ctx context.Context, e *models.Equipment) error
	UpsertSensor(ctx context.Context, s *models.Sensor) error
	UpsertLink(ctx context.Context, l *models.SensorLink) error
	UpsertRule(ctx context.Context, r *models.AlertRule) error
}

// Backend is the connection underneath a Store.
type Backend interface {
	Ping(ctx context.Context) error
	Close() error
}

// Store bundles the repositories of one backend.
type Store struct {
	Sensors      SensorRepository
	Measurements MeasurementRepository
	Rules        RuleRepository
	AlertStates  AlertStateRepository
	AlertHistory AlertHistoryRepository
	Equipment    EquipmentRepository
	Seeder       Seeder

	Backend Backend

	// extra resources closed together with the backend
	closers []func() error
}

// OnClose registers a resource released by Close.
func (s *Store) OnClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Ping checks backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.Backend == nil {
		return nil
	}
	return s.Backend.Ping(ctx)
}

// Close releases the backend and registered resources.
func (s *Store) Close() error {
	var result *multierror.Error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.Backend != nil {
		if err := s.Backend.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
