// Package registry resolves sensors by id or code and creates them on first sight.
package registry

import (
	"context"

	"github.com/cockroachdb/errors"

	"sensorpulse/internal/logger"
	"sensorpulse/internal/metrics"
	"sensorpulse/internal/models"
	"sensorpulse/internal/storage"
)

// Registry is the resolve-or-create front of the sensor repository.
type Registry struct {
	sensors storage.SensorRepository
}

// New creates a Registry over the given repository.
func New(sensors storage.SensorRepository) *Registry {
	return &Registry{sensors: sensors}
}

// Resolve looks the sensor up by id, then by code, and creates it with a
// placeholder name when neither matches. Storage failures propagate.
func (r *Registry) Resolve(ctx context.Context, id int64, code string) (*models.Sensor, error) {
	s, err := r.sensors.GetByID(ctx, id)
	if err == nil {
		return s, nil
	}
	if !storage.IsNotFound(err) {
		return nil, errors.Wrapf(err, "lookup sensor %d", id)
	}

	s, err = r.sensors.GetByCode(ctx, code)
	if err == nil {
		return s, nil
	}
	if !storage.IsNotFound(err) {
		return nil, errors.Wrapf(err, "lookup sensor %q", code)
	}

	s = &models.Sensor{
		ID:     id,
		Code:   code,
		Name:   models.PlaceholderSensorName(code),
		Active: true,
	}
	if err := r.sensors.Create(ctx, s); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// another writer created it between our lookups and the insert
			return r.afterConflict(ctx, id, code)
		}
		return nil, errors.Wrapf(err, "create sensor %d/%q", id, code)
	}

	metrics.SensorsCreated.Inc()
	log := logger.WithComponent("registry")
	log.Info().
		Int64("sensor_id", id).
		Str("sensor_code", code).
		Msg("Created sensor on first sight")
	return s, nil
}

func (r *Registry) afterConflict(ctx context.Context, id int64, code string) (*models.Sensor, error) {
	if s, err := r.sensors.GetByID(ctx, id); err == nil {
		return s, nil
	}
	s, err := r.sensors.GetByCode(ctx, code)
	if err != nil {
		return nil, errors.Wrapf(err, "re-read sensor %d/%q after conflict", id, code)
	}
	return s, nil
}
