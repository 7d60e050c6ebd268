// Package ingest accepts measurements, persists them, and hands them to
// evaluation either directly or through the broker.
package ingest

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sensorpulse/internal/alerts"
	"sensorpulse/internal/logger"
	"sensorpulse/internal/metrics"
	"sensorpulse/internal/models"
	"sensorpulse/internal/registry"
	"sensorpulse/internal/storage"
)

// LatestPerSensor is how many recent readings the rollups return per sensor.
const LatestPerSensor = 10

// ErrBatchTooLarge is returned when a batch exceeds the configured limit.
var ErrBatchTooLarge = errors.New("batch exceeds maximum size")

// Publisher hands persisted measurements to asynchronous evaluation.
type Publisher interface {
	Publish(ctx context.Context, event *models.MeasurementEvent) error
}

// Resolver finds or creates the sensor a reading refers to.
type Resolver interface {
	Resolve(ctx context.Context, id int64, code string) (*models.Sensor, error)
}

// Evaluator runs alert rules against one reading.
type Evaluator interface {
	Evaluate(ctx context.Context, r alerts.Reading) ([]models.AlertFired, error)
}

// Config holds the collaborators of a Service.
type Config struct {
	Store *storage.Store

	// Publisher switches the service to asynchronous evaluation. Nil means
	// every reading is evaluated before the call returns.
	Publisher Publisher

	// Resolver and Evaluator default to the registry and engine over Store.
	Resolver  Resolver
	Evaluator Evaluator

	MaxBatchItems int
}

// Service is the measurement ingestion entry point.
type Service struct {
	resolver     Resolver
	evaluator    Evaluator
	publisher    Publisher
	measurements storage.MeasurementRepository
	sensors      storage.SensorRepository
	equipment    storage.EquipmentRepository
	maxBatch     int
	log          zerolog.Logger
}

// NewService creates an ingestion Service.
func NewService(cfg Config) *Service {
	if cfg.Resolver == nil {
		cfg.Resolver = registry.New(cfg.Store.Sensors)
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = alerts.NewEngine(cfg.Store.Rules, cfg.Store.AlertStates, cfg.Store.AlertHistory)
	}
	return &Service{
		resolver:     cfg.Resolver,
		evaluator:    cfg.Evaluator,
		publisher:    cfg.Publisher,
		measurements: cfg.Store.Measurements,
		sensors:      cfg.Store.Sensors,
		equipment:    cfg.Store.Equipment,
		maxBatch:     cfg.MaxBatchItems,
		log:          logger.WithComponent("ingest"),
	}
}

// Async reports whether evaluation happens behind the broker.
func (s *Service) Async() bool {
	return s.publisher != nil
}

// Result is the outcome of an ingestion call. Alerts is always empty in
// asynchronous mode.
type Result struct {
	BatchID      *uuid.UUID            `json:"batchId,omitempty"`
	Measurements int                   `json:"totalMeasurements"`
	Alerts       []models.AlertFired   `json:"alerts"`
	Stored       []*models.Measurement `json:"-"`
}

// Ingest resolves the sensor, persists one measurement, then publishes or
// evaluates it. The measurement is stored before anything else happens to it.
func (s *Service) Ingest(ctx context.Context, in models.MeasurementInput) (*Result, error) {
	sensor, err := s.resolver.Resolve(ctx, in.SensorID, in.SensorCode)
	if err != nil {
		metrics.IngestMeasurementsTotal.WithLabelValues("single", "failed").Inc()
		return nil, errors.Wrap(err, "resolve sensor")
	}

	m := models.NewMeasurement(sensor.ID, in.Value, in.EventTime)
	if err := s.measurements.Add(ctx, m); err != nil {
		metrics.IngestMeasurementsTotal.WithLabelValues("single", "failed").Inc()
		return nil, errors.Wrap(err, "store measurement")
	}
	metrics.IngestMeasurementsTotal.WithLabelValues("single", "accepted").Inc()

	fired, err := s.dispatch(ctx, m, sensor)
	if err != nil {
		return nil, err
	}
	return &Result{
		Measurements: 1,
		Alerts:       nonNil(fired),
		Stored:       []*models.Measurement{m},
	}, nil
}

// IngestBatch stores all items in one operation under a fresh batch id, then
// publishes or evaluates them in input order. Each distinct sensor code is
// resolved at most once per call.
func (s *Service) IngestBatch(ctx context.Context, items []models.MeasurementInput) (*Result, error) {
	if s.maxBatch > 0 && len(items) > s.maxBatch {
		return nil, errors.Wrapf(ErrBatchTooLarge, "%d items, limit %d", len(items), s.maxBatch)
	}
	metrics.IngestBatchSize.Observe(float64(len(items)))

	batchID := uuid.New()
	log := s.log.With().Str("batch_id", batchID.String()).Logger()

	// scoped to this call so concurrent batches never see each other's sensors
	resolved := make(map[string]*models.Sensor)
	sensors := make([]*models.Sensor, len(items))
	ms := make([]*models.Measurement, len(items))
	for i, in := range items {
		sensor, ok := resolved[in.SensorCode]
		if !ok {
			var err error
			sensor, err = s.resolver.Resolve(ctx, in.SensorID, in.SensorCode)
			if err != nil {
				metrics.IngestMeasurementsTotal.WithLabelValues("batch", "failed").Add(float64(len(items)))
				return nil, errors.Wrapf(err, "resolve sensor of item %d", i)
			}
			resolved[in.SensorCode] = sensor
		}
		sensors[i] = sensor
		ms[i] = models.NewMeasurement(sensor.ID, in.Value, in.EventTime).WithBatch(batchID)
	}

	if err := s.measurements.AddBatch(ctx, ms); err != nil {
		metrics.IngestMeasurementsTotal.WithLabelValues("batch", "failed").Add(float64(len(items)))
		return nil, errors.Wrap(err, "store batch")
	}
	metrics.IngestMeasurementsTotal.WithLabelValues("batch", "accepted").Add(float64(len(items)))

	var fired []models.AlertFired
	for i, m := range ms {
		out, err := s.dispatch(ctx, m, sensors[i])
		if err != nil {
			return nil, errors.Wrapf(err, "item %d", i)
		}
		fired = append(fired, out...)
	}

	log.Info().
		Int("items", len(items)).
		Int("sensors", len(resolved)).
		Int("alerts", len(fired)).
		Bool("async", s.Async()).
		Msg("batch ingested")

	return &Result{
		BatchID:      &batchID,
		Measurements: len(ms),
		Alerts:       nonNil(fired),
		Stored:       ms,
	}, nil
}

// dispatch publishes the stored measurement or evaluates it in place.
// Publish failures propagate; per-rule evaluation failures only log since
// the engine has already returned every alert it could produce.
func (s *Service) dispatch(ctx context.Context, m *models.Measurement, sensor *models.Sensor) ([]models.AlertFired, error) {
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, models.NewMeasurementEvent(m, sensor)); err != nil {
			return nil, errors.Wrapf(err, "publish measurement %d", m.ID)
		}
		return nil, nil
	}

	fired, err := s.evaluator.Evaluate(ctx, alerts.ReadingFromMeasurement(m))
	if err != nil {
		if errors.Is(err, alerts.ErrRuleFailed) {
			s.log.Warn().Err(err).Int64("measurement_id", m.ID).Msg("some rules failed to evaluate")
			return fired, nil
		}
		return nil, errors.Wrapf(err, "evaluate measurement %d", m.ID)
	}
	return fired, nil
}

// EquipmentMeasurements assembles the latest readings of every sensor
// actively linked to the equipment. found is false for an unknown id.
// Sensors that have no readings yet are left out.
func (s *Service) EquipmentMeasurements(ctx context.Context, equipmentID int64) (_ *models.EquipmentMeasurements, found bool, _ error) {
	e, err := s.equipment.GetWithLinks(ctx, equipmentID)
	if storage.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "load equipment %d", equipmentID)
	}

	out := &models.EquipmentMeasurements{
		EquipmentID:   e.ID,
		EquipmentName: e.Name,
		Sensors:       []models.SensorMeasurements{},
	}
	links := e.ActiveLinks()
	if len(links) == 0 {
		return out, true, nil
	}

	rows, err := s.measurements.LatestByEquipment(ctx, equipmentID, LatestPerSensor)
	if err != nil {
		return nil, false, errors.Wrapf(err, "latest measurements of equipment %d", equipmentID)
	}

	bySensor := make(map[int64][]models.ReadingView)
	for i := range rows {
		bySensor[rows[i].SensorID] = append(bySensor[rows[i].SensorID], rows[i].View())
	}
	for _, l := range links {
		views, ok := bySensor[l.Sensor.ID]
		if !ok {
			continue
		}
		sort.SliceStable(views, func(i, j int) bool { return views[i].EventTime.After(views[j].EventTime) })
		out.Sensors = append(out.Sensors, models.SensorMeasurements{
			SensorID:   l.Sensor.ID,
			SensorCode: l.Sensor.Code,
			Latest:     views,
		})
		delete(bySensor, l.Sensor.ID)
	}
	return out, true, nil
}

// SensorMeasurements returns up to limit latest readings of one sensor.
func (s *Service) SensorMeasurements(ctx context.Context, sensorID int64, limit int) (_ *models.SensorMeasurements, found bool, _ error) {
	sensor, err := s.sensors.GetByID(ctx, sensorID)
	if storage.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "load sensor %d", sensorID)
	}
	if limit <= 0 || limit > LatestPerSensor {
		limit = LatestPerSensor
	}

	rows, err := s.measurements.LatestBySensor(ctx, sensorID, limit)
	if err != nil {
		return nil, false, errors.Wrapf(err, "latest measurements of sensor %d", sensorID)
	}
	views := make([]models.ReadingView, len(rows))
	for i := range rows {
		views[i] = rows[i].View()
	}
	return &models.SensorMeasurements{
		SensorID:   sensor.ID,
		SensorCode: sensor.Code,
		Latest:     views,
	}, true, nil
}

func nonNil(fired []models.AlertFired) []models.AlertFired {
	if fired == nil {
		return []models.AlertFired{}
	}
	return fired
}
