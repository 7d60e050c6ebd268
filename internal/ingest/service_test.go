package ingest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorpulse/internal/ingest"
	"sensorpulse/internal/models"
	"sensorpulse/internal/registry"
	"sensorpulse/internal/storage"
	"sensorpulse/internal/storage/memory"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

// countingResolver counts registry round-trips per code.
type countingResolver struct {
	next  *registry.Registry
	mu    sync.Mutex
	calls map[string]int
}

func newCountingResolver(store *storage.Store) *countingResolver {
	return &countingResolver{next: registry.New(store.Sensors), calls: make(map[string]int)}
}

func (c *countingResolver) Resolve(ctx context.Context, id int64, code string) (*models.Sensor, error) {
	c.mu.Lock()
	c.calls[code]++
	c.mu.Unlock()
	return c.next.Resolve(ctx, id, code)
}

// recordingPublisher keeps published events in order.
type recordingPublisher struct {
	events []*models.MeasurementEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev *models.MeasurementEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func input(id int64, code, value string, offset time.Duration) models.MeasurementInput {
	return models.MeasurementInput{
		SensorID:   id,
		SensorCode: code,
		EventTime:  t0.Add(offset),
		Value:      decimal.RequireFromString(value),
	}
}

func seedRule(t *testing.T, store *storage.Store, sensorID int64, threshold int) {
	t.Helper()
	require.NoError(t, store.Seeder.UpsertRule(context.Background(), &models.AlertRule{
		ID:               sensorID * 100,
		SensorID:         sensorID,
		Kind:             models.ConsecutiveOutOfRange,
		LowerBound:       decimal.NewFromInt(1),
		UpperBound:       decimal.NewFromInt(50),
		ConsecutiveCount: threshold,
		NotifyTarget:     "ops@example.com",
		Active:           true,
	}))
}

func TestIngest_SyncEvaluationReturnsAlerts(t *testing.T) {
	store := memory.New()
	seedRule(t, store, 5, 5)
	svc := ingest.NewService(ingest.Config{Store: store})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		res, err := svc.Ingest(ctx, input(5, "S-5", "0.5", time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Empty(t, res.Alerts)
	}

	res, err := svc.Ingest(ctx, input(5, "S-5", "0.5", 5*time.Second))
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	assert.True(t, res.Alerts[0].TriggerValue.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, models.ConsecutiveOutOfRange, res.Alerts[0].Kind)

	sensor, err := store.Sensors.GetByCode(ctx, "S-5")
	require.NoError(t, err)
	assert.Equal(t, "Sensor S-5", sensor.Name)

	latest, err := store.Measurements.LatestBySensor(ctx, 5, 100)
	require.NoError(t, err)
	assert.Len(t, latest, 5)
	assert.Nil(t, latest[0].BatchID)
}

func TestIngest_AsyncPublishesAfterPersist(t *testing.T) {
	store := memory.New()
	seedRule(t, store, 5, 1)
	pub := &recordingPublisher{}
	svc := ingest.NewService(ingest.Config{Store: store, Publisher: pub})
	ctx := context.Background()

	res, err := svc.Ingest(ctx, input(5, "S-5", "0.5", 0))
	require.NoError(t, err)
	assert.Empty(t, res.Alerts)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.NotZero(t, ev.MeasurementID)
	assert.Equal(t, "measurement.S-5", ev.RoutingKey())
	assert.Equal(t, res.Stored[0].ID, ev.MeasurementID)

	pending, err := store.AlertHistory.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "async mode must not evaluate in the request path")
}

func TestIngest_PublishFailurePropagates(t *testing.T) {
	store := memory.New()
	svc := ingest.NewService(ingest.Config{Store: store, Publisher: &recordingPublisher{err: errors.New("broker down")}})
	ctx := context.Background()

	_, err := svc.Ingest(ctx, input(5, "S-5", "10", 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	// the measurement was stored before the publish attempt
	latest, err := store.Measurements.LatestBySensor(ctx, 5, 10)
	require.NoError(t, err)
	assert.Len(t, latest, 1)
}

func TestIngestBatch_SharesBatchIDAndResolvesOncePerCode(t *testing.T) {
	store := memory.New()
	resolver := newCountingResolver(store)
	pub := &recordingPublisher{}
	svc := ingest.NewService(ingest.Config{Store: store, Publisher: pub, Resolver: resolver})
	ctx := context.Background()

	items := []models.MeasurementInput{
		input(1, "A", "10", 0),
		input(2, "B", "11", time.Second),
		input(1, "A", "12", 2*time.Second),
		input(1, "A", "13", 3*time.Second),
		input(3, "C", "14", 4*time.Second),
		input(2, "B", "15", 5*time.Second),
	}
	res, err := svc.IngestBatch(ctx, items)
	require.NoError(t, err)
	require.NotNil(t, res.BatchID)
	assert.Equal(t, len(items), res.Measurements)
	require.Len(t, res.Stored, len(items))

	for _, m := range res.Stored {
		require.NotNil(t, m.BatchID)
		assert.Equal(t, *res.BatchID, *m.BatchID)
	}
	assert.Equal(t, map[string]int{"A": 1, "B": 1, "C": 1}, resolver.calls)

	require.Len(t, pub.events, len(items))
	for i, ev := range pub.events {
		assert.True(t, ev.Value.Equal(items[i].Value), "event %d out of order", i)
		assert.Equal(t, *res.BatchID, *ev.BatchID)
	}
}

func TestIngestBatch_SyncAccumulatesAlerts(t *testing.T) {
	store := memory.New()
	seedRule(t, store, 1, 2)
	seedRule(t, store, 2, 1)
	svc := ingest.NewService(ingest.Config{Store: store})

	res, err := svc.IngestBatch(context.Background(), []models.MeasurementInput{
		input(1, "A", "0", 0),
		input(2, "B", "99", time.Second),
		input(1, "A", "0", 2*time.Second),
	})
	require.NoError(t, err)
	require.Len(t, res.Alerts, 2)
	assert.Equal(t, int64(2), res.Alerts[0].SensorID)
	assert.Equal(t, int64(1), res.Alerts[1].SensorID)
}

func TestIngestBatch_Empty(t *testing.T) {
	svc := ingest.NewService(ingest.Config{Store: memory.New()})
	res, err := svc.IngestBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Measurements)
	assert.NotNil(t, res.Alerts)
	assert.Empty(t, res.Alerts)
}

func TestIngestBatch_TooLarge(t *testing.T) {
	svc := ingest.NewService(ingest.Config{Store: memory.New(), MaxBatchItems: 2})
	_, err := svc.IngestBatch(context.Background(), []models.MeasurementInput{
		input(1, "A", "1", 0), input(1, "A", "2", 0), input(1, "A", "3", 0),
	})
	assert.ErrorIs(t, err, ingest.ErrBatchTooLarge)
}

func seedEquipment(t *testing.T, store *storage.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Seeder.UpsertEquipment(ctx, &models.Equipment{ID: 7, Name: "Boiler", SectorID: 1, Active: true}))
	require.NoError(t, store.Seeder.UpsertEquipment(ctx, &models.Equipment{ID: 8, Name: "Spare", SectorID: 1, Active: true}))
	for _, s := range []models.Sensor{{ID: 1, Code: "A"}, {ID: 2, Code: "B"}, {ID: 3, Code: "C"}} {
		s := s
		s.Active = true
		require.NoError(t, store.Seeder.UpsertSensor(ctx, &s))
	}
	links := []models.SensorLink{
		{ID: 1, EquipmentID: 7, Sensor: models.Sensor{ID: 1}, Active: true},
		{ID: 2, EquipmentID: 7, Sensor: models.Sensor{ID: 2}, Active: false},
		{ID: 3, EquipmentID: 7, Sensor: models.Sensor{ID: 3}, Active: true},
	}
	for i := range links {
		require.NoError(t, store.Seeder.UpsertLink(ctx, &links[i]))
	}
}

func TestEquipmentMeasurements_Rollup(t *testing.T) {
	store := memory.New()
	seedEquipment(t, store)
	svc := ingest.NewService(ingest.Config{Store: store})
	ctx := context.Background()

	var items []models.MeasurementInput
	for i := 0; i < 12; i++ {
		items = append(items, input(1, "A", "20", time.Duration(i)*time.Second))
		items = append(items, input(2, "B", "30", time.Duration(i)*time.Second))
	}
	_, err := svc.IngestBatch(ctx, items)
	require.NoError(t, err)

	out, found, err := svc.EquipmentMeasurements(ctx, 7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Boiler", out.EquipmentName)

	// B is unlinked and C has no readings
	require.Len(t, out.Sensors, 1)
	assert.Equal(t, "A", out.Sensors[0].SensorCode)
	require.Len(t, out.Sensors[0].Latest, ingest.LatestPerSensor)
	assert.Equal(t, t0.Add(11*time.Second), out.Sensors[0].Latest[0].EventTime)
}

func TestEquipmentMeasurements_NoLinkedSensors(t *testing.T) {
	store := memory.New()
	seedEquipment(t, store)
	svc := ingest.NewService(ingest.Config{Store: store})

	out, found, err := svc.EquipmentMeasurements(context.Background(), 8)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotNil(t, out.Sensors)
	assert.Empty(t, out.Sensors)
}

func TestEquipmentMeasurements_NotFound(t *testing.T) {
	svc := ingest.NewService(ingest.Config{Store: memory.New()})

	out, found, err := svc.EquipmentMeasurements(context.Background(), 404)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, out)
}

func TestSensorMeasurements(t *testing.T) {
	store := memory.New()
	svc := ingest.NewService(ingest.Config{Store: store})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Ingest(ctx, input(4, "D", "1", time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	out, found, err := svc.SensorMeasurements(ctx, 4, 2)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, out.Latest, 2)
	assert.Equal(t, t0.Add(2*time.Minute), out.Latest[0].EventTime)

	_, found, err = svc.SensorMeasurements(ctx, 99, 2)
	require.NoError(t, err)
	assert.False(t, found)
}
