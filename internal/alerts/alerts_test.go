package alerts_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorpulse/internal/alerts"
	"sensorpulse/internal/models"
	"sensorpulse/internal/storage"
	"sensorpulse/internal/storage/memory"
)

const sensorID = 1

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func consecutiveRule(id int64, threshold int) *models.AlertRule {
	return &models.AlertRule{
		ID:               id,
		SensorID:         sensorID,
		Kind:             models.ConsecutiveOutOfRange,
		LowerBound:       d("1"),
		UpperBound:       d("50"),
		ConsecutiveCount: threshold,
		NotifyTarget:     "ops@example.com",
		Active:           true,
	}
}

func movingRule(id int64, window int, margin string) *models.AlertRule {
	return &models.AlertRule{
		ID:           id,
		SensorID:     sensorID,
		Kind:         models.MovingAverageMargin,
		LowerBound:   d("1"),
		UpperBound:   d("50"),
		WindowSize:   window,
		Margin:       d(margin),
		NotifyTarget: "ops@example.com",
		Active:       true,
	}
}

type harness struct {
	store  *storage.Store
	engine *alerts.Engine
	nextID int64
}

func newHarness(t *testing.T, rules ...*models.AlertRule) *harness {
	t.Helper()
	store := memory.New()
	for _, r := range rules {
		require.NoError(t, store.Seeder.UpsertRule(context.Background(), r))
	}
	return &harness{
		store:  store,
		engine: alerts.NewEngine(store.Rules, store.AlertStates, store.AlertHistory).WithClock(func() time.Time { return t0 }),
	}
}

// feed evaluates a value as a new measurement and returns what fired.
func (h *harness) feed(t *testing.T, value string) []models.AlertFired {
	t.Helper()
	h.nextID++
	fired, err := h.engine.Evaluate(context.Background(), alerts.Reading{
		MeasurementID: h.nextID,
		SensorID:      sensorID,
		Value:         d(value),
		EventTime:     t0.Add(time.Duration(h.nextID) * time.Second),
	})
	require.NoError(t, err)
	return fired
}

func (h *harness) state(t *testing.T, ruleID int64) *models.AlertState {
	t.Helper()
	st, err := h.store.AlertStates.Get(context.Background(), sensorID, ruleID)
	require.NoError(t, err)
	return st
}

func TestConsecutive_FiresOnThresholdAndResets(t *testing.T) {
	h := newHarness(t, consecutiveRule(10, 5))

	for i := 0; i < 4; i++ {
		assert.Empty(t, h.feed(t, "0.5"), "reading %d", i+1)
	}
	assert.Equal(t, 4, h.state(t, 10).ConsecutiveCount)

	fired := h.feed(t, "0.5")
	require.Len(t, fired, 1)
	assert.Equal(t, models.ConsecutiveOutOfRange, fired[0].Kind)
	assert.True(t, fired[0].TriggerValue.Equal(d("0.5")))
	assert.Equal(t, int64(10), fired[0].RuleID)
	assert.Equal(t, "ops@example.com", fired[0].NotifyTarget)
	assert.Contains(t, fired[0].Reason, "5 consecutive")
	assert.Equal(t, 0, h.state(t, 10).ConsecutiveCount)

	assert.Empty(t, h.feed(t, "20"))
	assert.Equal(t, 0, h.state(t, 10).ConsecutiveCount)

	pending, err := h.store.AlertHistory.Pending(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Notified)
	require.NotNil(t, pending[0].TriggerValue)
	assert.True(t, pending[0].TriggerValue.Equal(d("0.5")))
}

func TestEvaluate_FiredAtIsReadingEventTime(t *testing.T) {
	h := newHarness(t, consecutiveRule(10, 1))
	eventTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.FixedZone("UTC-3", -3*60*60))

	fired, err := h.engine.Evaluate(context.Background(), alerts.Reading{
		MeasurementID: 1,
		SensorID:      sensorID,
		Value:         d("75"),
		EventTime:     eventTime,
	})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.True(t, fired[0].FiredAt.Equal(eventTime), "fired at %s", fired[0].FiredAt)
	assert.Equal(t, time.UTC, fired[0].FiredAt.Location())

	pending, err := h.store.AlertHistory.Pending(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].FiredAt.Equal(eventTime))

	// state keeps the evaluation clock
	assert.True(t, h.state(t, 10).UpdatedAt.Equal(t0))
}

func TestConsecutive_InRangeResetsCounter(t *testing.T) {
	h := newHarness(t, consecutiveRule(10, 3))

	h.feed(t, "60")
	h.feed(t, "60")
	h.feed(t, "25")
	assert.Equal(t, 0, h.state(t, 10).ConsecutiveCount)

	assert.Empty(t, h.feed(t, "60"))
	assert.Empty(t, h.feed(t, "60"))
	assert.Len(t, h.feed(t, "60"), 1)
}

func TestConsecutive_BoundsAreInclusive(t *testing.T) {
	h := newHarness(t, consecutiveRule(10, 1))

	assert.Empty(t, h.feed(t, "1"))
	assert.Empty(t, h.feed(t, "50"))
	assert.Empty(t, h.feed(t, "1.0000"))
	assert.Equal(t, 0, h.state(t, 10).ConsecutiveCount)

	assert.Len(t, h.feed(t, "50.0001"), 1)
	assert.Len(t, h.feed(t, "0.9999"), 1)
}

func TestMovingAverage_NoAlertBeforeWindowFills(t *testing.T) {
	h := newHarness(t, movingRule(20, 50, "2"))

	for i := 0; i < 49; i++ {
		assert.Empty(t, h.feed(t, "0.5"), "reading %d", i+1)
	}

	fired := h.feed(t, "0.5")
	require.Len(t, fired, 1)
	assert.Equal(t, models.MovingAverageMargin, fired[0].Kind)
	assert.True(t, fired[0].TriggerValue.Equal(d("0.5")), "got %s", fired[0].TriggerValue)
	assert.Contains(t, fired[0].Reason, "lower margin")

	// the window keeps sliding after a fire
	assert.Len(t, h.feed(t, "0.5"), 1)
	window, err := models.DecodeWindow(h.state(t, 20).RecentValues)
	require.NoError(t, err)
	assert.Len(t, window, 50)
}

func TestMovingAverage_EvictsOldestFirst(t *testing.T) {
	h := newHarness(t, movingRule(20, 3, "0"))

	for _, v := range []string{"10", "11", "12", "13", "14"} {
		h.feed(t, v)
	}

	window, err := models.DecodeWindow(h.state(t, 20).RecentValues)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.True(t, window[0].Equal(d("12")))
	assert.True(t, window[1].Equal(d("13")))
	assert.True(t, window[2].Equal(d("14")))
}

func TestMovingAverage_UpperMarginAndMiss(t *testing.T) {
	h := newHarness(t, movingRule(20, 2, "1.5"))

	assert.Empty(t, h.feed(t, "49"))
	fired := h.feed(t, "50")
	require.Len(t, fired, 1)
	assert.True(t, fired[0].TriggerValue.Equal(d("49.5")))
	assert.Contains(t, fired[0].Reason, "upper margin")

	assert.Empty(t, h.feed(t, "20"))
	assert.Empty(t, h.feed(t, "20"))
}

func TestMovingAverage_OverlappingMarginsLabelLower(t *testing.T) {
	rule := movingRule(20, 1, "10")
	rule.LowerBound = d("10")
	rule.UpperBound = d("12")
	h := newHarness(t, rule)

	fired := h.feed(t, "11")
	require.Len(t, fired, 1)
	assert.Contains(t, fired[0].Reason, "lower margin")
}

func TestMovingAverage_CorruptWindowResets(t *testing.T) {
	h := newHarness(t, movingRule(20, 2, "0"))

	st := models.NewAlertState(sensorID, 20)
	st.RecentValues = "not json"
	require.NoError(t, h.store.AlertStates.Upsert(context.Background(), st))

	assert.Empty(t, h.feed(t, "30"))
	window, err := models.DecodeWindow(h.state(t, 20).RecentValues)
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.True(t, window[0].Equal(d("30")))
}

func TestEvaluate_NoRulesCreatesNoState(t *testing.T) {
	h := newHarness(t)

	assert.Empty(t, h.feed(t, "0.5"))
	_, err := h.store.AlertStates.Get(context.Background(), sensorID, 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEvaluate_InactiveRulesIgnored(t *testing.T) {
	rule := consecutiveRule(10, 1)
	rule.Active = false
	h := newHarness(t, rule)

	assert.Empty(t, h.feed(t, "0.5"))
}

func TestEvaluate_RedeliveredMeasurementIsSkipped(t *testing.T) {
	h := newHarness(t, consecutiveRule(10, 2), movingRule(20, 2, "0"))
	ctx := context.Background()

	r := alerts.Reading{MeasurementID: 77, SensorID: sensorID, Value: d("0.5"), EventTime: t0}
	_, err := h.engine.Evaluate(ctx, r)
	require.NoError(t, err)

	fired, err := h.engine.Evaluate(ctx, r)
	require.NoError(t, err)
	assert.Empty(t, fired)
	assert.Equal(t, 1, h.state(t, 10).ConsecutiveCount)

	window, err := models.DecodeWindow(h.state(t, 20).RecentValues)
	require.NoError(t, err)
	assert.Len(t, window, 1)
}

// flakyStates fails Upsert for one rule.
type flakyStates struct {
	storage.AlertStateRepository
	failRule int64
}

func (f *flakyStates) Upsert(ctx context.Context, st *models.AlertState) error {
	if st.RuleID == f.failRule {
		return errors.New("state store unavailable")
	}
	return f.AlertStateRepository.Upsert(ctx, st)
}

func TestEvaluate_RuleFailureIsIsolated(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.Seeder.UpsertRule(ctx, consecutiveRule(10, 1)))
	require.NoError(t, store.Seeder.UpsertRule(ctx, consecutiveRule(11, 1)))

	engine := alerts.NewEngine(store.Rules, &flakyStates{AlertStateRepository: store.AlertStates, failRule: 10}, store.AlertHistory)
	fired, err := engine.Evaluate(ctx, alerts.Reading{MeasurementID: 1, SensorID: sensorID, Value: d("0"), EventTime: t0})

	require.Error(t, err)
	assert.True(t, errors.Is(err, alerts.ErrRuleFailed))
	assert.Contains(t, err.Error(), "state store unavailable")
	require.Len(t, fired, 1)
	assert.Equal(t, int64(11), fired[0].RuleID)

	// history was written before the failed state save, so nothing is lost
	pending, err := store.AlertHistory.Pending(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestEvaluate_InvalidRuleIsSkipped(t *testing.T) {
	bad := consecutiveRule(10, 0)
	h := newHarness(t, bad, consecutiveRule(11, 1))

	fired := h.feed(t, "0")
	require.Len(t, fired, 1)
	assert.Equal(t, int64(11), fired[0].RuleID)

	_, err := h.store.AlertStates.Get(context.Background(), sensorID, 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEvaluate_InvertedBoundsRuleIsSkipped(t *testing.T) {
	inverted := consecutiveRule(10, 1)
	inverted.LowerBound, inverted.UpperBound = d("50"), d("1")
	h := newHarness(t, inverted)

	assert.Empty(t, h.feed(t, "25"))
	_, err := h.store.AlertStates.Get(context.Background(), sensorID, 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFactory_HandleEvent(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.Seeder.UpsertRule(ctx, consecutiveRule(10, 2)))
	handle := alerts.NewFactory(store).HandleEvent

	for id := int64(1); id <= 2; id++ {
		require.NoError(t, handle(ctx, &models.MeasurementEvent{
			MeasurementID: id,
			SensorID:      sensorID,
			SensorCode:    "TEMP-1",
			Value:         d("99"),
			EventTime:     t0,
		}))
	}

	pending, err := store.AlertHistory.Pending(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
