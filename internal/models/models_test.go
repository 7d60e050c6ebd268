package models_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorpulse/internal/models"
)

func decimals(vals ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.RequireFromString(v)
	}
	return out
}

func TestWindowCodec(t *testing.T) {
	window := decimals("1.5", "-273.15", "1000", "0.0001")

	raw, err := models.EncodeWindow(window)
	require.NoError(t, err)
	assert.Equal(t, "[1.5,-273.15,1000,0.0001]", raw)

	back, err := models.DecodeWindow(raw)
	require.NoError(t, err)
	require.Len(t, back, len(window))
	for i := range window {
		assert.True(t, window[i].Equal(back[i]), "index %d: %s != %s", i, window[i], back[i])
	}
}

func TestWindowCodec_Empty(t *testing.T) {
	raw, err := models.EncodeWindow(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", raw)

	for _, in := range []string{"", "[]", "null"} {
		got, err := models.DecodeWindow(in)
		require.NoError(t, err, in)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	}

	_, err = models.DecodeWindow("{not json")
	assert.Error(t, err)
}

func TestAlertState_AppliedIsBounded(t *testing.T) {
	st := models.NewAlertState(1, 2)
	for id := int64(1); id <= models.MaxAppliedMeasurements+5; id++ {
		st.MarkApplied(id)
	}

	assert.Len(t, st.AppliedMeasurements, models.MaxAppliedMeasurements)
	assert.False(t, st.HasApplied(5), "oldest ids are forgotten")
	assert.True(t, st.HasApplied(6))
	assert.True(t, st.HasApplied(models.MaxAppliedMeasurements+5))

	st.MarkApplied(0)
	assert.False(t, st.HasApplied(0))
}

func TestMeasurementInput_ValidateAt(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	valid := func() models.MeasurementInput {
		return models.MeasurementInput{
			SensorID:   1,
			SensorCode: "TEMP-1",
			EventTime:  now.Add(-time.Hour),
			Value:      decimal.NewFromInt(20),
		}
	}

	tests := []struct {
		name   string
		modify func(*models.MeasurementInput)
		want   error
	}{
		{"valid", func(*models.MeasurementInput) {}, nil},
		{"zero sensor id", func(in *models.MeasurementInput) { in.SensorID = 0 }, models.ErrInvalidSensorID},
		{"empty code", func(in *models.MeasurementInput) { in.SensorCode = "" }, models.ErrEmptySensorCode},
		{"long code", func(in *models.MeasurementInput) { in.SensorCode = strings.Repeat("x", 51) }, models.ErrSensorCodeLength},
		{"code at limit", func(in *models.MeasurementInput) { in.SensorCode = strings.Repeat("x", 50) }, nil},
		{"zero time", func(in *models.MeasurementInput) { in.EventTime = time.Time{} }, models.ErrZeroTimestamp},
		{"future", func(in *models.MeasurementInput) { in.EventTime = now.Add(time.Hour) }, models.ErrFutureTimestamp},
		{"small skew", func(in *models.MeasurementInput) { in.EventTime = now.Add(30 * time.Second) }, nil},
		{"year old", func(in *models.MeasurementInput) { in.EventTime = now.AddDate(-1, 0, 0) }, models.ErrStaleTimestamp},
		{"absolute zero", func(in *models.MeasurementInput) { in.Value = models.MinReadingValue }, nil},
		{"below absolute zero", func(in *models.MeasurementInput) { in.Value = decimal.RequireFromString("-273.16") }, models.ErrValueOutOfRange},
		{"upper limit", func(in *models.MeasurementInput) { in.Value = models.MaxReadingValue }, nil},
		{"above upper limit", func(in *models.MeasurementInput) { in.Value = decimal.RequireFromString("1000.0001") }, models.ErrValueOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid()
			tt.modify(&in)
			err := in.ValidateAt(now)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMeasurementInput_Normalize(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	in := models.MeasurementInput{SensorCode: "  TEMP-1 ", EventTime: time.Date(2026, 1, 1, 12, 0, 0, 0, loc)}
	in.Normalize()

	assert.Equal(t, "TEMP-1", in.SensorCode)
	assert.Equal(t, time.UTC, in.EventTime.Location())
	assert.Equal(t, 10, in.EventTime.Hour())
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	for _, ts := range []string{
		"2026-03-04T05:06:07Z",
		"2026-03-04T07:06:07+02:00",
		"2026-03-04T05:06:07",
		"2026-03-04 05:06:07",
		" 2026-03-04T05:06:07Z ",
	} {
		got, err := models.ParseTimestamp(ts)
		require.NoError(t, err, ts)
		assert.True(t, want.Equal(got), "%s parsed as %s", ts, got)
	}

	_, err := models.ParseTimestamp("yesterday")
	assert.ErrorIs(t, err, models.ErrInvalidTimestamp)
}

func TestAlertRule_Validate(t *testing.T) {
	tests := []struct {
		name string
		rule models.AlertRule
		ok   bool
	}{
		{
			name: "consecutive",
			rule: models.AlertRule{Kind: models.ConsecutiveOutOfRange, LowerBound: decimal.NewFromInt(1), UpperBound: decimal.NewFromInt(50), ConsecutiveCount: 5},
			ok:   true,
		},
		{
			name: "consecutive without count",
			rule: models.AlertRule{Kind: models.ConsecutiveOutOfRange, LowerBound: decimal.NewFromInt(1), UpperBound: decimal.NewFromInt(50)},
		},
		{
			name: "moving average with zero margin",
			rule: models.AlertRule{Kind: models.MovingAverageMargin, UpperBound: decimal.NewFromInt(10), WindowSize: 3},
			ok:   true,
		},
		{
			name: "moving average without window",
			rule: models.AlertRule{Kind: models.MovingAverageMargin, UpperBound: decimal.NewFromInt(10), Margin: decimal.NewFromInt(1)},
		},
		{
			name: "negative margin",
			rule: models.AlertRule{Kind: models.MovingAverageMargin, UpperBound: decimal.NewFromInt(10), WindowSize: 3, Margin: decimal.NewFromInt(-1)},
		},
		{
			name: "inverted bounds",
			rule: models.AlertRule{Kind: models.ConsecutiveOutOfRange, LowerBound: decimal.NewFromInt(9), UpperBound: decimal.NewFromInt(1), ConsecutiveCount: 1},
		},
		{
			name: "unknown kind",
			rule: models.AlertRule{ConsecutiveCount: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, models.ErrInvalidRule), "got %v", err)
		})
	}
}

func TestRuleKind_JSON(t *testing.T) {
	b, err := json.Marshal(models.MovingAverageMargin)
	require.NoError(t, err)
	assert.Equal(t, `"MovingAverageMargin"`, string(b))

	var k models.RuleKind
	require.NoError(t, json.Unmarshal([]byte(`"consecutiveoutofrange"`), &k))
	assert.Equal(t, models.ConsecutiveOutOfRange, k)

	assert.Error(t, json.Unmarshal([]byte(`"Threshold"`), &k))
}

func TestMeasurementEvent(t *testing.T) {
	ev := models.NewMeasurementEvent(
		&models.Measurement{ID: 9, Value: decimal.RequireFromString("12.5"), EventTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		&models.Sensor{ID: 3, Code: "TEMP-3"},
	)
	assert.Equal(t, "measurement.TEMP-3", ev.RoutingKey())
	require.NoError(t, ev.Validate())

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"value":12.5`)
	assert.Contains(t, string(b), `"batchId":null`)

	ev.SensorCode = " "
	assert.ErrorIs(t, ev.Validate(), models.ErrEventMissingSensor)
}
