package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sensorpulse/internal/models"
)

type sectorRow struct {
	ID     int64  `gorm:"primaryKey;autoIncrement:false"`
	Name   string `gorm:"size:200;not null"`
	Active bool   `gorm:"not null;default:true"`
}

func (sectorRow) TableName() string { return "sectors" }

type equipmentRow struct {
	ID       int64  `gorm:"primaryKey;autoIncrement:false"`
	Name     string `gorm:"size:200;not null"`
	SectorID int64  `gorm:"not null;index"`
	Active   bool   `gorm:"not null;default:true"`
}

func (equipmentRow) TableName() string { return "equipment" }

type sensorRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false"`
	Code      string    `gorm:"size:50;not null;uniqueIndex"`
	Name      string    `gorm:"size:200;not null"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"not null"`
}

func (sensorRow) TableName() string { return "sensors" }

func (r sensorRow) model() *models.Sensor {
	return &models.Sensor{
		ID:        r.ID,
		Code:      r.Code,
		Name:      r.Name,
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
	}
}

func sensorFromModel(s *models.Sensor) *sensorRow {
	return &sensorRow{
		ID:        s.ID,
		Code:      s.Code,
		Name:      s.Name,
		Active:    s.Active,
		CreatedAt: s.CreatedAt,
	}
}

type linkRow struct {
	ID          int64     `gorm:"primaryKey;autoIncrement:false"`
	SensorID    int64     `gorm:"not null;index:idx_links_sensor_equipment_active,priority:1"`
	EquipmentID int64     `gorm:"not null;index:idx_links_sensor_equipment_active,priority:2"`
	Active      bool      `gorm:"not null;default:true;index:idx_links_sensor_equipment_active,priority:3"`
	LinkedBy    string    `gorm:"size:200;not null"`
	LinkedAt    time.Time `gorm:"not null"`
	Sensor      sensorRow `gorm:"foreignKey:SensorID"`
}

func (linkRow) TableName() string { return "sensor_equipment_links" }

type measurementRow struct {
	ID         int64           `gorm:"primaryKey"`
	SensorID   int64           `gorm:"not null;index:idx_measurements_sensor_event,priority:1"`
	EventTime  time.Time       `gorm:"not null;index:idx_measurements_sensor_event,priority:2"`
	Value      decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	IngestedAt time.Time       `gorm:"not null"`
	BatchID    *uuid.UUID      `gorm:"type:uuid;index"`
}

func (measurementRow) TableName() string { return "measurements" }

func (r measurementRow) model() models.Measurement {
	return models.Measurement{
		ID:         r.ID,
		SensorID:   r.SensorID,
		Value:      r.Value,
		EventTime:  r.EventTime.UTC(),
		IngestedAt: r.IngestedAt.UTC(),
		BatchID:    r.BatchID,
	}
}

func measurementFromModel(m *models.Measurement) *measurementRow {
	return &measurementRow{
		ID:         m.ID,
		SensorID:   m.SensorID,
		EventTime:  m.EventTime,
		Value:      m.Value,
		IngestedAt: m.IngestedAt,
		BatchID:    m.BatchID,
	}
}

type ruleRow struct {
	ID               int64               `gorm:"primaryKey;autoIncrement:false"`
	SensorID         int64               `gorm:"not null;index:idx_rules_sensor_active,priority:1"`
	Kind             int                 `gorm:"not null"`
	LowerBound       decimal.Decimal     `gorm:"type:numeric(18,4);not null"`
	UpperBound       decimal.Decimal     `gorm:"type:numeric(18,4);not null"`
	ConsecutiveCount *int                `gorm:""`
	WindowSize       *int                `gorm:""`
	Margin           decimal.NullDecimal `gorm:"type:numeric(18,4)"`
	NotifyTarget     string              `gorm:"size:200;not null"`
	Active           bool                `gorm:"not null;default:true;index:idx_rules_sensor_active,priority:2"`
	CreatedAt        time.Time           `gorm:"autoCreateTime"`
}

func (ruleRow) TableName() string { return "alert_rules" }

func (r ruleRow) model() models.AlertRule {
	rule := models.AlertRule{
		ID:           r.ID,
		SensorID:     r.SensorID,
		Kind:         models.RuleKind(r.Kind),
		LowerBound:   r.LowerBound,
		UpperBound:   r.UpperBound,
		NotifyTarget: r.NotifyTarget,
		Active:       r.Active,
		CreatedAt:    r.CreatedAt,
	}
	if r.ConsecutiveCount != nil {
		rule.ConsecutiveCount = *r.ConsecutiveCount
	}
	if r.WindowSize != nil {
		rule.WindowSize = *r.WindowSize
	}
	if r.Margin.Valid {
		rule.Margin = r.Margin.Decimal
	}
	return rule
}

func ruleFromModel(r *models.AlertRule) *ruleRow {
	row := &ruleRow{
		ID:           r.ID,
		SensorID:     r.SensorID,
		Kind:         int(r.Kind),
		LowerBound:   r.LowerBound,
		UpperBound:   r.UpperBound,
		NotifyTarget: r.NotifyTarget,
		Active:       r.Active,
	}
	switch r.Kind {
	case models.ConsecutiveOutOfRange:
		n := r.ConsecutiveCount
		row.ConsecutiveCount = &n
	case models.MovingAverageMargin:
		w := r.WindowSize
		row.WindowSize = &w
		row.Margin = decimal.NewNullDecimal(r.Margin)
	}
	return row
}

type alertStateRow struct {
	ID                  int64     `gorm:"primaryKey"`
	SensorID            int64     `gorm:"not null;uniqueIndex:idx_alert_state_sensor_rule,priority:1"`
	RuleID              int64     `gorm:"not null;uniqueIndex:idx_alert_state_sensor_rule,priority:2"`
	ConsecutiveCount    int       `gorm:"not null;default:0"`
	RecentValues        string    `gorm:"type:text;not null;default:'[]'"`
	AppliedMeasurements string    `gorm:"type:text;not null;default:'[]'"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (alertStateRow) TableName() string { return "alert_states" }

func (r alertStateRow) model() *models.AlertState {
	st := &models.AlertState{
		ID:               r.ID,
		SensorID:         r.SensorID,
		RuleID:           r.RuleID,
		ConsecutiveCount: r.ConsecutiveCount,
		RecentValues:     r.RecentValues,
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
	// a damaged id list only weakens duplicate detection
	_ = json.Unmarshal([]byte(r.AppliedMeasurements), &st.AppliedMeasurements)
	return st
}

func alertStateFromModel(st *models.AlertState) (*alertStateRow, error) {
	applied := st.AppliedMeasurements
	if applied == nil {
		applied = []int64{}
	}
	ids, err := json.Marshal(applied)
	if err != nil {
		return nil, err
	}
	return &alertStateRow{
		ID:                  st.ID,
		SensorID:            st.SensorID,
		RuleID:              st.RuleID,
		ConsecutiveCount:    st.ConsecutiveCount,
		RecentValues:        st.RecentValues,
		AppliedMeasurements: string(ids),
		UpdatedAt:           st.UpdatedAt,
	}, nil
}

type alertHistoryRow struct {
	ID           int64               `gorm:"primaryKey"`
	SensorID     int64               `gorm:"not null;index:idx_alert_history_sensor_fired,priority:1"`
	RuleID       int64               `gorm:"not null;index"`
	Kind         int                 `gorm:"not null"`
	Reason       string              `gorm:"size:500;not null"`
	TriggerValue decimal.NullDecimal `gorm:"type:numeric(18,4)"`
	NotifyTarget string              `gorm:"size:200;not null"`
	FiredAt      time.Time           `gorm:"not null;index;index:idx_alert_history_sensor_fired,priority:2"`
	Notified     bool                `gorm:"not null;default:false;index"`
	NotifiedAt   *time.Time
}

func (alertHistoryRow) TableName() string { return "alert_history" }

func (r alertHistoryRow) model() models.AlertHistory {
	h := models.AlertHistory{
		ID:           r.ID,
		SensorID:     r.SensorID,
		RuleID:       r.RuleID,
		Kind:         models.RuleKind(r.Kind),
		Reason:       r.Reason,
		NotifyTarget: r.NotifyTarget,
		FiredAt:      r.FiredAt.UTC(),
		Notified:     r.Notified,
		NotifiedAt:   r.NotifiedAt,
	}
	if r.TriggerValue.Valid {
		v := r.TriggerValue.Decimal
		h.TriggerValue = &v
	}
	return h
}

func alertHistoryFromModel(h *models.AlertHistory) *alertHistoryRow {
	row := &alertHistoryRow{
		ID:           h.ID,
		SensorID:     h.SensorID,
		RuleID:       h.RuleID,
		Kind:         int(h.Kind),
		Reason:       h.Reason,
		NotifyTarget: h.NotifyTarget,
		FiredAt:      h.FiredAt,
		Notified:     h.Notified,
		NotifiedAt:   h.NotifiedAt,
	}
	if h.TriggerValue != nil {
		row.TriggerValue = decimal.NewNullDecimal(*h.TriggerValue)
	}
	return row
}

// allRows lists every table in dependency order for AutoMigrate.
func allRows() []any {
	return []any{
		&sectorRow{},
		&equipmentRow{},
		&sensorRow{},
		&linkRow{},
		&measurementRow{},
		&ruleRow{},
		&alertStateRow{},
		&alertHistoryRow{},
	}
}
