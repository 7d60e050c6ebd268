// Package postgres is the gorm-backed storage implementation.
package postgres

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"sensorpulse/internal/config"
	"sensorpulse/internal/logger"
	"sensorpulse/internal/models"
	"sensorpulse/internal/storage"
)

// insertChunk bounds the rows per INSERT statement inside a batch.
const insertChunk = 500

type backend struct {
	db *gorm.DB
}

// Open connects to PostgreSQL and returns a Store over it.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*storage.Store, error) {
	log := logger.WithComponent("postgres")

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	store := New(db)
	if cfg.AutoMigrate {
		if err := Migrate(ctx, db); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	log.Info().
		Int("max_open_conns", cfg.MaxOpenConns).
		Bool("auto_migrate", cfg.AutoMigrate).
		Msg("Connected to PostgreSQL")

	return store, nil
}

// New wraps an open gorm handle.
func New(db *gorm.DB) *storage.Store {
	return &storage.Store{
		Sensors:      &sensorRepo{db: db},
		Measurements: &measurementRepo{db: db},
		Rules:        &ruleRepo{db: db},
		AlertStates:  &stateRepo{db: db},
		AlertHistory: &historyRepo{db: db},
		Equipment:    &equipmentRepo{db: db},
		Seeder:       &seeder{db: db},
		Backend:      &backend{db: db},
	}
}

// Migrate creates or updates every table and index.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(allRows()...); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	return nil
}

func (b *backend) Ping(ctx context.Context) error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (b *backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

type sensorRepo struct{ db *gorm.DB }

func (r *sensorRepo) GetByID(ctx context.Context, id int64) (*models.Sensor, error) {
	var row sensorRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return row.model(), nil
}

func (r *sensorRepo) GetByCode(ctx context.Context, code string) (*models.Sensor, error) {
	var row sensorRow
	if err := r.db.WithContext(ctx).First(&row, "code = ?", code).Error; err != nil {
		return nil, notFound(err)
	}
	return row.model(), nil
}

func (r *sensorRepo) Create(ctx context.Context, s *models.Sensor) error {
	row := sensorFromModel(s)
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrConflict
		}
		return errors.Wrapf(err, "create sensor %d", s.ID)
	}
	s.CreatedAt = row.CreatedAt
	return nil
}

type measurementRepo struct{ db *gorm.DB }

func (r *measurementRepo) Add(ctx context.Context, m *models.Measurement) error {
	row := measurementFromModel(m)
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrap(err, "insert measurement")
	}
	m.ID = row.ID
	return nil
}

func (r *measurementRepo) AddBatch(ctx context.Context, ms []*models.Measurement) error {
	if len(ms) == 0 {
		return nil
	}
	rows := make([]*measurementRow, len(ms))
	for i, m := range ms {
		rows[i] = measurementFromModel(m)
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, insertChunk).Error
	})
	if err != nil {
		return errors.Wrapf(err, "insert batch of %d measurements", len(ms))
	}
	for i, row := range rows {
		ms[i].ID = row.ID
	}
	return nil
}

func (r *measurementRepo) LatestBySensor(ctx context.Context, sensorID int64, limit int) ([]models.Measurement, error) {
	var rows []measurementRow
	err := r.db.WithContext(ctx).
		Where("sensor_id = ?", sensorID).
		Order("event_time DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "latest measurements of sensor %d", sensorID)
	}
	return toMeasurements(rows), nil
}

const latestByEquipmentSQL = `
SELECT id, sensor_id, event_time, value, ingested_at, batch_id
FROM (
	SELECT m.*, ROW_NUMBER() OVER (PARTITION BY m.sensor_id ORDER BY m.event_time DESC, m.id DESC) AS rn
	FROM measurements m
	JOIN sensor_equipment_links l ON l.sensor_id = m.sensor_id
	WHERE l.equipment_id = ? AND l.active
) ranked
WHERE rn <= ?
ORDER BY sensor_id, event_time DESC, id DESC`

func (r *measurementRepo) LatestByEquipment(ctx context.Context, equipmentID int64, perSensor int) ([]models.Measurement, error) {
	var rows []measurementRow
	err := r.db.WithContext(ctx).Raw(latestByEquipmentSQL, equipmentID, perSensor).Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "latest measurements of equipment %d", equipmentID)
	}
	return toMeasurements(rows), nil
}

func toMeasurements(rows []measurementRow) []models.Measurement {
	out := make([]models.Measurement, len(rows))
	for i, row := range rows {
		out[i] = row.model()
	}
	return out
}

type ruleRepo struct{ db *gorm.DB }

func (r *ruleRepo) ActiveBySensor(ctx context.Context, sensorID int64) ([]models.AlertRule, error) {
	var rows []ruleRow
	err := r.db.WithContext(ctx).
		Where("sensor_id = ? AND active", sensorID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "active rules of sensor %d", sensorID)
	}
	out := make([]models.AlertRule, len(rows))
	for i, row := range rows {
		out[i] = row.model()
	}
	return out, nil
}

type stateRepo struct{ db *gorm.DB }

func (r *stateRepo) Get(ctx context.Context, sensorID, ruleID int64) (*models.AlertState, error) {
	var row alertStateRow
	err := r.db.WithContext(ctx).First(&row, "sensor_id = ? AND rule_id = ?", sensorID, ruleID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return row.model(), nil
}

func (r *stateRepo) Upsert(ctx context.Context, st *models.AlertState) error {
	row, err := alertStateFromModel(st)
	if err != nil {
		return errors.Wrap(err, "encode alert state")
	}
	row.ID = 0
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sensor_id"}, {Name: "rule_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"consecutive_count", "recent_values", "applied_measurements", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return errors.Wrapf(err, "upsert alert state %d/%d", st.SensorID, st.RuleID)
	}
	if row.ID != 0 {
		st.ID = row.ID
	}
	return nil
}

type historyRepo struct{ db *gorm.DB }

func (r *historyRepo) Append(ctx context.Context, h *models.AlertHistory) error {
	row := alertHistoryFromModel(h)
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrap(err, "append alert history")
	}
	h.ID = row.ID
	return nil
}

func (r *historyRepo) Pending(ctx context.Context, limit int) ([]models.AlertHistory, error) {
	var rows []alertHistoryRow
	err := r.db.WithContext(ctx).
		Where("NOT notified").
		Order("fired_at, id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "pending alert history")
	}
	out := make([]models.AlertHistory, len(rows))
	for i, row := range rows {
		out[i] = row.model()
	}
	return out, nil
}

func (r *historyRepo) MarkNotified(ctx context.Context, h *models.AlertHistory) error {
	res := r.db.WithContext(ctx).
		Model(&alertHistoryRow{}).
		Where("id = ?", h.ID).
		Updates(map[string]any{"notified": h.Notified, "notified_at": h.NotifiedAt})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "mark alert %d notified", h.ID)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type equipmentRepo struct{ db *gorm.DB }

func (r *equipmentRepo) GetWithLinks(ctx context.Context, id int64) (*models.Equipment, error) {
	var row equipmentRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}

	var links []linkRow
	err := r.db.WithContext(ctx).
		Preload("Sensor").
		Where("equipment_id = ?", id).
		Order("id").
		Find(&links).Error
	if err != nil {
		return nil, errors.Wrapf(err, "links of equipment %d", id)
	}

	e := &models.Equipment{
		ID:       row.ID,
		Name:     row.Name,
		SectorID: row.SectorID,
		Active:   row.Active,
		Links:    make([]models.SensorLink, len(links)),
	}
	for i, l := range links {
		e.Links[i] = models.SensorLink{
			ID:          l.ID,
			EquipmentID: l.EquipmentID,
			Sensor:      *l.Sensor.model(),
			LinkedBy:    l.LinkedBy,
			LinkedAt:    l.LinkedAt,
			Active:      l.Active,
		}
	}
	return e, nil
}

type seeder struct{ db *gorm.DB }

func (r *seeder) upsert(ctx context.Context, row any) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(row).Error
}

func (r *seeder) UpsertSector(ctx context.Context, s *models.Sector) error {
	return errors.Wrapf(r.upsert(ctx, &sectorRow{ID: s.ID, Name: s.Name, Active: s.Active}), "upsert sector %d", s.ID)
}

func (r *seeder) UpsertEquipment(ctx context.Context, e *models.Equipment) error {
	row := &equipmentRow{ID: e.ID, Name: e.Name, SectorID: e.SectorID, Active: e.Active}
	return errors.Wrapf(r.upsert(ctx, row), "upsert equipment %d", e.ID)
}

func (r *seeder) UpsertSensor(ctx context.Context, s *models.Sensor) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return errors.Wrapf(r.upsert(ctx, sensorFromModel(s)), "upsert sensor %d", s.ID)
}

func (r *seeder) UpsertLink(ctx context.Context, l *models.SensorLink) error {
	row := &linkRow{
		ID:          l.ID,
		SensorID:    l.Sensor.ID,
		EquipmentID: l.EquipmentID,
		Active:      l.Active,
		LinkedBy:    l.LinkedBy,
		LinkedAt:    l.LinkedAt,
	}
	if row.LinkedAt.IsZero() {
		row.LinkedAt = time.Now().UTC()
	}
	err := r.db.WithContext(ctx).Omit("Sensor").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(row).Error
	return errors.Wrapf(err, "upsert link %d", l.ID)
}

func (r *seeder) UpsertRule(ctx context.Context, rule *models.AlertRule) error {
	return errors.Wrapf(r.upsert(ctx, ruleFromModel(rule)), "upsert rule %d", rule.ID)
}
