// Package memory is an in-process storage backend used by tests and by
// `database.driver: memory` for local runs.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"sensorpulse/internal/models"
	"sensorpulse/internal/storage"
)

type db struct {
	mu sync.RWMutex

	sensors       map[int64]models.Sensor
	sensorsByCode map[string]int64
	measurements  []models.Measurement
	nextMeasure   int64
	rules         map[int64]models.AlertRule
	states        map[stateKey]models.AlertState
	nextState     int64
	history       []models.AlertHistory
	sectors       map[int64]models.Sector
	equipment     map[int64]models.Equipment
	links         map[int64]models.SensorLink
}

type stateKey struct{ sensorID, ruleID int64 }

// New returns a Store backed by process memory.
func New() *storage.Store {
	d := &db{
		sensors:       make(map[int64]models.Sensor),
		sensorsByCode: make(map[string]int64),
		rules:         make(map[int64]models.AlertRule),
		states:        make(map[stateKey]models.AlertState),
		sectors:       make(map[int64]models.Sector),
		equipment:     make(map[int64]models.Equipment),
		links:         make(map[int64]models.SensorLink),
	}
	return &storage.Store{
		Sensors:      &sensors{d},
		Measurements: &measurements{d},
		Rules:        &rules{d},
		AlertStates:  &states{d},
		AlertHistory: &history{d},
		Equipment:    &equipment{d},
		Seeder:       &seeder{d},
		Backend:      nopBackend{},
	}
}

type nopBackend struct{}

func (nopBackend) Ping(context.Context) error { return nil }
func (nopBackend) Close() error               { return nil }

// sensors

type sensors struct{ *db }

func (r *sensors) GetByID(ctx context.Context, id int64) (*models.Sensor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.db.sensors[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &s, nil
}

func (r *sensors) GetByCode(ctx context.Context, code string) (*models.Sensor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sensorsByCode[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	s := r.db.sensors[id]
	return &s, nil
}

func (r *sensors) Create(ctx context.Context, s *models.Sensor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.db.sensors[s.ID]; ok {
		return storage.ErrConflict
	}
	if _, ok := r.sensorsByCode[s.Code]; ok {
		return storage.ErrConflict
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	r.db.sensors[s.ID] = *s
	r.sensorsByCode[s.Code] = s.ID
	return nil
}

// measurements

type measurements struct{ *db }

func (r *measurements) Add(ctx context.Context, m *models.Measurement) error {
	return r.AddBatch(ctx, []*models.Measurement{m})
}

func (r *measurements) AddBatch(ctx context.Context, ms []*models.Measurement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range ms {
		r.nextMeasure++
		m.ID = r.nextMeasure
		r.measurements = append(r.measurements, *m)
	}
	return nil
}

func (r *measurements) LatestBySensor(ctx context.Context, sensorID int64, limit int) ([]models.Measurement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestLocked(sensorID, limit), nil
}

func (r *measurements) LatestByEquipment(ctx context.Context, equipmentID int64, perSensor int) ([]models.Measurement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Measurement
	seen := make(map[int64]bool)
	for _, l := range r.linksOfLocked(equipmentID) {
		if !l.Active || seen[l.Sensor.ID] {
			continue
		}
		seen[l.Sensor.ID] = true
		out = append(out, r.latestLocked(l.Sensor.ID, perSensor)...)
	}
	return out, nil
}

func (d *db) latestLocked(sensorID int64, limit int) []models.Measurement {
	var out []models.Measurement
	for _, m := range d.measurements {
		if m.SensorID == sensorID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EventTime.After(out[j].EventTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (d *db) linksOfLocked(equipmentID int64) []models.SensorLink {
	var out []models.SensorLink
	for _, l := range d.links {
		if l.EquipmentID == equipmentID {
			if s, ok := d.sensors[l.Sensor.ID]; ok {
				l.Sensor = s
			}
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// rules

type rules struct{ *db }

func (r *rules) ActiveBySensor(ctx context.Context, sensorID int64) ([]models.AlertRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.AlertRule
	for _, rule := range r.db.rules {
		if rule.SensorID == sensorID && rule.Active {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// alert state

type states struct{ *db }

func (r *states) Get(ctx context.Context, sensorID, ruleID int64) (*models.AlertState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.db.states[stateKey{sensorID, ruleID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	st.AppliedMeasurements = slices.Clone(st.AppliedMeasurements)
	return &st, nil
}

func (r *states) Upsert(ctx context.Context, st *models.AlertState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := stateKey{st.SensorID, st.RuleID}
	if existing, ok := r.db.states[key]; ok {
		st.ID = existing.ID
	} else {
		r.nextState++
		st.ID = r.nextState
	}
	cp := *st
	cp.AppliedMeasurements = slices.Clone(st.AppliedMeasurements)
	r.db.states[key] = cp
	return nil
}

// alert history

type history struct{ *db }

func (r *history) Append(ctx context.Context, h *models.AlertHistory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h.ID = int64(len(r.db.history) + 1)
	r.db.history = append(r.db.history, *h)
	return nil
}

func (r *history) Pending(ctx context.Context, limit int) ([]models.AlertHistory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.AlertHistory
	for _, h := range r.db.history {
		if !h.Notified {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FiredAt.Before(out[j].FiredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *history) MarkNotified(ctx context.Context, h *models.AlertHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := int(h.ID) - 1
	if idx < 0 || idx >= len(r.db.history) {
		return storage.ErrNotFound
	}
	r.db.history[idx].Notified = h.Notified
	r.db.history[idx].NotifiedAt = h.NotifiedAt
	return nil
}

// equipment

type equipment struct{ *db }

func (r *equipment) GetWithLinks(ctx context.Context, id int64) (*models.Equipment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.db.equipment[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	e.Links = r.linksOfLocked(id)
	return &e, nil
}

// seeding

type seeder struct{ *db }

func (r *seeder) UpsertSector(ctx context.Context, s *models.Sector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sectors[s.ID] = *s
	return nil
}

func (r *seeder) UpsertEquipment(ctx context.Context, e *models.Equipment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	cp.Links = nil
	r.db.equipment[e.ID] = cp
	return nil
}

func (r *seeder) UpsertSensor(ctx context.Context, s *models.Sensor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.db.sensors[s.ID]; ok {
		delete(r.sensorsByCode, prev.Code)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	r.db.sensors[s.ID] = *s
	r.sensorsByCode[s.Code] = s.ID
	return nil
}

func (r *seeder) UpsertLink(ctx context.Context, l *models.SensorLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[l.ID] = *l
	return nil
}

func (r *seeder) UpsertRule(ctx context.Context, rule *models.AlertRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.db.rules[rule.ID] = *rule
	return nil
}
