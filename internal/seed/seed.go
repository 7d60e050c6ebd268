// Package seed loads reference data (sectors, equipment, sensors, links and
// alert rules) from a YAML file into a store.
package seed

import (
	"context"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"sensorpulse/internal/logger"
	"sensorpulse/internal/models"
	"sensorpulse/internal/storage"
)

// File is the seed document.
type File struct {
	Sectors   []Sector    `yaml:"sectors"`
	Equipment []Equipment `yaml:"equipment"`
	Sensors   []Sensor    `yaml:"sensors"`
	Links     []Link      `yaml:"links"`
	Rules     []Rule      `yaml:"rules"`
}

type Sector struct {
	ID     int64  `yaml:"id"`
	Name   string `yaml:"name"`
	Active *bool  `yaml:"active"`
}

type Equipment struct {
	ID     int64  `yaml:"id"`
	Name   string `yaml:"name"`
	Sector int64  `yaml:"sector"`
	Active *bool  `yaml:"active"`
}

type Sensor struct {
	ID     int64  `yaml:"id"`
	Code   string `yaml:"code"`
	Name   string `yaml:"name"`
	Active *bool  `yaml:"active"`
}

// Link attaches a sensor, referenced by id, to a piece of equipment.
type Link struct {
	ID        int64  `yaml:"id"`
	Sensor    int64  `yaml:"sensor"`
	Equipment int64  `yaml:"equipment"`
	LinkedBy  string `yaml:"linked_by"`
	Active    *bool  `yaml:"active"`
}

type Rule struct {
	ID          int64           `yaml:"id"`
	Sensor      int64           `yaml:"sensor"`
	Kind        models.RuleKind `yaml:"kind"`
	Lower       decimal.Decimal `yaml:"lower"`
	Upper       decimal.Decimal `yaml:"upper"`
	Consecutive int             `yaml:"consecutive"`
	Window      int             `yaml:"window"`
	Margin      decimal.Decimal `yaml:"margin"`
	Notify      string          `yaml:"notify"`
	Active      *bool           `yaml:"active"`
}

// Summary counts what Apply wrote.
type Summary struct {
	Sectors   int
	Equipment int
	Sensors   int
	Links     int
	Rules     int
}

// Load reads and validates a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read seed file %s", path)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "seed file %s", path)
	}
	return f, nil
}

// Parse decodes and validates a seed document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse seed")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks ids and cross references.
func (f *File) Validate() error {
	sectors := make(map[int64]bool)
	for _, s := range f.Sectors {
		if s.ID <= 0 {
			return errors.Newf("sector %q: id must be positive", s.Name)
		}
		sectors[s.ID] = true
	}

	equipment := make(map[int64]bool)
	for _, e := range f.Equipment {
		if e.ID <= 0 {
			return errors.Newf("equipment %q: id must be positive", e.Name)
		}
		if !sectors[e.Sector] {
			return errors.Newf("equipment %d: unknown sector %d", e.ID, e.Sector)
		}
		equipment[e.ID] = true
	}

	sensors := make(map[int64]bool)
	codes := make(map[string]int64)
	for _, s := range f.Sensors {
		if s.ID <= 0 {
			return errors.Newf("sensor %q: id must be positive", s.Code)
		}
		if s.Code == "" || len(s.Code) > models.MaxSensorCodeLength {
			return errors.Newf("sensor %d: code must be 1..%d characters", s.ID, models.MaxSensorCodeLength)
		}
		if other, dup := codes[s.Code]; dup {
			return errors.Newf("sensor %d: code %q already used by sensor %d", s.ID, s.Code, other)
		}
		codes[s.Code] = s.ID
		sensors[s.ID] = true
	}

	for _, l := range f.Links {
		if !sensors[l.Sensor] {
			return errors.Newf("link %d: unknown sensor %d", l.ID, l.Sensor)
		}
		if !equipment[l.Equipment] {
			return errors.Newf("link %d: unknown equipment %d", l.ID, l.Equipment)
		}
	}

	for _, r := range f.Rules {
		if !sensors[r.Sensor] {
			return errors.Newf("rule %d: unknown sensor %d", r.ID, r.Sensor)
		}
		rule := r.model()
		if err := rule.Validate(); err != nil {
			return errors.Wrapf(err, "rule %d", r.ID)
		}
	}
	return nil
}

// Apply upserts every record, parents before children.
func (f *File) Apply(ctx context.Context, seeder storage.Seeder) (Summary, error) {
	var sum Summary
	now := time.Now().UTC()
	sensorByID := make(map[int64]models.Sensor, len(f.Sensors))

	for _, s := range f.Sectors {
		if err := seeder.UpsertSector(ctx, &models.Sector{ID: s.ID, Name: s.Name, Active: active(s.Active)}); err != nil {
			return sum, errors.Wrapf(err, "sector %d", s.ID)
		}
		sum.Sectors++
	}
	for _, e := range f.Equipment {
		if err := seeder.UpsertEquipment(ctx, &models.Equipment{
			ID: e.ID, Name: e.Name, SectorID: e.Sector, Active: active(e.Active),
		}); err != nil {
			return sum, errors.Wrapf(err, "equipment %d", e.ID)
		}
		sum.Equipment++
	}
	for _, s := range f.Sensors {
		name := s.Name
		if name == "" {
			name = models.PlaceholderSensorName(s.Code)
		}
		sensor := models.Sensor{ID: s.ID, Code: s.Code, Name: name, Active: active(s.Active), CreatedAt: now}
		if err := seeder.UpsertSensor(ctx, &sensor); err != nil {
			return sum, errors.Wrapf(err, "sensor %d", s.ID)
		}
		sensorByID[s.ID] = sensor
		sum.Sensors++
	}
	for _, l := range f.Links {
		if err := seeder.UpsertLink(ctx, &models.SensorLink{
			ID:          l.ID,
			EquipmentID: l.Equipment,
			Sensor:      sensorByID[l.Sensor],
			LinkedBy:    l.LinkedBy,
			LinkedAt:    now,
			Active:      active(l.Active),
		}); err != nil {
			return sum, errors.Wrapf(err, "link %d", l.ID)
		}
		sum.Links++
	}
	for _, r := range f.Rules {
		rule := r.model()
		rule.CreatedAt = now
		if err := seeder.UpsertRule(ctx, &rule); err != nil {
			return sum, errors.Wrapf(err, "rule %d", r.ID)
		}
		sum.Rules++
	}

	log := logger.WithComponent("seed")
	log.Info().
		Int("sectors", sum.Sectors).
		Int("equipment", sum.Equipment).
		Int("sensors", sum.Sensors).
		Int("links", sum.Links).
		Int("rules", sum.Rules).
		Msg("seed data applied")
	return sum, nil
}

func (r Rule) model() models.AlertRule {
	return models.AlertRule{
		ID:               r.ID,
		SensorID:         r.Sensor,
		Kind:             r.Kind,
		LowerBound:       r.Lower,
		UpperBound:       r.Upper,
		ConsecutiveCount: r.Consecutive,
		WindowSize:       r.Window,
		Margin:           r.Margin,
		NotifyTarget:     r.Notify,
		Active:           active(r.Active),
	}
}

// active defaults an omitted flag to true.
func active(b *bool) bool {
	return b == nil || *b
}
