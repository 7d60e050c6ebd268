// Package state holds alternative AlertState backends. The relational store
// keeps state next to history by default; Redis keeps the hot per-pair state
// out of the database when evaluation volume is high.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"sensorpulse/internal/config"
	"sensorpulse/internal/logger"
	"sensorpulse/internal/models"
	"sensorpulse/internal/storage"
)

// RedisStore implements storage.AlertStateRepository on Redis strings.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", cfg.Addr)
	}

	log := logger.WithComponent("state")
	log.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("Connected to Redis")

	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(sensorID, ruleID int64) string {
	return fmt.Sprintf("%salert_state:%d:%d", s.prefix, sensorID, ruleID)
}

func (s *RedisStore) seqKey() string {
	return s.prefix + "alert_state:seq"
}

// Get returns storage.ErrNotFound for a pair that was never evaluated.
func (s *RedisStore) Get(ctx context.Context, sensorID, ruleID int64) (*models.AlertState, error) {
	raw, err := s.client.Get(ctx, s.key(sensorID, ruleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get alert state %d/%d", sensorID, ruleID)
	}

	var st models.AlertState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, errors.Wrapf(err, "decode alert state %d/%d", sensorID, ruleID)
	}
	return &st, nil
}

// Upsert stores the state, assigning an id the first time a pair is written.
func (s *RedisStore) Upsert(ctx context.Context, st *models.AlertState) error {
	if st.ID == 0 {
		id, err := s.client.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return errors.Wrap(err, "allocate alert state id")
		}
		st.ID = id
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode alert state")
	}
	if err := s.client.Set(ctx, s.key(st.SensorID, st.RuleID), raw, 0).Err(); err != nil {
		return errors.Wrapf(err, "set alert state %d/%d", st.SensorID, st.RuleID)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
