package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values for the service configuration.
const (
	DefaultHTTPAddr          = ":8080"
	DefaultTopic             = "sensor.measurements"
	DefaultGroupID           = "sensorpulse-evaluator"
	DefaultBindingKey        = "measurement.#"
	DefaultPrefetch          = 10
	DefaultDispatchInterval  = 30 * time.Second
	DefaultDispatchCooldown  = time.Minute
	DefaultDispatchBatchSize = 50
	DefaultMaxBatchItems     = 10000

	envPrefix = "SENSORPULSE_"
)

// Config holds runtime configuration for every sensorpulse process.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Database   DatabaseConfig   `yaml:"database"`
	State      StateConfig      `yaml:"state"`
	Redis      RedisConfig      `yaml:"redis"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	SMTP       SMTPConfig       `yaml:"smtp"`
}

// LogConfig controls the global zerolog logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// HTTPConfig configures the ingestion API server.
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodySize  int64         `yaml:"max_body_size"`
}

// KafkaConfig configures the measurement channel.
type KafkaConfig struct {
	// Enabled switches ingestion to asynchronous evaluation through Kafka.
	Enabled  bool           `yaml:"enabled"`
	Brokers  []string       `yaml:"brokers"`
	Topic    string         `yaml:"topic"`
	Producer ProducerConfig `yaml:"producer"`
	Consumer ConsumerConfig `yaml:"consumer"`
}

// ProducerConfig configures the Kafka writer pool.
type ProducerConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"` // -1 = all replicas
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// ConsumerConfig configures the evaluation consumer.
type ConsumerConfig struct {
	GroupID         string        `yaml:"group_id"`
	BindingKey      string        `yaml:"binding_key"`
	Prefetch        int           `yaml:"prefetch"`
	DeadLetterTopic string        `yaml:"dead_letter_topic"`
	MaxWait         time.Duration `yaml:"max_wait"`
	ProcessTimeout  time.Duration `yaml:"process_timeout"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres | memory
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// StateConfig selects where alert evaluation state lives.
type StateConfig struct {
	Backend string `yaml:"backend"` // database | redis
}

// RedisConfig configures the optional redis alert-state backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// IngestConfig holds request limits.
type IngestConfig struct {
	MaxBatchItems int `yaml:"max_batch_items"`
}

// DispatcherConfig configures the notification loop.
type DispatcherConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Cooldown  time.Duration `yaml:"cooldown"`
	BatchSize int           `yaml:"batch_size"`
	// RatePerSecond caps deliveries; 0 disables pacing.
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// SMTPConfig configures email delivery. An empty Host selects the log notifier.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Addr:         DefaultHTTPAddr,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodySize:  10 * 1024 * 1024,
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   DefaultTopic,
			Producer: ProducerConfig{
				PoolSize:     4,
				BatchSize:    1,
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
			Consumer: ConsumerConfig{
				GroupID:        DefaultGroupID,
				BindingKey:     DefaultBindingKey,
				Prefetch:       DefaultPrefetch,
				MaxWait:        500 * time.Millisecond,
				ProcessTimeout: 30 * time.Second,
			},
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			DSN:             "host=localhost user=postgres password=postgres dbname=sensorpulse port=5432 sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		State: StateConfig{Backend: "database"},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "sensorpulse:alert-state",
		},
		Ingest: IngestConfig{MaxBatchItems: DefaultMaxBatchItems},
		Dispatcher: DispatcherConfig{
			Enabled:       true,
			Interval:      DefaultDispatchInterval,
			Cooldown:      DefaultDispatchCooldown,
			BatchSize:     DefaultDispatchBatchSize,
			RatePerSecond: 10,
		},
		SMTP: SMTPConfig{
			Port: 587,
			From: "alerts@sensorpulse.local",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, an optional .env
// file in the working directory, and SENSORPULSE_* environment variables, in
// that order of increasing precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_DSN", &c.Database.DSN)
	str("STATE_BACKEND", &c.State.Backend)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("SMTP_HOST", &c.SMTP.Host)
	str("SMTP_USERNAME", &c.SMTP.Username)
	str("SMTP_PASSWORD", &c.SMTP.Password)
	str("SMTP_FROM", &c.SMTP.From)

	if v, ok := os.LookupEnv(envPrefix + "KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = splitCSV(v)
	}
	if v, ok := os.LookupEnv(envPrefix + "KAFKA_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sKAFKA_ENABLED", envPrefix)
		}
		c.Kafka.Enabled = b
	}
	if v, ok := os.LookupEnv(envPrefix + "DISPATCHER_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "%sDISPATCHER_INTERVAL", envPrefix)
		}
		c.Dispatcher.Interval = d
	}
	if v, ok := os.LookupEnv(envPrefix + "SMTP_PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%sSMTP_PORT", envPrefix)
		}
		c.SMTP.Port = p
	}
	return nil
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return errors.Newf("unknown database driver %q", c.Database.Driver)
	}
	switch c.State.Backend {
	case "database", "redis":
	default:
		return errors.Newf("unknown state backend %q", c.State.Backend)
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka enabled but no brokers configured")
		}
		if c.Kafka.Topic == "" {
			return errors.New("kafka enabled but topic is empty")
		}
	}
	if c.Kafka.Consumer.Prefetch <= 0 {
		c.Kafka.Consumer.Prefetch = DefaultPrefetch
	}
	if c.Dispatcher.BatchSize <= 0 {
		c.Dispatcher.BatchSize = DefaultDispatchBatchSize
	}
	if c.Dispatcher.Interval <= 0 {
		c.Dispatcher.Interval = DefaultDispatchInterval
	}
	if c.Dispatcher.Cooldown <= 0 {
		c.Dispatcher.Cooldown = DefaultDispatchCooldown
	}
	if c.Ingest.MaxBatchItems <= 0 {
		c.Ingest.MaxBatchItems = DefaultMaxBatchItems
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
