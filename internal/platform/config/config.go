package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	fhirstrings "fhir-gateway/pkg/platform/strings"
)

// Config is the full process configuration.
type Config struct {
	Server    Server          `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Resources ResourcesConfig `yaml:"resources"`
	LogLevel  string          `yaml:"log_level"`
}

// Server captures HTTP server level configuration. BaseURL is the absolute
// base this server answers for; absolute ids in update payloads must match it.
type Server struct {
	Addr          string        `yaml:"addr"`
	BaseURL       string        `yaml:"base_url"`
	JWTSigningKey string        `yaml:"jwt_signing_key"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DatabaseConfig selects the version store. An empty URL uses memory stores.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables the snapshot cache when URL is set.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SnapshotTTL  time.Duration `yaml:"snapshot_ttl"`
}

// KafkaConfig enables the Kafka event notifier when Brokers is set.
type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"`
	Topic             string   `yaml:"topic"`
	Partitions        int32    `yaml:"partitions"`
	ReplicationFactor int16    `yaml:"replication_factor"`
	EventBuffer       int      `yaml:"event_buffer"`
}

// ResourcesConfig holds the interaction policies that are deployment
// choices rather than fixed behaviour.
type ResourcesConfig struct {
	Types                     []string `yaml:"types"`
	DefaultPageCount          int      `yaml:"default_page_count"`
	MaxPageCount              int      `yaml:"max_page_count"`
	UpdateAsCreate            bool     `yaml:"update_as_create"`
	ConditionalDeleteMultiple bool     `yaml:"conditional_delete_multiple"`
	ValidateOnWrite           bool     `yaml:"validate_on_write"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		Server: Server{
			Addr:          ":8080",
			BaseURL:       "http://localhost:8080/fhir",
			ShutdownGrace: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			SnapshotTTL:  time.Hour,
		},
		Kafka: KafkaConfig{
			Topic:             "fhir.resource-events",
			Partitions:        3,
			ReplicationFactor: 1,
			EventBuffer:       1024,
		},
		Resources: ResourcesConfig{
			DefaultPageCount: 20,
			MaxPageCount:     1000,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by FHIR_CONFIG_FILE, then environment variables. Environment wins.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("FHIR_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.overlayEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// FromEnv is Load without the file overlay.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := cfg.overlayEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv(getenv func(string) string) error {
	e := envReader{getenv: getenv}

	e.str("FHIR_ADDR", &c.Server.Addr)
	e.str("FHIR_BASE_URL", &c.Server.BaseURL)
	e.str("JWT_SIGNING_KEY", &c.Server.JWTSigningKey)
	e.duration("FHIR_SHUTDOWN_GRACE", &c.Server.ShutdownGrace)

	e.str("DATABASE_URL", &c.Database.URL)
	e.integer("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	e.integer("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)

	e.str("REDIS_URL", &c.Redis.URL)
	e.integer("REDIS_POOL_SIZE", &c.Redis.PoolSize)
	e.duration("REDIS_SNAPSHOT_TTL", &c.Redis.SnapshotTTL)

	e.list("KAFKA_BROKERS", &c.Kafka.Brokers)
	e.str("KAFKA_TOPIC", &c.Kafka.Topic)

	e.list("FHIR_RESOURCE_TYPES", &c.Resources.Types)
	e.integer("FHIR_DEFAULT_PAGE_COUNT", &c.Resources.DefaultPageCount)
	e.integer("FHIR_MAX_PAGE_COUNT", &c.Resources.MaxPageCount)
	e.boolean("FHIR_UPDATE_AS_CREATE", &c.Resources.UpdateAsCreate)
	e.boolean("FHIR_CONDITIONAL_DELETE_MULTIPLE", &c.Resources.ConditionalDeleteMultiple)
	e.boolean("FHIR_VALIDATE_ON_WRITE", &c.Resources.ValidateOnWrite)

	e.str("LOG_LEVEL", &c.LogLevel)
	return e.err
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Resources.DefaultPageCount < 1 {
		return fmt.Errorf("default page count must be positive, got %d", c.Resources.DefaultPageCount)
	}
	if c.Resources.MaxPageCount < c.Resources.DefaultPageCount {
		return fmt.Errorf("max page count %d is below the default page count %d",
			c.Resources.MaxPageCount, c.Resources.DefaultPageCount)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required when brokers are configured")
	}
	return nil
}

// envReader applies set environment variables and remembers the first
// parse failure.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	*dst = fhirstrings.DedupeAndTrim(strings.Split(v, ","))
}

func (e *envReader) integer(key string, dst *int) {
	v := e.getenv(key)
	if v == "" || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("parse %s: %w", key, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v := e.getenv(key)
	if v == "" || e.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = fmt.Errorf("parse %s: %w", key, err)
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := e.getenv(key)
	if v == "" || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("parse %s: %w", key, err)
		return
	}
	*dst = d
}
