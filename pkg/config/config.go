package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SETTLEGUARD_KAFKA_BROKERS.
const EnvPrefix = "SETTLEGUARD_"

const (
	SourceKindHTTP      = "http"
	SourceKindWebSocket = "websocket"
)

type Config struct {
	Environment string           `yaml:"environment" env:"ENV" default:"development"`
	Log         LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Server      ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Metrics     MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
	Redis       RedisConfig      `yaml:"redis" envPrefix:"REDIS_"`
	Kafka       KafkaConfig      `yaml:"kafka" envPrefix:"KAFKA_"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse" envPrefix:"CLICKHOUSE_"`
	Postgres    PostgresConfig   `yaml:"postgres" envPrefix:"POSTGRES_"`
	Oracle      OracleConfig     `yaml:"oracle" envPrefix:"ORACLE_"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Sources     []SourceConfig   `yaml:"sources"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL" default:"info"`
	Format string `yaml:"format" env:"FORMAT" default:"json"`
	Output string `yaml:"output" env:"OUTPUT" default:"stdout"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST" default:"0.0.0.0"`
	Port            int           `yaml:"port" env:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" default:"10s"`
	SlowThreshold   time.Duration `yaml:"slow_threshold" env:"SLOW_THRESHOLD" default:"2s"`
	CORS            bool          `yaml:"cors" env:"CORS" default:"true"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED" default:"true"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Host     string        `yaml:"host" env:"HOST" default:"localhost"`
	Port     int           `yaml:"port" env:"PORT" default:"6379"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	PoolSize int           `yaml:"pool_size" env:"POOL_SIZE" default:"10"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT" default:"3s"`
	Prefix   string        `yaml:"prefix" env:"PREFIX" default:"settleguard"`

	// MemorySize bounds the in-process L1 cache that sits in front of Redis.
	MemorySize int `yaml:"memory_size" env:"MEMORY_SIZE" default:"10000"`
	// MemoryTTL caps how long the L1 cache keeps an entry read from Redis.
	MemoryTTL time.Duration `yaml:"memory_ttl" env:"MEMORY_TTL" default:"30s"`
	// MemoryCleanup is the expired entry sweep interval of the in-process cache.
	MemoryCleanup time.Duration `yaml:"memory_cleanup" env:"MEMORY_CLEANUP" default:"5m"`
}

type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled" env:"ENABLED"`
	Brokers       []string `yaml:"brokers" env:"BROKERS" envSeparator:"," default:"[\"localhost:9092\"]"`
	OutcomesTopic string   `yaml:"outcomes_topic" env:"OUTCOMES_TOPIC" default:"settlement.outcomes"`
	RequestsTopic string   `yaml:"requests_topic" env:"REQUESTS_TOPIC" default:"settlement.requests"`
	RequiredAcks  int      `yaml:"required_acks" env:"REQUIRED_ACKS" default:"-1"`
	Compression   string   `yaml:"compression" env:"COMPRESSION" default:"snappy"`
	Producer      struct {
		MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS" default:"5"`
		Linger       time.Duration `yaml:"linger" env:"LINGER" default:"10ms"`
		BatchSize    int           `yaml:"batch_size" env:"BATCH_SIZE" default:"100"`
		BatchBytes   int           `yaml:"batch_bytes" env:"BATCH_BYTES" default:"1048576"`
		WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" default:"10s"`
	} `yaml:"producer" envPrefix:"PRODUCER_"`
	Consumer struct {
		Enabled    bool          `yaml:"enabled" env:"ENABLED"`
		GroupID    string        `yaml:"group_id" env:"GROUP_ID" default:"settleguard-resolver"`
		Workers    int           `yaml:"workers" env:"WORKERS" default:"4"`
		RetryMax   int           `yaml:"retry_max" env:"RETRY_MAX" default:"3"`
		BackoffMin time.Duration `yaml:"backoff_min" env:"BACKOFF_MIN" default:"200ms"`
		BackoffMax time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX" default:"5s"`
		DLQTopic   string        `yaml:"dlq_topic" env:"DLQ_TOPIC" default:"settlement.requests.dlq"`
	} `yaml:"consumer" envPrefix:"CONSUMER_"`
}

type ClickHouseConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	Host             string        `yaml:"host" env:"HOST" default:"localhost"`
	Port             int           `yaml:"port" env:"PORT" default:"9000"`
	Database         string        `yaml:"database" env:"DATABASE" default:"settleguard"`
	User             string        `yaml:"user" env:"USER" default:"default"`
	Password         string        `yaml:"password" env:"PASSWORD"`
	UseHTTP          bool          `yaml:"use_http" env:"USE_HTTP"`
	AsyncInsert      bool          `yaml:"async_insert" env:"ASYNC_INSERT"`
	DialTimeout      time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" default:"10s"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" default:"10s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" env:"MAX_EXECUTION_TIME" default:"30s"`
}

type PostgresConfig struct {
	Enabled     bool          `yaml:"enabled" env:"ENABLED"`
	DSN         string        `yaml:"dsn" env:"DSN"`
	MaxConns    int32         `yaml:"max_conns" env:"MAX_CONNS" default:"10"`
	MinConns    int32         `yaml:"min_conns" env:"MIN_CONNS" default:"1"`
	ConnTimeout time.Duration `yaml:"conn_timeout" env:"CONN_TIMEOUT" default:"5s"`
}

// OracleConfig tunes resolution-time aggregation.
type OracleConfig struct {
	// SourceTimeout bounds one quote fetch; sources own their time bound.
	SourceTimeout time.Duration `yaml:"source_timeout" env:"SOURCE_TIMEOUT" default:"5s"`

	// QuoteCacheTTL caches individual quotes; 0 disables quote caching.
	QuoteCacheTTL time.Duration `yaml:"quote_cache_ttl" env:"QUOTE_CACHE_TTL"`

	// OutcomeTTL is how long the latest settlement outcome stays queryable from cache.
	OutcomeTTL time.Duration `yaml:"outcome_ttl" env:"OUTCOME_TTL" default:"24h"`

	// MinSources overrides the per-contract quorum when > 0.
	MinSources int `yaml:"min_sources" env:"MIN_SOURCES"`

	// AllowUnregistered lets listings name sources missing from the sources
	// list. Such URIs must use one of AllowedSchemes.
	AllowUnregistered bool     `yaml:"allow_unregistered" env:"ALLOW_UNREGISTERED" default:"true"`
	AllowedSchemes    []string `yaml:"allowed_schemes" env:"ALLOWED_SCHEMES" envSeparator:"," default:"[\"http\",\"https\",\"ws\",\"wss\"]"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" env:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" env:"RPS" default:"5"`
	Burst   int     `yaml:"burst" env:"BURST" default:"10"`
}

// SourceConfig registers a quote source by URI. Data sources in a listing
// whose normalized URI matches are served by this entry.
type SourceConfig struct {
	ID       string            `yaml:"id"`
	Kind     string            `yaml:"kind" default:"http"`
	URI      string            `yaml:"uri"`
	Timeout  time.Duration     `yaml:"timeout"`
	CacheTTL time.Duration     `yaml:"cache_ttl"`
	Headers  map[string]string `yaml:"headers"`
}

// Default returns a configuration populated only from `default` tags.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	return &c, nil
}

// Load reads and parses a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	c, err := read(path)
	if err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return c, nil
}

// LoadWithEnv loads config from YAML (optional when path is empty), then an
// optional .env file, then SETTLEGUARD_* environment overrides.
func LoadWithEnv(path string) (*Config, error) {
	var (
		c   *Config
		err error
	)
	if path == "" {
		c, err = Default()
	} else {
		c, err = read(path)
	}
	if err != nil {
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func read(path string) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// yaml leaves omitted list entries' fields zero
	for i := range c.Sources {
		if err := defaults.Set(&c.Sources[i]); err != nil {
			return nil, fmt.Errorf("apply source defaults: %w", err)
		}
	}
	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Oracle.MinSources < 0 {
		return fmt.Errorf("oracle.min_sources must not be negative")
	}
	if c.Oracle.SourceTimeout <= 0 {
		return fmt.Errorf("oracle.source_timeout must be positive")
	}
	if c.Oracle.AllowUnregistered && len(c.Oracle.AllowedSchemes) == 0 {
		return fmt.Errorf("oracle.allowed_schemes cannot be empty when unregistered sources are allowed")
	}
	if c.Redis.MemoryCleanup <= 0 {
		return fmt.Errorf("redis.memory_cleanup must be positive")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
		}
		if c.Kafka.OutcomesTopic == "" {
			return fmt.Errorf("kafka.outcomes_topic is required")
		}
		if c.Kafka.Consumer.Enabled && c.Kafka.RequestsTopic == "" {
			return fmt.Errorf("kafka.requests_topic is required when the consumer is enabled")
		}
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required when postgres is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.rps and rate_limit.burst must be positive")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if strings.TrimSpace(s.URI) == "" {
			return fmt.Errorf("sources[%d].uri is required", i)
		}
		if s.Kind != SourceKindHTTP && s.Kind != SourceKindWebSocket {
			return fmt.Errorf("sources[%d].kind must be '%s' or '%s', got '%s'", i, SourceKindHTTP, SourceKindWebSocket, s.Kind)
		}
		if s.ID != "" {
			if seen[s.ID] {
				return fmt.Errorf("sources[%d].id '%s' is duplicated", i, s.ID)
			}
			seen[s.ID] = true
		}
	}
	return nil
}
