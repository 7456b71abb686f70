// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Pipeline, Vision, Aggregator, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Vision     VisionConfig     `yaml:"vision"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings. An empty broker list
// disables every Kafka integration.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Admissions  string `yaml:"admissions"`
	DeadLetters string `yaml:"deadLetters"`
	Events      string `yaml:"events"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// StageConfig overrides queue capacity and worker count for one stage.
type StageConfig struct {
	Capacity int `yaml:"capacity"`
	Workers  int `yaml:"workers"`
}

// PipelineConfig controls queue bounds, worker pools, retry and restart
// budgets, and shutdown behaviour of the processing pipeline.
type PipelineConfig struct {
	InputQueueCapacity      int                    `yaml:"inputQueueCapacity"`
	WorkersPerStage         int                    `yaml:"workersPerStage"`
	Stages                  map[string]StageConfig `yaml:"stages"`
	MaxPersistRetries       int                    `yaml:"maxPersistRetries"`
	BackoffBase             time.Duration          `yaml:"backoffBase"`
	BackoffMax              time.Duration          `yaml:"backoffMax"`
	RestartLimit            int                    `yaml:"restartLimit"`
	CapabilityTimeout       time.Duration          `yaml:"capabilityTimeout"`
	DrainTimeout            time.Duration          `yaml:"drainTimeout"`
	DeadLetterBuffer        int                    `yaml:"deadLetterBuffer"`
	ConfidenceThreshold     float64                `yaml:"confidenceThreshold"`
	UnknownPolicy           string                 `yaml:"unknownPolicy"`
	BreakerFailureThreshold int                    `yaml:"breakerFailureThreshold"`
	BreakerResetTimeout     time.Duration          `yaml:"breakerResetTimeout"`
}

// Stage returns the effective capacity and worker count for the named
// stage, falling back to the pipeline-wide values.
func (p PipelineConfig) Stage(name string) StageConfig {
	sc := StageConfig{Capacity: p.InputQueueCapacity, Workers: p.WorkersPerStage}
	if o, ok := p.Stages[name]; ok {
		if o.Capacity > 0 {
			sc.Capacity = o.Capacity
		}
		if o.Workers > 0 {
			sc.Workers = o.Workers
		}
	}
	if sc.Capacity <= 0 {
		sc.Capacity = 1
	}
	if sc.Workers <= 0 {
		sc.Workers = 1
	}
	return sc
}

// VisionConfig controls the image loader, the preprocessing transform, the
// face cropper, and the addresses of the model-serving sidecars.
type VisionConfig struct {
	ImageRoot      string  `yaml:"imageRoot"`
	TargetWidth    int     `yaml:"targetWidth"`
	TargetHeight   int     `yaml:"targetHeight"`
	CropMargin     float64 `yaml:"cropMargin"`
	DetectorAddr   string  `yaml:"detectorAddr"`
	RecognizerAddr string  `yaml:"recognizerAddr"`
}

// StoreSource names one store database read by the aggregator.
type StoreSource struct {
	StoreID string `yaml:"storeId"`
	DSN     string `yaml:"dsn"`
}

// AggregatorConfig lists the stores aggregated across and the snapshot
// cadence.
type AggregatorConfig struct {
	Stores           []StoreSource `yaml:"stores"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
	SnapshotRetain   int           `yaml:"snapshotRetain"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with defaults suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "faces",
			User:            "faces",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "facepipeline-group",
			Topics: KafkaTopics{
				Admissions:  "image-admissions",
				DeadLetters: "pipeline-dead-letters",
				Events:      "pipeline-events",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 10 * time.Minute,
		},
		Pipeline: PipelineConfig{
			InputQueueCapacity:      64,
			WorkersPerStage:         4,
			MaxPersistRetries:       5,
			BackoffBase:             100 * time.Millisecond,
			BackoffMax:              5 * time.Second,
			RestartLimit:            3,
			CapabilityTimeout:       10 * time.Second,
			DrainTimeout:            30 * time.Second,
			DeadLetterBuffer:        1024,
			ConfidenceThreshold:     0.5,
			UnknownPolicy:           "forward",
			BreakerFailureThreshold: 5,
			BreakerResetTimeout:     30 * time.Second,
		},
		Vision: VisionConfig{
			ImageRoot:      ".",
			TargetWidth:    640,
			TargetHeight:   640,
			CropMargin:     0.1,
			DetectorAddr:   "localhost:9101",
			RecognizerAddr: "localhost:9102",
		},
		Aggregator: AggregatorConfig{
			SnapshotInterval: 5 * time.Minute,
			SnapshotRetain:   288,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Pipeline.UnknownPolicy {
	case "forward", "dead_letter":
	default:
		return fmt.Errorf("invalid pipeline.unknownPolicy %q (want forward or dead_letter)", c.Pipeline.UnknownPolicy)
	}
	if c.Pipeline.MaxPersistRetries < 1 {
		return fmt.Errorf("pipeline.maxPersistRetries must be at least 1, got %d", c.Pipeline.MaxPersistRetries)
	}
	if c.Pipeline.RestartLimit < 0 {
		return fmt.Errorf("pipeline.restartLimit must not be negative, got %d", c.Pipeline.RestartLimit)
	}
	seen := make(map[string]bool, len(c.Aggregator.Stores))
	for _, s := range c.Aggregator.Stores {
		if s.StoreID == "" {
			return fmt.Errorf("aggregator store with empty storeId")
		}
		if seen[s.StoreID] {
			return fmt.Errorf("aggregator store %q listed twice", s.StoreID)
		}
		seen[s.StoreID] = true
	}
	return nil
}

// applyEnvOverrides reads FR_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FR_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FR_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("FR_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("FR_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("FR_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("FR_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("FR_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v, ok := os.LookupEnv("FR_KAFKA_BROKERS"); ok {
		if v == "" {
			cfg.Kafka.Brokers = nil
		} else {
			cfg.Kafka.Brokers = strings.Split(v, ",")
		}
	}
	if v := os.Getenv("FR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FR_PIPELINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.WorkersPerStage = n
		}
	}
	if v := os.Getenv("FR_PIPELINE_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.InputQueueCapacity = n
		}
	}
	if v := os.Getenv("FR_PIPELINE_UNKNOWN_POLICY"); v != "" {
		cfg.Pipeline.UnknownPolicy = v
	}
	if v := os.Getenv("FR_VISION_IMAGE_ROOT"); v != "" {
		cfg.Vision.ImageRoot = v
	}
	if v := os.Getenv("FR_VISION_DETECTOR_ADDR"); v != "" {
		cfg.Vision.DetectorAddr = v
	}
	if v := os.Getenv("FR_VISION_RECOGNIZER_ADDR"); v != "" {
		cfg.Vision.RecognizerAddr = v
	}
	if v := os.Getenv("FR_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FR_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
