package config

import "time"

// Queue backend constants
const (
	// BackendMemory keeps both queues in process. Useful for dry runs and tests.
	BackendMemory = "memory"
	// BackendSQS talks to AWS SQS or an SQS-compatible endpoint
	BackendSQS = "sqs"
	// BackendRedis uses the Redis list/zset queue layout
	BackendRedis = "redis"
)

// Config is the root configuration of the redrive tool
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Queue         QueueConfig         `mapstructure:"queue" yaml:"queue"`
	AWS           AWSConfig           `mapstructure:"aws" yaml:"aws"`
	Redis         RedisConfig         `mapstructure:"redis" yaml:"redis"`
	Redrive       RedriveConfig       `mapstructure:"redrive" yaml:"redrive"`
	Archive       ArchiveConfig       `mapstructure:"archive" yaml:"archive"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServiceConfig identifies the deployment the tool operates on.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// QueueConfig selects the backend and the queue pair
type QueueConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend"`
	Primary     string        `mapstructure:"primary" yaml:"primary"`
	DLQ         string        `mapstructure:"dlq" yaml:"dlq"`
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	Breaker     BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the queue client
type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures"`
	Cooldown    time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// AWSConfig holds credentials and endpoints shared by SQS and the S3 archive.
// Empty keys fall back to the default AWS credential chain.
type AWSConfig struct {
	Region           string        `mapstructure:"region" yaml:"region"`
	Endpoint         string        `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID      string        `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key" yaml:"secret_access_key" redact:"true"`
	SessionToken     string        `mapstructure:"session_token" yaml:"session_token" redact:"true"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// RedisConfig configures the redis queue backend
type RedisConfig struct {
	URL              string        `mapstructure:"url" yaml:"url" redact:"url"`
	Prefix           string        `mapstructure:"prefix" yaml:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// RedriveConfig tunes polling and redriving
type RedriveConfig struct {
	Branches          int           `mapstructure:"branches" yaml:"branches"`
	Stagger           time.Duration `mapstructure:"stagger" yaml:"stagger"`
	MaxMessages       int           `mapstructure:"max_messages" yaml:"max_messages"`
	WaitTime          time.Duration `mapstructure:"wait_time" yaml:"wait_time"`
	ListVisibility    time.Duration `mapstructure:"list_visibility" yaml:"list_visibility"`
	RedriveVisibility time.Duration `mapstructure:"redrive_visibility" yaml:"redrive_visibility"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	// RateLimit caps redriven messages per second. Zero disables the limit.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	// FreshDeduplicationID replaces the deduplication id of FIFO messages on redrive.
	FreshDeduplicationID bool `mapstructure:"fresh_dedup_id" yaml:"fresh_dedup_id"`
}

// ArchiveConfig configures where listed or purged messages are snapshotted
type ArchiveConfig struct {
	Bucket           string        `mapstructure:"bucket" yaml:"bucket"`
	Prefix           string        `mapstructure:"prefix" yaml:"prefix"`
	Endpoint         string        `mapstructure:"endpoint" yaml:"endpoint"`
	UsePathStyle     bool          `mapstructure:"use_path_style" yaml:"use_path_style"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	Directory        string        `mapstructure:"directory" yaml:"directory"`
}

// ObservabilityConfig configures logs, traces and metrics
type ObservabilityConfig struct {
	LogLevel    string            `mapstructure:"log_level" yaml:"log_level"`
	LogFormat   string            `mapstructure:"log_format" yaml:"log_format"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
	Pushgateway PushgatewayConfig `mapstructure:"pushgateway" yaml:"pushgateway"`
}

// TracingConfig configures the OTLP exporter
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
}

// PushgatewayConfig configures the metrics push at exit
type PushgatewayConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	Job string `mapstructure:"job" yaml:"job"`
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "redrive",
			Environment: "production",
		},
		Queue: QueueConfig{
			Backend:     BackendSQS,
			CallTimeout: 30 * time.Second,
			Breaker: BreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Cooldown:    30 * time.Second,
			},
		},
		AWS: AWSConfig{
			OperationTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Prefix:           "redrive",
			OperationTimeout: 5 * time.Second,
			PollInterval:     100 * time.Millisecond,
		},
		Redrive: RedriveConfig{
			Branches:          3,
			Stagger:           200 * time.Millisecond,
			MaxMessages:       10,
			WaitTime:          3 * time.Second,
			ListVisibility:    time.Second,
			RedriveVisibility: 10 * time.Second,
			SettleDelay:       500 * time.Millisecond,
		},
		Archive: ArchiveConfig{
			Prefix:           "redrive/",
			OperationTimeout: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "text",
			Tracing: TracingConfig{
				Endpoint:   "localhost:4317",
				SampleRate: 1.0,
			},
			Pushgateway: PushgatewayConfig{
				Job: "redrive",
			},
		},
	}
}
