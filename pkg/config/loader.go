package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nimburion/redrive/pkg/observability/logger"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile  string
	envPrefix   string
	secretsFile string
	flags       *pflag.FlagSet
	flagKeys   map[string]string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "REDRIVE")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithSecretsFile sets the secrets file explicitly. It wins over <ENV_PREFIX>_SECRETS_FILE.
func (l *ViperLoader) WithSecretsFile(path string) *ViperLoader {
	if l == nil {
		return l
	}
	l.secretsFile = strings.TrimSpace(path)
	return l
}

// WithFlags binds command line flags to config keys. keys maps a config key
// such as "queue.dlq" to a flag name. Flags only override when set explicitly.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet, keys map[string]string) *ViperLoader {
	if l == nil {
		return l
	}
	l.flags = flags
	l.flagKeys = keys
	return l
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.load(false)
	return cfg, err
}

func (l *ViperLoader) load(withSecrets bool) (*Config, *Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	var secrets *Config
	if withSecrets {
		var err error
		secrets, err = l.mergeSecrets(v)
		if err != nil {
			return nil, nil, err
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)
	if err := l.bindFlags(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, secrets, nil
}

// bindEnvVars explicitly binds environment variables for nested structs.
// AWS settings also honour the SDK's own variable names.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Queue
	v.BindEnv("queue.backend", l.prefixedEnv("QUEUE_BACKEND"))
	v.BindEnv("queue.primary", l.prefixedEnv("QUEUE_PRIMARY"))
	v.BindEnv("queue.dlq", l.prefixedEnv("QUEUE_DLQ"))
	v.BindEnv("queue.call_timeout", l.prefixedEnv("QUEUE_CALL_TIMEOUT"))
	v.BindEnv("queue.breaker.enabled", l.prefixedEnv("QUEUE_BREAKER_ENABLED"))
	v.BindEnv("queue.breaker.max_failures", l.prefixedEnv("QUEUE_BREAKER_MAX_FAILURES"))
	v.BindEnv("queue.breaker.cooldown", l.prefixedEnv("QUEUE_BREAKER_COOLDOWN"))

	// AWS
	v.BindEnv("aws.region", l.prefixedEnv("AWS_REGION"), "AWS_REGION", "AWS_DEFAULT_REGION")
	v.BindEnv("aws.endpoint", l.prefixedEnv("AWS_ENDPOINT"), "AWS_ENDPOINT_URL")
	v.BindEnv("aws.access_key_id", l.prefixedEnv("AWS_ACCESS_KEY_ID"))
	v.BindEnv("aws.secret_access_key", l.prefixedEnv("AWS_SECRET_ACCESS_KEY"))
	v.BindEnv("aws.session_token", l.prefixedEnv("AWS_SESSION_TOKEN"))
	v.BindEnv("aws.operation_timeout", l.prefixedEnv("AWS_OPERATION_TIMEOUT"))

	// Redis
	v.BindEnv("redis.url", l.prefixedEnv("REDIS_URL"))
	v.BindEnv("redis.prefix", l.prefixedEnv("REDIS_PREFIX"))
	v.BindEnv("redis.operation_timeout", l.prefixedEnv("REDIS_OPERATION_TIMEOUT"))
	v.BindEnv("redis.poll_interval", l.prefixedEnv("REDIS_POLL_INTERVAL"))

	// Redrive
	v.BindEnv("redrive.branches", l.prefixedEnv("BRANCHES"))
	v.BindEnv("redrive.stagger", l.prefixedEnv("STAGGER"))
	v.BindEnv("redrive.max_messages", l.prefixedEnv("MAX_MESSAGES"))
	v.BindEnv("redrive.wait_time", l.prefixedEnv("WAIT_TIME"))
	v.BindEnv("redrive.list_visibility", l.prefixedEnv("LIST_VISIBILITY"))
	v.BindEnv("redrive.redrive_visibility", l.prefixedEnv("REDRIVE_VISIBILITY"))
	v.BindEnv("redrive.settle_delay", l.prefixedEnv("SETTLE_DELAY"))
	v.BindEnv("redrive.rate_limit", l.prefixedEnv("RATE_LIMIT"))
	v.BindEnv("redrive.fresh_dedup_id", l.prefixedEnv("FRESH_DEDUP_ID"))

	// Archive
	v.BindEnv("archive.bucket", l.prefixedEnv("ARCHIVE_BUCKET"))
	v.BindEnv("archive.prefix", l.prefixedEnv("ARCHIVE_PREFIX"))
	v.BindEnv("archive.endpoint", l.prefixedEnv("ARCHIVE_ENDPOINT"))
	v.BindEnv("archive.use_path_style", l.prefixedEnv("ARCHIVE_USE_PATH_STYLE"))
	v.BindEnv("archive.operation_timeout", l.prefixedEnv("ARCHIVE_OPERATION_TIMEOUT"))
	v.BindEnv("archive.directory", l.prefixedEnv("ARCHIVE_DIRECTORY"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.tracing.enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing.endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing.sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing.insecure", l.prefixedEnv("TRACING_INSECURE"))
	v.BindEnv("observability.pushgateway.url", l.prefixedEnv("PUSHGATEWAY_URL"))
	v.BindEnv("observability.pushgateway.job", l.prefixedEnv("PUSHGATEWAY_JOB"))
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for key, name := range l.flagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag --%s bound to %s is not defined", name, key)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "REDRIVE"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("queue.backend", cfg.Queue.Backend)
	v.SetDefault("queue.primary", cfg.Queue.Primary)
	v.SetDefault("queue.dlq", cfg.Queue.DLQ)
	v.SetDefault("queue.call_timeout", cfg.Queue.CallTimeout)
	v.SetDefault("queue.breaker.enabled", cfg.Queue.Breaker.Enabled)
	v.SetDefault("queue.breaker.max_failures", cfg.Queue.Breaker.MaxFailures)
	v.SetDefault("queue.breaker.cooldown", cfg.Queue.Breaker.Cooldown)

	v.SetDefault("aws.region", cfg.AWS.Region)
	v.SetDefault("aws.endpoint", cfg.AWS.Endpoint)
	v.SetDefault("aws.access_key_id", cfg.AWS.AccessKeyID)
	v.SetDefault("aws.secret_access_key", cfg.AWS.SecretAccessKey)
	v.SetDefault("aws.session_token", cfg.AWS.SessionToken)
	v.SetDefault("aws.operation_timeout", cfg.AWS.OperationTimeout)

	v.SetDefault("redis.url", cfg.Redis.URL)
	v.SetDefault("redis.prefix", cfg.Redis.Prefix)
	v.SetDefault("redis.operation_timeout", cfg.Redis.OperationTimeout)
	v.SetDefault("redis.poll_interval", cfg.Redis.PollInterval)

	v.SetDefault("redrive.branches", cfg.Redrive.Branches)
	v.SetDefault("redrive.stagger", cfg.Redrive.Stagger)
	v.SetDefault("redrive.max_messages", cfg.Redrive.MaxMessages)
	v.SetDefault("redrive.wait_time", cfg.Redrive.WaitTime)
	v.SetDefault("redrive.list_visibility", cfg.Redrive.ListVisibility)
	v.SetDefault("redrive.redrive_visibility", cfg.Redrive.RedriveVisibility)
	v.SetDefault("redrive.settle_delay", cfg.Redrive.SettleDelay)
	v.SetDefault("redrive.rate_limit", cfg.Redrive.RateLimit)
	v.SetDefault("redrive.fresh_dedup_id", cfg.Redrive.FreshDeduplicationID)

	v.SetDefault("archive.bucket", cfg.Archive.Bucket)
	v.SetDefault("archive.prefix", cfg.Archive.Prefix)
	v.SetDefault("archive.endpoint", cfg.Archive.Endpoint)
	v.SetDefault("archive.use_path_style", cfg.Archive.UsePathStyle)
	v.SetDefault("archive.operation_timeout", cfg.Archive.OperationTimeout)
	v.SetDefault("archive.directory", cfg.Archive.Directory)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing.enabled", cfg.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", cfg.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sample_rate", cfg.Observability.Tracing.SampleRate)
	v.SetDefault("observability.tracing.insecure", cfg.Observability.Tracing.Insecure)
	v.SetDefault("observability.pushgateway.url", cfg.Observability.Pushgateway.URL)
	v.SetDefault("observability.pushgateway.job", cfg.Observability.Pushgateway.Job)
}

// Validate validates the configuration and returns every problem found.
// Queue references are not checked here; an unresolved queue is reported
// by the operation that needs it.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	validBackends := []string{BackendMemory, BackendSQS, BackendRedis}
	if !contains(validBackends, cfg.Queue.Backend) {
		errs = append(errs, fmt.Errorf("invalid queue.backend: %s (must be one of: %v)", cfg.Queue.Backend, validBackends))
	}
	if cfg.Queue.CallTimeout < 0 {
		errs = append(errs, errors.New("queue.call_timeout must not be negative"))
	}
	if cfg.Queue.Breaker.Enabled {
		if cfg.Queue.Breaker.MaxFailures < 1 {
			errs = append(errs, errors.New("queue.breaker.max_failures must be at least 1 when the breaker is enabled"))
		}
		if cfg.Queue.Breaker.Cooldown <= 0 {
			errs = append(errs, errors.New("queue.breaker.cooldown must be positive when the breaker is enabled"))
		}
	}

	switch cfg.Queue.Backend {
	case BackendSQS:
		if strings.TrimSpace(cfg.AWS.Region) == "" {
			errs = append(errs, errors.New("aws.region is required for the sqs backend"))
		}
		if (cfg.AWS.AccessKeyID == "") != (cfg.AWS.SecretAccessKey == "") {
			errs = append(errs, errors.New("aws.access_key_id and aws.secret_access_key must be set together"))
		}
	case BackendRedis:
		if strings.TrimSpace(cfg.Redis.URL) == "" {
			errs = append(errs, errors.New("redis.url is required for the redis backend"))
		} else if _, err := url.Parse(cfg.Redis.URL); err != nil {
			errs = append(errs, fmt.Errorf("invalid redis.url: %w", err))
		}
	}

	if cfg.Redrive.Branches < 1 {
		errs = append(errs, errors.New("redrive.branches must be at least 1"))
	}
	if cfg.Redrive.MaxMessages < 1 || cfg.Redrive.MaxMessages > 10 {
		errs = append(errs, errors.New("redrive.max_messages must be between 1 and 10"))
	}
	durations := []struct {
		key   string
		value time.Duration
	}{
		{"redrive.stagger", cfg.Redrive.Stagger},
		{"redrive.wait_time", cfg.Redrive.WaitTime},
		{"redrive.list_visibility", cfg.Redrive.ListVisibility},
		{"redrive.redrive_visibility", cfg.Redrive.RedriveVisibility},
		{"redrive.settle_delay", cfg.Redrive.SettleDelay},
	}
	for _, d := range durations {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.key))
		}
	}
	if cfg.Redrive.RateLimit < 0 {
		errs = append(errs, errors.New("redrive.rate_limit must not be negative"))
	}

	if cfg.Archive.Bucket != "" && strings.TrimSpace(cfg.AWS.Region) == "" {
		errs = append(errs, errors.New("aws.region is required when archive.bucket is set"))
	}

	if _, err := logger.ParseLogLevel(cfg.Observability.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %w", err))
	}
	if _, err := logger.ParseLogFormat(cfg.Observability.LogFormat); err != nil {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %w", err))
	}
	if cfg.Observability.Tracing.Enabled && strings.TrimSpace(cfg.Observability.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("observability.tracing.endpoint is required when tracing is enabled"))
	}
	if rate := cfg.Observability.Tracing.SampleRate; rate < 0 || rate > 1 {
		errs = append(errs, errors.New("observability.tracing.sample_rate must be between 0.0 and 1.0"))
	}
	if cfg.Observability.Pushgateway.URL != "" && strings.TrimSpace(cfg.Observability.Pushgateway.Job) == "" {
		errs = append(errs, errors.New("observability.pushgateway.job is required when a pushgateway url is set"))
	}

	return errors.Join(errs...)
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
