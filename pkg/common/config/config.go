package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	ServerPort     string        `yaml:"server_port"`
	ServerHost     string        `yaml:"server_host"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxRequestBody int64         `yaml:"max_request_body"`

	// Database
	DBDriver         string `yaml:"db_driver"`
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     string `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`
	SQLitePath       string `yaml:"sqlite_path"`

	// Redis
	RedisHost     string `yaml:"redis_host"`
	RedisPort     string `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Kafka
	KafkaBrokers     []string `yaml:"kafka_brokers"`
	KafkaGroupID     string   `yaml:"kafka_group_id"`
	IngestAuditTopic string   `yaml:"ingest_audit_topic"`
	IngestFeedTopic  string   `yaml:"ingest_feed_topic"`

	// Worker
	WorkerCount        int           `yaml:"worker_count"`
	WorkerPollInterval time.Duration `yaml:"worker_poll_interval"`
	WorkerMaxAttempts  int           `yaml:"worker_max_attempts"`
	WorkerBackoffBase  time.Duration `yaml:"worker_backoff_base"`
	WorkerBackoffCap   time.Duration `yaml:"worker_backoff_cap"`
	WorkerErrorBackoff time.Duration `yaml:"worker_error_backoff"`

	// Ingest pipeline
	DiagnosticsInlineThreshold int      `yaml:"diagnostics_inline_threshold"`
	ValidationMode             string   `yaml:"validation_mode"`
	ValidationExtraWhitelist   []string `yaml:"validation_extra_whitelist"`
	ErrorSampleSize            int      `yaml:"error_sample_size"`

	// Partner surface
	AdminAPIKey               string        `yaml:"admin_api_key"`
	PartnerRateLimitPerMinute int           `yaml:"partner_rate_limit_per_minute"`
	AuditMaskingRules         string        `yaml:"audit_masking_rules"`
	SchedulerEnabled          bool          `yaml:"scheduler_enabled"`
	FetchTimeout              time.Duration `yaml:"fetch_timeout"`
	FetchAttempts             int           `yaml:"fetch_attempts"`
}

// Load reads defaults, then the optional YAML file named by INGEST_CONFIG_FILE,
// then environment variables. Later sources win.
func Load() *Config {
	cfg := Defaults()
	if path := os.Getenv("INGEST_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring %s: %v\n", path, err)
		}
	}
	cfg.overlayEnv()
	return cfg
}

func Defaults() *Config {
	return &Config{
		ServerPort:     "8080",
		ServerHost:     "0.0.0.0",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestBody: 8 * 1024 * 1024,

		DBDriver:         "postgres",
		PostgresHost:     "localhost",
		PostgresPort:     "5432",
		PostgresUser:     "catalog",
		PostgresPassword: "catalog",
		PostgresDB:       "catalog",
		PostgresSSLMode:  "disable",
		SQLitePath:       "catalog.sqlite",

		RedisHost: "localhost",
		RedisPort: "6379",

		KafkaGroupID:     "partner-ingest",
		IngestAuditTopic: "partner-ingest-audit",
		IngestFeedTopic:  "partner-feeds",

		WorkerCount:        1,
		WorkerPollInterval: 500 * time.Millisecond,
		WorkerMaxAttempts:  5,
		WorkerBackoffBase:  time.Second,
		WorkerBackoffCap:   5 * time.Minute,
		WorkerErrorBackoff: time.Second,

		DiagnosticsInlineThreshold: 4096,
		ValidationMode:             "lenient",
		ErrorSampleSize:            10,

		PartnerRateLimitPerMinute: 60,
		SchedulerEnabled:          true,
		FetchTimeout:              10 * time.Second,
		FetchAttempts:             3,
	}
}

func (c *Config) overlayFile(path string) error {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	return yaml.Unmarshal(content, c)
}

func (c *Config) overlayEnv() {
	c.ServerPort = getEnv("SERVER_PORT", c.ServerPort)
	c.ServerHost = getEnv("SERVER_HOST", c.ServerHost)
	c.ReadTimeout = getDuration("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.MaxRequestBody = int64(getIntEnv("MAX_REQUEST_BODY_BYTES", int(c.MaxRequestBody)))

	c.DBDriver = strings.ToLower(getEnv("DB_DRIVER", c.DBDriver))
	c.PostgresHost = getEnv("POSTGRES_HOST", c.PostgresHost)
	c.PostgresPort = getEnv("POSTGRES_PORT", c.PostgresPort)
	c.PostgresUser = getEnv("POSTGRES_USER", c.PostgresUser)
	c.PostgresPassword = getEnv("POSTGRES_PASSWORD", c.PostgresPassword)
	c.PostgresDB = getEnv("POSTGRES_DB", c.PostgresDB)
	c.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", c.PostgresSSLMode)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)

	c.RedisHost = getEnv("REDIS_HOST", c.RedisHost)
	c.RedisPort = getEnv("REDIS_PORT", c.RedisPort)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getIntEnv("REDIS_DB", c.RedisDB)

	c.KafkaBrokers = getStringSliceEnv("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaGroupID = getEnv("KAFKA_GROUP_ID", c.KafkaGroupID)
	c.IngestAuditTopic = getEnv("INGEST_AUDIT_TOPIC", c.IngestAuditTopic)
	c.IngestFeedTopic = getEnv("INGEST_FEED_TOPIC", c.IngestFeedTopic)

	c.WorkerCount = getIntEnv("WORKER_COUNT", c.WorkerCount)
	c.WorkerPollInterval = getDuration("WORKER_POLL_INTERVAL", c.WorkerPollInterval)
	c.WorkerMaxAttempts = getIntEnv("WORKER_MAX_ATTEMPTS", c.WorkerMaxAttempts)
	c.WorkerBackoffBase = getDuration("WORKER_BACKOFF_BASE", c.WorkerBackoffBase)
	c.WorkerBackoffCap = getDuration("WORKER_BACKOFF_CAP", c.WorkerBackoffCap)
	c.WorkerErrorBackoff = getDuration("WORKER_ERROR_BACKOFF", c.WorkerErrorBackoff)

	c.DiagnosticsInlineThreshold = getIntEnv("DIAGNOSTICS_INLINE_THRESHOLD", c.DiagnosticsInlineThreshold)
	c.ValidationMode = strings.ToLower(getEnv("VALIDATION_MODE", c.ValidationMode))
	c.ValidationExtraWhitelist = getStringSliceEnv("VALIDATION_EXTRA_WHITELIST", c.ValidationExtraWhitelist)
	c.ErrorSampleSize = getIntEnv("ERROR_SAMPLE_SIZE", c.ErrorSampleSize)

	c.AdminAPIKey = getEnv("ADMIN_API_KEY", c.AdminAPIKey)
	c.PartnerRateLimitPerMinute = getIntEnv("PARTNER_RATE_LIMIT_PER_MINUTE", c.PartnerRateLimitPerMinute)
	c.AuditMaskingRules = getEnv("AUDIT_MASKING_RULES", c.AuditMaskingRules)
	c.SchedulerEnabled = getBoolEnv("SCHEDULER_ENABLED", c.SchedulerEnabled)
	c.FetchTimeout = getDuration("FETCH_TIMEOUT", c.FetchTimeout)
	c.FetchAttempts = getIntEnv("FETCH_ATTEMPTS", c.FetchAttempts)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown db driver %q", c.DBDriver))
	}
	switch c.ValidationMode {
	case "lenient", "strict":
	default:
		errs = append(errs, fmt.Errorf("unknown validation mode %q", c.ValidationMode))
	}
	if c.WorkerMaxAttempts < 1 {
		errs = append(errs, errors.New("worker max attempts must be at least 1"))
	}
	if c.WorkerCount < 0 {
		errs = append(errs, errors.New("worker count must not be negative"))
	}
	if c.WorkerPollInterval <= 0 {
		errs = append(errs, errors.New("worker poll interval must be positive"))
	}
	if c.WorkerBackoffBase < 0 || c.WorkerBackoffCap < c.WorkerBackoffBase {
		errs = append(errs, errors.New("worker backoff cap must be >= base >= 0"))
	}
	if c.DiagnosticsInlineThreshold < 0 {
		errs = append(errs, errors.New("diagnostics inline threshold must not be negative"))
	}
	if c.MaxRequestBody <= 0 {
		errs = append(errs, errors.New("max request body must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
