package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names the YAML file to load. Without it, ./config.yaml is
// used when present.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{"config.yaml", "/etc/uscrn-ingest/config.yaml"}

// Config holds all service settings.
type Config struct {
	HTTPAddr        string        `koanf:"http_addr" validate:"required"`
	LogLevel        string        `koanf:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat       string        `koanf:"log_format" validate:"oneof=json text tint"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`

	Source    SourceConfig    `koanf:"source"`
	Locations LocationConfig  `koanf:"locations"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Parser    ParserConfig    `koanf:"parser"`
	Database  DatabaseConfig  `koanf:"database"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Archive   ArchiveConfig   `koanf:"archive"`
}

// SourceConfig describes the remote archive and how it is contacted.
type SourceConfig struct {
	BaseURL         string        `koanf:"base_url" validate:"required,url"`
	AllowedHosts    []string      `koanf:"allowed_hosts" validate:"required,min=1,dive,hostname_rfc1123"`
	UserAgent       string        `koanf:"user_agent"`
	Years           string        `koanf:"years"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	TransferTimeout time.Duration `koanf:"transfer_timeout" validate:"gt=0"`
	MaxRetries      int           `koanf:"max_retries" validate:"gte=0,lte=10"`
	RetryBaseDelay  time.Duration `koanf:"retry_base_delay" validate:"gte=0"`
	RetryMaxDelay   time.Duration `koanf:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	// RequestDelay is the minimum spacing between requests to the origin.
	RequestDelay        time.Duration `koanf:"request_delay" validate:"gte=0"`
	MaxBodyBytes        int64         `koanf:"max_body_bytes" validate:"gt=0"`
	DownloadConcurrency int           `koanf:"download_concurrency" validate:"gte=1,lte=16"`
	BreakerFailures     uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout      time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// LocationConfig holds the three filter axes. They are OR-ed together.
type LocationConfig struct {
	States   []string `koanf:"states" validate:"dive,len=2,alpha"`
	Stations []string `koanf:"stations" validate:"dive,numeric"`
	Patterns []string `koanf:"patterns"`
}

// SchedulerConfig controls cycle timing.
type SchedulerConfig struct {
	Interval     time.Duration `koanf:"interval" validate:"gte=1m"`
	InitialDelay time.Duration `koanf:"initial_delay" validate:"gte=0"`
	// StopTimeout bounds how long shutdown waits for the in-flight file to commit.
	StopTimeout time.Duration `koanf:"stop_timeout" validate:"gt=0"`
}

// ParserConfig controls file acceptance.
type ParserConfig struct {
	FailureThreshold float64 `koanf:"failure_threshold" validate:"gte=0,lte=1"`
	// RepeatedFailureThreshold consecutive failed attempts flag a file for operators.
	RepeatedFailureThreshold int `koanf:"repeated_failure_threshold" validate:"gte=1"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver" validate:"oneof=sqlite3 pgx"`
	DSN             string        `koanf:"dsn"`
	SQLitePath      string        `koanf:"sqlite_path"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"gte=0"`
}

// KafkaConfig enables per-file ingestion events.
type KafkaConfig struct {
	Enabled bool     `koanf:"enabled"`
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

// ArchiveConfig enables Parquet copies of ingested files.
type ArchiveConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"`
}

func defaultConfig() *Config {
	return &Config{
		HTTPAddr:        ":8080",
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: 10 * time.Second,
		Source: SourceConfig{
			BaseURL:             "https://www.ncei.noaa.gov/pub/data/uscrn/products/hourly02",
			AllowedHosts:        []string{"www.ncei.noaa.gov"},
			UserAgent:           "uscrn-ingest/1.0",
			Years:               "current",
			ConnectTimeout:      10 * time.Second,
			TransferTimeout:     60 * time.Second,
			MaxRetries:          3,
			RetryBaseDelay:      time.Second,
			RetryMaxDelay:       5 * time.Second,
			RequestDelay:        500 * time.Millisecond,
			MaxBodyBytes:        64 << 20,
			DownloadConcurrency: 2,
			BreakerFailures:     5,
			BreakerTimeout:      time.Minute,
		},
		Scheduler: SchedulerConfig{
			Interval:     time.Hour,
			InitialDelay: 10 * time.Second,
			StopTimeout:  2 * time.Minute,
		},
		Parser: ParserConfig{
			FailureThreshold:         0.10,
			RepeatedFailureThreshold: 3,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite3",
			SQLitePath:   "data/uscrn.db",
			MaxOpenConns: 4,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "uscrn-ingested-files",
		},
		Archive: ArchiveConfig{
			Dir: "data/parquet",
		},
	}
}

// envMappings maps environment variable names to koanf paths.
var envMappings = map[string]string{
	"http_addr":        "http_addr",
	"log_level":        "log_level",
	"log_format":       "log_format",
	"shutdown_timeout": "shutdown_timeout",

	"source_base_url":         "source.base_url",
	"source_allowed_hosts":    "source.allowed_hosts",
	"user_agent":              "source.user_agent",
	"years":                   "source.years",
	"connect_timeout":         "source.connect_timeout",
	"transfer_timeout":        "source.transfer_timeout",
	"fetch_max_retries":       "source.max_retries",
	"fetch_retry_base_delay":  "source.retry_base_delay",
	"fetch_retry_max_delay":   "source.retry_max_delay",
	"request_delay":           "source.request_delay",
	"max_body_bytes":          "source.max_body_bytes",
	"download_concurrency":    "source.download_concurrency",
	"breaker_failures":        "source.breaker_failures",
	"breaker_timeout":         "source.breaker_timeout",
	"filter_states":           "locations.states",
	"filter_stations":         "locations.stations",
	"filter_patterns":         "locations.patterns",
	"poll_interval":           "scheduler.interval",
	"initial_delay":           "scheduler.initial_delay",
	"scheduler_stop_timeout":  "scheduler.stop_timeout",
	"parse_failure_threshold": "parser.failure_threshold",
	"repeated_failure_alert":  "parser.repeated_failure_threshold",

	"db_driver":            "database.driver",
	"db_dsn":               "database.dsn",
	"sqlite_path":          "database.sqlite_path",
	"db_max_open_conns":    "database.max_open_conns",
	"db_conn_max_lifetime": "database.conn_max_lifetime",

	"kafka_enabled": "kafka.enabled",
	"kafka_brokers": "kafka.brokers",
	"kafka_topic":   "kafka.topic",

	"archive_enabled": "archive.enabled",
	"archive_dir":     "archive.dir",
}

// sliceConfigPaths are split on commas when they arrive as a single string.
var sliceConfigPaths = []string{
	"source.allowed_hosts",
	"locations.states",
	"locations.stations",
	"locations.patterns",
	"kafka.brokers",
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in increasing order of precedence, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc returns "" for unknown variables so koanf skips them.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := []string{}
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	u, err := url.Parse(c.Source.BaseURL)
	if err != nil {
		return fmt.Errorf("source.base_url: %w", err)
	}
	if u.Scheme != "https" {
		return errors.New("source.base_url must use https")
	}
	if !hostAllowed(u.Hostname(), c.Source.AllowedHosts) {
		return fmt.Errorf("source.base_url host %q is not in source.allowed_hosts", u.Hostname())
	}

	if _, err := c.YearSelector(); err != nil {
		return fmt.Errorf("source.years: %w", err)
	}
	if _, err := c.LocationFilter(); err != nil {
		return fmt.Errorf("locations: %w", err)
	}

	switch c.Database.Driver {
	case "pgx":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the pgx driver")
		}
	case "sqlite3":
		if c.Database.DSN == "" && c.Database.SQLitePath == "" {
			return errors.New("database.sqlite_path or database.dsn is required")
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return errors.New("KAFKA_TOPIC is required when kafka is enabled")
		}
	}
	if c.Archive.Enabled && c.Archive.Dir == "" {
		return errors.New("ARCHIVE_DIR is required when the archive is enabled")
	}
	return nil
}

// YearSelector parses Source.Years.
func (c *Config) YearSelector() (domain.YearSelector, error) {
	return domain.ParseYearSelector(c.Source.Years)
}

// LocationFilter builds the filter from the three location axes.
func (c *Config) LocationFilter() (*domain.LocationFilter, error) {
	return domain.NewLocationFilter(c.Locations.States, c.Locations.Stations, c.Locations.Patterns)
}

// RequestsPerSecond converts RequestDelay into a rate; zero disables spacing.
func (c *Config) RequestsPerSecond() float64 {
	if c.Source.RequestDelay <= 0 {
		return 0
	}
	return float64(time.Second) / float64(c.Source.RequestDelay)
}

func hostAllowed(host string, allowed []string) bool {
	for _, h := range allowed {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}
