package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// tomlConfig mirrors the TOML file layout. Durations are strings so the
// file can use "30s" forms.
type tomlConfig struct {
	ServiceName string              `toml:"service_name"`
	Services    map[string]string   `toml:"services"`
	Store       tomlStoreConfig     `toml:"store"`
	Transport   tomlTransportConfig `toml:"transport"`
	Headers     tomlHeaderConfig    `toml:"headers"`
	Processing  tomlProcessing      `toml:"processing"`
	HTTP        tomlHTTPConfig      `toml:"http"`
	Ingress     tomlIngressConfig   `toml:"ingress"`
	Inbox       tomlInboxConfig     `toml:"inbox"`
	Leader      tomlLeaderConfig    `toml:"leader"`
	Retention   tomlRetentionConfig `toml:"retention"`
}

type tomlStoreConfig struct {
	Driver        string `toml:"driver"`
	DSN           string `toml:"dsn"`
	MongoURI      string `toml:"mongo_uri"`
	MongoDatabase string `toml:"mongo_database"`
	OutboxTable   string `toml:"outbox_table"`
	InboxTable    string `toml:"inbox_table"`
	MaxRetries    int    `toml:"max_retries"`
}

type tomlTransportConfig struct {
	Driver  string         `toml:"driver"`
	Timeout string         `toml:"timeout"`
	NATS    tomlNATSConfig `toml:"nats"`
	SQS     tomlSQSConfig  `toml:"sqs"`
}

type tomlNATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

type tomlSQSConfig struct {
	QueueURL string `toml:"queue_url"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
}

type tomlHeaderConfig struct {
	MessageID     string `toml:"message_id"`
	SourceService string `toml:"source_service"`
	EventType     string `toml:"event_type"`
	CustomPrefix  string `toml:"custom_prefix"`
}

type tomlProcessing struct {
	BatchSize    int    `toml:"batch_size"`
	MaxRetries   int    `toml:"max_retries"`
	Concurrency  int    `toml:"concurrency"`
	PollInterval string `toml:"poll_interval"`
	RetryDelay   string `toml:"retry_delay"`
	StuckAfter   string `toml:"stuck_after"`
}

type tomlInboxConfig struct {
	Handlers []string `toml:"handlers"`
}

type tomlHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type tomlIngressConfig struct {
	BearerToken   string  `toml:"bearer_token"`
	JWTSecret     string  `toml:"jwt_secret"`
	RatePerSecond float64 `toml:"rate_per_second"`
	RateBurst     int     `toml:"rate_burst"`
}

type tomlLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	RedisAddr       string `toml:"redis_addr"`
	RedisPassword   string `toml:"redis_password"`
	LockName        string `toml:"lock_name"`
	InstanceID      string `toml:"instance_id"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

type tomlRetentionConfig struct {
	Days     int    `toml:"days"`
	Interval string `toml:"interval"`
}

// ConfigPaths lists the paths searched for a config file, in order.
var ConfigPaths = []string{
	"config.toml",
	"relaykit.toml",
	"./config/config.toml",
	"/etc/relaykit/config.toml",
}

// LoadWithFile builds the configuration from defaults, then a TOML file
// when one is found, then environment overrides, and validates the
// result. RELAYKIT_CONFIG names an explicit file path.
func LoadWithFile() (*Config, error) {
	cfg := Default()

	path := os.Getenv("RELAYKIT_CONFIG")
	if path == "" {
		for _, candidate := range ConfigPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile builds the configuration from defaults plus a single
// TOML file, without environment overrides.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile overlays non-zero file values onto cfg.
func applyFile(cfg *Config, path string) error {
	var tc tomlConfig
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	setString(&cfg.ServiceName, tc.ServiceName)
	if len(tc.Services) > 0 {
		cfg.Transport.Services = tc.Services
	}

	setString(&cfg.Store.Driver, tc.Store.Driver)
	setString(&cfg.Store.DSN, tc.Store.DSN)
	setString(&cfg.Store.MongoURI, tc.Store.MongoURI)
	setString(&cfg.Store.MongoDatabase, tc.Store.MongoDatabase)
	setString(&cfg.Store.OutboxTable, tc.Store.OutboxTable)
	setString(&cfg.Store.InboxTable, tc.Store.InboxTable)
	setInt(&cfg.Store.MaxRetries, tc.Store.MaxRetries)

	setString(&cfg.Transport.Driver, tc.Transport.Driver)
	setDuration(&cfg.Transport.Timeout, tc.Transport.Timeout)
	setString(&cfg.Transport.NATS.URL, tc.Transport.NATS.URL)
	setString(&cfg.Transport.NATS.SubjectPrefix, tc.Transport.NATS.SubjectPrefix)
	setString(&cfg.Transport.SQS.QueueURL, tc.Transport.SQS.QueueURL)
	setString(&cfg.Transport.SQS.Region, tc.Transport.SQS.Region)
	setString(&cfg.Transport.SQS.Endpoint, tc.Transport.SQS.Endpoint)

	setString(&cfg.Headers.MessageID, tc.Headers.MessageID)
	setString(&cfg.Headers.SourceService, tc.Headers.SourceService)
	setString(&cfg.Headers.EventType, tc.Headers.EventType)
	setString(&cfg.Headers.CustomPrefix, tc.Headers.CustomPrefix)

	setInt(&cfg.Processing.BatchSize, tc.Processing.BatchSize)
	setInt(&cfg.Processing.MaxRetries, tc.Processing.MaxRetries)
	setInt(&cfg.Processing.Concurrency, tc.Processing.Concurrency)
	setDuration(&cfg.Processing.PollInterval, tc.Processing.PollInterval)
	setDuration(&cfg.Processing.RetryDelay, tc.Processing.RetryDelay)
	setDuration(&cfg.Processing.StuckAfter, tc.Processing.StuckAfter)

	if len(tc.Inbox.Handlers) > 0 {
		cfg.Inbox.Handlers = tc.Inbox.Handlers
	}

	setInt(&cfg.HTTP.Port, tc.HTTP.Port)
	if len(tc.HTTP.CORSOrigins) > 0 {
		cfg.HTTP.CORSOrigins = tc.HTTP.CORSOrigins
	}

	setString(&cfg.Ingress.BearerToken, tc.Ingress.BearerToken)
	setString(&cfg.Ingress.JWTSecret, tc.Ingress.JWTSecret)
	if tc.Ingress.RatePerSecond > 0 {
		cfg.Ingress.RatePerSecond = tc.Ingress.RatePerSecond
	}
	setInt(&cfg.Ingress.RateBurst, tc.Ingress.RateBurst)

	if tc.Leader.Enabled {
		cfg.Leader.Enabled = true
	}
	setString(&cfg.Leader.RedisAddr, tc.Leader.RedisAddr)
	setString(&cfg.Leader.RedisPassword, tc.Leader.RedisPassword)
	setString(&cfg.Leader.LockName, tc.Leader.LockName)
	setString(&cfg.Leader.InstanceID, tc.Leader.InstanceID)
	setDuration(&cfg.Leader.TTL, tc.Leader.TTL)
	setDuration(&cfg.Leader.RefreshInterval, tc.Leader.RefreshInterval)

	setInt(&cfg.Retention.Days, tc.Retention.Days)
	setDuration(&cfg.Retention.Interval, tc.Retention.Interval)
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}

func setDuration(dst *time.Duration, value string) {
	if value == "" {
		return
	}
	if duration, err := time.ParseDuration(value); err == nil {
		*dst = duration
	}
}
