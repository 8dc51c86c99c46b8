// Package config loads relaykit configuration from a TOML file and
// the environment. Environment variables always win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMongo    = "mongo"
)

// Transport drivers.
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
	TransportSQS  = "sqs"
)

// Config is the full runtime configuration.
type Config struct {
	// ServiceName identifies this service as the source of outbound
	// messages and must be stable across restarts.
	ServiceName string

	Store      StoreConfig
	Transport  TransportConfig
	Headers    HeaderConfig
	Processing ProcessingConfig
	HTTP       HTTPConfig
	Ingress    IngressConfig
	Inbox      InboxConfig
	Leader     LeaderConfig
	Retention  RetentionConfig
}

// InboxConfig selects which registered handler factories the daemon
// instantiates at startup.
type InboxConfig struct {
	Handlers []string
}

// StoreConfig selects and configures the message store backend.
type StoreConfig struct {
	Driver string

	// DSN is the SQL connection string (postgres and mysql drivers)
	DSN string

	// MongoURI and MongoDatabase configure the mongo driver
	MongoURI      string
	MongoDatabase string

	OutboxTable string
	InboxTable  string

	// MaxRetries overrides processing.max_retries for this store when
	// set explicitly. Zero inherits the processing ceiling.
	MaxRetries int
}

// TransportConfig selects and configures the outbound transport.
type TransportConfig struct {
	Driver string

	// Services maps destination service names to base URLs (http driver)
	Services map[string]string

	Timeout time.Duration

	NATS NATSConfig
	SQS  SQSConfig
}

// NATSConfig configures the NATS JetStream transport.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// SQSConfig configures the SQS transport.
type SQSConfig struct {
	QueueURL string
	Region   string

	// Endpoint overrides the AWS endpoint (LocalStack and friends)
	Endpoint string
}

// HeaderConfig names the wire headers carrying message identifiers.
type HeaderConfig struct {
	MessageID     string
	SourceService string
	EventType     string
	CustomPrefix  string
}

// ProcessingConfig tunes the relay and inbox workers.
type ProcessingConfig struct {
	BatchSize    int
	MaxRetries   int
	Concurrency  int
	PollInterval time.Duration

	// RetryDelay is the advisory minimum gap between retries of the
	// same row. Enforced by the cadence of retry runs, not per row.
	RetryDelay time.Duration

	// StuckAfter is the visibility timeout for PROCESSING rows.
	// Zero derives it from PollInterval.
	StuckAfter time.Duration
}

// HTTPConfig configures the daemon's HTTP server.
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// IngressConfig configures the webhook ingress endpoint.
type IngressConfig struct {
	BearerToken   string
	JWTSecret     string
	RatePerSecond float64
	RateBurst     int
}

// LeaderConfig configures optional Redis leader election.
type LeaderConfig struct {
	Enabled         bool
	RedisAddr       string
	RedisPassword   string
	LockName        string
	InstanceID      string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// RetentionConfig configures terminal-row cleanup.
type RetentionConfig struct {
	Days int

	// Interval between daemon sweeps (0 disables the daemon sweep;
	// relayctl messages:cleanup still works)
	Interval time.Duration
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		ServiceName: "relaykit",
		Store: StoreConfig{
			Driver:        DriverPostgres,
			DSN:           "postgres://localhost:5432/relaykit?sslmode=disable",
			MongoURI:      "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true",
			MongoDatabase: "relaykit",
			OutboxTable:   "outbox_messages",
			InboxTable:    "inbox_messages",
		},
		Transport: TransportConfig{
			Driver:  TransportHTTP,
			Timeout: 30 * time.Second,
			NATS: NATSConfig{
				URL: "nats://localhost:4222",
			},
			SQS: SQSConfig{
				Region: "us-east-1",
			},
		},
		Headers: HeaderConfig{
			MessageID:     "X-Message-Id",
			SourceService: "X-Source-Service",
			EventType:     "X-Event-Type",
			CustomPrefix:  "X-",
		},
		Processing: ProcessingConfig{
			BatchSize:    50,
			MaxRetries:   5,
			Concurrency:  4,
			PollInterval: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Port: 8080,
		},
		Leader: LeaderConfig{
			LockName:        "relaykit-relay-leader",
			TTL:             30 * time.Second,
			RefreshInterval: 10 * time.Second,
		},
		Retention: RetentionConfig{
			Days:     30,
			Interval: 24 * time.Hour,
		},
	}
}

// Load builds the configuration from defaults and the environment.
func Load() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name must not be empty")
	}

	switch c.Store.Driver {
	case DriverPostgres, DriverMySQL, DriverMongo:
	default:
		return fmt.Errorf("unknown store driver %q (want postgres, mysql or mongo)", c.Store.Driver)
	}

	switch c.Transport.Driver {
	case TransportHTTP, TransportNATS, TransportSQS:
	default:
		return fmt.Errorf("unknown transport driver %q (want http, nats or sqs)", c.Transport.Driver)
	}

	if c.Processing.BatchSize <= 0 {
		c.Processing.BatchSize = 50
	}
	if c.Processing.MaxRetries <= 0 {
		c.Processing.MaxRetries = 5
	}
	if c.Processing.Concurrency <= 0 {
		c.Processing.Concurrency = 4
	}
	if c.Processing.PollInterval <= 0 {
		c.Processing.PollInterval = 5 * time.Second
	}

	// The store enforces the retry ceiling; processing.max_retries is
	// the user-facing knob unless the store sets its own.
	if c.Store.MaxRetries <= 0 {
		c.Store.MaxRetries = c.Processing.MaxRetries
	}

	if c.Leader.Enabled && c.Leader.RedisAddr == "" {
		return fmt.Errorf("leader election enabled but redis_addr is empty")
	}
	return nil
}

// applyEnv overrides config fields from environment variables.
// Only variables that are actually set take effect.
func (c *Config) applyEnv() {
	setEnv("RELAYKIT_SERVICE_NAME", &c.ServiceName)

	setEnv("STORE_DRIVER", &c.Store.Driver)
	setEnv("DATABASE_URL", &c.Store.DSN)
	setEnv("MONGODB_URI", &c.Store.MongoURI)
	setEnv("MONGODB_DATABASE", &c.Store.MongoDatabase)
	setEnv("OUTBOX_TABLE", &c.Store.OutboxTable)
	setEnv("INBOX_TABLE", &c.Store.InboxTable)
	setEnvInt("STORE_MAX_RETRIES", &c.Store.MaxRetries)

	setEnv("TRANSPORT_DRIVER", &c.Transport.Driver)
	setEnvDuration("TRANSPORT_TIMEOUT", &c.Transport.Timeout)
	setEnvMap("RELAYKIT_SERVICES", &c.Transport.Services)
	setEnv("NATS_URL", &c.Transport.NATS.URL)
	setEnv("NATS_SUBJECT_PREFIX", &c.Transport.NATS.SubjectPrefix)
	setEnv("SQS_QUEUE_URL", &c.Transport.SQS.QueueURL)
	setEnv("AWS_REGION", &c.Transport.SQS.Region)
	setEnv("SQS_ENDPOINT", &c.Transport.SQS.Endpoint)

	setEnv("HEADER_MESSAGE_ID", &c.Headers.MessageID)
	setEnv("HEADER_SOURCE_SERVICE", &c.Headers.SourceService)
	setEnv("HEADER_EVENT_TYPE", &c.Headers.EventType)
	setEnv("HEADER_CUSTOM_PREFIX", &c.Headers.CustomPrefix)

	setEnvInt("PROCESSING_BATCH_SIZE", &c.Processing.BatchSize)
	setEnvInt("PROCESSING_MAX_RETRIES", &c.Processing.MaxRetries)
	setEnvInt("PROCESSING_CONCURRENCY", &c.Processing.Concurrency)
	setEnvDuration("PROCESSING_POLL_INTERVAL", &c.Processing.PollInterval)
	setEnvDuration("PROCESSING_RETRY_DELAY", &c.Processing.RetryDelay)
	setEnvDuration("PROCESSING_STUCK_AFTER", &c.Processing.StuckAfter)

	setEnvSlice("INBOX_HANDLERS", &c.Inbox.Handlers)

	setEnvInt("HTTP_PORT", &c.HTTP.Port)
	setEnvSlice("CORS_ORIGINS", &c.HTTP.CORSOrigins)

	setEnv("INGRESS_BEARER_TOKEN", &c.Ingress.BearerToken)
	setEnv("INGRESS_JWT_SECRET", &c.Ingress.JWTSecret)
	setEnvFloat("INGRESS_RATE_PER_SECOND", &c.Ingress.RatePerSecond)
	setEnvInt("INGRESS_RATE_BURST", &c.Ingress.RateBurst)

	setEnvBool("LEADER_ELECTION_ENABLED", &c.Leader.Enabled)
	setEnv("REDIS_ADDR", &c.Leader.RedisAddr)
	setEnv("REDIS_PASSWORD", &c.Leader.RedisPassword)
	setEnv("LEADER_LOCK_NAME", &c.Leader.LockName)
	setEnv("HOSTNAME", &c.Leader.InstanceID)
	setEnvDuration("LEADER_TTL", &c.Leader.TTL)
	setEnvDuration("LEADER_REFRESH_INTERVAL", &c.Leader.RefreshInterval)

	setEnvInt("RETENTION_DAYS", &c.Retention.Days)
	setEnvDuration("RETENTION_INTERVAL", &c.Retention.Interval)
}

func setEnv(key string, dst *string) {
	if value, ok := os.LookupEnv(key); ok {
		*dst = value
	}
}

func setEnvInt(key string, dst *int) {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			*dst = intVal
		}
	}
}

func setEnvFloat(key string, dst *float64) {
	if value, ok := os.LookupEnv(key); ok {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			*dst = floatVal
		}
	}
}

func setEnvBool(key string, dst *bool) {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			*dst = boolVal
		}
	}
}

func setEnvDuration(key string, dst *time.Duration) {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			*dst = duration
		}
	}
}

func setEnvSlice(key string, dst *[]string) {
	if value, ok := os.LookupEnv(key); ok {
		*dst = strings.Split(value, ",")
	}
}

// setEnvMap parses "name=url,name=url" pairs.
func setEnvMap(key string, dst *map[string]string) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		name, url, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || name == "" {
			continue
		}
		parsed[name] = url
	}
	*dst = parsed
}
