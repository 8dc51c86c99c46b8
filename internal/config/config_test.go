package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != DriverPostgres {
		t.Errorf("default store driver = %q", cfg.Store.Driver)
	}
	if cfg.Transport.Driver != TransportHTTP {
		t.Errorf("default transport driver = %q", cfg.Transport.Driver)
	}
	if cfg.Store.OutboxTable != "outbox_messages" || cfg.Store.InboxTable != "inbox_messages" {
		t.Errorf("default tables = %q / %q", cfg.Store.OutboxTable, cfg.Store.InboxTable)
	}
	if cfg.Processing.MaxRetries != 5 {
		t.Errorf("default max retries = %d", cfg.Processing.MaxRetries)
	}
	if cfg.Headers.MessageID != "X-Message-Id" {
		t.Errorf("default message id header = %q", cfg.Headers.MessageID)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mysql")
	t.Setenv("PROCESSING_BATCH_SIZE", "200")
	t.Setenv("PROCESSING_POLL_INTERVAL", "10s")
	t.Setenv("RELAYKIT_SERVICES", "billing=http://billing:8080,audit=http://audit:8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != DriverMySQL {
		t.Errorf("store driver = %q", cfg.Store.Driver)
	}
	if cfg.Processing.BatchSize != 200 {
		t.Errorf("batch size = %d", cfg.Processing.BatchSize)
	}
	if cfg.Processing.PollInterval != 10*time.Second {
		t.Errorf("poll interval = %v", cfg.Processing.PollInterval)
	}
	if cfg.Transport.Services["billing"] != "http://billing:8080" {
		t.Errorf("services map = %v", cfg.Transport.Services)
	}
}

func TestProcessingMaxRetriesGovernsStore(t *testing.T) {
	t.Setenv("PROCESSING_MAX_RETRIES", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.MaxRetries != 3 {
		t.Errorf("store ceiling must follow processing.max_retries, got %d", cfg.Store.MaxRetries)
	}

	// An explicit store-level ceiling wins
	t.Setenv("STORE_MAX_RETRIES", "7")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.MaxRetries != 7 {
		t.Errorf("explicit store ceiling must win, got %d", cfg.Store.MaxRetries)
	}
}

func TestUnknownDriversRejected(t *testing.T) {
	t.Setenv("STORE_DRIVER", "oracle")
	if _, err := Load(); err == nil {
		t.Error("unknown store driver must be rejected")
	}

	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("TRANSPORT_DRIVER", "kafka")
	if _, err := Load(); err == nil {
		t.Error("unknown transport driver must be rejected")
	}
}

func TestValidateCoercesProcessing(t *testing.T) {
	cfg := Default()
	cfg.Processing.BatchSize = -1
	cfg.Processing.Concurrency = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Processing.BatchSize != 50 || cfg.Processing.Concurrency != 4 {
		t.Errorf("coerced processing = %+v", cfg.Processing)
	}
}

func TestLeaderRequiresRedisAddr(t *testing.T) {
	cfg := Default()
	cfg.Leader.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("leader election without redis_addr must be rejected")
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
service_name = "orders"

[services]
billing = "http://billing.internal"

[store]
driver = "mongo"
mongo_database = "orders"

[transport]
driver = "nats"

[transport.nats]
url = "nats://broker:4222"
subject_prefix = "orders."

[headers]
message_id = "X-Msg-Ref"

[processing]
batch_size = 25
poll_interval = "2s"

[ingress]
bearer_token = "hook-secret"
rate_per_second = 10.0
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "orders" {
		t.Errorf("service name = %q", cfg.ServiceName)
	}
	if cfg.Store.Driver != DriverMongo || cfg.Store.MongoDatabase != "orders" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Transport.Driver != TransportNATS || cfg.Transport.NATS.SubjectPrefix != "orders." {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.Transport.Services["billing"] != "http://billing.internal" {
		t.Errorf("services = %v", cfg.Transport.Services)
	}
	if cfg.Headers.MessageID != "X-Msg-Ref" {
		t.Errorf("header = %q", cfg.Headers.MessageID)
	}
	if cfg.Processing.BatchSize != 25 || cfg.Processing.PollInterval != 2*time.Second {
		t.Errorf("processing = %+v", cfg.Processing)
	}
	if cfg.Ingress.BearerToken != "hook-secret" || cfg.Ingress.RatePerSecond != 10.0 {
		t.Errorf("ingress = %+v", cfg.Ingress)
	}
	// Untouched keys keep their defaults
	if cfg.Store.InboxTable != "inbox_messages" {
		t.Errorf("inbox table default lost: %q", cfg.Store.InboxTable)
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	content := `
[store]
driver = "mysql"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAYKIT_CONFIG", path)
	t.Setenv("STORE_DRIVER", "postgres")

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != DriverPostgres {
		t.Errorf("env must win over file, got %q", cfg.Store.Driver)
	}
}
