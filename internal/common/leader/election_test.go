package leader

import (
	"context"
	"testing"
)

func TestNoopElectorIsAlwaysPrimary(t *testing.T) {
	elector := NewNoopElector("worker-1")

	if err := elector.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer elector.Stop()

	if !elector.IsPrimary() {
		t.Error("noop elector should always be primary")
	}
	if elector.InstanceID() != "worker-1" {
		t.Errorf("expected worker-1, got %s", elector.InstanceID())
	}
}

func TestDefaultRedisElectorConfig(t *testing.T) {
	config := DefaultRedisElectorConfig("relaykit-relay-leader")

	if config.InstanceID == "" {
		t.Error("instance ID should never be empty")
	}
	if config.LockName != "relaykit-relay-leader" {
		t.Errorf("unexpected lock name %s", config.LockName)
	}
	if config.TTL <= config.RefreshInterval {
		t.Error("TTL must exceed the refresh interval or leadership flaps")
	}
}
