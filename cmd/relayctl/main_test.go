package main

import (
	"testing"

	"go.relaykit.dev/internal/config"
)

func TestTransportOptionsKeepCircuitBreakerArmed(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Services = map[string]string{"billing": "http://billing:8080"}

	opts := transportOptions(cfg)

	if !opts.HTTP.CircuitBreakerEnabled {
		t.Error("HTTP circuit breaker must be enabled")
	}
	if opts.HTTP.CircuitBreakerMinRequests == 0 {
		t.Error("breaker settings must come from driver defaults")
	}
	if opts.HTTP.Services["billing"] != "http://billing:8080" {
		t.Errorf("services not carried over: %v", opts.HTTP.Services)
	}
}
