package main

import (
	"testing"
	"time"

	"go.relaykit.dev/internal/config"
	"go.relaykit.dev/internal/transport"
)

func TestTransportOptionsKeepCircuitBreakerArmed(t *testing.T) {
	cfg := config.Default()
	cfg.ServiceName = "orders"
	cfg.Transport.Services = map[string]string{"billing": "http://billing:8080"}
	cfg.Transport.Timeout = 10 * time.Second

	opts := transportOptions(cfg)

	if !opts.HTTP.CircuitBreakerEnabled {
		t.Error("HTTP circuit breaker must be enabled")
	}
	defaults := transport.DefaultHTTPOptions()
	if opts.HTTP.CircuitBreakerMinRequests != defaults.CircuitBreakerMinRequests ||
		opts.HTTP.CircuitBreakerRatio != defaults.CircuitBreakerRatio {
		t.Errorf("breaker settings must come from driver defaults, got %+v", opts.HTTP)
	}

	if opts.SourceService != "orders" {
		t.Errorf("source service = %q", opts.SourceService)
	}
	if opts.HTTP.Services["billing"] != "http://billing:8080" {
		t.Errorf("services not carried over: %v", opts.HTTP.Services)
	}
	if opts.HTTP.Timeout != 10*time.Second {
		t.Errorf("configured timeout must win, got %v", opts.HTTP.Timeout)
	}
}
