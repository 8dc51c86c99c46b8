// Package transport delivers outbox messages to their destination.
// Three drivers exist: http (reference), nats (JetStream) and sqs.
// Publication is synchronous; a non-nil error is the only failure
// signal and moves the row to FAILED.
package transport

import (
	"context"
	"fmt"

	"go.relaykit.dev/internal/store"
)

// Transport publishes outbox messages.
type Transport interface {
	// Publish delivers one message. Must return a non-nil error on any
	// delivery failure; silent success-on-failure corrupts the relay's
	// state machine.
	Publish(ctx context.Context, msg *store.OutboxMessage) error

	// Healthy reports whether the transport can currently deliver
	Healthy(ctx context.Context) bool

	// Name identifies the driver in logs and metrics
	Name() string
}

// ConfigError marks a configuration problem (unknown destination,
// missing queue URL). The affected row fails immediately; there is
// nothing to retry until the configuration changes.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "transport configuration error: " + e.Reason
}

// Reserved header names on the wire. Row headers never override these.
const (
	HeaderMessageID     = "X-Message-Id"
	HeaderSourceService = "X-Source-Service"
	HeaderEventType     = "X-Event-Type"
)

// Options carries the per-driver settings consumed by New.
type Options struct {
	// SourceService is the local service identity (X-Source-Service)
	SourceService string

	// HTTP driver
	HTTP HTTPOptions

	// NATS driver
	NATS NATSOptions

	// SQS driver
	SQS SQSOptions
}

// New constructs the transport for the configured driver. An unknown
// driver is a startup error, never a silent fallback.
func New(ctx context.Context, driver string, opts Options) (Transport, error) {
	switch driver {
	case "http":
		return NewHTTPTransport(opts.SourceService, opts.HTTP), nil
	case "nats":
		return NewNATSTransport(opts.SourceService, opts.NATS)
	case "sqs":
		return NewSQSTransport(ctx, opts.SourceService, opts.SQS)
	default:
		return nil, fmt.Errorf("unknown transport driver %q (expected http, nats or sqs)", driver)
	}
}
