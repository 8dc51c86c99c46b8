package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/store"
)

// NATSOptions configures the NATS transport
type NATSOptions struct {
	// URL is the NATS server URL
	URL string

	// SubjectPrefix is prepended to the destination topic (optional)
	SubjectPrefix string
}

// NATSTransport publishes outbox messages to NATS JetStream. The
// message_id rides in the Nats-Msg-Id header, so JetStream's dedup
// window absorbs relay redeliveries.
type NATSTransport struct {
	conn          *nats.Conn
	js            jetstream.JetStream
	sourceService string
	subjectPrefix string
}

// NewNATSTransport connects to NATS and creates a JetStream context.
func NewNATSTransport(sourceService string, opts NATSOptions) (*NATSTransport, error) {
	if opts.URL == "" {
		return nil, &ConfigError{Reason: "nats transport requires a server URL"}
	}

	conn, err := nats.Connect(opts.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	slog.Info("NATS transport connected", "url", opts.URL)

	return &NATSTransport{
		conn:          conn,
		js:            js,
		sourceService: sourceService,
		subjectPrefix: opts.SubjectPrefix,
	}, nil
}

func (t *NATSTransport) Name() string { return "nats" }

func (t *NATSTransport) Publish(ctx context.Context, msg *store.OutboxMessage) error {
	subject := msg.Topic()
	if t.subjectPrefix != "" {
		subject = t.subjectPrefix + "." + subject
	}

	m := &nats.Msg{
		Subject: subject,
		Data:    msg.Payload,
		Header:  make(nats.Header),
	}
	// JetStream dedups on Nats-Msg-Id within the stream's dedup window
	m.Header.Set("Nats-Msg-Id", msg.MessageID)
	m.Header.Set(HeaderMessageID, msg.MessageID)
	m.Header.Set(HeaderSourceService, t.sourceService)
	m.Header.Set(HeaderEventType, msg.EventType)
	for name, value := range msg.Headers {
		if m.Header.Get(name) != "" {
			continue
		}
		m.Header.Set(name, value)
	}

	if _, err := t.js.PublishMsg(ctx, m); err != nil {
		metrics.TransportPublishes.WithLabelValues("nats", "error").Inc()
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	metrics.TransportPublishes.WithLabelValues("nats", "success").Inc()
	return nil
}

func (t *NATSTransport) Healthy(ctx context.Context) bool {
	return t.conn.IsConnected()
}

// Close drains the connection.
func (t *NATSTransport) Close() error {
	return t.conn.Drain()
}
