// Package producer appends outbox messages atomically with business
// state. The producer is deliberately thin: the guarantee is the shared
// transaction, not the API surface.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.relaykit.dev/internal/store"
)

// Event describes one outbox message to append. Payload may be any
// JSON-marshalable value; json.RawMessage and []byte pass through as-is.
type Event struct {
	// DestinationService is the logical target service (required)
	DestinationService string

	// DestinationTopic optionally overrides the default topic
	DestinationTopic string

	// EventType is the semantic event name (required)
	EventType string

	// AggregateType and AggregateID correlate the event to a domain entity
	AggregateType string
	AggregateID   string

	// Payload is the event body
	Payload any

	// Headers are extra transport headers carried on the row
	Headers map[string]string

	// MessageID is generated (UUID v7) when empty
	MessageID string
}

// Producer writes outbox messages through the message store.
type Producer struct {
	store store.Store
}

// New creates a producer on the given store.
func New(s store.Store) *Producer {
	return &Producer{store: s}
}

// Append inserts one PENDING outbox row. It does not open a transaction:
// it joins whatever transactional context the caller established via tx.
// A nil tx appends outside any transaction.
func (p *Producer) Append(ctx context.Context, tx store.Tx, event Event) (*store.OutboxMessage, error) {
	msg, err := event.toMessage()
	if err != nil {
		return nil, err
	}

	if err := p.store.Outbox().Append(ctx, tx, msg); err != nil {
		return nil, fmt.Errorf("append outbox message: %w", err)
	}

	slog.Debug("Appended outbox message",
		"messageId", msg.MessageID,
		"destination", msg.DestinationService,
		"eventType", msg.EventType)

	return msg, nil
}

// ExecuteAndAppend runs biz and appends one outbox row under a single
// transaction. If biz or the append fails, the whole unit rolls back and
// the caller observes the original error. Returns biz's result.
func ExecuteAndAppend[T any](ctx context.Context, p *Producer, biz func(tx store.Tx) (T, error), event Event) (T, error) {
	return ExecuteAndAppendMany(ctx, p, biz, []Event{event})
}

// ExecuteAndAppendMany is ExecuteAndAppend with N appends, all under one
// transaction. Any failure rolls back all rows and the business state.
func ExecuteAndAppendMany[T any](ctx context.Context, p *Producer, biz func(tx store.Tx) (T, error), events []Event) (T, error) {
	var result T

	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		result, err = biz(tx)
		if err != nil {
			return err
		}

		for i := range events {
			if _, err := p.Append(ctx, tx, events[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return result, nil
}

func (e Event) toMessage() (*store.OutboxMessage, error) {
	if e.DestinationService == "" {
		return nil, fmt.Errorf("event %q has no destination service", e.EventType)
	}
	if e.EventType == "" {
		return nil, fmt.Errorf("event for %q has no event type", e.DestinationService)
	}

	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %q: %w", e.EventType, err)
	}

	return &store.OutboxMessage{
		MessageID:          e.MessageID,
		AggregateType:      e.AggregateType,
		AggregateID:        e.AggregateID,
		EventType:          e.EventType,
		DestinationService: e.DestinationService,
		DestinationTopic:   e.DestinationTopic,
		Payload:            payload,
		Headers:            e.Headers,
		Status:             store.StatusPending,
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(data), nil
	}
}
