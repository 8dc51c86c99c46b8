// Package inbox admits inbound messages idempotently and dispatches
// them to registered handlers. Admission and dispatch are symmetric to
// the outbox side: the UNIQUE message_id constraint is the idempotency
// authority, the claim protocol is the concurrency authority.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/store"
)

// Admission describes one inbound message.
type Admission struct {
	// MessageID is the sender's global identifier (required)
	MessageID string

	// SourceService is the logical name of the sender (required)
	SourceService string

	// EventType routes the message to a handler (required)
	EventType string

	// Payload is the opaque event body
	Payload json.RawMessage

	// Headers are captured transport headers
	Headers map[string]string
}

// Admitter writes inbound messages into the inbox exactly once per
// message_id.
type Admitter struct {
	inbox store.InboxRepository
}

// NewAdmitter creates an admitter.
func NewAdmitter(inbox store.InboxRepository) *Admitter {
	return &Admitter{inbox: inbox}
}

// Admit inserts one PENDING inbox row. Returns (row, false, nil) when a
// row with the same message_id already exists; the duplicate is a normal
// signal, not an error. Two concurrent admissions of one message_id
// yield exactly one admitted=true.
func (a *Admitter) Admit(ctx context.Context, adm Admission) (*store.InboxMessage, bool, error) {
	if adm.MessageID == "" {
		return nil, false, fmt.Errorf("admission has no message id")
	}
	if adm.SourceService == "" {
		return nil, false, fmt.Errorf("admission %q has no source service", adm.MessageID)
	}
	if adm.EventType == "" {
		return nil, false, fmt.Errorf("admission %q has no event type", adm.MessageID)
	}

	payload := adm.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	msg := &store.InboxMessage{
		MessageID:     adm.MessageID,
		SourceService: adm.SourceService,
		EventType:     adm.EventType,
		Payload:       payload,
		Headers:       adm.Headers,
		Status:        store.StatusPending,
	}

	admitted, err := a.inbox.Admit(ctx, msg)
	if err != nil {
		return nil, false, fmt.Errorf("admit message %q: %w", adm.MessageID, err)
	}

	if !admitted {
		metrics.InboxAdmitted.WithLabelValues(adm.SourceService, "duplicate").Inc()
		slog.Debug("Duplicate admission",
			"messageId", adm.MessageID,
			"source", adm.SourceService)
		return msg, false, nil
	}

	metrics.InboxAdmitted.WithLabelValues(adm.SourceService, "admitted").Inc()
	slog.Debug("Admitted inbox message",
		"messageId", adm.MessageID,
		"source", adm.SourceService,
		"eventType", adm.EventType)
	return msg, true, nil
}
