// Package store defines the durable outbox and inbox rows and the
// repositories that own them. Rows advance through a status-driven
// lifecycle; workers take exclusive ownership of one row at a time via
// the repository claim operations, so any number of worker processes can
// share the same tables.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the processing state of an outbox or inbox row.
type Status string

const (
	// StatusPending - row is waiting to be picked up by a worker
	StatusPending Status = "PENDING"

	// StatusProcessing - a worker holds the claim on this row
	StatusProcessing Status = "PROCESSING"

	// StatusPublished - outbox row was delivered by the transport (terminal)
	StatusPublished Status = "PUBLISHED"

	// StatusProcessed - inbox row was handled successfully (terminal)
	StatusProcessed Status = "PROCESSED"

	// StatusFailed - last attempt failed; eligible for retry below the ceiling
	StatusFailed Status = "FAILED"
)

// Terminal returns true for states that never transition again.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusProcessed
}

// DefaultTopic is the destination topic used when a row does not set one.
const DefaultTopic = "events"

// OutboxMessage is one row of the outbox table. Payload and Headers are
// immutable after creation; only status, retry bookkeeping and the
// claim/publish timestamps change.
type OutboxMessage struct {
	// ID is the monotone local key (autoincrement on SQL, TSID on Mongo)
	ID int64 `bson:"_id" json:"id"`

	// MessageID is the globally unique identifier (UUID v7)
	MessageID string `bson:"messageId" json:"messageId"`

	// AggregateType and AggregateID correlate the event to a domain entity
	AggregateType string `bson:"aggregateType" json:"aggregateType"`
	AggregateID   string `bson:"aggregateId" json:"aggregateId"`

	// EventType is the semantic name of the event
	EventType string `bson:"eventType" json:"eventType"`

	// DestinationService is the logical target resolved by the transport
	DestinationService string `bson:"destinationService" json:"destinationService"`

	// DestinationTopic optionally overrides the default topic/sub-path
	DestinationTopic string `bson:"destinationTopic,omitempty" json:"destinationTopic,omitempty"`

	// Payload is the opaque JSON body shipped to the destination
	Payload json.RawMessage `bson:"payload" json:"payload"`

	// Headers are merged into the transport headers after the reserved ones
	Headers map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`

	Status     Status `bson:"status" json:"status"`
	RetryCount int    `bson:"retryCount" json:"retryCount"`

	// LastError holds the failure reason of the most recent attempt
	LastError string `bson:"lastError,omitempty" json:"lastError,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`

	// ProcessesAt is the time of the most recent claim
	ProcessesAt *time.Time `bson:"processesAt,omitempty" json:"processesAt,omitempty"`

	// PublishedAt is set once the transport confirmed delivery
	PublishedAt *time.Time `bson:"publishedAt,omitempty" json:"publishedAt,omitempty"`
}

// Topic returns the destination topic, falling back to DefaultTopic.
func (m *OutboxMessage) Topic() string {
	if m.DestinationTopic == "" {
		return DefaultTopic
	}
	return m.DestinationTopic
}

// InboxMessage is one row of the inbox table. MessageID carries a hard
// UNIQUE constraint; it is the idempotency key for admission.
type InboxMessage struct {
	ID        int64  `bson:"_id" json:"id"`
	MessageID string `bson:"messageId" json:"messageId"`

	// SourceService is the logical name of the sending service
	SourceService string `bson:"sourceService" json:"sourceService"`

	EventType string            `bson:"eventType" json:"eventType"`
	Payload   json.RawMessage   `bson:"payload" json:"payload"`
	Headers   map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`

	Status     Status `bson:"status" json:"status"`
	RetryCount int    `bson:"retryCount" json:"retryCount"`
	LastError  string `bson:"lastError,omitempty" json:"lastError,omitempty"`

	ReceivedAt  time.Time  `bson:"receivedAt" json:"receivedAt"`
	ProcessesAt *time.Time `bson:"processesAt,omitempty" json:"processesAt,omitempty"`
}

// NewMessageID generates a UUID v7 message identifier. V7 keeps lexical
// order close to creation order, which makes message_id a usable
// secondary index.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// crypto/rand exhaustion; fall back to v4 rather than failing the append
		return uuid.NewString()
	}
	return id.String()
}
