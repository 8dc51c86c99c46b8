package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.relaykit.dev/internal/common/repository"
)

var (
	// ErrNotFound is returned when a row does not exist. Wraps the
	// repository sentinel so instrumentation classifies it.
	ErrNotFound = fmt.Errorf("message not found: %w", repository.ErrNotFound)

	// ErrDuplicate is returned on a message_id uniqueness violation.
	// Wraps the repository sentinel so instrumentation classifies it.
	ErrDuplicate = fmt.Errorf("duplicate message id: %w", repository.ErrDuplicateKey)

	// ErrNoTransaction is returned when an operation requires a transaction
	ErrNoTransaction = errors.New("operation requires a transaction")
)

// Tx is a storage transaction handle passed through the transactional
// producer into business callbacks.
type Tx interface {
	// SQL returns the underlying *sql.Tx for relational stores, nil otherwise.
	SQL() *sql.Tx

	// Context returns a context bound to the transaction. For MongoDB this
	// is the session context; relational stores return the caller context.
	Context() context.Context
}

// ClaimOutcome is the result of a claim-and-process attempt on one row.
type ClaimOutcome int

const (
	// ClaimMissed - another worker owns the row or it already advanced
	ClaimMissed ClaimOutcome = iota

	// ClaimProcessed - the row reached its success state
	ClaimProcessed

	// ClaimFailed - the handler failed; the row was marked FAILED
	ClaimFailed
)

// OutboxRepository owns the outbox table. Claim grants a worker exclusive
// ownership of one PENDING row for a single publish attempt.
type OutboxRepository interface {
	// Append inserts a PENDING row inside the caller's transaction.
	// A nil tx appends outside any transaction (auto-commit).
	Append(ctx context.Context, tx Tx, msg *OutboxMessage) error

	// FetchPending returns PENDING rows below the retry ceiling, oldest
	// first. An empty destination selects all destinations. The returned
	// rows are candidates only; ownership requires Claim.
	FetchPending(ctx context.Context, destination string, limit int) ([]*OutboxMessage, error)

	// Claim transitions one PENDING row to PROCESSING under a row lock.
	// Returns false when the row is owned elsewhere or already advanced.
	Claim(ctx context.Context, id int64) (bool, error)

	// MarkPublished moves a PROCESSING row to its terminal PUBLISHED state.
	MarkPublished(ctx context.Context, id int64) error

	// MarkFailed moves a PROCESSING row to FAILED and increments retry_count.
	MarkFailed(ctx context.Context, id int64, lastError string) error

	// FetchFailed returns FAILED rows below the retry ceiling, oldest first.
	FetchFailed(ctx context.Context, destination string, limit int) ([]*OutboxMessage, error)

	// ResetFailed flips one FAILED row below the retry ceiling back to
	// PENDING. Returns false when the row is no longer FAILED.
	ResetFailed(ctx context.Context, id int64) (bool, error)

	// ReleaseStuck resets PROCESSING rows whose claim is older than the
	// given age back to PENDING without touching retry_count.
	ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error)

	// DeletePublishedBefore purges terminal PUBLISHED rows older than cutoff.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CountByStatus returns per-status row counts (for metrics).
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// GetByMessageID fetches one row by its global identifier.
	GetByMessageID(ctx context.Context, messageID string) (*OutboxMessage, error)
}

// InboxRepository owns the inbox table.
type InboxRepository interface {
	// Admit inserts a PENDING row. Returns false without inserting when a
	// row with the same message_id already exists. The UNIQUE constraint
	// is the authority; concurrent admissions of one message_id yield
	// exactly one true.
	Admit(ctx context.Context, msg *InboxMessage) (bool, error)

	// FetchByStatus returns rows in the given status below the retry
	// ceiling, oldest first.
	FetchByStatus(ctx context.Context, status Status, limit int) ([]*InboxMessage, error)

	// ProcessClaimed claims one row currently in the from status, invokes
	// fn on it within the claim transaction, and marks the row PROCESSED
	// or FAILED depending on fn's error. The handler runs under the given
	// timeout. A non-nil error with ClaimFailed is the handler's error;
	// with ClaimMissed it is an infrastructure error.
	ProcessClaimed(ctx context.Context, id int64, from Status, timeout time.Duration,
		fn func(ctx context.Context, msg *InboxMessage) error) (ClaimOutcome, error)

	// ReleaseStuck resets PROCESSING rows with stale claims back to PENDING.
	ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error)

	// DeleteProcessedBefore purges terminal PROCESSED rows older than cutoff.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CountByStatus returns per-status row counts (for metrics).
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// GetByMessageID fetches one row by its global identifier.
	GetByMessageID(ctx context.Context, messageID string) (*InboxMessage, error)
}

// Store is a complete message store: both repositories plus the
// transactional entrypoint used by the producer.
type Store interface {
	Outbox() OutboxRepository
	Inbox() InboxRepository

	// InTx runs fn inside one storage transaction. fn returning an error
	// rolls the whole unit back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// CreateSchema creates tables/collections and indexes if missing.
	CreateSchema(ctx context.Context) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config holds table names and the retry ceiling shared by all backends.
type Config struct {
	// OutboxTable is the outbox table/collection name
	OutboxTable string

	// InboxTable is the inbox table/collection name
	InboxTable string

	// MaxRetries is the retry ceiling; rows at or above it are excluded
	// from the batch entrypoints
	MaxRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OutboxTable: "outbox_messages",
		InboxTable:  "inbox_messages",
		MaxRetries:  5,
	}
}
