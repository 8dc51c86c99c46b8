// Package retention purges terminal rows past their retention window.
// FAILED rows are never deleted: they carry the evidence an operator
// needs.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/store"
)

// Scope selects which tables a cleanup run touches.
type Scope string

const (
	ScopeOutbox Scope = "outbox"
	ScopeInbox  Scope = "inbox"
	ScopeBoth   Scope = "both"
)

// ParseScope validates a scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeOutbox, ScopeInbox, ScopeBoth:
		return Scope(s), nil
	default:
		return "", fmt.Errorf("unknown cleanup scope %q (expected outbox, inbox or both)", s)
	}
}

// Cleaner deletes terminal rows older than the retention window.
type Cleaner struct {
	outbox store.OutboxRepository
	inbox  store.InboxRepository
}

// NewCleaner creates a cleaner.
func NewCleaner(outbox store.OutboxRepository, inbox store.InboxRepository) *Cleaner {
	return &Cleaner{outbox: outbox, inbox: inbox}
}

// Result holds per-table deletion counts.
type Result struct {
	Outbox int64
	Inbox  int64
}

// Total returns the combined deletion count.
func (r Result) Total() int64 { return r.Outbox + r.Inbox }

// Run deletes PUBLISHED outbox rows and PROCESSED inbox rows older than
// days. Non-terminal and FAILED rows are never touched.
func (c *Cleaner) Run(ctx context.Context, days int, scope Scope) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.RetentionRunDuration.Observe(time.Since(start).Seconds())
	}()

	if days <= 0 {
		return Result{}, fmt.Errorf("retention days must be positive, got %d", days)
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	var result Result

	if scope == ScopeOutbox || scope == ScopeBoth {
		deleted, err := c.outbox.DeletePublishedBefore(ctx, cutoff)
		if err != nil {
			return result, fmt.Errorf("cleanup outbox: %w", err)
		}
		result.Outbox = deleted
		metrics.RetentionDeleted.WithLabelValues("outbox").Add(float64(deleted))
	}

	if scope == ScopeInbox || scope == ScopeBoth {
		deleted, err := c.inbox.DeleteProcessedBefore(ctx, cutoff)
		if err != nil {
			return result, fmt.Errorf("cleanup inbox: %w", err)
		}
		result.Inbox = deleted
		metrics.RetentionDeleted.WithLabelValues("inbox").Add(float64(deleted))
	}

	slog.Info("Retention cleanup complete",
		"scope", scope,
		"days", days,
		"outboxDeleted", result.Outbox,
		"inboxDeleted", result.Inbox)
	return result, nil
}
