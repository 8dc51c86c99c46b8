// Package relay drains the outbox. One logical pass claims PENDING rows
// one at a time, publishes each claimed row through the transport, and
// records the outcome. Any number of relay processes can run against the
// same table: exclusivity comes from the store's claim operation, not
// from in-process coordination.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/store"
	"go.relaykit.dev/internal/transport"
)

// Stats aggregates the outcome of one batch pass. Per-row errors are
// contained in the counters; a batch only returns an error when the
// store itself is unavailable.
type Stats struct {
	// Published rows reached PUBLISHED
	Published int

	// Failed rows moved to FAILED (or could not be retried)
	Failed int

	// Skipped rows were claimed by another worker or already advanced
	Skipped int

	// Retried rows were reset from FAILED and republished
	Retried int
}

// Config tunes one relay instance.
type Config struct {
	// BatchSize is the default claim batch size (default: 50)
	BatchSize int

	// Concurrency bounds the in-process workers over one batch
	// (default: 4). Correctness comes from per-row claims; this only
	// controls parallelism.
	Concurrency int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:   50,
		Concurrency: 4,
	}
}

// Relay publishes claimed outbox rows through a transport.
type Relay struct {
	outbox    store.OutboxRepository
	transport transport.Transport
	config    *Config
}

// New creates a relay.
func New(outbox store.OutboxRepository, tr transport.Transport, config *Config) *Relay {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Relay{outbox: outbox, transport: tr, config: config}
}

// ProcessAll runs one batch pass over all destinations.
func (r *Relay) ProcessAll(ctx context.Context, limit int) (Stats, error) {
	return r.processBatch(ctx, "", limit)
}

// ProcessForDestination runs one batch pass restricted to one destination.
func (r *Relay) ProcessForDestination(ctx context.Context, destination string, limit int) (Stats, error) {
	return r.processBatch(ctx, destination, limit)
}

func (r *Relay) processBatch(ctx context.Context, destination string, limit int) (Stats, error) {
	start := time.Now()
	defer func() {
		metrics.RelayBatchDuration.Observe(time.Since(start).Seconds())
	}()

	if limit <= 0 {
		limit = r.config.BatchSize
	}

	candidates, err := r.outbox.FetchPending(ctx, destination, limit)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	r.forEach(ctx, candidates, &stats, func(ctx context.Context, msg *store.OutboxMessage, stats *Stats) {
		claimed, err := r.outbox.Claim(ctx, msg.ID)
		if err != nil {
			slog.Error("Claim failed", "messageId", msg.MessageID, "error", err)
			stats.Failed++
			return
		}
		if !claimed {
			// Another worker owns the row or it already advanced
			stats.Skipped++
			return
		}

		if r.publishClaimed(ctx, msg) {
			stats.Published++
		} else {
			stats.Failed++
		}
	})

	if stats.Published > 0 || stats.Failed > 0 {
		slog.Info("Outbox batch complete",
			"published", stats.Published,
			"failed", stats.Failed,
			"skipped", stats.Skipped)
	}
	return stats, nil
}

// RetryFailed resets FAILED rows below the retry ceiling back to PENDING
// and republishes them. A row that cannot be reset or re-claimed counts
// as failed: another retry already owns it.
func (r *Relay) RetryFailed(ctx context.Context, destination string, limit int) (Stats, error) {
	if limit <= 0 {
		limit = r.config.BatchSize
	}

	candidates, err := r.outbox.FetchFailed(ctx, destination, limit)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	r.forEach(ctx, candidates, &stats, func(ctx context.Context, msg *store.OutboxMessage, stats *Stats) {
		reset, err := r.outbox.ResetFailed(ctx, msg.ID)
		if err != nil {
			slog.Error("Retry reset failed", "messageId", msg.MessageID, "error", err)
			stats.Failed++
			return
		}
		if !reset {
			stats.Failed++
			return
		}
		metrics.RelayRetries.Inc()

		claimed, err := r.outbox.Claim(ctx, msg.ID)
		if err != nil || !claimed {
			stats.Failed++
			return
		}

		if r.publishClaimed(ctx, msg) {
			stats.Retried++
		} else {
			stats.Failed++
		}
	})

	slog.Info("Outbox retry pass complete", "retried", stats.Retried, "failed", stats.Failed)
	return stats, nil
}

// publishClaimed delivers one PROCESSING row and records the outcome.
// The claim transaction is already committed: the transport call never
// runs under an open DB transaction.
func (r *Relay) publishClaimed(ctx context.Context, msg *store.OutboxMessage) bool {
	start := time.Now()
	err := r.transport.Publish(ctx, msg)
	metrics.RelayPublishDuration.WithLabelValues(msg.DestinationService).Observe(time.Since(start).Seconds())

	if err != nil {
		slog.Warn("Publish failed",
			"messageId", msg.MessageID,
			"destination", msg.DestinationService,
			"eventType", msg.EventType,
			"retryCount", msg.RetryCount,
			"error", err)
		metrics.RelayMessagesProcessed.WithLabelValues(msg.DestinationService, "failed").Inc()

		if markErr := r.outbox.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
			slog.Error("Mark failed errored", "messageId", msg.MessageID, "error", markErr)
		}
		return false
	}

	if err := r.outbox.MarkPublished(ctx, msg.ID); err != nil {
		// The publish happened; a failed mark leaves the row PROCESSING
		// for the visibility-timeout pass. At-least-once stands.
		slog.Error("Mark published errored", "messageId", msg.MessageID, "error", err)
		return false
	}

	metrics.RelayMessagesProcessed.WithLabelValues(msg.DestinationService, "published").Inc()
	return true
}

// ReleaseStuck resets PROCESSING rows with claims older than olderThan
// back to PENDING. Crash recovery; retry_count is untouched.
func (r *Relay) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	released, err := r.outbox.ReleaseStuck(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		slog.Warn("Released stuck outbox messages", "count", released, "olderThan", olderThan)
		metrics.RelayStuckReleased.WithLabelValues("outbox").Add(float64(released))
	}
	return released, nil
}

// forEach runs fn over the candidates with bounded concurrency. Honors
// ctx cancellation between rows: in-flight rows finish, the rest are
// left untouched and the caller returns partial stats.
func (r *Relay) forEach(ctx context.Context, candidates []*store.OutboxMessage, stats *Stats, fn func(context.Context, *store.OutboxMessage, *Stats)) {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, r.config.Concurrency)
	)

	for _, msg := range candidates {
		if ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(msg *store.OutboxMessage) {
			defer wg.Done()
			defer func() { <-sem }()

			var local Stats
			fn(ctx, msg, &local)

			mu.Lock()
			stats.Published += local.Published
			stats.Failed += local.Failed
			stats.Skipped += local.Skipped
			stats.Retried += local.Retried
			mu.Unlock()
		}(msg)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Batch deadline expired, returning partial stats")
	}
}
