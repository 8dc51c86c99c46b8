package inbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/store"
)

// Stats aggregates one dispatch pass. Claim misses are benign and not
// counted: another worker owns the row.
type Stats struct {
	// Processed rows reached PROCESSED
	Processed int

	// Failed rows moved to FAILED
	Failed int

	// NoHandler rows had no registered handler and stay PENDING
	NoHandler int

	// Retried rows were FAILED and reached PROCESSED on this pass
	Retried int
}

// Config tunes one dispatcher instance.
type Config struct {
	// BatchSize is the default batch size (default: 50)
	BatchSize int

	// Concurrency bounds the in-process workers over one batch (default: 4)
	Concurrency int

	// HandlerTimeout bounds one handler invocation and, on SQL backends,
	// the claim transaction it runs in (default: 30s)
	HandlerTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      50,
		Concurrency:    4,
		HandlerTimeout: 30 * time.Second,
	}
}

// Dispatcher drains the inbox to registered handlers. The handler lookup
// is the inbox's "transport": unknown event types leave the row PENDING
// so a handler can be deployed later.
type Dispatcher struct {
	inbox    store.InboxRepository
	registry *Registry
	config   *Config
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(inbox store.InboxRepository, registry *Registry, config *Config) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = 30 * time.Second
	}
	return &Dispatcher{inbox: inbox, registry: registry, config: config}
}

// ProcessAll runs one dispatch pass over PENDING rows.
func (d *Dispatcher) ProcessAll(ctx context.Context, limit int) (Stats, error) {
	if limit <= 0 {
		limit = d.config.BatchSize
	}

	candidates, err := d.inbox.FetchByStatus(ctx, store.StatusPending, limit)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	d.forEach(ctx, candidates, &stats, func(ctx context.Context, msg *store.InboxMessage, stats *Stats) {
		handler, ok := d.registry.Lookup(msg.EventType)
		if !ok {
			// No side effects: the row stays PENDING for a future handler
			stats.NoHandler++
			metrics.InboxMessagesProcessed.WithLabelValues(msg.EventType, "no_handler").Inc()
			return
		}

		switch d.dispatch(ctx, msg, store.StatusPending, handler) {
		case store.ClaimProcessed:
			stats.Processed++
		case store.ClaimFailed:
			stats.Failed++
		}
	})

	if stats.Processed > 0 || stats.Failed > 0 || stats.NoHandler > 0 {
		slog.Info("Inbox batch complete",
			"processed", stats.Processed,
			"failed", stats.Failed,
			"noHandler", stats.NoHandler)
	}
	return stats, nil
}

// RetryFailed re-dispatches FAILED rows below the retry ceiling. The
// claim predicate is status = FAILED; no separate reset step is needed.
func (d *Dispatcher) RetryFailed(ctx context.Context, limit int) (Stats, error) {
	if limit <= 0 {
		limit = d.config.BatchSize
	}

	candidates, err := d.inbox.FetchByStatus(ctx, store.StatusFailed, limit)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	d.forEach(ctx, candidates, &stats, func(ctx context.Context, msg *store.InboxMessage, stats *Stats) {
		handler, ok := d.registry.Lookup(msg.EventType)
		if !ok {
			stats.NoHandler++
			return
		}

		switch d.dispatch(ctx, msg, store.StatusFailed, handler) {
		case store.ClaimProcessed:
			stats.Retried++
		case store.ClaimFailed:
			stats.Failed++
		}
	})

	slog.Info("Inbox retry pass complete", "retried", stats.Retried, "failed", stats.Failed)
	return stats, nil
}

// dispatch claims one row and runs the handler inside the claim.
func (d *Dispatcher) dispatch(ctx context.Context, msg *store.InboxMessage, from store.Status, handler Handler) store.ClaimOutcome {
	start := time.Now()
	outcome, err := d.inbox.ProcessClaimed(ctx, msg.ID, from, d.config.HandlerTimeout, handler.Handle)
	metrics.InboxHandlerDuration.WithLabelValues(msg.EventType).Observe(time.Since(start).Seconds())

	switch outcome {
	case store.ClaimProcessed:
		metrics.InboxMessagesProcessed.WithLabelValues(msg.EventType, "processed").Inc()
	case store.ClaimFailed:
		metrics.InboxMessagesProcessed.WithLabelValues(msg.EventType, "failed").Inc()
		slog.Warn("Handler failed",
			"messageId", msg.MessageID,
			"source", msg.SourceService,
			"eventType", msg.EventType,
			"retryCount", msg.RetryCount,
			"error", err)
	case store.ClaimMissed:
		if err != nil {
			slog.Error("Claim failed", "messageId", msg.MessageID, "error", err)
		}
	}
	return outcome
}

// ReleaseStuck resets PROCESSING rows with stale claims back to PENDING.
func (d *Dispatcher) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	released, err := d.inbox.ReleaseStuck(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		slog.Warn("Released stuck inbox messages", "count", released, "olderThan", olderThan)
		metrics.RelayStuckReleased.WithLabelValues("inbox").Add(float64(released))
	}
	return released, nil
}

func (d *Dispatcher) forEach(ctx context.Context, candidates []*store.InboxMessage, stats *Stats, fn func(context.Context, *store.InboxMessage, *Stats)) {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, d.config.Concurrency)
	)

	for _, msg := range candidates {
		if ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(msg *store.InboxMessage) {
			defer wg.Done()
			defer func() { <-sem }()

			var local Stats
			fn(ctx, msg, &local)

			mu.Lock()
			stats.Processed += local.Processed
			stats.Failed += local.Failed
			stats.NoHandler += local.NoHandler
			stats.Retried += local.Retried
			mu.Unlock()
		}(msg)
	}

	wg.Wait()
}
