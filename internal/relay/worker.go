package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.relaykit.dev/internal/common/leader"
	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/store"
)

// WorkerConfig tunes the daemon polling loop.
type WorkerConfig struct {
	// PollInterval between batch passes (default: 5s)
	PollInterval time.Duration

	// StuckAfter is the visibility timeout for PROCESSING claims
	// (default: 2 x PollInterval, floor 5m)
	StuckAfter time.Duration

	// ReleaseInterval between stuck-row sweeps (default: 1m)
	ReleaseInterval time.Duration

	// BatchSize per poll (0 = relay default)
	BatchSize int
}

// Normalize fills defaults and applies the visibility-timeout floor.
func (c *WorkerConfig) Normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 2 * c.PollInterval
	}
	if c.StuckAfter < 5*time.Minute {
		c.StuckAfter = 5 * time.Minute
	}
	if c.ReleaseInterval <= 0 {
		c.ReleaseInterval = time.Minute
	}
}

// Worker runs the relay on a timer. When an elector is configured, only
// the leader polls; followers idle. The claim protocol keeps concurrent
// pollers correct either way, leadership just avoids wasted contention.
type Worker struct {
	relay   *Relay
	outbox  store.OutboxRepository
	elector leader.Elector
	config  WorkerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a relay worker. elector may be nil.
func NewWorker(r *Relay, outbox store.OutboxRepository, elector leader.Elector, config WorkerConfig) *Worker {
	config.Normalize()
	if elector == nil {
		elector = leader.NewNoopElector("relay-worker")
	}
	return &Worker{
		relay:   r,
		outbox:  outbox,
		elector: elector,
		config:  config,
	}
}

// Start launches the polling loops.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(2)
	go w.pollLoop(runCtx)
	go w.maintenanceLoop(runCtx)

	slog.Info("Relay worker started",
		"pollInterval", w.config.PollInterval,
		"stuckAfter", w.config.StuckAfter)
}

// Stop halts the loops and waits for the in-flight pass.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	slog.Info("Relay worker stopped")
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.elector.IsPrimary() {
				continue
			}
			if _, err := w.relay.ProcessAll(ctx, w.config.BatchSize); err != nil {
				slog.Error("Outbox poll failed", "error", err)
			}
		}
	}
}

// maintenanceLoop releases stuck claims and refreshes the backlog gauge.
func (w *Worker) maintenanceLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.ReleaseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.elector.IsPrimary() {
				continue
			}
			if _, err := w.relay.ReleaseStuck(ctx, w.config.StuckAfter); err != nil {
				slog.Error("Stuck release failed", "error", err)
			}
			w.updateBacklogGauge(ctx)
		}
	}
}

func (w *Worker) updateBacklogGauge(ctx context.Context) {
	counts, err := w.outbox.CountByStatus(ctx)
	if err != nil {
		slog.Debug("Backlog count failed", "error", err)
		return
	}
	for _, status := range []store.Status{store.StatusPending, store.StatusProcessing, store.StatusFailed} {
		metrics.RelayPendingMessages.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
