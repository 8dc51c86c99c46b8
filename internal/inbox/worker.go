package inbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.relaykit.dev/internal/common/leader"
)

// WorkerConfig tunes the daemon dispatch loop.
type WorkerConfig struct {
	// PollInterval between dispatch passes (default: 5s)
	PollInterval time.Duration

	// StuckAfter is the visibility timeout for PROCESSING claims
	// (default: 2 x PollInterval, floor 5m)
	StuckAfter time.Duration

	// ReleaseInterval between stuck-row sweeps (default: 1m)
	ReleaseInterval time.Duration

	// BatchSize per poll (0 = dispatcher default)
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

// Worker runs the dispatcher on a timer, leader-gated like the relay
// worker.
type Worker struct {
	dispatcher *Dispatcher
	elector    leader.Elector
	config     WorkerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates an inbox worker. elector may be nil.
func NewWorker(d *Dispatcher, elector leader.Elector, config WorkerConfig) *Worker {
	config.Normalize()
	if elector == nil {
		elector = leader.NewNoopElector("inbox-worker")
	}
	return &Worker{dispatcher: d, elector: elector, config: config}
}

// Start launches the dispatch loop.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(runCtx)

	slog.Info("Inbox worker started",
		"pollInterval", w.config.PollInterval,
		"stuckAfter", w.config.StuckAfter)
}

// Stop halts the loop and waits for the in-flight pass.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	slog.Info("Inbox worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	poll := time.NewTicker(w.config.PollInterval)
	defer poll.Stop()
	release := time.NewTicker(w.config.ReleaseInterval)
	defer release.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if !w.elector.IsPrimary() {
				continue
			}
			if _, err := w.dispatcher.ProcessAll(ctx, w.config.BatchSize); err != nil {
				slog.Error("Inbox poll failed", "error", err)
			}
		case <-release.C:
			if !w.elector.IsPrimary() {
				continue
			}
			if _, err := w.dispatcher.ReleaseStuck(ctx, w.config.StuckAfter); err != nil {
				slog.Error("Inbox stuck release failed", "error", err)
			}
		}
	}
}
