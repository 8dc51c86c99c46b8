// relayctl runs one-shot relaykit operations: drain the outbox, drain
// the inbox, or clean up old terminal rows. Intended for cron jobs and
// operators; the long-running loop lives in relayd.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"log/slog"

	"go.relaykit.dev/internal/config"
	"go.relaykit.dev/internal/inbox"
	"go.relaykit.dev/internal/relay"
	"go.relaykit.dev/internal/retention"
	"go.relaykit.dev/internal/store"
	"go.relaykit.dev/internal/transport"
)

const usageText = `Usage: relayctl <command> [options]

Commands:
  outbox:process     Publish pending outbox messages
  inbox:process      Dispatch pending inbox messages
  messages:cleanup   Delete old PUBLISHED and PROCESSED rows

Run 'relayctl <command> -h' for command options.
`

func main() {
	logLevel := slog.LevelWarn
	if os.Getenv("RELAYKIT_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	cfg, err := config.LoadWithFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()

	var runErr error
	switch os.Args[1] {
	case "outbox:process":
		runErr = runOutboxProcess(ctx, cfg, os.Args[2:])
	case "inbox:process":
		runErr = runInboxProcess(ctx, cfg, os.Args[2:])
	case "messages:cleanup":
		runErr = runCleanup(ctx, cfg, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usageText)
		return
	default:
		fmt.Fprintf(os.Stderr, "relayctl: unknown command %q\n\n%s", os.Args[1], usageText)
		os.Exit(2)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", runErr)
		os.Exit(2)
	}
}

// runOutboxProcess claims and publishes pending rows. Per-message
// delivery failures are reported in the counters, not the exit code.
func runOutboxProcess(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("outbox:process", flag.ExitOnError)
	service := fs.String("service", "", "only process messages for this destination service")
	limit := fs.Int("limit", 0, "maximum messages to process (0 = configured batch size)")
	retry := fs.Bool("retry", false, "re-enqueue FAILED messages under the retry ceiling first")
	fs.Parse(args)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close(ctx)

	tr, err := transport.New(ctx, cfg.Transport.Driver, transportOptions(cfg))
	if err != nil {
		return err
	}

	rel := relay.New(st.Outbox(), tr, &relay.Config{
		BatchSize:   cfg.Processing.BatchSize,
		Concurrency: cfg.Processing.Concurrency,
	})

	var stats relay.Stats
	if *retry {
		retryStats, err := rel.RetryFailed(ctx, *service, *limit)
		if err != nil {
			return err
		}
		stats.Retried = retryStats.Retried
		stats.Failed += retryStats.Failed
	}

	var processed relay.Stats
	if *service != "" {
		processed, err = rel.ProcessForDestination(ctx, *service, *limit)
	} else {
		processed, err = rel.ProcessAll(ctx, *limit)
	}
	if err != nil {
		return err
	}
	stats.Published = processed.Published
	stats.Failed += processed.Failed
	stats.Skipped = processed.Skipped

	fmt.Printf("Published: %d\n", stats.Published)
	fmt.Printf("Failed:    %d\n", stats.Failed)
	fmt.Printf("Skipped:   %d\n", stats.Skipped)
	if *retry {
		fmt.Printf("Retried:   %d\n", stats.Retried)
	}
	return nil
}

// runInboxProcess dispatches pending rows to the handlers named in the
// inbox.handlers configuration. Custom builds register their handler
// factories via inbox.RegisterFactory before main runs. With no
// handlers configured, rows count as no_handler and stay PENDING.
func runInboxProcess(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("inbox:process", flag.ExitOnError)
	limit := fs.Int("limit", 0, "maximum messages to process (0 = configured batch size)")
	retry := fs.Bool("retry", false, "retry FAILED messages under the retry ceiling first")
	fs.Parse(args)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close(ctx)

	registry, err := inbox.BuildRegistry(cfg.Inbox.Handlers)
	if err != nil {
		return err
	}

	dispatcher := inbox.NewDispatcher(st.Inbox(), registry, &inbox.Config{
		BatchSize:   cfg.Processing.BatchSize,
		Concurrency: cfg.Processing.Concurrency,
	})

	var stats inbox.Stats
	if *retry {
		retryStats, err := dispatcher.RetryFailed(ctx, *limit)
		if err != nil {
			return err
		}
		stats.Retried = retryStats.Retried
		stats.Failed += retryStats.Failed
	}

	processed, err := dispatcher.ProcessAll(ctx, *limit)
	if err != nil {
		return err
	}
	stats.Processed = processed.Processed
	stats.Failed += processed.Failed
	stats.NoHandler = processed.NoHandler

	fmt.Printf("Processed:  %d\n", stats.Processed)
	fmt.Printf("Failed:     %d\n", stats.Failed)
	fmt.Printf("No handler: %d\n", stats.NoHandler)
	if *retry {
		fmt.Printf("Retried:    %d\n", stats.Retried)
	}
	return nil
}

func runCleanup(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("messages:cleanup", flag.ExitOnError)
	days := fs.Int("days", cfg.Retention.Days, "delete terminal rows older than this many days")
	scopeArg := fs.String("type", "both", "which tables to clean: outbox, inbox or both")
	fs.Parse(args)

	scope, err := retention.ParseScope(*scopeArg)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close(ctx)

	cleaner := retention.NewCleaner(st.Outbox(), st.Inbox())
	result, err := cleaner.Run(ctx, *days, scope)
	if err != nil {
		return err
	}

	fmt.Printf("Outbox deleted: %d\n", result.Outbox)
	fmt.Printf("Inbox deleted:  %d\n", result.Inbox)
	return nil
}

// transportOptions maps config onto the transport drivers. HTTP starts
// from the driver defaults so the per-destination circuit breaker stays
// armed; config only overlays what it owns.
func transportOptions(cfg *config.Config) transport.Options {
	httpOpts := transport.DefaultHTTPOptions()
	httpOpts.Services = cfg.Transport.Services
	if cfg.Transport.Timeout > 0 {
		httpOpts.Timeout = cfg.Transport.Timeout
	}

	return transport.Options{
		SourceService: cfg.ServiceName,
		HTTP:          httpOpts,
		NATS: transport.NATSOptions{
			URL:           cfg.Transport.NATS.URL,
			SubjectPrefix: cfg.Transport.NATS.SubjectPrefix,
		},
		SQS: transport.SQSOptions{
			QueueURL:       cfg.Transport.SQS.QueueURL,
			Region:         cfg.Transport.SQS.Region,
			CustomEndpoint: cfg.Transport.SQS.Endpoint,
		},
	}
}
