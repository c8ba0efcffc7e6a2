// Command eventbusd runs the event bus daemon: a durable publish/subscribe
// service with an HTTP API for publishing, querying, and subscription
// management.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modkit/eventbus/internal/httpapi"
	"github.com/modkit/eventbus/pkg/eventbus"
	"github.com/modkit/eventbus/pkg/eventbus/config"
	"github.com/modkit/eventbus/pkg/eventbus/dispatch"
	"github.com/modkit/eventbus/pkg/eventbus/event"
	"github.com/modkit/eventbus/pkg/eventbus/observability"
	"github.com/modkit/eventbus/pkg/eventbus/retry"
	"github.com/modkit/eventbus/pkg/eventbus/store"
	"github.com/modkit/eventbus/pkg/eventbus/subscription"
)

func main() {
	configPath := flag.String("config", "", "path to config file (.yaml, .yml, or .json)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "eventbusd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.FromEnv()
	if configPath != "" {
		var err error
		cfg, err = config.FromFile(configPath)
		if err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}

	bus, err := buildBus(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	srv := httpapi.NewServer(bus, cfg.Server, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return srv.Shutdown(context.Background())
	})

	return g.Wait()
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

func buildBus(cfg config.Config, logger *slog.Logger) (*eventbus.Bus, error) {
	opts := []eventbus.Option{
		eventbus.WithLogger(logger),
		eventbus.WithMetrics(observability.NewMetricsRecorder()),
		eventbus.WithSpans(observability.NewSpanManager()),
		eventbus.WithValidator(event.NewValidator(cfg.Validation.MaxPayloadBytes)),
		eventbus.WithDispatchConfig(dispatch.Config{
			QueueSize:       cfg.Dispatch.QueueSize,
			WorkerQueueSize: cfg.Dispatch.WorkerQueueSize,
			Retry: retry.Config{
				MaxAttempts:    cfg.Dispatch.MaxAttempts,
				InitialBackoff: cfg.Dispatch.InitialBackoff.Std(),
				MaxBackoff:     cfg.Dispatch.MaxBackoff.Std(),
				BackoffFactor:  cfg.Dispatch.BackoffFactor,
				Jitter:         retry.Default.Jitter,
			},
			DeliveryTimeout: cfg.Dispatch.DeliveryTimeout.Std(),
			GapWait:         cfg.Dispatch.GapWait.Std(),
		}),
	}

	if !cfg.Storage.InMemory && cfg.Storage.Path != ":memory:" {
		eventStore, err := store.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open event store: %w", err)
		}
		registry, err := subscription.NewSQLiteRegistry(cfg.Storage.Path)
		if err != nil {
			eventStore.Close()
			return nil, fmt.Errorf("open subscription registry: %w", err)
		}
		dlq, err := dispatch.NewSQLiteDLQ(cfg.Storage.Path)
		if err != nil {
			eventStore.Close()
			registry.Close()
			return nil, fmt.Errorf("open dead-letter queue: %w", err)
		}
		opts = append(opts,
			eventbus.WithStore(eventStore),
			eventbus.WithRegistry(registry),
			eventbus.WithDeadLetterQueue(dlq),
		)
	}

	switch {
	case cfg.Modules.RegistryURL != "":
		resolver, err := eventbus.NewHTTPResolver(cfg.Modules.RegistryURL,
			&http.Client{Timeout: 5 * time.Second}, cfg.Modules.CacheTTL.Std())
		if err != nil {
			return nil, err
		}
		opts = append(opts, eventbus.WithModuleResolver(resolver))
	case len(cfg.Modules.AllowList) > 0:
		opts = append(opts, eventbus.WithModuleResolver(
			eventbus.NewStaticModules(cfg.Modules.AllowList...)))
	}

	return eventbus.New(opts...)
}
