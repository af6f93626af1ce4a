package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/mailpipe/commbus"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/config"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/dispatch"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/engine"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/events"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/graph"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/grpc"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/history"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/httpapi"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/ledger"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/observability"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/orchestrator"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/router"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/stages"
)

const (
	shutdownTimeout = 30 * time.Second

	breakerFailures = 5
	breakerReset    = 30 * time.Second
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC and HTTP servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// cleanups run in reverse registration order.
type cleanups []func()

func (c *cleanups) add(fn func()) { *c = append(*c, fn) }

func (c cleanups) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logging.Sync(logger)

	var closers cleanups
	defer closers.run()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerSettings{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	closers.add(func() { _ = shutdownTracer(context.Background()) })

	checks := map[string]httpapi.Check{}

	// Ledger
	var ledgerOpts []ledger.Option
	if cfg.Storage.LedgerPath != "" {
		store, err := ledger.OpenSQLite(cfg.Storage.LedgerPath)
		if err != nil {
			return err
		}
		closers.add(func() { _ = store.Close() })
		ledgerOpts = append(ledgerOpts, ledger.WithStore(store))
		checks["ledger"] = store.Ping
	}
	execLedger := ledger.New(logger, ledgerOpts...)
	if _, err := execLedger.Restore(ctx); err != nil {
		return err
	}
	stopRetention, err := ledger.StartRetention(execLedger, ledger.RetentionConfig{
		Schedule:  cfg.Storage.RetentionSchedule,
		Retention: cfg.Storage.Retention,
	}, logger)
	if err != nil {
		return err
	}
	closers.add(stopRetention)

	// History
	var historyStore history.Store = history.NewMemoryStore()
	if cfg.Storage.HistoryPath != "" {
		store, err := history.OpenSQLite(cfg.Storage.HistoryPath)
		if err != nil {
			return err
		}
		closers.add(func() { _ = store.Close() })
		historyStore = store
		checks["history"] = store.Ping
	}

	// Graph and engine
	builder := graph.NewBuilder(stages.FromConfig(cfg), cfg.Execution.Timeout, cfg.Execution.MaxRetries)
	wfEngine := newEngine(cfg, logger)

	// Routing
	dispatchers := dispatch.FromConfig(cfg.Tools, logger)
	decisionRouter := router.New(cfg.Routing, dispatchers, dispatch.ReviewQueueFromConfig(cfg.Tools), logger)

	// Events
	bus := commbus.NewInMemoryCommBus(logger)
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	bus.AddMiddleware(commbus.MetricsMiddleware{})
	if cfg.Events.NATSURL != "" {
		conn, err := events.ConnectNATS(cfg.Events.NATSURL, logger)
		if err != nil {
			return err
		}
		closers.add(conn.Close)
		bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(breakerFailures, breakerReset, nil, logger))
		detach := events.NewNATSBridge(conn, cfg.Events.SubjectPrefix, logger).Attach(bus)
		closers.add(detach)
		checks["nats"] = natsCheck(conn)
	}
	emitter := events.NewEmitter(bus, cfg.Events.QueueSize, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Ledger:   execLedger,
		Builder:  builder,
		Engine:   wfEngine,
		Router:   decisionRouter,
		History:  historyStore,
		Notifier: emitter,
		Logger:   logger,
	}, orchestrator.OptionsFromConfig(cfg))

	grpcServer := grpc.NewGracefulServer(orch, cfg.Server.GRPCAddr, logger)
	httpServer := httpapi.New(orch, checks, logger)

	logger.Info("mailpipe_starting",
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"engine_mode", cfg.Engine.Mode,
		"dispatchers", dispatchers.List(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error { return httpServer.Start(gctx, cfg.Server.HTTPAddr) })
	runErr := g.Wait()

	logger.Info("mailpipe_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator_shutdown_incomplete", "error", err.Error())
	}
	if err := emitter.Close(shutdownCtx); err != nil {
		logger.Warn("event_drain_incomplete", "error", err.Error())
	}
	logger.Info("mailpipe_stopped")
	return runErr
}

func newEngine(cfg *config.Config, logger logging.Logger) engine.WorkflowEngine {
	if cfg.Engine.Mode == "http" {
		return engine.NewHTTPClient(cfg.Engine.URL, cfg.Engine.RequestTimeout)
	}
	return engine.NewLocalEngine(
		engine.NewHTTPStageExecutor(cfg.Execution.Timeout),
		logger,
		engine.WithMaxParallel(cfg.Engine.MaxParallel),
	)
}

func natsCheck(conn *nats.Conn) httpapi.Check {
	return func(context.Context) error {
		if !conn.IsConnected() {
			return fmt.Errorf("nats %s", conn.Status())
		}
		return nil
	}
}
