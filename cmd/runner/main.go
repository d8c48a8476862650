// Command runner is the strategy execution service: it ingests execution
// intents, evaluates strategy conditions, drives multi-leg orders through
// the broker, and reconciles positions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"optionsrunner/internal/alert"
	"optionsrunner/internal/broker"
	"optionsrunner/internal/broker/paper"
	"optionsrunner/internal/broker/rest"
	"optionsrunner/internal/config"
	"optionsrunner/internal/coordinator"
	"optionsrunner/internal/core"
	"optionsrunner/internal/evaluator"
	"optionsrunner/internal/events"
	"optionsrunner/internal/infrastructure/health"
	"optionsrunner/internal/infrastructure/metrics"
	"optionsrunner/internal/lifecycle"
	"optionsrunner/internal/marketdata"
	"optionsrunner/internal/reconciler"
	"optionsrunner/internal/safety"
	"optionsrunner/internal/store"
	"optionsrunner/pkg/concurrency"
	"optionsrunner/pkg/liveserver"
	"optionsrunner/pkg/logging"
	"optionsrunner/pkg/retry"
	"optionsrunner/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	strategiesPath := flag.String("strategies", "strategies.yaml", "path to strategy catalog")
	flag.Parse()

	if err := run(*configPath, *strategiesPath); err != nil {
		fmt.Fprintf(os.Stderr, "runner: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, strategiesPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tel, err := telemetry.Setup("optionsrunner")
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	logging.SetGlobalLogger(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting runner",
		"account", cfg.App.Account,
		"broker", cfg.Broker.Name,
		"dry_run", cfg.App.DryRun)

	db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	strategies, err := store.LoadStrategies(strategiesPath)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}

	bus := events.NewBus(1024, logger)
	defer bus.Close()

	fuse := safety.NewFuse(logger, bus)

	alerts := alert.NewManager(logger)
	if cfg.Alerts.TelegramBotToken != "" && cfg.Alerts.TelegramChatID != "" {
		alerts.AddNotifier(alert.NewTelegramNotifier(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID))
	}
	alerts.Start(ctx, bus)
	defer alerts.Stop()

	gateway, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	var source marketdata.MarketSource
	if cfg.MarketData.FeedURL != "" {
		feed := marketdata.NewFeed(cfg.MarketData.FeedURL, cfg.MarketData.StaleAge(), logger)
		feed.Start(ctx)
		defer feed.Stop()
		source = feed
	}
	snapshots := marketdata.NewProvider(source, cfg.MarketData.ExpiryCalendar())

	book := reconciler.NewBook()
	recon := reconciler.New(reconciler.Config{
		Account:            cfg.App.Account,
		CronSpec:           cfg.Reconciliation.CronSpec,
		ToleranceQty:       decimal.NewFromFloat(cfg.Reconciliation.ToleranceQty),
		LargeDriftQty:      decimal.NewFromFloat(cfg.Reconciliation.LargeDriftQty),
		UnknownStreakLimit: cfg.Reconciliation.UnknownStreakLimit,
		SnapshotTimeout:    cfg.Reconciliation.SnapshotTimeout(),
	}, book, db, db, gateway, fuse, bus, logger)
	if err := recon.Restore(ctx); err != nil {
		return err
	}
	// Legs journaled before a crash may still be live broker-side; surface
	// them and let the first snapshot pass resolve the book.
	if open, err := db.ListOpenLegs(ctx); err != nil {
		return fmt.Errorf("list open legs: %w", err)
	} else if len(open) > 0 {
		logger.Warn("Found journaled legs with no terminal state", "count", len(open))
		for _, leg := range open {
			logger.Warn("Unresolved leg from previous run",
				"leg_id", leg.ID, "symbol", leg.Symbol,
				"state", string(leg.State), "broker_order_id", leg.BrokerOrderID)
		}
		if _, err := recon.RunSnapshot(ctx); err != nil {
			logger.Error("Startup reconciliation pass failed", "error", err)
		}
	}
	if err := recon.Start(ctx); err != nil {
		return err
	}
	defer recon.Stop()

	manager := lifecycle.NewManager(lifecycle.ManagerConfig{
		Account:         cfg.App.Account,
		LegTimeout:      cfg.Execution.LegTimeout(),
		PollInterval:    cfg.Execution.PollInterval(),
		MinFillFraction: decimal.NewFromFloat(cfg.Execution.MinFillFraction),
		RetryPolicy: retry.Policy{
			MaxAttempts:    cfg.Execution.MaxAttempts,
			InitialBackoff: cfg.Execution.InitialBackoff(),
			MaxBackoff:     cfg.Execution.MaxBackoff(),
			MaxElapsed:     cfg.Execution.MaxElapsed(),
			JitterFactor:   0.25,
		},
	}, gateway, db, bus, logger)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "intents",
		MaxWorkers:  cfg.Execution.WorkerPoolSize,
		MaxCapacity: cfg.Execution.WorkerPoolBuffer,
		NonBlocking: true,
	}, logger)
	defer pool.Stop()

	coord := coordinator.New(coordinator.Config{
		LockWait:                cfg.Execution.LockWait(),
		IndeterminateRetryLimit: cfg.Execution.IndeterminateRetryLimit,
		IndeterminateRetryDelay: time.Second,
		MaxIntentAge:            cfg.Execution.GracePeriod(),
	}, strategies, snapshots, evaluator.New(cfg.Execution.GracePeriod()),
		coordinator.NewKeyedLockService(), db, manager, recon, fuse, pool, bus, logger)

	healthMgr := health.NewManager()
	healthMgr.Register("worker_pool", func() error {
		if waiting := pool.WaitingTasks(); waiting >= uint64(cfg.Execution.WorkerPoolBuffer) {
			return fmt.Errorf("intent backlog saturated (%d waiting)", waiting)
		}
		return nil
	})

	hub := liveserver.NewHub(logger)
	go hub.Run(ctx)
	go bridgeEvents(ctx, bus, hub, book, fuse)

	server := liveserver.NewServer(hub, logger, cfg.Server.AllowedOrigins)
	server.SetHealthCheck(healthMgr.Healthy)
	server.SetIntentHandler(func(reqCtx context.Context, body []byte) error {
		intent, err := coordinator.ParseIntent(body)
		if err != nil {
			return err
		}
		// Handling outlives the HTTP request.
		return coord.Submit(ctx, intent)
	})
	if err := server.Start(cfg.Server.Port); err != nil {
		return err
	}

	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsSrv.Start()
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	g, _ := errgroup.WithContext(shutdownCtx)
	g.Go(func() error { return server.Stop(shutdownCtx) })
	if metricsSrv != nil {
		g.Go(func() error { return metricsSrv.Stop(shutdownCtx) })
	}
	g.Go(func() error { return tel.Shutdown(shutdownCtx) })
	if err := g.Wait(); err != nil {
		logger.Warn("Shutdown incomplete", "error", err)
	}
	return nil
}

func buildGateway(cfg *config.Config, logger core.ILogger) (core.BrokerGateway, error) {
	var inner core.BrokerGateway
	switch {
	case cfg.App.DryRun || cfg.Broker.Name == "paper":
		inner = paper.New(paper.FillAllAt(decimal.Zero), logger)
	case cfg.Broker.Name == "rest":
		inner = rest.New(rest.Config{
			BaseURL:   cfg.Broker.BaseURL,
			APIKey:    cfg.Broker.APIKey,
			SecretKey: cfg.Broker.SecretKey,
			Timeout:   time.Duration(cfg.Broker.TimeoutSeconds) * time.Second,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Name)
	}
	return broker.NewRateLimited(inner, cfg.Broker.RateLimit, cfg.Broker.RateBurst), nil
}

// bridgeEvents forwards bus events to connected query-surface clients.
func bridgeEvents(ctx context.Context, bus *events.Bus, hub *liveserver.Hub, book *reconciler.Book, fuse core.SubmissionFuse) {
	ch := bus.Subscribe("liveserver")
	events.Drain(ctx, ch, func(evt events.Event) {
		switch evt.Type {
		case events.EventLegTransition:
			hub.Broadcast(liveserver.Message{Type: liveserver.TypeTransition, Data: evt.Payload})
		case events.EventOutcomeRecorded:
			hub.Broadcast(liveserver.Message{Type: liveserver.TypeOutcome, Data: evt.Payload})
			hub.Broadcast(liveserver.Message{Type: liveserver.TypePositions, Data: book.All()})
		case events.EventDriftDetected, events.EventReconcilePass:
			hub.Broadcast(liveserver.Message{Type: liveserver.TypeReconciliation, Data: evt.Payload})
			hub.Broadcast(liveserver.Message{Type: liveserver.TypePositions, Data: book.All()})
		case events.EventSubmissionHalted, events.EventCompensation:
			hub.Broadcast(liveserver.Message{Type: liveserver.TypeAlert, Data: map[string]interface{}{
				"event":       string(evt.Type),
				"strategy_id": evt.StrategyID,
				"detail":      evt.Payload,
				"halted":      fuse.Halted(),
			}})
		}
	})
}
