package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"vaultguard/core/events"
	"vaultguard/core/pricing"
	"vaultguard/native/rebalance"
	"vaultguard/observability"
	"vaultguard/observability/logging"
	telemetry "vaultguard/observability/otel"
	"vaultguard/services/vaultd/config"
	"vaultguard/services/vaultd/dispatcher"
	"vaultguard/services/vaultd/notify"
	"vaultguard/services/vaultd/oracle"
	"vaultguard/services/vaultd/server"
	"vaultguard/services/vaultd/storage"
)

var version = "dev"

func main() {
	var (
		cfgPath  string
		seedPath string
	)
	flag.StringVar(&cfgPath, "config", "services/vaultd/config.yaml", "path to vaultd configuration file")
	flag.StringVar(&seedPath, "seed", "", "optional YAML file of vaults and escrow balances to upsert at startup")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("vaultd: load config: %v", err)
	}
	logger := logging.Setup("vaultd", cfg.Environment, logging.WithLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, seedPath, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("vaultd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, seedPath string, logger *slog.Logger) error {
	otelCfg := telemetry.Config{
		ServiceName:    "vaultd",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        cfg.Telemetry.Headers,
		Traces:         cfg.Telemetry.Traces,
		Metrics:        cfg.Telemetry.Metrics,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	}
	otelCfg.ApplyEnv()
	shutdownTelemetry, err := telemetry.Init(ctx, otelCfg)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("storage opened", slog.String("driver", cfg.Storage.Driver), logging.MaskField("dsn", cfg.Storage.DSN))

	if seedPath != "" {
		vaults, balances, err := config.LoadSeed(seedPath)
		if err != nil {
			return err
		}
		if err := store.Seed(ctx, vaults, balances); err != nil {
			return err
		}
		logger.Info("seed applied", slog.Int("vaults", len(vaults)), slog.Int("tokens", len(balances)))
	}

	table, mode, err := loadPricing(cfg.Pricing)
	if err != nil {
		return err
	}
	converter := pricing.NewConverter(table, mode)

	bus := events.NewBus()
	emitters := events.MultiEmitter{bus, observability.Events()}

	group, ctx := errgroup.WithContext(ctx)

	if cfg.NATS.URL != "" {
		conn, err := notify.Connect(notify.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			Subject:       cfg.NATS.Subject,
			ReconnectWait: cfg.NATS.ReconnectWait.Duration,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		publisher := notify.NewNATSPublisher(conn, cfg.NATS.Subject, logger)
		records, cancel := bus.Subscribe(cfg.Stream.Buffer * 4)
		defer cancel()
		group.Go(func() error { return publisher.Forward(ctx, records) })
	}

	machine := rebalance.NewMachine(
		rebalance.WithTotalSeconds(cfg.Rebalance.TotalSeconds),
		rebalance.WithHistoryLimit(cfg.Rebalance.HistoryLimit),
	)
	d, err := dispatcher.New(store, converter,
		dispatcher.WithCommitWriter(store),
		dispatcher.WithTimerStore(store),
		dispatcher.WithHealthSource(store),
		dispatcher.WithEmitter(emitters),
		dispatcher.WithLogger(logger),
		dispatcher.WithMachine(machine),
	)
	if err != nil {
		return err
	}

	if cfg.Oracle.Enabled {
		registry := oracle.NewRegistry()
		sources := make([]oracle.Source, 0, len(cfg.Sources))
		for _, src := range cfg.Sources {
			built, err := registry.Build(src.Name, src.Type, src.Endpoint, src.Assets)
			if err != nil {
				return err
			}
			sources = append(sources, built)
		}
		mgr, err := oracle.New(table, sources, cfg.Oracle.Symbols, cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration, cfg.Oracle.MinFeeds,
			oracle.WithStore(store),
			oracle.WithEmitter(emitters),
			oracle.WithLogger(logger.With("component", "oracle")),
		)
		if err != nil {
			return err
		}
		// Prime prices so the first snapshot passes strict pricing.
		if _, err := mgr.Tick(ctx); err != nil {
			logger.Warn("initial price refresh incomplete", slog.Any("error", err))
		}
		group.Go(func() error { return mgr.Run(ctx) })
	}

	if err := d.Refresh(ctx); err != nil {
		return err
	}
	if err := d.RestoreTimers(ctx); err != nil {
		return err
	}

	scheduler := dispatcher.NewScheduler(d, dispatcher.SchedulerConfig{
		Interval:     cfg.Rebalance.TickInterval.Duration,
		RefreshEvery: cfg.Rebalance.RefreshEvery.Duration,
		Logger:       logger,
	})
	group.Go(func() error { return scheduler.Run(ctx) })

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		RatePerSecond: cfg.RateLimit.RatePerSecond,
		Burst:         cfg.RateLimit.Burst,
		StreamBuffer:  cfg.Stream.Buffer,
		WriteTimeout:  cfg.Stream.WriteTimeout.Duration,
	}, d,
		server.WithCommitLog(store),
		server.WithHealthRecorder(store),
		server.WithBus(bus),
		server.WithLogger(logger.With("component", "http")),
	)
	if err != nil {
		return err
	}
	group.Go(func() error { return srv.Run(ctx) })

	logger.Info("vaultd started", slog.String("listen", cfg.ListenAddress), slog.String("pricing_mode", string(mode)))
	return group.Wait()
}

func loadPricing(cfg config.PricingConfig) (*pricing.Table, pricing.Mode, error) {
	table := pricing.NewTable(nil)
	mode := pricing.ModeStrict
	if cfg.TablePath != "" {
		loaded, declared, err := pricing.LoadTable(cfg.TablePath)
		if err != nil {
			return nil, "", err
		}
		table, mode = loaded, declared
	}
	if cfg.Mode != "" {
		override, err := pricing.ParseMode(cfg.Mode)
		if err != nil {
			return nil, "", err
		}
		mode = override
	}
	return table, mode, nil
}
