package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"reversal-core/internal/api"
	"reversal-core/internal/events"
	"reversal-core/internal/gateway"
	"reversal-core/internal/journal"
	"reversal-core/internal/monitor"
	"reversal-core/internal/order"
	"reversal-core/internal/outbox"
	"reversal-core/internal/readiness"
	"reversal-core/internal/reconciliation"
	"reversal-core/internal/scanner"
	"reversal-core/internal/supervisor"
	"reversal-core/pkg/cache"
	"reversal-core/pkg/config"
	"reversal-core/pkg/exchanges/common"
	"reversal-core/pkg/exchanges/paper"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API, scanners and outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, kr, logger, err := bootstrap()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, kr)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info().Str("driver", cfg.DBDriver).Bool("dry_run", cfg.DryRun).Msg("repository ready")

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	pub := events.NewOutbox(store, bus)
	prices := cache.NewPriceCache()
	evaluator := readiness.NewEvaluator(store)

	mon := &monitor.Monitor{Bus: bus, Metrics: metrics, Sink: monitor.LogAlertSink{}}
	mon.Start(ctx)

	// One gateway per venue environment.
	gateways := make(map[string]common.Gateway, 2)
	tickers := make(map[string]supervisor.TickerSource, 2)
	var pools []*gateway.Pool
	for _, env := range []common.Env{common.EnvMainnet, common.EnvTestnet} {
		pcfg := gateway.DefaultConfig(env)
		pcfg.RecvWindow = cfg.RecvWindowMs
		pool := gateway.NewPool(pcfg, store, metrics.OrderLatency)
		pool.Start(ctx)
		defer pool.Stop()
		pools = append(pools, pool)

		var gw common.Gateway = pool
		if cfg.DryRun {
			gw = paper.New(pool, paper.Config{
				FeeRate:         cfg.DryRunFeeRate,
				SlippageBps:     cfg.DryRunSlippageBps,
				InitialBalances: map[string]float64{"USDT": cfg.DryRunBalance},
			})
		}
		gateways[string(env)] = gw
		tickers[string(env)] = gw
	}
	go reportPoolStats(ctx, pools, metrics)

	defs := loadScannerDefs(cfg, logger)
	overrides := make(map[supervisor.Triple]config.ScannerDef, len(defs))
	for _, d := range defs {
		overrides[supervisor.Triple{Symbol: d.Symbol, Timeframe: d.Timeframe, Env: d.Env}] = d
	}

	factory := func(t supervisor.Triple) (*scanner.Scanner, error) {
		scfg, err := scanner.DefaultConfig(t.Symbol, t.Timeframe, t.Env)
		if d, ok := overrides[t]; ok {
			scfg, err = scanner.FromDef(d)
		}
		if err != nil {
			return nil, err
		}
		gw := gateways[t.Env]
		jlog := logger.With().Str("component", "scanner").Str("scanner", t.String()).Logger()
		j := journal.New(scfg.JournalCapacity, jlog)
		j.OnAppend(func(e journal.Entry) {
			bus.Publish(events.EventScannerLog, events.ScannerLog{Scanner: t.String(), Entry: e})
		})
		recon := reconciliation.NewService(store, gw, pub, j)
		exec := order.NewExecutor(order.Config{
			Symbol:    t.Symbol,
			Timeframe: t.Timeframe,
			Env:       t.Env,
			Rules:     scfg.Rules,
		}, store, gw, pub, recon, j).WithDBLatency(metrics.DBLatency)
		return scanner.New(scfg, scanner.Deps{
			Market:    gw,
			Positions: store,
			Trader:    exec,
			Readiness: evaluator,
			Journal:   j,
			Prices:    prices,
			Metrics:   metrics,
		}, logger), nil
	}

	sup := supervisor.New(factory, supervisor.Options{
		Tickers:   tickers,
		Prices:    prices,
		Readiness: evaluator,
		Metrics:   metrics,
	}, logger)

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	sink, closeSink := newEventSink(ctx, cfg, logger)
	defer closeSink()
	relay := outbox.NewRelay(outbox.Config{
		Interval: time.Duration(cfg.OutboxPollSeconds) * time.Second,
	}, store, sink, logger)
	relayDone := make(chan struct{})
	go func() {
		relay.Run(relayCtx)
		close(relayDone)
	}()

	if cfg.AutostartScanners {
		for _, d := range defs {
			t := supervisor.Triple{Symbol: d.Symbol, Timeframe: d.Timeframe, Env: d.Env}
			if err := sup.Start(ctx, t); err != nil {
				logger.Error().Err(err).Str("scanner", t.String()).Msg("autostart failed")
			}
		}
	}

	server := api.NewServer(sup, store, bus, metrics, api.SystemMeta{
		DryRun:   cfg.DryRun,
		DBDriver: cfg.DBDriver,
		Envs:     []string{string(common.EnvMainnet), string(common.EnvTestnet)},
		Version:  version,
	}, logger)
	httpServer := server.HTTPServer(":" + cfg.Port)
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.Error().Err(err).Msg("api server failed")
	}
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sup.StopAll(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown")
	}
	// Give the relay one last pass over events written during shutdown.
	if _, err := relay.RunOnce(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("final outbox drain")
	}
	stopRelay()
	<-relayDone
	bus.Close()
	return err
}

func loadScannerDefs(cfg *config.Config, logger zerolog.Logger) []config.ScannerDef {
	defs, err := config.LoadScanners(cfg.ScannersFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !cfg.AutostartScanners {
			return nil
		}
		logger.Warn().Err(err).Str("file", cfg.ScannersFile).Msg("scanner definitions not loaded")
		return nil
	}
	logger.Info().Int("count", len(defs)).Str("file", cfg.ScannersFile).Msg("scanner definitions loaded")
	return defs
}

func newEventSink(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (outbox.Sink, func()) {
	logSink := outbox.LogSink{Logger: logger.With().Str("component", "outbox").Logger()}
	if cfg.RedisAddr == "" {
		return logSink, func() {}
	}
	sink, err := outbox.NewRedisStreamSink(ctx, outbox.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Stream:   cfg.OutboxStream,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, events go to the log")
		return logSink, func() {}
	}
	logger.Info().Str("addr", cfg.RedisAddr).Str("stream", cfg.OutboxStream).Msg("outbox delivering to redis")
	return sink, func() { _ = sink.Close() }
}

func reportPoolStats(ctx context.Context, pools []*gateway.Pool, metrics *monitor.SystemMetrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		for _, p := range pools {
			metrics.SetGatewayPoolStats(p.Stats())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
