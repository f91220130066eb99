package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"levstrat/config"
	"levstrat/keeper"
	"levstrat/market/sim"
	"levstrat/observability/logging"
	telemetry "levstrat/observability/otel"
	"levstrat/server"
	"levstrat/strategy"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./levstrat.toml", "path to the daemon configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logging.Setup("levstratd", cfg.Environment, cfg.LogLevel)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "levstratd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.MetricsOTLP,
			Traces:      cfg.Telemetry.TracesOTLP,
		})
		if err != nil {
			log.Error("init telemetry", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("create data dir", slog.String("error", err.Error()))
		os.Exit(1)
	}

	market := sim.New(time.Now)
	market.SetRates(cfg.Market.SupplyRateBps, cfg.Market.BorrowRateBps)
	if liquidity := cfg.Market.BorrowLiquidityBig(); liquidity != nil {
		market.SetBorrowLiquidity(liquidity)
	}
	if limit := cfg.Market.WithdrawLimitBig(); limit != nil {
		market.SetWithdrawLimit(limit)
	}

	engine, err := strategy.NewEngine(market, cfg.Strategy.ToEngine())
	if err != nil {
		log.Error("build strategy engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	journal, err := keeper.NewJournal(cfg.JournalPath())
	if err != nil {
		log.Error("open journal", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer journal.Close()

	keeperOpts := []keeper.Option{}
	if policyFile := cfg.Keeper.PolicyFile; policyFile != "" {
		if !filepath.IsAbs(policyFile) {
			policyFile = filepath.Join(cfg.DataDir, policyFile)
		}
		policies, err := keeper.LoadPolicies(policyFile)
		if err != nil {
			log.Error("load keeper policies", slog.String("error", err.Error()))
			os.Exit(1)
		}
		keeperOpts = append(keeperOpts, keeper.WithPolicies(policies))
	}
	kpr := keeper.New(engine, journal, log,
		cfg.Keeper.ReportEvery(), cfg.Keeper.TendEvery(), keeperOpts...)

	secret := config.ManagementSecret()
	if secret == "" {
		log.Warn("management secret not set, management API disabled")
	}
	api := server.New(engine, journal, log, server.Config{
		SecretHeader:    cfg.SecretHeader,
		Secret:          secret,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go kpr.Run(ctx)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("levstratd listening", slog.String("address", cfg.ListenAddress))
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("force server stop", slog.String("error", err.Error()))
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("serve http", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
}
