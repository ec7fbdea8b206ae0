package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crosslend/internal/bridge"
	"crosslend/internal/config"
	"crosslend/internal/engine"
	"crosslend/internal/ledger"
	"crosslend/internal/observability"
	"crosslend/internal/oracle"
	"crosslend/internal/persistence"
	"crosslend/internal/query"
	"crosslend/internal/reserve"
	"crosslend/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("CROSSLEND_CONFIG"), "path to YAML config (optional)")
	flag.Parse()

	logger := observability.NewLogger("main")
	logger.Info().Msg("crosslend starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres + migrations ---
	db, err := persistence.Connect(cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer db.Close()
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, observability.NewLogger("migrate"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	store := persistence.NewStore(db, metrics)

	// --- Ledgers, rehydrated from the durable copies ---
	collateral := ledger.NewCollateralLedger()
	credit := ledger.NewCreditLedger()
	var orders, positions int
	if err := store.LoadAllOrders(ctx, func(o *ledger.Order) {
		collateral.Restore(o)
		orders++
	}); err != nil {
		logger.Fatal().Err(err).Msg("restore orders")
	}
	if err := store.LoadAllPositions(ctx, func(p *ledger.MirroredPosition) {
		credit.Restore(p)
		positions++
	}); err != nil {
		logger.Fatal().Err(err).Msg("restore positions")
	}
	logger.Info().Int("orders", orders).Int("positions", positions).Msg("ledger state restored")

	// --- Reserves ---
	registry, err := reserve.NewRegistry(cfg.Reserves)
	if err != nil {
		logger.Fatal().Err(err).Msg("load reserves")
	}

	// --- Oracle ---
	var feed oracle.FeedClient
	if cfg.Oracle.BaseURL != "" {
		feed = oracle.NewHTTPFeed(cfg.Oracle.BaseURL, cfg.Oracle.Timeout)
	} else {
		static := oracle.NewStaticFeed()
		static.Set("eth-usd", 2000_00000000, -8)
		feed = static
		logger.Warn().Msg("no oracle base_url configured, using the static development feed")
	}

	// --- NATS relay transport ---
	nc, js, err := bridge.Connect(cfg.NATS.URL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect nats")
	}
	defer nc.Close()
	if err := bridge.EnsureStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure relay stream")
	}
	logger.Info().Str("url", cfg.NATS.URL).Msg("nats connected")

	relayFee, err := cfg.Relay.Fee()
	if err != nil {
		logger.Fatal().Err(err).Msg("parse relay fee")
	}
	cushion, err := cfg.Relay.Cushion()
	if err != nil {
		logger.Fatal().Err(err).Msg("parse fee cushion")
	}

	transport := bridge.NewNATSTransport(js, relayFee, store)
	relayer := bridge.NewRelayer(transport,
		bridge.FeePolicy{BufferBps: cfg.Relay.FeeBufferBps, Cushion: cushion},
		observability.NewLogger("relayer"), metrics)
	relayer.PollInterval = cfg.Relay.PollInterval
	relayer.MaxPollAttempts = cfg.Relay.MaxPollAttempts
	seqs, err := store.MaxRelaySeqs(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load relay sequences")
	}
	relayer.SeedSeqs(seqs)

	// --- Dedup, warmed from the durable relay log ---
	dedup := bridge.NewDeduper(cfg.Relay.DedupCapacity, store, metrics)
	keys, err := store.RecentDeliveredKeys(ctx, cfg.Relay.DedupCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("warm dedup cache")
	} else if len(keys) > 0 {
		dedup.Warm(keys)
		logger.Info().Int("keys", len(keys)).Msg("dedup cache warmed")
	}

	// --- Engine ---
	eng := engine.New(collateral, credit, registry, feed, relayer, dedup, store,
		observability.NewLogger("engine"), metrics)

	// --- Relay consumer (destination-side apply loop) ---
	consumer := bridge.NewConsumer(js, eng, observability.NewLogger("consumer"))
	if err := consumer.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start relay consumer")
	}
	defer consumer.Stop()

	// --- HTTP API ---
	queries := query.NewService(store, metrics)
	apiServer := server.New(cfg.HTTPAddr, eng, queries, health, observability.NewLogger("http"))

	errChan := make(chan error, 4)
	go func() {
		errChan <- apiServer.Start(ctx)
	}()

	// --- Metrics server ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	health.SetReady(true)
	logger.Info().
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("crosslend ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("server failed, shutting down")
	}

	health.SetReady(false)
	cancel()
	consumer.Stop()

	logger.Info().Msg("crosslend shutdown complete")
}
