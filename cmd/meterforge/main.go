package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	cfhttp "github.com/Strob0t/MeterForge/internal/adapter/http"
	"github.com/Strob0t/MeterForge/internal/adapter/inproc"
	"github.com/Strob0t/MeterForge/internal/adapter/litellm"
	"github.com/Strob0t/MeterForge/internal/adapter/memory"
	cfnats "github.com/Strob0t/MeterForge/internal/adapter/nats"
	"github.com/Strob0t/MeterForge/internal/adapter/natskv"
	cfotel "github.com/Strob0t/MeterForge/internal/adapter/otel"
	"github.com/Strob0t/MeterForge/internal/adapter/postgres"
	"github.com/Strob0t/MeterForge/internal/adapter/redisstream"
	"github.com/Strob0t/MeterForge/internal/adapter/remotegraph"
	"github.com/Strob0t/MeterForge/internal/adapter/ristretto"
	"github.com/Strob0t/MeterForge/internal/adapter/sandbox"
	"github.com/Strob0t/MeterForge/internal/adapter/tiered"
	"github.com/Strob0t/MeterForge/internal/adapter/ws"
	"github.com/Strob0t/MeterForge/internal/config"
	"github.com/Strob0t/MeterForge/internal/domain/pricing"
	"github.com/Strob0t/MeterForge/internal/logger"
	"github.com/Strob0t/MeterForge/internal/port/accountstore"
	"github.com/Strob0t/MeterForge/internal/port/cache"
	"github.com/Strob0t/MeterForge/internal/port/chargewriter"
	"github.com/Strob0t/MeterForge/internal/port/executor"
	"github.com/Strob0t/MeterForge/internal/resilience"
	"github.com/Strob0t/MeterForge/internal/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// ledgerStore is what a storage driver provides to the service.
type ledgerStore interface {
	chargewriter.Recorder
	accountstore.Store
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, configPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"config_file", configPath,
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"log_level", cfg.Logging.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownOtel, err := cfotel.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	checks := map[string]cfhttp.HealthCheck{}

	// --- Storage ---

	var store ledgerStore
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		slog.Info("postgres connected")

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
		store = postgres.NewStore(pool)
		checks["postgres"] = pool.Ping
	default:
		slog.Warn("using in-memory ledger store; entries are lost on exit")
		store = memory.New()
	}

	policy, err := pricing.NewPolicy(cfg.Pricing.Markup, cfg.Pricing.CreditsPerUSD)
	if err != nil {
		return fmt.Errorf("pricing: %w", err)
	}

	// --- NATS ---

	var queue *cfnats.Queue
	if cfg.NATS.URL != "" {
		queue, err = cfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
		checks["nats"] = func(context.Context) error {
			if !queue.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}
	}

	// --- Balance cache ---

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("balance cache: %w", err)
	}
	defer func() {
		st := l1.Stats()
		slog.Info("balance cache l1 closed", "hits", st.Hits, "misses", st.Misses, "ratio", st.Ratio)
		l1.Close()
	}()

	var balances cache.Cache = l1
	if queue != nil && cfg.Cache.L2Bucket != "" {
		l2, err := natskv.Open(ctx, queue.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.BalanceTTL)
		if err != nil {
			return fmt.Errorf("balance cache l2: %w", err)
		}
		balances = tiered.New(l1, l2, cfg.Cache.L1TTL)
		slog.Info("balance cache tiered", "l2_bucket", cfg.Cache.L2Bucket)
	}

	writer := service.NewLedgerWriter(store, policy, service.LedgerWriterConfig{
		SourceSystem: cfg.Ledger.SourceSystem,
		Retry: resilience.RetryPolicy{
			MaxAttempts:    cfg.Ledger.MaxAttempts,
			InitialBackoff: cfg.Ledger.InitialBackoff,
			MaxBackoff:     cfg.Ledger.MaxBackoff,
			AttemptTimeout: cfg.Ledger.CommitTimeout,
		},
	})
	writer.SetMetrics(metrics)
	writer.SetBalanceCache(balances)

	if cfg.Redis.Addr != "" {
		rdb, err := redisstream.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		sink := redisstream.New(rdb, cfg.Redis.Stream, cfg.Redis.MaxLen, 0)
		defer sink.Close()
		writer.SetSink(sink)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		slog.Info("commit telemetry sink enabled", "stream", cfg.Redis.Stream)
	}

	accounts := service.NewAccountService(store)
	accounts.SetCache(balances, cfg.Cache.BalanceTTL)

	// --- Executors ---

	executors := executor.NewRegistry()
	graphs := inproc.New(cfg.Relay.UIBuffer)
	graphs.Register("echo", inproc.Echo)
	if err := executors.Register(graphs); err != nil {
		return err
	}

	if queue != nil {
		if err := executors.Register(sandbox.New(queue, cfg.Relay.UIBuffer)); err != nil {
			return err
		}
	}

	if cfg.Executors.RemoteGraphURL != "" {
		remote := remotegraph.New(cfg.Executors.RemoteGraphURL, cfg.Executors.RemoteGraphName, cfg.Relay.UIBuffer)
		if err := executors.Register(remote); err != nil {
			return err
		}
	}
	slog.Info("executors registered", "available", executors.Available())

	runs := service.NewRunService(executors, writer, service.RunServiceConfig{
		Relay: service.RelayConfig{
			UIBuffer:      cfg.Relay.UIBuffer,
			BillingBuffer: cfg.Relay.BillingBuffer,
		},
		Strict: cfg.Billing.Strict,
	})
	runs.SetMetrics(metrics)

	if cfg.LiteLLM.URL != "" {
		usageAPI := litellm.NewClient(cfg.LiteLLM.URL, cfg.LiteLLM.MasterKey)
		usageAPI.SetBreaker(resilience.NewBreaker("litellm", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
		reconciler := service.NewReconciler(usageAPI, service.ReconcilerConfig{
			Retry: resilience.RetryPolicy{
				MaxAttempts:    cfg.Reconcile.MaxAttempts,
				InitialBackoff: cfg.Reconcile.InitialBackoff,
				AttemptTimeout: cfg.Reconcile.AttemptTimeout,
			},
			Lookback:    cfg.Reconcile.Lookback,
			SettleDelay: cfg.Reconcile.SettleDelay,
		})
		reconciler.SetMetrics(metrics)
		runs.SetReconciler(reconciler)
		checks["litellm"] = func(ctx context.Context) error {
			_, err := usageAPI.Health(ctx)
			return err
		}
	}

	// --- HTTP ---

	handlers := &cfhttp.Handlers{
		Runs:     runs,
		Accounts: accounts,
		Checks:   checks,
	}

	r := chi.NewRouter()
	r.Use(cfotel.HTTPMiddleware(cfg.Telemetry.ServiceName))
	r.Use(cfhttp.RequestID)
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	cfhttp.MountRoutes(r, handlers, ws.NewHandler(runs))

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		// In-flight runs keep billing after the listener closes.
		if err := runs.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("run shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
