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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pumpdump/game-engine/internal/api"
	"github.com/pumpdump/game-engine/internal/backend"
	"github.com/pumpdump/game-engine/internal/config"
	"github.com/pumpdump/game-engine/internal/game"
	"github.com/pumpdump/game-engine/internal/hotornot"
	"github.com/pumpdump/game-engine/internal/ledger"
	"github.com/pumpdump/game-engine/internal/metrics"
	"github.com/pumpdump/game-engine/internal/reward"
	"github.com/pumpdump/game-engine/internal/store"
	"github.com/pumpdump/game-engine/internal/sweep"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("store init failed", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Backend ---
	var be backend.Backend
	if cfg.Backend.Mode == "real" {
		be = backend.NewHTTPClient(backend.HTTPConfig{
			BaseURL:    cfg.Backend.BaseURL,
			Token:      cfg.Backend.Token,
			RatePerSec: cfg.Backend.RatePerSec,
			Burst:      cfg.Backend.Burst,
			Timeout:    cfg.Backend.Timeout,
		})
		slog.Info("using ledger backend", "url", cfg.Backend.BaseURL)
	} else {
		slog.Warn("backend mode is mock, balances are not real")
		be = backend.NewMock(cfg.Stake())
	}

	// --- Services ---
	ledgerSvc := ledger.NewService(st, be, ledger.Config{
		Stake:          cfg.Stake(),
		ReconcileDelay: cfg.Ledger.ReconcileDelay,
		TreasuryMax:    decimal.NewFromInt(cfg.Ledger.TreasuryDailyMax),
	})
	alloc, err := reward.NewAllocator(cfg.Stake(), cfg.Game.CreatorPercent, cfg.Game.LiquidityPercent)
	if err != nil {
		slog.Error("invalid reward shares", "err", err)
		os.Exit(1)
	}
	gameSvc := game.NewService(st, ledgerSvc, alloc, be, game.Config{
		TideShiftDelta:      cfg.Game.TideShiftDelta,
		DispatchConcurrency: cfg.Ledger.DispatchConcurrency,
		DispatchTimeout:     cfg.Ledger.DispatchTimeout,
	})
	honSvc := hotornot.NewService(st, be, hotornot.Config{
		OnboardingReward: decimal.NewFromInt(cfg.HotOrNot.OnboardingReward),
		MaxVote:          decimal.NewFromInt(cfg.HotOrNot.MaxVote),
		TreasuryMax:      decimal.NewFromInt(cfg.HotOrNot.TreasuryDailyMax),
		MaxAirdrop:       decimal.NewFromInt(cfg.HotOrNot.MaxAirdrop),
		AirdropCooldown:  cfg.HotOrNot.AirdropCooldown,
		ReferralReward:   decimal.NewFromInt(cfg.HotOrNot.ReferralReward),
	})

	// --- Settlement sweep ---
	sweeper := sweep.New(ctx, ledgerSvc, logger.With("component", "sweep"))
	if err := sweeper.Register(cfg.Sweep.Schedule); err != nil {
		slog.Error("sweep init failed", "err", err)
		os.Exit(1)
	}
	// Alarms persisted by a previous run have no timer yet.
	if n, err := sweeper.RunNow(ctx); err != nil {
		slog.Warn("startup sweep failed", "err", err)
	} else if n > 0 {
		slog.Info("startup sweep settled ledgers", "count", n)
	}
	sweeper.Start()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"game-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handler := api.New(ledgerSvc, gameSvc, honSvc, be)
	handler.SocketRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
		handler.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("game-engine listening", "port", cfg.Server.Port, "store", cfg.Store.Driver, "backend", cfg.Backend.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down game-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	sweeper.Stop()
	gameSvc.Close()
	honSvc.Close()
	ledgerSvc.Close()
	fmt.Println("game-engine stopped")
}

// openStore builds the configured store, wrapped with the Redis cache when
// a Redis URL is set.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, []func(), error) {
	var st store.Store
	var cleanup []func()

	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case "sqlite":
		lite, err := store.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite store", "path", cfg.DSN)
	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled")
	}
	return st, cleanup, nil
}
