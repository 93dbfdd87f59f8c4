package main

import (
	"context"
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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/seongmin1117/stock-quest-sub011/internal/challenge"
	"github.com/seongmin1117/stock-quest-sub011/internal/execution"
	"github.com/seongmin1117/stock-quest-sub011/internal/leaderboard"
	"github.com/seongmin1117/stock-quest-sub011/internal/ledger"
	"github.com/seongmin1117/stock-quest-sub011/internal/masking"
	"github.com/seongmin1117/stock-quest-sub011/internal/metrics"
	"github.com/seongmin1117/stock-quest-sub011/internal/pricing"
	"github.com/seongmin1117/stock-quest-sub011/internal/session"
	"github.com/seongmin1117/stock-quest-sub011/internal/store"
)

func envDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
		slog.Warn("invalid decimal env var, using default", "key", key, "value", v)
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration env var, using default", "key", key, "value", v)
	}
	return def
}

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Core components ---
	registry := masking.NewRegistry(st)
	l := ledger.New(st)
	source := pricing.NewStoreSource(st, registry, envDuration("PRICE_LOOKUP_TIMEOUT", 2*time.Second))

	slippage := envDecimal("SLIPPAGE_RATE", decimal.NewFromFloat(0.005))
	feeRate := envDecimal("FEE_RATE", decimal.Zero)
	engine := execution.NewEngine(st, l, source, slippage, feeRate)

	// --- WebSocket hub ---
	wsHub := challenge.NewWSHub()
	go wsHub.Run()

	machine := session.NewMachine(st, l, registry, source, wsHub)
	locks := session.NewKeyedLocks()
	ranker := leaderboard.NewRanker(st, l, source)

	// --- Background jobs ---
	jobCtx, jobCancel := context.WithCancel(context.Background())
	defer jobCancel()

	sweeper := session.NewSweeper(st, machine, locks,
		envDuration("SWEEPER_MAX_AGE", 24*time.Hour),
		envDuration("SWEEPER_INTERVAL", 5*time.Minute),
		100,
	)
	go sweeper.Run(jobCtx)

	lbJob := leaderboard.NewJob(ranker, envDuration("LEADERBOARD_INTERVAL", 15*time.Second))
	go lbJob.Run(jobCtx)

	// --- Challenge service ---
	svc := challenge.NewService(st, registry, l, source, engine, machine, ranker, locks, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"challenge-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time fill and close events.
		r.Get("/ws", wsHub.HandleWS)

		// Challenge entry points.
		r.Post("/challenges/{challengeID}/start", svc.StartChallenge)
		r.Get("/challenges/{challengeID}/leaderboard", svc.GetLeaderboard)

		// Session operations.
		r.Post("/sessions/{sessionID}/orders", svc.PlaceOrder)
		r.Get("/sessions/{sessionID}/portfolio", svc.GetPortfolio)
		r.Post("/sessions/{sessionID}/close", svc.CloseSession)
		r.Post("/sessions/{sessionID}/pause", svc.PauseSession)
		r.Post("/sessions/{sessionID}/resume", svc.ResumeSession)
		r.Post("/sessions/{sessionID}/cancel", svc.CancelSession)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("challenge-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	jobCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down challenge-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("challenge-engine stopped")
}
