package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/simtrade/ledger-service/internal/account"
	"github.com/simtrade/ledger-service/internal/asset"
	"github.com/simtrade/ledger-service/internal/config"
	"github.com/simtrade/ledger-service/internal/ledger"
	"github.com/simtrade/ledger-service/internal/logging"
	"github.com/simtrade/ledger-service/internal/metrics"
	"github.com/simtrade/ledger-service/internal/oracle"
	"github.com/simtrade/ledger-service/internal/store"
	"github.com/simtrade/ledger-service/internal/trade"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ledger-service failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("ledger-service stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := cfg.Catalog()
	if err != nil {
		return fmt.Errorf("asset catalog: %w", err)
	}

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL != "" {
		pool, err := store.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Cache.TTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Cache.TTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Price oracle ---
	prices, breaker := buildOracle(cfg, catalog, rdb)

	// --- Services ---
	wsHub := trade.NewWSHub()
	engine := ledger.NewEngine(st, prices, catalog, wsHub)
	tradeSvc := trade.NewService(engine, st, prices, catalog, cfg.AdminEnforceFunds)
	accountSvc := account.NewService(st, cfg.StartingBalance)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, st, wsHub, tradeSvc, accountSvc, breaker),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error {
		slog.Info("ledger-service listening", "port", cfg.Port, "price_feed", cfg.Oracle.Feed)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down ledger-service...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildOracle assembles the price chain: live feed guarded by a breaker with
// the catalog's reference prices as fallback, cached in Redis when available.
// The breaker is nil for the static feed.
func buildOracle(cfg *config.Config, catalog *asset.Catalog, rdb *redis.Client) (oracle.Oracle, *oracle.Breaker) {
	static := oracle.NewStatic(catalog)

	var live oracle.Oracle
	switch cfg.Oracle.Feed {
	case config.FeedCoinGecko:
		live = oracle.NewCoinGecko(cfg.Oracle.CoinGeckoURL, catalog, cfg.Oracle.Timeout)
	case config.FeedBinance:
		live = oracle.NewBinance(catalog)
	default:
		slog.Info("using static reference prices")
		return static, nil
	}

	breaker := oracle.NewBreaker(oracle.BreakerConfig{
		Name:             cfg.Oracle.Feed,
		FailureThreshold: cfg.Oracle.FailureThreshold,
		SuccessThreshold: 1,
		Cooldown:         cfg.Oracle.Cooldown,
	})
	var chain oracle.Oracle = oracle.NewFailover(live, static, breaker)
	if rdb != nil {
		chain = oracle.NewCached(chain, rdb, cfg.Cache.PriceTTL)
	}
	return chain, breaker
}

func newRouter(cfg *config.Config, st store.Store, wsHub *trade.WSHub,
	tradeSvc *trade.Service, accountSvc *account.Service, breaker *oracle.Breaker) http.Handler {

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
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+account.ActorHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":     "ok",
			"service":    "ledger-service",
			"price_feed": cfg.Oracle.Feed,
			"ws_clients": wsHub.Clients(),
		}
		if breaker != nil {
			resp["breaker"] = breaker.State().String()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time trade events.
		r.Get("/ws", wsHub.HandleWS)

		// Reference data.
		r.Get("/assets", tradeSvc.ListAssets)
		r.Get("/prices/{assetID}", tradeSvc.GetPrice)

		// Trade execution, restricted to the body's account_id.
		r.With(account.RequireActor(st)).Post("/trade", tradeSvc.ExecuteTrade)

		// Accounts.
		r.Post("/accounts", accountSvc.HandleRegister)
		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Use(account.RequireActor(st))

			r.Get("/", accountSvc.HandleGet)
			r.Get("/portfolio", tradeSvc.GetPortfolio)
			r.Get("/transactions", tradeSvc.ListTransactions)
			r.Get("/referral-code", accountSvc.HandleReferralCode)
			r.Get("/referrals", accountSvc.HandleListReferrals)
			r.Post("/referrals", accountSvc.HandleApplyReferral)
			r.Get("/withdrawals", accountSvc.HandleListWithdrawals)
			r.Post("/withdrawals", accountSvc.HandleRequestWithdrawal)
		})

		// Operator endpoints.
		r.Route("/admin", func(r chi.Router) {
			r.Use(account.RequireAdmin(st))

			r.Post("/accounts", accountSvc.HandleAdminCreate)
			r.Get("/accounts", accountSvc.HandleAdminSearch)
			r.Get("/accounts/{accountID}", accountSvc.HandleAdminDetail)

			r.Post("/trade", tradeSvc.AdminTrade)
			r.Get("/trades", tradeSvc.ListRecentTrades)

			r.Get("/withdrawals", accountSvc.HandleAdminWithdrawals)
			r.Post("/withdrawals/{withdrawalID}/approve", accountSvc.HandleApproveWithdrawal)
			r.Post("/withdrawals/{withdrawalID}/reject", accountSvc.HandleRejectWithdrawal)

			r.Get("/referrals", accountSvc.HandleAdminReferrals)
			r.Post("/referrals/{referralID}/credit", accountSvc.HandleCreditReferral)
		})
	})

	return r
}
