/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, then environment)
  2. Open the store selected by STORE_DRIVER
  3. Pick the pair locker (Redis when REDIS_ADDR is set)
  4. Build the service, handler and router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -issue-token ROLE   Print a bearer token for ROLE and exit
  -subject ID         Subject for -issue-token (default: cli)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  3. Close store and Redis connections
  4. Exit

EXAMPLES:
  # SQLite file (default)
  SQLITE_PATH=./data/stock.db ./server

  # Postgres with a Redis lock shared between replicas
  STORE_DRIVER=postgres PG_DSN=postgres://... REDIS_ADDR=localhost:6379 ./server

  # In-memory with demo data
  STORE_DRIVER=memory SEED_DEMO=true ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/lock"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/stock/store"
	"github.com/warp/stock-ledger/store/postgres"
	"github.com/warp/stock-ledger/store/sqlite"
)

func main() {
	issueToken := flag.String("issue-token", "", "print a bearer token for the given role and exit")
	subject := flag.String("subject", "cli", "subject for -issue-token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	if *issueToken != "" {
		tok, err := api.NewAuthenticator(cfg.JWTSecret).IssueToken(*subject, stock.Role(*issueToken), 24*time.Hour)
		if err != nil {
			logger.Error("issue token", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore.Close()

	svcCfg := cfg.ServiceConfig()
	svcCfg.Logger = logger
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		svcCfg.Locker = lock.NewRedis(client, cfg.LockTTL)
		logger.Info("using redis pair lock", slog.String("addr", cfg.RedisAddr))
	} else {
		svcCfg.Locker = lock.NewKeyed()
	}

	svc := stock.NewService(db, svcCfg)
	handler := api.NewHandler(svc, logger)
	if cfg.SeedDemo {
		if err := handler.LoadScenarioByID(ctx, "receipts"); err != nil {
			return fmt.Errorf("seed demo: %w", err)
		}
	}

	router := api.NewRouter(handler, api.RouterOptions{
		Auth:               api.NewAuthenticator(cfg.JWTSecret),
		AllowedOrigins:     cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RequestTimeout:     cfg.AppRequestTimeout,
		Production:         cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("addr", cfg.AppAddr),
			slog.String("store", cfg.StoreDriver),
			slog.String("env", cfg.AppEnv),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// openStore returns the configured store and its closer.
func openStore(ctx context.Context, cfg *config.Config) (stock.Store, io.Closer, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := postgres.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize postgres: %w", err)
		}
		return pg, pg, nil
	case "memory":
		return store.NewMemory(), io.NopCloser(nil), nil
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." && cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		lite, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return lite, lite, nil
	}
}
