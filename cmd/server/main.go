/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the lot ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load .env and config
  2. Open the store (memory, SQLite or Postgres; migrations run on open)
  3. Optionally connect Redis for task locks and the batch cache
  4. Build the ledger service, API handler and router
  5. Optionally receive batches from an xlsx file
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config     YAML config file (optional; LEDGER_* env vars always apply)
  -env        .env file to load (default: .env)
  -seed-xlsx  Receive batches from this spreadsheet before serving

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close store and Redis connections
  4. Exit

EXAMPLES:
  # SQLite file database
  LEDGER_STORE_DSN=./data/ledger.db ./server

  # Postgres with Redis locks
  LEDGER_STORE_DRIVER=postgres LEDGER_STORE_DSN=postgres://... \
  LEDGER_REDIS_ADDR=localhost:6379 ./server

  # Throwaway in-memory ledger with demo scenarios
  LEDGER_STORE_DRIVER=memory LEDGER_SCENARIOS_ENABLED=true ./server

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/lot-ledger/api"
	"github.com/warp/lot-ledger/config"
	"github.com/warp/lot-ledger/factory"
	"github.com/warp/lot-ledger/ledger"
	"github.com/warp/lot-ledger/ledger/store"
	"github.com/warp/lot-ledger/metrics"
	redisstore "github.com/warp/lot-ledger/store/redis"
	"github.com/warp/lot-ledger/store/sqlstore"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	envFile := flag.String("env", ".env", ".env file to load")
	seedXLSX := flag.String("seed-xlsx", "", "receive batches from this xlsx file at startup")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := config.NewLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log, *seedXLSX); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg config.Config, log *logrus.Logger, seedXLSX string) error {
	ctx := context.Background()

	// Initialize store
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []ledger.Option{ledger.WithLogger(log)}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		opts = append(opts, ledger.WithObserver(m))
	}

	if cfg.Redis.Addr != "" {
		client, err := redisstore.NewClient(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, ledger.WithLocker(redisstore.NewLocker(client, cfg.Redis.LockTTL, log)))
		if cfg.Redis.CacheTTL > 0 {
			opts = append(opts, ledger.WithCatalog(redisstore.NewCachedCatalog(st, client, cfg.Redis.CacheTTL, log)))
		}
		log.WithField("addr", cfg.Redis.Addr).Info("redis locks enabled")
	}

	svc := ledger.NewService(st, cfg.LedgerConfig(), opts...)

	// Initialize handler
	handler := api.NewHandler(svc, log)

	if seedXLSX != "" {
		if err := seed(ctx, svc, seedXLSX, log); err != nil {
			return err
		}
	}

	// Create router
	routerOpts := api.RouterOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Scenarios:      cfg.Scenarios.Enabled,
	}
	if m != nil {
		routerOpts.Metrics = m.Handler()
	}
	router := api.NewRouter(handler, routerOpts)

	// Create server
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.HTTP.Addr, "store": cfg.Store.Driver}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-quit:
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log *logrus.Logger) (ledger.TxStore, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory store; data is lost on exit")
		return store.NewMemory(), func() {}, nil
	case config.DriverSQLite:
		s, err := sqlstore.OpenSQLite(ctx, cfg.Store.DSN, log)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.DriverPostgres:
		s, err := sqlstore.OpenPostgres(ctx, cfg.Store.DSN, log)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func seed(ctx context.Context, svc *ledger.Service, path string, log *logrus.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	rows, err := factory.ImportBatchesXLSX(f)
	if err != nil {
		return fmt.Errorf("seed %s: %w", path, err)
	}
	for _, row := range rows {
		if _, err := svc.ReceiveBatch(ctx, row.Batch); err != nil {
			return fmt.Errorf("seed %s row %d: %w", path, row.Row, err)
		}
	}
	log.WithField("rows", len(rows)).Info("seeded batches")
	return nil
}
