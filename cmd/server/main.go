package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vdavid/mailhook/internal/config"
	"github.com/vdavid/mailhook/internal/db"
	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/server"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer func() { _ = logFile.Close() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(cfg); err != nil {
		logger.Fatal("Failed to run migrations", "error", err)
	}

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer db.CloseConnection(pool)

	logger.Info("Successfully connected to database")

	app, err := server.NewApp(cfg, pool)
	if err != nil {
		logger.Fatal("Failed to build services", "error", err)
	}

	if cfg.IMAP.Address != "" {
		if err := app.StartIMAPSource(ctx, cfg.IMAP, pool); err != nil {
			logger.Fatal("Failed to start IMAP source", "error", err)
		}
	}

	if err := serve(ctx, ":"+cfg.Port, app.Handler()); err != nil {
		logger.Fatal("Server failed", "error", err)
	}
}

// serve runs the HTTP server until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, address string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Mailhook server starting", "address", address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
