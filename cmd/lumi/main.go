// Package main runs the Lumi workflow service: webhook and tool endpoints
// in front of the durable workflow engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumi-retreat/lumi"
	"github.com/lumi-retreat/lumi/internal/config"
	"github.com/lumi-retreat/lumi/internal/httpapi"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("lumi stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	n, err := lumi.Recover(ctx, app.bundle.Engine)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	logger.Info("recovered runs", "count", n)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.New(app.records, app.bundle.Engine, httpapi.Config{WebhookSecret: cfg.WebhookSecret, RequireSecret: cfg.RequireWebhookSecret, DevMode: cfg.DevMode, Logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.bundle.Worker.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "store", cfg.Store, "records", cfg.Records)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("lumi shut down")
	return nil
}
