package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg := loadConfig()
	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.APIKey == "" {
		logger.Warn("API_KEY is empty, control API is open")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persist, err := newPersistence(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	defer persist.close()

	pool, err := loadPool(ctx, cfg, persist, logger)
	if err != nil {
		return err
	}

	provider := newCloudflareClient(cfg, logger)
	eng := newEngine(cfg, pool, provider, persist, logger)

	// reconcile before accepting requests; a failed pass is not fatal
	if _, err := eng.reconcileFromProvider(ctx); err != nil {
		logger.Error("startup reconcile failed, serving current ledger", "err", err)
	}

	s := &server{
		cfg:    cfg,
		engine: eng,
		log:    logger.With("component", "server"),
		start:  time.Now(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runHTTP(gctx) })
	if cfg.DNSListen != "" {
		g.Go(func() error { return s.runDNS(gctx, "udp") })
		g.Go(func() error { return s.runDNS(gctx, "tcp") })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// loadPool seeds fixed_endpoints from FIXED_ENDPOINTS when the table is empty
// and returns the resulting pool.
func loadPool(ctx context.Context, cfg config, persist *persistence, logger *slog.Logger) (*endpointPool, error) {
	if len(cfg.FixedEndpoints) > 0 {
		entries, err := parseFixedEndpoints(cfg.FixedEndpoints)
		if err != nil {
			return nil, fmt.Errorf("FIXED_ENDPOINTS: %w", err)
		}
		n, err := persist.seedFixedEndpoints(ctx, entries)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			logger.Info("seeded fixed endpoints", "count", n)
		}
	}

	entries, err := persist.loadFixedEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	pool := newEndpointPool(entries)
	if pool.size() == 0 {
		logger.Warn("endpoint pool is empty, pool-based domains cannot be created")
	} else {
		logger.Info("endpoint pool loaded", "size", pool.size())
	}
	return pool, nil
}
