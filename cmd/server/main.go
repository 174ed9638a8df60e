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

	"golang.org/x/sync/errgroup"

	"phoenix/internal/platform/config"
	"phoenix/internal/platform/httpserver"
	"phoenix/internal/platform/logger"
)

// main loads configuration, wires the application and runs the HTTP server,
// the store maintenance loop and the audit publisher until a signal arrives.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("phoenix stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	srv := httpserver.New(cfg.Server.Addr, app.router)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting phoenix", "addr", cfg.Server.Addr, "key_source", cfg.Keys.Source)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		app.maintain(gctx, cfg.RateLimit.SweepInterval)
		return nil
	})
	if app.auditRunner != nil {
		g.Go(func() error {
			return app.auditRunner.Run(gctx)
		})
	}
	return g.Wait()
}

// maintain purges expired replay entries and idle rate-limit windows. Redis
// expires its own keys, so only the in-process and Postgres stores need it.
func (a *application) maintain(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range a.purgers {
				n, err := p.purge(ctx)
				if err != nil {
					a.logger.WarnContext(ctx, "purge failed", "store", p.name, "error", err)
					continue
				}
				if n > 0 {
					a.logger.DebugContext(ctx, "purged expired entries", "store", p.name, "count", n)
				}
			}
		}
	}
}
