// Package app provides the top-level application lifecycle management for the
// reconciliation engine. It wires together all dependencies (stores, caches,
// blob storage, services, the broker gateway, and notifications) and starts
// the appropriate goroutines based on the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"bracketd/internal/config"
	"bracketd/internal/crypto"
	"bracketd/internal/domain"
)

// GatewayBuilder turns decrypted broker credentials into a live gateway.
// Embedding binaries register one via WithGatewayBuilder; the default build
// only ships the paper gateway.
type GatewayBuilder func(creds crypto.Credentials) (domain.Gateway, error)

// Option customises App construction.
type Option func(*App)

// WithGatewayBuilder registers a builder for live broker gateways, used when
// broker.paper is false.
func WithGatewayBuilder(b GatewayBuilder) Option {
	return func(a *App) { a.gatewayBuilder = b }
}

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	gatewayBuilder GatewayBuilder
	closers        []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *App {
	a := &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := a.Wire(ctx)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "serve":
		return a.ServeMode(ctx, deps)
	case "monitor":
		return a.MonitorMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
