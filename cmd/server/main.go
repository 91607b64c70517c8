// Package main is the entry point for the mailauth server.
//
// main only assembles the process: it loads configuration, builds the
// logger, tracing and identity provider, and hands them to internal/server.
// All actual logic lives in internal packages.
package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sakif/mailauth/internal/config"
	"github.com/sakif/mailauth/internal/identity"
	"github.com/sakif/mailauth/internal/identity/firebase"
	"github.com/sakif/mailauth/internal/identity/local"
	"github.com/sakif/mailauth/internal/server"
	"github.com/sakif/mailauth/internal/telemetry"
)

func main() {
	// === 1. CONFIGURATION ===
	// A bootstrap logger reports config errors before LOG_LEVEL is known.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. LOGGING ===
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// === 3. TRACING ===
	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, "mailauth", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to set up tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// === 4. DATABASE DIRECTORY ===
	// A file DSN needs its directory to exist; ":memory:" and "file:" URIs don't.
	if dsn := cfg.DatabaseURL; dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			logger.Error("failed to create database directory", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// === 5. IDENTITY PROVIDER ===
	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create identity provider",
			slog.String("provider", cfg.IdentityProvider),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// === 6. SERVER ===
	srv, err := server.New(cfg, provider, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start blocks until SIGINT/SIGTERM.
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.SlogLevel() // validated by config.Load
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (identity.Provider, error) {
	if cfg.IdentityProvider == config.ProviderLocal {
		logger.Warn("using the local identity provider; do not use in production")
		return local.New(cfg.Local.Secret, cfg.Local.Project)
	}

	return firebase.New(ctx, firebase.Config{
		ProjectID: cfg.Firebase.ProjectID,
		ServiceAccount: firebase.ServiceAccount{
			ClientEmail:  cfg.Firebase.ClientEmail,
			PrivateKey:   cfg.Firebase.PrivateKey,
			PrivateKeyID: cfg.Firebase.PrivateKeyID,
			TokenURI:     cfg.Firebase.TokenURI,
		},
	}, logger)
}
