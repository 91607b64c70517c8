// Package server sets up the HTTP server, router, and all route definitions.
//
// This is the composition root: New builds the database, services, guard
// and handlers and wires them to routes. main.go only loads configuration,
// picks the identity provider and calls Start.
package server

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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sakif/mailauth/internal/aurinko"
	"github.com/sakif/mailauth/internal/auth"
	"github.com/sakif/mailauth/internal/config"
	"github.com/sakif/mailauth/internal/handler"
	"github.com/sakif/mailauth/internal/identity"
	"github.com/sakif/mailauth/internal/metrics"
	"github.com/sakif/mailauth/internal/middleware"
	sqliteRepo "github.com/sakif/mailauth/internal/repository/sqlite"
	"github.com/sakif/mailauth/internal/service"
)

// Server represents the HTTP server and all its dependencies.
//
// The Server owns the database and the rate limiter's cleanup goroutine;
// Close (or the end of Start) releases both.
type Server struct {
	router   *chi.Mux
	config   *config.Config
	logger   *slog.Logger
	db       *sqliteRepo.DB
	limiter  *middleware.RateLimiter
	registry *prometheus.Registry
}

// New creates a Server.
//
// The identity provider is built by the caller: it is the one dependency
// that differs between production (Firebase) and development (local).
func New(cfg *config.Config, provider identity.Provider, logger *slog.Logger) (*Server, error) {
	db, err := sqliteRepo.New(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	aurinkoClient, err := aurinko.New(aurinko.Config{
		ClientID:     cfg.Aurinko.ClientID,
		ClientSecret: cfg.Aurinko.ClientSecret,
		PublicURL:    cfg.Aurinko.PublicURL,
		BaseURL:      cfg.Aurinko.BaseURL,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating aurinko client: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		router:   chi.NewRouter(),
		config:   cfg,
		logger:   logger,
		db:       db,
		registry: registry,
		limiter: middleware.NewRateLimiter(middleware.RateLimiterConfig{
			PerMinute:       cfg.RateLimitPerMinute,
			Burst:           cfg.RateLimitBurst,
			CleanupInterval: 5 * time.Minute,
		}, logger),
	}

	s.setupRoutes(provider, aurinkoClient, metrics.NewCollector(registry))

	logger.Info("aurinko return url", slog.String("url", aurinkoClient.ReturnURL()))
	return s, nil
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET  /healthz            → DB ping
//	GET  /metrics            → Prometheus
//	POST /auth/register      → rate limited
//	POST /auth/login         → rate limited
//	POST /auth/local/sign-in → rate limited, local identity provider only
//	GET  /auth/me            → RequireAuth
//	POST /auth/logout        → RequireAuth
//	GET  /aurinko/auth-url   → RequireAuth
//	GET  /aurinko/accounts   → RequireAuth
//	POST /aurinko/callback   → rate limited, OptionalAuth
//
// MIDDLEWARE ORDER MATTERS: RealIP must run before the logger and the rate
// limiter, both of which read RemoteAddr. It is only installed with
// TRUST_PROXY; otherwise a client could pick its own rate-limit key by
// sending a fresh X-Forwarded-For on every request.
func (s *Server) setupRoutes(provider identity.Provider, exchanger service.TokenExchanger, collector *metrics.Collector) {
	s.router.Use(chimiddleware.RequestID)
	if s.config.TrustProxy {
		s.router.Use(chimiddleware.RealIP)
	}
	s.router.Use(middleware.Logger(s.logger, middleware.LogOptions{
		Headers:   s.config.LogHeaders,
		UserAgent: s.config.LogUserAgent,
		IP:        s.config.LogIP,
		Protocol:  s.config.LogProtocol,
		Latency:   true,
	}))
	s.router.Use(chimiddleware.Recoverer)

	cookies := auth.CookiePolicy{Production: s.config.IsProduction()}
	guard := auth.NewGuard(provider, s.db, collector, s.logger)

	passwords := auth.NewPasswordService()
	authService := service.NewAuthService(provider, s.db, passwords, collector, s.logger)
	linkService := service.NewLinkService(exchanger, s.db, collector, s.logger)

	authHandler := handler.NewAuthHandler(authService, cookies, s.logger)
	aurinkoHandler := handler.NewAurinkoHandler(linkService, s.logger)
	healthHandler := handler.NewHealthHandler(s.db, s.logger)

	// Stands in for the hosted password sign-in that Firebase provides.
	var signInHandler *handler.SignInHandler
	if signer, ok := provider.(service.IDTokenSigner); ok && s.config.IdentityProvider == config.ProviderLocal {
		signInHandler = handler.NewSignInHandler(
			service.NewPasswordSignInService(signer, s.db, passwords, collector, s.logger), s.logger)
	}

	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Handle("/metrics", metrics.Handler(s.registry))

	s.router.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/register", authHandler.HandleRegister)
			r.Post("/login", authHandler.HandleLogin)
			if signInHandler != nil {
				r.Post("/local/sign-in", signInHandler.HandleSignIn)
			}
		})
		r.Group(func(r chi.Router) {
			r.Use(guard.RequireAuth)
			r.Get("/me", authHandler.HandleMe)
			r.Post("/logout", authHandler.HandleLogout)
		})
	})

	s.router.Route("/aurinko", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(guard.RequireAuth)
			r.Get("/auth-url", aurinkoHandler.HandleAuthURL)
			r.Get("/accounts", aurinkoHandler.HandleListAccounts)
		})
		r.With(s.limiter.Middleware, guard.OptionalAuth).Post("/callback", aurinkoHandler.HandleCallback)
	})
}

// Handler returns the root handler, traced with otelhttp.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "mailauth",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Close releases what New acquired. Start calls it on the way out.
func (s *Server) Close() error {
	s.limiter.Stop()
	return s.db.Close()
}

// Start serves until SIGINT/SIGTERM, then shuts down gracefully:
//  1. stop accepting new connections
//  2. wait up to 30s for in-flight requests
//  3. close the database
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("env", s.config.AppEnv),
			slog.String("identityProvider", s.config.IdentityProvider),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
