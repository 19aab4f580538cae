// Package server sets up the HTTP server, router, and all route definitions.
//
// This package is the composition root: New builds the store, the identity
// provider, the session service, the post service, the live query hub and
// the handlers, and setupRoutes decides which URL reaches which handler
// behind which middleware. main.go only reads configuration and calls
// Start.
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

	"github.com/sakif/feedsync/internal/auth"
	"github.com/sakif/feedsync/internal/handler"
	"github.com/sakif/feedsync/internal/identity"
	"github.com/sakif/feedsync/internal/livequery"
	"github.com/sakif/feedsync/internal/metrics"
	"github.com/sakif/feedsync/internal/middleware"
	"github.com/sakif/feedsync/internal/repository"
	pgRepo "github.com/sakif/feedsync/internal/repository/postgres"
	sqliteRepo "github.com/sakif/feedsync/internal/repository/sqlite"
	"github.com/sakif/feedsync/internal/service"
	"github.com/sakif/feedsync/internal/session"
)

// Config holds server configuration.
type Config struct {
	Port int

	// DatabaseURL selects Postgres when set; otherwise DBPath names the
	// SQLite file (":memory:" for tests).
	DBPath      string
	DatabaseURL string

	// SessionSecret signs session artifacts, IDPSecret signs ID tokens.
	// Both must be at least 16 characters.
	SessionSecret string
	IDPSecret     string

	// Production turns on the Secure cookie flag.
	Production bool

	// GitHub sign-in is enabled when ClientID and ClientSecret are set.
	GitHubClientID     string
	GitHubClientSecret string
	GitHubCallbackURL  string

	// AllowedOrigins are cross-origin hosts allowed to open the live feed
	// websocket (e.g. "localhost:3000").
	AllowedOrigins []string

	// Live overrides the live feed timings; zero values use defaults.
	Live handler.LiveConfig

	// PasswordCost overrides the bcrypt cost; zero uses the default.
	PasswordCost int

	// IDTokenTTL overrides identity.IDTokenTTL; zero uses the default.
	IDTokenTTL time.Duration
}

// Server represents the HTTP server and all its dependencies. It owns the
// store and the hub and closes both on shutdown.
type Server struct {
	router  *chi.Mux
	config  Config
	logger  *slog.Logger
	store   repository.Store
	hub     *livequery.Hub
	metrics *metrics.Metrics

	// listen follows other processes' writes (Postgres only).
	listen func(ctx context.Context) error
}

// New opens the store and wires every layer.
//
// Each layer only receives what it needs: services get repository
// interfaces, handlers get services, nobody but New knows the concrete
// store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Server, error) {
	idTokens, err := auth.NewTokenService(cfg.IDPSecret, auth.IDTokenIssuer)
	if err != nil {
		return nil, fmt.Errorf("identity token service: %w", err)
	}
	sessionTokens, err := auth.NewTokenService(cfg.SessionSecret, auth.SessionIssuer)
	if err != nil {
		return nil, fmt.Errorf("session token service: %w", err)
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	// === CREATE DATABASE ===
	if cfg.DatabaseURL != "" {
		db, err := pgRepo.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		s.store = db
		s.listen = func(ctx context.Context) error {
			return db.Listen(ctx, s.hub.Notify)
		}
	} else {
		db, err := sqliteRepo.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		s.store = db
	}

	s.hub = livequery.NewHub(s.store, logger, s.metrics)

	passwords := auth.NewPasswordService()
	if cfg.PasswordCost > 0 {
		passwords = auth.NewPasswordServiceForTest(cfg.PasswordCost)
	}
	var idpOpts []identity.ProviderOption
	if cfg.IDTokenTTL > 0 {
		idpOpts = append(idpOpts, identity.WithIDTokenTTL(cfg.IDTokenTTL))
	}
	idp := identity.NewProvider(s.store, idTokens, passwords, logger, idpOpts...)
	sessions := session.NewService(s.store, sessionTokens, idp, logger, session.WithMetrics(s.metrics))
	posts := service.NewPostService(s.store, s.hub, s.metrics, logger)

	var github *auth.GitHubProvider
	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "" {
		github = auth.NewGitHubProvider(cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.GitHubCallbackURL)
	} else {
		logger.Warn("GitHub credentials not set, GitHub sign-in is disabled")
	}

	s.setupRoutes(idp, github, sessions, posts)
	return s, nil
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// POST   /api/identity/signup   → create password account, ID token
// POST   /api/identity/signin   → ID token
// POST   /api/identity/refresh  → fresh ID token (bearer)
// GET    /auth/github/login     → redirect to GitHub
// GET    /auth/github/callback  → session cookie + redirect
// POST   /api/auth/session      → ID token → session cookie
// POST   /api/auth/signout      → clear + revoke session
// GET    /api/me                → session principal         [auth]
// GET    /api/posts             → feed page / author's posts [auth]
// POST   /api/posts             → create post               [auth]
// DELETE /api/posts/{id}        → delete own post           [auth]
// GET    /api/feed/live         → head window websocket     [auth]
// GET    /metrics               → Prometheus
//
// MIDDLEWARE ORDER MATTERS: RequestID first so every later log line can
// carry it, Recoverer last so it catches panics from everything below.
func (s *Server) setupRoutes(
	idp *identity.Provider,
	github *auth.GitHubProvider,
	sessions *session.Service,
	posts *service.PostService,
) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(chimiddleware.Recoverer)

	cookies := session.CookiePolicy{Secure: s.config.Production}

	identityHandler := handler.NewIdentityHandler(idp, github, sessions, cookies, s.logger)
	sessionHandler := handler.NewSessionHandler(sessions, cookies, s.logger)
	postHandler := handler.NewPostHandler(posts, s.logger)

	liveCfg := s.config.Live
	liveCfg.OriginPatterns = s.config.AllowedOrigins
	liveHandler := handler.NewLiveHandler(s.hub, sessions, liveCfg, s.logger)

	requireAuth := auth.RequireAuth(sessions)

	s.router.Get("/auth/github/login", identityHandler.HandleGitHubLogin)
	s.router.Get("/auth/github/callback", identityHandler.HandleGitHubCallback)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/identity/signup", identityHandler.HandleSignUp)
		r.Post("/identity/signin", identityHandler.HandleSignIn)
		r.Post("/identity/refresh", identityHandler.HandleRefresh)

		r.Post("/auth/session", sessionHandler.HandleExchange)
		r.Post("/auth/signout", sessionHandler.HandleSignOut)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/me", sessionHandler.HandleMe)
			r.Get("/posts", postHandler.HandleList)
			r.Post("/posts", postHandler.HandleCreate)
			r.Delete("/posts/{id}", postHandler.HandleDelete)
			r.Get("/feed/live", liveHandler.HandleLive)
		})
	})
}

// Handler returns the router. Tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops the hub and closes the store.
func (s *Server) Close() error {
	s.hub.Close()
	return s.store.Close()
}

// Start serves until SIGINT/SIGTERM, then shuts down gracefully:
//  1. Stop accepting new HTTP connections
//  2. Wait for in-flight requests to finish (30s timeout)
//  3. End live subscriptions and close the store
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
		// Only the header read is bounded: live feed connections stay open,
		// and each websocket frame write carries its own deadline.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	listenCtx, stopListen := context.WithCancel(context.Background())
	defer stopListen()
	if s.listen != nil {
		go func() {
			if err := s.listen(listenCtx); err != nil {
				s.logger.Error("post listener stopped", slog.String("error", err.Error()))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.Bool("postgres", s.config.DatabaseURL != ""),
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

		// Hijacked websocket connections are invisible to Shutdown; ending
		// the hub closes their subscriptions so the handlers return.
		s.hub.Close()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
