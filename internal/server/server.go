package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/faucetdb/keyhub/internal/handler"
	"github.com/faucetdb/keyhub/internal/metrics"
	"github.com/faucetdb/keyhub/internal/model"
	"github.com/faucetdb/keyhub/internal/server/middleware"
	"github.com/faucetdb/keyhub/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	AdminRoles      []string
	LoginRateLimit  int   // per IP per minute, 0 disables
	APIRateLimit    int   // per API key per minute, 0 disables
	MaxBodySize     int64 // bytes
	BaseURL         string
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		AdminRoles:      []string{"admin", "super_admin"},
		LoginRateLimit:  30,
		APIRateLimit:    600,
		MaxBodySize:     1 << 20, // 1MB
		Version:         "dev",
	}
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the server routes to.
type Deps struct {
	Store    Pinger
	Auth     *service.AuthService
	Keys     *service.AuthKeyService
	Guard    *service.SessionGuard
	Audit    *service.AuditTrail
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// Server is the top-level HTTP server for keyhub.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Metrics(s.deps.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", middleware.HeaderAPIKey, "X-Requested-With"},
		ExposedHeaders: []string{
			middleware.HeaderRequestID,
			middleware.HeaderNewAccessToken,
			middleware.HeaderTokenRefreshed,
		},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}

	// --- Probes and docs (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.cfg.BaseURL, s.cfg.Version).ServeSpec)

	sessions := handler.NewSessionHandler(s.deps.Auth, s.logger)
	keys := handler.NewKeyHandler(s.deps.Keys, s.logger)
	audit := handler.NewAuditHandler(s.deps.Audit, s.logger)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(s.cfg.LoginRateLimit)).Post("/auth/login", sessions.Login)
		r.Post("/auth/refresh", sessions.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.deps.Guard))

			r.Post("/auth/logout", sessions.Logout)

			// End-user key management
			r.Route("/keys", func(r chi.Router) {
				r.Use(middleware.RequireKind(model.KindUser))
				r.Get("/", keys.List)
				r.Post("/", keys.Create)
				r.Get("/stats", keys.Stats)
				r.Get("/{keyId}", keys.Get)
				r.Put("/{keyId}/extend", keys.Extend)
				r.Delete("/{keyId}", keys.Revoke)
			})

			// Administration
			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireKind(model.KindAdmin))
				r.Use(middleware.RequireRoles(s.deps.Guard, s.cfg.AdminRoles...))

				r.Get("/keys", keys.List)
				r.Get("/keys/stats", keys.Stats)
				r.Get("/keys/{keyId}", keys.Get)
				r.Post("/keys/{keyId}/approve", keys.Approve)
				r.Post("/keys/{keyId}/reject", keys.Reject)
				r.Put("/keys/{keyId}/extend", keys.Extend)
				r.Delete("/keys/{keyId}", keys.Revoke)

				r.Get("/audit", audit.List)
			})
		})
	})

	// --- External API gate ---
	r.Route("/openapi/v1", func(r chi.Router) {
		r.Use(middleware.RateLimitByHeader(middleware.HeaderAPIKey, s.cfg.APIRateLimit))
		r.Use(middleware.APIKey(s.deps.Keys))
		r.Get("/ping", handler.Ping)
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the store is
// reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{"store": "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.deps.Store == nil {
		checks["store"] = "not configured"
		status = "degraded"
	} else if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		checks["store"] = "unreachable"
		status = "degraded"
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before flushing the audit trail.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Flush queued audit events once no request can add more.
	if s.deps.Audit != nil {
		s.deps.Audit.Stop()
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
