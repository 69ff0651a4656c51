package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"calsync/internal/cache"
	"calsync/internal/config"
	"calsync/internal/coordinator"
	appLog "calsync/internal/log"
	"calsync/internal/notify"
	"calsync/internal/ratelimit"
	"calsync/internal/retry"
	"calsync/internal/scheduler"
)

// StatusSource is the coordinator view the API reads.
type StatusSource interface {
	Status() coordinator.Status
}

// CacheAdmin exposes cache stats and a clear operation.
type CacheAdmin interface {
	CacheStats() []cache.Stats
	Clear()
}

type JobSource interface {
	Health() []scheduler.JobHealth
}

// Deps groups everything the status API reports on. Nil fields are
// omitted from /api/status.
type Deps struct {
	Status   StatusSource
	Caches   CacheAdmin
	Jobs     JobSource
	Breakers *retry.Breakers
	Buckets  []*ratelimit.Bucket
	Queues   []func() notify.QueueStats
	Metrics  http.Handler
}

// Server serves health, metrics and the engine status API.
type Server struct {
	cfg    *config.Config
	deps   Deps
	router chi.Router
	start  time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: chi.NewRouter(),
		start:  time.Now(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the router, wrapped with basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth rather than lock everyone out.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	if s.cfg != nil && len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/caches/clear", s.handleClearCaches)
	})
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// within grace.
func (s *Server) Serve(ctx context.Context, grace time.Duration) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	Uptime     string                `json:"uptime"`
	Engine     *coordinator.Status   `json:"engine,omitempty"`
	Jobs       []scheduler.JobHealth `json:"jobs,omitempty"`
	RateLimits []ratelimit.Stats     `json:"rate_limits,omitempty"`
	Caches     []cache.Stats         `json:"caches,omitempty"`
	Breakers   []retry.BreakerState  `json:"breakers,omitempty"`
	Queues     []notify.QueueStats   `json:"queues,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Uptime: time.Since(s.start).Round(time.Second).String(),
	}
	if s.deps.Status != nil {
		st := s.deps.Status.Status()
		resp.Engine = &st
	}
	if s.deps.Jobs != nil {
		resp.Jobs = s.deps.Jobs.Health()
	}
	for _, b := range s.deps.Buckets {
		resp.RateLimits = append(resp.RateLimits, b.Stats())
	}
	if s.deps.Caches != nil {
		resp.Caches = s.deps.Caches.CacheStats()
	}
	if s.deps.Breakers != nil {
		resp.Breakers = s.deps.Breakers.States()
	}
	for _, q := range s.deps.Queues {
		resp.Queues = append(resp.Queues, q())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearCaches(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Caches == nil {
		writeError(w, http.StatusNotFound, "no caches configured")
		return
	}
	s.deps.Caches.Clear()
	appLog.Info("caches cleared via API")
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
