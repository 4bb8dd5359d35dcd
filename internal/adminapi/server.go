// Package adminapi is the broker's ops-only HTTP surface (spec §9's
// ambient stack): health checks, readiness, version, and a JSON stats
// snapshot for operators and orchestrators. It is explicitly not the
// Iggy command transport — that is internal/tcpserver — so nothing
// here ever touches a Stream or Partition directly, only
// internal/system's read-only Stats accessor.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iggy-run/iggy/internal/drivers"
	"github.com/iggy-run/iggy/internal/system"
)

// Server is the admin HTTP surface, bound to one System instance.
type Server struct {
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
	sys        *system.System
	startTime  time.Time
	health     *drivers.HealthChecker

	requestCount int64
	errorCount   int64

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// Config configures the admin HTTP listener, its per-IP request cap,
// and which data directory the readiness check probes for writability.
type Config struct {
	Address           string
	RequestsPerSecond float64
	Burst             int
	DataDir           string
}

// NewServer builds an admin server wired to sys, ready to Start.
func NewServer(cfg Config, logger *zap.Logger, sys *system.System) *Server {
	s := &Server{
		logger:    logger,
		sys:       sys,
		startTime: time.Now(),
		router:    chi.NewRouter(),
		limiters:  make(map[string]*rate.Limiter),
		health:    drivers.NewHealthChecker(logger, drivers.WithCheckTimeout(2*time.Second)),
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	if cfg.DataDir != "" {
		s.health.RegisterCheck("data_dir_writable", dataDirWritableCheck(cfg.DataDir))
	}

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.rateLimitMiddleware(cfg.RequestsPerSecond, cfg.Burst))
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// dataDirWritableCheck confirms the broker's data directory accepts
// writes, catching a read-only filesystem or permission regression
// before a client's first failed append does.
func dataDirWritableCheck(dataDir string) drivers.HealthCheck {
	return func(ctx context.Context) error {
		probe := filepath.Join(dataDir, ".health-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return fmt.Errorf("data dir not writable: %w", err)
		}
		return os.Remove(probe)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/ready", s.handleReadiness)
	s.router.Get("/version", s.handleVersion)
	s.router.Get("/stats", s.handleStats)
	s.router.Get("/metrics", s.handleMetrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if report.Status != drivers.HealthStatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": "0.1.0",
		"go":      runtime.Version(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.Stats())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	body := fmt.Sprintf("iggy_admin_requests_total %d\niggy_admin_errors_total %d\n",
		atomic.LoadInt64(&s.requestCount),
		atomic.LoadInt64(&s.errorCount),
	)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.requestCount, 1)
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= 500 {
			atomic.AddInt64(&s.errorCount, 1)
		}
		s.logger.Info("admin request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// rateLimitMiddleware caps requests per remote address, protecting the
// admin surface from a noisy client without touching the data plane.
func (s *Server) rateLimitMiddleware(perSecond float64, burst int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := s.limiterFor(r.RemoteAddr, perSecond, burst)
			if !limiter.Allow() {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) limiterFor(addr string, perSecond float64, burst int) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[addr]
	if !ok {
		l = rate.NewLimiter(rate.Limit(perSecond), burst)
		s.limiters[addr] = l
	}
	return l
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting admin API", zap.String("address", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
