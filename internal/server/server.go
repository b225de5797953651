// Package server hosts the module routes, the websocket endpoints and the
// core health, module and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/fleethub/internal/metrics"
	"github.com/HerbHall/fleethub/internal/registry"
	"github.com/HerbHall/fleethub/internal/transport"
	"github.com/HerbHall/fleethub/internal/version"
)

// APIPrefix is prepended to every module REST route.
const APIPrefix = "/api/v1"

// Options tunes the server.
type Options struct {
	// RateLimit is the sustained REST requests per second allowed per
	// client address. Zero disables rate limiting.
	RateLimit float64
	Burst     int
}

// Server is the main FleetHub HTTP server.
type Server struct {
	httpServer *http.Server
	registry   *registry.Registry
	metrics    *metrics.Metrics
	logger     *zap.Logger
	mux        *http.ServeMux
	limiter    *clientLimiter
}

// New creates a server and mounts every enabled module's routes. m may be
// nil, in which case /metrics is not served.
func New(addr string, reg *registry.Registry, m *metrics.Metrics, logger *zap.Logger, opts Options) *Server {
	mux := http.NewServeMux()

	s := &Server{
		registry: reg,
		metrics:  m,
		logger:   logger,
		mux:      mux,
	}
	if opts.RateLimit > 0 {
		s.limiter = newClientLimiter(rate.Limit(opts.RateLimit), opts.Burst)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.registerCoreRoutes()
	s.mountModuleRoutes()

	return s
}

// Handler returns the root handler, including rate limiting.
func (s *Server) Handler() http.Handler {
	if s.limiter == nil {
		return s.mux
	}
	return s.rateLimit(s.mux)
}

// registerCoreRoutes sets up routes that are always available.
func (s *Server) registerCoreRoutes() {
	s.mux.HandleFunc("GET "+APIPrefix+"/health", s.handleHealth)
	s.mux.HandleFunc("GET "+APIPrefix+"/modules", s.handleModules)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// mountModuleRoutes registers module REST routes under /api/v1 and stream
// endpoints at the root.
func (s *Server) mountModuleRoutes() {
	for name, routes := range s.registry.AllRoutes() {
		for _, route := range routes {
			s.mount(name, fmt.Sprintf("%s %s%s", route.Method, APIPrefix, route.Path), route.Handler)
		}
	}
	for name, routes := range s.registry.AllStreams() {
		for _, route := range routes {
			s.mount(name, fmt.Sprintf("%s %s", route.Method, route.Path), route.Handler)
		}
	}
}

func (s *Server) mount(module, pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, h)
	s.logger.Debug("mounted route",
		zap.String("module", module),
		zap.String("pattern", pattern),
	)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Hijacked websocket connections are not tracked by the HTTP server and
// must be closed by their owning module.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version map[string]string `json:"version"`
	Counts  map[string]int    `json:"counts"`
}

// handleHealth returns the server health status.
//
//	@Summary		Health check
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Router			/health [get]
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-FleetHub-Version", version.Short())
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:  "ok",
		Service: "fleethub",
		Version: version.Map(),
		Counts:  s.registry.Counts(),
	})
}

// handleModules returns the list of registered modules.
//
//	@Summary		List modules
//	@Tags			system
//	@Produce		json
//	@Success		200	{array}	registry.ModuleInfo
//	@Router			/modules [get]
func (s *Server) handleModules(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-FleetHub-Version", version.Short())
	_ = json.NewEncoder(w).Encode(s.registry.Modules())
}

// rateLimit throttles REST requests per client. Stream upgrades are left
// alone so a fleet reconnecting through one proxy is not turned away.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAPIPath(r.URL.Path) && !s.limiter.allow(transport.ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			RateLimited(w, "request rate limit exceeded", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAPIPath(path string) bool {
	return path == APIPrefix || strings.HasPrefix(path, APIPrefix+"/")
}

// limiterIdleTTL is how long a client's bucket survives without requests.
const limiterIdleTTL = 5 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client address. Buckets idle
// for longer than limiterIdleTTL are swept on the next request after the
// sweep interval elapses.
type clientLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	clients   map[string]*clientBucket
	lastSweep time.Time
	now       func() time.Time
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		limit:     limit,
		burst:     burst,
		clients:   make(map[string]*clientBucket),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (c *clientLimiter) allow(client string) bool {
	now := c.now()

	c.mu.Lock()
	if now.Sub(c.lastSweep) >= limiterIdleTTL {
		c.sweepLocked(now)
	}
	b, ok := c.clients[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[client] = b
	}
	b.lastSeen = now
	c.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

func (c *clientLimiter) sweepLocked(now time.Time) {
	for client, b := range c.clients {
		if now.Sub(b.lastSeen) >= limiterIdleTTL {
			delete(c.clients, client)
		}
	}
	c.lastSweep = now
}
