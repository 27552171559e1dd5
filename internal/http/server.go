// Package http exposes the attribution, allocation, and matching
// operations as a JSON API. Every operation is scoped to the family
// named in the X-Family-ID header.
package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"famledger/internal/allocator"
	"famledger/internal/cache"
	"famledger/internal/ledger"
	applog "famledger/internal/log"
	"famledger/internal/matcher"
)

type Server struct {
	http.Server

	ledger    *ledger.Service
	allocator *allocator.Service
	matcher   *matcher.Service

	// listCache holds attribution list responses per income event,
	// invalidated on every attribution write.
	listCache    *cache.LRUCache[attributionsListResponse]
	cacheManager *cache.Manager

	rateLimiter  *rateLimiter
	metrics      *securityMetrics
	logger       *applog.Logger
	structured   *applog.StructuredLogger
	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server.
func NewServer(addr string, ledgerSvc *ledger.Service, allocatorSvc *allocator.Service, matcherSvc *matcher.Service) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: mux,
		},
		ledger:       ledgerSvc,
		allocator:    allocatorSvc,
		matcher:      matcherSvc,
		listCache:    cache.NewLRUCache[attributionsListResponse](256, 30*time.Second),
		cacheManager: cache.NewManager(),
		rateLimiter:  newRateLimiter(),
		metrics:      &securityMetrics{},
		logger:       applog.New(applog.DefaultConfig()).WithComponent(applog.ComponentHTTP),
	}
	s.structured = applog.NewStructuredLogger(s.logger)

	s.cacheManager.Register(s.listCache)
	s.cacheManager.StartCleanup(10 * time.Minute)

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", handleReady)

	mux.HandleFunc("POST /attributions", s.withAPIMiddleware(s.handleCreateAttribution))
	mux.HandleFunc("DELETE /attributions/{id}", s.withAPIMiddleware(s.handleRemoveAttribution))
	mux.HandleFunc("GET /attributions", s.withAPIMiddleware(s.handleListAttributions))
	mux.HandleFunc("POST /allocations/generate", s.withAPIMiddleware(s.handleGenerateAllocations))
	mux.HandleFunc("POST /match", s.withAPIMiddleware(s.handleMatch))

	return s
}

// Shutdown gracefully shuts down the server and cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.cacheManager != nil {
			s.cacheManager.Stop()
		}
		if s.rateLimiter != nil {
			s.rateLimiter.shutdown()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// withAPIMiddleware adds request tracing, rate limiting, and security
// headers to API handlers.
func (s *Server) withAPIMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		clientIP := extractClientIP(r)
		requestID := generateRequestID()

		reqLogger := s.logger.With(applog.FieldRequestID, requestID)
		ctx := context.WithValue(r.Context(), applog.LoggerContextKey, reqLogger)
		r = r.WithContext(ctx)

		s.structured.LogHTTPStart(ctx, r, clientIP)

		// Mutating requests are rate limited per client.
		if r.Method != http.MethodGet && !s.rateLimiter.allow(clientIP, s.metrics) {
			reqLogger.WarnContext(ctx, "Rate limit exceeded",
				applog.FieldClientIP, clientIP,
				applog.FieldMethod, r.Method,
				applog.FieldPath, r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		duration := time.Since(start)
		s.structured.LogHTTPEnd(ctx, r, rw.statusCode, duration.Milliseconds(), clientIP)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// generateRequestID creates a unique request ID for tracing.
func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp if random fails
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
