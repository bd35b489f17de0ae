// Package server hosts the runtime's shared HTTP surface: provider
// callback routes under /callbacks/{provider}, the /healthz provider
// state report, and prometheus metrics on /metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/vtubeflow/internal/metrics"
	"github.com/BaSui01/vtubeflow/registry"
)

// CallbackHandler processes one provider callback request body.
type CallbackHandler = registry.CallbackHandler

// Server is the shared HTTP server.
type Server struct {
	addr   string
	logger *zap.Logger

	mu        sync.RWMutex
	callbacks map[string]CallbackHandler

	limiter *rate.Limiter
	httpSrv *http.Server
	ln      net.Listener
}

// New creates the server. The registry snapshot feeds /healthz; the
// collector's registry feeds /metrics.
func New(addr string, reg *registry.Registry, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		addr:      addr,
		logger:    logger.With(zap.String("component", "http_server")),
		callbacks: make(map[string]CallbackHandler),
		// 50 rps, burst 100 across all callback routes.
		limiter: rate.NewLimiter(50, 100),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /callbacks/{provider}", s.handleCallback)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"providers": reg.Snapshot(),
		})
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// RegisterCallback routes POST /callbacks/<name> to handler. Later
// registrations replace earlier ones.
func (s *Server) RegisterCallback(name string, handler CallbackHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[name] = handler
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	name := r.PathValue("provider")

	s.mu.RLock()
	handler, ok := s.callbacks[name]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, fmt.Sprintf("no callback registered for %q", name), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := handler(r.Context(), body); err != nil {
		s.logger.Warn("callback handler failed",
			zap.String("provider", name), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Start begins serving. Returns once the listener is bound; serving
// continues in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address (useful with a ":0" listen address).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
