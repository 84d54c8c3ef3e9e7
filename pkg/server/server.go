// Package server exposes the batch gateway over HTTP.
//
// Routes:
//
//	POST /batch-demo/api/batch              submit a batch
//	GET  /batch-demo/api/batch/{batchId}    fetch a stored result
//	DELETE /batch-demo/api/batch/{batchId}  drop a stored result
//	*    /batch-demo/api/internal/compute   simulated compute endpoint
//	GET  /health, /ready, /metrics          operations
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Sternrassler/batch-gateway/pkg/batch"
	"github.com/Sternrassler/batch-gateway/pkg/compute"
	"github.com/Sternrassler/batch-gateway/pkg/metrics"
	"github.com/Sternrassler/batch-gateway/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// Route paths.
const (
	BatchPath  = "/batch-demo/api/batch"
	LookupPath = "/batch-demo/api/batch/{batchId}"
)

// Processor runs a validated batch; *batch.Coordinator implements it.
type Processor interface {
	Process(ctx context.Context, ep batch.Endpoint, req *batch.BatchRequest) (*batch.BatchResult, error)
}

// ResultLookup serves stored results; *store.Manager implements it.
type ResultLookup interface {
	Get(ctx context.Context, batchID string) (*batch.BatchResult, error)
	Delete(ctx context.Context, batchID string) error
	Ping(ctx context.Context) error
}

// Readiness reports whether the worker pool takes work; *pool.Pool
// implements it.
type Readiness interface {
	Accepting() bool
}

// Config holds HTTP server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// MaxBodyBytes caps the inbound batch document.
	MaxBodyBytes int64
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxBodyBytes:    4 << 20,
	}
}

// Deps are the components the server routes to. Results and Limiter are
// optional.
type Deps struct {
	Coordinator Processor
	Pool        Readiness
	Results     ResultLookup
	Limiter     *ratelimit.Limiter
}

// Server is the gateway's HTTP front end.
type Server struct {
	cfg     Config
	deps    Deps
	logger  zerolog.Logger
	handler http.Handler
}

// New builds the server and its routes.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Coordinator == nil {
		return nil, errors.New("server: coordinator is required")
	}
	if deps.Pool == nil {
		return nil, errors.New("server: pool is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	batchHandler := http.Handler(http.HandlerFunc(s.handleBatch))
	if s.deps.Limiter != nil {
		batchHandler = s.deps.Limiter.Middleware(batchHandler)
	}

	mux.Handle(BatchPath, s.wrap(BatchPath, batchHandler))
	mux.Handle("GET "+LookupPath, s.wrap(LookupPath, http.HandlerFunc(s.handleLookup)))
	mux.Handle("DELETE "+LookupPath, s.wrap(LookupPath, http.HandlerFunc(s.handleDelete)))
	mux.Handle(compute.Path, s.wrap(compute.Path, compute.Handler(s.logger, nil)))
	mux.Handle("GET /health", s.wrap("/health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /ready", s.wrap("/ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

func (s *Server) wrap(route string, h http.Handler) http.Handler {
	return Chain(h, Recovery(s.logger), RequestLogger(s.logger, route))
}

// Run listens on the configured address and serves until ctx is done, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done. It returns nil after a clean
// shutdown.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:        s.handler,
		ReadTimeout:    s.cfg.ReadTimeout,
		WriteTimeout:   s.cfg.WriteTimeout,
		IdleTimeout:    s.cfg.IdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting HTTP server")
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info().Dur("timeout", s.cfg.ShutdownTimeout).Msg("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
