// Package httpserver serves the HTTP surface: health, metrics, job
// status/cancel, SSE and WebSocket event streams, and the mounted MCP
// handler.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/peregrine-ai/researchd/internal/config"
	"github.com/peregrine-ai/researchd/internal/dispatch"
	"github.com/peregrine-ai/researchd/internal/events"
	"github.com/peregrine-ai/researchd/internal/metrics"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// Server is the assembled HTTP surface.
type Server struct {
	cfg        config.Config
	dispatcher *dispatch.Dispatcher
	bus        *events.Bus
	metrics    *metrics.Metrics
	mcpHandler http.Handler
	logger     *zap.Logger

	limiters   *clientLimiters
	httpServer *http.Server
}

// New builds the HTTP server. mcpHandler may be nil when the MCP SSE
// transport is not mounted.
func New(cfg config.Config, dispatcher *dispatch.Dispatcher, bus *events.Bus, m *metrics.Metrics, mcpHandler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		bus:        bus,
		metrics:    m,
		mcpHandler: mcpHandler,
		logger:     logger.Named("http"),
		limiters:   newClientLimiters(cfg.RateLimitPerMinute),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = s.withRateLimit(mux)
	if cfg.APIToken != "" {
		handler = s.withAuth(handler)
	}

	s.httpServer = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE and WebSocket streams are long-lived.
		// Stream handlers manage their own deadlines.
		IdleTimeout: 120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/events", s.handleJobEventsSSE)
	mux.HandleFunc("GET /api/v1/search", s.handleSearch)
	mux.HandleFunc("POST /api/v1/reports/{id}/rating", s.handleRateReport)
	mux.HandleFunc("GET /ws/jobs/{id}", s.handleJobEventsWS)

	if s.mcpHandler != nil {
		mux.Handle("/mcp", s.mcpHandler)
		mux.Handle("/mcp/", s.mcpHandler)
	}
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting http server",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.Bool("auth", s.cfg.APIToken != ""),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
