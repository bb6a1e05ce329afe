// Package server exposes the local HTTP surface the editor client talks to:
// a streaming chat endpoint, credential management, and health probes.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/florianilch/polybridge/internal/account"
	"github.com/florianilch/polybridge/internal/observability/middleware"
	"github.com/florianilch/polybridge/internal/orchestrator"
	"github.com/florianilch/polybridge/internal/quota"
)

// ReadinessChecker reports whether the application can serve traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// Options configures the Server.
type Options struct {
	// MaxRequestBytes bounds incoming request bodies.
	MaxRequestBytes int64
}

// Server is the local HTTP listener.
type Server struct {
	httpServer *http.Server
}

// New assembles the router and middleware chain.
func New(
	orch *orchestrator.Orchestrator,
	registry *account.Registry,
	quotas *quota.Store,
	readiness ReadinessChecker,
	opts Options,
) *Server {
	maxBytes := opts.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}

	mux := http.NewServeMux()

	chat := &ChatHandler{Orchestrator: orch}
	accounts := &AccountsHandler{Registry: registry, Quotas: quotas}

	mux.Handle("POST /v1/chat", chat)
	mux.HandleFunc("GET /v1/accounts", accounts.list)
	mux.HandleFunc("POST /v1/accounts", accounts.add)
	mux.HandleFunc("DELETE /v1/accounts/{id}", accounts.remove)
	mux.HandleFunc("POST /v1/accounts/{id}/activate", accounts.activate)
	mux.HandleFunc("PUT /v1/providers/{provider}/load-balance", accounts.setLoadBalance)
	mux.HandleFunc("GET /livez", livenessHandler())
	mux.HandleFunc("GET /readyz", readinessHandler(readiness))

	handler := applyMiddlewares(mux,
		middleware.RequestIDGeneration,
		middleware.TraceContextExtraction,
		middleware.Logging(slog.Default()),
		middleware.RequestIDPropagation,
		Recovery,
		RequestSizeLimit(maxBytes),
	)

	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// WriteTimeout stays zero: chat responses stream for as long as
			// the upstream produces tokens.
		},
	}
}

// Start begins listening on addr. It returns a channel that receives the
// terminal serve error, and an immediate error when the listener cannot be
// created.
func (s *Server) Start(ctx context.Context, addr string) (<-chan error, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "http server listening", "addr", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
