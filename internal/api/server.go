package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/errring"
)

// Server wraps the control API's HTTP server and mux.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a control API server wired with all routes. An empty
// apiToken leaves the API open; health stays public either way.
func NewServer(listenAddress string, port int, apiToken string, maxBodyBytes int64,
	ctrl CycleController, db Pinger, tenants TenantStore, registry *errring.Registry) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /health", HandleHealth(db, ctrl))

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /status", HandleStatus(ctrl))
	authed.Handle("POST /collect", HandleCollect(ctrl))
	authed.Handle("POST /upload", HandleUpload(ctrl))
	authed.Handle("POST /sync", HandleSync(ctrl))
	authed.Handle("GET /tenant", HandleTenant(tenants))
	authed.Handle("GET /errors", HandleErrors(registry))

	limited := RequestBodyLimitMiddleware(maxBodyBytes, authed)
	protected := AuthMiddleware(apiToken, limited)
	for _, route := range []string{"/status", "/collect", "/upload", "/sync", "/tenant", "/errors"} {
		mux.Handle(route, protected)
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
