package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/syntrixbase/feedrelay/internal/gateway/realtime"
	"github.com/syntrixbase/feedrelay/internal/gateway/rest"
)

// Server is a route registrar for the relay's HTTP surface.
// It registers the websocket endpoint, health and admin routes, and metrics
// to a given ServeMux.
type Server struct {
	rest     *rest.Handler
	realtime *realtime.Server
	metrics  http.Handler
}

// ServerOption is a function that configures a Server.
type ServerOption func(*Server)

// WithMetricsHandler replaces the default Prometheus handler.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewServer creates a new gateway Server (route registrar).
func NewServer(restHandler *rest.Handler, rt *realtime.Server, opts ...ServerOption) *Server {
	s := &Server{
		rest:     restHandler,
		realtime: rt,
		metrics:  promhttp.Handler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes registers all gateway routes to the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if s.rest != nil {
		s.rest.RegisterRoutes(mux)
	}

	if s.realtime != nil {
		mux.HandleFunc("GET /ws", s.realtime.HandleWS)
	}

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}
