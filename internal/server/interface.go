package server

import (
	"context"
	"net"
	"net/http"
)

// Service is the network layer of the relay.
type Service interface {
	// Start initializes and starts the HTTP listener.
	// It blocks until a fatal error occurs or the context is canceled.
	Start(ctx context.Context) error

	// Stop initiates a graceful shutdown of the server.
	// It waits for active requests to drain or for the context to expire.
	// Hijacked connections (websockets) are not tracked and must be closed
	// by their owner.
	Stop(ctx context.Context) error

	// RegisterHTTPHandler registers a handler for a specific pattern.
	// This must be called BEFORE Start().
	RegisterHTTPHandler(pattern string, handler http.Handler)

	// HTTPMux returns the underlying HTTP ServeMux for direct route registration.
	// This must be called BEFORE Start().
	HTTPMux() *http.ServeMux

	// Addr returns the bound listener address, or nil before Start.
	Addr() net.Addr
}
