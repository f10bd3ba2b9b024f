package rest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/syntrixbase/feedrelay/internal/relay"
)

// Default request timeout
const (
	DefaultRequestTimeout = 10 * time.Second
	HealthRequestTimeout  = 5 * time.Second
)

// APIError represents a structured error response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// SubscriptionLister is the read-only view of the registry served by the
// admin endpoints.
type SubscriptionLister interface {
	Subscriptions(filter relay.SubscriptionFilter) []relay.SubscriptionInfo
	Connections() int
}

// ReadinessCheck reports whether the backing store can serve requests.
type ReadinessCheck func(ctx context.Context) error

type Handler struct {
	subs     SubscriptionLister
	ready    ReadinessCheck
	admin    bool
	verifier *TokenVerifier
}

type HandlerOption func(*Handler)

// WithReadinessCheck makes GET /readyz run check.
func WithReadinessCheck(check ReadinessCheck) HandlerOption {
	return func(h *Handler) {
		h.ready = check
	}
}

// WithAdmin enables or disables the admin endpoints.
func WithAdmin(enabled bool) HandlerOption {
	return func(h *Handler) {
		h.admin = enabled
	}
}

// WithAdminAuth requires admin requests to carry a token accepted by v.
func WithAdminAuth(v *TokenVerifier) HandlerOption {
	return func(h *Handler) {
		h.verifier = v
	}
}

func NewHandler(subs SubscriptionLister, opts ...HandlerOption) *Handler {
	if subs == nil {
		panic("subscription lister cannot be nil")
	}
	h := &Handler{subs: subs, admin: true}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Health checks (minimal timeout)
	mux.HandleFunc("GET /healthz", withTimeout(h.handleHealth, HealthRequestTimeout))
	mux.HandleFunc("GET /readyz", withTimeout(h.handleReady, HealthRequestTimeout))

	if h.admin {
		mux.HandleFunc("GET /api/v1/subscriptions", withTimeout(h.adminOnly(h.handleListSubscriptions), DefaultRequestTimeout))
	}
}

// writeError writes a structured JSON error response
func writeError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{Code: code, Message: message}); err != nil {
		slog.Warn("Failed to encode error response", "error", err)
	}
}

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Failed to encode JSON response", "error", err)
	}
}

// withTimeout wraps a handler with a context timeout
func withTimeout(next http.HandlerFunc, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}
