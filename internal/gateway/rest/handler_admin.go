package rest

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/schema"
	"github.com/syntrixbase/feedrelay/internal/relay"
)

// SubscriptionListResponse is the body of GET /api/v1/subscriptions.
type SubscriptionListResponse struct {
	Connections   int                      `json:"connections"`
	Subscriptions []relay.SubscriptionInfo `json:"subscriptions"`
}

func (h *Handler) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	var filter relay.SubscriptionFilter
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&filter, r.URL.Query()); err != nil {
		slog.Warn("ListSubscriptions: invalid query parameters", "error", err)
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid query parameters")
		return
	}

	switch filter.Mode {
	case "", relay.ModeImmediate, relay.ModeBuffered:
	default:
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid mode")
		return
	}

	writeJSON(w, http.StatusOK, SubscriptionListResponse{
		Connections:   h.subs.Connections(),
		Subscriptions: h.subs.Subscriptions(filter),
	})
}
