// Package services wires the relay components into one process and owns
// their lifecycle: Init builds everything, Start serves until the context
// ends, Shutdown tears down in dependency order.
package services

import (
	"log/slog"
	"net"
	"sync"

	"github.com/juju/clock"
	"github.com/syntrixbase/feedrelay/internal/config"
	"github.com/syntrixbase/feedrelay/internal/gateway/realtime"
	"github.com/syntrixbase/feedrelay/internal/notify"
	"github.com/syntrixbase/feedrelay/internal/relay"
	"github.com/syntrixbase/feedrelay/internal/server"
	"github.com/syntrixbase/feedrelay/internal/store"
	"github.com/syntrixbase/feedrelay/internal/store/memory"
)

type Manager struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	store      store.Store
	demo       *memory.Store // set only for the memory backend
	notifier   notify.Notifier
	registry   *relay.Registry
	correlator *relay.Correlator
	realtime   *realtime.Server
	server     server.Service

	mu          sync.Mutex
	initialized bool
}

func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		clock:  clock.WallClock,
	}
}

// Registry exposes the subscription registry, mainly for tests.
func (m *Manager) Registry() *relay.Registry {
	return m.registry
}

// Addr returns the HTTP listen address once Start has bound it.
func (m *Manager) Addr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}
