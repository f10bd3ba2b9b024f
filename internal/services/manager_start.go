package services

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

var errNotInitialized = errors.New("manager not initialized")

// Start serves until ctx is done or the HTTP server fails. Components stay
// up after Start returns; call Shutdown to release them.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()
	if !initialized {
		return errNotInitialized
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.server.Start(gctx)
	})

	if m.demo != nil && m.cfg.Store.Memory.DemoInsertInterval > 0 {
		mem := m.cfg.Store.Memory
		m.logger.Info("Starting demo inserter", "interval", mem.DemoInsertInterval, "collections", mem.Collections)
		g.Go(func() error {
			m.demo.RunDemoInserter(gctx, m.clock, mem.DemoInsertInterval, mem.Collections)
			return nil
		})
	}

	return g.Wait()
}
