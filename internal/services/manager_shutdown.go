package services

import (
	"context"
	"errors"
	"fmt"
)

// Shutdown stops accepting connections, closes open sockets, drops every
// subscription and pending find, and finally releases the notifier and the
// store. It keeps going past individual failures and returns them joined.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil
	}
	m.initialized = false

	var errs []error
	step := func(name string, fn func() error) {
		m.logger.Info("Stopping " + name)
		if err := fn(); err != nil {
			m.logger.Error("Error stopping "+name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("HTTP server", func() error { return m.server.Stop(ctx) })
	step("websocket clients", func() error { return m.realtime.Close(ctx) })
	step("find correlator", func() error { m.correlator.Close(); return nil })
	step("subscription registry", func() error { return m.registry.Shutdown(ctx) })
	step("notifier", m.notifier.Close)
	step("store", func() error { return m.store.Close(ctx) })

	return errors.Join(errs...)
}

func (m *Manager) closeStore(ctx context.Context) {
	if err := m.store.Close(ctx); err != nil {
		m.logger.Warn("Error closing store", "error", err)
	}
}
