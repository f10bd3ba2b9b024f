package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/syntrixbase/feedrelay/internal/gateway"
	"github.com/syntrixbase/feedrelay/internal/gateway/realtime"
	"github.com/syntrixbase/feedrelay/internal/gateway/rest"
	"github.com/syntrixbase/feedrelay/internal/notify"
	"github.com/syntrixbase/feedrelay/internal/relay"
	"github.com/syntrixbase/feedrelay/internal/server"
	"github.com/syntrixbase/feedrelay/internal/store"
	"github.com/syntrixbase/feedrelay/internal/store/memory"
	"github.com/syntrixbase/feedrelay/internal/store/mongo"
)

var errAlreadyInitialized = errors.New("manager already initialized")

// Overridable in tests.
var (
	mongoStoreFactory = func(ctx context.Context, cfg store.MongoConfig, logger *slog.Logger) (store.Store, error) {
		return mongo.New(ctx, cfg, logger)
	}
	notifierFactory = notify.New
)

func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return errAlreadyInitialized
	}

	var restOpts []rest.HandlerOption
	if keyFile := m.cfg.Gateway.Admin.PublicKeyFile; m.cfg.Gateway.Admin.Enabled && keyFile != "" {
		verifier, err := rest.LoadTokenVerifier(keyFile)
		if err != nil {
			return err
		}
		restOpts = append(restOpts, rest.WithAdminAuth(verifier))
		m.logger.Info("Admin endpoints require a bearer token", "key_file", keyFile)
	}

	if err := m.initStore(ctx); err != nil {
		return err
	}

	notifier, err := notifierFactory(m.cfg.Notify, m.logger)
	if err != nil {
		m.closeStore(ctx)
		return fmt.Errorf("failed to create notifier: %w", err)
	}
	m.notifier = notifier

	m.initRelay()
	m.initServer(restOpts...)

	m.initialized = true
	return nil
}

func (m *Manager) initStore(ctx context.Context) error {
	cfg := m.cfg.Store
	switch cfg.Backend {
	case store.BackendMemory:
		st := memory.New(m.logger, cfg.Memory.Collections...)
		m.store = st
		m.demo = st
		m.logger.Info("Using in-memory store", "collections", cfg.Memory.Collections)
	default:
		st, err := mongoStoreFactory(ctx, cfg.Mongo, m.logger)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		m.store = st
		m.logger.Info("Connected to MongoDB", "database", cfg.Mongo.DatabaseName)
	}
	return nil
}

func (m *Manager) initRelay() {
	// Both backends report missing collections against the configured
	// database name.
	resolver := relay.NewResolver(m.store, m.cfg.Store.Mongo.DatabaseName, m.logger)

	m.registry = relay.NewRegistry(resolver,
		relay.WithClock(m.clock),
		relay.WithLogger(m.logger),
		relay.WithNotifier(m.notifier),
		relay.WithMaxChangeLimit(m.cfg.Relay.MaxChangeLimit),
	)
	m.correlator = relay.NewCorrelator(resolver,
		relay.WithFindTimeout(m.cfg.Relay.FindTimeout),
		relay.WithCorrelatorLogger(m.logger),
	)
}

func (m *Manager) initServer(restOpts ...rest.HandlerOption) {
	m.realtime = realtime.NewServer(m.registry, m.correlator, m.cfg.Gateway.Realtime,
		realtime.WithLogger(m.logger),
		realtime.WithSubscribeTimeout(m.cfg.Relay.SubscribeTimeout),
	)

	st := m.store
	opts := append([]rest.HandlerOption{
		rest.WithAdmin(m.cfg.Gateway.Admin.Enabled),
		rest.WithReadinessCheck(func(ctx context.Context) error {
			_, err := st.ListCollections(ctx)
			return err
		}),
	}, restOpts...)
	restHandler := rest.NewHandler(m.registry, opts...)

	m.server = server.New(m.cfg.Server, m.logger)
	gateway.NewServer(restHandler, m.realtime).RegisterRoutes(m.server.HTTPMux())
}
