// Package mongo implements store.Store on top of MongoDB change streams.
package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/syntrixbase/feedrelay/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store is a store.Store backed by one MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New connects to MongoDB and verifies the connection with a ping.
func New(ctx context.Context, cfg store.MongoConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &Store{
		client: client,
		db:     client.Database(cfg.DatabaseName),
		logger: logger.With("component", "store.mongo", "database", cfg.DatabaseName),
	}, nil
}

func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	return s.db.ListCollectionNames(ctx, bson.D{})
}

func (s *Store) Collection(name string) store.Collection {
	return &collection{coll: s.db.Collection(name), logger: s.logger.With("collection", name)}
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// DB exposes the underlying database, mainly for tests.
func (s *Store) DB() *mongo.Database {
	return s.db
}

type collection struct {
	coll   *mongo.Collection
	logger *slog.Logger
}

func (c *collection) Name() string {
	return c.coll.Name()
}

func (c *collection) Aggregate(ctx context.Context, raw json.RawMessage) ([]store.Document, error) {
	pipeline, err := parsePipeline(raw)
	if err != nil {
		return nil, err
	}

	cursor, err := c.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	return readAll(ctx, cursor)
}

func (c *collection) Find(ctx context.Context, rawQuery json.RawMessage, rawOpts json.RawMessage) ([]store.Document, error) {
	filter, err := parseQuery(rawQuery)
	if err != nil {
		return nil, err
	}
	findOpts, err := parseFindOptions(rawOpts)
	if err != nil {
		return nil, err
	}

	cursor, err := c.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	return readAll(ctx, cursor)
}

func (c *collection) Watch(ctx context.Context, raw json.RawMessage) (store.Watcher, error) {
	pipeline, err := parsePipeline(raw)
	if err != nil {
		return nil, err
	}

	stream, err := c.coll.Watch(ctx, pipeline, options.ChangeStream())
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w := &watcher{
		events: make(chan store.ChangeEvent, 64),
		cancel: cancel,
		logger: c.logger,
	}
	go w.run(runCtx, stream, c.coll.Name())
	return w, nil
}

func readAll(ctx context.Context, cursor *mongo.Cursor) ([]store.Document, error) {
	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, err
	}

	docs := make([]store.Document, len(raw))
	for i, m := range raw {
		docs[i] = store.Document(m)
	}
	return docs, nil
}
