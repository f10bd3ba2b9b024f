package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakePublisher) Drain() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = true
	return nil
}

func withFakeConnect(t *testing.T, fake *fakePublisher, connectErr error) {
	t.Helper()
	orig := natsConnect
	natsConnect = func(string) (publisher, error) {
		if connectErr != nil {
			return nil, connectErr
		}
		return fake, nil
	}
	t.Cleanup(func() { natsConnect = orig })
}

func TestNATSNotifier_Publish(t *testing.T) {
	fake := &fakePublisher{}
	withFakeConnect(t, fake, nil)

	n, err := New(Config{NatsURL: "nats://example:4222", SubjectPrefix: "feedrelay"}, nil)
	require.NoError(t, err)

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, n.Notify(context.Background(), Event{
		Kind:         KindSubscriptionOpened,
		ConnectionID: "c1",
		Collection:   "orders",
		Mode:         "buffered",
		Timestamp:    ts,
	}))

	require.Len(t, fake.subjects, 1)
	assert.Equal(t, "feedrelay.subscription.opened", fake.subjects[0])

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(fake.payloads[0], &decoded))
	assert.Equal(t, "subscription.opened", decoded["kind"])
	assert.Equal(t, "c1", decoded["connectionId"])
	assert.Equal(t, "orders", decoded["collectionName"])
	assert.NotContains(t, decoded, "reason")

	require.NoError(t, n.Close())
	assert.True(t, fake.drained)
}

func TestNATSNotifier_Errors(t *testing.T) {
	withFakeConnect(t, nil, errors.New("no servers"))
	_, err := New(Config{NatsURL: "nats://nowhere:4222"}, nil)
	assert.ErrorContains(t, err, "no servers")

	fake := &fakePublisher{err: errors.New("connection closed")}
	withFakeConnect(t, fake, nil)
	n, err := NewNATSNotifier("nats://example:4222", "", nil)
	require.NoError(t, err)

	err = n.Notify(context.Background(), Event{Kind: KindConnectionClosed})
	assert.ErrorContains(t, err, "connection.closed")
}

func TestNew_LogNotifierWithoutURL(t *testing.T) {
	n, err := New(Config{}, nil)
	require.NoError(t, err)
	_, ok := n.(*logNotifier)
	assert.True(t, ok)
	assert.NoError(t, n.Notify(context.Background(), Event{Kind: KindConnectionClosed}))
	assert.NoError(t, n.Close())
}

func TestConfig(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, "feedrelay", cfg.SubjectPrefix)

	t.Setenv("FEEDRELAY_NATS_URL", "nats://env:4222")
	cfg.ApplyEnvOverrides()
	assert.Equal(t, "nats://env:4222", cfg.NatsURL)
	assert.NoError(t, cfg.Validate())

	cfg.SubjectPrefix = ""
	assert.Error(t, cfg.Validate())
}
