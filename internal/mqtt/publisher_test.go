package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/identity"
	"github.com/presencewatch/presence-go/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	failWith  error
	gate      chan struct{} // when set, Publish waits on it
	messages  []published
}

func (c *fakeClient) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *fakeClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.gate != nil {
		<-c.gate
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.messages = append(c.messages, published{topic: topic, payload: payload})
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func TestPublisherPublishesChanges(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewPublisher(client, "campus/room1", nil)
	p.Start(t.Context())

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p.PresenceChanged(t.Context(), session.PresenceChange{
		SessionID:  "s1",
		Label:      "Poom",
		Percentage: 80,
		Identity:   identity.Found(identity.Record{Label: "Poom", Username: "Poom", ExternalID: "65025367"}),
		Timestamp:  at,
	})
	p.PresenceChanged(t.Context(), session.PresenceChange{
		SessionID: "s1",
		Previous:  "Poom",
		Identity:  identity.NotFound(),
		Timestamp: at.Add(time.Second),
	})
	p.Close()

	msgs := client.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "campus/room1/presence", msgs[0].topic)

	var first PresenceMessage
	require.NoError(t, json.Unmarshal(msgs[0].payload, &first))
	assert.Equal(t, "Poom", first.Label)
	assert.Equal(t, "found", first.IdentityStatus)
	assert.Equal(t, "65025367", first.ExternalID)
	assert.True(t, at.Equal(first.Timestamp))

	var second PresenceMessage
	require.NoError(t, json.Unmarshal(msgs[1].payload, &second))
	assert.Empty(t, second.Label)
	assert.Equal(t, "Poom", second.Previous)
	assert.Equal(t, "not_found", second.IdentityStatus)
	assert.Empty(t, second.Username)
}

func TestPublisherSurvivesPublishErrors(t *testing.T) {
	client := &fakeClient{failWith: errors.NewStd("not connected")}
	p := NewPublisher(client, "", nil)
	assert.Equal(t, "presence/presence", p.Topic())
	p.Start(t.Context())

	p.PresenceChanged(t.Context(), session.PresenceChange{SessionID: "s1", Label: "A"})
	p.Close()
	assert.Empty(t, client.Messages())
}

func TestPublisherDropsWhenFull(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{connected: true, gate: gate}
	p := NewPublisher(client, "t", nil)
	p.Start(t.Context())

	// one change is held by the worker, queueSize more fill the queue
	for range queueSize + 10 {
		p.PresenceChanged(t.Context(), session.PresenceChange{SessionID: "s1", Label: "A"})
	}
	close(gate)
	p.Close()

	n := len(client.Messages())
	assert.LessOrEqual(t, n, queueSize+1)
	assert.GreaterOrEqual(t, n, queueSize)
}

func TestPublisherCloseDrainsAfterContextEnds(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewPublisher(client, "t", nil)

	ctx, cancel := context.WithCancel(t.Context())
	p.Start(ctx)
	cancel()

	p.PresenceChanged(t.Context(), session.PresenceChange{SessionID: "s1", Label: "A"})
	p.PresenceChanged(t.Context(), session.PresenceChange{SessionID: "s1", Label: "B"})
	p.Close()

	msgs := client.Messages()
	require.Len(t, msgs, 2)
	var last PresenceMessage
	require.NoError(t, json.Unmarshal(msgs[1].payload, &last))
	assert.Equal(t, "B", last.Label)
}

func TestPublisherIgnoresChangesAfterClose(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewPublisher(client, "t", nil)
	p.Start(t.Context())
	p.Close()
	p.Close()

	p.PresenceChanged(t.Context(), session.PresenceChange{SessionID: "s1", Label: "A"})
	assert.Empty(t, client.Messages())
}

func TestNewClientValidatesBroker(t *testing.T) {
	for _, broker := range []string{"", "not a url", "://missing-scheme"} {
		_, err := NewClient(Config{Broker: broker}, nil, nil)
		require.Error(t, err, broker)
		assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	}
}

func TestClientPublishRequiresConnection(t *testing.T) {
	c, err := NewClient(Config{Broker: "tcp://127.0.0.1:1883"}, nil, nil)
	require.NoError(t, err)
	assert.False(t, c.IsConnected())

	err = c.Publish(t.Context(), "presence/presence", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTConnection))

	// disconnecting an unconnected client is a no-op
	c.Disconnect()
}
