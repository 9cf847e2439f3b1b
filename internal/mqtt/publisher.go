package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/logger"
	"github.com/presencewatch/presence-go/internal/session"
)

const (
	presenceSuffix = "/presence"
	queueSize      = 64
)

// PresenceMessage is the JSON payload published for each change
type PresenceMessage struct {
	SessionID      string    `json:"session_id"`
	Label          string    `json:"label"`
	Previous       string    `json:"previous"`
	Percentage     float64   `json:"percentage"`
	IdentityStatus string    `json:"identity_status"`
	Username       string    `json:"username,omitempty"`
	ExternalID     string    `json:"external_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher forwards session presence changes to the broker from a single
// background worker so sessions never wait on the network. When the queue
// is full the change is dropped and logged.
type Publisher struct {
	client Client
	topic  string
	log    logger.Logger

	queue  chan PresenceMessage
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
}

// NewPublisher creates a publisher for topic; call Start before use
func NewPublisher(client Client, topic string, log logger.Logger) *Publisher {
	if topic == "" {
		topic = DefaultConfig().Topic
	}
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	return &Publisher{
		client: client,
		topic:  topic + presenceSuffix,
		log:    log,
		queue:  make(chan PresenceMessage, queueSize),
	}
}

// Topic returns the topic presence messages are published to
func (p *Publisher) Topic() string {
	return p.topic
}

// Start runs the publish worker until Close is called. The worker keeps
// ctx's values but not its cancellation, so changes still queued when ctx
// ends are sent by Close.
func (p *Publisher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	p.wg.Go(func() {
		for msg := range p.queue {
			if err := p.publish(ctx, msg); err != nil {
				p.log.Warn("presence publish failed",
					logger.String("session_id", msg.SessionID),
					logger.String("label", msg.Label),
					logger.Error(err))
			}
		}
	})
}

// PresenceChanged queues a change for publishing. It never blocks.
func (p *Publisher) PresenceChanged(_ context.Context, change session.PresenceChange) {
	msg := PresenceMessage{
		SessionID:      change.SessionID,
		Label:          change.Label,
		Previous:       change.Previous,
		Percentage:     change.Percentage,
		IdentityStatus: change.Identity.Status.String(),
		Timestamp:      change.Timestamp,
	}
	if rec, ok := change.Identity.Get(); ok {
		msg.Username = rec.Username
		msg.ExternalID = rec.ExternalID
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.log.Warn("presence queue full, dropping change",
			logger.String("session_id", msg.SessionID),
			logger.String("label", msg.Label))
	}
}

func (p *Publisher) publish(ctx context.Context, msg PresenceMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Build()
	}
	return p.client.Publish(ctx, p.topic, payload)
}

// Close stops accepting changes and waits for queued ones to be sent
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	cancel := p.cancel
	p.mu.Unlock()
	p.wg.Wait()
	if cancel != nil {
		cancel()
	}
}

var _ session.PresenceListener = (*Publisher)(nil)
