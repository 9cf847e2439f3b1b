// Package mqtt publishes presence changes to an MQTT broker.
package mqtt

import (
	"context"
	"time"
)

// Client is the subset of broker operations the publisher needs
type Client interface {
	// Connect establishes the broker connection. After a failed first
	// attempt the client keeps retrying in the background.
	Connect(ctx context.Context) error

	// Publish sends payload to topic and waits for the broker to accept it
	Publish(ctx context.Context, topic string, payload []byte) error

	IsConnected() bool

	Disconnect()
}

// Observer receives connection and publish outcomes
type Observer interface {
	UpdateConnectionStatus(connected bool)
	PublishCompleted(d time.Duration, err error)
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // base topic; presence goes to <Topic>/presence
	Retain   bool

	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
	ReconnectDelay    time.Duration // first retry after a failed Connect, doubled up to MaxReconnect
	MaxReconnect      time.Duration
}

// DefaultConfig returns a Config with reasonable timeouts
func DefaultConfig() Config {
	return Config{
		Topic:             "presence",
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
		ReconnectDelay:    time.Second,
		MaxReconnect:      5 * time.Minute,
	}
}
