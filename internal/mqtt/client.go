package mqtt

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/logger"
)

// client implements Client on top of the paho library
type client struct {
	config   Config
	observer Observer
	log      logger.Logger

	mu             sync.Mutex
	internalClient paho.Client
	retrying       bool
	closed         bool

	// ctx ends when Disconnect is called and stops the reconnect loop
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient validates cfg and returns an unconnected client
func NewClient(cfg Config, observer Observer, log logger.Logger) (Client, error) {
	u, err := url.Parse(cfg.Broker)
	if err == nil && u.Host == "" {
		err = errors.NewStd("broker url has no host")
	}
	if err != nil {
		return nil, errors.New(err).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Context("broker", cfg.Broker).
			Build()
	}
	defaults := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaults.DisconnectTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaults.ReconnectDelay
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = defaults.MaxReconnect
	}
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &client{config: cfg, observer: observer, log: log, ctx: ctx, cancel: cancel}, nil
}

// Connect makes one connection attempt. If it fails the client keeps
// retrying in the background with exponential backoff until it connects or
// Disconnect is called. Once connected, paho handles reconnection.
func (c *client) Connect(ctx context.Context) error {
	err := c.connect(ctx)
	if err != nil {
		c.startReconnect()
	}
	return err
}

// connect resolves the broker host first so DNS failures surface quickly,
// then dials a fresh paho client.
func (c *client) connect(ctx context.Context) error {
	u, _ := url.Parse(c.config.Broker)
	if host := u.Hostname(); net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return errors.New(err).
				Component("mqtt").
				Category(errors.CategoryMQTTConnection).
				Context("broker", c.config.Broker).
				Build()
		}
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.config.MaxReconnect)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	pc := paho.NewClient(opts)
	if err := waitToken(ctx, pc.Connect(), c.config.ConnectTimeout); err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Context("broker", c.config.Broker).
			Build()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pc.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
		return errors.Newf("client closed while connecting").
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Build()
	}
	c.internalClient = pc
	c.mu.Unlock()
	return nil
}

func (c *client) startReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.retrying {
		return
	}
	c.retrying = true
	c.wg.Go(c.reconnectWithBackoff)
}

func (c *client) reconnectWithBackoff() {
	defer func() {
		c.mu.Lock()
		c.retrying = false
		c.mu.Unlock()
	}()

	backoff := c.config.ReconnectDelay
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			return
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.config.ConnectTimeout)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			c.log.Info("reconnected to MQTT broker", logger.String("broker", c.config.Broker))
			return
		}
		if c.ctx.Err() != nil {
			return
		}

		c.log.Debug("MQTT reconnect failed",
			logger.String("broker", c.config.Broker),
			logger.Duration("retry_in", backoff),
			logger.Error(err))
		backoff = min(backoff*2, c.config.MaxReconnect)
		timer.Reset(backoff)
	}
}

func (c *client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.internalClient == nil || !c.internalClient.IsConnected() {
		err := errors.Newf("not connected to MQTT broker").
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Build()
		c.report(0, err)
		return err
	}

	start := time.Now()
	token := c.internalClient.Publish(topic, 0, c.config.Retain, payload)
	err := waitToken(ctx, token, c.config.PublishTimeout)
	if err != nil {
		err = errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}
	c.report(time.Since(start), err)
	return err
}

func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect stops any pending reconnect attempts and closes the connection
func (c *client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.internalClient != nil && c.internalClient.IsConnected() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
		if c.observer != nil {
			c.observer.UpdateConnectionStatus(false)
		}
	}
}

func (c *client) onConnect(paho.Client) {
	c.log.Info("connected to MQTT broker", logger.String("broker", c.config.Broker))
	if c.observer != nil {
		c.observer.UpdateConnectionStatus(true)
	}
}

func (c *client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("connection to MQTT broker lost", logger.String("broker", c.config.Broker), logger.Error(err))
	if c.observer != nil {
		c.observer.UpdateConnectionStatus(false)
	}
}

func (c *client) report(d time.Duration, err error) {
	if c.observer != nil {
		c.observer.PublishCompleted(d, err)
	}
}

// waitToken waits for token until timeout or ctx ends
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.Newf("timed out after %s", timeout).
			Category(errors.CategoryTimeout).
			Build()
	case <-ctx.Done():
		return ctx.Err()
	}
}
