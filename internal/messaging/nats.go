// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the realtime server and the rest of the platform. It handles
// connection lifecycle, subject-based subscriptions, and the notification and
// presence channels.
package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used by the realtime server.
const (
	SubjectNotifyRequest   = "notify.request"   // inbound notification requests from other services
	SubjectPresenceOnline  = "presence.online"  // user's first connection registered
	SubjectPresenceOffline = "presence.offline" // user's last connection dropped
)

// PresenceEvent is the payload published on the presence subjects.
type PresenceEvent struct {
	UserID string `json:"userId"`
	Server string `json:"server"`
	Ts     int64  `json:"ts"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	name   string
	logger *slog.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "social-realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	logger = logger.With("component", "nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn:   nc,
		name:   config.Name,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeNotifyRequest subscribes to notification requests published by
// the post, comment, like and friend-request services.
func (c *NATSClient) SubscribeNotifyRequest(handler func(data []byte)) error {
	return c.Subscribe(SubjectNotifyRequest, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeNotifyRequest stops receiving notification requests.
func (c *NATSClient) UnsubscribeNotifyRequest() error {
	return c.unsubscribe(SubjectNotifyRequest)
}

// PublishPresence announces a user's online or offline transition.
func (c *NATSClient) PublishPresence(userID string, online bool) error {
	subject := SubjectPresenceOffline
	if online {
		subject = SubjectPresenceOnline
	}
	data, err := json.Marshal(PresenceEvent{UserID: userID, Server: c.name, Ts: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("nats: marshal presence: %w", err)
	}
	return c.Publish(subject, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription failed", "subject", subject, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain failed", "error", err)
	}

	c.logger.Info("client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
