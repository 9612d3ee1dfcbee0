package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection. A nil *Client is valid and drops every
// publish, so components can run without a broker attached.
type Client struct {
	conn   *nats.Conn
	source string
	subs   map[string]*nats.Subscription
	mu     sync.Mutex
}

// Config holds NATS connection settings
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient connects to NATS
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{
		conn:   conn,
		source: cfg.Name,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish wraps data in an Event envelope and publishes it on the subject
// matching the event type. Safe on a nil client.
func (c *Client) Publish(ctx context.Context, eventType string, data interface{}) error {
	if c == nil || c.conn == nil {
		return nil
	}

	event, err := NewEvent(eventType, c.source, data)
	if err != nil {
		return fmt.Errorf("failed to build event: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return c.conn.Publish(eventType, payload)
}

// Subscribe registers a handler for a subject
func (c *Client) Subscribe(subject string, handler func(event *Event)) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("not connected")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		handler(&event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.subs[subject] = sub
	return nil
}

// IsConnected reports connection status
func (c *Client) IsConnected() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}

// Drain flushes pending messages and closes the connection
func (c *Client) Drain() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}

// Close closes the connection
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}

	c.mu.Lock()
	for subject, sub := range c.subs {
		sub.Unsubscribe()
		delete(c.subs, subject)
	}
	c.mu.Unlock()

	c.conn.Close()
}
