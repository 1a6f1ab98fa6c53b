// Package messaging provides a NATS client wrapper for the chat routing
// layer's lifecycle event stream. The chat server publishes request and
// message events; downstream consumers (the archiver, reporting jobs) pick
// them up without the core ever depending on them. Publishing is best effort:
// a lost event never fails a chat operation.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for chat lifecycle events.
const (
	SubjectRequestCreated  = "chat.request.created"
	SubjectRequestAccepted = "chat.request.accepted"
	SubjectRequestExpired  = "chat.request.expired"
	SubjectSessionClosed   = "chat.session.closed"
	SubjectMessage         = "chat.message" // + .<session_id>
)

// RequestEvent describes a chat request entering or leaving the lobby queue.
type RequestEvent struct {
	SessionID  string `json:"session_id"`
	UserName   string `json:"user_name"`
	Department string `json:"department"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
}

// MessageEvent describes one message appended to a session's durable log.
type MessageEvent struct {
	SessionID string `json:"session_id"`
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// SessionEvent describes a session-level lifecycle change.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// MessageSubject returns the per-session message subject.
func MessageSubject(sessionID string) string {
	return SubjectMessage + "." + sessionID
}

// Client wraps the NATS connection with helper methods for the chat event
// stream.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "livechat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// publishJSON marshals the payload and publishes it to the subject.
func (c *Client) publishJSON(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// PublishRequestCreated announces a new entry in the lobby queue.
func (c *Client) PublishRequestCreated(ev RequestEvent) error {
	return c.publishJSON(SubjectRequestCreated, ev)
}

// PublishRequestAccepted announces an agent accepting a queued request.
func (c *Client) PublishRequestAccepted(ev SessionEvent) error {
	return c.publishJSON(SubjectRequestAccepted, ev)
}

// PublishRequestExpired announces a queue entry removed by the TTL sweep.
func (c *Client) PublishRequestExpired(ev RequestEvent) error {
	return c.publishJSON(SubjectRequestExpired, ev)
}

// PublishSessionClosed announces the last participant leaving a session.
func (c *Client) PublishSessionClosed(ev SessionEvent) error {
	return c.publishJSON(SubjectSessionClosed, ev)
}

// PublishMessage announces a message appended to a session's log.
func (c *Client) PublishMessage(ev MessageEvent) error {
	return c.publishJSON(MessageSubject(ev.SessionID), ev)
}

// subscribe registers a handler and stores the subscription for cleanup.
func (c *Client) subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// SubscribeRequestCreated registers a handler for new queue entries.
func (c *Client) SubscribeRequestCreated(handler func(data []byte)) error {
	return c.subscribe(SubjectRequestCreated, handler)
}

// SubscribeRequestAccepted registers a handler for accepted requests.
func (c *Client) SubscribeRequestAccepted(handler func(data []byte)) error {
	return c.subscribe(SubjectRequestAccepted, handler)
}

// SubscribeRequestExpired registers a handler for expired queue entries.
func (c *Client) SubscribeRequestExpired(handler func(data []byte)) error {
	return c.subscribe(SubjectRequestExpired, handler)
}

// SubscribeSessionClosed registers a handler for closed sessions.
func (c *Client) SubscribeSessionClosed(handler func(data []byte)) error {
	return c.subscribe(SubjectSessionClosed, handler)
}

// SubscribeMessages registers a handler for message events across all
// sessions (wildcard subscription).
func (c *Client) SubscribeMessages(handler func(data []byte)) error {
	return c.subscribe(SubjectMessage+".*", handler)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
