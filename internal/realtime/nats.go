// Package realtime provides a NATS client wrapper for the change events the
// matching backend emits: pool-entry updates and inbound chat messages. It
// handles connection lifecycle, subject construction, and keyed
// subscriptions so callers can tear down exactly the feed they opened.
package realtime

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across the buddy-match services.
const (
	SubjectPoolUpdated  = "pool.updated"  // + .<entry_id>
	SubjectPoolEnqueue  = "pool.enqueue"  // matcher intake
	SubjectPoolWithdraw = "pool.withdraw" // matcher removal
	SubjectMsgInbound   = "msg.inbound"   // + .<receiver_id>
)

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "buddymatch",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewClient connects to NATS and returns a ready client. It returns an
// error if the initial connection fails.
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

// EntrySubject returns the pool.updated subject for an entry id.
func EntrySubject(entryID string) string {
	return SubjectPoolUpdated + "." + entryID
}

// InboundSubject returns the msg.inbound subject for a receiver id.
func InboundSubject(receiverID string) string {
	return SubjectMsgInbound + "." + receiverID
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishEntryUpdate publishes a pool-change event for the given entry.
func (c *Client) PublishEntryUpdate(entryID string, data []byte) error {
	return c.Publish(EntrySubject(entryID), data)
}

// PublishInbound publishes a stored message to its receiver's subject.
func (c *Client) PublishInbound(receiverID string, data []byte) error {
	return c.Publish(InboundSubject(receiverID), data)
}

// PublishEnqueue hands a freshly inserted pool entry to the matcher.
func (c *Client) PublishEnqueue(data []byte) error {
	return c.Publish(SubjectPoolEnqueue, data)
}

// PublishWithdraw tells the matcher an entry left the waiting pool.
func (c *Client) PublishWithdraw(data []byte) error {
	return c.Publish(SubjectPoolWithdraw, data)
}

// Subscribe registers a handler for the given subject, keyed by the subject
// itself, and stores the subscription for later cleanup. A second subscribe
// on the same key supersedes the first.
func (c *Client) Subscribe(subject string, handler func(data []byte)) error {
	return c.subscribeKeyed(subject, subject, handler)
}

// SubscribeEntryUpdates subscribes to pool.updated.<entryID>. The key
// includes the caller tag so two consumers on one process can watch the
// same entry without clobbering each other.
func (c *Client) SubscribeEntryUpdates(entryID, tag string, handler func(data []byte)) error {
	return c.subscribeKeyed("entry:"+tag+":"+entryID, EntrySubject(entryID), handler)
}

// UnsubscribeEntryUpdates tears down a pool-change subscription.
func (c *Client) UnsubscribeEntryUpdates(entryID, tag string) error {
	return c.unsubscribe("entry:" + tag + ":" + entryID)
}

// SubscribeInbound subscribes to msg.inbound.<receiverID>.
func (c *Client) SubscribeInbound(receiverID, tag string, handler func(data []byte)) error {
	return c.subscribeKeyed("inbound:"+tag+":"+receiverID, InboundSubject(receiverID), handler)
}

// UnsubscribeInbound tears down an inbound-message subscription.
func (c *Client) UnsubscribeInbound(receiverID, tag string) error {
	return c.unsubscribe("inbound:" + tag + ":" + receiverID)
}

// SubscribeEnqueue subscribes to matcher intake requests.
func (c *Client) SubscribeEnqueue(handler func(data []byte)) error {
	return c.Subscribe(SubjectPoolEnqueue, handler)
}

// SubscribeWithdraw subscribes to matcher removal requests.
func (c *Client) SubscribeWithdraw(handler func(data []byte)) error {
	return c.Subscribe(SubjectPoolWithdraw, handler)
}

func (c *Client) subscribeKeyed(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if prev, ok := c.subs[key]; ok {
		prev.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

func (c *Client) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
