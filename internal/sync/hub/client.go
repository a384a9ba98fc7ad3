package hub

import (
	"sync"
	"time"
)

// Conn is the duplex channel the hub writes to. The websocket handler
// provides the real implementation; tests supply fakes.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// Client is one connected subscriber. The hub owns its lifecycle: created
// on Register, destroyed on Unregister, disconnect, or heartbeat timeout.
// Its id is unique per connection, not per user; reconnects get a new one.
type Client struct {
	ID   string
	conn Conn

	mu            sync.Mutex
	subscriptions map[string]struct{}
	lastSeen      time.Time

	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(id string, conn Conn, queueDepth int, now time.Time) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		subscriptions: make(map[string]struct{}),
		lastSeen:      now,
		out:           make(chan []byte, queueDepth),
		done:          make(chan struct{}),
	}
}

// subscribe adds entity ids to the subscription set. Idempotent: an id
// already present is not duplicated.
func (c *Client) subscribe(entityIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range entityIDs {
		c.subscriptions[id] = struct{}{}
	}
}

func (c *Client) subscribedTo(entityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[entityID]
	return ok
}

// Subscriptions returns a copy of the subscription set.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	return out
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
}

func (c *Client) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// enqueue offers a payload to the client's outbound queue without ever
// blocking the caller. Returns false when the queue is full or the client
// is already closed.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- payload:
		return true
	default:
		return false
	}
}

// close tears the client down. Safe to call more than once.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
