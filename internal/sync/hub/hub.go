// Package hub tracks connected subscribers and performs ordered broadcast
// of committed changes. Each client drains its own FIFO queue, so one slow
// or dead client never delays delivery to the others.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"rosterd/internal/sync/metrics"
	"rosterd/internal/sync/models"
	"rosterd/internal/sync/protocol"
	"rosterd/pkg/platform/sentinel"
)

const defaultQueueDepth = 64

// Hub is the client manager. It owns client registration, subscriptions,
// outbound delivery, and heartbeat liveness. It never mutates entities.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	queueDepth        int

	mu      sync.RWMutex
	clients map[string]*Client
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock injects a mockable clock for heartbeat tests.
func WithClock(c clock.Clock) Option {
	return func(h *Hub) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithQueueDepth sets the per-client outbound queue capacity.
func WithQueueDepth(depth int) Option {
	return func(h *Hub) {
		if depth > 0 {
			h.queueDepth = depth
		}
	}
}

// New constructs a hub. Run must be started for heartbeat sweeping.
func New(heartbeatInterval, heartbeatTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Hub {
	h := &Hub{
		logger:            logger,
		metrics:           m,
		clock:             clock.New(),
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		queueDepth:        defaultQueueDepth,
		clients:           make(map[string]*Client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register allocates a client for a new connection and starts its delivery
// loop. No side effect on entity state.
func (h *Hub) Register(conn Conn) *Client {
	c := newClient(uuid.NewString(), conn, h.queueDepth, h.clock.Now())

	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	h.metrics.ConnectedClients.Inc()
	h.logger.Info("client registered", "client_id", c.ID)

	go h.writeLoop(c)
	return c
}

// Subscribe adds entity ids to a client's subscription set. Idempotent.
func (h *Hub) Subscribe(clientID string, entityIDs []string) error {
	c, ok := h.client(clientID)
	if !ok {
		return fmt.Errorf("subscribe client %s: %w", clientID, sentinel.ErrNotFound)
	}
	c.subscribe(entityIDs)
	return nil
}

// Unregister releases a client's subscriptions and drops its outbound
// queue. Other clients are unaffected.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	h.metrics.ConnectedClients.Dec()
	h.logger.Info("client unregistered", "client_id", clientID)
}

// Touch records liveness for a client. Called on every inbound message,
// heartbeats included.
func (h *Hub) Touch(clientID string) {
	if c, ok := h.client(clientID); ok {
		c.touch(h.clock.Now())
	}
}

// Send enqueues a payload for one specific client, e.g. a rejection reply
// or a snapshot. Shares the broadcast queue so per-client FIFO order holds
// across direct and broadcast messages.
func (h *Hub) Send(clientID string, payload []byte) error {
	c, ok := h.client(clientID)
	if !ok {
		return fmt.Errorf("send to client %s: %w", clientID, sentinel.ErrNotFound)
	}
	if !c.enqueue(payload) {
		h.dropClient(c, "outbound queue full")
		return fmt.Errorf("send to client %s: %w", clientID, sentinel.ErrUnavailable)
	}
	return nil
}

// BroadcastChange enqueues a committed change for every subscribed client.
// The state manager calls this in commit order; enqueue order per client
// therefore matches changelog order. A client whose queue is full is
// disconnected rather than allowed to stall the fan-out: it must resync on
// reconnect anyway.
func (h *Hub) BroadcastChange(change *models.StateChange) {
	payload := protocol.EncodeChange(change)
	if payload == nil {
		h.logger.Error("failed to encode change", "change_id", change.ID)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.subscribedTo(change.EntityID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			h.dropClient(c, "outbound queue full")
		}
	}
}

// Run sweeps for heartbeat-expired clients until the context is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := h.clock.Ticker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-ticker.C:
			h.sweep()
		}
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// writeLoop drains the client's outbound queue in FIFO order. A write
// failure means a broken pipe; the client is unregistered and delivery to
// everyone else continues untouched.
func (h *Hub) writeLoop(c *Client) {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.out:
			if err := c.conn.WriteMessage(payload); err != nil {
				h.logger.Info("client write failed, disconnecting",
					"client_id", c.ID,
					"error", err,
				)
				h.Unregister(c.ID)
				return
			}
		}
	}
}

func (h *Hub) sweep() {
	cutoff := h.clock.Now().Add(-h.heartbeatTimeout)

	h.mu.RLock()
	var expired []*Client
	for _, c := range h.clients {
		if c.seen().Before(cutoff) {
			expired = append(expired, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range expired {
		h.logger.Info("client heartbeat timed out", "client_id", c.ID)
		h.Unregister(c.ID)
	}
}

func (h *Hub) dropClient(c *Client, reason string) {
	h.metrics.QueueDisconnects.Inc()
	h.logger.Warn("disconnecting client", "client_id", c.ID, "reason", reason)
	h.Unregister(c.ID)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		h.metrics.ConnectedClients.Dec()
	}
}
