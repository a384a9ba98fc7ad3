package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosterd/internal/sync/metrics"
	"rosterd/internal/sync/models"
	"rosterd/internal/sync/protocol"
	"rosterd/pkg/platform/sentinel"
)

// fakeConn records written frames; failure can be injected per connection.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	closed   bool
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// gatedConn blocks writes until released, to back up the outbound queue.
type gatedConn struct {
	fakeConn
	gate chan struct{}
}

func (c *gatedConn) WriteMessage(data []byte) error {
	<-c.gate
	return c.fakeConn.WriteMessage(data)
}

func newTestHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(15*time.Second, 45*time.Second, logger, metrics.NewForTesting(), opts...)
}

func testChange(entityID string, version int64) *models.StateChange {
	return &models.StateChange{
		ID:          entityID + "-change",
		EntityID:    entityID,
		NewVersion:  version,
		FieldDeltas: models.FieldMap{"shift": "late"},
		Origin:      "client-x",
		Timestamp:   time.Now(),
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	h := newTestHub(t)
	conn := &fakeConn{}

	c := h.Register(conn)
	require.NotEmpty(t, c.ID)
	assert.Equal(t, 1, h.Len())

	h.Unregister(c.ID)
	assert.Equal(t, 0, h.Len())
	assert.True(t, conn.closed)

	// Unregistering twice is harmless.
	h.Unregister(c.ID)
}

func TestBroadcastChange_FansOutToAllSubscribers(t *testing.T) {
	h := newTestHub(t)

	conns := make([]*fakeConn, 3)
	for i := range conns {
		conns[i] = &fakeConn{}
		c := h.Register(conns[i])
		require.NoError(t, h.Subscribe(c.ID, []string{"staff-1"}))
	}

	// An unsubscribed bystander must receive nothing.
	bystander := &fakeConn{}
	h.Register(bystander)

	h.BroadcastChange(testChange("staff-1", 2))

	for _, conn := range conns {
		require.Eventually(t, func() bool {
			return len(conn.received()) == 1
		}, time.Second, 5*time.Millisecond)

		var msg protocol.Change
		require.NoError(t, json.Unmarshal(conn.received()[0], &msg))
		assert.Equal(t, protocol.TypeChange, msg.Type)
		assert.Equal(t, "staff-1", msg.EntityID)
		assert.Equal(t, int64(2), msg.Version)
		assert.Equal(t, "client-x", msg.Origin)
	}
	assert.Empty(t, bystander.received())
}

func TestBroadcastChange_PerClientOrderMatchesCallOrder(t *testing.T) {
	h := newTestHub(t)
	conn := &fakeConn{}
	c := h.Register(conn)
	require.NoError(t, h.Subscribe(c.ID, []string{"staff-1", "staff-2"}))

	h.BroadcastChange(testChange("staff-1", 1))
	h.BroadcastChange(testChange("staff-2", 1))
	h.BroadcastChange(testChange("staff-1", 2))

	require.Eventually(t, func() bool {
		return len(conn.received()) == 3
	}, time.Second, 5*time.Millisecond)

	var got []string
	for _, frame := range conn.received() {
		var msg protocol.Change
		require.NoError(t, json.Unmarshal(frame, &msg))
		got = append(got, msg.EntityID)
	}
	assert.Equal(t, []string{"staff-1", "staff-2", "staff-1"}, got)
}

func TestSubscribe_Idempotent(t *testing.T) {
	h := newTestHub(t)
	conn := &fakeConn{}
	c := h.Register(conn)

	require.NoError(t, h.Subscribe(c.ID, []string{"staff-1"}))
	require.NoError(t, h.Subscribe(c.ID, []string{"staff-1"}))
	assert.Len(t, c.Subscriptions(), 1)

	h.BroadcastChange(testChange("staff-1", 1))

	require.Eventually(t, func() bool {
		return len(conn.received()) == 1
	}, time.Second, 5*time.Millisecond)

	// Give a duplicate delivery time to surface before asserting.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conn.received(), 1)
}

func TestSubscribe_UnknownClient(t *testing.T) {
	h := newTestHub(t)
	err := h.Subscribe("ghost", []string{"staff-1"})
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

// A broken pipe on one subscriber must not delay or drop delivery to the
// remaining subscribers.
func TestBroadcastChange_DisconnectIsolation(t *testing.T) {
	h := newTestHub(t)

	broken := &fakeConn{writeErr: errors.New("broken pipe")}
	brokenClient := h.Register(broken)
	require.NoError(t, h.Subscribe(brokenClient.ID, []string{"staff-1"}))

	healthy := &fakeConn{}
	healthyClient := h.Register(healthy)
	require.NoError(t, h.Subscribe(healthyClient.ID, []string{"staff-1"}))

	h.BroadcastChange(testChange("staff-1", 1))

	require.Eventually(t, func() bool {
		return len(healthy.received()) == 1
	}, time.Second, 5*time.Millisecond)

	// The broken client gets cleaned up; the healthy one stays registered.
	require.Eventually(t, func() bool {
		return h.Len() == 1
	}, time.Second, 5*time.Millisecond)

	h.BroadcastChange(testChange("staff-1", 2))
	require.Eventually(t, func() bool {
		return len(healthy.received()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcastChange_SlowClientIsDropped(t *testing.T) {
	h := newTestHub(t, WithQueueDepth(1))

	stuck := &gatedConn{gate: make(chan struct{})}
	defer close(stuck.gate)
	stuckClient := h.Register(stuck)
	require.NoError(t, h.Subscribe(stuckClient.ID, []string{"staff-1"}))

	healthy := &fakeConn{}
	healthyClient := h.Register(healthy)
	require.NoError(t, h.Subscribe(healthyClient.ID, []string{"staff-1"}))

	// First change parks in the stuck writer, second fills its queue,
	// third overflows and forces the disconnect.
	for v := int64(1); v <= 3; v++ {
		h.BroadcastChange(testChange("staff-1", v))
	}

	require.Eventually(t, func() bool {
		return h.Len() == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(healthy.received()) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestSend_DirectMessageSharesQueueOrder(t *testing.T) {
	h := newTestHub(t)
	conn := &fakeConn{}
	c := h.Register(conn)
	require.NoError(t, h.Subscribe(c.ID, []string{"staff-1"}))

	h.BroadcastChange(testChange("staff-1", 1))
	require.NoError(t, h.Send(c.ID, protocol.EncodePong(7, time.Now())))

	require.Eventually(t, func() bool {
		return len(conn.received()) == 2
	}, time.Second, 5*time.Millisecond)

	var first protocol.Change
	require.NoError(t, json.Unmarshal(conn.received()[0], &first))
	assert.Equal(t, protocol.TypeChange, first.Type)

	var second protocol.Pong
	require.NoError(t, json.Unmarshal(conn.received()[1], &second))
	assert.Equal(t, protocol.TypePong, second.Type)
}

func TestSend_UnknownClient(t *testing.T) {
	h := newTestHub(t)
	err := h.Send("ghost", []byte("{}"))
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestRun_HeartbeatTimeoutUnregisters(t *testing.T) {
	mock := clock.NewMock()
	h := newTestHub(t, WithClock(mock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()
	time.Sleep(10 * time.Millisecond) // let Run install its ticker

	quiet := h.Register(&fakeConn{})
	chatty := h.Register(&fakeConn{})

	// Advance halfway; the chatty client keeps touching.
	mock.Add(30 * time.Second)
	h.Touch(chatty.ID)
	mock.Add(30 * time.Second)

	require.Eventually(t, func() bool {
		return h.Len() == 1
	}, time.Second, 5*time.Millisecond)

	_, stillThere := h.client(chatty.ID)
	assert.True(t, stillThere)
	_, gone := h.client(quiet.ID)
	assert.False(t, gone)
}

func TestRun_ContextCancelClosesClients(t *testing.T) {
	h := newTestHub(t)
	conn := &fakeConn{}
	h.Register(conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.Len())
	assert.True(t, conn.closed)
}
