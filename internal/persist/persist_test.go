package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosterd/internal/persist/metrics"
	"rosterd/internal/sync/models"
)

// scriptSink drives delivery outcomes per call and records what got through.
type scriptSink struct {
	name string

	mu        sync.Mutex
	calls     int
	outcome   func(call int) error
	delivered []*models.StateChange
	healthErr error
}

func (s *scriptSink) Name() string { return s.name }

func (s *scriptSink) Persist(_ context.Context, change *models.StateChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.outcome != nil {
		if err := s.outcome(s.calls); err != nil {
			return err
		}
	}
	s.delivered = append(s.delivered, change)
	return nil
}

func (s *scriptSink) Health(context.Context) error { return s.healthErr }

func (s *scriptSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptSink) changes() []*models.StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.StateChange, len(s.delivered))
	copy(out, s.delivered)
	return out
}

// gatedSink blocks every Persist call until released, so tests can fill the
// pipeline queue deterministically.
type gatedSink struct {
	name    string
	started chan struct{}
	gate    chan struct{}

	mu        sync.Mutex
	delivered []*models.StateChange
}

func (s *gatedSink) Name() string { return s.name }

func (s *gatedSink) Persist(_ context.Context, change *models.StateChange) error {
	s.started <- struct{}{}
	<-s.gate
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, change)
	return nil
}

func (s *gatedSink) changes() []*models.StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.StateChange, len(s.delivered))
	copy(out, s.delivered)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func change(version int64) *models.StateChange {
	return &models.StateChange{
		ID:         fmt.Sprintf("chg-%d", version),
		EntityID:   "staff-1",
		NewVersion: version,
		Timestamp:  time.Now(),
	}
}

func TestPipeline_DeliversToEverySinkInOrder(t *testing.T) {
	primary := &scriptSink{name: "postgres"}
	secondary := &scriptSink{name: "redis"}
	p := New([]Sink{primary, secondary}, testLogger(), metrics.NewForTesting())

	var want []int64
	for v := int64(1); v <= 5; v++ {
		p.Enqueue(change(v))
		want = append(want, v)
	}
	p.Close()

	for _, s := range []*scriptSink{primary, secondary} {
		got := s.changes()
		require.Len(t, got, 5, "sink %s", s.name)
		for i, c := range got {
			assert.Equal(t, want[i], c.NewVersion, "sink %s", s.name)
		}
	}
}

func TestPipeline_RetriesTransientFailure(t *testing.T) {
	flaky := &scriptSink{
		name: "postgres",
		outcome: func(call int) error {
			if call <= 2 {
				return errors.New("connection reset")
			}
			return nil
		},
	}
	p := New([]Sink{flaky}, testLogger(), metrics.NewForTesting(),
		WithBackoff(time.Millisecond))

	p.Enqueue(change(1))
	p.Close()

	assert.Equal(t, 3, flaky.callCount())
	require.Len(t, flaky.changes(), 1)
}

func TestPipeline_GivesUpAfterMaxAttempts(t *testing.T) {
	m := metrics.NewForTesting()
	dead := &scriptSink{
		name:    "postgres",
		outcome: func(int) error { return errors.New("down") },
	}
	healthy := &scriptSink{name: "redis"}
	p := New([]Sink{dead, healthy}, testLogger(), m,
		WithMaxAttempts(2), WithBackoff(time.Millisecond))

	p.Enqueue(change(1))
	p.Close()

	// The dead sink exhausted its attempts; the healthy one still got the
	// change. One sink's outage never blocks another's delivery.
	assert.Equal(t, 2, dead.callCount())
	assert.Empty(t, dead.changes())
	require.Len(t, healthy.changes(), 1)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Attempts.WithLabelValues("postgres", "error")))
}

func TestPipeline_BreakerLimitsAttemptsWhileOpen(t *testing.T) {
	failUntil := 16 // calls 1..16 fail, later calls succeed
	sink := &scriptSink{name: "postgres"}
	sink.outcome = func(call int) error {
		if call <= failUntil {
			return errors.New("down")
		}
		return nil
	}
	p := New([]Sink{sink}, testLogger(), metrics.NewForTesting(),
		WithMaxAttempts(3), WithBackoff(time.Millisecond))

	// Five changes fail outright at 3 attempts each: 15 calls, and the
	// fifth exhausted delivery trips the breaker.
	for v := int64(1); v <= 5; v++ {
		p.Enqueue(change(v))
	}
	// With the breaker open the next change gets one probe only: call 16.
	p.Enqueue(change(6))
	// Two successful probes close the breaker again: calls 17 and 18.
	p.Enqueue(change(7))
	p.Enqueue(change(8))
	p.Close()

	assert.Equal(t, 18, sink.callCount())
	got := sink.changes()
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].NewVersion)
	assert.Equal(t, int64(8), got[1].NewVersion)
}

func TestPipeline_DropsWhenQueueFull(t *testing.T) {
	m := metrics.NewForTesting()
	slow := &gatedSink{
		name:    "postgres",
		started: make(chan struct{}, 2),
		gate:    make(chan struct{}),
	}
	p := New([]Sink{slow}, testLogger(), m, WithQueueSize(1))

	p.Enqueue(change(1))
	<-slow.started // worker is parked inside Persist
	p.Enqueue(change(2))
	p.Enqueue(change(3)) // buffer full, dropped

	close(slow.gate)
	p.Close()

	got := slow.changes()
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].NewVersion)
	assert.Equal(t, int64(2), got[1].NewVersion)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Dropped))
}

func TestPipeline_CloseDrainsAndIsIdempotent(t *testing.T) {
	sink := &scriptSink{name: "postgres"}
	p := New([]Sink{sink}, testLogger(), metrics.NewForTesting())

	for v := int64(1); v <= 100; v++ {
		p.Enqueue(change(v))
	}
	p.Close()
	p.Close()

	assert.Len(t, sink.changes(), 100)

	// Enqueue after close is a no-op, not a panic.
	p.Enqueue(change(101))
	assert.Len(t, sink.changes(), 100)
}

func TestPipeline_HealthReportsFirstFailingSink(t *testing.T) {
	bad := &scriptSink{name: "postgres", healthErr: errors.New("no connection")}
	good := &scriptSink{name: "redis"}
	p := New([]Sink{good, bad}, testLogger(), metrics.NewForTesting())
	defer p.Close()

	err := p.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no connection")
}
