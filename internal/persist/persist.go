// Package persist hands committed changes to durable sinks asynchronously.
// Sink failures are isolated here: they are retried, breakered, and logged,
// and never touch in-memory correctness or delay broadcast.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rosterd/internal/persist/metrics"
	"rosterd/internal/sync/models"
	"rosterd/pkg/platform/circuit"
)

// Sink writes one committed change to a durable store. Implementations own
// their connection handling; the pipeline owns retries and ordering.
type Sink interface {
	Name() string
	Persist(ctx context.Context, change *models.StateChange) error
}

// HealthChecker is implemented by sinks that can report connectivity.
type HealthChecker interface {
	Health(ctx context.Context) error
}

const (
	defaultQueueSize   = 4096
	defaultMaxAttempts = 3
	defaultBackoff     = 50 * time.Millisecond
)

type sinkState struct {
	sink    Sink
	breaker *circuit.Breaker
}

// Pipeline consumes committed changes in commit order and delivers each one
// to every configured sink, with per-sink retry and circuit breaking.
type Pipeline struct {
	sinks   []*sinkState
	logger  *slog.Logger
	metrics *metrics.Metrics

	maxAttempts int
	backoff     time.Duration

	mu     sync.Mutex
	queue  chan *models.StateChange
	closed bool
	done   chan struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithQueueSize sets the pending change buffer.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queue = make(chan *models.StateChange, n)
		}
	}
}

// WithMaxAttempts sets per-change delivery attempts per sink.
func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay between delivery attempts.
func WithBackoff(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.backoff = d
		}
	}
}

// New constructs a pipeline and starts its delivery loop. Close must be
// called to drain.
func New(sinks []Sink, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:      logger,
		metrics:     m,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		queue:       make(chan *models.StateChange, defaultQueueSize),
		done:        make(chan struct{}),
	}
	for _, s := range sinks {
		p.sinks = append(p.sinks, &sinkState{
			sink:    s,
			breaker: circuit.New(s.Name()),
		})
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	go p.run()
	return p
}

// Enqueue accepts a committed change for delivery. It never blocks: when
// the buffer is full the change is dropped and counted, and the durable
// stores catch up from later changes that carry the same entities forward.
func (p *Pipeline) Enqueue(change *models.StateChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- change:
	default:
		p.metrics.Dropped.Inc()
		p.logger.Error("persist queue full, dropping change",
			"change_id", change.ID,
			"entity_id", change.EntityID,
			"version", change.NewVersion,
		)
	}
}

// Health reports the first unhealthy sink, or nil.
func (p *Pipeline) Health(ctx context.Context) error {
	for _, s := range p.sinks {
		if hc, ok := s.sink.(HealthChecker); ok {
			if err := hc.Health(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close stops accepting changes and waits for the queue to drain.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

func (p *Pipeline) run() {
	defer close(p.done)
	ctx := context.Background()
	for change := range p.queue {
		for _, s := range p.sinks {
			p.deliver(ctx, s, change)
		}
	}
}

// deliver writes one change to one sink. While the breaker is open only a
// single probe attempt is made per change; successes feed the breaker until
// it closes and full retrying resumes.
func (p *Pipeline) deliver(ctx context.Context, s *sinkState, change *models.StateChange) {
	attempts := p.maxAttempts
	if s.breaker.IsOpen() {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = s.sink.Persist(ctx, change); err == nil {
			p.metrics.Attempts.WithLabelValues(s.sink.Name(), "ok").Inc()
			if _, tr := s.breaker.RecordSuccess(); tr.Closed {
				p.metrics.Breaker.WithLabelValues(s.sink.Name()).Set(0)
				p.logger.Info("sink recovered", "sink", s.sink.Name())
			}
			return
		}
		p.metrics.Attempts.WithLabelValues(s.sink.Name(), "error").Inc()
		if attempt < attempts {
			time.Sleep(p.backoff * time.Duration(attempt))
		}
	}

	if _, tr := s.breaker.RecordFailure(); tr.Opened {
		p.metrics.Breaker.WithLabelValues(s.sink.Name()).Set(1)
	}
	p.logger.Error("persist failed, giving up on change for sink",
		"sink", s.sink.Name(),
		"change_id", change.ID,
		"entity_id", change.EntityID,
		"version", change.NewVersion,
		"error", err,
	)
}
