// Package events fans internal lifecycle events (presence changes, call
// transitions) out to sinks on a bounded worker pool. Emitting never blocks
// the signaling path; when the queue is full the event is dropped.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pufferblow/realtime-core/internal/metrics"
)

const (
	TypeUserOnline   = "user_online"
	TypeUserOffline  = "user_offline"
	TypeCallOffered  = "call_offered"
	TypeCallAnswered = "call_answered"
	TypeCallRejected = "call_rejected"
	TypeCallEnded    = "call_ended"
)

type Event struct {
	Type    string         `json:"event_type"`
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

// Emitter is what the hub and the call broker depend on.
type Emitter interface {
	Emit(eventType string, payload map[string]any)
}

type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

type Dispatcher struct {
	workers     int
	sinkTimeout time.Duration
	sinks       []Sink
	metrics     *metrics.Metrics
	log         *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
}

func NewDispatcher(workers, queueSize int, sinkTimeout time.Duration, m *metrics.Metrics, log *zap.Logger, sinks ...Sink) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 32 {
		queueSize = 32
	}
	if sinkTimeout <= 0 {
		sinkTimeout = 5 * time.Second
	}
	return &Dispatcher{
		workers:     workers,
		sinkTimeout: sinkTimeout,
		sinks:       sinks,
		metrics:     m,
		log:         log.Named("events"),
		queue:       make(chan Event, queueSize),
	}
}

// Emit enqueues an event without blocking.
func (d *Dispatcher) Emit(eventType string, payload map[string]any) {
	if len(d.sinks) == 0 {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.queue <- Event{Type: eventType, Payload: payload, At: time.Now().UTC()}:
	default:
		d.metrics.DroppedInternalTotal.Inc()
		d.log.Warn("internal event queue full, dropping", zap.String("event_type", eventType))
	}
}

func (d *Dispatcher) QueueLen() int { return len(d.queue) }

// Run starts the workers and blocks until ctx is done. Queued events are
// drained before it returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			d.worker(workerID)
		}(i + 1)
	}

	<-ctx.Done()
	d.close()
	wg.Wait()
	return nil
}

func (d *Dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
}

func (d *Dispatcher) worker(workerID int) {
	d.log.Debug("worker started", zap.Int("worker", workerID))
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.sinkTimeout)
		err := sink.Handle(ctx, ev)
		cancel()

		if err != nil {
			d.metrics.InternalEventsTotal.WithLabelValues(ev.Type, "error").Inc()
			d.log.Warn("sink failed",
				zap.String("sink", sink.Name()),
				zap.String("event_type", ev.Type),
				zap.Error(err),
			)
			continue
		}
		d.metrics.InternalEventsTotal.WithLabelValues(ev.Type, "ok").Inc()
	}
}
