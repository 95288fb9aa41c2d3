package cdr

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/flowgate/internal/b2bua"
	"github.com/flowpbx/flowgate/internal/database/models"
)

// Sink persists batches of call-detail events.
type Sink interface {
	InsertBatch(ctx context.Context, events []models.CDREvent) error
}

// AsyncOption configures an Async writer.
type AsyncOption func(*Async)

// WithBuffer sets how many events may be queued before new ones are dropped.
func WithBuffer(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.buffer = n
		}
	}
}

// WithBatch sets the largest batch handed to the sink and how long a
// partial batch may wait.
func WithBatch(size int, wait time.Duration) AsyncOption {
	return func(a *Async) {
		if size > 0 {
			a.batchSize = size
		}
		if wait > 0 {
			a.flushEvery = wait
		}
	}
}

// Async queues events in memory and writes them to a Sink from a single
// worker goroutine, so Record never waits on storage.
type Async struct {
	sink       Sink
	logger     *slog.Logger
	buffer     int
	batchSize  int
	flushEvery time.Duration

	mu     sync.RWMutex
	closed bool
	in     chan models.CDREvent
	done   chan struct{}

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64

	dropLog rate.Sometimes
}

// NewAsync starts the writer goroutine. Call Close to flush and stop it.
func NewAsync(sink Sink, logger *slog.Logger, opts ...AsyncOption) *Async {
	a := &Async{
		sink:       sink,
		logger:     logger.With("subsystem", "cdr"),
		buffer:     1024,
		batchSize:  64,
		flushEvery: time.Second,
		done:       make(chan struct{}),
		dropLog:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.in = make(chan models.CDREvent, a.buffer)
	go a.run()
	return a
}

// Record implements b2bua.CDRHandler. When the queue is full or the writer
// is closed the event is dropped and counted.
func (a *Async) Record(callID string, ev b2bua.CDREvent, ts time.Time, meta b2bua.Metadata) {
	rec := ToModel(callID, ev, ts, meta)

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(rec, "closed")
		return
	}
	select {
	case a.in <- rec:
	default:
		a.drop(rec, "queue full")
	}
}

func (a *Async) drop(rec models.CDREvent, why string) {
	n := a.dropped.Add(1)
	a.dropLog.Do(func() {
		a.logger.Warn("cdr event dropped",
			"reason", why,
			"call_id", rec.CallID,
			"kind", rec.Kind,
			"dropped_total", n,
		)
	})
}

func (a *Async) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()

	batch := make([]models.CDREvent, 0, a.batchSize)
	for {
		select {
		case rec, ok := <-a.in:
			if !ok {
				a.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= a.batchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (a *Async) flush(batch []models.CDREvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.sink.InsertBatch(ctx, batch); err != nil {
		a.failed.Add(uint64(len(batch)))
		a.logger.Error("writing cdr batch", "events", len(batch), "error", err)
		return
	}
	a.written.Add(uint64(len(batch)))
}

// Close stops accepting events and waits for the queue to drain into the
// sink, or for ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.in)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		a.logger.Info("cdr writer closed",
			"written", a.written.Load(),
			"dropped", a.dropped.Load(),
			"failed", a.failed.Load(),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many events were discarded without reaching the sink.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Written returns how many events the sink accepted.
func (a *Async) Written() uint64 { return a.written.Load() }

// Failed returns how many events the sink rejected.
func (a *Async) Failed() uint64 { return a.failed.Load() }

// ToModel flattens a call-detail event into its stored form.
func ToModel(callID string, ev b2bua.CDREvent, ts time.Time, meta b2bua.Metadata) models.CDREvent {
	return models.CDREvent{
		CallID:      callID,
		Kind:        string(ev.Kind),
		Cause:       ev.Cause,
		Code:        ev.Code,
		Route:       ev.Route,
		DurationMs:  ev.Duration.Milliseconds(),
		Source:      meta.Source,
		Destination: meta.Destination,
		Realm:       meta.Realm,
		Username:    meta.User,
		SourceIP:    meta.SourceIP,
		AccountID:   meta.AccountID,
		ContextID:   meta.ContextID,
		ControlID:   meta.ControlID,
		BaseIP:      meta.BaseIP,
		OccurredAt:  ts,
	}
}
