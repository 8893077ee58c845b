package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/praetor-ai/praetor/pkg/config"
	"github.com/praetor-ai/praetor/pkg/fault"
)

// Recorder is the write front of the audit log. In sync mode every Record
// hits the store before returning; in batch mode events queue to a single
// background writer, preserving order. A failed write marks the recorder
// degraded: the runtime keeps operating but subsequent decisions carry the
// degraded flag until a write succeeds again.
type Recorder struct {
	store  Store
	mode   config.AuditMode
	clock  Clock
	logger *slog.Logger

	degraded atomic.Bool

	// Publish, when set, fans every recorded event out to the stream layer.
	// Called after the store write, regardless of its outcome.
	Publish func(e *Event)

	mu     sync.Mutex
	queue  chan *Event
	closed bool
	done   chan struct{}
}

// NewRecorder creates a recorder in the given mode. Batch mode starts the
// background writer immediately.
func NewRecorder(store Store, mode config.AuditMode, clock Clock, logger *slog.Logger) *Recorder {
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  store,
		mode:   mode,
		clock:  clock,
		logger: logger.With("component", "audit"),
	}
	if mode == config.AuditBatch {
		r.queue = make(chan *Event, 1024)
		r.done = make(chan struct{})
		go r.drain()
	}
	return r
}

// Record stamps and persists the event. The returned error is always
// AUDIT_LOG_FAILURE or nil; callers decide whether to fail the originating
// operation.
func (r *Recorder) Record(ctx context.Context, e Event) error {
	if e.EventID == "" {
		e.EventID = NewEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.clock.Now()
	}

	var err error
	if r.mode == config.AuditBatch {
		err = r.enqueue(&e)
	} else {
		err = r.write(ctx, &e)
	}

	if r.Publish != nil {
		r.Publish(&e)
	}
	return err
}

// Degraded reports whether the last store write failed.
func (r *Recorder) Degraded() bool {
	return r.degraded.Load()
}

// Close stops the batch writer after flushing queued events. Sync recorders
// close trivially.
func (r *Recorder) Close() error {
	if r.mode != config.AuditBatch {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
	return nil
}

func (r *Recorder) enqueue(e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fault.New(fault.CodeAuditLogFailure, "audit recorder closed")
	}
	select {
	case r.queue <- e:
		return nil
	default:
		r.degraded.Store(true)
		r.logger.Error("audit queue full, event lost", "event_id", e.EventID)
		return fault.New(fault.CodeAuditLogFailure, "audit queue full")
	}
}

func (r *Recorder) drain() {
	defer close(r.done)
	for e := range r.queue {
		// Queue order is the audit order; a single writer preserves it.
		_ = r.write(context.Background(), e)
	}
}

func (r *Recorder) write(ctx context.Context, e *Event) error {
	if err := r.store.Append(ctx, e); err != nil {
		r.degraded.Store(true)
		r.logger.Error("audit write failed",
			"event_id", e.EventID, "category", e.Category, "error", err)
		return fault.Wrap(fault.CodeAuditLogFailure, err, "append of %q failed", e.EventID)
	}
	if r.degraded.CompareAndSwap(true, false) {
		r.logger.Warn("audit log recovered, degraded flag cleared")
	}
	return nil
}
