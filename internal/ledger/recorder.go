// ABOUTME: Asynchronous recorder that queues ledger writes off the control path.
// ABOUTME: Drops entries when the queue is full; write failures are logged, never returned.

package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// appendTimeout bounds how long a single queued write may take.
const appendTimeout = 5 * time.Second

// defaultQueueSize is the buffered queue depth when none is configured.
const defaultQueueSize = 256

// Appender is the synchronous write half of the ledger, satisfied by *Store.
type Appender interface {
	Append(ctx context.Context, e *Entry) error
}

// Recorder accepts entries from the control path and writes them in the
// background. Recording never blocks and never fails the caller: when the
// queue is full the entry is dropped and a warning logged.
type Recorder struct {
	appender Appender
	logger   *slog.Logger

	queue   chan Entry
	drained chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a recorder draining into the given appender.
func NewRecorder(appender Appender, logger *slog.Logger, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	r := &Recorder{
		appender: appender,
		logger:   logger.With("component", "ledger"),
		queue:    make(chan Entry, queueSize),
		drained:  make(chan struct{}),
	}
	go r.drain()
	return r
}

// Record queues an entry for writing. Safe to call from any goroutine;
// a no-op after Close.
func (r *Recorder) Record(e Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}

	select {
	case r.queue <- e:
	default:
		r.logger.Warn("ledger queue full, dropping entry",
			"kind", e.Kind,
			"connection_id", e.ConnectionID,
		)
	}
}

// Close stops accepting entries and blocks until the queue has drained.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.drained
}

// drain writes queued entries until the queue is closed and empty.
func (r *Recorder) drain() {
	defer close(r.drained)

	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		err := r.appender.Append(ctx, &e)
		cancel()
		if err != nil {
			r.logger.Error("appending ledger entry",
				"error", err,
				"kind", e.Kind,
			)
		}
	}
}
