// ABOUTME: In-memory fan-out publisher for gateway status events.
// ABOUTME: Coalesces connection-table churn and drops observers that fall behind.

package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanward/portcullis/internal/metrics"
	"github.com/lanward/portcullis/internal/registry"
)

const (
	// defaultObserverBuffer is the channel buffer for each observer when
	// the configured value is not positive.
	defaultObserverBuffer = 64

	// initialServerStatus is reported to observers until the health
	// monitor delivers its first probe verdict.
	initialServerStatus = "starting"
)

// Kind identifies an event type on the wire.
type Kind string

const (
	KindServerStatus      Kind = "server_status"
	KindConnectionsUpdate Kind = "connections_update"
)

// Event is a single status update. Seq values are strictly increasing for
// any one observer; gaps are normal since initial snapshots consume
// sequence numbers too.
type Event struct {
	Seq     uint64          `json:"seq"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ServerStatusPayload carries the game server's health verdict.
type ServerStatusPayload struct {
	Status string `json:"status"`
}

// ConnectionsPayload carries a full snapshot of the connection table.
// Full snapshots keep observers consistent without delta reconciliation.
type ConnectionsPayload struct {
	Connections []registry.Snapshot `json:"connections"`
}

// Lister supplies the current connection table for snapshot events.
type Lister interface {
	List() []registry.Snapshot
}

// Config holds the publisher's delivery policy.
type Config struct {
	// ObserverBuffer is the per-observer channel capacity. An observer
	// whose buffer overflows is dropped and must resubscribe.
	ObserverBuffer int
	// CoalesceWindow batches connection-table changes: every change
	// inside the window collapses into one connections_update.
	CoalesceWindow time.Duration
}

// Publisher fans status events out to observers. It implements the
// registry's Notifier so table changes flow here synchronously.
type Publisher struct {
	lister Lister
	logger *slog.Logger
	buffer int
	window time.Duration

	mu           sync.Mutex
	observers    map[string]chan Event
	seq          uint64
	serverStatus string
	dirty        bool
	flushTimer   *time.Timer
	closed       bool
}

// New creates a Publisher that builds connection snapshots from lister.
func New(lister Lister, cfg Config, logger *slog.Logger) *Publisher {
	// The buffer must at least hold the initial snapshot pair sent on
	// subscribe, so anything smaller falls back to the default.
	buffer := cfg.ObserverBuffer
	if buffer < 2 {
		buffer = defaultObserverBuffer
	}

	return &Publisher{
		lister:       lister,
		logger:       logger.With("component", "status"),
		buffer:       buffer,
		window:       cfg.CoalesceWindow,
		observers:    make(map[string]chan Event),
		serverStatus: initialServerStatus,
	}
}

// Subscribe registers an observer and returns its event channel and id.
// The first events on the channel are a server_status and a
// connections_update snapshot, so a new observer is consistent without
// any replay. The subscription is removed when ctx is cancelled.
func (p *Publisher) Subscribe(ctx context.Context) (<-chan Event, string) {
	id := uuid.New().String()
	ch := make(chan Event, p.buffer)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(ch)
		return ch, id
	}
	// Snapshot under the lock so no broadcast can slide between the
	// snapshot and the observer registration.
	statusPayload := mustMarshal(ServerStatusPayload{Status: p.serverStatus})
	connsPayload := mustMarshal(ConnectionsPayload{Connections: p.lister.List()})
	p.observers[id] = ch
	ch <- p.nextEventLocked(KindServerStatus, statusPayload)
	ch <- p.nextEventLocked(KindConnectionsUpdate, connsPayload)
	p.mu.Unlock()

	metrics.Observers.Inc()
	p.logger.Debug("observer added", "observer_id", id)

	go func() {
		<-ctx.Done()
		p.Unsubscribe(id)
	}()

	return ch, id
}

// Unsubscribe removes an observer and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.observers[id]
	if !ok {
		return
	}

	delete(p.observers, id)
	close(ch)

	metrics.Observers.Dec()
	p.logger.Debug("observer removed", "observer_id", id)
}

// ConnectionsChanged schedules a connections_update snapshot. Changes
// arriving while one is scheduled fold into the same event.
func (p *Publisher) ConnectionsChanged() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.dirty {
		return
	}

	p.dirty = true
	p.flushTimer = time.AfterFunc(p.window, p.flushConnections)
}

// ServerStatusChanged publishes a server_status event immediately.
// Health verdicts are already debounced upstream, so no coalescing here.
func (p *Publisher) ServerStatusChanged(status string) {
	payload := mustMarshal(ServerStatusPayload{Status: status})

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.serverStatus = status
	p.broadcastLocked(KindServerStatus, payload)
}

// ObserverCount returns the number of connected observers.
func (p *Publisher) ObserverCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observers)
}

// ServerStatus returns the most recently published server status.
func (p *Publisher) ServerStatus() string {
	return p.currentServerStatus()
}

// Close drops all observers and stops any scheduled flush.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	if p.flushTimer != nil {
		p.flushTimer.Stop()
	}

	for id, ch := range p.observers {
		close(ch)
		delete(p.observers, id)
		metrics.Observers.Dec()
	}

	p.logger.Debug("publisher closed")
}

// flushConnections emits the coalesced connections_update.
func (p *Publisher) flushConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.dirty = false
	payload := mustMarshal(ConnectionsPayload{Connections: p.lister.List()})
	p.broadcastLocked(KindConnectionsUpdate, payload)
}

// broadcastLocked assigns the next sequence number and fans the event out.
// An observer whose buffer is full is dropped on the spot: resubscribing
// yields a fresh snapshot, which beats delivering stale intermediate
// events late. Callers must hold p.mu.
func (p *Publisher) broadcastLocked(kind Kind, payload json.RawMessage) {
	event := p.nextEventLocked(kind, payload)
	metrics.EventsPublishedTotal.WithLabelValues(string(kind)).Inc()

	for id, ch := range p.observers {
		select {
		case ch <- event:
		default:
			delete(p.observers, id)
			close(ch)
			metrics.Observers.Dec()
			metrics.ObserversDroppedTotal.Inc()
			p.logger.Warn("dropped slow observer",
				"observer_id", id,
				"buffer", p.buffer,
				"seq", event.Seq,
			)
		}
	}
}

// nextEventLocked builds an event with the next sequence number.
// Callers must hold p.mu.
func (p *Publisher) nextEventLocked(kind Kind, payload json.RawMessage) Event {
	p.seq++
	return Event{Seq: p.seq, Kind: kind, Payload: payload}
}

func (p *Publisher) currentServerStatus() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serverStatus
}

// mustMarshal converts payloads that cannot fail to marshal.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
