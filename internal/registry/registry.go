// ABOUTME: Authoritative in-memory table of connection attempts and their lifecycle state.
// ABOUTME: Single source of truth for admission decisions; notifies the status publisher on every change.

package registry

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateSession indicates the endpoint already has a non-terminal connection.
var ErrDuplicateSession = errors.New("endpoint already has an open session")

// ErrInvalidTransition indicates the requested lifecycle move is not legal.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ErrNotFound indicates the specified connection was not found.
var ErrNotFound = errors.New("connection not found")

// Notifier is told synchronously whenever the connection table changes.
// The status publisher implements it.
type Notifier interface {
	ConnectionsChanged()
}

// Sink receives one call per lifecycle change, after the table is updated
// and outside the table lock. The gateway wires the audit ledger here; a
// nil sink disables recording.
type Sink interface {
	// Registered is called once per new connection.
	Registered(snap Snapshot)
	// StateChanged is called on every successful transition. actor is the
	// operator subject behind the change, empty for automatic transitions.
	StateChanged(snap Snapshot, from State, actor string)
	// Evicted is called when a terminal connection leaves the table.
	Evicted(snap Snapshot)
}

// Counters holds the live byte counters for one connection. The relay
// updates them without going through the registry lock; snapshots read
// them atomically.
type Counters struct {
	sent     atomic.Int64
	received atomic.Int64
}

// AddSent records bytes relayed toward the remote peer.
func (c *Counters) AddSent(n int64) { c.sent.Add(n) }

// AddReceived records bytes relayed from the remote peer.
func (c *Counters) AddReceived(n int64) { c.received.Add(n) }

// Sent returns bytes relayed toward the remote peer.
func (c *Counters) Sent() int64 { return c.sent.Load() }

// Received returns bytes relayed from the remote peer.
func (c *Counters) Received() int64 { return c.received.Load() }

// Snapshot is an immutable copy of one connection's observable state.
type Snapshot struct {
	ID            string    `json:"id"`
	Endpoint      string    `json:"endpoint"`
	State         State     `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastChangeAt  time.Time `json:"lastChangeAt"`
	BytesSent     int64     `json:"bytesSent"`
	BytesReceived int64     `json:"bytesReceived"`
}

// connection is the registry-owned record. Callers only ever see Snapshots
// and the shared Counters handle.
type connection struct {
	id        string
	endpoint  string
	createdAt time.Time

	state     State
	reason    string
	changedAt time.Time

	counters Counters

	// decided is closed when the connection leaves pending, waking the
	// transport session blocked on the approval decision.
	decided chan struct{}
}

func (c *connection) snapshot() Snapshot {
	return Snapshot{
		ID:            c.id,
		Endpoint:      c.endpoint,
		State:         c.state,
		Reason:        c.reason,
		CreatedAt:     c.createdAt,
		LastChangeAt:  c.changedAt,
		BytesSent:     c.counters.Sent(),
		BytesReceived: c.counters.Received(),
	}
}

// Registry tracks every connection attempt for the lifetime of the process.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connection

	notifier  Notifier
	sink      Sink
	retention time.Duration
	logger    *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Registry. Terminal connections are evicted once they are
// older than retention; a background sweep enforces this.
func New(retention time.Duration, logger *slog.Logger) *Registry {
	r := &Registry{
		conns:     make(map[string]*connection),
		retention: retention,
		logger:    logger.With("component", "registry"),
		done:      make(chan struct{}),
	}

	r.wg.Add(1)
	go r.sweepLoop()

	return r
}

// SetNotifier wires the status publisher. Must be called before the first
// connection is registered.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// SetSink wires the lifecycle sink. Must be called before the first
// connection is registered.
func (r *Registry) SetSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

// Close stops the background sweep. It does not touch the table.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

// Register creates a new pending connection for the given remote endpoint.
// Returns ErrDuplicateSession if the endpoint already has a non-terminal entry.
func (r *Registry) Register(endpoint string) (string, error) {
	r.mu.Lock()

	for _, c := range r.conns {
		if c.endpoint == endpoint && !c.state.Terminal() {
			r.mu.Unlock()
			return "", ErrDuplicateSession
		}
	}

	now := time.Now().UTC()
	c := &connection{
		id:        uuid.New().String(),
		endpoint:  endpoint,
		createdAt: now,
		state:     StatePending,
		changedAt: now,
		decided:   make(chan struct{}),
	}
	r.conns[c.id] = c
	total := len(r.conns)
	snap := c.snapshot()
	r.mu.Unlock()

	r.logger.Info("connection registered",
		"id", c.id,
		"endpoint", endpoint,
		"total", total,
	)
	r.notifyChanged()
	if sink := r.currentSink(); sink != nil {
		sink.Registered(snap)
	}
	return c.id, nil
}

// Get returns a snapshot of the connection, if it exists.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return Snapshot{}, false
	}
	return c.snapshot(), true
}

// Transition moves a connection to a new lifecycle state. The move must be
// legal per the transition table or ErrInvalidTransition is returned; the
// state is left untouched on failure. actor names the operator behind the
// change, empty for automatic transitions. On success the status publisher
// is notified before Transition returns.
//
// Transitions on a single id are strictly ordered: the table lock makes two
// racing calls resolve to one winner and one ErrInvalidTransition.
func (r *Registry) Transition(id string, to State, reason, actor string) error {
	r.mu.Lock()

	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}

	from := c.state
	if !canTransition(from, to) {
		r.mu.Unlock()
		return ErrInvalidTransition
	}

	c.state = to
	if reason != "" {
		c.reason = reason
	}
	c.changedAt = time.Now().UTC()
	if from == StatePending {
		close(c.decided)
	}
	snap := c.snapshot()
	r.mu.Unlock()

	r.logger.Info("connection transitioned",
		"id", id,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
		"actor", actor,
	)
	r.notifyChanged()
	if sink := r.currentSink(); sink != nil {
		sink.StateChanged(snap, from, actor)
	}
	return nil
}

// List returns snapshots of every connection, ordered by creation time.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	snaps := make([]Snapshot, 0, len(r.conns))
	for _, c := range r.conns {
		snaps = append(snaps, c.snapshot())
	}
	r.mu.RUnlock()

	slices.SortFunc(snaps, func(a, b Snapshot) int {
		if cmp := a.CreatedAt.Compare(b.CreatedAt); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.ID, b.ID)
	})
	return snaps
}

// Evict removes a terminal connection from the table. Returns false if the
// connection is absent or not yet terminal. Safe to call concurrently with
// lookups.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok || !c.state.Terminal() {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	snap := c.snapshot()
	r.mu.Unlock()

	r.logger.Debug("connection evicted", "id", id, "endpoint", c.endpoint)
	r.notifyChanged()
	if sink := r.currentSink(); sink != nil {
		sink.Evicted(snap)
	}
	return true
}

// Decided returns a channel that is closed once the connection leaves
// pending. The transport blocks on it while awaiting the operator decision.
func (r *Registry) Decided(id string) (<-chan struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.decided, nil
}

// Counters returns the shared byte-counter handle for a connection. The
// relay holds it for the session's lifetime; the registry reads it when
// building snapshots.
func (r *Registry) Counters(id string) (*Counters, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return &c.counters, true
}

// notifyChanged tells the publisher the table changed. Called outside the
// table lock so the publisher may call List without re-entrancy trouble.
func (r *Registry) notifyChanged() {
	r.mu.RLock()
	n := r.notifier
	r.mu.RUnlock()

	if n != nil {
		n.ConnectionsChanged()
	}
}

func (r *Registry) currentSink() Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sink
}

// sweepLoop evicts terminal connections past the retention window.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	interval := r.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if evicted := r.sweepOnce(); evicted > 0 {
				r.logger.Debug("retention sweep", "evicted", evicted)
			}
		}
	}
}

// sweepOnce evicts every terminal connection older than the retention
// window and returns how many were removed.
func (r *Registry) sweepOnce() int {
	cutoff := time.Now().UTC().Add(-r.retention)

	r.mu.Lock()
	var expired []Snapshot
	for id, c := range r.conns {
		if c.state.Terminal() && c.changedAt.Before(cutoff) {
			expired = append(expired, c.snapshot())
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()

	if len(expired) > 0 {
		r.notifyChanged()
		if sink := r.currentSink(); sink != nil {
			for _, snap := range expired {
				sink.Evicted(snap)
			}
		}
	}
	return len(expired)
}
