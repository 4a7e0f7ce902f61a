// ABOUTME: Tests for the connection registry covering lifecycle, eviction, and notification.
// ABOUTME: Validates the monotonic state machine and concurrent transition ordering.

package registry

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(time.Minute, testLogger())
	t.Cleanup(r.Close)
	return r
}

// countingNotifier counts ConnectionsChanged calls.
type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) ConnectionsChanged() {
	n.calls.Add(1)
}

func TestRegistry_Register(t *testing.T) {
	t.Run("creates pending connection", func(t *testing.T) {
		reg := newTestRegistry(t)

		id, err := reg.Register("203.0.113.9:51234")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id == "" {
			t.Fatal("expected non-empty id")
		}

		snap, ok := reg.Get(id)
		if !ok {
			t.Fatal("expected to find connection")
		}
		if snap.State != StatePending {
			t.Errorf("expected pending, got %s", snap.State)
		}
		if snap.Endpoint != "203.0.113.9:51234" {
			t.Errorf("expected endpoint to round-trip, got %q", snap.Endpoint)
		}
		if snap.CreatedAt.IsZero() {
			t.Error("expected creation timestamp")
		}
	})

	t.Run("rejects duplicate endpoint with open session", func(t *testing.T) {
		reg := newTestRegistry(t)

		if _, err := reg.Register("203.0.113.9:51234"); err != nil {
			t.Fatalf("unexpected error on first register: %v", err)
		}

		_, err := reg.Register("203.0.113.9:51234")
		if err != ErrDuplicateSession {
			t.Errorf("expected ErrDuplicateSession, got %v", err)
		}
	})

	t.Run("allows same endpoint after terminal state", func(t *testing.T) {
		reg := newTestRegistry(t)

		id, err := reg.Register("203.0.113.9:51234")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := reg.Transition(id, StateRejected, "operator said no", ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, err := reg.Register("203.0.113.9:51234"); err != nil {
			t.Errorf("expected re-register after terminal state, got %v", err)
		}
	})

	t.Run("different endpoints register independently", func(t *testing.T) {
		reg := newTestRegistry(t)

		if _, err := reg.Register("203.0.113.9:51234"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := reg.Register("203.0.113.9:51235"); err != nil {
			t.Errorf("unexpected error for distinct endpoint: %v", err)
		}
	})
}

func TestRegistry_Transition(t *testing.T) {
	t.Run("walks the full lifecycle", func(t *testing.T) {
		reg := newTestRegistry(t)
		id, _ := reg.Register("203.0.113.9:51234")

		steps := []State{StateApproved, StateActive, StateClosed}
		for _, next := range steps {
			if err := reg.Transition(id, next, "", ""); err != nil {
				t.Fatalf("transition to %s: %v", next, err)
			}
			snap, _ := reg.Get(id)
			if snap.State != next {
				t.Errorf("expected %s, got %s", next, snap.State)
			}
		}
	})

	t.Run("rejects illegal moves and leaves state unchanged", func(t *testing.T) {
		reg := newTestRegistry(t)
		id, _ := reg.Register("203.0.113.9:51234")

		// pending cannot jump straight to active or closed
		for _, illegal := range []State{StateActive, StateClosed, StatePending} {
			if err := reg.Transition(id, illegal, "", ""); err != ErrInvalidTransition {
				t.Errorf("transition to %s: expected ErrInvalidTransition, got %v", illegal, err)
			}
		}

		snap, _ := reg.Get(id)
		if snap.State != StatePending {
			t.Errorf("state changed on failed transition: %s", snap.State)
		}
	})

	t.Run("terminal states accept nothing", func(t *testing.T) {
		reg := newTestRegistry(t)
		id, _ := reg.Register("203.0.113.9:51234")
		reg.Transition(id, StateRejected, ReasonTimeout, "")

		for _, next := range []State{StatePending, StateApproved, StateActive, StateClosed} {
			if err := reg.Transition(id, next, "", ""); err != ErrInvalidTransition {
				t.Errorf("rejected -> %s: expected ErrInvalidTransition, got %v", next, err)
			}
		}
	})

	t.Run("unknown id returns ErrNotFound", func(t *testing.T) {
		reg := newTestRegistry(t)

		if err := reg.Transition("nope", StateApproved, "", ""); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("records reason", func(t *testing.T) {
		reg := newTestRegistry(t)
		id, _ := reg.Register("203.0.113.9:51234")

		reg.Transition(id, StateRejected, ReasonRateLimited, "")

		snap, _ := reg.Get(id)
		if snap.Reason != ReasonRateLimited {
			t.Errorf("expected reason %q, got %q", ReasonRateLimited, snap.Reason)
		}
	})

	t.Run("concurrent approvals have exactly one winner", func(t *testing.T) {
		reg := newTestRegistry(t)
		id, _ := reg.Register("203.0.113.9:51234")

		const racers = 16
		var wg sync.WaitGroup
		var wins atomic.Int32
		var losses atomic.Int32

		for range racers {
			wg.Go(func() {
				switch err := reg.Transition(id, StateApproved, "", ""); err {
				case nil:
					wins.Add(1)
				case ErrInvalidTransition:
					losses.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			})
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Errorf("expected exactly 1 winner, got %d", wins.Load())
		}
		if losses.Load() != racers-1 {
			t.Errorf("expected %d losers, got %d", racers-1, losses.Load())
		}
	})
}

func TestRegistry_Decided(t *testing.T) {
	t.Run("closes on leaving pending", func(t *testing.T) {
		reg := newTestRegistry(t)
		id, _ := reg.Register("203.0.113.9:51234")

		decided, err := reg.Decided(id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		select {
		case <-decided:
			t.Fatal("decided channel closed before any transition")
		default:
		}

		reg.Transition(id, StateApproved, "", "")

		select {
		case <-decided:
		case <-time.After(time.Second):
			t.Fatal("decided channel not closed after approval")
		}
	})

	t.Run("unknown id returns ErrNotFound", func(t *testing.T) {
		reg := newTestRegistry(t)

		if _, err := reg.Decided("nope"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRegistry_List(t *testing.T) {
	t.Run("orders by creation time", func(t *testing.T) {
		reg := newTestRegistry(t)

		var ids []string
		for _, ep := range []string{"10.0.0.1:1000", "10.0.0.2:1000", "10.0.0.3:1000"} {
			id, err := reg.Register(ep)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			ids = append(ids, id)
			time.Sleep(2 * time.Millisecond)
		}

		snaps := reg.List()
		if len(snaps) != 3 {
			t.Fatalf("expected 3 connections, got %d", len(snaps))
		}
		for i, snap := range snaps {
			if snap.ID != ids[i] {
				t.Errorf("position %d: expected %s, got %s", i, ids[i], snap.ID)
			}
		}
	})

	t.Run("empty registry lists nothing", func(t *testing.T) {
		reg := newTestRegistry(t)

		if snaps := reg.List(); len(snaps) != 0 {
			t.Errorf("expected empty list, got %d entries", len(snaps))
		}
	})
}

func TestRegistry_Evict(t *testing.T) {
	t.Run("removes terminal connections", func(t *testing.T) {
		reg := newTestRegistry(t)
		id, _ := reg.Register("203.0.113.9:51234")
		reg.Transition(id, StateRejected, "no", "")

		if !reg.Evict(id) {
			t.Error("expected eviction of terminal connection")
		}
		if _, ok := reg.Get(id); ok {
			t.Error("connection still present after eviction")
		}
	})

	t.Run("refuses non-terminal connections", func(t *testing.T) {
		reg := newTestRegistry(t)
		id, _ := reg.Register("203.0.113.9:51234")

		if reg.Evict(id) {
			t.Error("evicted a pending connection")
		}

		reg.Transition(id, StateApproved, "", "")
		reg.Transition(id, StateActive, "", "")
		if reg.Evict(id) {
			t.Error("evicted an active connection")
		}
	})

	t.Run("absent id returns false", func(t *testing.T) {
		reg := newTestRegistry(t)

		if reg.Evict("nope") {
			t.Error("expected false for unknown id")
		}
	})
}

func TestRegistry_RetentionSweep(t *testing.T) {
	t.Run("sweeps terminal entries past the window", func(t *testing.T) {
		reg := New(10*time.Millisecond, testLogger())
		t.Cleanup(reg.Close)

		closedID, _ := reg.Register("10.0.0.1:1000")
		reg.Transition(closedID, StateRejected, "no", "")

		activeID, _ := reg.Register("10.0.0.2:1000")
		reg.Transition(activeID, StateApproved, "", "")
		reg.Transition(activeID, StateActive, "", "")

		time.Sleep(20 * time.Millisecond)
		if evicted := reg.sweepOnce(); evicted != 1 {
			t.Errorf("expected 1 eviction, got %d", evicted)
		}

		if _, ok := reg.Get(closedID); ok {
			t.Error("terminal connection survived the sweep")
		}
		if _, ok := reg.Get(activeID); !ok {
			t.Error("active connection was swept")
		}
	})

	t.Run("keeps young terminal entries", func(t *testing.T) {
		reg := newTestRegistry(t)
		id, _ := reg.Register("10.0.0.1:1000")
		reg.Transition(id, StateRejected, "no", "")

		if evicted := reg.sweepOnce(); evicted != 0 {
			t.Errorf("expected no evictions inside retention window, got %d", evicted)
		}
	})
}

func TestRegistry_NotifiesPublisher(t *testing.T) {
	reg := newTestRegistry(t)
	notifier := &countingNotifier{}
	reg.SetNotifier(notifier)

	id, _ := reg.Register("203.0.113.9:51234")
	if got := notifier.calls.Load(); got != 1 {
		t.Errorf("after register: expected 1 notification, got %d", got)
	}

	reg.Transition(id, StateApproved, "", "")
	if got := notifier.calls.Load(); got != 2 {
		t.Errorf("after transition: expected 2 notifications, got %d", got)
	}

	// Failed transition must not notify
	reg.Transition(id, StateRejected, "", "")
	if got := notifier.calls.Load(); got != 2 {
		t.Errorf("after failed transition: expected 2 notifications, got %d", got)
	}

	reg.Transition(id, StateActive, "", "")
	reg.Transition(id, StateClosed, "", "")
	reg.Evict(id)
	if got := notifier.calls.Load(); got != 5 {
		t.Errorf("after evict: expected 5 notifications, got %d", got)
	}
}

// recordingSink captures lifecycle sink calls.
type recordingSink struct {
	mu         sync.Mutex
	registered []Snapshot
	changes    []sinkChange
	evicted    []Snapshot
}

type sinkChange struct {
	snap  Snapshot
	from  State
	actor string
}

func (s *recordingSink) Registered(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = append(s.registered, snap)
}

func (s *recordingSink) StateChanged(snap Snapshot, from State, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, sinkChange{snap: snap, from: from, actor: actor})
}

func (s *recordingSink) Evicted(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = append(s.evicted, snap)
}

func TestRegistry_Sink(t *testing.T) {
	t.Run("sees every lifecycle change", func(t *testing.T) {
		reg := newTestRegistry(t)
		sink := &recordingSink{}
		reg.SetSink(sink)

		id, _ := reg.Register("203.0.113.9:51234")
		reg.Transition(id, StateApproved, "", "admin")
		reg.Transition(id, StateActive, "", "")
		reg.Transition(id, StateClosed, "", "")
		reg.Evict(id)

		if len(sink.registered) != 1 {
			t.Fatalf("expected 1 registered call, got %d", len(sink.registered))
		}
		if sink.registered[0].Endpoint != "203.0.113.9:51234" {
			t.Errorf("registered endpoint = %q", sink.registered[0].Endpoint)
		}

		if len(sink.changes) != 3 {
			t.Fatalf("expected 3 state changes, got %d", len(sink.changes))
		}
		first := sink.changes[0]
		if first.snap.State != StateApproved || first.from != StatePending {
			t.Errorf("first change = %s from %s", first.snap.State, first.from)
		}
		if first.actor != "admin" {
			t.Errorf("first change actor = %q, want admin", first.actor)
		}
		if sink.changes[1].actor != "" {
			t.Errorf("automatic transition carried actor %q", sink.changes[1].actor)
		}

		if len(sink.evicted) != 1 {
			t.Fatalf("expected 1 evicted call, got %d", len(sink.evicted))
		}
		if sink.evicted[0].ID != id {
			t.Errorf("evicted id = %s, want %s", sink.evicted[0].ID, id)
		}
	})

	t.Run("failed transition is silent", func(t *testing.T) {
		reg := newTestRegistry(t)
		sink := &recordingSink{}
		reg.SetSink(sink)

		id, _ := reg.Register("203.0.113.9:51234")
		reg.Transition(id, StateClosed, "", "")

		if len(sink.changes) != 0 {
			t.Errorf("expected no state changes, got %d", len(sink.changes))
		}
	})

	t.Run("sweep reports evictions", func(t *testing.T) {
		reg := New(10*time.Millisecond, testLogger())
		t.Cleanup(reg.Close)
		sink := &recordingSink{}
		reg.SetSink(sink)

		id, _ := reg.Register("203.0.113.9:51234")
		reg.Transition(id, StateRejected, "no", "")

		time.Sleep(20 * time.Millisecond)
		reg.sweepOnce()

		sink.mu.Lock()
		defer sink.mu.Unlock()
		if len(sink.evicted) != 1 {
			t.Fatalf("expected 1 evicted call, got %d", len(sink.evicted))
		}
	})
}

func TestRegistry_Counters(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Register("203.0.113.9:51234")

	counters, ok := reg.Counters(id)
	if !ok {
		t.Fatal("expected counters handle")
	}

	counters.AddSent(1024)
	counters.AddReceived(512)

	snap, _ := reg.Get(id)
	if snap.BytesSent != 1024 {
		t.Errorf("BytesSent = %d, want 1024", snap.BytesSent)
	}
	if snap.BytesReceived != 512 {
		t.Errorf("BytesReceived = %d, want 512", snap.BytesReceived)
	}

	if _, ok := reg.Counters("nope"); ok {
		t.Error("expected no counters for unknown id")
	}
}

func TestState_Strings(t *testing.T) {
	cases := map[State]string{
		StatePending:  "pending",
		StateApproved: "approved",
		StateRejected: "rejected",
		StateActive:   "active",
		StateClosed:   "closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
		parsed, err := ParseState(want)
		if err != nil {
			t.Errorf("ParseState(%q): %v", want, err)
		}
		if parsed != state {
			t.Errorf("ParseState(%q) = %v, want %v", want, parsed, state)
		}
	}

	if _, err := ParseState("bogus"); err == nil {
		t.Error("expected error for unknown state string")
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StatePending, StateApproved, StateActive} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []State{StateRejected, StateClosed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
