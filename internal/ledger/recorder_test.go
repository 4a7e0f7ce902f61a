// ABOUTME: Tests for the asynchronous ledger recorder.
// ABOUTME: Covers queue draining, overflow drops, and close-flush behavior.

package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAppender collects entries, optionally blocking until released.
type fakeAppender struct {
	mu      sync.Mutex
	entries []Entry
	err     error
	gate    chan struct{} // when non-nil, Append blocks until closed
}

func (f *fakeAppender) Append(_ context.Context, e *Entry) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *e)
	return f.err
}

func (f *fakeAppender) appended() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Entry(nil), f.entries...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorder_DrainsToAppender(t *testing.T) {
	fake := &fakeAppender{}
	rec := NewRecorder(fake, discardLogger(), 8)

	rec.Record(Entry{Kind: KindRegistered, ConnectionID: "conn-1"})
	rec.Record(Entry{Kind: KindApproved, ConnectionID: "conn-1"})
	rec.Record(Entry{Kind: KindServerStarted})
	rec.Close()

	got := fake.appended()
	require.Len(t, got, 3)
	assert.Equal(t, KindRegistered, got[0].Kind)
	assert.Equal(t, KindApproved, got[1].Kind)
	assert.Equal(t, KindServerStarted, got[2].Kind)
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeAppender{gate: gate}
	rec := NewRecorder(fake, discardLogger(), 1)

	// First entry is picked up by the drain goroutine and blocks on the
	// gate; the second fills the queue; the third has nowhere to go.
	rec.Record(Entry{Kind: KindRegistered, ConnectionID: "conn-1"})
	rec.Record(Entry{Kind: KindRegistered, ConnectionID: "conn-2"})
	rec.Record(Entry{Kind: KindRegistered, ConnectionID: "conn-3"})

	close(gate)
	rec.Close()

	got := fake.appended()
	assert.LessOrEqual(t, len(got), 2, "overflow entry should have been dropped")
	assert.GreaterOrEqual(t, len(got), 1)
}

func TestRecorder_RecordAfterClose(t *testing.T) {
	fake := &fakeAppender{}
	rec := NewRecorder(fake, discardLogger(), 8)
	rec.Close()

	// Must not panic or deadlock.
	rec.Record(Entry{Kind: KindRegistered})
	assert.Empty(t, fake.appended())
}

func TestRecorder_CloseTwice(t *testing.T) {
	rec := NewRecorder(&fakeAppender{}, discardLogger(), 8)
	rec.Close()
	rec.Close()
}

func TestRecorder_AppendFailureDoesNotStopDraining(t *testing.T) {
	fake := &fakeAppender{err: errors.New("disk full")}
	rec := NewRecorder(fake, discardLogger(), 8)

	rec.Record(Entry{Kind: KindRegistered})
	rec.Record(Entry{Kind: KindApproved})
	rec.Close()

	// Both were attempted despite the first failing.
	assert.Len(t, fake.appended(), 2)
}

func TestRecorder_DefaultQueueSize(t *testing.T) {
	fake := &fakeAppender{}
	rec := NewRecorder(fake, discardLogger(), 0)

	rec.Record(Entry{Kind: KindServerStopped})
	rec.Close()

	require.Len(t, fake.appended(), 1)
}
