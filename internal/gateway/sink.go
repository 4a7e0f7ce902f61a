// ABOUTME: Adapters feeding registry and health changes into the audit ledger.
// ABOUTME: Keeps the ledger out of the registry's and monitor's type surface.

package gateway

import (
	"github.com/lanward/portcullis/internal/ledger"
	"github.com/lanward/portcullis/internal/registry"
	"github.com/lanward/portcullis/internal/status"
)

// lifecycleSink records every connection lifecycle change in the audit
// ledger. It hangs off the registry, so nothing that moves a connection,
// operator decisions and sweeps alike, can slip past the history.
type lifecycleSink struct {
	recorder *ledger.Recorder
}

func (s *lifecycleSink) Registered(snap registry.Snapshot) {
	s.recorder.Record(ledger.Entry{
		ConnectionID: snap.ID,
		Kind:         ledger.KindRegistered,
		Endpoint:     snap.Endpoint,
	})
}

func (s *lifecycleSink) StateChanged(snap registry.Snapshot, from registry.State, actor string) {
	e := ledger.Entry{
		ConnectionID: snap.ID,
		Kind:         kindForState(snap.State),
		Endpoint:     snap.Endpoint,
		Reason:       snap.Reason,
	}
	if actor != "" {
		e.Actor = &actor
	}
	if snap.State == registry.StateClosed {
		e.Detail = map[string]any{
			"bytes_sent":     snap.BytesSent,
			"bytes_received": snap.BytesReceived,
		}
	}
	s.recorder.Record(e)
}

func (s *lifecycleSink) Evicted(snap registry.Snapshot) {
	s.recorder.Record(ledger.Entry{
		ConnectionID: snap.ID,
		Kind:         ledger.KindEvicted,
		Endpoint:     snap.Endpoint,
	})
}

// kindForState maps a post-transition state to its ledger kind.
func kindForState(state registry.State) ledger.Kind {
	switch state {
	case registry.StateApproved:
		return ledger.KindApproved
	case registry.StateRejected:
		return ledger.KindRejected
	case registry.StateActive:
		return ledger.KindActivated
	case registry.StateClosed:
		return ledger.KindClosed
	default:
		return ledger.KindRegistered
	}
}

// healthReporter tees the health monitor's verdicts to the status
// publisher and the audit ledger.
type healthReporter struct {
	publisher *status.Publisher
	recorder  *ledger.Recorder
}

func (h *healthReporter) ServerStatusChanged(verdict string) {
	h.publisher.ServerStatusChanged(verdict)
	h.recorder.Record(ledger.Entry{
		Kind:   ledger.KindHealthChanged,
		Detail: map[string]any{"status": verdict},
	})
}
