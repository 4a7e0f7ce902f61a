// ABOUTME: Bidirectional byte relay with pooled buffers and live counters.
// ABOUTME: Back-pressure comes from the bounded copy buffer, never queuing.

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/lanward/portcullis/internal/metrics"
	"github.com/lanward/portcullis/internal/registry"
)

// ErrRelayIO indicates a relay direction failed for a reason other than a
// normal close. It terminates only its own session.
var ErrRelayIO = errors.New("relay i/o error")

// relayBufferSize is the size of each pooled copy buffer. It also bounds
// the in-flight bytes per direction: a peer that cannot drain pauses the
// source read instead of growing a queue.
const relayBufferSize = 32 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, relayBufferSize)
		return &buf
	},
}

// countingWriter feeds written byte counts to a callback so connection
// snapshots show progress mid-session.
type countingWriter struct {
	dst   io.Writer
	count func(int64)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.count(int64(n))
	}
	return n, err
}

// relay copies bytes both ways until either side closes, then closes both
// ends so the opposite copy unblocks. Returns nil on a normal close and
// ErrRelayIO when a direction failed mid-stream.
func relay(client, server net.Conn, counters *registry.Counters) error {
	var once sync.Once
	closeBoth := func() {
		_ = client.Close()
		_ = server.Close()
	}

	toServer := &countingWriter{dst: server, count: func(n int64) {
		counters.AddReceived(n)
		metrics.BytesRelayedTotal.WithLabelValues("to_server").Add(float64(n))
	}}
	toClient := &countingWriter{dst: client, count: func(n int64) {
		counters.AddSent(n)
		metrics.BytesRelayedTotal.WithLabelValues("to_client").Add(float64(n))
	}}

	var wg sync.WaitGroup
	var inboundErr, outboundErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, inboundErr = copyPooled(toServer, client)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		_, outboundErr = copyPooled(toClient, server)
		once.Do(closeBoth)
	}()
	wg.Wait()

	if err := relayError(inboundErr); err != nil {
		return err
	}
	return relayError(outboundErr)
}

// copyPooled copies with a pooled buffer to avoid per-session allocations.
func copyPooled(dst io.Writer, src io.Reader) (int64, error) {
	buf := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// relayError filters the errors a normal teardown produces.
func relayError(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRelayIO, err)
}
