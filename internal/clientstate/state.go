// Package clientstate holds the per-connection state shared between the
// client's capture thread and its transport/send thread (spec.md §3 and
// §5). It is the Go translation of the original source's tx_t struct.
package clientstate

import (
	"sync"
	"time"

	"github.com/chlwjd0803/moto-cam/internal/fsm"
	"go.uber.org/atomic"
)

// MaxPaths bounds the per-path tables, matching the original source's
// MAX_PATHS.
const MaxPaths = 16

// StreamBinding is the per-path stream-to-path affinity record (spec.md
// §3 "Per-Path Stream Binding"). StreamID == 0 means "not yet opened".
type StreamBinding struct {
	StreamID      uint64
	Ready         bool
	LastPathIndex int
}

// CaptureSlot is the producer/consumer handoff point between the capture
// thread and the send thread (spec.md §3 "Capture Slot"). The capture
// thread is the sole writer of Buf/Len and the sole incrementer of Seq;
// the send thread reads all three under Mu and never blocks the capture
// thread beyond a copy.
type CaptureSlot struct {
	Mu  sync.Mutex
	Buf []byte
	Len int
	Seq atomic.Uint64
}

// Put stores the newest encoded JPEG frame, growing Buf only as needed,
// and bumps Seq. Called only from the capture thread.
func (c *CaptureSlot) Put(frame []byte) {
	c.Mu.Lock()
	if cap(c.Buf) < len(frame) {
		c.Buf = make([]byte, len(frame))
	}
	c.Buf = c.Buf[:len(frame)]
	copy(c.Buf, frame)
	c.Len = len(frame)
	c.Seq.Add(1)
	c.Mu.Unlock()
}

// CopyIfNewer copies the current frame into scratch and reports whether
// it was newer than lastSeq, returning the new sequence number. Called
// only from the send thread; never blocks on anything but the copy.
func (c *CaptureSlot) CopyIfNewer(scratch []byte, lastSeq uint64) (out []byte, newSeq uint64, isNew bool) {
	seq := c.Seq.Load()
	if seq == lastSeq || seq == 0 {
		return scratch, seq, false
	}
	c.Mu.Lock()
	seq = c.Seq.Load()
	if cap(scratch) < c.Len {
		scratch = make([]byte, c.Len)
	}
	scratch = scratch[:c.Len]
	copy(scratch, c.Buf[:c.Len])
	c.Mu.Unlock()
	return scratch, seq, true
}

// Connection is the shared per-connection record: the client-side
// analogue of the original source's tx_t. Only the transport/send
// thread ever mutates the path and binding tables (spec §5 "Shared-
// resource policy"); the capture thread only ever touches Capture.
type Connection struct {
	Capture CaptureSlot

	// Bindings is indexed by path index; StreamID==0 means unopened.
	Bindings [MaxPaths]StreamBinding

	Selector *fsm.SelectorState

	LastSentSeq uint64

	// Probe bookkeeping (spec §4.C step 4/5): "did we already probe
	// this alternate address" flags, reset on reconnect.
	DidProbeWiFiAlt   bool
	DidProbeCellular  bool
	LastWiFiProbeAt   time.Time
	HandshakeDoneAt   time.Time
	LastKeepAliveAt   time.Time

	IsReady bool
	Closing bool

	PrimaryLocalIP uint32
}

// NewConnection returns a Connection with freshly zeroed tables and an
// Initial-state selector, as required after every reconnect (spec §4.C
// "Reconnection").
func NewConnection() *Connection {
	return &Connection{Selector: fsm.NewSelectorState()}
}

// Reset clears all per-path and selector state in place, used by the
// reconnect supervisor instead of allocating a new Connection so the
// Capture slot (which the capture thread may still be writing to) is
// left untouched.
func (c *Connection) Reset() {
	for i := range c.Bindings {
		c.Bindings[i] = StreamBinding{}
	}
	c.Selector = fsm.NewSelectorState()
	c.LastSentSeq = 0
	c.DidProbeWiFiAlt = false
	c.DidProbeCellular = false
	c.LastWiFiProbeAt = time.Time{}
	c.HandshakeDoneAt = time.Time{}
	c.LastKeepAliveAt = time.Time{}
	c.IsReady = false
	c.Closing = false
}
