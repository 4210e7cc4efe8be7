// Package assembler implements the server-side per-stream varint-length
// + JPEG-payload decoder with resync (spec.md §4.D), grounded nearly
// line-for-line on original_source/mpquic/frame_assembler.c.
package assembler

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chlwjd0803/moto-cam/internal/varint"
	"github.com/chlwjd0803/moto-cam/internal/writer"
)

// MaxFrameSize is the largest accepted frame length (spec.md §3, §8).
const MaxFrameSize = 10 << 20

// MaxStreams bounds the fixed-capacity stream table (spec.md §4.D
// "Stream table").
const MaxStreams = 128

// Per-callback budgets (spec.md §4.D "Per-callback bounds"); overridable
// via environment variables at the server entrypoint per spec.md §6.
const (
	DefaultMaxRxSteps  = 65536
	DefaultMaxRxBytes  = 4 << 20
	DefaultMaxFramesCB = 16
	DefaultMaxTime     = 20 * time.Millisecond
)

// Environment variable names read by BudgetsFromEnv (spec.md §6
// "Environment variables (server assembler tuning)").
const (
	envMaxRxSteps  = "FA_MAX_RX_STEPS"
	envMaxRxBytes  = "FA_MAX_RX_BYTES"
	envMaxFramesCB = "FA_MAX_FRAMES_CB"
	envMaxTimeUS   = "FA_MAX_TIME_US"
)

const resyncScanLimit = 4096

const soi0, soi1 = 0xFF, 0xD8
const eoi0, eoi1 = 0xFF, 0xD9

type phase int

const (
	wantLen phase = iota
	wantPayload
	resyncJPEG
)

// Budgets bounds a single OnBytes call's work so one busy stream cannot
// starve the others or the transport (spec.md §4.D "Per-callback
// bounds").
type Budgets struct {
	MaxSteps  int
	MaxBytes  int
	MaxFrames int
	MaxTime   time.Duration
}

// DefaultBudgets returns the spec's default per-callback bounds.
func DefaultBudgets() Budgets {
	return Budgets{MaxSteps: DefaultMaxRxSteps, MaxBytes: DefaultMaxRxBytes, MaxFrames: DefaultMaxFramesCB, MaxTime: DefaultMaxTime}
}

// BudgetsFromEnv returns DefaultBudgets with any of FA_MAX_RX_STEPS,
// FA_MAX_RX_BYTES, FA_MAX_FRAMES_CB, FA_MAX_TIME_US (microseconds)
// overridden when set and parseable (spec.md §6 "Environment variables
// (server assembler tuning)"). Call this from the server entrypoint
// instead of DefaultBudgets to honor the tuning knobs.
func BudgetsFromEnv() Budgets {
	b := DefaultBudgets()
	if v, ok := envInt(envMaxRxSteps); ok {
		b.MaxSteps = v
	}
	if v, ok := envInt(envMaxRxBytes); ok {
		b.MaxBytes = v
	}
	if v, ok := envInt(envMaxFramesCB); ok {
		b.MaxFrames = v
	}
	if v, ok := envInt(envMaxTimeUS); ok {
		b.MaxTime = time.Duration(v) * time.Microsecond
	}
	return b
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// rxStream is one stream's assembly state (spec.md §3 "Receive Stream
// State (server)").
type rxStream struct {
	inUse     bool
	streamID  uint64
	phase     phase
	lenBuf    [8]byte
	lenGot    int
	frameSize uint64
	received  uint64
	buf       []byte
	inJPEG    bool
	lastByte  byte
}

func (rx *rxStream) clear() {
	rx.phase = wantLen
	rx.lenGot = 0
	rx.frameSize = 0
	rx.received = 0
	rx.inJPEG = false
	rx.lastByte = 0
}

func (rx *rxStream) ensureCap(need uint64) bool {
	if need > MaxFrameSize {
		return false
	}
	if uint64(cap(rx.buf)) >= need {
		rx.buf = rx.buf[:need]
		return true
	}
	nc := uint64(4096)
	if cap(rx.buf) > 0 {
		nc = uint64(cap(rx.buf))
	}
	for nc < need {
		if nc > MaxFrameSize/2 {
			nc = need
			break
		}
		nc <<= 1
	}
	nb := make([]byte, need, nc)
	copy(nb, rx.buf)
	rx.buf = nb
	return true
}

// Sink receives completed frames. It is satisfied by *writer.Writer;
// kept as an interface so the assembler's own tests need no disk I/O.
type Sink interface {
	Enqueue(job writer.Job)
}

// FlowControl is notified of consumed payload bytes so the caller can
// widen the stream's QUIC flow-control window (spec.md §4.D "Flow
// control"). Length-prefix bytes and bytes scanned in resync are not
// reported.
type FlowControl interface {
	AddStreamCredit(streamID uint64, n int)
}

type noopFlowControl struct{}

func (noopFlowControl) AddStreamCredit(uint64, int) {}

// Assembler owns one fixed-capacity stream table, shared by every stream
// of a single connection (spec.md §4.D "Stream table"). Its table is
// guarded by mu because the caller may run one goroutine per accepted
// uni stream against the same Assembler (one per connection, shared
// across that connection's streams).
type Assembler struct {
	mu      sync.Mutex
	streams [MaxStreams]rxStream
	sink    Sink
	fc      FlowControl
	budgets Budgets

	// DropCheck, when non-nil, is consulted once per OnBytes call. While
	// it returns true the assembler enters drop mode (spec.md §4.E
	// "Backpressure"): bytes are still consumed to advance flow control
	// and keep the stream unblocked, but frames are discarded instead of
	// queued to the writer. Left nil, drop mode never engages.
	DropCheck func() bool

	droppedFrames uint64 // atomic

	now func() time.Time
}

// New returns an Assembler that enqueues completed frames to sink.
func New(sink Sink, fc FlowControl, budgets Budgets) *Assembler {
	if fc == nil {
		fc = noopFlowControl{}
	}
	return &Assembler{sink: sink, fc: fc, budgets: budgets, now: time.Now}
}

// DroppedFrames reports how many frames were discarded under backpressure
// drop mode rather than written (spec.md §4.E "Backpressure").
func (a *Assembler) DroppedFrames() uint64 {
	return atomic.LoadUint64(&a.droppedFrames)
}

func (a *Assembler) getStreamLocked(sid uint64) *rxStream {
	for i := range a.streams {
		if a.streams[i].inUse && a.streams[i].streamID == sid {
			return &a.streams[i]
		}
	}
	for i := range a.streams {
		if !a.streams[i].inUse {
			a.streams[i] = rxStream{inUse: true, streamID: sid, phase: wantLen}
			return &a.streams[i]
		}
	}
	// Table full: drop the newest stream's bytes silently (spec.md
	// §4.D "full-table on new stream drops the newest").
	return nil
}

// CloseStream frees a stream's slot on FIN/RESET/STOP_SENDING (spec.md
// §4.D "Stream closure"). Idempotent.
func (a *Assembler) CloseStream(sid uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.streams {
		if a.streams[i].inUse && a.streams[i].streamID == sid {
			a.streams[i] = rxStream{}
			return
		}
	}
}

// OnBytes feeds newly-arrived bytes for stream sid through the FSM,
// bounded by the assembler's budgets (spec.md §4.D).
func (a *Assembler) OnBytes(sid uint64, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rx := a.getStreamLocked(sid)
	if rx == nil {
		return
	}

	drop := a.DropCheck != nil && a.DropCheck()

	start := a.now()
	p, pmax := 0, len(data)
	steps, copied, frames := 0, 0, 0

	for p < pmax {
		if steps >= a.budgets.MaxSteps {
			break
		}
		if copied >= a.budgets.MaxBytes {
			break
		}
		if frames >= a.budgets.MaxFrames {
			break
		}
		if a.budgets.MaxTime > 0 && a.now().Sub(start) >= a.budgets.MaxTime {
			break
		}
		steps++

		switch rx.phase {
		case wantLen:
			consumed, ok := a.parseLen(rx, data[p:pmax], drop)
			if !ok && consumed == 0 {
				p = pmax
				break
			}
			p += consumed
		case wantPayload:
			n := a.fillPayload(rx, sid, data[p:pmax], drop)
			p += n
			copied += n
			if n > 0 {
				a.fc.AddStreamCredit(sid, n)
			}
			if rx.phase == wantLen { // frame completed this step
				frames++
			}
			if n == 0 {
				p = pmax
			}
		case resyncJPEG:
			n, emitted := a.resync(rx, sid, data[p:pmax], drop)
			p += n
			if emitted {
				frames++
			}
			if n == 0 {
				p = pmax
			}
		}
	}
}

// parseLen accumulates header bytes and attempts to decode the varint
// length prefix (spec.md §4.D "WANT_LEN"). It returns how many bytes of
// in were consumed and whether progress was made.
func (a *Assembler) parseLen(rx *rxStream, in []byte, drop bool) (consumed int, progressed bool) {
	i := 0
	for rx.lenGot < len(rx.lenBuf) && i < len(in) {
		rx.lenBuf[rx.lenGot] = in[i]
		rx.lenGot++
		i++
		if _, n, _ := varint.Decode(rx.lenBuf[:rx.lenGot]); n > 0 {
			break
		}
	}

	sz, used, err := varint.Decode(rx.lenBuf[:rx.lenGot])
	if used == 0 {
		return i, false
	}
	if err != nil || sz == 0 || sz > MaxFrameSize {
		// Malformed length: clear state and resync (spec.md §4.D, §7
		// "Frame size violation").
		rx.clear()
		rx.phase = resyncJPEG
		return i, true
	}

	over := rx.lenGot - used
	consumedOfIn := i - over
	if drop {
		// Backpressure drop mode: track the frame boundary only, never
		// allocate the payload buffer (spec.md §4.E "Backpressure").
		rx.buf = nil
		rx.frameSize = sz
		rx.received = 0
		rx.phase = wantPayload
		rx.lenGot = 0
		return consumedOfIn, true
	}
	if !a.ensureCapOrDrop(rx, sz) {
		rx.clear()
		return consumedOfIn, true
	}
	rx.frameSize = sz
	rx.received = 0
	rx.phase = wantPayload
	rx.lenGot = 0
	return consumedOfIn, true
}

func (a *Assembler) ensureCapOrDrop(rx *rxStream, need uint64) bool {
	return rx.ensureCap(need)
}

// fillPayload copies as many bytes as available/needed into rx.buf and
// emits the frame to the sink once complete (spec.md §4.D
// "WANT_PAYLOAD"). In drop mode it still advances received so the stream
// stays in sync, but never touches rx.buf (nil, unallocated) and discards
// the frame instead of enqueuing it (spec.md §4.E "Backpressure").
func (a *Assembler) fillPayload(rx *rxStream, sid uint64, in []byte, drop bool) int {
	left := rx.frameSize - rx.received
	if left == 0 {
		rx.clear()
		return 0
	}
	avail := uint64(len(in))
	toDo := left
	if avail < toDo {
		toDo = avail
	}
	if toDo == 0 {
		return 0
	}
	if !drop {
		copy(rx.buf[rx.received:rx.received+toDo], in[:toDo])
	}
	rx.received += toDo

	if rx.received >= rx.frameSize {
		if drop {
			atomic.AddUint64(&a.droppedFrames, 1)
		} else {
			frame := rx.buf
			a.sink.Enqueue(writer.Job{Data: frame, StreamHint: sid})
		}
		rx.buf = nil
		rx.clear()
	}
	return int(toDo)
}

// resync scans for a JPEG SOI marker, then accumulates bytes until EOI
// (spec.md §4.D "RESYNC_JPEG"). In drop mode the marker scan still runs
// (bytes must still be consumed to advance flow control), but the
// recovered JPEG is never buffered or enqueued (spec.md §4.E
// "Backpressure").
func (a *Assembler) resync(rx *rxStream, sid uint64, in []byte, drop bool) (consumed int, emitted bool) {
	limit := resyncScanLimit
	i := 0
	for i < len(in) && i < limit {
		c := in[i]
		i++
		if !rx.inJPEG {
			if rx.lastByte == soi0 && c == soi1 {
				rx.inJPEG = true
				if !drop {
					rx.buf = append(rx.buf[:0], soi0, soi1)
				}
				rx.received = 2
				rx.lastByte = 0
				continue
			}
			rx.lastByte = c
			continue
		}
		if !drop {
			rx.buf = append(rx.buf, c)
		}
		rx.received++
		if rx.lastByte == eoi0 && c == eoi1 {
			if drop {
				atomic.AddUint64(&a.droppedFrames, 1)
			} else {
				frame := rx.buf
				a.sink.Enqueue(writer.Job{Data: frame, StreamHint: sid})
			}
			rx.buf = nil
			rx.clear()
			return i, true
		}
		rx.lastByte = c
	}
	return i, false
}
