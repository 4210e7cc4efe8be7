// Package writer implements the async frame writer (spec.md §4.E): a
// bounded ring queue feeding a single writer goroutine that persists
// frames atomically (temp-file + rename) or appends them to a rolling
// segment file, dropping the oldest job under overload rather than
// stalling live video. Grounded on
// original_source/mpquic/frame_assembler.c's saveq_t/save_worker, ported
// to Go's sync.Mutex + sync.Cond idiom.
package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// QueueCapacity is the bounded ring's fixed size (spec.md §3 "Bounded
// Save Queue").
const QueueCapacity = 4096

// PopBatch is how many jobs the worker drains per wake-up (spec.md §4.E
// "Worker").
const PopBatch = 128

// Job is an owned frame buffer awaiting persistence (spec.md §3 "Save
// Job"). StreamHint carries the originating stream id for logging only.
type Job struct {
	Data       []byte
	StreamHint uint64
}

// Sink is the write-side capability: file-per-frame and segmented modes
// both implement it (spec.md §9 "Polymorphism": "the only variation
// point is the writer ... modeled as two implementations of a single
// capability").
type Sink interface {
	Accept(job Job) error
	Close() error
}

// Stats exposes the writer's counters for tests and monitoring.
type Stats struct {
	Enqueued   uint64
	Dropped    uint64
	Written    uint64
	WriteFails uint64
}

// Writer is the bounded ring queue plus its single consumer goroutine.
type Writer struct {
	log *zap.Logger
	snk Sink

	mu       sync.Mutex
	cond     *sync.Cond
	q        []Job
	head     int
	count    int
	closed   bool
	stopOnce sync.Once

	stats   Stats
	backlog uint64 // sum of len(Data) for jobs currently queued

	doneCh chan struct{}
}

// New starts the writer's worker goroutine over sink.
func New(sink Sink, log *zap.Logger) *Writer {
	w := &Writer{
		log:    log,
		snk:    sink,
		q:      make([]Job, QueueCapacity),
		doneCh: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// Enqueue pushes job by ownership transfer. If the queue is full, the
// oldest job is dropped (spec.md §3 "Bounded Save Queue").
func (w *Writer) Enqueue(job Job) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if w.count == QueueCapacity {
		w.backlog -= uint64(len(w.q[w.head].Data))
		w.head = (w.head + 1) % QueueCapacity
		w.count--
		w.stats.Dropped++
	}
	tail := (w.head + w.count) % QueueCapacity
	w.q[tail] = job
	w.count++
	w.backlog += uint64(len(job.Data))
	w.stats.Enqueued++
	w.cond.Signal()
	w.mu.Unlock()
}

// BacklogBytes reports the total size of frames currently queued but not
// yet written, for the calling layer's backpressure decision (spec.md
// §4.E "Backpressure").
func (w *Writer) BacklogBytes() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backlog
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// QueueLen reports the current number of jobs waiting in the ring.
func (w *Writer) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close stops accepting new jobs and waits for the worker to drain the
// remainder, then closes the sink.
func (w *Writer) Close() error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.cond.Signal()
		w.mu.Unlock()
		<-w.doneCh
	})
	return w.snk.Close()
}

func (w *Writer) run() {
	defer close(w.doneCh)
	batch := make([]Job, 0, PopBatch)

	for {
		w.mu.Lock()
		for w.count == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.count == 0 && w.closed {
			w.mu.Unlock()
			return
		}
		batch = batch[:0]
		for w.count > 0 && len(batch) < PopBatch {
			batch = append(batch, w.q[w.head])
			w.backlog -= uint64(len(w.q[w.head].Data))
			w.q[w.head] = Job{}
			w.head = (w.head + 1) % QueueCapacity
			w.count--
		}
		closing := w.closed
		w.mu.Unlock()

		for _, job := range batch {
			if len(job.Data) == 0 {
				continue
			}
			if err := w.snk.Accept(job); err != nil {
				w.log.Warn("frame write failed", zap.Error(err), zap.Uint64("streamHint", job.StreamHint))
				w.mu.Lock()
				w.stats.WriteFails++
				w.mu.Unlock()
				continue
			}
			w.mu.Lock()
			w.stats.Written++
			w.mu.Unlock()
		}

		if closing {
			w.mu.Lock()
			done := w.count == 0
			w.mu.Unlock()
			if done {
				return
			}
		}
	}
}

// FileSink persists one frame per file via temp-write + atomic rename
// (spec.md §4.E "Write protocol").
type FileSink struct {
	mu        sync.Mutex
	outDir    string
	nextIndex int
}

// NewFileSink returns a Sink that writes frame_NNNNNN.jpg files under
// outDir, creating it if necessary.
func NewFileSink(outDir string) (*FileSink, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("writer: create out dir: %w", err)
	}
	return &FileSink{outDir: outDir}, nil
}

func (s *FileSink) Accept(job Job) error {
	s.mu.Lock()
	idx := s.nextIndex + 1
	s.mu.Unlock()

	tmp := filepath.Join(s.outDir, fmt.Sprintf("frame_%06d.part", idx))
	dst := filepath.Join(s.outDir, fmt.Sprintf("frame_%06d.jpg", idx))

	if err := os.WriteFile(tmp, job.Data, 0o644); err != nil {
		return fmt.Errorf("writer: write temp file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writer: rename temp file: %w", err)
	}

	s.mu.Lock()
	s.nextIndex = idx
	s.mu.Unlock()
	return nil
}

func (s *FileSink) Close() error { return nil }

// FrameCount reports how many frames have been successfully committed.
func (s *FileSink) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIndex
}

// segmentRollSize is the rolling segment file size limit (spec.md §4.E
// "Alternative segmented mode").
const segmentRollSize = 1 << 30

// SegmentSink appends {uint32 big-endian length, payload} records to a
// rolling segment file, opening a new one every segmentRollSize bytes
// (spec.md §4.E "Alternative segmented mode").
type SegmentSink struct {
	mu      sync.Mutex
	outDir  string
	f       *os.File
	written int64
	nowFunc func() time.Time
}

// NewSegmentSink returns a Sink writing rolling frames_<timestamp>.seg
// files under outDir.
func NewSegmentSink(outDir string) (*SegmentSink, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("writer: create out dir: %w", err)
	}
	return &SegmentSink{outDir: outDir, nowFunc: time.Now}, nil
}

func (s *SegmentSink) Accept(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil || s.written >= segmentRollSize {
		if s.f != nil {
			s.f.Close()
		}
		name := fmt.Sprintf("frames_%s.seg", s.nowFunc().Format("20060102-150405"))
		f, err := os.OpenFile(filepath.Join(s.outDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("writer: open segment file: %w", err)
		}
		s.f = f
		s.written = 0
	}

	hdr := []byte{
		byte(len(job.Data) >> 24), byte(len(job.Data) >> 16),
		byte(len(job.Data) >> 8), byte(len(job.Data)),
	}
	rec := make([]byte, 0, len(hdr)+len(job.Data))
	rec = append(rec, hdr...)
	rec = append(rec, job.Data...)

	n, err := s.f.Write(rec)
	if err != nil {
		return fmt.Errorf("writer: append segment record: %w", err)
	}
	s.written += int64(n)
	return nil
}

func (s *SegmentSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}
