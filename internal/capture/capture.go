// Package capture models the camera capture thread spec.md declares an
// external collaborator ("assumed a blocking capture API returning
// encoded JPEG bytes", §1 "Out of scope"). It defines the interface the
// rest of the client depends on and a synthetic Source for tests and
// development, grounded on the blocking-read capture loops in the
// retrieval pack's camera-reader examples.
package capture

import (
	"context"
	"math/rand"
	"time"

	"github.com/chlwjd0803/moto-cam/internal/clientstate"
)

// Source is a blocking JPEG frame producer. ReadFrame blocks until the
// next frame is available or ctx is canceled.
type Source interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Run drives the capture thread: it blocks on src.ReadFrame and pushes
// every frame into slot, never touching transport state (spec.md §5.1).
// It returns when ctx is canceled or ReadFrame returns a non-nil error.
func Run(ctx context.Context, src Source, slot *clientstate.CaptureSlot) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if len(frame) == 0 {
			continue
		}
		slot.Put(frame)
	}
}

// SyntheticSource synthesizes JPEG-shaped (SOI...EOI) byte slices at a
// fixed interval, for development and for tests that need a capture
// thread without real camera hardware.
type SyntheticSource struct {
	Interval  time.Duration
	FrameSize int

	closed chan struct{}
}

// NewSyntheticSource returns a Source producing frames of frameSize
// bytes every interval. A zero interval means "as fast as possible."
func NewSyntheticSource(interval time.Duration, frameSize int) *SyntheticSource {
	return &SyntheticSource{Interval: interval, FrameSize: frameSize, closed: make(chan struct{})}
}

func (s *SyntheticSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if s.Interval > 0 {
		select {
		case <-time.After(s.Interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ctx.Err()
		}
	}
	size := s.FrameSize
	if size < 4 {
		size = 4
	}
	frame := make([]byte, size)
	frame[0], frame[1] = 0xFF, 0xD8
	_, _ = rand.Read(frame[2 : size-2])
	frame[size-2], frame[size-1] = 0xFF, 0xD9
	return frame, nil
}

func (s *SyntheticSource) Close() error {
	close(s.closed)
	return nil
}
