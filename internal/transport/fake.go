package transport

import (
	"context"
	"net"
	"sync"
	"time"
)

// FakePath is an in-memory Path implementation used by tests and by the
// sendloop package's own test suite; it never touches the network.
type FakePath struct {
	PathID      uint64
	Local       net.Addr
	Peer        net.Addr
	IsVerified  bool
	IsDemoted   bool
	IsAbandoned bool
	RTT         time.Duration
	Lost        uint64
	Delivered   uint64
	HasRTT      bool
	HasRecv     bool
	LastRecv    time.Time

	// WriteErr, when set, makes every OpenSendStream().Write call fail,
	// simulating a path refusing writes (spec §4.C step 9).
	WriteErr error

	mu      sync.Mutex
	Written [][]byte
	stream  *fakeStream
}

func (p *FakePath) ID() uint64                      { return p.PathID }
func (p *FakePath) LocalAddr() net.Addr             { return p.Local }
func (p *FakePath) PeerAddr() net.Addr              { return p.Peer }
func (p *FakePath) Verified() bool                  { return p.IsVerified }
func (p *FakePath) Demoted() bool                   { return p.IsDemoted }
func (p *FakePath) Abandoned() bool                 { return p.IsAbandoned }
func (p *FakePath) SmoothedRTT() time.Duration      { return p.RTT }
func (p *FakePath) BytesLost() uint64               { return p.Lost }
func (p *FakePath) BytesDelivered() uint64          { return p.Delivered }
func (p *FakePath) RTTInitialized() bool            { return p.HasRTT }
func (p *FakePath) ReceivedEver() bool              { return p.HasRecv }
func (p *FakePath) LastPacketReceivedAt() time.Time { return p.LastRecv }
func (p *FakePath) RecordDelivered(n int)           { p.mu.Lock(); p.Delivered += uint64(n); p.mu.Unlock() }

func (p *FakePath) OpenSendStream(ctx context.Context) (SendStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		p.stream = &fakeStream{path: p}
	}
	return p.stream, nil
}

func (p *FakePath) Close() error { return nil }

type fakeStream struct {
	path *FakePath
}

func (s *fakeStream) Write(b []byte) (int, error) {
	if s.path.WriteErr != nil {
		return 0, s.path.WriteErr
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	s.path.mu.Lock()
	s.path.Written = append(s.path.Written, cp)
	s.path.mu.Unlock()
	return len(b), nil
}

func (s *fakeStream) Close() error { return nil }

// FakeConnection is an in-memory Connection used by tests.
type FakeConnection struct {
	mu     sync.Mutex
	paths  []Path
	ctx    context.Context
	cancel context.CancelFunc

	// ProbeFunc, if set, is called by Probe instead of appending a bare
	// FakePath, so tests can control verification timing.
	ProbeFunc func(localAddr, peerAddr net.Addr) (Path, error)
}

func NewFakeConnection(paths ...Path) *FakeConnection {
	ctx, cancel := context.WithCancel(context.Background())
	return &FakeConnection{paths: paths, ctx: ctx, cancel: cancel}
}

func (c *FakeConnection) Paths() []Path {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Path, len(c.paths))
	copy(out, c.paths)
	return out
}

func (c *FakeConnection) Probe(ctx context.Context, localAddr, peerAddr net.Addr) (Path, error) {
	if c.ProbeFunc != nil {
		p, err := c.ProbeFunc(localAddr, peerAddr)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.paths = append(c.paths, p)
		c.mu.Unlock()
		return p, nil
	}
	p := &FakePath{PathID: uint64(len(c.paths)), Local: localAddr, Peer: peerAddr, IsVerified: true, HasRTT: true}
	c.mu.Lock()
	c.paths = append(c.paths, p)
	c.mu.Unlock()
	return p, nil
}

func (c *FakeConnection) Context() context.Context { return c.ctx }
func (c *FakeConnection) Close() error              { c.cancel(); return nil }
