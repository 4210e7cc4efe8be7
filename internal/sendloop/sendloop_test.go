package sendloop

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/chlwjd0803/moto-cam/internal/clientstate"
	"github.com/chlwjd0803/moto-cam/internal/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func udpAddr(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

func newTestLoop(t *testing.T, conn *transport.FakeConnection) *Loop {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WiFiLocalAddr = udpAddr("10.0.0.5", 55002)
	cfg.CellularLocalAddr = udpAddr("10.0.1.5", 51021)
	cfg.PeerAddr = udpAddr("10.0.0.1", 4433)
	state := clientstate.NewConnection()
	return New(cfg, conn, state, zap.NewNop())
}

func TestTickSendsNewCaptureFrame(t *testing.T) {
	wifi := &transport.FakePath{PathID: 0, Local: udpAddr("10.0.0.5", 55002), Peer: udpAddr("10.0.0.1", 4433), IsVerified: true, HasRTT: true}
	conn := transport.NewFakeConnection(wifi)
	l := newTestLoop(t, conn)

	l.state.Capture.Put([]byte("jpegbytes"))
	abort := l.Tick(context.Background(), time.Now())
	require.False(t, abort)
	require.Len(t, wifi.Written, 1)
	require.Equal(t, uint64(1), l.state.LastSentSeq)
}

func TestTickNoOpWithoutNewFrame(t *testing.T) {
	wifi := &transport.FakePath{PathID: 0, Local: udpAddr("10.0.0.5", 55002), Peer: udpAddr("10.0.0.1", 4433), IsVerified: true, HasRTT: true}
	conn := transport.NewFakeConnection(wifi)
	l := newTestLoop(t, conn)

	abort := l.Tick(context.Background(), time.Now())
	require.False(t, abort)
	require.Empty(t, wifi.Written)
}

func TestTickAbortsWhenClosing(t *testing.T) {
	conn := transport.NewFakeConnection()
	l := newTestLoop(t, conn)
	l.state.Closing = true
	require.True(t, l.Tick(context.Background(), time.Now()))
}

func TestOrderedFallbackSkipsRejectingPath(t *testing.T) {
	wifi := &transport.FakePath{PathID: 0, Local: udpAddr("10.0.0.5", 55002), Peer: udpAddr("10.0.0.1", 4433), IsVerified: true, HasRTT: true, WriteErr: errWriteRejected}
	cell := &transport.FakePath{PathID: 1, Local: udpAddr("10.0.1.5", 51021), Peer: udpAddr("10.0.0.1", 4433), IsVerified: true, HasRTT: true}
	conn := transport.NewFakeConnection(wifi, cell)
	l := newTestLoop(t, conn)

	l.state.Capture.Put([]byte("data"))
	abort := l.Tick(context.Background(), time.Now())
	require.False(t, abort)
	require.Empty(t, wifi.Written)
	require.Len(t, cell.Written, 1)
}

func TestUnsaneCandidateIsSkippedNotSent(t *testing.T) {
	unready := &transport.FakePath{PathID: 0, Local: udpAddr("10.0.0.5", 55002), Peer: udpAddr("10.0.0.1", 4433), IsVerified: false}
	cell := &transport.FakePath{PathID: 1, Local: udpAddr("10.0.1.5", 51021), Peer: udpAddr("10.0.0.1", 4433), IsVerified: true, HasRTT: true}
	conn := transport.NewFakeConnection(unready, cell)
	l := newTestLoop(t, conn)

	l.state.Capture.Put([]byte("data"))
	l.Tick(context.Background(), time.Now())
	require.Len(t, cell.Written, 1)
}

func TestUniqueVerifiedByIPDedupes(t *testing.T) {
	a := &transport.FakePath{PathID: 0, Local: udpAddr("10.0.0.5", 1), IsVerified: true}
	b := &transport.FakePath{PathID: 1, Local: udpAddr("10.0.0.5", 2), IsVerified: true}
	c := &transport.FakePath{PathID: 2, Local: udpAddr("10.0.1.5", 1), IsVerified: true}
	out := uniqueVerifiedByIP([]transport.Path{a, b, c})
	require.Len(t, out, 2)
}

func TestPathZeroSwapWhenDead(t *testing.T) {
	dead := &transport.FakePath{PathID: 0, IsVerified: false}
	alive := &transport.FakePath{PathID: 1, IsVerified: true}
	out := reorderUsableFirst([]transport.Path{dead, alive})
	require.Equal(t, uint64(1), out[0].ID())
}

var errWriteRejected = &writeRejected{}

type writeRejected struct{}

func (*writeRejected) Error() string { return "write rejected" }
