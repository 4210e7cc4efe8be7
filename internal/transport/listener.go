package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"
)

// ReceiveStream is the server's read side of one client-opened uni
// stream (spec.md §3 "Per-Path Stream Binding" is the client's view;
// this is its server-side counterpart: one stream id per incoming frame
// channel, consumed by the Frame Assembler).
type ReceiveStream interface {
	StreamID() uint64
	Read(p []byte) (int, error)
}

// ServerConnection is one accepted QUIC connection (spec calls this a
// "path" from the client's perspective; the server sees it only as a
// connection from a peer address and accepts uni streams on it as they
// arrive, regardless of which client-side path carried them).
type ServerConnection interface {
	RemoteAddr() net.Addr
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)
	CloseWithError(code quic.ApplicationErrorCode, reason string) error
}

// Listener accepts incoming QUIC connections (server side).
type Listener struct {
	ln *quic.Listener

	mu         sync.Mutex
	traceFiles []*os.File
}

// ListenerOptions configures the server-side QUIC endpoint.
type ListenerOptions struct {
	Addr         string
	TLSConfig    *tls.Config
	EnableQLog   bool
	EnableBinlog bool

	// TraceDir is where per-connection .qlog/.binlog files are written
	// when EnableQLog/EnableBinlog is set. Defaults to the current
	// directory.
	TraceDir string
}

// Listen binds a UDP socket and starts a QUIC listener (spec.md §6 "CLI
// (server)" --port/--cert/--key, §6 "Transport configuration").
func Listen(opts ListenerOptions) (*Listener, error) {
	tlsConf := opts.TLSConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}

	l := &Listener{}

	var tracer func(context.Context, logging.Perspective, quic.ConnectionID) *logging.ConnectionTracer
	if opts.EnableQLog || opts.EnableBinlog {
		traceDir := opts.TraceDir
		if traceDir == "" {
			traceDir = "."
		}
		os.MkdirAll(traceDir, 0o755)
		tracer = func(ctx context.Context, p logging.Perspective, odcid quic.ConnectionID) *logging.ConnectionTracer {
			return l.newFileTracer(traceDir, odcid, opts.EnableQLog, opts.EnableBinlog)
		}
	}

	ln, err := quic.ListenAddr(opts.Addr, tlsConf, QUICConfig(tracer))
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", opts.Addr, err)
	}
	l.ln = ln
	return l, nil
}

// Accept blocks for the next incoming connection.
func (l *Listener) Accept(ctx context.Context) (ServerConnection, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	return &quicServerConnection{conn: conn}, nil
}

// Close stops the listener and any open trace files.
func (l *Listener) Close() error {
	l.mu.Lock()
	for _, f := range l.traceFiles {
		f.Close()
	}
	l.traceFiles = nil
	l.mu.Unlock()
	return l.ln.Close()
}

// traceEvent is one line of the newline-delimited JSON trace written
// when --qlog is set (spec.md §6 "CLI (server)"; a dependency-free
// stand-in for the wire capture mpquic/server_legacy.h toggles between,
// not the full qlog draft schema).
type traceEvent struct {
	Time      string  `json:"time"`
	Event     string  `json:"event"`
	RTTMs     float64 `json:"rtt_ms,omitempty"`
	CwndBytes int64   `json:"cwnd_bytes,omitempty"`
}

// newFileTracer opens per-connection .qlog/.binlog files under dir (when
// enabled) and returns a ConnectionTracer writing observable connection
// events to them, so --qlog/--binlog produce real wire-capture artifacts
// instead of toggling a metrics tracer nothing reads.
func (l *Listener) newFileTracer(dir string, odcid quic.ConnectionID, qlogOn, binlogOn bool) *logging.ConnectionTracer {
	var (
		enc *json.Encoder
		bf  *os.File
		mu  sync.Mutex
	)

	if qlogOn {
		if f, err := os.Create(filepath.Join(dir, odcid.String()+".qlog")); err == nil {
			enc = json.NewEncoder(f)
			l.trackTraceFile(f)
		}
	}
	if binlogOn {
		if f, err := os.Create(filepath.Join(dir, odcid.String()+".binlog")); err == nil {
			bf = f
			l.trackTraceFile(f)
		}
	}

	writeQLog := func(event string, rttMs float64, cwnd int64) {
		if enc == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		enc.Encode(traceEvent{Time: time.Now().UTC().Format(time.RFC3339Nano), Event: event, RTTMs: rttMs, CwndBytes: cwnd})
	}
	// Each binlog record is a fixed 17 bytes: 1-byte event kind, 8-byte
	// big-endian unix-nano timestamp, 8-byte big-endian payload.
	writeBinlog := func(kind byte, payload int64) {
		if bf == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		var rec [17]byte
		rec[0] = kind
		binary.BigEndian.PutUint64(rec[1:9], uint64(time.Now().UnixNano()))
		binary.BigEndian.PutUint64(rec[9:17], uint64(payload))
		bf.Write(rec[:])
	}

	return &logging.ConnectionTracer{
		UpdatedMetrics: func(rttStats *logging.RTTStats, cwnd, bytesInFlight logging.ByteCount, packetsInFlight int) {
			rttMs := float64(rttStats.SmoothedRTT()) / float64(time.Millisecond)
			writeQLog("metrics_updated", rttMs, int64(cwnd))
			writeBinlog('m', int64(rttStats.SmoothedRTT()))
		},
		LostPacket: func(level logging.EncryptionLevel, pn logging.PacketNumber, reason logging.PacketLossReason) {
			writeQLog("packet_lost", 0, 0)
			writeBinlog('l', int64(pn))
		},
	}
}

func (l *Listener) trackTraceFile(f *os.File) {
	l.mu.Lock()
	l.traceFiles = append(l.traceFiles, f)
	l.mu.Unlock()
}

type quicServerConnection struct {
	conn quic.Connection
}

func (c *quicServerConnection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicServerConnection) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicReceiveStream{s: s}, nil
}

func (c *quicServerConnection) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	return c.conn.CloseWithError(code, reason)
}

type quicReceiveStream struct {
	s quic.ReceiveStream
}

func (s *quicReceiveStream) StreamID() uint64 { return uint64(s.s.StreamID()) }
func (s *quicReceiveStream) Read(p []byte) (int, error) { return s.s.Read(p) }
