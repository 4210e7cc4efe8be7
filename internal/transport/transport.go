// Package transport declares the narrow multipath-QUIC surface the rest
// of this system depends on (spec.md §1 "Out of scope": the handshake,
// crypto, congestion control, and packet scheduling are assumed provided
// by the transport; this package is the adapter boundary).
//
// A concrete implementation is built on github.com/quic-go/quic-go in
// quic.go. quic-go does not expose raw multipath path/tuple objects the
// way the picoquic original source does, so "paths" here are modeled as
// independent QUIC connections dialed from distinct local addresses to
// the same peer -- each one probed, verified, and selected exactly as
// spec.md describes a path, with stream affinity trivially satisfied
// because each path already owns a private connection.
package transport

import (
	"context"
	"net"
	"time"
)

// Path is one local-address/peer-address tuple a connection may send
// over (spec.md §3 "Path (client view)").
type Path interface {
	// ID is a stable identifier assigned when the path was created.
	ID() uint64
	LocalAddr() net.Addr
	PeerAddr() net.Addr

	// Verified reports whether the transport has completed path
	// validation (challenge/response) for this path.
	Verified() bool
	// Demoted and Abandoned mirror the original source's demotion and
	// abandon flags; an eligible primary is verified, not demoted, and
	// not abandoned.
	Demoted() bool
	Abandoned() bool

	// SmoothedRTT, BytesLost, and BytesDelivered feed pathmetric.Metric.
	SmoothedRTT() time.Duration
	BytesLost() uint64
	BytesDelivered() uint64
	// RTTInitialized reports whether at least one RTT sample has been
	// taken; ReceivedEver reports whether any packet has ever arrived
	// on this path. Both feed the "sane candidate" check in the send
	// loop (spec §4.C step 9).
	RTTInitialized() bool
	ReceivedEver() bool
	LastPacketReceivedAt() time.Time

	// RecordDelivered tallies application bytes successfully written to
	// this path's send stream, feeding pathmetric's loss-rate
	// denominator (delivered bytes).
	RecordDelivered(n int)

	// OpenSendStream opens (or returns the already-open) unidirectional
	// send stream for this path; its stream id is assigned by the
	// path's underlying QUIC connection.
	OpenSendStream(ctx context.Context) (SendStream, error)

	// Close tears down this path's underlying connection.
	Close() error
}

// SendStream is a per-path unidirectional send stream.
type SendStream interface {
	// Write appends bytes to the stream; a non-nil error means the
	// write was rejected (congestion window full, stream reset, etc.)
	// and the caller should try the next candidate path.
	Write([]byte) (int, error)
	Close() error
}

// Connection is a multipath connection: a set of Paths toward one peer.
type Connection interface {
	// Paths returns a snapshot of the currently known paths.
	Paths() []Path

	// Probe attempts to establish a new path from localAddr to
	// peerAddr, returning once the path has been created (not
	// necessarily verified yet).
	Probe(ctx context.Context, localAddr, peerAddr net.Addr) (Path, error)

	// Context is canceled when the connection is closing or has been
	// lost.
	Context() context.Context

	Close() error
}

// Dialer creates multipath Connections. It is the client-side entry
// point into the transport adapter.
type Dialer interface {
	Dial(ctx context.Context, peerAddr net.Addr, primaryLocalAddr net.Addr) (Connection, error)
}
