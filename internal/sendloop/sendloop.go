// Package sendloop implements the client's multipath send loop
// (spec.md §4.C): probing, keep-alive, capture drain, primary-path
// selection, and ordered send-with-fallback, plus the outer reconnect
// supervisor. It is grounded on client_multi_path_enhanced/client_uploader.c's
// loop_cb and on cppla-moto/controller/server.go's Listen retry-with-
// backoff shape.
package sendloop

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/chlwjd0803/moto-cam/internal/clientstate"
	"github.com/chlwjd0803/moto-cam/internal/fsm"
	"github.com/chlwjd0803/moto-cam/internal/pathmetric"
	"github.com/chlwjd0803/moto-cam/internal/transport"
	"github.com/chlwjd0803/moto-cam/internal/varint"
	"go.uber.org/zap"
)

// Config tunes the loop's timing per spec.md §4.C/§6.
type Config struct {
	PeerAddr          net.Addr
	WiFiLocalAddr     net.Addr
	CellularLocalAddr net.Addr

	KeepAliveInterval   time.Duration // default 1s
	ProbeDelayMin       time.Duration // default 200ms
	ProbeDelayMax       time.Duration // default 500ms
	WiFiReprobeInterval time.Duration // default 2s
	TickMin             time.Duration // default 10ms
	TickMax             time.Duration // default 20ms
}

// DefaultConfig fills the timing constants spec.md prescribes.
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval:   time.Second,
		ProbeDelayMin:       200 * time.Millisecond,
		ProbeDelayMax:       500 * time.Millisecond,
		WiFiReprobeInterval: 2 * time.Second,
		TickMin:             10 * time.Millisecond,
		TickMax:             20 * time.Millisecond,
	}
}

// Loop drives one multipath connection's lifetime. It is owned
// exclusively by the transport/send goroutine (spec.md §5 "Shared-
// resource policy") -- nothing here is safe to call concurrently from
// two goroutines.
type Loop struct {
	cfg     Config
	conn    transport.Connection
	state   *clientstate.Connection
	metrics pathmetric.Table
	log     *zap.Logger

	wifiPathID    uint64
	cellPathID    uint64
	haveWiFiID    bool
	haveCellID    bool
	probeDeadline time.Time

	scratch []byte
	header  []byte
}

// New constructs a Loop bound to an already-probed primary connection.
// state should be freshly Reset (or NewConnection) per spec's
// reconnection rule.
func New(cfg Config, conn transport.Connection, state *clientstate.Connection, log *zap.Logger) *Loop {
	l := &Loop{cfg: cfg, conn: conn, state: state, log: log}
	l.state.HandshakeDoneAt = time.Now()
	return l
}

// Run executes Tick on an interval until ctx is canceled or a Tick
// reports the connection should be abandoned (spec §4.C step 1/step
// 11: the loop reschedules itself every 10-20ms via a cooperative wake
// deadline; here that is a plain ticker since Go has no callback-driven
// transport event loop to hook into).
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.conn.Context().Done():
			return l.conn.Context().Err()
		default:
		}

		if abort := l.Tick(ctx, time.Now()); abort {
			return errAbort
		}

		tick := l.cfg.TickMin + time.Duration(rand.Int63n(int64(l.cfg.TickMax-l.cfg.TickMin+1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tick):
		}
	}
}

var errAbort = &abortError{}

type abortError struct{}

func (*abortError) Error() string { return "sendloop: connection aborted, reconnect required" }

// Tick runs one pass of the send loop body (spec.md §4.C steps 1-11)
// and reports whether the connection should be abandoned so the
// supervisor rebuilds it.
func (l *Loop) Tick(ctx context.Context, now time.Time) (abort bool) {
	// Step 1: abort conditions.
	if l.state.Closing {
		return true
	}

	paths := l.conn.Paths()
	l.identifyWiFiAndCellular(paths)

	// Step 2: unverified-path isolation is implicit -- pathmetric.Metric
	// already grades an unverified path BAD/WARN with a sentinel RTT, so
	// it never wins the FSM on RTT alone. No separate mutation needed.

	// Step 3: path-0 liveness. "Path 0" is whichever path was probed
	// first; if it is no longer usable and another path is, logically
	// swap by treating the first usable path as path 0 for selection
	// purposes. Our transport layer has no mutable path-index array to
	// swap in place (each path is an independent connection), so this
	// swaps the first usable path into position 0 of this tick's path
	// snapshot; the other paths keep their creation order.
	paths = reorderUsableFirst(paths)

	if l.state.HandshakeDoneAt.IsZero() {
		l.state.HandshakeDoneAt = now
	}

	// Step 4: alternate path probing, 200-500ms after handshake.
	l.probeAlternates(ctx, now)

	// Step 5: Wi-Fi liveness re-probe.
	l.reprobeWiFiIfDead(ctx, paths, now)

	// Step 6: keep-alive every 1s on every verified path; the first one
	// goes out one interval after the loop's first pass.
	if l.state.LastKeepAliveAt.IsZero() {
		l.state.LastKeepAliveAt = now
	} else if now.Sub(l.state.LastKeepAliveAt) >= l.cfg.KeepAliveInterval {
		l.keepAlive(ctx, paths)
		l.state.LastKeepAliveAt = now
	}

	// Step 7: capture drain.
	frame, newSeq, isNew := l.state.Capture.CopyIfNewer(l.scratch, l.state.LastSentSeq)
	l.scratch = frame
	if !isNew {
		return false
	}

	// Step 8: primary selection.
	unique := uniqueVerifiedByIP(paths)
	wifiMetric, cellMetric := pathmetric.Metric{Grade: pathmetric.Bad}, pathmetric.Metric{Grade: pathmetric.Bad}
	wifiID, cellID := fsm.NoPrimary, fsm.NoPrimary
	if l.haveWiFiID {
		if p := findPath(unique, l.wifiPathID); p != nil {
			wifiMetric = l.metrics.Metric(toTelemetry(p), now)
			wifiID = int(p.ID())
		}
	}
	if l.haveCellID {
		if p := findPath(unique, l.cellPathID); p != nil {
			cellMetric = l.metrics.Metric(toTelemetry(p), now)
			cellID = int(p.ID())
		}
	}

	primaryID := fsm.Select(wifiMetric, cellMetric, wifiID, cellID, l.state.Selector, now.Sub(epoch))
	primaryID = l.fallbackIfInvalid(primaryID, unique, paths)

	// Step 9: ordered send with fallback.
	candidates := orderedCandidates(primaryID, unique)
	header := varint.Encode(l.header[:0], uint64(len(frame)))
	l.header = header

	sent := false
	for _, p := range candidates {
		if !isSane(p) {
			_, _ = l.poke(ctx, p)
			continue
		}
		if err := l.sendFramed(ctx, p, header, frame); err == nil {
			l.state.Selector.LastPrimaryID = int(p.ID())
			sent = true
			break
		}
	}
	if sent {
		l.state.LastSentSeq = newSeq
	}

	// Step 10: warm-up non-primary verified paths.
	for _, p := range unique {
		if int(p.ID()) == l.state.Selector.LastPrimaryID {
			continue
		}
		if p.Verified() {
			if s, err := p.OpenSendStream(ctx); err == nil {
				_, _ = s.Write([]byte{0xEE})
			}
		}
	}

	return false
}

// epoch is the monotonic reference the FSM's clock readings are
// measured from.
var epoch = time.Now()

func (l *Loop) identifyWiFiAndCellular(paths []transport.Path) {
	for _, p := range paths {
		la, ok := p.LocalAddr().(*net.UDPAddr)
		if !ok {
			continue
		}
		if wifiAddr, ok := l.cfg.WiFiLocalAddr.(*net.UDPAddr); ok && la.IP.Equal(wifiAddr.IP) {
			l.wifiPathID, l.haveWiFiID = p.ID(), true
		}
		if cellAddr, ok := l.cfg.CellularLocalAddr.(*net.UDPAddr); ok && la.IP.Equal(cellAddr.IP) {
			l.cellPathID, l.haveCellID = p.ID(), true
		}
	}
}

func reorderUsableFirst(paths []transport.Path) []transport.Path {
	if len(paths) == 0 || usable(paths[0]) {
		return paths
	}
	for i := 1; i < len(paths); i++ {
		if usable(paths[i]) {
			out := make([]transport.Path, len(paths))
			copy(out, paths)
			out[0], out[i] = out[i], out[0]
			return out
		}
	}
	return paths
}

func usable(p transport.Path) bool {
	return p.Verified() && !p.Demoted() && !p.Abandoned()
}

func (l *Loop) probeAlternates(ctx context.Context, now time.Time) {
	if l.state.HandshakeDoneAt.IsZero() {
		return
	}
	elapsed := now.Sub(l.state.HandshakeDoneAt)
	if elapsed < l.cfg.ProbeDelayMin {
		return
	}
	if !l.state.DidProbeWiFiAlt && l.cfg.WiFiLocalAddr != nil {
		l.state.DidProbeWiFiAlt = true
		_, _ = l.conn.Probe(ctx, l.cfg.WiFiLocalAddr, l.cfg.PeerAddr)
	}
	if !l.state.DidProbeCellular && l.cfg.CellularLocalAddr != nil {
		l.state.DidProbeCellular = true
		_, _ = l.conn.Probe(ctx, l.cfg.CellularLocalAddr, l.cfg.PeerAddr)
	}
}

func (l *Loop) reprobeWiFiIfDead(ctx context.Context, paths []transport.Path, now time.Time) {
	if l.cfg.WiFiLocalAddr == nil {
		return
	}
	wifiVerified := false
	for _, p := range paths {
		if la, ok := p.LocalAddr().(*net.UDPAddr); ok {
			if wa, ok := l.cfg.WiFiLocalAddr.(*net.UDPAddr); ok && la.IP.Equal(wa.IP) && p.Verified() {
				wifiVerified = true
			}
		}
	}
	if wifiVerified {
		return
	}
	if !l.state.LastWiFiProbeAt.IsZero() && now.Sub(l.state.LastWiFiProbeAt) < l.cfg.WiFiReprobeInterval {
		return
	}
	l.state.LastWiFiProbeAt = now
	_, _ = l.conn.Probe(ctx, l.cfg.WiFiLocalAddr, l.cfg.PeerAddr)
}

func (l *Loop) keepAlive(ctx context.Context, paths []transport.Path) {
	for _, p := range paths {
		if !p.Verified() {
			continue
		}
		s, err := p.OpenSendStream(ctx)
		if err != nil {
			continue
		}
		_, _ = s.Write([]byte{0x00})
	}
}

// uniqueVerifiedByIP keeps the first verified path per local IP. Paths
// that share a local IP but differ in port collapse into one; this
// follows the original source's de-duplication by IP alone.
func uniqueVerifiedByIP(paths []transport.Path) []transport.Path {
	seen := make(map[string]bool)
	out := make([]transport.Path, 0, len(paths))
	for _, p := range paths {
		if !p.Verified() {
			continue
		}
		ip := ""
		if la, ok := p.LocalAddr().(*net.UDPAddr); ok {
			ip = la.IP.String()
		} else {
			ip = p.LocalAddr().String()
		}
		if seen[ip] {
			continue
		}
		seen[ip] = true
		out = append(out, p)
	}
	return out
}

func findPath(paths []transport.Path, id uint64) transport.Path {
	for _, p := range paths {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

func toTelemetry(p transport.Path) pathmetric.PathTelemetry {
	return pathmetric.PathTelemetry{
		PathID:               p.ID(),
		HasAddressTuple:      true,
		ChallengeVerified:    p.Verified(),
		SmoothedRTTMicros:    uint64(p.SmoothedRTT().Microseconds()),
		TotalBytesLost:       p.BytesLost(),
		DeliveredBytes:       p.BytesDelivered(),
		LastPacketReceivedAt: p.LastPacketReceivedAt(),
	}
}

func (l *Loop) fallbackIfInvalid(primaryID int, unique, all []transport.Path) int {
	if findPath(unique, uint64(primaryID)) != nil {
		return primaryID
	}
	for _, p := range unique {
		return int(p.ID())
	}
	if len(all) > 0 {
		return int(all[0].ID())
	}
	return fsm.NoPrimary
}

func orderedCandidates(primaryID int, unique []transport.Path) []transport.Path {
	out := make([]transport.Path, 0, len(unique))
	if p := findPath(unique, uint64(primaryID)); p != nil {
		out = append(out, p)
	}
	for _, p := range unique {
		if int(p.ID()) != primaryID {
			out = append(out, p)
		}
	}
	return out
}

func isSane(p transport.Path) bool {
	return p.Verified() && !p.Demoted() && !p.Abandoned() && (p.RTTInitialized() || p.ReceivedEver())
}

func (l *Loop) poke(ctx context.Context, p transport.Path) (int, error) {
	s, err := p.OpenSendStream(ctx)
	if err != nil {
		return 0, err
	}
	return s.Write([]byte{0x01})
}

// sendFramed is the send_framed contract of spec.md §4.C: ensure a
// stream, reassert affinity only on path change (a no-op here since
// every path already owns a private stream/connection), append the
// varint length header then the payload.
func (l *Loop) sendFramed(ctx context.Context, p transport.Path, header, payload []byte) error {
	s, err := p.OpenSendStream(ctx)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	n, err := s.Write(buf)
	if err != nil {
		return err
	}
	p.RecordDelivered(n)
	return nil
}
