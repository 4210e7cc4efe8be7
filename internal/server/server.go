package server

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/chlwjd0803/moto-cam/internal/assembler"
	"github.com/chlwjd0803/moto-cam/internal/transport"
	"github.com/chlwjd0803/moto-cam/internal/writer"
	"go.uber.org/zap"
)

// readBufSize is the chunk size read off each stream per iteration;
// large enough to amortize syscalls, small enough to keep the
// assembler's per-callback budgets meaningful (spec.md §4.D).
const readBufSize = 64 << 10

// defaultDropCapBytes is the writer backlog soft cap above which the
// server enters drop mode (spec.md §4.E "Backpressure"). SVR_DROP_MODE
// forces drop mode regardless of backlog (spec.md §6 "Environment
// variables").
const defaultDropCapBytes = 8 << 20

// Server accepts QUIC connections and, for each one, fans out a
// per-connection Frame Assembler over a shared Async Writer (spec.md
// §2: "Data flow (server): QUIC stream bytes -> Frame Assembler (per
// stream id) -> completed frame buffer -> Async Writer queue -> disk").
type Server struct {
	ln      *transport.Listener
	writer  *writer.Writer
	limiter *RateLimiter
	budgets assembler.Budgets
	log     *zap.Logger

	// MaxFrames stops accepting new streams once the writer has
	// committed this many frames (spec.md §6 "CLI (server)"
	// --max-frames). Zero means unbounded.
	MaxFrames int

	// dropCheck decides, per OnBytes call, whether the assembler should
	// enter backpressure drop mode (spec.md §4.E "Backpressure").
	dropCheck func() bool
}

// New builds a Server over an already-listening transport.Listener and
// a running writer.Writer.
func New(ln *transport.Listener, w *writer.Writer, limiter *RateLimiter, budgets assembler.Budgets, log *zap.Logger) *Server {
	forceDrop := os.Getenv("SVR_DROP_MODE") != ""
	return &Server{
		ln: ln, writer: w, limiter: limiter, budgets: budgets, log: log,
		dropCheck: func() bool {
			return forceDrop || w.BacklogBytes() >= defaultDropCapBytes
		},
	}
}

// Run accepts connections until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("accept failed, continuing", zap.Error(err))
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn transport.ServerConnection) {
	peer := conn.RemoteAddr().String()
	s.log.Info("connection accepted", zap.String("peer", peer))

	flowCtl := noopFlowControl{}
	asm := assembler.New(s.writer, flowCtl, s.budgets)
	asm.DropCheck = s.dropCheck

	for {
		if !s.limiter.Allow(peer) {
			s.log.Warn("rate limit exceeded, closing connection", zap.String("peer", peer))
			conn.CloseWithError(1, "rate limited")
			return
		}
		if s.MaxFrames > 0 && int(s.writer.Stats().Written) >= s.MaxFrames {
			s.log.Info("max-frames reached, closing connection", zap.String("peer", peer))
			conn.CloseWithError(2, "max frames reached")
			return
		}

		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Info("connection closed", zap.String("peer", peer), zap.Error(err))
			return
		}
		go s.handleStream(asm, stream, peer)
	}
}

func (s *Server) handleStream(asm *assembler.Assembler, stream transport.ReceiveStream, peer string) {
	sid := stream.StreamID()
	defer asm.CloseStream(sid)

	buf := make([]byte, readBufSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			asm.OnBytes(sid, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("stream closed", zap.String("peer", peer), zap.Uint64("streamID", sid), zap.Error(err))
			}
			if dropped := asm.DroppedFrames(); dropped > 0 {
				s.log.Warn("frames discarded under backpressure drop mode", zap.String("peer", peer), zap.Uint64("streamID", sid), zap.Uint64("dropped", dropped))
			}
			return
		}
	}
}

// noopFlowControl is used until the transport adapter exposes a
// per-stream credit API; quic-go manages its own receive windows
// (internal/transport.QUICConfig's MaxStreamReceiveWindow) so this is
// not load-bearing for correctness, only for the assembler's optional
// hook (spec.md §4.D "Flow control").
type noopFlowControl struct{}

func (noopFlowControl) AddStreamCredit(uint64, int) {}
