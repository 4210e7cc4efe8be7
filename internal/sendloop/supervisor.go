package sendloop

import (
	"context"
	"time"

	"github.com/chlwjd0803/moto-cam/internal/clientstate"
	"github.com/chlwjd0803/moto-cam/internal/transport"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ReconnectBackoff is the delay between a lost connection and the next
// dial attempt (spec.md §4.C "Reconnection", §7 "Connection loss").
const ReconnectBackoff = 2 * time.Second

// Supervisor owns the reconnect loop: on abnormal Loop exit it destroys
// the connection, resets per-path state, and dials a fresh connection
// to the same peer (spec.md §4.C "Reconnection"). It mirrors
// cppla-moto/controller/server.go's Listen accept-error retry-with-
// backoff shape.
type Supervisor struct {
	Dialer transport.Dialer
	Config Config
	Log    *zap.Logger

	// State is reused across reconnects; Reset() is called instead of
	// reallocating so the capture slot (owned by a separate, still-
	// running goroutine) is never replaced out from under it.
	State *clientstate.Connection
}

// NewSupervisor builds a Supervisor with a fresh connection record.
func NewSupervisor(dialer transport.Dialer, cfg Config, log *zap.Logger) *Supervisor {
	return &Supervisor{Dialer: dialer, Config: cfg, Log: log, State: clientstate.NewConnection()}
}

// Run dials, runs the send loop, and reconnects on failure until ctx is
// canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := s.Dialer.Dial(ctx, s.Config.PeerAddr, s.Config.WiFiLocalAddr)
		if err != nil {
			wrapped := errors.Wrap(err, "dial primary path")
			s.Log.Error("dial failed, retrying", zap.Error(wrapped), zap.Duration("backoff", ReconnectBackoff))
			if !sleep(ctx, ReconnectBackoff) {
				return ctx.Err()
			}
			continue
		}

		s.State.Reset()
		loop := New(s.Config, conn, s.State, s.Log)

		s.Log.Info("connection established, entering send loop")
		loopErr := loop.Run(ctx)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		wrapped := errors.Wrap(loopErr, "send loop exited")
		s.Log.Warn("reconnecting", zap.Error(wrapped), zap.Duration("backoff", ReconnectBackoff))
		if !sleep(ctx, ReconnectBackoff) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
