package server

import (
	"os"
	"testing"

	"github.com/chlwjd0803/moto-cam/internal/assembler"
	"github.com/chlwjd0803/moto-cam/internal/writer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type noopSink struct{}

func (noopSink) Accept(writer.Job) error { return nil }
func (noopSink) Close() error            { return nil }

func TestDropCheckForcedBySVRDropModeEnv(t *testing.T) {
	require.NoError(t, os.Setenv("SVR_DROP_MODE", "1"))
	defer os.Unsetenv("SVR_DROP_MODE")

	w := writer.New(noopSink{}, zap.NewNop())
	defer w.Close()

	srv := New(nil, w, NewRateLimiter(1000), assembler.DefaultBudgets(), zap.NewNop())
	require.True(t, srv.dropCheck(), "SVR_DROP_MODE must force drop mode regardless of backlog")
}

func TestDropCheckOffByDefaultWithEmptyBacklog(t *testing.T) {
	os.Unsetenv("SVR_DROP_MODE")

	w := writer.New(noopSink{}, zap.NewNop())
	defer w.Close()

	srv := New(nil, w, NewRateLimiter(1000), assembler.DefaultBudgets(), zap.NewNop())
	require.False(t, srv.dropCheck())
}
