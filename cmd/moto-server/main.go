// Command moto-server accepts multipath QUIC uploads and persists
// completed JPEG frames to disk (spec.md §4.D, §4.E), wired with cobra
// the way distribution-distribution's cmd/ packages build their root
// commands.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chlwjd0803/moto-cam/internal/assembler"
	"github.com/chlwjd0803/moto-cam/internal/logging"
	"github.com/chlwjd0803/moto-cam/internal/server"
	"github.com/chlwjd0803/moto-cam/internal/transport"
	"github.com/chlwjd0803/moto-cam/internal/writer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type flags struct {
	port      int
	cert      string
	key       string
	out       string
	maxFrames int
	qlog      bool
	binlog    bool
	segmented bool
	rateLimit int
	logPath   string
}

func main() {
	f := &flags{}
	root := &cobra.Command{
		Use:   "moto-server",
		Short: "accepts multipath QUIC JPEG frame uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(f)
		},
	}

	root.Flags().IntVar(&f.port, "port", 4433, "UDP port to listen on")
	root.Flags().StringVar(&f.cert, "cert", "", "TLS certificate path")
	root.Flags().StringVar(&f.key, "key", "", "TLS key path")
	root.Flags().StringVar(&f.out, "out", "frames", "directory to write completed frames to")
	root.Flags().IntVar(&f.maxFrames, "max-frames", 0, "stop accepting new frames after this many (0 = unbounded)")
	root.Flags().BoolVar(&f.qlog, "qlog", false, "enable qlog connection tracing")
	root.Flags().BoolVar(&f.binlog, "binlog", false, "enable binary wire-capture tracing")
	root.Flags().BoolVar(&f.segmented, "segmented", false, "write frames to rolling segment files instead of one file per frame")
	root.Flags().IntVar(&f.rateLimit, "rate-limit", 200, "max stream opens per peer per 30s window")
	root.Flags().StringVar(&f.logPath, "log", "moto-server.log", "log file path")
	root.MarkFlagRequired("cert")
	root.MarkFlagRequired("key")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(f *flags) error {
	log := logging.New(logging.DefaultOptions(f.logPath))
	defer log.Sync()

	cert, err := tls.LoadX509KeyPair(f.cert, f.key)
	if err != nil {
		return fmt.Errorf("load TLS keypair: %w", err)
	}

	ln, err := transport.Listen(transport.ListenerOptions{
		Addr:         fmt.Sprintf(":%d", f.port),
		TLSConfig:    &tls.Config{Certificates: []tls.Certificate{cert}},
		EnableQLog:   f.qlog,
		EnableBinlog: f.binlog,
		TraceDir:     f.out,
	})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	var sink writer.Sink
	if f.segmented {
		sink, err = writer.NewSegmentSink(f.out)
	} else {
		sink, err = writer.NewFileSink(f.out)
	}
	if err != nil {
		return fmt.Errorf("init frame sink: %w", err)
	}
	w := writer.New(sink, log)
	defer w.Close()

	limiter := server.NewRateLimiter(f.rateLimit)
	srv := server.New(ln, w, limiter, assembler.BudgetsFromEnv(), log)
	srv.MaxFrames = f.maxFrames

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("moto-server listening", zap.Int("port", f.port), zap.String("out", f.out))
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server run: %w", err)
	}
	log.Info("moto-server shutting down")
	return nil
}
