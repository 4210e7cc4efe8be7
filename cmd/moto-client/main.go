// Command moto-client runs the capture thread and multipath send loop
// described in spec.md §4.C, §5.1, grounded on cppla-moto/run.go's
// flag-parse-then-start-goroutines shape.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/chlwjd0803/moto-cam/internal/capture"
	"github.com/chlwjd0803/moto-cam/internal/config"
	"github.com/chlwjd0803/moto-cam/internal/logging"
	"github.com/chlwjd0803/moto-cam/internal/sendloop"
	"github.com/chlwjd0803/moto-cam/internal/transport"
	"go.uber.org/zap"
)

// Default ports per spec.md §6 "Socket binding".
const (
	defaultPort     = 4433
	defaultWiFiPort = 55002
	defaultCellPort = 51021
)

func main() {
	os.Exit(run())
}

func run() int {
	confPath := flag.String("config", "", "path to client config file (overrides positional defaults)")
	flag.Parse()

	// Positional args per spec.md §6 "CLI (client)":
	// server_ip [alt_local_ip] [port] [usb_local_ip]
	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: moto-client server_ip [alt_local_ip] [port] [usb_local_ip]")
		return -1
	}

	cfg, err := buildConfig(args, *confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		return -1
	}

	log := logging.New(logging.DefaultOptions(cfg.LogPath))
	defer log.Sync()
	log.Info("moto-client starting", zap.String("server", cfg.ServerIP), zap.Int("port", cfg.Port))

	peerAddr := &net.UDPAddr{IP: net.ParseIP(cfg.ServerIP), Port: cfg.Port}
	wifiAddr := &net.UDPAddr{IP: net.ParseIP(cfg.WiFiLocalIP), Port: defaultWiFiPort}
	var cellAddr net.Addr
	if cfg.CellularLocal != "" {
		cellAddr = &net.UDPAddr{IP: net.ParseIP(cfg.CellularLocal), Port: defaultCellPort}
	}

	dialer := transport.NewDialer(&tls.Config{InsecureSkipVerify: true, NextProtos: []string{transport.ALPN}})

	slCfg := sendloop.DefaultConfig()
	slCfg.PeerAddr = peerAddr
	slCfg.WiFiLocalAddr = wifiAddr
	slCfg.CellularLocalAddr = cellAddr
	if cfg.KeepAlive > 0 {
		slCfg.KeepAliveInterval = cfg.KeepAlive
	}

	sup := sendloop.NewSupervisor(dialer, slCfg, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	src := capture.NewSyntheticSource(cfg.FrameInterval, 64<<10)
	go func() {
		if err := capture.Run(ctx, src, &sup.State.Capture); err != nil {
			log.Info("capture thread stopped", zap.Error(err))
		}
	}()

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("supervisor exited with error", zap.Error(err))
		return -1
	}

	sup.State.Closing = true
	src.Close()
	log.Info("moto-client shutting down")
	return 0
}

func buildConfig(args []string, confPath string) (*config.ClientConfig, error) {
	if confPath != "" {
		return config.LoadClient(confPath)
	}

	// Per spec.md §6: "alt_local_ip" is the Wi-Fi alternate the send
	// loop probes 200-500ms after handshake (spec §4.C step 4); the
	// primary path dials from the OS default route when no alternate
	// is given.
	cfg := &config.ClientConfig{ServerIP: args[0], WiFiLocalIP: "0.0.0.0"}
	if len(args) >= 2 {
		cfg.WiFiLocalIP = args[1]
	}
	if len(args) >= 3 {
		port, err := strconv.Atoi(args[2])
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", args[2], err)
		}
		cfg.Port = port
	} else {
		cfg.Port = defaultPort
	}
	if len(args) >= 4 {
		cfg.CellularLocal = args[3]
	}
	if cfg.LogPath == "" {
		cfg.LogPath = "moto-client.log"
	}
	return cfg, nil
}
