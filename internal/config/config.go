// Package config loads the client and server JSON configuration files,
// grounded on cppla-moto/config/setting.go's env-path-override +
// package-level Reload + per-section verify() pattern.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// ClientConfig is the client binary's configuration (spec.md §6 "CLI
// (client)"; the positional-arg surface is kept as the primary entrypoint,
// this file is for everything the positional args don't cover: timeouts,
// log path, frame source).
type ClientConfig struct {
	ServerIP      string        `json:"server_ip"`
	Port          int           `json:"port"`
	WiFiLocalIP   string        `json:"wifi_local_ip"`
	CellularLocal string        `json:"cellular_local_ip"`
	LogPath       string        `json:"log_path"`
	LogLevel      string        `json:"log_level"`
	KeepAlive     time.Duration `json:"keep_alive_ms"`
	FrameInterval time.Duration `json:"frame_interval_ms"`
}

func (c *ClientConfig) verify() error {
	if c.ServerIP == "" {
		return fmt.Errorf("empty server_ip")
	}
	if net.ParseIP(c.ServerIP) == nil {
		return fmt.Errorf("invalid server_ip %q", c.ServerIP)
	}
	if c.Port == 0 {
		c.Port = 4433
	}
	if c.LogPath == "" {
		c.LogPath = "moto-client.log"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	// keep_alive_ms and frame_interval_ms hold plain millisecond counts,
	// which encoding/json stores into the Durations as nanoseconds.
	c.KeepAlive *= time.Millisecond
	c.FrameInterval *= time.Millisecond
	if c.KeepAlive == 0 {
		c.KeepAlive = time.Second
	}
	return nil
}

// ServerConfig is the server binary's configuration (spec.md §6 "CLI
// (server)").
type ServerConfig struct {
	Port       int    `json:"port"`
	CertPath   string `json:"cert"`
	KeyPath    string `json:"key"`
	OutDir     string `json:"out"`
	MaxFrames  int    `json:"max_frames"`
	QLog       bool   `json:"qlog"`
	BinLog     bool   `json:"binlog"`
	LogPath    string `json:"log_path"`
	LogLevel   string `json:"log_level"`
	Segmented  bool   `json:"segmented"`
	RateLimitN int    `json:"rate_limit_per_window"`
}

func (c *ServerConfig) verify() error {
	if c.Port == 0 {
		c.Port = 4433
	}
	if c.CertPath == "" || c.KeyPath == "" {
		return fmt.Errorf("cert and key paths are required")
	}
	if c.OutDir == "" {
		c.OutDir = "frames"
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = 0 // 0 means unbounded
	}
	if c.LogPath == "" {
		c.LogPath = "moto-server.log"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RateLimitN <= 0 {
		c.RateLimitN = 200 // matches the teacher's WAF default window count
	}
	return nil
}

// LoadClient reads and validates a client config file. The path defaults
// to MOTO_CLIENT_CONFIG or "config/client.json".
func LoadClient(path string) (*ClientConfig, error) {
	if path == "" {
		path = envOr("MOTO_CLIENT_CONFIG", "config/client.json")
	}
	var cfg ClientConfig
	if err := readJSON(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.verify(); err != nil {
		return nil, fmt.Errorf("verify client config: %w", err)
	}
	return &cfg, nil
}

// LoadServer reads and validates a server config file. The path defaults
// to MOTO_SERVER_CONFIG or "config/server.json".
func LoadServer(path string) (*ServerConfig, error) {
	if path == "" {
		path = envOr("MOTO_SERVER_CONFIG", "config/server.json")
	}
	var cfg ServerConfig
	if err := readJSON(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.verify(); err != nil {
		return nil, fmt.Errorf("verify server config: %w", err)
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func readJSON(path string, v interface{}) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
