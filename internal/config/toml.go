package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// LoadServerTOML reads a server config in TOML form, an accepted
// alternate to the primary JSON format (see DESIGN.md for why this
// stays optional rather than load-bearing).
func LoadServerTOML(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse toml config %s: %w", path, err)
	}
	if err := cfg.verify(); err != nil {
		return nil, fmt.Errorf("verify server config: %w", err)
	}
	return &cfg, nil
}
