// Package config resolves emulator configuration from the environment and an
// optional JSON5 file. With no DATA_DIR the emulator runs memory-only.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

type Config struct {
	Port         int    `env:"PORT" envDefault:"7557" json:"port"`
	Host         string `env:"HOST" envDefault:"127.0.0.1" json:"host"`
	DataDir      string `env:"DATA_DIR" json:"data_dir"`
	RateLimitRPM int    `env:"RATE_LIMIT_RPM" json:"rate_limit_rpm"`

	// Synthetic team seeds. Empty slices fall back to the built-in presets.
	Users    []protocol.User    `json:"users"`
	Channels []protocol.Channel `json:"channels"`
}

// PersistenceEnabled reports whether a data directory was configured.
func (c *Config) PersistenceEnabled() bool { return c.DataDir != "" }

// Load parses the environment, then overlays the optional JSON5 config file,
// then fills seed defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultChannels()
	}
	if len(cfg.Users) == 0 {
		cfg.Users = DefaultUsers()
	}
	return cfg, nil
}

// DefaultChannels are the preset channels of the synthetic team.
func DefaultChannels() []protocol.Channel {
	return []protocol.Channel{
		{ID: protocol.PresetGeneral, Name: "general", IsChannel: true, IsMember: true},
		{ID: protocol.PresetShowcase, Name: "showcase", IsChannel: true, IsMember: true},
	}
}

// DefaultUsers are the seeded human teammates. The simulated user and the
// per-bot identities are created by State itself.
func DefaultUsers() []protocol.User {
	return []protocol.User{
		{ID: "U_ALICE", Name: "alice", RealName: "Alice Park", Profile: protocol.Profile{DisplayName: "alice"}},
		{ID: "U_BOB", Name: "bob", RealName: "Bob Tran", Profile: protocol.Profile{DisplayName: "bob"}},
	}
}
