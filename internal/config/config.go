package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Call     Call     `json:"call"`
	API      API      `json:"api"`
}

type Identity struct {
	// KeyFile is the path of the persistent libp2p identity key.
	// Created on first run.
	KeyFile string `json:"key_file"`

	// ParticipantID overrides the derived participant identity.
	// Empty means the libp2p peer ID is used.
	ParticipantID string `json:"participant_id"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Bootstrap multiaddrs dialed on startup so the relay mesh forms
	// without waiting for mDNS discovery.
	Bootstrap []string `json:"bootstrap"`
}

type Call struct {
	// STUNServers is the ICE server list handed to pion. TURN/relay
	// fallback beyond listing servers here is out of scope.
	STUNServers []string `json:"stun_servers"`

	// InviteTimeoutSec is how long an unanswered invite rings before the
	// call gives up. 0 = default (30).
	InviteTimeoutSec int `json:"invite_timeout_sec"`

	// DisconnectedGraceSec is how long an ICE "disconnected" state is
	// tolerated before the call is declared failed. 0 = default (5).
	DisconnectedGraceSec int `json:"disconnected_grace_sec"`
}

type API struct {
	// Bind is the local HTTP listen address for the intent API.
	// Default "127.0.0.1:8970" — localhost only; the surrounding
	// application is the sole consumer.
	Bind string `json:"bind"`
}

const (
	DefaultInviteTimeout     = 30 * time.Second
	DefaultDisconnectedGrace = 5 * time.Second
)

// Load reads the JSON config at path, applies defaults and validates.
// A missing file yields the default config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run — defaults only.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Identity.KeyFile == "" {
		c.Identity.KeyFile = filepath.Join(baseDir, "identity.key")
	}
	if c.P2P.MdnsTag == "" {
		c.P2P.MdnsTag = "duocall"
	}
	if len(c.Call.STUNServers) == 0 {
		c.Call.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.Call.InviteTimeoutSec == 0 {
		c.Call.InviteTimeoutSec = int(DefaultInviteTimeout / time.Second)
	}
	if c.Call.DisconnectedGraceSec == 0 {
		c.Call.DisconnectedGraceSec = int(DefaultDisconnectedGrace / time.Second)
	}
	if c.API.Bind == "" {
		c.API.Bind = "127.0.0.1:8970"
	}
}

func (c *Config) validate() error {
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return fmt.Errorf("p2p.listen_port out of range: %d", c.P2P.ListenPort)
	}
	if c.Call.InviteTimeoutSec < 1 {
		return fmt.Errorf("call.invite_timeout_sec must be positive, got %d", c.Call.InviteTimeoutSec)
	}
	if c.Call.DisconnectedGraceSec < 1 {
		return fmt.Errorf("call.disconnected_grace_sec must be positive, got %d", c.Call.DisconnectedGraceSec)
	}
	for _, addr := range c.P2P.Bootstrap {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("p2p.bootstrap %q: %w", addr, err)
		}
	}
	return nil
}

// InviteTimeout returns the configured unanswered-invite timeout.
func (c *Config) InviteTimeout() time.Duration {
	return time.Duration(c.Call.InviteTimeoutSec) * time.Second
}

// DisconnectedGrace returns the configured ICE disconnected grace period.
func (c *Config) DisconnectedGrace() time.Duration {
	return time.Duration(c.Call.DisconnectedGraceSec) * time.Second
}
