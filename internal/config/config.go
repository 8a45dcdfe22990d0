// Package config loads the node's topology and runtime settings from a
// YAML file, a .env file, and the environment, in flag > env > file
// precedence. Validation failures are fatal at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/meshpay/connector/internal/packet"
)

type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Peers     []PeerConfig    `yaml:"peers"`
	Routes    []RouteConfig   `yaml:"routes"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type NodeConfig struct {
	ID              string   `yaml:"id"`
	Address         string   `yaml:"address"`
	LocalPrefixes   []string `yaml:"local_prefixes"`
	BTPPort         int      `yaml:"btp_port"`
	HealthCheckPort int      `yaml:"health_check_port"`
	LogLevel        string   `yaml:"log_level"`
	GracePeriodMs   int      `yaml:"grace_period_ms"`
	DatabaseURL     string   `yaml:"database_url"`
}

type PeerConfig struct {
	ID                  string `yaml:"id"`
	Endpoint            string `yaml:"endpoint"` // empty = inbound-only peer
	Token               string `yaml:"token"`
	Asset               string `yaml:"asset"`
	Scale               int    `yaml:"scale"`
	CreditLimit         int64  `yaml:"credit_limit"`
	SettlementThreshold int64  `yaml:"settlement_threshold"`
	MaxPacketAmount     int64  `yaml:"max_packet_amount"`
}

type RouteConfig struct {
	Prefix  string `yaml:"prefix"`
	NextHop string `yaml:"next_hop"`
}

type TelemetryConfig struct {
	URL string `yaml:"url"`
}

// Load reads the config file and applies environment overrides. A .env
// file in the working directory is folded into the environment first.
func Load(path string) (*Config, error) {
	// Missing .env is the common case outside development.
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Node.LogLevel = v
	}
	if v := os.Getenv("BTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Node.BTPPort = port
		}
	}
	if v := os.Getenv("HEALTH_CHECK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Node.HealthCheckPort = port
		}
	}
	if v := os.Getenv("DASHBOARD_TELEMETRY_URL"); v != "" {
		c.Telemetry.URL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Node.DatabaseURL = v
	}
}

// Validate checks structural consistency: addresses parse, peers are
// unique and complete, routes point at declared peers.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if _, err := packet.ParseAddress(c.Node.Address); err != nil {
		return fmt.Errorf("node.address: %w", err)
	}
	for _, p := range c.Node.LocalPrefixes {
		if _, err := packet.ParseAddress(p); err != nil {
			return fmt.Errorf("local prefix %q: %w", p, err)
		}
	}

	seen := make(map[string]bool)
	for i, peer := range c.Peers {
		if peer.ID == "" {
			return fmt.Errorf("peer %d: id is required", i)
		}
		if seen[peer.ID] {
			return fmt.Errorf("peer %q declared twice", peer.ID)
		}
		seen[peer.ID] = true
		if peer.Token == "" {
			return fmt.Errorf("peer %q: token is required", peer.ID)
		}
		if peer.Asset == "" {
			return fmt.Errorf("peer %q: asset is required", peer.ID)
		}
		if peer.CreditLimit < 0 || peer.SettlementThreshold < 0 || peer.MaxPacketAmount < 0 {
			return fmt.Errorf("peer %q: limits must be non-negative", peer.ID)
		}
	}

	for _, r := range c.Routes {
		if _, err := packet.ParseAddress(r.Prefix); err != nil {
			return fmt.Errorf("route prefix %q: %w", r.Prefix, err)
		}
		if !seen[r.NextHop] {
			return fmt.Errorf("route %q: next hop %q is not a declared peer", r.Prefix, r.NextHop)
		}
	}
	return nil
}

// GracePeriod returns the shutdown grace period, defaulting to 5s.
func (c *Config) GracePeriod() time.Duration {
	if c.Node.GracePeriodMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Node.GracePeriodMs) * time.Millisecond
}

// Peer returns the config for a peer id.
func (c *Config) Peer(id string) (PeerConfig, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerConfig{}, false
}
