// Package config loads and validates the node's YAML configuration.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config is the root configuration for an agentmesh node.
type Config struct {
	Network   NetworkConfig   `yaml:"network"`
	Mods      []ModConfig     `yaml:"mods,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	Snapshot  SnapshotConfig  `yaml:"snapshot,omitempty"`
}

// NetworkConfig is the network section of the config file.
type NetworkConfig struct {
	Name      string `yaml:"name"`
	Mode      string `yaml:"mode"` // "centralized" or "decentralized"
	NodeID    string `yaml:"node_id"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Transport string `yaml:"transport"` // only "websocket" is implemented

	// Centralized client role: when set, this node proxies registration and
	// routing to the coordinator at this address instead of listening as one.
	CoordinatorURL string `yaml:"coordinator_url,omitempty"`

	// Decentralized only.
	BootstrapNodes []string `yaml:"bootstrap_nodes,omitempty"`

	EncryptionEnabled bool   `yaml:"encryption_enabled,omitempty"`
	EncryptionType    string `yaml:"encryption_type,omitempty"` // "tls" or "noise"
	TLSCertFile       string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile        string `yaml:"tls_key_file,omitempty"`

	DiscoveryEnabled  bool          `yaml:"discovery_enabled,omitempty"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval,omitempty"`

	MaxConnections    int           `yaml:"max_connections,omitempty"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
	RetryAttempts     int           `yaml:"retry_attempts,omitempty"`

	MaxMessageSize   int64 `yaml:"max_message_size,omitempty"`   // bytes per envelope
	OutboundQueue    int   `yaml:"outbound_queue,omitempty"`     // per-peer high-water mark
	ConnectRateLimit int   `yaml:"connect_rate_limit,omitempty"` // accepts per minute, 0 = unlimited
}

// ModConfig declares one mod and its free-form configuration.
type ModConfig struct {
	Name    string         `yaml:"name"`
	Enabled bool           `yaml:"enabled"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// TelemetryConfig configures OTLP trace export. Disabled by default; spans
// are no-ops until an endpoint is set.
type TelemetryConfig struct {
	Enabled     bool              `yaml:"enabled,omitempty"`
	Endpoint    string            `yaml:"endpoint,omitempty"`
	Insecure    bool              `yaml:"insecure,omitempty"`
	ServiceName string            `yaml:"service_name,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
}

// SnapshotConfig configures the optional single-file state snapshot written
// atomically on shutdown and loaded on start.
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Name:              "agentmesh",
			Mode:              "centralized",
			Host:              "0.0.0.0",
			Port:              8700,
			Transport:         "websocket",
			DiscoveryEnabled:  true,
			DiscoveryInterval: 5 * time.Second,
			MaxConnections:    500,
			ConnectionTimeout: 30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			RetryAttempts:     3,
			MaxMessageSize:    10 << 20,
			OutboundQueue:     1024,
		},
	}
}

// applyDefaults fills zero fields after unmarshal.
func (c *Config) applyDefaults() {
	d := Default()
	n := &c.Network
	if n.Name == "" {
		n.Name = d.Network.Name
	}
	if n.Mode == "" {
		n.Mode = d.Network.Mode
	}
	if n.Host == "" {
		n.Host = d.Network.Host
	}
	if n.Port == 0 {
		n.Port = d.Network.Port
	}
	if n.Transport == "" {
		n.Transport = d.Network.Transport
	}
	if n.NodeID == "" {
		n.NodeID = "node-" + uuid.NewString()[:8]
	}
	if n.DiscoveryInterval <= 0 {
		n.DiscoveryInterval = d.Network.DiscoveryInterval
	}
	if n.MaxConnections <= 0 {
		n.MaxConnections = d.Network.MaxConnections
	}
	if n.ConnectionTimeout <= 0 {
		n.ConnectionTimeout = d.Network.ConnectionTimeout
	}
	if n.HeartbeatInterval <= 0 {
		n.HeartbeatInterval = d.Network.HeartbeatInterval
	}
	if n.RetryAttempts <= 0 {
		n.RetryAttempts = d.Network.RetryAttempts
	}
	if n.MaxMessageSize <= 0 {
		n.MaxMessageSize = d.Network.MaxMessageSize
	}
	if n.OutboundQueue <= 0 {
		n.OutboundQueue = d.Network.OutboundQueue
	}
}

// Validate checks the config for fatal inconsistencies.
func (c *Config) Validate() error {
	n := &c.Network
	switch n.Mode {
	case "centralized", "decentralized":
	default:
		return fmt.Errorf("network.mode must be \"centralized\" or \"decentralized\", got %q", n.Mode)
	}
	if n.Transport != "websocket" {
		return fmt.Errorf("network.transport %q is not supported (only \"websocket\")", n.Transport)
	}
	if n.NodeID == "" {
		return fmt.Errorf("network.node_id is required")
	}
	if n.Port < 1 || n.Port > 65535 {
		return fmt.Errorf("network.port %d out of range", n.Port)
	}
	if n.EncryptionEnabled {
		switch n.EncryptionType {
		case "", "tls":
			if n.TLSCertFile == "" || n.TLSKeyFile == "" {
				return fmt.Errorf("encryption_enabled requires tls_cert_file and tls_key_file")
			}
		case "noise":
			return fmt.Errorf("encryption_type \"noise\" is not implemented")
		default:
			return fmt.Errorf("unknown encryption_type %q", n.EncryptionType)
		}
	}
	if n.Mode == "decentralized" && n.CoordinatorURL != "" {
		return fmt.Errorf("coordinator_url is only valid in centralized mode")
	}
	seen := map[string]bool{}
	for _, m := range c.Mods {
		if m.Name == "" {
			return fmt.Errorf("mod with empty name")
		}
		if seen[m.Name] {
			return fmt.Errorf("mod %q declared twice", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// EnabledMods returns the declared mods that are enabled, in declaration
// order.
func (c *Config) EnabledMods() []ModConfig {
	var out []ModConfig
	for _, m := range c.Mods {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// ModByName returns the configuration for a named mod, if declared.
func (c *Config) ModByName(name string) (ModConfig, bool) {
	for _, m := range c.Mods {
		if m.Name == name {
			return m, true
		}
	}
	return ModConfig{}, false
}
