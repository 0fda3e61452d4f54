package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentwire/agentwire/pkg/observability"
	"github.com/agentwire/agentwire/pkg/transport"
)

// Config represents the node configuration
type Config struct {
	// Agent identity
	Agent AgentConfig `yaml:"agent"`

	// Grants loaded into the permission evaluator at startup. Each
	// grant records that an agent holds one capability; inbound
	// delegations are refused unless this node's own ID holds every
	// required capability.
	Grants []GrantConfig `yaml:"grants"`

	// Peers known at startup, registered before the first envelope
	// is accepted.
	Peers []PeerConfig `yaml:"peers"`

	// Transport Configuration
	Transport TransportConfig `yaml:"transport"`

	// Runtime Configuration
	Runtime RuntimeConfig `yaml:"runtime"`

	// Observability Configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// AgentConfig identifies the local agent on the wire.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Address      string   `yaml:"address"`
	Capabilities []string `yaml:"capabilities"`
}

// GrantConfig records that an agent holds one capability. A zero TTL
// means the grant never expires.
type GrantConfig struct {
	AgentID    string        `yaml:"agent_id"`
	Capability string        `yaml:"capability"`
	TTL        time.Duration `yaml:"ttl"`
}

// PeerConfig is a statically configured remote agent.
type PeerConfig struct {
	ID           string   `yaml:"id"`
	Address      string   `yaml:"address"`
	Capabilities []string `yaml:"capabilities"`
}

// TransportConfig selects and tunes the delivery mechanism.
type TransportConfig struct {
	// Kind is "http", "redis" or "local".
	Kind string `yaml:"kind"`

	HTTP  HTTPConfig            `yaml:"http"`
	Redis transport.RedisConfig `yaml:"redis"`
}

// HTTPConfig holds the HTTP transport settings.
type HTTPConfig struct {
	ListenAddr    string  `yaml:"listen_addr"`
	MaxBodyBytes  int64   `yaml:"max_body_bytes"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

// RuntimeConfig holds protocol timing configuration
type RuntimeConfig struct {
	// MessageTTL is the default envelope time-to-live.
	MessageTTL time.Duration `yaml:"message_ttl"`
	// RegistryTTL is how long a registration outlives its last touch.
	RegistryTTL time.Duration `yaml:"registry_ttl"`
	// SweepInterval is how often expired tasks and registrations are
	// collected.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ReplayWindow bounds the duplicate-detection cache.
	ReplayWindow int `yaml:"replay_window"`
}

// ObservabilityConfig holds the metrics, health and tracing settings.
type ObservabilityConfig struct {
	ListenAddr string                      `yaml:"listen_addr"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	return &cfg, nil
}

// Default returns a configuration usable without a file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Transport.Kind == "" {
		c.Transport.Kind = "http"
	}
	if c.Transport.HTTP.ListenAddr == "" {
		c.Transport.HTTP.ListenAddr = ":8700"
	}
	if c.Runtime.MessageTTL == 0 {
		c.Runtime.MessageTTL = 30 * time.Second
	}
	if c.Runtime.RegistryTTL == 0 {
		c.Runtime.RegistryTTL = 5 * time.Minute
	}
	if c.Runtime.SweepInterval == 0 {
		c.Runtime.SweepInterval = 10 * time.Second
	}
	if c.Runtime.ReplayWindow == 0 {
		c.Runtime.ReplayWindow = 1024
	}
	if c.Observability.ListenAddr == "" {
		c.Observability.ListenAddr = ":9700"
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = observability.DefaultServiceName
	}
}

// applyEnv overlays environment settings onto unset fields.
func (c *Config) applyEnv() {
	if c.Agent.ID == "" {
		c.Agent.ID = os.Getenv("AGENTWIRE_ID")
	}
	if c.Agent.Address == "" {
		c.Agent.Address = os.Getenv("AGENTWIRE_ADDRESS")
	}
	if c.Transport.Redis.Addr == "" {
		c.Transport.Redis.Addr = os.Getenv("AGENTWIRE_REDIS_ADDR")
	}
	if c.Transport.Redis.Password == "" {
		c.Transport.Redis.Password = os.Getenv("AGENTWIRE_REDIS_PASSWORD")
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if c.Agent.Address == "" {
		return fmt.Errorf("agent.address is required")
	}

	switch c.Transport.Kind {
	case "http", "local":
	case "redis":
		if c.Transport.Redis.Addr == "" {
			return fmt.Errorf("transport.redis.addr is required for the redis transport")
		}
		// Queue inboxes are keyed by agent ID, so the routable address
		// of every agent must be its ID or dispatches land in an inbox
		// nobody drains.
		if c.Agent.Address != c.Agent.ID {
			return fmt.Errorf("agent.address must equal agent.id for the redis transport")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}

	for i, g := range c.Grants {
		if g.AgentID == "" || g.Capability == "" {
			return fmt.Errorf("grants[%d]: agent_id and capability are required", i)
		}
	}
	for i, p := range c.Peers {
		if p.ID == "" || p.Address == "" {
			return fmt.Errorf("peers[%d]: id and address are required", i)
		}
		if c.Transport.Kind == "redis" && p.Address != p.ID {
			return fmt.Errorf("peers[%d]: address must equal id for the redis transport", i)
		}
	}

	return nil
}
