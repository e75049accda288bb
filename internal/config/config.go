// ABOUTME: Configuration loading and parsing for the agenthub gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults when a field is left unset.
const (
	DefaultGRPCAddr              = "0.0.0.0:50051"
	DefaultHTTPAddr              = "0.0.0.0:8080"
	DefaultTailscaleHostname     = "agenthub"
	DefaultHeartbeatInterval     = 10 * time.Second
	DefaultSendTimeout           = 2 * time.Second
	DefaultOutboundBuffer        = 64
	DefaultMaxMalformedPerSecond = 20
	DefaultMaxRelaysPerConn      = 16
	DefaultDiscoveryTimeout      = 5 * time.Second
	DefaultTaskTimeout           = 60 * time.Second
	DefaultMaxTaskTimeout        = 10 * time.Minute
	DefaultResultGracePeriod     = time.Minute
	DefaultTombstoneTTL          = 10 * time.Minute
	DefaultMetricsPath           = "/metrics"

	minJWTSecretLen = 32
)

// Config represents the complete agenthub gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Tasks     TasksConfig     `yaml:"tasks" toml:"tasks"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve HTTP on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose HTTP publicly (implies HTTPS)
}

// DatabaseConfig holds database configuration. An empty path disables the
// durable agent directory.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// AuthorizedKeys holds lines in OpenSSH authorized_keys format.
	AuthorizedKeys []string `yaml:"authorized_keys" toml:"authorized_keys"`
}

// AgentsConfig holds agent connection tuning
type AgentsConfig struct {
	HeartbeatInterval     time.Duration `yaml:"-" toml:"-"`
	SendTimeout           time.Duration `yaml:"-" toml:"-"`
	DiscoveryTimeout      time.Duration `yaml:"-" toml:"-"`
	OutboundBuffer        int           `yaml:"outbound_buffer" toml:"outbound_buffer"`
	MaxMalformedPerSecond float64       `yaml:"max_malformed_per_second" toml:"max_malformed_per_second"`
	MaxRelaysPerConn      int           `yaml:"max_relays_per_connection" toml:"max_relays_per_connection"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	SendTimeoutRaw       string `yaml:"send_timeout" toml:"send_timeout"`
	DiscoveryTimeoutRaw  string `yaml:"discovery_timeout" toml:"discovery_timeout"`
}

// TasksConfig holds task lifetime configuration
type TasksConfig struct {
	DefaultTimeout    time.Duration `yaml:"-" toml:"-"`
	MaxTimeout        time.Duration `yaml:"-" toml:"-"`
	ResultGracePeriod time.Duration `yaml:"-" toml:"-"`
	TombstoneTTL      time.Duration `yaml:"-" toml:"-"`

	DefaultTimeoutRaw    string `yaml:"default_timeout" toml:"default_timeout"`
	MaxTimeoutRaw        string `yaml:"max_timeout" toml:"max_timeout"`
	ResultGracePeriodRaw string `yaml:"result_grace_period" toml:"result_grace_period"`
	TombstoneTTLRaw      string `yaml:"tombstone_ttl" toml:"tombstone_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration bytes, applies defaults and validates.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Config{Metrics: MetricsConfig{Enabled: true}}
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every field at its default value.
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	cfg.ApplyDefaults()
	return cfg
}

// DefaultPath returns the path to the gateway config file.
// Priority: AGENTHUB_CONFIG env var > XDG_CONFIG_HOME/agenthub/gateway.yaml > ~/.config/agenthub/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv("AGENTHUB_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agenthub", "gateway.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields. Server addresses are only defaulted when
// Tailscale is disabled, since tsnet replaces the plain listeners.
func (c *Config) ApplyDefaults() {
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			c.Server.GRPCAddr = DefaultGRPCAddr
		}
		if c.Server.HTTPAddr == "" {
			c.Server.HTTPAddr = DefaultHTTPAddr
		}
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		c.Tailscale.Hostname = DefaultTailscaleHostname
	}

	setDuration(&c.Agents.HeartbeatInterval, DefaultHeartbeatInterval)
	setDuration(&c.Agents.SendTimeout, DefaultSendTimeout)
	setDuration(&c.Agents.DiscoveryTimeout, DefaultDiscoveryTimeout)
	if c.Agents.OutboundBuffer == 0 {
		c.Agents.OutboundBuffer = DefaultOutboundBuffer
	}
	if c.Agents.MaxMalformedPerSecond == 0 {
		c.Agents.MaxMalformedPerSecond = DefaultMaxMalformedPerSecond
	}
	if c.Agents.MaxRelaysPerConn == 0 {
		c.Agents.MaxRelaysPerConn = DefaultMaxRelaysPerConn
	}

	setDuration(&c.Tasks.DefaultTimeout, DefaultTaskTimeout)
	setDuration(&c.Tasks.MaxTimeout, DefaultMaxTaskTimeout)
	setDuration(&c.Tasks.ResultGracePeriod, DefaultResultGracePeriod)
	setDuration(&c.Tasks.TombstoneTTL, DefaultTombstoneTTL)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"agents.heartbeat_interval", c.Agents.HeartbeatInterval},
		{"agents.send_timeout", c.Agents.SendTimeout},
		{"agents.discovery_timeout", c.Agents.DiscoveryTimeout},
		{"tasks.default_timeout", c.Tasks.DefaultTimeout},
		{"tasks.max_timeout", c.Tasks.MaxTimeout},
		{"tasks.result_grace_period", c.Tasks.ResultGracePeriod},
		{"tasks.tombstone_ttl", c.Tasks.TombstoneTTL},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}

	if c.Tasks.DefaultTimeout > c.Tasks.MaxTimeout {
		return fmt.Errorf("tasks.default_timeout (%s) exceeds tasks.max_timeout (%s)",
			c.Tasks.DefaultTimeout, c.Tasks.MaxTimeout)
	}
	if c.Agents.OutboundBuffer < 1 {
		return fmt.Errorf("agents.outbound_buffer must be at least 1, got %d", c.Agents.OutboundBuffer)
	}
	if c.Agents.MaxMalformedPerSecond < 0 {
		return fmt.Errorf("agents.max_malformed_per_second must not be negative")
	}
	if c.Agents.MaxRelaysPerConn < 0 {
		return fmt.Errorf("agents.max_relays_per_connection must not be negative")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLen)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// AuthorizedKeysData joins the configured authorized_keys lines into file form.
func (c *Config) AuthorizedKeysData() []byte {
	if len(c.Auth.AuthorizedKeys) == 0 {
		return nil
	}
	return []byte(strings.Join(c.Auth.AuthorizedKeys, "\n") + "\n")
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"send_timeout", cfg.Agents.SendTimeoutRaw, &cfg.Agents.SendTimeout},
		{"discovery_timeout", cfg.Agents.DiscoveryTimeoutRaw, &cfg.Agents.DiscoveryTimeout},
		{"default_timeout", cfg.Tasks.DefaultTimeoutRaw, &cfg.Tasks.DefaultTimeout},
		{"max_timeout", cfg.Tasks.MaxTimeoutRaw, &cfg.Tasks.MaxTimeout},
		{"result_grace_period", cfg.Tasks.ResultGracePeriodRaw, &cfg.Tasks.ResultGracePeriod},
		{"tombstone_ttl", cfg.Tasks.TombstoneTTLRaw, &cfg.Tasks.TombstoneTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
