package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
)

// Config is the mcp-bridge configuration file.
type Config struct {
	Server   ServerConfig               `yaml:"server"`
	Servers  ServersConfig              `yaml:"servers"`
	Pool     PoolConfig                 `yaml:"pool"`
	Logging  LoggingConfig              `yaml:"logging"`
	Backends map[string]BackendOverride `yaml:"backends"`
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Path       string `yaml:"path"`
	HealthPath string `yaml:"health_path"`
	Stateless  bool   `yaml:"stateless"`
	// PreferEventStream answers with SSE when a client accepts both formats.
	PreferEventStream  bool     `yaml:"prefer_event_stream"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
	NamespaceSeparator string   `yaml:"namespace_separator"`

	InactivityTimeoutRaw string        `yaml:"inactivity_timeout"`
	InactivityTimeout    time.Duration `yaml:"-"`
	SessionTTLRaw        string        `yaml:"session_ttl"`
	SessionTTL           time.Duration `yaml:"-"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ServersConfig controls backend discovery.
type ServersConfig struct {
	Dir      string   `yaml:"dir"`
	Python   string   `yaml:"python"`
	Node     string   `yaml:"node"`
	RunSetup bool     `yaml:"run_setup"`
	PassEnv  []string `yaml:"pass_env"`

	SetupTimeoutRaw string        `yaml:"setup_timeout"`
	SetupTimeout    time.Duration `yaml:"-"`
}

// PoolConfig sets manager-wide process pool defaults.
type PoolConfig struct {
	MaxInstances     int  `yaml:"max_instances"`
	MaxSpawnAttempts int  `yaml:"max_spawn_attempts"`
	LogJSONRPC       bool `yaml:"log_jsonrpc"`

	CallTimeoutRaw      string        `yaml:"call_timeout"`
	CallTimeout         time.Duration `yaml:"-"`
	HandshakeTimeoutRaw string        `yaml:"handshake_timeout"`
	HandshakeTimeout    time.Duration `yaml:"-"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BackendOverride adjusts one discovered backend by name.
type BackendOverride struct {
	Disabled       bool              `yaml:"disabled"`
	SingleInstance *bool             `yaml:"single_instance"`
	MaxInstances   int               `yaml:"max_instances"`
	Env            map[string]string `yaml:"env"`

	CallTimeoutRaw string        `yaml:"call_timeout"`
	CallTimeout    time.Duration `yaml:"-"`
}

// Environment variables that override the file.
const (
	envConfig            = "MCP_BRIDGE_CONFIG"
	envHost              = "HOST"
	envPort              = "PORT"
	envServersDir        = "MCP_SERVERS_DIR"
	envInactivityTimeout = "MCP_INACTIVITY_TIMEOUT"
	envLogLevel          = "MCP_LOG_LEVEL"
)

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8080,
			Path:                 "/mcp",
			HealthPath:           "/health",
			AllowedOrigins:       []string{"*"},
			InactivityTimeoutRaw: "0s",
			SessionTTLRaw:        "1h",
		},
		Servers: ServersConfig{
			Dir:             "mcp-servers",
			RunSetup:        true,
			SetupTimeoutRaw: "5m",
		},
		Pool: PoolConfig{
			MaxInstances:        4,
			MaxSpawnAttempts:    3,
			CallTimeoutRaw:      "60s",
			HandshakeTimeoutRaw: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// getConfigPath returns the config file path.
// Priority: -config flag > MCP_BRIDGE_CONFIG > ./mcp-bridge.yaml
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv(envConfig); envPath != "" {
		return envPath
	}
	return "mcp-bridge.yaml"
}

// Load reads the configuration file at path over the defaults, applies
// environment overrides and validates the result. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		expanded := expandEnvVars(string(data), lookup)
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or "" when unset.
func expandEnvVars(s string, lookup func(string) (string, bool)) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		v, _ := lookup(name)
		return v
	})
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(envHost); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup(envPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envPort, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup(envServersDir); ok && v != "" {
		c.Servers.Dir = v
	}
	if v, ok := lookup(envInactivityTimeout); ok && v != "" {
		// Bare numbers are seconds.
		if _, err := strconv.Atoi(v); err == nil {
			v += "s"
		}
		c.Server.InactivityTimeoutRaw = v
	}
	if v, ok := lookup(envLogLevel); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	return nil
}

func (c *Config) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.inactivity_timeout", c.Server.InactivityTimeoutRaw, &c.Server.InactivityTimeout},
		{"server.session_ttl", c.Server.SessionTTLRaw, &c.Server.SessionTTL},
		{"servers.setup_timeout", c.Servers.SetupTimeoutRaw, &c.Servers.SetupTimeout},
		{"pool.call_timeout", c.Pool.CallTimeoutRaw, &c.Pool.CallTimeout},
		{"pool.handshake_timeout", c.Pool.HandshakeTimeoutRaw, &c.Pool.HandshakeTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	for name, b := range c.Backends {
		if b.CallTimeoutRaw == "" {
			continue
		}
		d, err := time.ParseDuration(b.CallTimeoutRaw)
		if err != nil {
			return fmt.Errorf("backends.%s.call_timeout: %w", name, err)
		}
		b.CallTimeout = d
		c.Backends[name] = b
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /")
	}
	if !strings.HasPrefix(c.Server.HealthPath, "/") {
		return fmt.Errorf("server.health_path must start with /")
	}
	if c.Server.Path == c.Server.HealthPath {
		return fmt.Errorf("server.path and server.health_path must differ")
	}
	if c.Servers.Dir == "" {
		return fmt.Errorf("servers.dir is required")
	}
	if c.Server.InactivityTimeout < 0 || c.Server.SessionTTL < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Pool.MaxInstances < 0 || c.Pool.MaxSpawnAttempts < 0 {
		return fmt.Errorf("pool limits must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	for name, b := range c.Backends {
		if b.MaxInstances < 0 {
			return fmt.Errorf("backends.%s.max_instances must not be negative", name)
		}
	}
	return nil
}

// ManagerOptions maps the pool section onto manager options.
func (c *Config) ManagerOptions() *mcpmgr.ManagerOptions {
	return &mcpmgr.ManagerOptions{
		ClientName:       "mcp-bridge",
		ClientVersion:    version,
		CallTimeout:      c.Pool.CallTimeout,
		HandshakeTimeout: c.Pool.HandshakeTimeout,
		MaxInstances:     c.Pool.MaxInstances,
		MaxSpawnAttempts: c.Pool.MaxSpawnAttempts,
		LogJSONRPC:       c.Pool.LogJSONRPC,
	}
}

// Apply adjusts discovered backends with their overrides, returning the
// backends that remain enabled.
func (c *Config) Apply(backends []*mcpmgr.Backend) []*mcpmgr.Backend {
	out := backends[:0:0]
	for _, b := range backends {
		o, ok := c.Backends[b.Name]
		if !ok {
			out = append(out, b)
			continue
		}
		if o.Disabled {
			continue
		}
		if o.SingleInstance != nil {
			b.SingleInstance = *o.SingleInstance
		}
		if o.MaxInstances > 0 {
			b.MaxInstances = o.MaxInstances
		}
		if o.CallTimeout > 0 {
			b.CallTimeout = o.CallTimeout
		}
		if len(o.Env) > 0 {
			if b.Env == nil {
				b.Env = make(map[string]string, len(o.Env))
			}
			for k, v := range o.Env {
				b.Env[k] = v
			}
		}
		out = append(out, b)
	}
	return out
}
