package mcpgateway

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway in initialize responses.
	Implementation *mcp.Implementation
	// Instructions is returned to clients during initialize when set.
	Instructions string
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the MCP endpoint. Defaults to "/mcp".
	Path string
	// HealthPath serves the health report. Defaults to "/health".
	HealthPath string
	// Namespace controls how backend tool names are exposed. Defaults to
	// ServerPrefixNamespace.
	Namespace NamespaceStrategy
	// AutoStart warms every backend and builds the catalog during
	// construction.
	AutoStart bool
	// ProtocolVersions are the versions offered to clients, newest first.
	ProtocolVersions []string
	// Stateless accepts requests without a session id.
	Stateless bool
	// PreferEventStream picks SSE framing when a client accepts both JSON
	// and event streams.
	PreferEventStream bool
	// SessionTTL expires sessions idle for longer. Zero disables expiry.
	SessionTTL time.Duration
	// InactivityTimeout shuts the gateway down after this long without a
	// non-health request. Zero disables the monitor.
	InactivityTimeout time.Duration
	// InactivityCheckInterval is how often the monitor looks at the clock.
	InactivityCheckInterval time.Duration
	// AllowedOrigins feeds the CORS handler. Defaults to every origin.
	AllowedOrigins []string
	// MaxRequestBodySize caps a POST body in bytes.
	MaxRequestBodySize int64
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// SyncTimeout bounds how long a catalog refresh of one backend may take.
	SyncTimeout time.Duration
	// ShutdownTimeout bounds the orderly shutdown after inactivity or
	// context cancellation.
	ShutdownTimeout time.Duration
}

// DefaultProtocolVersions are offered to clients, newest first.
var DefaultProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-bridge",
			Title:   "MCP Bridge",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefixNamespace{}
	}
	if len(opts.ProtocolVersions) == 0 {
		opts.ProtocolVersions = append([]string(nil), DefaultProtocolVersions...)
	}
	if opts.InactivityCheckInterval <= 0 {
		opts.InactivityCheckInterval = 10 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.MaxRequestBodySize <= 0 {
		opts.MaxRequestBodySize = 4 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}
