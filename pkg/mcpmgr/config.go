package mcpmgr

import (
	"log/slog"
	"sync"
	"time"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	Backend   string
	PID       int
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// Runtime identifies how a backend is launched.
type Runtime string

const (
	RuntimeBinary Runtime = "binary"
	RuntimePython Runtime = "python"
	RuntimeNode   Runtime = "node"
)

// LaunchSpec describes the command line for a backend. The set of
// implementations is closed: BinaryLaunch, PythonLaunch and NodeLaunch.
type LaunchSpec interface {
	// Command returns the executable and its arguments.
	Command() (string, []string)
	Runtime() Runtime
	sealed()
}

// BinaryLaunch runs a native executable directly.
type BinaryLaunch struct {
	Path string
	Args []string
}

func (l *BinaryLaunch) Command() (string, []string) {
	return l.Path, append([]string(nil), l.Args...)
}
func (l *BinaryLaunch) Runtime() Runtime { return RuntimeBinary }
func (*BinaryLaunch) sealed()            {}

// PythonLaunch runs a script or module with an interpreter in unbuffered mode.
// Exactly one of Script or Module is expected; Script wins when both are set.
type PythonLaunch struct {
	Interpreter string
	Script      string
	Module      string
	Args        []string
}

func (l *PythonLaunch) Command() (string, []string) {
	interp := l.Interpreter
	if interp == "" {
		interp = "python3"
	}
	args := []string{"-u"}
	switch {
	case l.Script != "":
		args = append(args, l.Script)
	case l.Module != "":
		args = append(args, "-m", l.Module)
	}
	return interp, append(args, l.Args...)
}
func (l *PythonLaunch) Runtime() Runtime { return RuntimePython }
func (*PythonLaunch) sealed()            {}

// NodeLaunch runs a JavaScript entry point with node.
type NodeLaunch struct {
	Node  string
	Entry string
	Args  []string
}

func (l *NodeLaunch) Command() (string, []string) {
	node := l.Node
	if node == "" {
		node = "node"
	}
	return node, append([]string{l.Entry}, l.Args...)
}
func (l *NodeLaunch) Runtime() Runtime { return RuntimeNode }
func (*NodeLaunch) sealed()            {}

// Backend describes one tool-serving subprocess type. Everything except the
// negotiated protocol version is fixed once the backend is registered.
type Backend struct {
	Name   string
	Root   string
	Launch LaunchSpec
	// Env is overlaid on the gateway's environment when spawning.
	Env         map[string]string
	SetupScript string
	// SingleInstance pins every call to one process, one call at a time.
	SingleInstance bool
	// MaxInstances caps pooled processes; zero uses ManagerOptions.MaxInstances.
	MaxInstances int
	// CallTimeout overrides ManagerOptions.CallTimeout when positive.
	CallTimeout time.Duration

	mu         sync.Mutex
	negotiated string
}

// NegotiatedVersion returns the protocol version most recently agreed with
// this backend, or "" before the first successful handshake.
func (b *Backend) NegotiatedVersion() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.negotiated
}

func (b *Backend) setNegotiatedVersion(v string) {
	b.mu.Lock()
	b.negotiated = v
	b.mu.Unlock()
}

func (b *Backend) maxInstances(def int) int {
	if b.SingleInstance {
		return 1
	}
	if b.MaxInstances > 0 {
		return b.MaxInstances
	}
	if def > 0 {
		return def
	}
	return 1
}

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// ClientName and ClientVersion are advertised in initialize requests.
	ClientName    string
	ClientVersion string
	// ProtocolVersions lists acceptable versions in preference order.
	ProtocolVersions []string
	// HandshakeTimeout bounds each initialize attempt.
	HandshakeTimeout time.Duration
	// CallTimeout bounds a single forwarded call, including waiting for a
	// free process.
	CallTimeout time.Duration
	// MaxInstances is the default pool size cap for multi-instance backends.
	MaxInstances int
	// MaxSpawnAttempts bounds consecutive failed spawns before a backend is
	// marked permanently failed.
	MaxSpawnAttempts int
	// SpawnBackoff is the initial delay between spawn attempts; it doubles up
	// to MaxSpawnBackoff.
	SpawnBackoff    time.Duration
	MaxSpawnBackoff time.Duration
	// DisableRespawn stops the pool from replacing crashed processes.
	DisableRespawn bool
	// StartConcurrency limits how many backends Start warms in parallel.
	StartConcurrency int
	// MaxLineSize caps a single stdout line from a backend.
	MaxLineSize int
	// Spawner launches backend processes. Defaults to ExecSpawner.
	Spawner Spawner
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// LogJSONRPC logs every JSON-RPC message at debug level unless RPCLogger
	// is set, which takes precedence.
	LogJSONRPC bool
	RPCLogger  RPCLogger
	// Stderr receives each stderr line written by a backend process.
	Stderr func(backend, line string)
}

// DefaultProtocolVersions are tried newest first.
var DefaultProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

func (o *ManagerOptions) normalized() ManagerOptions {
	var opts ManagerOptions
	if o != nil {
		opts = *o
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-bridge"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if len(opts.ProtocolVersions) == 0 {
		opts.ProtocolVersions = append([]string(nil), DefaultProtocolVersions...)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = 4
	}
	if opts.MaxSpawnAttempts <= 0 {
		opts.MaxSpawnAttempts = 3
	}
	if opts.SpawnBackoff <= 0 {
		opts.SpawnBackoff = 500 * time.Millisecond
	}
	if opts.MaxSpawnBackoff <= 0 {
		opts.MaxSpawnBackoff = 10 * time.Second
	}
	if opts.StartConcurrency <= 0 {
		opts.StartConcurrency = 8
	}
	if opts.MaxLineSize <= 0 {
		opts.MaxLineSize = DefaultMaxLineSize
	}
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
