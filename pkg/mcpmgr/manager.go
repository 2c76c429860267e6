// Package mcpmgr provides a high-level manager for launching, pooling, and
// talking to stdio MCP backends from Go applications. It handles process
// spawning, the initialize handshake with protocol version fallback, crash
// recovery, and request multiplexing, so callers can list and invoke tools
// without re-implementing the JSON-RPC plumbing.
package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-bridge-go/pkg/rpc"
)

// BackendStatus summarizes a backend's pool.
type BackendStatus string

const (
	StatusIdle     BackendStatus = "idle"
	StatusStarting BackendStatus = "starting"
	StatusReady    BackendStatus = "ready"
	StatusFailed   BackendStatus = "failed"
)

// Notification method names the manager reacts to or forwards.
const (
	MethodToolListChanged = "notifications/tools/list_changed"
	MethodProgress        = "notifications/progress"
)

// maxToolPages guards against a backend that never stops paginating.
const maxToolPages = 100

// BackendSummary aggregates status information for a managed backend.
type BackendSummary struct {
	Name            string        `json:"name"`
	Runtime         Runtime       `json:"runtime"`
	Root            string        `json:"root,omitempty"`
	SingleInstance  bool          `json:"singleInstance"`
	Status          BackendStatus `json:"status"`
	ProtocolVersion string        `json:"protocolVersion,omitempty"`
	Processes       PoolStats     `json:"processes"`
	Error           string        `json:"error,omitempty"`
}

// NotificationHandlerFunc receives notifications sent by any backend process.
type NotificationHandlerFunc func(backend string, msg *rpc.Message)

// Manager is the registry of backends and their process pools. It is the
// only owner of child processes: Close terminates every process it spawned.
type Manager struct {
	mu sync.RWMutex

	options    ManagerOptions
	negotiator *Negotiator
	pools      map[string]*Pool
	closed     bool

	handlerMu      sync.RWMutex
	readyHandlers  []func(string)
	failedHandlers []func(string, error)
	notifyHandlers []NotificationHandlerFunc

	trackMu sync.Mutex
	tracked map[*Process]struct{}
}

// NewManager constructs an empty Manager. Callers can provide nil options to
// fall back to sensible defaults.
func NewManager(opts *ManagerOptions) *Manager {
	options := opts.normalized()
	return &Manager{
		options:    options,
		negotiator: newNegotiator(options),
		pools:      make(map[string]*Pool),
		tracked:    make(map[*Process]struct{}),
	}
}

// Options returns the effective options.
func (m *Manager) Options() ManagerOptions { return m.options }

// AddBackend registers a backend. No process is started until the backend
// is warmed or called.
func (m *Manager) AddBackend(b *Backend) error {
	if b == nil || b.Name == "" {
		return fmt.Errorf("mcpmgr: backend name is required")
	}
	if b.Launch == nil {
		return fmt.Errorf("mcpmgr: backend %q has no launch spec", b.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.pools[b.Name]; ok {
		return fmt.Errorf("%w: %s", ErrBackendExists, b.Name)
	}
	m.pools[b.Name] = newPool(b, m.options, m.negotiator, poolHooks{
		onReady:  m.dispatchReady,
		onFailed: m.dispatchFailed,
		onNotify: m.dispatchNotification,
		track:    m.track,
		untrack:  m.untrack,
	})
	return nil
}

// RemoveBackend stops a backend's processes and forgets it.
func (m *Manager) RemoveBackend(ctx context.Context, name string) error {
	m.mu.Lock()
	pool, ok := m.pools[name]
	delete(m.pools, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return pool.Close(ctx)
}

// ListBackends returns known backend names, sorted.
func (m *Manager) ListBackends() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backend returns the descriptor registered under name.
func (m *Manager) Backend(name string) (*Backend, bool) {
	pool, err := m.pool(name)
	if err != nil {
		return nil, false
	}
	return pool.Backend(), true
}

// HasBackend reports whether a backend name is known.
func (m *Manager) HasBackend(name string) bool {
	_, err := m.pool(name)
	return err == nil
}

// Pool exposes the process pool of a backend.
func (m *Manager) Pool(name string) (*Pool, error) { return m.pool(name) }

func (m *Manager) pool(name string) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	pool, ok := m.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return pool, nil
}

// Start warms every backend concurrently. A backend that fails to start does
// not affect the others; the returned error joins all failures.
func (m *Manager) Start(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(m.options.StartConcurrency)
	for _, name := range m.ListBackends() {
		g.Go(func() error {
			if err := m.Warm(ctx, name); err != nil {
				m.options.Logger.Warn("backend failed to start", "backend", name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Warm starts one process of a backend and waits for its handshake.
func (m *Manager) Warm(ctx context.Context, name string) error {
	pool, err := m.pool(name)
	if err != nil {
		return err
	}
	return pool.Warm(ctx)
}

// Call forwards a raw JSON-RPC request to a backend and returns the raw
// result. Backend JSON-RPC errors are returned as *rpc.Error.
func (m *Manager) Call(ctx context.Context, backend, method string, params any) (json.RawMessage, error) {
	pool, err := m.pool(backend)
	if err != nil {
		return nil, err
	}
	return pool.Call(ctx, method, params)
}

// ListTools returns every tool a backend advertises, following pagination.
func (m *Manager) ListTools(ctx context.Context, backend string) ([]*mcp.Tool, error) {
	var (
		tools  []*mcp.Tool
		cursor string
	)
	for page := 0; page < maxToolPages; page++ {
		params := &mcp.ListToolsParams{Cursor: cursor}
		raw, err := m.Call(ctx, backend, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var res mcp.ListToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("mcpmgr: decode tools/list from %s: %w", backend, err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
	return tools, fmt.Errorf("mcpmgr: %s: tools/list exceeded %d pages", backend, maxToolPages)
}

// CallTool invokes a tool by its backend-local name. The backend's result is
// returned verbatim.
func (m *Manager) CallTool(ctx context.Context, backend, tool string, args json.RawMessage) (json.RawMessage, error) {
	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}{Name: tool, Arguments: args}
	return m.Call(ctx, backend, "tools/call", params)
}

// Summaries returns status snapshots for all backends, sorted by name.
func (m *Manager) Summaries() []BackendSummary {
	names := m.ListBackends()
	out := make([]BackendSummary, 0, len(names))
	for _, name := range names {
		if s, ok := m.Summary(name); ok {
			out = append(out, s)
		}
	}
	return out
}

// Summary returns the status snapshot of one backend.
func (m *Manager) Summary(name string) (BackendSummary, bool) {
	pool, err := m.pool(name)
	if err != nil {
		return BackendSummary{}, false
	}
	b := pool.Backend()
	stats := pool.Stats()
	s := BackendSummary{
		Name:            b.Name,
		Runtime:         RuntimeOf(b.Launch),
		Root:            b.Root,
		SingleInstance:  b.SingleInstance,
		ProtocolVersion: b.NegotiatedVersion(),
		Processes:       stats,
	}
	switch {
	case stats.Failed:
		s.Status = StatusFailed
		if err := pool.Err(); err != nil {
			s.Error = err.Error()
		}
	case stats.Ready > 0:
		s.Status = StatusReady
	case stats.Spawning > 0:
		s.Status = StatusStarting
	default:
		s.Status = StatusIdle
	}
	return s, true
}

// OnBackendReady registers a handler invoked every time a backend process
// completes its handshake, including respawns.
func (m *Manager) OnBackendReady(handler func(backend string)) {
	m.handlerMu.Lock()
	m.readyHandlers = append(m.readyHandlers, handler)
	m.handlerMu.Unlock()
}

// OnBackendFailed registers a handler invoked when a backend is marked
// permanently failed.
func (m *Manager) OnBackendFailed(handler func(backend string, err error)) {
	m.handlerMu.Lock()
	m.failedHandlers = append(m.failedHandlers, handler)
	m.handlerMu.Unlock()
}

// OnNotification registers a handler for notifications sent by backends.
// Handlers run on the process read loop and must not block.
func (m *Manager) OnNotification(handler NotificationHandlerFunc) {
	m.handlerMu.Lock()
	m.notifyHandlers = append(m.notifyHandlers, handler)
	m.handlerMu.Unlock()
}

func (m *Manager) dispatchReady(b *Backend) {
	m.handlerMu.RLock()
	handlers := slices.Clone(m.readyHandlers)
	m.handlerMu.RUnlock()
	for _, h := range handlers {
		h(b.Name)
	}
}

func (m *Manager) dispatchFailed(b *Backend, err error) {
	m.handlerMu.RLock()
	handlers := slices.Clone(m.failedHandlers)
	m.handlerMu.RUnlock()
	for _, h := range handlers {
		h(b.Name, err)
	}
}

func (m *Manager) dispatchNotification(b *Backend, msg *rpc.Message) {
	m.handlerMu.RLock()
	handlers := slices.Clone(m.notifyHandlers)
	m.handlerMu.RUnlock()
	for _, h := range handlers {
		h(b.Name, msg)
	}
}

func (m *Manager) track(p *Process) {
	m.trackMu.Lock()
	m.tracked[p] = struct{}{}
	m.trackMu.Unlock()
}

func (m *Manager) untrack(p *Process) {
	m.trackMu.Lock()
	delete(m.tracked, p)
	m.trackMu.Unlock()
}

// LiveProcesses reports how many spawned processes have not yet exited.
func (m *Manager) LiveProcesses() int {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	return len(m.tracked)
}

// Close shuts down every pool and kills any process still running. It is
// safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := make([]*Pool, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool)
	}
	m.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, pool := range pools {
		g.Go(func() error {
			if err := pool.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", pool.Backend().Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.trackMu.Lock()
	stragglers := make([]*Process, 0, len(m.tracked))
	for p := range m.tracked {
		stragglers = append(stragglers, p)
	}
	m.trackMu.Unlock()
	for _, p := range stragglers {
		_ = p.Close()
	}
	return errors.Join(errs...)
}

// CloseTimeout is Close with its own deadline, for deferred cleanup.
func (m *Manager) CloseTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return m.Close(ctx)
}
