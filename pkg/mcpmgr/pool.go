package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vikashloomba/mcp-bridge-go/pkg/rpc"
)

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	// Ready counts initialized processes in rotation.
	Ready int `json:"ready"`
	// Busy counts ready processes with at least one call in flight.
	Busy int `json:"busy"`
	// InFlight is the total number of leased calls.
	InFlight int `json:"inFlight"`
	// Spawning counts processes being started or handshaking.
	Spawning int  `json:"spawning"`
	Max      int  `json:"max"`
	Failed   bool `json:"failed"`
	Restarts int  `json:"restarts"`
}

type poolHooks struct {
	onReady  func(*Backend)
	onFailed func(*Backend, error)
	onNotify func(*Backend, *rpc.Message)
	track    func(*Process)
	untrack  func(*Process)
}

// Pool owns the processes of one backend. A single-instance pool holds at
// most one process, spawning or live, and leases it to one call at a time.
// A multi-instance pool routes each call to the least-busy ready process and
// grows on demand up to its cap.
type Pool struct {
	backend    *Backend
	opts       ManagerOptions
	negotiator *Negotiator
	hooks      poolHooks
	logger     *slog.Logger
	max        int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	procs    []*Process
	leases   map[*Process]int
	spawning int
	next     int
	restarts int
	failed   error
	closed   bool
	// changed is closed and replaced whenever waiters should re-check.
	changed chan struct{}
}

func newPool(b *Backend, opts ManagerOptions, negotiator *Negotiator, hooks poolHooks) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		backend:    b,
		opts:       opts,
		negotiator: negotiator,
		hooks:      hooks,
		logger:     opts.Logger.With("backend", b.Name),
		max:        b.maxInstances(opts.MaxInstances),
		ctx:        ctx,
		cancel:     cancel,
		leases:     make(map[*Process]int),
		changed:    make(chan struct{}),
	}
}

// Backend returns the pool's backend descriptor.
func (p *Pool) Backend() *Backend { return p.backend }

// Acquire leases a ready process, spawning one if needed, and blocks until
// one is available, ctx ends, or the backend fails permanently. Every
// successful Acquire must be paired with Release.
func (p *Pool) Acquire(ctx context.Context) (*Process, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.failed != nil {
			err := p.failed
			p.mu.Unlock()
			return nil, err
		}
		if proc := p.pickLocked(); proc != nil {
			p.leases[proc]++
			p.mu.Unlock()
			return proc, nil
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// pickLocked chooses a process for a new call and starts a spawn when the
// pool should grow. It returns nil when the caller has to wait.
func (p *Pool) pickLocked() *Process {
	var best *Process
	bestLeases := 0
	n := len(p.procs)
	for i := 0; i < n; i++ {
		proc := p.procs[(p.next+i)%n]
		if proc.State() != StateInitialized {
			continue
		}
		leases := p.leases[proc]
		if best == nil || leases < bestLeases {
			best, bestLeases = proc, leases
		}
	}
	live := len(p.procs) + p.spawning

	if p.backend.SingleInstance {
		if best == nil && live == 0 {
			p.startSpawnLocked()
		}
		if best != nil && bestLeases == 0 {
			return best
		}
		return nil
	}

	if (best == nil || bestLeases > 0) && p.spawning == 0 && live < p.max {
		p.startSpawnLocked()
	}
	if best == nil {
		return nil
	}
	if n > 0 {
		p.next = (p.next + 1) % n
	}
	return best
}

// Release returns a lease taken by Acquire.
func (p *Pool) Release(proc *Process) {
	p.mu.Lock()
	if n := p.leases[proc]; n <= 1 {
		delete(p.leases, proc)
	} else {
		p.leases[proc] = n - 1
	}
	p.broadcastLocked()
	p.mu.Unlock()
}

// Call leases a process, forwards one request and returns the raw result.
// The whole operation, including waiting for a process, is bounded by the
// backend's call timeout.
func (p *Pool) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	timeout := p.opts.CallTimeout
	if p.backend.CallTimeout > 0 {
		timeout = p.backend.CallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc, err := p.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s: no process available", ErrCallTimeout, p.backend.Name, method)
		}
		return nil, err
	}
	defer p.Release(proc)
	return proc.Call(ctx, method, params)
}

// Warm ensures at least one initialized process exists.
func (p *Pool) Warm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if p.failed != nil {
			err := p.failed
			p.mu.Unlock()
			return err
		}
		for _, proc := range p.procs {
			if proc.State() == StateInitialized {
				p.mu.Unlock()
				return nil
			}
		}
		if len(p.procs)+p.spawning == 0 {
			p.startSpawnLocked()
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Stats returns current counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStats{
		Spawning: p.spawning,
		Max:      p.max,
		Failed:   p.failed != nil,
		Restarts: p.restarts,
	}
	for _, proc := range p.procs {
		if proc.State() != StateInitialized {
			continue
		}
		st.Ready++
		if n := p.leases[proc]; n > 0 {
			st.Busy++
			st.InFlight += n
		}
	}
	return st
}

// Err returns the permanent failure, if any.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// Processes returns a snapshot of the live processes.
func (p *Pool) Processes() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Process(nil), p.procs...)
}

// Close terminates every process and waits for them to exit or ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	procs := append([]*Process(nil), p.procs...)
	p.broadcastLocked()
	p.mu.Unlock()

	p.cancel()
	for _, proc := range procs {
		_ = proc.Close()
	}
	for _, proc := range procs {
		select {
		case <-proc.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) startSpawnLocked() {
	p.spawning++
	p.wg.Add(1)
	go p.spawnLoop()
}

// spawnLoop starts one process, retrying with exponential backoff. After
// MaxSpawnAttempts consecutive failures with no other live process the pool
// is marked permanently failed.
func (p *Pool) spawnLoop() {
	defer p.wg.Done()
	backoff := p.opts.SpawnBackoff
	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxSpawnAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-p.ctx.Done():
				p.finishSpawn(nil, p.ctx.Err())
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, p.opts.MaxSpawnBackoff)
		}
		proc, err := p.spawnOne()
		if err == nil {
			p.finishSpawn(proc, nil)
			return
		}
		lastErr = err
		if p.ctx.Err() != nil {
			break
		}
		p.logger.Warn("backend spawn failed", "attempt", attempt, "max_attempts", p.opts.MaxSpawnAttempts, "error", err)
	}
	p.finishSpawn(nil, lastErr)
}

func (p *Pool) spawnOne() (*Process, error) {
	child, err := p.opts.Spawner.Spawn(p.ctx, p.backend)
	if err != nil {
		return nil, err
	}
	proc := newProcess(p.backend, child, processConfig{
		logger:   p.opts.Logger,
		rpcLog:   p.rpcLogger(),
		maxLine:  p.opts.MaxLineSize,
		stderr:   p.opts.Stderr,
		onNotify: p.handleNotify,
		onExit:   p.handleExit,
	})
	if p.hooks.track != nil {
		p.hooks.track(proc)
	}
	if _, err := p.negotiator.Handshake(p.ctx, proc); err != nil {
		_ = proc.Close()
		// The replacement must not overlap the failed process.
		<-proc.Done()
		return nil, err
	}
	return proc, nil
}

func (p *Pool) finishSpawn(proc *Process, err error) {
	p.mu.Lock()
	p.spawning--
	if proc != nil {
		if p.closed {
			p.mu.Unlock()
			_ = proc.Close()
			return
		}
		if proc.State() == StateExited {
			// Died between handshake and registration.
			if p.failed == nil && !p.opts.DisableRespawn && len(p.procs)+p.spawning < p.max {
				p.restarts++
				p.startSpawnLocked()
			}
			p.broadcastLocked()
			p.mu.Unlock()
			return
		}
		p.procs = append(p.procs, proc)
		p.broadcastLocked()
		p.mu.Unlock()
		if p.hooks.onReady != nil {
			p.hooks.onReady(p.backend)
		}
		return
	}
	permanent := !p.closed && len(p.procs)+p.spawning == 0
	if permanent {
		p.failed = fmt.Errorf("%w: %s: %w", ErrBackendFailed, p.backend.Name, err)
	}
	p.broadcastLocked()
	failure := p.failed
	p.mu.Unlock()
	if permanent {
		p.logger.Error("backend marked failed", "error", err)
		if p.hooks.onFailed != nil {
			p.hooks.onFailed(p.backend, failure)
		}
	}
}

func (p *Pool) handleExit(proc *Process, exitErr *ProcessExitedError) {
	if p.hooks.untrack != nil {
		p.hooks.untrack(proc)
	}
	p.mu.Lock()
	idx := -1
	for i, candidate := range p.procs {
		if candidate == proc {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Exited during its handshake; spawnLoop handles the retry.
		p.mu.Unlock()
		return
	}
	p.procs = append(p.procs[:idx], p.procs[idx+1:]...)
	delete(p.leases, proc)
	respawn := !p.closed && p.failed == nil && !exitErr.Intentional && !p.opts.DisableRespawn &&
		len(p.procs)+p.spawning < p.max
	if respawn {
		p.restarts++
		p.startSpawnLocked()
	}
	p.broadcastLocked()
	p.mu.Unlock()
	if respawn {
		p.logger.Info("respawning crashed backend process", "pid", proc.PID())
	}
}

func (p *Pool) handleNotify(proc *Process, msg *rpc.Message) {
	if p.hooks.onNotify != nil {
		p.hooks.onNotify(p.backend, msg)
	}
}

func (p *Pool) rpcLogger() RPCLogger {
	if p.opts.RPCLogger != nil {
		return p.opts.RPCLogger
	}
	if !p.opts.LogJSONRPC {
		return nil
	}
	logger := p.opts.Logger
	return func(ev RPCLogEvent) {
		logger.Debug("jsonrpc", "backend", ev.Backend, "pid", ev.PID, "direction", ev.Direction, "message", string(ev.Message))
	}
}
