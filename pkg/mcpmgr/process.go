package mcpmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vikashloomba/mcp-bridge-go/pkg/rpc"
)

// ProcessState is the lifecycle state of a backend process.
type ProcessState int32

const (
	StateSpawned ProcessState = iota
	StateHandshaking
	StateInitialized
	StateFailed
	StateExited
)

func (s ProcessState) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateHandshaking:
		return "handshaking"
	case StateInitialized:
		return "initialized"
	case StateFailed:
		return "failed"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Child is a running OS process with piped stdio.
type Child interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	PID() int
	// Wait blocks until the process exits and reports how it exited.
	Wait() error
	Kill() error
}

// Spawner starts backend processes.
type Spawner interface {
	Spawn(ctx context.Context, b *Backend) (Child, error)
}

// ExecSpawner launches backends with os/exec. The child's environment is the
// gateway's environment with Backend.Env overlaid.
type ExecSpawner struct {
	// Environ overrides os.Environ as the base environment.
	Environ func() []string
}

func (s ExecSpawner) Spawn(_ context.Context, b *Backend) (Child, error) {
	if b.Launch == nil {
		return nil, &SpawnError{Backend: b.Name, Err: errors.New("no launch spec")}
	}
	name, args := b.Launch.Command()
	if name == "" {
		return nil, &SpawnError{Backend: b.Name, Err: errors.New("empty command")}
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = b.Root
	environ := os.Environ
	if s.Environ != nil {
		environ = s.Environ
	}
	env := environ()
	for k, v := range b.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	commandLine := strings.Join(append([]string{name}, args...), " ")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Backend: b.Name, Command: commandLine, Err: err}
	}
	// Plain os pipes keep stdout readable after Wait returns, so a response
	// written just before exit is not lost.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Backend: b.Name, Command: commandLine, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Backend: b.Name, Command: commandLine, Err: err}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			f.Close()
		}
		return nil, &SpawnError{Backend: b.Name, Command: commandLine, Err: err}
	}
	stdoutW.Close()
	stderrW.Close()
	return &execChild{cmd: cmd, stdin: stdin, stdout: stdoutR, stderr: stderrR}, nil
}

type execChild struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
}

func (c *execChild) Stdin() io.WriteCloser { return c.stdin }
func (c *execChild) Stdout() io.Reader     { return c.stdout }
func (c *execChild) Stderr() io.Reader     { return c.stderr }
func (c *execChild) PID() int              { return c.cmd.Process.Pid }
func (c *execChild) Wait() error           { return c.cmd.Wait() }

func (c *execChild) Kill() error {
	err := c.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

const (
	stderrTailLines = 20
	exitDrainGrace  = 200 * time.Millisecond
)

type processConfig struct {
	logger   *slog.Logger
	rpcLog   RPCLogger
	maxLine  int
	stderr   func(backend, line string)
	onNotify func(*Process, *rpc.Message)
	onExit   func(*Process, *ProcessExitedError)
}

// Process is one running backend child. Requests are multiplexed over its
// stdio and matched to responses purely by id.
type Process struct {
	backend *Backend
	child   Child
	cfg     processConfig
	logger  *slog.Logger
	reader  *LineReader
	started time.Time

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *rpc.Message
	closed    bool

	state   atomic.Int32
	closing atomic.Bool

	versionMu sync.Mutex
	version   string

	tailMu sync.Mutex
	tail   []string

	readDone chan struct{}
	done     chan struct{}
	exitErr  *ProcessExitedError
}

func newProcess(b *Backend, child Child, cfg processConfig) *Process {
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Process{
		backend:  b,
		child:    child,
		cfg:      cfg,
		logger:   logger.With("backend", b.Name, "pid", child.PID()),
		reader:   NewLineReader(child.Stdout(), cfg.maxLine),
		started:  time.Now(),
		pending:  make(map[string]chan *rpc.Message),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.state.Store(int32(StateSpawned))
	go p.readLoop()
	go p.stderrLoop()
	go p.waitLoop()
	return p
}

// Backend returns the descriptor this process was spawned from.
func (p *Process) Backend() *Backend { return p.backend }

// PID returns the OS process id.
func (p *Process) PID() int { return p.child.PID() }

// State returns the current lifecycle state.
func (p *Process) State() ProcessState { return ProcessState(p.state.Load()) }

func (p *Process) setState(s ProcessState) {
	for {
		cur := p.state.Load()
		// Terminal states are sticky.
		if ProcessState(cur) == StateExited || (ProcessState(cur) == StateFailed && s != StateExited) {
			return
		}
		if p.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Version returns the protocol version negotiated by this process.
func (p *Process) Version() string {
	p.versionMu.Lock()
	defer p.versionMu.Unlock()
	return p.version
}

func (p *Process) setVersion(v string) {
	p.versionMu.Lock()
	p.version = v
	p.versionMu.Unlock()
}

// Done is closed once the process has exited and pending calls were failed.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns how the process exited, or nil while it is running.
func (p *Process) ExitErr() *ProcessExitedError {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Uptime reports how long the process has been running.
func (p *Process) Uptime() time.Duration { return time.Since(p.started) }

// Call sends a request and waits for the matching response. A JSON-RPC error
// from the backend is returned as *rpc.Error.
func (p *Process) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg, err := rpc.NewRequest(ulid.Make().String(), method, params)
	if err != nil {
		return nil, err
	}
	key := rpc.IDKey(msg.ID)
	ch := make(chan *rpc.Message, 1)

	p.pendingMu.Lock()
	if p.closed {
		p.pendingMu.Unlock()
		return nil, p.closedErr()
	}
	p.pending[key] = ch
	p.pendingMu.Unlock()
	defer p.forget(key)

	if err := p.Send(msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return responsePayload(resp)
	case <-p.done:
		select {
		case resp := <-ch:
			return responsePayload(resp)
		default:
			return nil, p.exitErr
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", ErrCallTimeout, p.backend.Name, method)
		}
		return nil, ctx.Err()
	}
}

func responsePayload(resp *rpc.Message) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify sends a notification.
func (p *Process) Notify(method string, params any) error {
	msg, err := rpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return p.Send(msg)
}

// Send writes exactly one message followed by a newline.
func (p *Process) Send(msg *rpc.Message) error {
	data, err := rpc.Encode(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	select {
	case <-p.done:
		return p.exitErr
	default:
	}
	if _, err := p.child.Stdin().Write(append(data, '\n')); err != nil {
		if ee := p.ExitErr(); ee != nil {
			return ee
		}
		return fmt.Errorf("%w: write to %s: %v", ErrProcessClosed, p.backend.Name, err)
	}
	p.emit(RPCDirectionSend, data)
	return nil
}

// Close terminates the process. Exits after Close are reported with
// Intentional set.
func (p *Process) Close() error {
	if !p.closing.CompareAndSwap(false, true) {
		return nil
	}
	_ = p.child.Stdin().Close()
	return p.child.Kill()
}

func (p *Process) forget(key string) {
	p.pendingMu.Lock()
	delete(p.pending, key)
	p.pendingMu.Unlock()
}

func (p *Process) closedErr() error {
	if ee := p.ExitErr(); ee != nil {
		return ee
	}
	return fmt.Errorf("%w: %s", ErrProcessClosed, p.backend.Name)
}

func (p *Process) readLoop() {
	defer close(p.readDone)
	for msg, err := range p.reader.Messages() {
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				p.logger.Warn("discarding malformed line from backend", "error", err)
				continue
			}
			if !p.closing.Load() {
				p.logger.Debug("backend stdout closed", "error", err)
			}
			return
		}
		if p.cfg.rpcLog != nil {
			if raw, err := json.Marshal(msg); err == nil {
				p.emit(RPCDirectionReceive, raw)
			}
		}
		switch {
		case msg.IsResponse():
			p.deliver(msg)
		case msg.IsRequest():
			go p.answer(msg)
		case msg.IsNotification():
			if p.cfg.onNotify != nil {
				p.cfg.onNotify(p, msg)
			}
		default:
			p.logger.Warn("ignoring unclassifiable message from backend")
		}
	}
}

func (p *Process) deliver(msg *rpc.Message) {
	key := rpc.IDKey(msg.ID)
	p.pendingMu.Lock()
	ch, ok := p.pending[key]
	delete(p.pending, key)
	p.pendingMu.Unlock()
	if !ok {
		// Late response to an abandoned call.
		p.logger.Debug("dropping response for unknown request", "id", string(msg.ID))
		return
	}
	ch <- msg
}

// answer replies to requests a backend sends to the gateway. Only ping is
// supported.
func (p *Process) answer(req *rpc.Message) {
	var resp *rpc.Message
	if req.Method == "ping" {
		resp, _ = rpc.NewResult(req.ID, nil)
	} else {
		resp = rpc.NewErrorResponse(req.ID, rpc.NewError(rpc.CodeMethodNotFound, "method not found: "+req.Method, nil))
	}
	if err := p.Send(resp); err != nil {
		p.logger.Debug("reply to backend request failed", "method", req.Method, "error", err)
	}
}

func (p *Process) stderrLoop() {
	scanner := bufio.NewScanner(p.child.Stderr())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.tailMu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.tailMu.Unlock()
		p.logger.Debug("backend stderr", "line", line)
		if p.cfg.stderr != nil {
			p.cfg.stderr(p.backend.Name, line)
		}
	}
}

func (p *Process) waitLoop() {
	waitErr := p.child.Wait()
	select {
	case <-p.readDone:
	case <-time.After(exitDrainGrace):
	}
	// A grandchild may still hold the pipes open.
	for _, r := range []io.Reader{p.child.Stdout(), p.child.Stderr()} {
		if c, ok := r.(io.Closer); ok {
			_ = c.Close()
		}
	}
	code, signal := exitDetails(waitErr)
	p.tailMu.Lock()
	tail := strings.Join(p.tail, "\n")
	p.tailMu.Unlock()
	exitErr := &ProcessExitedError{
		Backend:     p.backend.Name,
		PID:         p.child.PID(),
		ExitCode:    code,
		Signal:      signal,
		Stderr:      tail,
		Intentional: p.closing.Load(),
	}

	p.pendingMu.Lock()
	p.closed = true
	p.pending = make(map[string]chan *rpc.Message)
	p.exitErr = exitErr
	p.pendingMu.Unlock()
	p.setState(StateExited)
	close(p.done)

	if exitErr.Intentional {
		p.logger.Debug("backend process stopped")
	} else {
		p.logger.Warn("backend process exited", "code", code, "signal", signal)
	}
	if p.cfg.onExit != nil {
		p.cfg.onExit(p, exitErr)
	}
}

func (p *Process) emit(direction RPCDirection, data []byte) {
	if p.cfg.rpcLog == nil {
		return
	}
	p.cfg.rpcLog(RPCLogEvent{
		Direction: direction,
		Message:   append([]byte(nil), data...),
		Backend:   p.backend.Name,
		PID:       p.child.PID(),
	})
}

// exitDetails extracts the exit code and terminating signal, if any. The code
// is -1 when unknown.
func exitDetails(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, ws.Signal().String()
		}
		return exitErr.ExitCode(), ""
	}
	var signaled interface{ ExitSignal() string }
	if errors.As(err, &signaled) && signaled.ExitSignal() != "" {
		return -1, signaled.ExitSignal()
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode(), ""
	}
	return -1, ""
}
