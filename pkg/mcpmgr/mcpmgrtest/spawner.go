package mcpmgrtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
)

// ExitError reports how a fake child exited.
type ExitError struct {
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return "signal: " + e.Signal
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) ExitCode() int      { return e.Code }
func (e *ExitError) ExitSignal() string { return e.Signal }

// ErrSpawnRefused is returned for spawns configured to fail.
var ErrSpawnRefused = errors.New("mcpmgrtest: spawn refused")

// Spawner is an mcpmgr.Spawner that runs Servers in goroutines connected by
// in-memory pipes.
type Spawner struct {
	// Servers maps backend names to the server each spawn runs.
	Servers map[string]*Server

	nextPID atomic.Int64

	mu       sync.Mutex
	failures map[string]int
	spawned  map[string]int
	live     map[string][]*child
	maxLive  map[string]int
}

// NewSpawner returns a spawner serving the given backends.
func NewSpawner(servers map[string]*Server) *Spawner {
	s := &Spawner{
		Servers:  servers,
		failures: make(map[string]int),
		spawned:  make(map[string]int),
		live:     make(map[string][]*child),
		maxLive:  make(map[string]int),
	}
	s.nextPID.Store(1000)
	return s
}

var _ mcpmgr.Spawner = (*Spawner)(nil)

// FailNext makes the next n spawns of backend fail.
func (s *Spawner) FailNext(backend string, n int) {
	s.mu.Lock()
	s.failures[backend] = n
	s.mu.Unlock()
}

// Spawned counts successful spawns of backend.
func (s *Spawner) Spawned(backend string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[backend]
}

// Live counts running children of backend.
func (s *Spawner) Live(backend string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live[backend])
}

// MaxLive is the largest number of children of backend that ran at once.
func (s *Spawner) MaxLive(backend string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxLive[backend]
}

// Crash kills every running child of backend as if it died on its own.
func (s *Spawner) Crash(backend string) int {
	s.mu.Lock()
	children := append([]*child(nil), s.live[backend]...)
	s.mu.Unlock()
	for _, c := range children {
		c.finish(&ExitError{Code: 137})
	}
	return len(children)
}

func (s *Spawner) Spawn(ctx context.Context, b *mcpmgr.Backend) (mcpmgr.Child, error) {
	srv, ok := s.Servers[b.Name]
	if !ok {
		return nil, &mcpmgr.SpawnError{Backend: b.Name, Command: "fake", Err: fmt.Errorf("no fake server for %q", b.Name)}
	}
	s.mu.Lock()
	if s.failures[b.Name] > 0 {
		s.failures[b.Name]--
		s.mu.Unlock()
		return nil, &mcpmgr.SpawnError{Backend: b.Name, Command: "fake", Err: ErrSpawnRefused}
	}
	s.mu.Unlock()

	c := newChild(int(s.nextPID.Add(1)))
	c.onExit = func() { s.remove(b.Name, c) }
	s.mu.Lock()
	s.spawned[b.Name]++
	s.live[b.Name] = append(s.live[b.Name], c)
	if n := len(s.live[b.Name]); n > s.maxLive[b.Name] {
		s.maxLive[b.Name] = n
	}
	s.mu.Unlock()

	inst := &Instance{ID: c.pid, exit: func(code int) { c.finish(&ExitError{Code: code}) }}
	go func() {
		code := srv.Serve(context.Background(), c.stdinR, c.stdoutW, c.stderrW, inst)
		var err error
		if code != 0 {
			err = &ExitError{Code: code}
		}
		c.finish(err)
	}()
	return c, nil
}

// remove drops c from the live set. It runs before c's Wait returns, so a
// respawn triggered by the exit never sees c as live.
func (s *Spawner) remove(backend string, c *child) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.live[backend]
	for i, candidate := range list {
		if candidate == c {
			s.live[backend] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

type child struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	once   sync.Once
	done   chan struct{}
	err    error
	onExit func()
}

func newChild(pid int) *child {
	c := &child{pid: pid, done: make(chan struct{})}
	c.stdinR, c.stdinW = io.Pipe()
	c.stdoutR, c.stdoutW = io.Pipe()
	c.stderrR, c.stderrW = io.Pipe()
	return c
}

func (c *child) Stdin() io.WriteCloser { return c.stdinW }
func (c *child) Stdout() io.Reader     { return c.stdoutR }
func (c *child) Stderr() io.Reader     { return c.stderrR }
func (c *child) PID() int              { return c.pid }

func (c *child) Wait() error {
	<-c.done
	return c.err
}

func (c *child) Kill() error {
	c.finish(&ExitError{Code: -1, Signal: "killed"})
	return nil
}

func (c *child) finish(err error) {
	c.once.Do(func() {
		c.err = err
		_ = c.stdinR.CloseWithError(io.ErrClosedPipe)
		_ = c.stdoutW.Close()
		_ = c.stderrW.Close()
		if c.onExit != nil {
			c.onExit()
		}
		close(c.done)
	})
}
