package discovery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
)

// ReadyMarker, printed on its own line by a setup script, accepts the backend
// without waiting for the script to exit.
const ReadyMarker = "MCP_SETUP_READY"

// Environment variables every setup script receives.
const (
	EnvBackendName = "MCP_BACKEND_NAME"
	EnvBackendPath = "MCP_BACKEND_PATH"
)

// baseEnv are gateway variables passed to setup scripts even when PassEnv
// narrows the environment.
var baseEnv = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR", "SHELL", "TERM"}

const setupTailLines = 20

// SetupError reports a setup script that failed or timed out.
type SetupError struct {
	Backend  string
	Script   string
	ExitCode int
	TimedOut bool
	// Output holds the last lines the script printed.
	Output string
	Err    error
}

func (e *SetupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "discovery: setup %s for %q", e.Script, e.Backend)
	switch {
	case e.TimedOut:
		b.WriteString(" timed out")
	case e.ExitCode >= 0:
		fmt.Fprintf(&b, " exited with code %d", e.ExitCode)
	case e.Err != nil:
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Output != "" {
		fmt.Fprintf(&b, ": %s", e.Output)
	}
	return b.String()
}

func (e *SetupError) Unwrap() error { return e.Err }

// SetupEnv builds the environment for b's setup script: the gateway's own
// environment, the standard backend variables and finally b.Env. A non-empty
// opts.PassEnv narrows the gateway part to baseEnv plus the matching names.
func SetupEnv(b *mcpmgr.Backend, opts Options) []string {
	opts = opts.withDefaults()
	vars := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := vars[k]; !ok {
			order = append(order, k)
		}
		vars[k] = v
	}
	for _, kv := range opts.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if len(opts.PassEnv) == 0 || matchesAny(k, baseEnv) || matchesAny(k, opts.PassEnv) {
			set(k, v)
		}
	}
	set(EnvBackendName, b.Name)
	set(EnvBackendPath, b.Root)
	for k, v := range b.Env {
		set(k, v)
	}
	env := make([]string, 0, len(order))
	for _, k := range order {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// RunSetup runs b's setup script. It succeeds when the script exits zero or
// prints ReadyMarker before opts.SetupTimeout; a script that signalled ready
// keeps running and is reaped in the background.
func RunSetup(ctx context.Context, b *mcpmgr.Backend, opts Options) error {
	opts = opts.withDefaults()
	if b.SetupScript == "" {
		return nil
	}
	logger := opts.Logger.With("backend", b.Name, "script", b.SetupScript)

	cmd := exec.Command(b.SetupScript)
	cmd.Dir = b.Root
	cmd.Env = SetupEnv(b, opts)
	// An io.Pipe plus WaitDelay keeps Wait bounded even when the script
	// leaves a background child holding its output open.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		pw.Close()
		return &SetupError{Backend: b.Name, Script: b.SetupScript, ExitCode: -1, Err: err}
	}
	logger.Info("running backend setup")

	var (
		tailMu sync.Mutex
		tail   []string
	)
	ready := make(chan struct{})
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		var once sync.Once
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			line := scanner.Text()
			logger.Debug("setup output", "line", line)
			if strings.TrimSpace(line) == ReadyMarker {
				once.Do(func() { close(ready) })
				continue
			}
			tailMu.Lock()
			tail = append(tail, line)
			if len(tail) > setupTailLines {
				tail = tail[len(tail)-setupTailLines:]
			}
			tailMu.Unlock()
		}
		// Keep the pipe drained so the script never blocks on output.
		_, _ = io.Copy(io.Discard, pr)
	}()
	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		exited <- err
	}()

	output := func() string {
		tailMu.Lock()
		defer tailMu.Unlock()
		return strings.Join(tail, "\n")
	}
	timer := time.NewTimer(opts.SetupTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		logger.Info("backend setup signalled ready")
		go func() {
			if err := <-exited; err != nil {
				logger.Debug("setup exited after ready", "error", err)
			}
		}()
		return nil
	case err := <-exited:
		<-scanned
		select {
		case <-ready:
			return nil
		default:
		}
		if err == nil {
			logger.Info("backend setup finished")
			return nil
		}
		se := &SetupError{Backend: b.Name, Script: b.SetupScript, ExitCode: -1, Output: output(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			se.ExitCode = exitErr.ExitCode()
		}
		return se
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-exited
		return &SetupError{Backend: b.Name, Script: b.SetupScript, ExitCode: -1, TimedOut: true, Output: output(),
			Err: context.DeadlineExceeded}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
		return &SetupError{Backend: b.Name, Script: b.SetupScript, ExitCode: -1, Output: output(), Err: ctx.Err()}
	}
}
