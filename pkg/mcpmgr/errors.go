package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vikashloomba/mcp-bridge-go/pkg/rpc"
)

var (
	ErrUnknownBackend = errors.New("mcpmgr: unknown backend")
	ErrBackendExists  = errors.New("mcpmgr: backend already registered")
	ErrBackendFailed  = errors.New("mcpmgr: backend permanently failed")
	ErrPoolClosed     = errors.New("mcpmgr: pool closed")
	ErrManagerClosed  = errors.New("mcpmgr: manager closed")
	ErrProcessClosed  = errors.New("mcpmgr: process closed")
	ErrCallTimeout    = errors.New("mcpmgr: call timed out")
	ErrLineTooLong    = errors.New("mcpmgr: line exceeds maximum size")
)

// ProcessExitedError is returned to every call that was pending on a process
// when it exited.
type ProcessExitedError struct {
	Backend  string
	PID      int
	ExitCode int
	Signal   string
	// Stderr holds the last lines the process wrote to stderr.
	Stderr string
	// Intentional is set when the gateway itself terminated the process.
	Intentional bool
}

func (e *ProcessExitedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mcpmgr: backend %q process %d exited", e.Backend, e.PID)
	switch {
	case e.Signal != "":
		fmt.Fprintf(&b, " (signal %s)", e.Signal)
	case e.ExitCode >= 0:
		fmt.Fprintf(&b, " (code %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, ": %s", e.Stderr)
	}
	return b.String()
}

// Is lets errors.Is(err, ErrProcessClosed) match any exit.
func (e *ProcessExitedError) Is(target error) bool { return target == ErrProcessClosed }

// HandshakeError reports that no candidate protocol version was accepted.
type HandshakeError struct {
	Backend string
	Tried   []string
	Err     error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("mcpmgr: handshake with %q failed after trying %s: %v",
		e.Backend, strings.Join(e.Tried, ", "), e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// SpawnError wraps a failure to start a backend process.
type SpawnError struct {
	Backend string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("mcpmgr: spawn %q (%s): %v", e.Backend, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// DecodeError reports a stdout line that could not be parsed. Reading
// continues after it.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	const max = 120
	line := string(e.Line)
	if len(line) > max {
		line = line[:max] + "..."
	}
	if line == "" {
		return fmt.Sprintf("mcpmgr: decode: %v", e.Err)
	}
	return fmt.Sprintf("mcpmgr: decode %q: %v", line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AsRPCError maps an error from the manager into a well-formed JSON-RPC error.
// Manager state takes precedence: a *rpc.Error is passed through unchanged
// only when it is the backend's reply to this call, not when it is the cause
// recorded inside a handshake or permanent failure.
func AsRPCError(err error) *rpc.Error {
	if err == nil {
		return nil
	}
	var (
		exited *ProcessExitedError
		hs     *HandshakeError
		rpcErr *rpc.Error
	)
	switch {
	case errors.Is(err, ErrBackendFailed), errors.Is(err, ErrPoolClosed), errors.Is(err, ErrManagerClosed):
		return rpc.NewError(rpc.CodeBackendUnavailable, err.Error(), nil)
	case errors.Is(err, ErrUnknownBackend):
		return rpc.NewError(rpc.CodeInvalidParams, err.Error(), nil)
	case errors.As(err, &hs):
		return rpc.NewError(rpc.CodeInternalError, err.Error(), map[string]any{"backend": hs.Backend})
	case errors.As(err, &exited):
		return rpc.NewError(rpc.CodeInternalError, err.Error(), map[string]any{
			"backend":   exited.Backend,
			"retryable": true,
		})
	case errors.Is(err, ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return rpc.NewError(rpc.CodeCallTimeout, err.Error(), map[string]any{"retryable": true})
	case errors.As(err, &rpcErr):
		return rpcErr
	default:
		return rpc.NewError(rpc.CodeInternalError, err.Error(), nil)
	}
}
