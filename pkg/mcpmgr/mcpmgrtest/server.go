// Package mcpmgrtest provides an in-memory MCP backend for tests. Server
// speaks newline-delimited JSON-RPC over any reader/writer pair and Spawner
// plugs it into mcpmgr in place of real subprocesses.
package mcpmgrtest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-bridge-go/pkg/rpc"
)

// ToolFunc implements a tool. Returning a string produces a single text
// content item; any other value is used as the raw result. A *rpc.Error is
// sent back as-is.
type ToolFunc func(ctx context.Context, call *Call) (any, error)

// Call is one tools/call invocation.
type Call struct {
	Arguments map[string]any
	Meta      map[string]any
	Instance  *Instance
}

// Tool is a tool definition plus its handler.
type Tool struct {
	Name        string
	Description string
	// InputSchema defaults to an empty object schema.
	InputSchema *jsonschema.Schema
	Handler     ToolFunc
}

// Server is a scriptable backend.
type Server struct {
	// Versions the server accepts; defaults to mcpmgr.DefaultProtocolVersions.
	Versions []string
	// AnswerVersion, when set, is returned from every initialize.
	AnswerVersion string
	// SilentVersions are initialize versions that never get an answer.
	SilentVersions []string
	// RequireInitialized rejects tools/* until notifications/initialized.
	RequireInitialized bool
	// PageSize splits tools/list into pages when positive.
	PageSize int
	// StderrBanner is written to stderr on start.
	StderrBanner string

	mu    sync.RWMutex
	tools []Tool

	initializes atomic.Int64
}

// NewServer returns a server exposing tools.
func NewServer(tools ...Tool) *Server {
	return &Server{tools: tools}
}

// AddTool adds or replaces a tool.
func (s *Server) AddTool(t Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tools {
		if s.tools[i].Name == t.Name {
			s.tools[i] = t
			return
		}
	}
	s.tools = append(s.tools, t)
}

// Initializes counts initialize requests received across all instances.
func (s *Server) Initializes() int64 { return s.initializes.Load() }

func (s *Server) tool(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

func (s *Server) toolList() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Tool(nil), s.tools...)
}

// Instance is the per-process state of a running server.
type Instance struct {
	ID int

	counter     atomic.Int64
	initialized atomic.Bool

	writeMu sync.Mutex
	out     io.Writer

	exitOnce sync.Once
	exit     func(code int)
}

// Next increments and returns the instance-local counter.
func (i *Instance) Next() int64 { return i.counter.Add(1) }

// Notify writes a notification to the gateway.
func (i *Instance) Notify(method string, params any) {
	msg, err := rpc.NewNotification(method, params)
	if err != nil {
		return
	}
	i.write(msg)
}

// Exit terminates the instance with code, as if the process died.
func (i *Instance) Exit(code int) {
	i.exitOnce.Do(func() {
		if i.exit != nil {
			i.exit(code)
		}
	})
}

func (i *Instance) write(msg *rpc.Message) {
	data, err := rpc.Encode(msg)
	if err != nil {
		return
	}
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	_, _ = i.out.Write(append(data, '\n'))
}

// Serve handles requests from in until it is closed, writing responses to
// out. It returns the exit code requested through Instance.Exit, or 0.
func (s *Server) Serve(ctx context.Context, in io.Reader, out, errOut io.Writer, inst *Instance) int {
	inst.out = out
	exitCode := make(chan int, 1)
	prevExit := inst.exit
	inst.exit = func(code int) {
		exitCode <- code
		if prevExit != nil {
			prevExit(code)
		}
	}
	if s.StderrBanner != "" && errOut != nil {
		fmt.Fprintln(errOut, s.StderrBanner)
	}

	var wg sync.WaitGroup
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)
	for scanner.Scan() {
		msg, err := rpc.Decode(scanner.Bytes())
		if err != nil {
			inst.write(rpc.NewErrorResponse(nil, rpc.NewError(rpc.CodeParseError, err.Error(), nil)))
			continue
		}
		if msg.IsNotification() {
			if msg.Method == "notifications/initialized" {
				inst.initialized.Store(true)
			}
			continue
		}
		if !msg.IsRequest() {
			continue
		}
		if msg.Method == "tools/call" {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleCall(ctx, inst, msg)
			}()
			continue
		}
		s.handle(inst, msg)
	}
	wg.Wait()
	select {
	case code := <-exitCode:
		return code
	default:
		return 0
	}
}

func (s *Server) handle(inst *Instance, msg *rpc.Message) {
	switch msg.Method {
	case "initialize":
		s.initializes.Add(1)
		var params struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		if slices.Contains(s.SilentVersions, params.ProtocolVersion) {
			return
		}
		version := params.ProtocolVersion
		if s.AnswerVersion != "" {
			version = s.AnswerVersion
		} else {
			versions := s.Versions
			if len(versions) == 0 {
				versions = mcpmgr.DefaultProtocolVersions
			}
			if !slices.Contains(versions, version) {
				inst.write(rpc.NewErrorResponse(msg.ID, rpc.NewError(rpc.CodeInvalidParams,
					"unsupported protocol version "+version, nil)))
				return
			}
		}
		s.reply(inst, msg, map[string]any{
			"protocolVersion": version,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
			"serverInfo":      map[string]any{"name": "fake", "version": "0.0.1"},
		})
	case "ping":
		s.reply(inst, msg, map[string]any{})
	case "tools/list":
		if s.RequireInitialized && !inst.initialized.Load() {
			inst.write(rpc.NewErrorResponse(msg.ID, rpc.NewError(rpc.CodeInvalidRequest, "not initialized", nil)))
			return
		}
		s.reply(inst, msg, s.listPage(msg.Params))
	default:
		inst.write(rpc.NewErrorResponse(msg.ID, rpc.NewError(rpc.CodeMethodNotFound, "method not found: "+msg.Method, nil)))
	}
}

func (s *Server) listPage(rawParams json.RawMessage) map[string]any {
	var params struct {
		Cursor string `json:"cursor"`
	}
	_ = json.Unmarshal(rawParams, &params)
	all := s.toolList()
	start, _ := strconv.Atoi(params.Cursor)
	start = max(0, min(start, len(all)))
	end := len(all)
	if s.PageSize > 0 && start+s.PageSize < end {
		end = start + s.PageSize
	}
	tools := make([]map[string]any, 0, end-start)
	for _, t := range all[start:end] {
		schema := t.InputSchema
		if schema == nil {
			schema = &jsonschema.Schema{Type: "object"}
		}
		tools = append(tools, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": schema,
		})
	}
	res := map[string]any{"tools": tools}
	if end < len(all) {
		res["nextCursor"] = strconv.Itoa(end)
	}
	return res
}

func (s *Server) handleCall(ctx context.Context, inst *Instance, msg *rpc.Message) {
	if s.RequireInitialized && !inst.initialized.Load() {
		inst.write(rpc.NewErrorResponse(msg.ID, rpc.NewError(rpc.CodeInvalidRequest, "not initialized", nil)))
		return
	}
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
		Meta      map[string]any `json:"_meta"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		inst.write(rpc.NewErrorResponse(msg.ID, rpc.NewError(rpc.CodeInvalidParams, err.Error(), nil)))
		return
	}
	tool, ok := s.tool(params.Name)
	if !ok {
		inst.write(rpc.NewErrorResponse(msg.ID, rpc.NewError(rpc.CodeInvalidParams, "unknown tool: "+params.Name, nil)))
		return
	}
	res, err := tool.Handler(ctx, &Call{Arguments: params.Arguments, Meta: params.Meta, Instance: inst})
	if err != nil {
		var rpcErr *rpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = rpc.NewError(rpc.CodeInternalError, err.Error(), nil)
		}
		inst.write(rpc.NewErrorResponse(msg.ID, rpcErr))
		return
	}
	if res == noReplyResult {
		return
	}
	if text, ok := res.(string); ok {
		res = TextResult(text)
	}
	s.reply(inst, msg, res)
}

func (s *Server) reply(inst *Instance, req *rpc.Message, result any) {
	msg, err := rpc.NewResult(req.ID, result)
	if err != nil {
		inst.write(rpc.NewErrorResponse(req.ID, rpc.NewError(rpc.CodeInternalError, err.Error(), nil)))
		return
	}
	inst.write(msg)
}

// TextResult builds a tools/call result with one text item.
func TextResult(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}

type noReply struct{}

// noReplyResult is returned by tools that must not answer.
var noReplyResult any = noReply{}

// ServeStdio runs s over the current process's stdio and returns the exit
// code. It is meant for re-executed test binaries.
func ServeStdio(s *Server) int {
	inst := &Instance{ID: os.Getpid(), exit: os.Exit}
	return s.Serve(context.Background(), os.Stdin, os.Stdout, os.Stderr, inst)
}

// sleep pauses for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
