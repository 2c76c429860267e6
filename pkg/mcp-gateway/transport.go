package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-bridge-go/pkg/rpc"
)

// responseFormat is the framing chosen for a POST response.
type responseFormat int

const (
	formatJSON responseFormat = iota
	formatEventStream
)

const (
	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"
)

// negotiateFormat picks the response framing from an Accept header. An
// absent header accepts JSON. ok is false when neither framing is acceptable.
func negotiateFormat(accept string, preferEventStream bool) (responseFormat, bool) {
	if strings.TrimSpace(accept) == "" {
		return formatJSON, true
	}
	var jsonOK, sseOK bool
	for _, part := range strings.Split(accept, ",") {
		mediaType, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
		if rejectsRange(params) {
			continue
		}
		switch mediaType {
		case contentTypeJSON, "application/*":
			jsonOK = true
		case contentTypeEventStream, "text/*":
			sseOK = true
		case "*/*":
			jsonOK, sseOK = true, true
		}
	}
	switch {
	case jsonOK && sseOK:
		if preferEventStream {
			return formatEventStream, true
		}
		return formatJSON, true
	case jsonOK:
		return formatJSON, true
	case sseOK:
		return formatEventStream, true
	}
	return formatJSON, false
}

// rejectsRange reports a q=0 parameter.
func rejectsRange(params string) bool {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "q") {
			v = strings.TrimSpace(v)
			return strings.Trim(v, "0.") == "" && v != ""
		}
	}
	return false
}

func (g *Gateway) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.handlePost(w, r)
	case http.MethodDelete:
		g.handleDelete(w, r)
	case http.MethodGet:
		// No backend pushes server-initiated messages, so there is no
		// standalone stream to offer.
		w.Header().Set("Allow", "POST, DELETE")
		writeRPCError(w, http.StatusMethodNotAllowed, nil,
			rpc.NewError(rpc.CodeInvalidRequest, "server-initiated stream not supported", nil))
	default:
		w.Header().Set("Allow", "POST, DELETE")
		writeRPCError(w, http.StatusMethodNotAllowed, nil,
			rpc.NewError(rpc.CodeInvalidRequest, "method not allowed", nil))
	}
}

func (g *Gateway) handlePost(w http.ResponseWriter, r *http.Request) {
	format, ok := negotiateFormat(r.Header.Get("Accept"), g.opts.PreferEventStream)
	if !ok {
		writeRPCError(w, http.StatusNotAcceptable, nil, rpc.NewError(rpc.CodeInvalidRequest,
			"client must accept application/json or text/event-stream", nil))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.opts.MaxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, nil,
				rpc.NewError(rpc.CodeInvalidRequest, "request body too large", nil))
			return
		}
		writeRPCError(w, http.StatusBadRequest, nil, rpc.NewError(rpc.CodeParseError, err.Error(), nil))
		return
	}
	msg, err := rpc.Decode(body)
	switch {
	case errors.Is(err, rpc.ErrBatchUnsupported):
		writeRPCError(w, http.StatusBadRequest, nil, rpc.NewError(rpc.CodeInvalidRequest, err.Error(), nil))
		return
	case errors.Is(err, rpc.ErrInvalidVersion):
		writeRPCError(w, http.StatusBadRequest, msg.ID, rpc.NewError(rpc.CodeInvalidRequest, err.Error(), nil))
		return
	case err != nil:
		writeRPCError(w, http.StatusBadRequest, nil, rpc.NewError(rpc.CodeParseError, err.Error(), nil))
		return
	}

	if !msg.IsRequest() {
		if !msg.IsNotification() && !msg.IsResponse() {
			writeRPCError(w, http.StatusBadRequest, msg.ID,
				rpc.NewError(rpc.CodeInvalidRequest, "message is neither request, notification nor response", nil))
			return
		}
		if _, status, rpcErr := g.sessionFor(r); rpcErr != nil {
			writeRPCError(w, status, nil, rpcErr)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var session *Session
	if msg.Method == "initialize" && r.Header.Get(HeaderSessionID) == "" {
		if !g.opts.Stateless {
			session = g.sessions.create(g.negotiateVersion(msg.Params))
			g.opts.Logger.Debug("session created", "session", session.ID)
		}
	} else {
		var (
			status int
			rpcErr *rpc.Error
		)
		session, status, rpcErr = g.sessionFor(r)
		if rpcErr != nil {
			writeRPCError(w, status, msg.ID, rpcErr)
			return
		}
	}
	if session != nil {
		w.Header().Set(HeaderSessionID, session.ID)
	}

	var stream *eventStream
	var sink progressSink
	if format == formatEventStream {
		stream = newEventStream(w)
		defer stream.close()
		sink = stream
	}

	reply := g.dispatch(r.Context(), session, msg, sink)
	if stream != nil {
		if err := stream.send(reply); err != nil {
			g.opts.Logger.Debug("event stream write failed", "error", err)
		}
		return
	}
	writeMessage(w, http.StatusOK, reply)
}

// sessionFor resolves the request's session. With Stateless a missing
// header is allowed and yields a nil session.
func (g *Gateway) sessionFor(r *http.Request) (*Session, int, *rpc.Error) {
	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		if g.opts.Stateless {
			return nil, 0, nil
		}
		return nil, http.StatusBadRequest, rpc.NewError(rpc.CodeInvalidRequest, "missing "+HeaderSessionID+" header", nil)
	}
	s, ok := g.sessions.get(id)
	if !ok {
		return nil, http.StatusNotFound, rpc.NewError(rpc.CodeInvalidRequest, "session not found", nil)
	}
	return s, 0, nil
}

// dispatch runs one request and always produces a response message carrying
// the request's id.
func (g *Gateway) dispatch(ctx context.Context, session *Session, msg *rpc.Message, sink progressSink) *rpc.Message {
	var (
		result any
		err    error
	)
	switch msg.Method {
	case "initialize":
		result = g.initializeResult(msg.Params, session)
	case "ping":
		result = json.RawMessage("{}")
	case "tools/list":
		result = &mcp.ListToolsResult{Tools: g.router.Tools()}
	case "tools/call":
		opts := callOptions{sink: sink}
		if session != nil {
			opts.session = session.ID
		}
		result, err = g.router.CallTool(ctx, msg.Params, opts)
	default:
		err = rpc.NewError(rpc.CodeMethodNotFound, fmt.Sprintf("method %q not supported", msg.Method), nil)
	}
	if err != nil {
		var backendErr *rpc.Error
		if !errors.As(err, &backendErr) {
			g.opts.Logger.Warn("request failed", "method", msg.Method, "error", err)
		}
		return rpc.NewErrorResponse(msg.ID, toRPCError(err))
	}
	reply, err := rpc.NewResult(msg.ID, result)
	if err != nil {
		return rpc.NewErrorResponse(msg.ID, rpc.NewError(rpc.CodeInternalError, err.Error(), nil))
	}
	return reply
}

// negotiateVersion answers a client's requested version: echoed when
// supported, otherwise the newest version the gateway speaks.
func (g *Gateway) negotiateVersion(params json.RawMessage) string {
	var p mcp.InitializeParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	if slices.Contains(g.opts.ProtocolVersions, p.ProtocolVersion) {
		return p.ProtocolVersion
	}
	return g.opts.ProtocolVersions[0]
}

func (g *Gateway) initializeResult(params json.RawMessage, session *Session) *mcp.InitializeResult {
	version := g.negotiateVersion(params)
	if session != nil {
		session.ProtocolVersion = version
	}
	return &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      g.opts.Implementation,
		Instructions:    g.opts.Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{},
		},
	}
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		writeRPCError(w, http.StatusBadRequest, nil,
			rpc.NewError(rpc.CodeInvalidRequest, "missing "+HeaderSessionID+" header", nil))
		return
	}
	if !g.sessions.terminate(id) {
		writeRPCError(w, http.StatusNotFound, nil, rpc.NewError(rpc.CodeInvalidRequest, "session not found", nil))
		return
	}
	g.opts.Logger.Debug("session terminated", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

func writeMessage(w http.ResponseWriter, status int, msg *rpc.Message) {
	data, err := rpc.Encode(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, rpcErr *rpc.Error) {
	writeMessage(w, status, rpc.NewErrorResponse(id, rpcErr))
}

// eventStream frames JSON-RPC messages as server-sent events on one
// response. Headers are written with the first event.
type eventStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	closed  bool
}

var errStreamClosed = errors.New("mcpgateway: event stream closed")

func newEventStream(w http.ResponseWriter) *eventStream {
	return &eventStream{w: w, rc: http.NewResponseController(w)}
}

func (s *eventStream) send(msg *rpc.Message) error {
	data, err := rpc.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", contentTypeEventStream)
		h.Set("Cache-Control", "no-cache")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// NotifyProgress writes a progress notification ahead of the final response.
func (s *eventStream) NotifyProgress(_ context.Context, params *mcp.ProgressNotificationParams) error {
	msg, err := rpc.NewNotification(mcpmgr.MethodProgress, params)
	if err != nil {
		return err
	}
	return s.send(msg)
}

func (s *eventStream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
