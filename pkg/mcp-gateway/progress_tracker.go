package mcpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const progressTokenKey = "progressToken"

type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

// progressTracker swaps client progress tokens for gateway tokens on the way
// to a backend, and maps backend progress notifications back to the client
// token and the event stream of the request that asked for them.
type progressTracker struct {
	counter atomic.Uint64
	seq     atomic.Uint64

	mu      sync.RWMutex
	entries map[string]progressRegistration

	logger       *slog.Logger
	cleanupGrace time.Duration
}

type progressRegistration struct {
	sink        progressSink
	clientToken json.RawMessage
	session     string
	seq         uint64
}

const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker(logger *slog.Logger) *progressTracker {
	return &progressTracker{
		entries:      make(map[string]progressRegistration),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

// track rewrites meta's progress token in place. The returned func releases
// the registration once the request has finished. The client's token is kept
// as raw JSON so it is echoed back exactly as sent.
func (pt *progressTracker) track(backend, session string, sink progressSink, meta map[string]json.RawMessage) func() {
	if meta == nil || sink == nil {
		return func() {}
	}
	existing, ok := meta[progressTokenKey]
	if !ok || isJSONNull(existing) {
		return func() {}
	}
	clientToken, ok := rawProgressToken(existing)
	if !ok {
		pt.logWarn("progress token unsupported", backend, string(existing))
		delete(meta, progressTokenKey)
		return func() {}
	}
	token := fmt.Sprintf("gw/%s/%d", backend, pt.counter.Add(1))
	encoded, err := json.Marshal(token)
	if err != nil {
		return func() {}
	}
	meta[progressTokenKey] = encoded
	return pt.register(backend, token, progressRegistration{sink: sink, clientToken: clientToken, session: session})
}

func (pt *progressTracker) register(backend string, token any, reg progressRegistration) func() {
	key, ok := progressMapKey(backend, token)
	if !ok {
		return func() {}
	}
	reg.seq = pt.seq.Add(1)
	pt.mu.Lock()
	pt.entries[key] = reg
	pt.mu.Unlock()
	return func() {
		pt.removeLater(key, reg.seq)
	}
}

func (pt *progressTracker) removeLater(key string, seq uint64) {
	grace := pt.cleanupGrace
	if grace <= 0 {
		pt.removeIfMatch(key, seq)
		return
	}
	time.AfterFunc(grace, func() {
		pt.removeIfMatch(key, seq)
	})
}

func (pt *progressTracker) removeIfMatch(key string, seq uint64) {
	pt.mu.Lock()
	if current, ok := pt.entries[key]; ok && current.seq == seq {
		delete(pt.entries, key)
	}
	pt.mu.Unlock()
}

// releaseSession drops every registration made on behalf of session.
func (pt *progressTracker) releaseSession(session string) int {
	if session == "" {
		return 0
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	n := 0
	for key, reg := range pt.entries {
		if reg.session == session {
			delete(pt.entries, key)
			n++
		}
	}
	return n
}

func (pt *progressTracker) lookup(backend string, token any) (progressRegistration, bool) {
	normalized, ok := normalizeProgressToken(token)
	if !ok {
		pt.logWarn("progress token unsupported", backend, token)
		return progressRegistration{}, false
	}
	key, ok := progressMapKey(backend, normalized)
	if !ok {
		return progressRegistration{}, false
	}
	pt.mu.RLock()
	reg, ok := pt.entries[key]
	pt.mu.RUnlock()
	return reg, ok
}

// forward delivers a backend progress notification to its request's sink.
// It reports whether a registration matched.
func (pt *progressTracker) forward(ctx context.Context, backend string, params json.RawMessage) bool {
	var p mcp.ProgressNotificationParams
	if err := json.Unmarshal(params, &p); err != nil {
		pt.logWarn("malformed progress notification", backend, string(params))
		return false
	}
	reg, ok := pt.lookup(backend, p.ProgressToken)
	if !ok {
		return false
	}
	p.ProgressToken = reg.clientToken
	if err := reg.sink.NotifyProgress(ctx, &p); err != nil && pt.logger != nil {
		pt.logger.Debug("progress not delivered", "backend", backend, "error", err)
	}
	return true
}

func (pt *progressTracker) len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.entries)
}

func (pt *progressTracker) logWarn(msg, backend string, token any) {
	if pt.logger == nil {
		return
	}
	pt.logger.Warn(msg, "backend", backend, "token", token)
}

func progressMapKey(backend string, token any) (string, bool) {
	switch v := token.(type) {
	case string:
		return backend + "|s|" + v, true
	case int64:
		return fmt.Sprintf("%s|i|%d", backend, v), true
	case int:
		return fmt.Sprintf("%s|i|%d", backend, v), true
	case int32:
		return fmt.Sprintf("%s|i|%d", backend, v), true
	default:
		return "", false
	}
}

func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if f, err := v.Float64(); err == nil {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return "", false
			}
			if math.Trunc(f) == f {
				return int64(f), true
			}
			return fmt.Sprintf("%g", f), true
		}
		return v.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func isJSONNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// rawProgressToken accepts a JSON string or number and returns a private
// copy of its bytes.
func rawProgressToken(raw json.RawMessage) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if json.Unmarshal(trimmed, &s) != nil {
			return nil, false
		}
		return bytes.Clone(trimmed), true
	}
	var n json.Number
	if json.Unmarshal(trimmed, &n) != nil {
		return nil, false
	}
	return bytes.Clone(trimmed), true
}
