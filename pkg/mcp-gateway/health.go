package mcpgateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-bridge-go/pkg/rpc"
)

// HealthReport is the body served on Options.HealthPath.
type HealthReport struct {
	Status         string  `json:"status"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	BackendCount   int     `json:"backendCount"`
	LiveProcesses  int     `json:"liveProcesses"`
	ActiveSessions int     `json:"activeSessions"`
	// TimeUntilTimeout is the number of seconds before inactivity shutdown,
	// or -1 when the monitor is disabled.
	TimeUntilTimeout  float64                 `json:"timeUntilTimeout"`
	InactivityTimeout float64                 `json:"inactivityTimeout"`
	Catalog           CatalogStatus           `json:"catalog"`
	Backends          []mcpmgr.BackendSummary `json:"backends"`
}

// CatalogStatus describes the current tool catalog snapshot.
type CatalogStatus struct {
	Build uint64 `json:"build"`
	Tools int    `json:"tools"`
}

// BackendReport is served on the per-backend diagnostics path.
type BackendReport struct {
	mcpmgr.BackendSummary
	Tools []string `json:"tools"`
}

// Health reports the gateway's state. It does not count as activity.
func (g *Gateway) Health() HealthReport {
	backends := g.manager.Summaries()
	status := "ok"
	for _, b := range backends {
		if b.Status == mcpmgr.StatusFailed {
			status = "degraded"
			break
		}
	}
	until := g.clock.TimeUntil(g.opts.InactivityTimeout)
	report := HealthReport{
		Status:            status,
		UptimeSeconds:     time.Since(g.started).Seconds(),
		BackendCount:      len(backends),
		LiveProcesses:     g.manager.LiveProcesses(),
		ActiveSessions:    g.sessions.count(),
		TimeUntilTimeout:  -1,
		InactivityTimeout: g.opts.InactivityTimeout.Seconds(),
		Catalog: CatalogStatus{
			Build: g.router.catalog.Build(),
			Tools: g.router.catalog.Len(),
		},
		Backends: backends,
	}
	if until >= 0 {
		report.TimeUntilTimeout = until.Seconds()
	}
	return report
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.Health())
}

func (g *Gateway) handleBackendSummary(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	summary, ok := g.manager.Summary(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown backend " + name})
		return
	}
	tools := g.router.catalog.BackendTools(name)
	if tools == nil {
		tools = []string{}
	}
	writeJSON(w, http.StatusOK, BackendReport{BackendSummary: summary, Tools: tools})
}

// handleBackendRequest forwards one raw JSON-RPC request to a backend using
// its own, unprefixed names.
func (g *Gateway) handleBackendRequest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !g.manager.HasBackend(name) {
		writeRPCError(w, http.StatusNotFound, nil, rpc.NewError(rpc.CodeInvalidParams, "unknown backend "+name, nil))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.opts.MaxRequestBodySize))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, rpc.NewError(rpc.CodeParseError, err.Error(), nil))
		return
	}
	msg, err := rpc.Decode(body)
	if err != nil {
		code := rpc.CodeParseError
		if errors.Is(err, rpc.ErrBatchUnsupported) || errors.Is(err, rpc.ErrInvalidVersion) {
			code = rpc.CodeInvalidRequest
		}
		writeRPCError(w, http.StatusBadRequest, nil, rpc.NewError(code, err.Error(), nil))
		return
	}
	if !msg.IsRequest() {
		writeRPCError(w, http.StatusBadRequest, msg.ID, rpc.NewError(rpc.CodeInvalidRequest, "expected a request", nil))
		return
	}
	result, err := g.manager.Call(r.Context(), name, msg.Method, msg.Params)
	if err != nil {
		writeRPCError(w, http.StatusOK, msg.ID, toRPCError(err))
		return
	}
	reply, err := rpc.NewResult(msg.ID, result)
	if err != nil {
		writeRPCError(w, http.StatusOK, msg.ID, rpc.NewError(rpc.CodeInternalError, err.Error(), nil))
		return
	}
	writeMessage(w, http.StatusOK, reply)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
