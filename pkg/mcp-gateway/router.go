package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-bridge-go/pkg/rpc"
)

// NotFoundError reports a tool call naming a backend or tool the catalog
// does not know.
type NotFoundError struct {
	Name    string
	Backend string
	Reason  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("mcpgateway: tool %q not found: %s", e.Name, e.Reason)
}

// Router owns the aggregated tool catalog and forwards tool calls to the
// backend that advertised each tool.
type Router struct {
	manager  *mcpmgr.Manager
	ns       NamespaceStrategy
	catalog  *catalog
	progress *progressTracker
	logger   *slog.Logger

	syncTimeout time.Duration
	refreshes   singleflight.Group
}

type callOptions struct {
	session string
	// sink receives progress notifications; nil disables forwarding.
	sink progressSink
}

// NewRouter builds a Router over mgr and subscribes it to backend lifecycle
// events so the catalog follows process restarts, tool list changes and
// permanent failures.
func NewRouter(mgr *mcpmgr.Manager, opts *Options) *Router {
	options := opts.withDefaults()
	r := &Router{
		manager:     mgr,
		ns:          options.Namespace,
		catalog:     newCatalog(options.Namespace),
		progress:    newProgressTracker(options.Logger),
		logger:      options.Logger,
		syncTimeout: options.SyncTimeout,
	}
	mgr.OnBackendReady(func(backend string) {
		r.refreshAsync(backend, "ready")
	})
	mgr.OnBackendFailed(func(backend string, err error) {
		if r.catalog.RemoveBackend(backend) {
			r.logger.Warn("backend removed from catalog", "backend", backend, "error", err)
		}
	})
	mgr.OnNotification(func(backend string, msg *rpc.Message) {
		switch msg.Method {
		case mcpmgr.MethodToolListChanged:
			r.refreshAsync(backend, "list_changed")
		case mcpmgr.MethodProgress:
			r.progress.forward(context.Background(), backend, msg.Params)
		}
	})
	return r
}

// Tools returns the aggregated catalog sorted by name.
func (r *Router) Tools() []*mcp.Tool { return r.catalog.Tools() }

// Build returns the current catalog build id.
func (r *Router) Build() uint64 { return r.catalog.Build() }

// Lookup resolves a namespaced tool name to its backend and local name.
func (r *Router) Lookup(name string) (backend, tool string, ok bool) {
	target, ok := r.catalog.ToolTarget(name)
	return target.Backend, target.NativeName, ok
}

// Refresh lists backend's tools and swaps them into the catalog. Concurrent
// refreshes of one backend share a single listing.
func (r *Router) Refresh(ctx context.Context, backend string) error {
	if !r.ns.Valid(backend) {
		return fmt.Errorf("mcpgateway: backend name %q cannot be namespaced", backend)
	}
	_, err, _ := r.refreshes.Do(backend, func() (any, error) {
		tools, err := r.manager.ListTools(ctx, backend)
		if err != nil {
			if errors.Is(err, mcpmgr.ErrUnknownBackend) || errors.Is(err, mcpmgr.ErrBackendFailed) {
				r.catalog.RemoveBackend(backend)
			}
			return nil, err
		}
		removed, added := r.catalog.UpdateTools(backend, tools)
		r.logger.Debug("catalog refreshed", "backend", backend,
			"removed", len(removed), "added", len(added), "build", r.catalog.Build())
		return nil, nil
	})
	return err
}

// RefreshAll refreshes every backend that has not permanently failed. One
// backend's failure does not stop the others; the returned error joins them.
func (r *Router) RefreshAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(r.manager.Options().StartConcurrency)
	for _, s := range r.manager.Summaries() {
		if s.Status == mcpmgr.StatusFailed {
			r.catalog.RemoveBackend(s.Name)
			continue
		}
		g.Go(func() error {
			syncCtx, cancel := r.syncContext(ctx)
			defer cancel()
			if err := r.Refresh(syncCtx, s.Name); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Router) refreshAsync(backend, reason string) {
	go func() {
		ctx, cancel := r.syncContext(context.Background())
		defer cancel()
		if err := r.Refresh(ctx, backend); err != nil {
			r.logger.Warn("catalog refresh failed", "backend", backend, "trigger", reason, "error", err)
		}
	}()
}

func (r *Router) syncContext(parent context.Context) (context.Context, context.CancelFunc) {
	if r.syncTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, r.syncTimeout)
}

// CallTool forwards a tools/call request. params are the client's raw
// params; only the tool name and progress token are rewritten, everything
// else reaches the backend byte for byte. The backend's result or JSON-RPC
// error is returned unchanged.
func (r *Router) CallTool(ctx context.Context, params json.RawMessage, opts callOptions) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil || fields == nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "tools/call params must be an object", nil)
	}
	var name string
	if err := json.Unmarshal(fields["name"], &name); err != nil || name == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "tools/call requires a tool name", nil)
	}
	target, err := r.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	native, err := json.Marshal(target.NativeName)
	if err != nil {
		return nil, err
	}
	fields["name"] = native

	release := func() {}
	if raw, ok := fields["_meta"]; ok {
		var meta map[string]json.RawMessage
		if err := json.Unmarshal(raw, &meta); err == nil && meta != nil {
			if _, has := meta[progressTokenKey]; has {
				if opts.sink != nil {
					release = r.progress.track(target.Backend, opts.session, opts.sink, meta)
				} else {
					delete(meta, progressTokenKey)
				}
				if rewritten, err := json.Marshal(meta); err == nil {
					fields["_meta"] = rewritten
				}
			}
		}
	}
	defer release()

	return r.manager.Call(ctx, target.Backend, "tools/call", fields)
}

// resolve finds name in the catalog, refreshing a backend that has not been
// listed yet.
func (r *Router) resolve(ctx context.Context, name string) (toolTarget, error) {
	if target, ok := r.catalog.ToolTarget(name); ok {
		return target, nil
	}
	backend, _, ok := r.ns.SplitToolName(name)
	if !ok {
		return toolTarget{}, &NotFoundError{Name: name, Reason: "not a namespaced tool name"}
	}
	if !r.manager.HasBackend(backend) {
		return toolTarget{}, &NotFoundError{Name: name, Backend: backend, Reason: "unknown backend"}
	}
	if !r.catalog.HasBackend(backend) {
		if err := r.Refresh(ctx, backend); err != nil {
			return toolTarget{}, err
		}
		if target, ok := r.catalog.ToolTarget(name); ok {
			return target, nil
		}
	}
	return toolTarget{}, &NotFoundError{Name: name, Backend: backend, Reason: "unknown tool"}
}

// toRPCError maps any error from routing or the manager to a JSON-RPC error.
func toRPCError(err error) *rpc.Error {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		data := map[string]any{"name": nf.Name}
		if nf.Backend != "" {
			data["backend"] = nf.Backend
		}
		return rpc.NewError(rpc.CodeInvalidParams, nf.Error(), data)
	}
	return mcpmgr.AsRPCError(err)
}
