package mcpgateway

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaKeyServerID   = "mcpgateway.server_id"
	metaKeyNativeName = "mcpgateway.native_name"
)

// toolTarget locates the backend tool behind a namespaced name.
type toolTarget struct {
	GatewayName string
	Backend     string
	NativeName  string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

// catalogSnapshot is immutable once published.
type catalogSnapshot struct {
	build    uint64
	tools    map[string]toolRegistration
	backends map[string][]string
	// sorted holds the namespaced tools in name order.
	sorted []*mcp.Tool
}

// catalog is the aggregated tool table. Readers load the current snapshot
// without locking; writers build a new snapshot and swap it in.
type catalog struct {
	ns NamespaceStrategy

	mu   sync.Mutex
	snap atomic.Pointer[catalogSnapshot]
}

func newCatalog(ns NamespaceStrategy) *catalog {
	c := &catalog{ns: ns}
	c.snap.Store(&catalogSnapshot{
		tools:    make(map[string]toolRegistration),
		backends: make(map[string][]string),
		sorted:   []*mcp.Tool{},
	})
	return c
}

func (c *catalog) snapshot() *catalogSnapshot { return c.snap.Load() }

// Build returns the id of the current snapshot; it grows on every change.
func (c *catalog) Build() uint64 { return c.snapshot().build }

// Len reports how many tools the catalog holds.
func (c *catalog) Len() int { return len(c.snapshot().tools) }

// Tools returns the namespaced tools sorted by name. Callers must not
// modify them.
func (c *catalog) Tools() []*mcp.Tool { return c.snapshot().sorted }

// ToolTarget resolves a namespaced tool name.
func (c *catalog) ToolTarget(name string) (toolTarget, bool) {
	reg, ok := c.snapshot().tools[name]
	return reg.Target, ok
}

// HasBackend reports whether the catalog holds an entry list for backend,
// even an empty one.
func (c *catalog) HasBackend(backend string) bool {
	_, ok := c.snapshot().backends[backend]
	return ok
}

// BackendTools returns the namespaced names contributed by backend.
func (c *catalog) BackendTools(backend string) []string {
	return slices.Clone(c.snapshot().backends[backend])
}

// UpdateTools replaces every tool of backend with upstream.
func (c *catalog) UpdateTools(backend string, upstream []*mcp.Tool) (removed []string, added []toolRegistration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snapshot()
	next := cur.cloneWithout(backend)
	removed = cur.backends[backend]

	added = make([]toolRegistration, 0, len(upstream))
	names := make([]string, 0, len(upstream))
	for _, tool := range upstream {
		if tool == nil || tool.Name == "" {
			continue
		}
		gatewayName := c.ns.ToolName(backend, tool.Name)
		if _, dup := next.tools[gatewayName]; dup {
			continue
		}
		reg := toolRegistration{
			Tool:   cloneTool(tool, gatewayName, backend),
			Target: toolTarget{GatewayName: gatewayName, Backend: backend, NativeName: tool.Name},
		}
		next.tools[gatewayName] = reg
		added = append(added, reg)
		names = append(names, gatewayName)
	}
	next.backends[backend] = names
	c.publishLocked(cur, next)
	return removed, added
}

// RemoveBackend drops backend's tools. It reports whether anything changed.
func (c *catalog) RemoveBackend(backend string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snapshot()
	if _, ok := cur.backends[backend]; !ok {
		return false
	}
	c.publishLocked(cur, cur.cloneWithout(backend))
	return true
}

func (c *catalog) publishLocked(cur, next *catalogSnapshot) {
	next.build = cur.build + 1
	next.sorted = make([]*mcp.Tool, 0, len(next.tools))
	for _, reg := range next.tools {
		next.sorted = append(next.sorted, reg.Tool)
	}
	slices.SortFunc(next.sorted, func(a, b *mcp.Tool) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	c.snap.Store(next)
}

func (s *catalogSnapshot) cloneWithout(backend string) *catalogSnapshot {
	next := &catalogSnapshot{
		tools:    make(map[string]toolRegistration, len(s.tools)),
		backends: make(map[string][]string, len(s.backends)),
	}
	for name, reg := range s.tools {
		if reg.Target.Backend != backend {
			next.tools[name] = reg
		}
	}
	for b, names := range s.backends {
		if b != backend {
			next.backends[b] = names
		}
	}
	return next
}

func cloneTool(tool *mcp.Tool, gatewayName, backend string) *mcp.Tool {
	if tool == nil {
		return nil
	}
	clone := *tool
	clone.Name = gatewayName
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyServerID:   backend,
		metaKeyNativeName: tool.Name,
	})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
