package mcpgateway

import (
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestCatalogUpdateTools(t *testing.T) {
	c := newCatalog(ServerPrefixNamespace{})
	tools := []*mcp.Tool{{Name: "echo"}}
	removed, added := c.UpdateTools("alpha", tools)
	if len(removed) != 0 {
		t.Fatalf("unexpected removals: %v", removed)
	}
	if len(added) != 1 {
		t.Fatalf("expected single registration, got %d", len(added))
	}
	target := added[0].Target
	if target.Backend != "alpha" || target.NativeName != "echo" {
		t.Fatalf("unexpected target %+v", target)
	}
	lookup, ok := c.ToolTarget(target.GatewayName)
	if !ok {
		t.Fatalf("tool target missing")
	}
	if lookup.NativeName != "echo" {
		t.Fatalf("lookup mismatch: %+v", lookup)
	}
	meta := added[0].Tool.Meta
	if meta[metaKeyServerID] != "alpha" {
		t.Fatalf("meta missing server id: %+v", meta)
	}
	if tools[0].Name != "echo" || tools[0].Meta != nil {
		t.Fatalf("upstream tool was modified: %+v", tools[0])
	}
}

func TestCatalogReplaceBumpsBuild(t *testing.T) {
	c := newCatalog(ServerPrefixNamespace{})
	c.UpdateTools("alpha", []*mcp.Tool{{Name: "one"}, {Name: "two"}})
	c.UpdateTools("bravo", []*mcp.Tool{{Name: "one"}})
	build := c.Build()

	removed, _ := c.UpdateTools("alpha", []*mcp.Tool{{Name: "three"}})
	if len(removed) != 2 {
		t.Fatalf("expected two removals, got %v", removed)
	}
	if c.Build() != build+1 {
		t.Fatalf("build id not advanced: %d -> %d", build, c.Build())
	}
	if _, ok := c.ToolTarget("alpha__one"); ok {
		t.Fatalf("stale tool still present")
	}
	var names []string
	for _, tool := range c.Tools() {
		names = append(names, tool.Name)
	}
	want := []string{"alpha__three", "bravo__one"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Fatalf("unexpected tools %v", names)
	}
}

func TestCatalogSnapshotIsStable(t *testing.T) {
	c := newCatalog(ServerPrefixNamespace{})
	c.UpdateTools("alpha", []*mcp.Tool{{Name: "echo"}})
	before := c.Tools()

	if !c.RemoveBackend("alpha") {
		t.Fatalf("expected removal")
	}
	if len(before) != 1 || before[0].Name != "alpha__echo" {
		t.Fatalf("earlier snapshot changed: %v", before)
	}
	if c.Len() != 0 || c.HasBackend("alpha") {
		t.Fatalf("backend still listed")
	}
	if c.RemoveBackend("alpha") {
		t.Fatalf("second removal should be a no-op")
	}
}

func TestCatalogEveryNameSplitsBack(t *testing.T) {
	ns := ServerPrefixNamespace{}
	c := newCatalog(ns)
	c.UpdateTools("serverA", []*mcp.Tool{{Name: "run"}, {Name: "deep__name"}})
	c.UpdateTools("serverB", []*mcp.Tool{{Name: "run"}})
	for _, tool := range c.Tools() {
		backend, local, ok := ns.SplitToolName(tool.Name)
		if !ok {
			t.Fatalf("%s does not split", tool.Name)
		}
		target, _ := c.ToolTarget(tool.Name)
		if backend != target.Backend || local != target.NativeName {
			t.Fatalf("%s split to %s/%s, target %+v", tool.Name, backend, local, target)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 tools, got %d", c.Len())
	}
}
