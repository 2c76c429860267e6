package mcpgateway

import "testing"

func TestServerPrefixNamespaceRoundTrip(t *testing.T) {
	ns := ServerPrefixNamespace{}
	name := ns.ToolName("calc", "add")
	if name != "calc__add" {
		t.Fatalf("unexpected name: %s", name)
	}
	backend, tool, ok := ns.SplitToolName(name)
	if !ok || backend != "calc" || tool != "add" {
		t.Fatalf("split mismatch: %q %q %v", backend, tool, ok)
	}
}

func TestServerPrefixNamespaceSplitsOnFirstSeparator(t *testing.T) {
	ns := ServerPrefixNamespace{}
	backend, tool, ok := ns.SplitToolName(ns.ToolName("files", "read__raw"))
	if !ok || backend != "files" || tool != "read__raw" {
		t.Fatalf("split mismatch: %q %q %v", backend, tool, ok)
	}
}

func TestServerPrefixNamespaceRejectsMalformed(t *testing.T) {
	ns := ServerPrefixNamespace{}
	for _, name := range []string{"plain", "__add", "calc__", ""} {
		if _, _, ok := ns.SplitToolName(name); ok {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
	if ns.Valid("a__b") {
		t.Fatalf("backend containing the separator must be invalid")
	}
}

func TestServerPrefixNamespaceCustomSeparator(t *testing.T) {
	ns := ServerPrefixNamespace{Separator: "."}
	backend, tool, ok := ns.SplitToolName(ns.ToolName("alpha", "echo"))
	if !ok || backend != "alpha" || tool != "echo" {
		t.Fatalf("split mismatch: %q %q %v", backend, tool, ok)
	}
}
