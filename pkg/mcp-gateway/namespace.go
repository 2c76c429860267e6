package mcpgateway

import (
	"fmt"
	"strings"
)

// NamespaceStrategy maps backend-local tool names to the names clients see.
// Implementations must be deterministic, and SplitToolName must invert
// ToolName for every backend name that does not contain the separator.
type NamespaceStrategy interface {
	ToolName(backend, toolName string) string
	SplitToolName(name string) (backend, toolName string, ok bool)
	// Valid reports whether a backend name can be namespaced unambiguously.
	Valid(backend string) bool
}

// ServerPrefixNamespace prefixes every tool with its backend name, separating
// the two with a configurable delimiter that defaults to "__". Names split on
// the first separator, so a tool name may itself contain one.
type ServerPrefixNamespace struct {
	Separator string
}

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return "__"
	}
	return s.Separator
}

func (s ServerPrefixNamespace) ToolName(backend, toolName string) string {
	return s.decorate(backend, toolName)
}

// SplitToolName splits on the first separator, so local tool names may
// themselves contain it.
func (s ServerPrefixNamespace) SplitToolName(name string) (string, string, bool) {
	backend, tool, ok := strings.Cut(name, s.separator())
	if !ok || backend == "" || tool == "" {
		return "", "", false
	}
	return backend, tool, true
}

func (s ServerPrefixNamespace) Valid(backend string) bool {
	return backend != "" && !strings.Contains(backend, s.separator())
}

func (s ServerPrefixNamespace) decorate(backend, value string) string {
	return fmt.Sprintf("%s%s%s", backend, s.separator(), value)
}
