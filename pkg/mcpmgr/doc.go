// Package mcpmgr centralizes the management of stdio Model Context Protocol
// (MCP) backends from a single Go process. It layers process lifecycle
// tracking, respawning, and request multiplexing on top of newline-delimited
// JSON-RPC so callers can focus on consuming tools instead of rebuilding
// subprocess plumbing.
//
// # Core entry points
//
//   - Manager is the long-lived registry. Construct it with NewManager, then
//     register backends with AddBackend and warm them with Start.
//   - Backend (with the BinaryLaunch / PythonLaunch / NodeLaunch launch
//     specs) declares how each backend is started.
//   - Pool owns the processes of one backend. Single-instance backends get
//     exactly one process that serves one call at a time; others are pooled
//     up to a cap and spawned on demand.
//   - Negotiator runs the initialize handshake, falling back through
//     ManagerOptions.ProtocolVersions until the backend accepts one.
//
// After a backend is registered, use ListTools, CallTool, or the raw Call to
// interrogate it. OnBackendReady fires after every successful handshake
// (respawns included) and OnNotification surfaces backend notifications such
// as notifications/tools/list_changed. When inspecting a Backend's launch
// spec, use RuntimeOf and the AsBinary/AsPython/AsNode narrowers.
package mcpmgr
