// Package mcpgateway exposes the backends managed by mcpmgr over a single
// Streamable HTTP MCP endpoint. It aggregates every backend's tools into one
// namespaced catalog, routes tool calls to the owning process pool, and runs
// the session, response negotiation and inactivity shutdown state machine of
// the HTTP front end.
package mcpgateway
