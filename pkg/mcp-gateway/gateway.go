package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
)

// ErrInactivityShutdown is returned by ListenAndServe when the gateway shut
// itself down after InactivityTimeout without client activity.
var ErrInactivityShutdown = errors.New("mcpgateway: inactivity timeout reached")

// HeaderSessionID carries the session id on requests and responses.
const HeaderSessionID = "Mcp-Session-Id"

// Gateway exposes a Streamable HTTP MCP endpoint that fronts every backend
// managed by mcpmgr.
type Gateway struct {
	manager *mcpmgr.Manager
	opts    Options

	router   *Router
	sessions *sessionStore
	clock    *ActivityClock
	started  time.Time

	mux         *http.ServeMux
	httpHandler http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway builds a Gateway over mgr. With AutoStart it warms every
// backend and builds the initial catalog before returning.
func NewGateway(mgr *mcpmgr.Manager, opts *Options) (*Gateway, error) {
	if mgr == nil {
		return nil, fmt.Errorf("mcpgateway: manager is required")
	}
	options := opts.withDefaults()
	if !strings.HasPrefix(options.Path, "/") {
		options.Path = "/" + options.Path
	}
	options.Path = strings.TrimSuffix(options.Path, "/")
	if options.Path == "" {
		return nil, fmt.Errorf("mcpgateway: path must not be the root")
	}
	g := &Gateway{
		manager: mgr,
		opts:    options,
		router:  NewRouter(mgr, &options),
		clock:   NewActivityClock(nil),
		started: time.Now(),
	}
	g.sessions = newSessionStore(options.SessionTTL, func(id string) {
		if n := g.router.progress.releaseSession(id); n > 0 {
			options.Logger.Debug("released progress registrations", "session", id, "count", n)
		}
	})
	g.httpHandler = g.mountHandler()

	if options.AutoStart {
		ctx, cancel := g.router.syncContext(context.Background())
		defer cancel()
		if err := mgr.Start(ctx); err != nil {
			options.Logger.Warn("some backends failed to start", "error", err)
		}
		if err := g.router.RefreshAll(ctx); err != nil {
			g.logError("initial catalog build", err)
		}
	}
	return g, nil
}

// Handler exposes the HTTP handler that serves the gateway, CORS included.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux returns the mux behind Handler so callers can add routes. Routes
// may be added before or after serving starts.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Router returns the tool router.
func (g *Gateway) Router() *Router { return g.router }

// Clock returns the activity clock driving inactivity shutdown.
func (g *Gateway) Clock() *ActivityClock { return g.clock }

// ListenAndServe listens on Options.Addr and serves until ctx is cancelled,
// the server stops, or the inactivity timeout fires.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.opts.Addr)
	if err != nil {
		return fmt.Errorf("mcpgateway: listen on %s: %w", g.opts.Addr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener. It takes ownership of ln.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: ln.Addr().String(), Handler: g.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	g.opts.Logger.Info("gateway listening", "addr", srv.Addr, "path", g.opts.Path)
	g.clock.Touch()

	var tick <-chan time.Time
	if g.opts.InactivityTimeout > 0 || g.opts.SessionTTL > 0 {
		ticker := time.NewTicker(g.opts.InactivityCheckInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return ctx.Err()
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-tick:
			if expired := g.sessions.sweep(); len(expired) > 0 {
				g.opts.Logger.Info("sessions expired", "count", len(expired))
			}
			if g.clock.Expired(g.opts.InactivityTimeout) {
				g.opts.Logger.Info("no client activity, shutting down",
					"idle", g.clock.Idle().Round(time.Second), "timeout", g.opts.InactivityTimeout)
				g.shutdownIdle(srv)
				return ErrInactivityShutdown
			}
		}
	}
}

// shutdownIdle stops accepting connections, drains in-flight requests and
// terminates every backend process.
func (g *Gateway) shutdownIdle(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		g.logError("http shutdown", err)
	}
	if err := g.manager.Close(ctx); err != nil {
		g.logError("close backends", err)
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// SyncAll rebuilds the catalog from every backend.
func (g *Gateway) SyncAll(ctx context.Context) error {
	return g.router.RefreshAll(ctx)
}

// SyncBackend rebuilds one backend's catalog entries.
func (g *Gateway) SyncBackend(ctx context.Context, backend string) error {
	syncCtx, cancel := g.router.syncContext(ctx)
	defer cancel()
	return g.router.Refresh(syncCtx, backend)
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	g.mux = http.NewServeMux()
	g.mux.HandleFunc(path, g.handleMCP)
	g.mux.HandleFunc("GET "+g.opts.HealthPath, g.handleHealth)
	g.mux.HandleFunc("GET "+path+"/backends/{name}", g.handleBackendSummary)
	g.mux.HandleFunc("POST "+path+"/backends/{name}", g.handleBackendRequest)

	c := cors.New(cors.Options{
		AllowedOrigins: g.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{HeaderSessionID},
	})
	return c.Handler(g.trackActivity(g.mux))
}

// trackActivity holds the activity clock busy for the lifetime of every
// request except health checks.
func (g *Gateway) trackActivity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == g.opts.HealthPath {
			next.ServeHTTP(w, r)
			return
		}
		g.clock.Begin()
		defer g.clock.End()
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}

// Options returns the effective options.
func (g *Gateway) Options() Options { return g.opts }
