package mcpmgr_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr/mcpmgrtest"
	"github.com/vikashloomba/mcp-bridge-go/pkg/rpc"
)

const fakeBackendEnv = "MCPMGR_FAKE_BACKEND"

func TestMain(m *testing.M) {
	// Re-executed as a stdio backend by TestExecSpawnerRoundTrip.
	if os.Getenv(fakeBackendEnv) == "1" {
		os.Exit(mcpmgrtest.ServeStdio(mcpmgrtest.CalcServer()))
	}
	os.Exit(m.Run())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, servers map[string]*mcpmgrtest.Server, tweak func(*mcpmgr.ManagerOptions)) (*mcpmgr.Manager, *mcpmgrtest.Spawner) {
	t.Helper()
	spawner := mcpmgrtest.NewSpawner(servers)
	opts := &mcpmgr.ManagerOptions{
		ClientName:       "mcpmgr-tests",
		HandshakeTimeout: 500 * time.Millisecond,
		CallTimeout:      5 * time.Second,
		SpawnBackoff:     5 * time.Millisecond,
		MaxSpawnBackoff:  20 * time.Millisecond,
		Spawner:          spawner,
		Logger:           quietLogger(),
	}
	if tweak != nil {
		tweak(opts)
	}
	m := mcpmgr.NewManager(opts)
	t.Cleanup(func() { _ = m.CloseTimeout(2 * time.Second) })
	return m, spawner
}

func addBackend(t *testing.T, m *mcpmgr.Manager, b *mcpmgr.Backend) {
	t.Helper()
	if b.Launch == nil {
		b.Launch = &mcpmgr.BinaryLaunch{Path: "fake-" + b.Name}
	}
	require.NoError(t, m.AddBackend(b))
}

type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func resultText(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var res toolResult
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Len(t, res.Content, 1)
	return res.Content[0].Text
}

func args(v map[string]any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestCallToolRoundTrip(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, map[string]*mcpmgrtest.Server{"calc": mcpmgrtest.CalcServer()}, nil)
	addBackend(t, m, &mcpmgr.Backend{Name: "calc"})

	ctx := context.Background()
	raw, err := m.CallTool(ctx, "calc", "add", args(map[string]any{"a": 2, "b": 3}))
	require.NoError(t, err)
	assert.Equal(t, "5", resultText(t, raw))

	raw, err = m.CallTool(ctx, "calc", "multiply", args(map[string]any{"a": 4, "b": 2.5}))
	require.NoError(t, err)
	assert.Equal(t, "10", resultText(t, raw))

	_, err = m.CallTool(ctx, "calc", "divide", nil)
	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.CodeInvalidParams, rpcErr.Code)

	_, err = m.CallTool(ctx, "nope", "add", nil)
	require.ErrorIs(t, err, mcpmgr.ErrUnknownBackend)
	assert.Equal(t, rpc.CodeInvalidParams, mcpmgr.AsRPCError(err).Code)
}

func TestAddBackendValidation(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil, nil)

	require.Error(t, m.AddBackend(&mcpmgr.Backend{}))
	require.Error(t, m.AddBackend(&mcpmgr.Backend{Name: "x"}))
	addBackend(t, m, &mcpmgr.Backend{Name: "x"})
	require.ErrorIs(t, m.AddBackend(&mcpmgr.Backend{Name: "x", Launch: &mcpmgr.BinaryLaunch{Path: "x"}}), mcpmgr.ErrBackendExists)

	addBackend(t, m, &mcpmgr.Backend{Name: "a"})
	assert.Equal(t, []string{"a", "x"}, m.ListBackends())
	assert.True(t, m.HasBackend("a"))

	summary, ok := m.Summary("a")
	require.True(t, ok)
	assert.Equal(t, mcpmgr.StatusIdle, summary.Status)
	assert.Equal(t, mcpmgr.RuntimeBinary, summary.Runtime)

	require.NoError(t, m.RemoveBackend(context.Background(), "a"))
	assert.False(t, m.HasBackend("a"))
	require.ErrorIs(t, m.RemoveBackend(context.Background(), "a"), mcpmgr.ErrUnknownBackend)
}

func TestNegotiationFallsBackAndCachesVersion(t *testing.T) {
	t.Parallel()
	srv := mcpmgrtest.CalcServer()
	srv.Versions = []string{"2024-11-05"}
	m, spawner := newTestManager(t, map[string]*mcpmgrtest.Server{"old": srv}, nil)
	addBackend(t, m, &mcpmgr.Backend{Name: "old", SingleInstance: true})

	require.NoError(t, m.Warm(context.Background(), "old"))
	b, ok := m.Backend("old")
	require.True(t, ok)
	assert.Equal(t, "2024-11-05", b.NegotiatedVersion())
	assert.EqualValues(t, 3, srv.Initializes())

	spawner.Crash("old")
	require.Eventually(t, func() bool {
		s, _ := m.Summary("old")
		return spawner.Spawned("old") == 2 && s.Processes.Ready == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The respawn starts from the cached version and needs one attempt.
	assert.EqualValues(t, 4, srv.Initializes())
}

func TestNegotiationSkipsUnansweredVersion(t *testing.T) {
	t.Parallel()
	srv := mcpmgrtest.CalcServer()
	srv.SilentVersions = []string{mcpmgr.DefaultProtocolVersions[0]}
	m, _ := newTestManager(t, map[string]*mcpmgrtest.Server{"slow": srv}, func(o *mcpmgr.ManagerOptions) {
		o.HandshakeTimeout = 50 * time.Millisecond
	})
	addBackend(t, m, &mcpmgr.Backend{Name: "slow"})

	require.NoError(t, m.Warm(context.Background(), "slow"))
	summary, _ := m.Summary("slow")
	assert.Equal(t, mcpmgr.DefaultProtocolVersions[1], summary.ProtocolVersion)
	assert.Equal(t, mcpmgr.StatusReady, summary.Status)
}

func TestHandshakeFailureMarksBackendFailed(t *testing.T) {
	t.Parallel()
	srv := mcpmgrtest.CalcServer()
	srv.Versions = []string{"1999-01-01"}
	m, spawner := newTestManager(t, map[string]*mcpmgrtest.Server{"ancient": srv}, func(o *mcpmgr.ManagerOptions) {
		o.MaxSpawnAttempts = 2
	})
	addBackend(t, m, &mcpmgr.Backend{Name: "ancient"})

	failed := make(chan string, 1)
	m.OnBackendFailed(func(backend string, _ error) { failed <- backend })

	err := m.Warm(context.Background(), "ancient")
	require.ErrorIs(t, err, mcpmgr.ErrBackendFailed)
	var hs *mcpmgr.HandshakeError
	require.ErrorAs(t, err, &hs)
	assert.Equal(t, mcpmgr.DefaultProtocolVersions, hs.Tried)
	assert.Equal(t, 2, spawner.Spawned("ancient"))

	select {
	case name := <-failed:
		assert.Equal(t, "ancient", name)
	case <-time.After(time.Second):
		t.Fatal("OnBackendFailed not called")
	}

	summary, _ := m.Summary("ancient")
	assert.Equal(t, mcpmgr.StatusFailed, summary.Status)
	assert.NotEmpty(t, summary.Error)

	_, err = m.CallTool(context.Background(), "ancient", "add", nil)
	require.ErrorIs(t, err, mcpmgr.ErrBackendFailed)
	assert.Equal(t, rpc.CodeBackendUnavailable, mcpmgr.AsRPCError(err).Code)
}

func TestAsRPCErrorPrefersManagerState(t *testing.T) {
	rejected := rpc.NewError(rpc.CodeInvalidParams, "unsupported protocol version", nil)
	handshake := &mcpmgr.HandshakeError{Backend: "ancient", Tried: []string{"2025-06-18"}, Err: rejected}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"backend reply", rejected, rpc.CodeInvalidParams},
		{"failed after handshake", fmt.Errorf("%w: ancient: %w", mcpmgr.ErrBackendFailed, handshake), rpc.CodeBackendUnavailable},
		{"handshake", handshake, rpc.CodeInternalError},
		{"exited", &mcpmgr.ProcessExitedError{Backend: "calc", PID: 7, ExitCode: 1}, rpc.CodeInternalError},
		{"timeout", fmt.Errorf("calc: %w", mcpmgr.ErrCallTimeout), rpc.CodeCallTimeout},
		{"unknown", fmt.Errorf("%w: %q", mcpmgr.ErrUnknownBackend, "nope"), rpc.CodeInvalidParams},
		{"closed", mcpmgr.ErrManagerClosed, rpc.CodeBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mcpmgr.AsRPCError(tt.err).Code)
		})
	}
	assert.Same(t, rejected, mcpmgr.AsRPCError(rejected))
}

func TestSpawnRetriesThenFailsPermanently(t *testing.T) {
	t.Parallel()
	servers := map[string]*mcpmgrtest.Server{
		"flaky":  mcpmgrtest.CalcServer(),
		"broken": mcpmgrtest.CalcServer(),
		"fine":   mcpmgrtest.CalcServer(),
	}
	m, spawner := newTestManager(t, servers, func(o *mcpmgr.ManagerOptions) {
		o.MaxSpawnAttempts = 3
	})
	spawner.FailNext("flaky", 2)
	spawner.FailNext("broken", 3)
	for _, name := range []string{"flaky", "broken", "fine"} {
		addBackend(t, m, &mcpmgr.Backend{Name: name})
	}

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.NotContains(t, err.Error(), "flaky")
	require.ErrorIs(t, err, mcpmgrtest.ErrSpawnRefused)

	for name, want := range map[string]mcpmgr.BackendStatus{
		"flaky":  mcpmgr.StatusReady,
		"broken": mcpmgr.StatusFailed,
		"fine":   mcpmgr.StatusReady,
	} {
		s, _ := m.Summary(name)
		assert.Equal(t, want, s.Status, name)
	}

	// A failed backend stays failed; no further spawns are attempted.
	_, err = m.CallTool(context.Background(), "broken", "add", nil)
	require.ErrorIs(t, err, mcpmgr.ErrBackendFailed)
	assert.Equal(t, 0, spawner.Spawned("broken"))

	raw, err := m.CallTool(context.Background(), "fine", "add", args(map[string]any{"a": 1, "b": 1}))
	require.NoError(t, err)
	assert.Equal(t, "2", resultText(t, raw))
}

// concurrencyProbe is a tool that records how many calls run at once on the
// whole backend and blocks until released.
type concurrencyProbe struct {
	inFlight atomic.Int64
	peak     atomic.Int64
	release  chan struct{}
}

func newProbe() *concurrencyProbe {
	return &concurrencyProbe{release: make(chan struct{})}
}

func (p *concurrencyProbe) tool(hold time.Duration) mcpmgrtest.Tool {
	return mcpmgrtest.Tool{
		Name: "probe",
		Handler: func(ctx context.Context, c *mcpmgrtest.Call) (any, error) {
			n := p.inFlight.Add(1)
			defer p.inFlight.Add(-1)
			for {
				peak := p.peak.Load()
				if n <= peak || p.peak.CompareAndSwap(peak, n) {
					break
				}
			}
			if hold > 0 {
				time.Sleep(hold)
			} else {
				select {
				case <-p.release:
				case <-ctx.Done():
				}
			}
			return "ok", nil
		},
	}
}

func TestSingleInstanceSerializesCalls(t *testing.T) {
	t.Parallel()
	probe := newProbe()
	srv := mcpmgrtest.NewServer(probe.tool(20 * time.Millisecond))
	m, spawner := newTestManager(t, map[string]*mcpmgrtest.Server{"solo": srv}, func(o *mcpmgr.ManagerOptions) {
		o.MaxInstances = 8
	})
	addBackend(t, m, &mcpmgr.Backend{Name: "solo", SingleInstance: true})

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CallTool(context.Background(), "solo", "probe", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.EqualValues(t, 1, probe.peak.Load())
	assert.Equal(t, 1, spawner.Spawned("solo"))
	assert.Equal(t, 1, spawner.MaxLive("solo"))
	summary, _ := m.Summary("solo")
	assert.Equal(t, 1, summary.Processes.Max)
}

func TestMultiInstanceGrowsOnDemandUpToCap(t *testing.T) {
	t.Parallel()
	probe := newProbe()
	srv := mcpmgrtest.NewServer(probe.tool(0))
	m, spawner := newTestManager(t, map[string]*mcpmgrtest.Server{"pool": srv}, func(o *mcpmgr.ManagerOptions) {
		o.MaxInstances = 3
	})
	addBackend(t, m, &mcpmgr.Backend{Name: "pool"})
	require.NoError(t, m.Warm(context.Background(), "pool"))
	pool, err := m.Pool("pool")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 1; i <= 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CallTool(context.Background(), "pool", "probe", nil)
			errs <- err
		}()
		require.Eventually(t, func() bool {
			return probe.inFlight.Load() == int64(i) && pool.Stats().Spawning == 0
		}, 2*time.Second, 2*time.Millisecond)
	}

	stats := pool.Stats()
	assert.Equal(t, 3, stats.Ready)
	assert.Equal(t, 3, stats.Busy)
	assert.Equal(t, 6, stats.InFlight)
	assert.Equal(t, 3, spawner.Spawned("pool"))
	assert.Equal(t, 3, spawner.MaxLive("pool"))

	close(probe.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 0, pool.Stats().InFlight)
}

func TestCrashMidCallFailsOnlyThatCall(t *testing.T) {
	t.Parallel()
	srv := mcpmgrtest.NewServer(mcpmgrtest.AddTool(), mcpmgrtest.CrashTool())
	srv.StderrBanner = "about to misbehave"
	m, spawner := newTestManager(t, map[string]*mcpmgrtest.Server{"fragile": srv}, nil)
	addBackend(t, m, &mcpmgr.Backend{Name: "fragile", SingleInstance: true})

	_, err := m.CallTool(context.Background(), "fragile", "crash", args(map[string]any{"delay_ms": 10}))
	var exited *mcpmgr.ProcessExitedError
	require.ErrorAs(t, err, &exited)
	assert.Equal(t, "fragile", exited.Backend)
	assert.Equal(t, 1, exited.ExitCode)
	assert.False(t, exited.Intentional)
	assert.Contains(t, exited.Stderr, "about to misbehave")
	require.ErrorIs(t, err, mcpmgr.ErrProcessClosed)

	rpcErr := mcpmgr.AsRPCError(err)
	assert.Equal(t, rpc.CodeInternalError, rpcErr.Code)
	assert.JSONEq(t, `{"backend":"fragile","retryable":true}`, string(rpcErr.Data))

	raw, err := m.CallTool(context.Background(), "fragile", "add", args(map[string]any{"a": 20, "b": 22}))
	require.NoError(t, err)
	assert.Equal(t, "42", resultText(t, raw))
	assert.Equal(t, 2, spawner.Spawned("fragile"))
	assert.Equal(t, 1, spawner.MaxLive("fragile"))

	summary, _ := m.Summary("fragile")
	assert.Equal(t, 1, summary.Processes.Restarts)
}

func TestCrashBetweenCallsResetsProcessState(t *testing.T) {
	t.Parallel()
	srv := mcpmgrtest.NewServer(mcpmgrtest.CounterTool())
	m, spawner := newTestManager(t, map[string]*mcpmgrtest.Server{"stateful": srv}, nil)
	addBackend(t, m, &mcpmgr.Backend{Name: "stateful", SingleInstance: true})

	call := func() string {
		raw, err := m.CallTool(context.Background(), "stateful", "counter", nil)
		require.NoError(t, err)
		return resultText(t, raw)
	}
	first, second := call(), call()
	pid := strings.SplitN(first, "@", 2)[1]
	assert.Equal(t, "1@"+pid, first)
	assert.Equal(t, "2@"+pid, second)

	assert.Equal(t, 1, spawner.Crash("stateful"))
	require.Eventually(t, func() bool {
		s, _ := m.Summary("stateful")
		return spawner.Spawned("stateful") == 2 && s.Processes.Ready == 1
	}, 2*time.Second, 5*time.Millisecond)

	third := call()
	assert.True(t, strings.HasPrefix(third, "1@"), third)
	assert.NotEqual(t, "1@"+pid, third)
}

func TestCallTimeoutLeavesProcessUsable(t *testing.T) {
	t.Parallel()
	srv := mcpmgrtest.NewServer(mcpmgrtest.SleepTool(), mcpmgrtest.AddTool())
	m, spawner := newTestManager(t, map[string]*mcpmgrtest.Server{"sleepy": srv}, nil)
	addBackend(t, m, &mcpmgr.Backend{Name: "sleepy", CallTimeout: 50 * time.Millisecond})
	require.NoError(t, m.Warm(context.Background(), "sleepy"))

	_, err := m.CallTool(context.Background(), "sleepy", "sleep", args(map[string]any{"ms": 300}))
	require.ErrorIs(t, err, mcpmgr.ErrCallTimeout)
	assert.Equal(t, rpc.CodeCallTimeout, mcpmgr.AsRPCError(err).Code)

	raw, err := m.CallTool(context.Background(), "sleepy", "add", args(map[string]any{"a": 1, "b": 2}))
	require.NoError(t, err)
	assert.Equal(t, "3", resultText(t, raw))
	assert.Equal(t, 1, spawner.Spawned("sleepy"))
}

func TestListToolsFollowsPagination(t *testing.T) {
	t.Parallel()
	srv := mcpmgrtest.NewServer(
		mcpmgrtest.NamedTool("a", "a"),
		mcpmgrtest.NamedTool("b", "b"),
		mcpmgrtest.NamedTool("c", "c"),
		mcpmgrtest.NamedTool("d", "d"),
		mcpmgrtest.NamedTool("e", "e"),
	)
	srv.PageSize = 2
	srv.RequireInitialized = true
	m, _ := newTestManager(t, map[string]*mcpmgrtest.Server{"paged": srv}, nil)
	addBackend(t, m, &mcpmgr.Backend{Name: "paged"})

	tools, err := m.ListTools(context.Background(), "paged")
	require.NoError(t, err)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, names)
	assert.Equal(t, "Reply with a fixed string", tools[0].Description)
}

func TestNotificationsReachHandlers(t *testing.T) {
	t.Parallel()
	srv := mcpmgrtest.NewServer(mcpmgrtest.AnnounceTool())
	m, _ := newTestManager(t, map[string]*mcpmgrtest.Server{"chatty": srv}, nil)
	addBackend(t, m, &mcpmgr.Backend{Name: "chatty"})

	got := make(chan string, 4)
	m.OnNotification(func(backend string, msg *rpc.Message) {
		got <- backend + " " + msg.Method
	})
	ready := make(chan string, 4)
	m.OnBackendReady(func(backend string) { ready <- backend })

	_, err := m.CallTool(context.Background(), "chatty", "announce", nil)
	require.NoError(t, err)

	select {
	case n := <-got:
		assert.Equal(t, "chatty "+mcpmgr.MethodToolListChanged, n)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
	select {
	case name := <-ready:
		assert.Equal(t, "chatty", name)
	case <-time.After(time.Second):
		t.Fatal("ready handler not called")
	}
}

func TestCloseTerminatesEveryProcess(t *testing.T) {
	t.Parallel()
	servers := map[string]*mcpmgrtest.Server{
		"one": mcpmgrtest.CalcServer(),
		"two": mcpmgrtest.CalcServer(),
	}
	m, spawner := newTestManager(t, servers, nil)
	addBackend(t, m, &mcpmgr.Backend{Name: "one"})
	addBackend(t, m, &mcpmgr.Backend{Name: "two", SingleInstance: true})
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 2, m.LiveProcesses())

	require.NoError(t, m.CloseTimeout(time.Second))
	require.Eventually(t, func() bool {
		return spawner.Live("one") == 0 && spawner.Live("two") == 0 && m.LiveProcesses() == 0
	}, time.Second, 5*time.Millisecond)

	_, err := m.CallTool(context.Background(), "one", "add", nil)
	require.ErrorIs(t, err, mcpmgr.ErrManagerClosed)
	require.ErrorIs(t, m.AddBackend(&mcpmgr.Backend{Name: "three", Launch: &mcpmgr.BinaryLaunch{Path: "x"}}), mcpmgr.ErrManagerClosed)
	require.NoError(t, m.Close(context.Background()))
}

func TestRPCLoggerSeesBothDirections(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		events []mcpmgr.RPCLogEvent
	)
	m, _ := newTestManager(t, map[string]*mcpmgrtest.Server{"calc": mcpmgrtest.CalcServer()}, func(o *mcpmgr.ManagerOptions) {
		o.RPCLogger = func(ev mcpmgr.RPCLogEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	})
	addBackend(t, m, &mcpmgr.Backend{Name: "calc"})
	_, err := m.CallTool(context.Background(), "calc", "add", args(map[string]any{"a": 1, "b": 1}))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	var sent, received int
	for _, ev := range events {
		assert.Equal(t, "calc", ev.Backend)
		switch ev.Direction {
		case mcpmgr.RPCDirectionSend:
			sent++
		case mcpmgr.RPCDirectionReceive:
			received++
		}
	}
	// initialize, notifications/initialized, tools/call out; two responses in.
	assert.Equal(t, 3, sent)
	assert.Equal(t, 2, received)
}

func TestExecSpawnerRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns the test binary")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	m := mcpmgr.NewManager(&mcpmgr.ManagerOptions{Logger: quietLogger()})
	defer m.CloseTimeout(2 * time.Second)
	require.NoError(t, m.AddBackend(&mcpmgr.Backend{
		Name:   "exec",
		Root:   t.TempDir(),
		Launch: &mcpmgr.BinaryLaunch{Path: exe},
		Env:    map[string]string{fakeBackendEnv: "1"},
	}))

	raw, err := m.CallTool(context.Background(), "exec", "add", args(map[string]any{"a": 40, "b": 2}))
	require.NoError(t, err)
	assert.Equal(t, "42", resultText(t, raw))

	pool, err := m.Pool("exec")
	require.NoError(t, err)
	procs := pool.Processes()
	require.Len(t, procs, 1)

	require.NoError(t, m.CloseTimeout(2*time.Second))
	select {
	case <-procs[0].Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process still running after Close")
	}
	exitErr := procs[0].ExitErr()
	require.NotNil(t, exitErr)
	assert.True(t, exitErr.Intentional)
	assert.True(t, errors.Is(exitErr, mcpmgr.ErrProcessClosed))
}

func TestHandlersMayRegisterDuringDispatch(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, map[string]*mcpmgrtest.Server{"calc": mcpmgrtest.CalcServer()}, nil)
	addBackend(t, m, &mcpmgr.Backend{Name: "calc"})

	ready := make(chan string, 4)
	m.OnBackendReady(func(backend string) {
		m.OnBackendReady(func(string) {})
		ready <- backend
	})

	require.NoError(t, m.Warm(context.Background(), "calc"))
	select {
	case name := <-ready:
		assert.Equal(t, "calc", name)
	case <-time.After(time.Second):
		t.Fatal("ready handler not called")
	}
}
