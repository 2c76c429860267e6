package mcpgateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestTrackReplacesClientToken(t *testing.T) {
	pt := newProgressTracker(slog.Default())
	sink := &fakeProgressSink{}
	meta := map[string]json.RawMessage{"progressToken": json.RawMessage(`"client-1"`), "other": json.RawMessage(`true`)}

	release := pt.track("srv", "sess", sink, meta)
	defer release()

	var token string
	if err := json.Unmarshal(meta["progressToken"], &token); err != nil || !strings.HasPrefix(token, "gw/srv/") {
		t.Fatalf("expected gateway token, got %s", meta["progressToken"])
	}
	if string(meta["other"]) != "true" {
		t.Fatalf("unrelated meta lost: %+v", meta)
	}
	reg, ok := pt.lookup("srv", token)
	if !ok || string(reg.clientToken) != `"client-1"` || reg.sink != sink {
		t.Fatalf("unexpected registration %+v", reg)
	}
}

func TestTrackWithoutTokenIsNoop(t *testing.T) {
	pt := newProgressTracker(slog.Default())
	meta := map[string]json.RawMessage{}
	pt.track("srv", "sess", &fakeProgressSink{}, meta)()
	if _, ok := meta["progressToken"]; ok {
		t.Fatalf("token should not be invented: %+v", meta)
	}
	pt.track("srv", "sess", &fakeProgressSink{}, map[string]json.RawMessage{"progressToken": json.RawMessage(`null`)})()
	if pt.len() != 0 {
		t.Fatalf("unexpected registrations: %d", pt.len())
	}
}

func TestTrackDropsUnsupportedClientToken(t *testing.T) {
	pt := newProgressTracker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, bad := range []string{`{"a":1}`, `[1]`, `true`} {
		meta := map[string]json.RawMessage{"progressToken": json.RawMessage(bad)}
		pt.track("srv", "sess", &fakeProgressSink{}, meta)()
		if _, ok := meta["progressToken"]; ok {
			t.Fatalf("token %s should have been dropped", bad)
		}
	}
	if pt.len() != 0 {
		t.Fatalf("unexpected registrations: %d", pt.len())
	}
}

func TestForwardProgressKeepsLargeIntegerToken(t *testing.T) {
	pt := newProgressTracker(slog.Default())
	sink := &fakeProgressSink{}
	meta := map[string]json.RawMessage{"progressToken": json.RawMessage(`9007199254740993`)}
	pt.track("srv", "sess", sink, meta)

	params := []byte(`{"progressToken":` + string(meta["progressToken"]) + `,"progress":1}`)
	if !pt.forward(context.Background(), "srv", params) {
		t.Fatalf("expected registration to match")
	}
	out, err := json.Marshal(sink.lastParams)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"progressToken":9007199254740993`) {
		t.Fatalf("client token altered: %s", out)
	}
}

func TestTrackProgressLifecycle(t *testing.T) {
	pt := newProgressTracker(slog.Default())
	sink := &fakeProgressSink{}

	cleanup := pt.register("srv", "token-1", progressRegistration{sink: sink})
	cleanup2 := pt.register("srv", int64(42), progressRegistration{sink: sink})

	if got, _ := pt.lookup("srv", "token-1"); got.sink != sink {
		t.Fatalf("expected sink lookup for string token, got %v", got)
	}
	if got, _ := pt.lookup("srv", int64(42)); got.sink != sink {
		t.Fatalf("expected sink lookup for int token, got %v", got)
	}

	cleanup()
	waitForProgressRemoval(t, func() bool {
		_, ok := pt.lookup("srv", "token-1")
		return !ok
	})

	cleanup2()
	waitForProgressRemoval(t, func() bool {
		_, ok := pt.lookup("srv", int64(42))
		return !ok
	})
}

func TestForwardProgressRestoresClientToken(t *testing.T) {
	pt := newProgressTracker(slog.Default())
	sink := &fakeProgressSink{}
	meta := map[string]json.RawMessage{"progressToken": json.RawMessage(`7`)}
	pt.track("srv", "sess", sink, meta)

	params := []byte(`{"progressToken":` + string(meta["progressToken"]) + `,"progress":0.5,"total":1}`)
	if !pt.forward(context.Background(), "srv", params) {
		t.Fatalf("expected registration to match")
	}
	if sink.calls != 1 {
		t.Fatalf("expected NotifyProgress to be called once, got %d", sink.calls)
	}
	if tok, _ := sink.lastParams.ProgressToken.(json.RawMessage); string(tok) != "7" || sink.lastParams.Progress != 0.5 {
		t.Fatalf("unexpected params %+v", sink.lastParams)
	}
	if pt.forward(context.Background(), "other", params) {
		t.Fatalf("token must not match a different backend")
	}
}

func TestReleaseSessionDropsRegistrations(t *testing.T) {
	pt := newProgressTracker(slog.Default())
	pt.track("srv", "a", &fakeProgressSink{}, map[string]json.RawMessage{"progressToken": json.RawMessage(`"x"`)})
	pt.track("srv", "a", &fakeProgressSink{}, map[string]json.RawMessage{"progressToken": json.RawMessage(`"y"`)})
	pt.track("srv", "b", &fakeProgressSink{}, map[string]json.RawMessage{"progressToken": json.RawMessage(`"z"`)})

	if n := pt.releaseSession("a"); n != 2 {
		t.Fatalf("released %d registrations, want 2", n)
	}
	if pt.len() != 1 {
		t.Fatalf("expected session b to keep its registration, have %d", pt.len())
	}
}

type fakeProgressSink struct {
	mu         sync.Mutex
	calls      int
	lastParams *mcp.ProgressNotificationParams
}

func (f *fakeProgressSink) NotifyProgress(ctx context.Context, params *mcp.ProgressNotificationParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastParams = params
	return nil
}

func waitForProgressRemoval(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * progressCleanupGrace)
	if progressCleanupGrace <= 0 {
		deadline = time.Now().Add(100 * time.Millisecond)
	}
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !condition() {
		t.Fatalf("condition not met before timeout")
	}
}
