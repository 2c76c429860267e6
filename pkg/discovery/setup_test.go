package discovery

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("setup scripts need /bin/sh")
	}
}

func scriptBackend(t *testing.T, script string) *mcpmgr.Backend {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "svc")
	path := filepath.Join(dir, "setup.sh")
	writeFile(t, path, "#!/bin/sh\n"+script, 0o755)
	return &mcpmgr.Backend{Name: "svc", Root: dir, SetupScript: path, Launch: &mcpmgr.BinaryLaunch{Path: "svc"}}
}

func TestSetupEnv(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.PassEnv = []string{"SECRET_*", "EXACT"}
	opts.Environ = func() []string {
		return []string{"PATH=/usr/bin", "SECRET_TOKEN=abc", "SECRET_KEY=k", "EXACT=1", "EXACTLY=2", "UNRELATED=x", "MALFORMED"}
	}
	b := &mcpmgr.Backend{Name: "svc", Root: "/srv/svc", Env: map[string]string{"EXACT": "override"}}

	env := SetupEnv(b, opts)
	got := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	assert.Equal(t, map[string]string{
		"PATH":         "/usr/bin",
		"SECRET_TOKEN": "abc",
		"SECRET_KEY":   "k",
		"EXACT":        "override",
		EnvBackendName: "svc",
		EnvBackendPath: "/srv/svc",
	}, got)
	assert.Len(t, env, len(got))
}

func TestSetupEnvInheritsGatewayEnvironment(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.Environ = func() []string {
		return []string{"PATH=/usr/bin", "OPENAI_API_KEY=sk-1", "UNRELATED=x"}
	}
	b := &mcpmgr.Backend{Name: "svc", Root: "/srv/svc", Env: map[string]string{"UNRELATED": "y"}}

	env := SetupEnv(b, opts)
	assert.Equal(t, []string{
		"PATH=/usr/bin",
		"OPENAI_API_KEY=sk-1",
		"UNRELATED=y",
		EnvBackendName + "=svc",
		EnvBackendPath + "=/srv/svc",
	}, env)
}

func TestRunSetup(t *testing.T) {
	requireShell(t)
	ctx := context.Background()

	t.Run("exit zero", func(t *testing.T) {
		b := scriptBackend(t, "echo \"$MCP_BACKEND_NAME $MCP_BACKEND_PATH\" > setup.out\n")
		require.NoError(t, RunSetup(ctx, b, testOptions(b.Root)))
		out, err := os.ReadFile(filepath.Join(b.Root, "setup.out"))
		require.NoError(t, err)
		assert.Equal(t, "svc "+b.Root+"\n", string(out))
	})

	t.Run("ready marker before exit", func(t *testing.T) {
		b := scriptBackend(t, "echo preparing\necho "+ReadyMarker+"\nsleep 5\n")
		opts := testOptions(b.Root)
		opts.SetupTimeout = 3 * time.Second
		start := time.Now()
		require.NoError(t, RunSetup(ctx, b, opts))
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		b := scriptBackend(t, "echo 'missing dependency' >&2\nexit 3\n")
		err := RunSetup(ctx, b, testOptions(b.Root))
		var se *SetupError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 3, se.ExitCode)
		assert.False(t, se.TimedOut)
		assert.Contains(t, se.Output, "missing dependency")
		assert.Contains(t, err.Error(), "exited with code 3")
	})

	t.Run("timeout", func(t *testing.T) {
		b := scriptBackend(t, "echo working\nsleep 5\n")
		opts := testOptions(b.Root)
		opts.SetupTimeout = 100 * time.Millisecond
		err := RunSetup(ctx, b, opts)
		var se *SetupError
		require.ErrorAs(t, err, &se)
		assert.True(t, se.TimedOut)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("no script", func(t *testing.T) {
		require.NoError(t, RunSetup(ctx, &mcpmgr.Backend{Name: "svc"}, Options{}))
	})
}

func TestDiscoverExcludesFailedSetup(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "good", "server.py"), "", 0o644)
	writeFile(t, filepath.Join(root, "good", "setup.sh"), "#!/bin/sh\necho ok\n", 0o755)
	writeFile(t, filepath.Join(root, "bad", "server.py"), "", 0o644)
	writeFile(t, filepath.Join(root, "bad", "setup.sh"), "#!/bin/sh\nexit 1\n", 0o755)

	opts := testOptions(root)
	opts.RunSetup = true
	res, err := Discover(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, res.Backends, 1)
	assert.Equal(t, "good", res.Backends[0].Name)
	require.Len(t, res.Excluded, 1)
	assert.Equal(t, "bad", res.Excluded[0].Name)
	var se *SetupError
	require.ErrorAs(t, res.Excluded[0].Err, &se)
}
