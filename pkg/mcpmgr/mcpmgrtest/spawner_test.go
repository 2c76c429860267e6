package mcpmgrtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
)

func TestSpawnerDropsChildBeforeWaitReturns(t *testing.T) {
	s := NewSpawner(map[string]*Server{"solo": CalcServer()})
	b := &mcpmgr.Backend{Name: "solo"}

	first, err := s.Spawn(context.Background(), b)
	require.NoError(t, err)
	require.Equal(t, 1, s.Live("solo"))

	assert.Equal(t, 1, s.Crash("solo"))
	require.Error(t, first.Wait())
	assert.Equal(t, 0, s.Live("solo"))

	second, err := s.Spawn(context.Background(), b)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Kill() })
	assert.Equal(t, 1, s.Live("solo"))
	assert.Equal(t, 1, s.MaxLive("solo"))
	assert.Equal(t, 2, s.Spawned("solo"))
}
