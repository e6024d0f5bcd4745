package operator

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/bazbeans/pkg/commandbus"
	"github.com/cuemby/bazbeans/pkg/config"
	"github.com/cuemby/bazbeans/pkg/coordinator"
	"github.com/cuemby/bazbeans/pkg/registry"
	"github.com/cuemby/bazbeans/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) (*Controller, *registry.Registry, *coordinator.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Default()
	coord := coordinator.NewFromRedis(rdb, cfg)
	reg := registry.New(coord)
	bus := commandbus.New(coord)
	return New(reg, bus), reg, coord
}

func TestSendCommandToAllFiltersByDataCenter(t *testing.T) {
	ctrl, reg, coord := newTestController(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "node-east-1", "us-east"))
	require.NoError(t, reg.Register(ctx, "node-west-1", "us-west"))

	sent, err := ctrl.SendCommandToAll(ctx, types.Command{Kind: types.CommandHealthCheck}, "us-east")
	require.NoError(t, err)
	require.Equal(t, []string{"node-east-1"}, sent)

	var cmd types.Command
	ok, err := coord.DequeueCommand(ctx, "node-east-1", &cmd)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.CommandHealthCheck, cmd.Kind)

	ok, err = coord.DequeueCommand(ctx, "node-west-1", &cmd)
	require.NoError(t, err)
	require.False(t, ok, "node in a different data center must not receive the broadcast")
}

func TestSendCommandToAllReachesFrozenNodes(t *testing.T) {
	ctrl, reg, coord := newTestController(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "node-1", "dc-1"))
	require.NoError(t, reg.Freeze(ctx, "node-1", "maintenance"))

	sent, err := ctrl.SendCommandToAll(ctx, types.Command{Kind: types.CommandHealthCheck}, "")
	require.NoError(t, err)
	require.Contains(t, sent, "node-1", "broadcast must not skip frozen nodes")

	var cmd types.Command
	ok, err := coord.DequeueCommand(ctx, "node-1", &cmd)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestListNodesReturnsEveryRegisteredNode(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "node-1", "dc-1"))
	require.NoError(t, reg.Register(ctx, "node-2", "dc-2"))

	nodes, err := ctrl.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
}

func TestFreezeEnqueuesCommandWithReason(t *testing.T) {
	ctrl, reg, coord := newTestController(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "node-1", "dc-1"))

	sent, err := ctrl.Freeze(ctx, "node-1", "maintenance")
	require.NoError(t, err)
	require.NotEmpty(t, sent.ID)

	var cmd types.Command
	ok, err := coord.DequeueCommand(ctx, "node-1", &cmd)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.CommandFreeze, cmd.Kind)
	require.Equal(t, "maintenance", cmd.Args["reason"])
}

func TestUnfreezeEnqueuesCommand(t *testing.T) {
	ctrl, reg, coord := newTestController(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "node-1", "dc-1"))

	_, err := ctrl.Unfreeze(ctx, "node-1")
	require.NoError(t, err)

	var cmd types.Command
	ok, err := coord.DequeueCommand(ctx, "node-1", &cmd)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.CommandUnfreeze, cmd.Kind)
}
