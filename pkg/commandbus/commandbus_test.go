package commandbus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/bazbeans/pkg/config"
	"github.com/cuemby/bazbeans/pkg/coordinator"
	"github.com/cuemby/bazbeans/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*Bus, *coordinator.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	coord := coordinator.NewFromRedis(rdb, config.Default())
	return New(coord), coord
}

func TestEnqueueGeneratesIDWhenMissing(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	stored, err := bus.Enqueue(ctx, "node-1", types.Command{Kind: types.CommandFreeze})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
}

func TestEnqueuePreservesCallerSuppliedID(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	stored, err := bus.Enqueue(ctx, "node-1", types.Command{ID: "cmd-1", Kind: types.CommandFreeze})
	require.NoError(t, err)
	require.Equal(t, "cmd-1", stored.ID)
}

func TestDequeueIsFIFOAndNonBlocking(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	_, err := bus.Enqueue(ctx, "node-1", types.Command{ID: "first", Kind: types.CommandFreeze})
	require.NoError(t, err)
	_, err = bus.Enqueue(ctx, "node-1", types.Command{ID: "second", Kind: types.CommandUnfreeze})
	require.NoError(t, err)

	cmd, ok, err := bus.Dequeue(ctx, "node-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", cmd.ID)

	cmd, ok, err = bus.Dequeue(ctx, "node-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", cmd.ID)

	_, ok, err = bus.Dequeue(ctx, "node-1")
	require.NoError(t, err)
	require.False(t, ok, "empty queue must report no work, not an error")
}

func TestWriteResultSuccessUsesExecutedPrefix(t *testing.T) {
	bus, coord := newTestBus(t)
	ctx := context.Background()

	err := bus.WriteResult(ctx, "node-1", types.CommandResult{Kind: "freeze", Success: true, Payload: "ok"})
	require.NoError(t, err)

	fields, err := coord.GetStatusFields(ctx, "node-1")
	require.NoError(t, err)
	require.Contains(t, fields, "executed_freeze")
}

func TestWriteResultFailureUsesErrorPrefix(t *testing.T) {
	bus, coord := newTestBus(t)
	ctx := context.Background()

	err := bus.WriteResult(ctx, "node-1", types.CommandResult{Kind: "exec", Success: false, Error: "Command not allowed"})
	require.NoError(t, err)

	fields, err := coord.GetStatusFields(ctx, "node-1")
	require.NoError(t, err)
	require.Contains(t, fields, "error_exec")
	require.Contains(t, fields["error_exec"], "Command not allowed")
}

func TestWriteResultRecordsRecentResultsByID(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.WriteResult(ctx, "node-1", types.CommandResult{ID: "cmd-1", Kind: "exec", Success: true, Payload: "ok"}))
	require.NoError(t, bus.WriteResult(ctx, "node-1", types.CommandResult{ID: "cmd-2", Kind: "freeze", Success: true}))

	recent := bus.Recent("node-1")
	require.Len(t, recent, 2)
	require.Equal(t, "cmd-1", recent[0].ID)
	require.Equal(t, "cmd-2", recent[1].ID)

	res, ok := bus.RecentByID("node-1", "cmd-1")
	require.True(t, ok)
	require.Equal(t, "exec", res.Kind)

	_, ok = bus.RecentByID("node-1", "does-not-exist")
	require.False(t, ok)
}

func TestWriteResultWithoutIDDoesNotPopulateRecent(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.WriteResult(ctx, "node-1", types.CommandResult{Kind: "exec", Success: true}))
	require.Empty(t, bus.Recent("node-1"))
}
