package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/bazbeans/pkg/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Default()
	return NewFromRedis(rdb, cfg), mr
}

func TestPipelinedSetMutateAndStatusIsAtomic(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	err := c.PipelinedSetMutateAndStatus(ctx, c.ActiveNodesKey(), "node-1", true, "node-1", map[string]interface{}{
		"status": "active",
	})
	require.NoError(t, err)

	isMember, err := c.IsSetMember(ctx, c.ActiveNodesKey(), "node-1")
	require.NoError(t, err)
	require.True(t, isMember)

	fields, err := c.GetStatusFields(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, "active", fields["status"])
}

func TestWriteAndReadHeartbeatRoundtrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	type payload struct {
		NodeID string `json:"node_id"`
	}
	err := c.WriteHeartbeat(ctx, "node-1", payload{NodeID: "node-1"}, 0)
	require.NoError(t, err)

	var out payload
	ok, err := c.ReadHeartbeat(ctx, "node-1", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "node-1", out.NodeID)
}

func TestHeartbeatExistsFalseWhenExpired(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	err := c.WriteHeartbeat(ctx, "node-1", map[string]string{"a": "b"}, time.Second)
	require.NoError(t, err)

	exists, err := c.HeartbeatExists(ctx, "node-1")
	require.NoError(t, err)
	require.True(t, exists)

	mr.FastForward(2 * time.Second)
	exists, err = c.HeartbeatExists(ctx, "node-1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestEnqueueDequeueCommandFIFO(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	type cmd struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, c.EnqueueCommand(ctx, "node-1", cmd{Kind: "freeze"}))
	require.NoError(t, c.EnqueueCommand(ctx, "node-1", cmd{Kind: "unfreeze"}))

	var first cmd
	ok, err := c.DequeueCommand(ctx, "node-1", &first)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "freeze", first.Kind)

	var second cmd
	ok, err = c.DequeueCommand(ctx, "node-1", &second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "unfreeze", second.Kind)

	var empty cmd
	ok, err = c.DequeueCommand(ctx, "node-1", &empty)
	require.NoError(t, err)
	require.False(t, ok, "dequeue on empty queue must report no work, not an error")
}

func TestSetAndGetIP(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.GetIP(ctx, "node-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.SetIP(ctx, "node-1", "10.0.0.5"))
	ip, ok, err := c.GetIP(ctx, "node-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10.0.0.5", ip)
}
