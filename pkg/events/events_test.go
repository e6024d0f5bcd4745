package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/bazbeans/pkg/config"
	"github.com/cuemby/bazbeans/pkg/coordinator"
	"github.com/cuemby/bazbeans/pkg/registry"
	"github.com/cuemby/bazbeans/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestPublisherAndBus(t *testing.T) (*Publisher, *Bus, *coordinator.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Default()
	coord := coordinator.NewFromRedis(rdb, cfg)
	return NewPublisher(coord), NewBus(coord), coord
}

func TestPublishAttachesCurrentActiveNodesSnapshot(t *testing.T) {
	pub, bus, coord := newTestPublisherAndBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(coord)
	require.NoError(t, reg.Register(ctx, "node-1", "dc-1"))
	require.NoError(t, reg.Register(ctx, "node-2", "dc-1"))

	bus.Start(ctx)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	// give the subscriber goroutine a moment to attach
	time.Sleep(20 * time.Millisecond)

	// the freeze precedes the publish, so the attached snapshot must
	// already exclude the frozen node
	require.NoError(t, reg.Freeze(ctx, "node-1", "overloaded"))
	require.NoError(t, pub.Publish(ctx, types.EventNodeFrozen, "node-1", "overloaded", nil))

	select {
	case evt := <-sub:
		require.Equal(t, types.EventNodeFrozen, evt.Kind)
		require.Equal(t, []string{"node-2"}, evt.ActiveNodes)
		require.NotContains(t, evt.ActiveNodes, evt.NodeID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	_, bus, _ := newTestPublisherAndBus(t)
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	_, open := <-sub
	require.False(t, open)
}

func TestBroadcastFansOutToMultipleSubscribers(t *testing.T) {
	pub, bus, _ := newTestPublisherAndBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.Start(ctx)
	subA := bus.Subscribe()
	subB := bus.Subscribe()
	defer bus.Unsubscribe(subA)
	defer bus.Unsubscribe(subB)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pub.Publish(ctx, types.EventNodeRegistered, "node-2", "", nil))

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case evt := <-sub:
			require.Equal(t, "node-2", evt.NodeID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive broadcast event")
		}
	}
}
