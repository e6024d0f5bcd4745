package agent

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/bazbeans/pkg/commandbus"
	"github.com/cuemby/bazbeans/pkg/config"
	"github.com/cuemby/bazbeans/pkg/coordinator"
	"github.com/cuemby/bazbeans/pkg/events"
	"github.com/cuemby/bazbeans/pkg/health"
	"github.com/cuemby/bazbeans/pkg/registry"
	"github.com/cuemby/bazbeans/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeProbe reports a fixed, adjustable resource snapshot.
type fakeProbe struct {
	metrics types.Metrics
	err     error
}

func (f *fakeProbe) Sample(_ context.Context) (types.Metrics, error) {
	return f.metrics, f.err
}

// fakeChecker is a user-registered health.Checker stub.
type fakeChecker struct {
	result health.Result
}

func (f *fakeChecker) Check(_ context.Context) health.Result { return f.result }
func (f *fakeChecker) Type() health.CheckType                { return health.CheckTypeExec }

func newTestAgent(t *testing.T) (*Agent, *registry.Registry, *commandbus.Bus, *coordinator.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Default()
	cfg.NodeID = "node-1"
	cfg.DataCenter = "dc-1"
	cfg.CommandPollInterval = 10 * time.Millisecond

	coord := coordinator.NewFromRedis(rdb, cfg)
	reg := registry.New(coord)
	bus := commandbus.New(coord)
	pub := events.NewPublisher(coord)

	a := New(cfg, Deps{
		Registry:    reg,
		CommandBus:  bus,
		Publisher:   pub,
		SystemProbe: &fakeProbe{metrics: types.Metrics{CPUPercent: 10, MemPercent: 10, DiskPercent: 10}},
	})
	return a, reg, bus, coord
}

func TestStartRegistersNodeAsActive(t *testing.T) {
	a, reg, _, coord := newTestAgent(t)
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	require.True(t, a.isActive())

	status, err := reg.GetStatus(ctx, "node-1")
	require.NoError(t, err)
	require.True(t, status.IsActive)
	require.False(t, status.IsFrozen)

	fields, err := coord.GetStatusFields(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, string(types.StatusRegistered), fields["status"])
}

func TestTickFreezesOnCPUThresholdBreach(t *testing.T) {
	a, reg, _, _ := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	a.deps.SystemProbe = &fakeProbe{metrics: types.Metrics{CPUPercent: 95, MemPercent: 10, DiskPercent: 10}}
	a.tick(ctx)

	require.True(t, a.isFrozen())
	status, err := reg.GetStatus(ctx, "node-1")
	require.NoError(t, err)
	require.True(t, status.IsFrozen)
	require.Contains(t, status.Details, "High CPU usage")
}

func TestTickDoesNotFreezeAtExactThreshold(t *testing.T) {
	a, _, _, _ := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	a.deps.SystemProbe = &fakeProbe{metrics: types.Metrics{CPUPercent: float64(a.cfg.CPUThreshold), MemPercent: 10, DiskPercent: 10}}
	a.tick(ctx)

	require.False(t, a.isFrozen(), "threshold comparison must be strict >, not >=")
}

func TestTickFreezesOnFailingUserHealthProbe(t *testing.T) {
	a, _, _, _ := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	a.deps.HealthProbes = []health.Checker{&fakeChecker{result: health.Result{Healthy: false, Message: "dependency down"}}}
	a.tick(ctx)

	require.True(t, a.isFrozen())
}

func TestDrainOneCommandDispatchesFreeze(t *testing.T) {
	a, reg, bus, _ := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	_, err := bus.Enqueue(ctx, "node-1", types.Command{Kind: types.CommandFreeze, Args: map[string]interface{}{"reason": "maintenance"}})
	require.NoError(t, err)

	a.drainOneCommand(ctx)

	require.True(t, a.isFrozen())
	status, err := reg.GetStatus(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, "maintenance", status.Details)
}

func TestDrainOneCommandUnknownKindWritesErrorWithoutCrashing(t *testing.T) {
	a, _, bus, coord := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	_, err := bus.Enqueue(ctx, "node-1", types.Command{Kind: "bogus"})
	require.NoError(t, err)

	require.NotPanics(t, func() { a.drainOneCommand(ctx) })

	fields, err := coord.GetStatusFields(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, "Unknown command: bogus", fields["error"])
}

func TestFreezeWhileFrozenIsNoOp(t *testing.T) {
	a, reg, _, _ := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	require.NoError(t, a.freeze(ctx, "first"))
	require.NoError(t, a.freeze(ctx, "second"))

	status, err := reg.GetStatus(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, "first", status.Details, "re-freezing a frozen node must not run again")
}

func TestUnfreezeWhileActiveIsNoOp(t *testing.T) {
	a, _, _, coord := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	require.NoError(t, a.unfreeze(ctx))

	fields, err := coord.GetStatusFields(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, string(types.StatusRegistered), fields["status"], "unfreeze on an active node must not rewrite status")
}

func TestDrainOneCommandIsNoOpOnEmptyQueue(t *testing.T) {
	a, _, _, _ := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	require.NotPanics(t, func() { a.drainOneCommand(ctx) })
}

func TestShutdownMarksStoppedAndLeavesActiveNodes(t *testing.T) {
	a, reg, _, coord := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	require.NoError(t, a.shutdown(ctx))

	active, err := reg.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	fields, err := coord.GetStatusFields(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, string(types.StatusStopped), fields["status"])
}
