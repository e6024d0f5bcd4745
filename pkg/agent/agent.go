// Package agent implements the node agent state machine and main loop:
// heartbeat, self-health, command drain, and graceful shutdown, co-located
// with the application instance it represents.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/bazbeans/pkg/commandbus"
	"github.com/cuemby/bazbeans/pkg/config"
	"github.com/cuemby/bazbeans/pkg/events"
	"github.com/cuemby/bazbeans/pkg/health"
	"github.com/cuemby/bazbeans/pkg/log"
	"github.com/cuemby/bazbeans/pkg/metrics"
	"github.com/cuemby/bazbeans/pkg/registry"
	"github.com/cuemby/bazbeans/pkg/resolver"
	"github.com/cuemby/bazbeans/pkg/sysprobe"
	"github.com/cuemby/bazbeans/pkg/types"
	"github.com/rs/zerolog"
)

// State is the agent's position in the START -> ACTIVE <-> FROZEN -> STOPPED
// machine.
type State string

const (
	StateStart   State = "start"
	StateActive  State = "active"
	StateFrozen  State = "frozen"
	StateStopped State = "stopped"
)

// Deps bundles the agent's external collaborators. SystemProbe and
// ContainerProbe are swappable; HealthProbes are additional user-registered
// checks run after the two built-in threshold tests.
type Deps struct {
	Registry      *registry.Registry
	CommandBus    *commandbus.Bus
	Publisher     *events.Publisher
	SystemProbe   sysprobe.Probe
	ContainerProbe *sysprobe.ContainerRuntimeProbe
	HealthProbes  []health.Checker
	Handlers      map[string]CommandHandler
}

// Agent runs the per-node main loop.
type Agent struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger

	mu       sync.RWMutex
	state    State
	handlers map[string]CommandHandler
}

// New builds an Agent. Plugin-supplied handlers in deps.Handlers are merged
// on top of the built-ins, so a plugin may shadow a built-in kind.
func New(cfg *config.Config, deps Deps) *Agent {
	handlers := builtinHandlers()
	for kind, h := range deps.Handlers {
		handlers[kind] = h
	}
	if deps.SystemProbe == nil {
		deps.SystemProbe = sysprobe.NewGopsutilProbe()
	}

	return &Agent{
		cfg:      cfg,
		deps:     deps,
		logger:   log.WithNodeID(cfg.NodeID),
		state:    StateStart,
		handlers: handlers,
	}
}

func (a *Agent) isFrozen() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state == StateFrozen
}

func (a *Agent) isActive() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state == StateActive
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Start registers the node, self-registers its outbound IP (non-fatal on
// failure), and publishes node_registered.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.deps.Registry.Register(ctx, a.cfg.NodeID, a.cfg.DataCenter); err != nil {
		return fmt.Errorf("agent: register: %w", err)
	}
	a.setState(StateActive)

	ip, err := resolver.OutboundIP()
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to determine outbound IP, continuing without self-registration")
	} else if err := a.deps.Registry.RegisterIP(ctx, a.cfg.NodeID, ip); err != nil {
		a.logger.Warn().Err(err).Msg("failed to register IP")
	}

	if a.deps.Publisher != nil {
		if err := a.deps.Publisher.Publish(ctx, types.EventNodeRegistered, a.cfg.NodeID, "", func(e *types.Event) {
			e.DataCenter = a.cfg.DataCenter
			e.NodePort = a.cfg.NodePort
		}); err != nil {
			a.logger.Warn().Err(err).Msg("failed to publish node_registered")
		}
	}
	return nil
}

// Run executes the main loop until ctx is cancelled, then performs graceful
// shutdown.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.CommandPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.shutdown(context.Background())
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Agent) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AgentTickDuration)

	a.heartbeat(ctx)

	if a.isActive() {
		if healthy, reason := a.runSelfHealth(ctx); !healthy {
			if err := a.freeze(ctx, reason); err != nil {
				a.logger.Warn().Err(err).Msg("failed to self-freeze")
			}
			return
		}
	}

	a.drainOneCommand(ctx)
}

func (a *Agent) heartbeat(ctx context.Context) {
	m, err := a.deps.SystemProbe.Sample(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("system probe sample failed")
	}
	if err := a.deps.Registry.Heartbeat(ctx, a.cfg.NodeID, a.cfg.DataCenter, m, a.isFrozen(), a.isActive(), a.cfg.HeartbeatTTL); err != nil {
		a.logger.Warn().Err(err).Msg("heartbeat write failed, retrying next tick")
	}
}

// runSelfHealth evaluates CPU threshold, memory threshold, container
// liveness, then each user-registered HealthProbe in order. The first
// failure short-circuits; thresholds are strict (`>`).
func (a *Agent) runSelfHealth(ctx context.Context) (healthy bool, reason string) {
	m, err := a.deps.SystemProbe.Sample(ctx)
	if err != nil {
		return false, fmt.Sprintf("system probe failed: %v", err)
	}
	if m.CPUPercent > float64(a.cfg.CPUThreshold) {
		return false, fmt.Sprintf("High CPU usage: %g%%", m.CPUPercent)
	}
	if m.MemPercent > float64(a.cfg.MemoryThreshold) {
		return false, fmt.Sprintf("High memory usage: %g%%", m.MemPercent)
	}

	if a.deps.ContainerProbe != nil {
		ok, detail, err := a.deps.ContainerProbe.CheckAllRunning(ctx)
		if err != nil {
			return false, fmt.Sprintf("Container runtime error: %v", err)
		}
		if !ok {
			return false, detail
		}
	}

	for _, probe := range a.deps.HealthProbes {
		res := probe.Check(ctx)
		if !res.Healthy {
			return false, res.Message
		}
	}

	return true, ""
}

func (a *Agent) freeze(ctx context.Context, reason string) error {
	if a.isFrozen() {
		return nil
	}
	if err := a.deps.Registry.Freeze(ctx, a.cfg.NodeID, reason); err != nil {
		return err
	}
	a.setState(StateFrozen)
	metrics.SelfFreezesTotal.Inc()
	if a.deps.Publisher != nil {
		if err := a.deps.Publisher.Publish(ctx, types.EventNodeFrozen, a.cfg.NodeID, reason, nil); err != nil {
			a.logger.Warn().Err(err).Msg("failed to publish node_frozen")
		}
	}
	return nil
}

func (a *Agent) unfreeze(ctx context.Context) error {
	if !a.isFrozen() {
		return nil
	}
	if err := a.deps.Registry.Unfreeze(ctx, a.cfg.NodeID); err != nil {
		return err
	}
	a.setState(StateActive)
	if a.deps.Publisher != nil {
		if err := a.deps.Publisher.Publish(ctx, types.EventNodeUnfrozen, a.cfg.NodeID, "", nil); err != nil {
			a.logger.Warn().Err(err).Msg("failed to publish node_unfrozen")
		}
	}
	return nil
}

// drainOneCommand pops at most one command per tick and dispatches it to its
// handler. A handler error becomes an error_<kind> status write; it never
// crashes the agent.
func (a *Agent) drainOneCommand(ctx context.Context) {
	cmd, ok, err := a.deps.CommandBus.Dequeue(ctx, a.cfg.NodeID)
	if err != nil {
		a.logger.Warn().Err(err).Msg("command dequeue failed, retrying next tick")
		return
	}
	if !ok {
		return
	}

	handler, known := a.handlers[cmd.Kind]
	if !known {
		a.logger.Error().Str("kind", cmd.Kind).Msg("unknown command")
		if err := a.deps.CommandBus.WriteUnknownKind(ctx, a.cfg.NodeID, cmd.Kind); err != nil {
			a.logger.Warn().Err(err).Msg("failed to write unknown-command error")
		}
		metrics.CommandsExecutedTotal.WithLabelValues(cmd.Kind, "error").Inc()
		return
	}

	payload, err := safeInvoke(ctx, a, handler, cmd.Args)
	if err != nil {
		a.writeResult(ctx, types.CommandResult{ID: cmd.ID, Kind: cmd.Kind, Success: false, Error: err.Error()})
		metrics.CommandsExecutedTotal.WithLabelValues(cmd.Kind, "error").Inc()
		return
	}
	a.writeResult(ctx, types.CommandResult{ID: cmd.ID, Kind: cmd.Kind, Success: true, Payload: payload})
	metrics.CommandsExecutedTotal.WithLabelValues(cmd.Kind, "success").Inc()
}

// safeInvoke recovers from a handler panic and turns it into an error
// result: a misbehaving handler writes error_<kind>, it does not take the
// agent loop down with it.
func safeInvoke(ctx context.Context, a *Agent, h CommandHandler, args map[string]interface{}) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, a, args)
}

func (a *Agent) writeResult(ctx context.Context, res types.CommandResult) {
	if err := a.deps.CommandBus.WriteResult(ctx, a.cfg.NodeID, res); err != nil {
		a.logger.Warn().Err(err).Str("kind", res.Kind).Msg("failed to write command result")
	}
}

// shutdown removes the node from ACTIVE_NODES, marks it stopped, and
// publishes node_removed.
func (a *Agent) shutdown(ctx context.Context) error {
	a.setState(StateStopped)
	if err := a.deps.Registry.MarkStopped(ctx, a.cfg.NodeID); err != nil {
		a.logger.Warn().Err(err).Msg("failed to mark stopped during shutdown")
	}
	if a.deps.Publisher != nil {
		if err := a.deps.Publisher.Publish(ctx, types.EventNodeRemoved, a.cfg.NodeID, "Graceful shutdown", nil); err != nil {
			a.logger.Warn().Err(err).Msg("failed to publish node_removed")
		}
	}
	return nil
}
