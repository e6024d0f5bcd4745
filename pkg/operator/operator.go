// Package operator implements the read-through controller the operator CLI
// drives: registry reads plus per-node and broadcast command issuance.
package operator

import (
	"context"
	"fmt"

	"github.com/cuemby/bazbeans/pkg/commandbus"
	"github.com/cuemby/bazbeans/pkg/registry"
	"github.com/cuemby/bazbeans/pkg/types"
)

// Controller is the operator-facing façade over the registry and command
// bus. It never awaits acknowledgement of an enqueued command.
type Controller struct {
	reg *registry.Registry
	bus *commandbus.Bus
}

// New builds a Controller over an existing registry and command bus.
func New(reg *registry.Registry, bus *commandbus.Bus) *Controller {
	return &Controller{reg: reg, bus: bus}
}

// ListNodes returns every node in ALL_NODES with its current status.
func (c *Controller) ListNodes(ctx context.Context) ([]*types.Node, error) {
	ids, err := c.reg.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("operator: list nodes: %w", err)
	}
	nodes := make([]*types.Node, 0, len(ids))
	for _, id := range ids {
		node, err := c.reg.GetStatus(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("operator: get status %s: %w", id, err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Status returns a single node's assembled status.
func (c *Controller) Status(ctx context.Context, nodeID string) (*types.Node, error) {
	return c.reg.GetStatus(ctx, nodeID)
}

// RecentResults returns nodeID's retained command results, oldest first,
// from this Controller's command bus. The ring is held in memory by the
// process that wrote each result, so results written by an agent running
// in another process do not appear here.
func (c *Controller) RecentResults(nodeID string) []types.CommandResult {
	return c.bus.Recent(nodeID)
}

// Freeze enqueues a freeze command for the node to execute on its next
// tick. Going through the command queue rather than mutating the registry
// here means the agent publishes node_frozen after the set mutation, so
// subscribers hear about operator freezes the same way as self-freezes.
func (c *Controller) Freeze(ctx context.Context, nodeID, reason string) (types.Command, error) {
	cmd := types.Command{Kind: types.CommandFreeze}
	if reason != "" {
		cmd.Args = map[string]interface{}{"reason": reason}
	}
	return c.bus.Enqueue(ctx, nodeID, cmd)
}

// Unfreeze enqueues an unfreeze command; the agent clears its frozen
// state and publishes node_unfrozen on its next tick.
func (c *Controller) Unfreeze(ctx context.Context, nodeID string) (types.Command, error) {
	return c.bus.Enqueue(ctx, nodeID, types.Command{Kind: types.CommandUnfreeze})
}

// SendCommand enqueues cmd on a single node's queue without awaiting
// acknowledgement.
func (c *Controller) SendCommand(ctx context.Context, nodeID string, cmd types.Command) (types.Command, error) {
	return c.bus.Enqueue(ctx, nodeID, cmd)
}

// SendCommandToAll enumerates ALL_NODES, reads each node's data_center from
// its status hash, and enqueues cmd to every node matching filterDC (or
// every node, if filterDC is empty). A broadcast deliberately does NOT skip
// frozen nodes; an operator sweeping the fleet after investigating a freeze
// usually wants the frozen nodes polled most of all.
func (c *Controller) SendCommandToAll(ctx context.Context, cmd types.Command, filterDC string) (sent []string, err error) {
	ids, err := c.reg.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("operator: list all for broadcast: %w", err)
	}

	for _, id := range ids {
		if filterDC != "" {
			status, err := c.reg.GetStatus(ctx, id)
			if err != nil {
				continue
			}
			if status.DataCenter != filterDC {
				continue
			}
		}
		if _, err := c.bus.Enqueue(ctx, id, cmd); err != nil {
			return sent, fmt.Errorf("operator: broadcast to %s: %w", id, err)
		}
		sent = append(sent, id)
	}
	return sent, nil
}

// Cleanup delegates to the registry's bounded stale-eviction scan.
func (c *Controller) Cleanup(ctx context.Context) ([]string, error) {
	return c.reg.Cleanup(ctx)
}
