// Package registry implements the node registry: membership sets,
// heartbeat TTLs, status hashes, and IP mapping.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/bazbeans/pkg/coordinator"
	"github.com/cuemby/bazbeans/pkg/log"
	"github.com/cuemby/bazbeans/pkg/metrics"
	"github.com/cuemby/bazbeans/pkg/types"
	"github.com/rs/zerolog"
)

// Registry is the read/write interface over ALL_NODES, ACTIVE_NODES, and
// each node's heartbeat/status/IP records.
type Registry struct {
	coord  *coordinator.Client
	logger zerolog.Logger
}

// New builds a Registry over an existing coordinator client.
func New(coord *coordinator.Client) *Registry {
	return &Registry{coord: coord, logger: log.WithComponent("registry")}
}

// Register adds nodeID to ALL_NODES and ACTIVE_NODES and writes its initial
// status. It is idempotent: re-registering an already-active node simply
// rewrites the same fields.
func (r *Registry) Register(ctx context.Context, nodeID, dc string) error {
	if err := r.coord.AddToSet(ctx, r.coord.AllNodesKey(), nodeID); err != nil {
		return fmt.Errorf("registry: add to all-nodes: %w", err)
	}
	fields := map[string]interface{}{
		"status":      string(types.StatusRegistered),
		"details":     "",
		"timestamp":   nowDecimal(),
		"data_center": dc,
		"is_frozen":   "false",
		"is_active":   "true",
	}
	if err := r.coord.PipelinedSetMutateAndStatus(ctx, r.coord.ActiveNodesKey(), nodeID, true, nodeID, fields); err != nil {
		return fmt.Errorf("registry: register %s: %w", nodeID, err)
	}
	r.logger.Info().Str("node_id", nodeID).Str("dc", dc).Msg("node registered")
	return nil
}

// Heartbeat writes a TTL-bounded liveness record for nodeID. Callers must
// invoke this at least every heartbeat_interval or observers will consider
// the node stale.
func (r *Registry) Heartbeat(ctx context.Context, nodeID, dc string, metrics types.Metrics, isFrozen, isActive bool, ttl time.Duration) error {
	hb := types.Heartbeat{
		Timestamp:   time.Now().UTC(),
		NodeID:      nodeID,
		DataCenter:  dc,
		CPUPercent:  metrics.CPUPercent,
		MemPercent:  metrics.MemPercent,
		DiskPercent: metrics.DiskPercent,
		IsFrozen:    isFrozen,
		IsActive:    isActive,
	}
	if err := r.coord.WriteHeartbeat(ctx, nodeID, hb, ttl); err != nil {
		return fmt.Errorf("registry: heartbeat %s: %w", nodeID, err)
	}
	return nil
}

// Freeze atomically removes nodeID from ACTIVE_NODES and marks it frozen.
// Freeze/unfreeze transitions are idempotent.
func (r *Registry) Freeze(ctx context.Context, nodeID, reason string) error {
	if reason == "" {
		reason = "Administrative action"
	}
	fields := map[string]interface{}{
		"status":    string(types.StatusFrozen),
		"details":   reason,
		"timestamp": nowDecimal(),
		"is_frozen": "true",
		"is_active": "false",
	}
	if err := r.coord.PipelinedSetMutateAndStatus(ctx, r.coord.ActiveNodesKey(), nodeID, false, nodeID, fields); err != nil {
		return fmt.Errorf("registry: freeze %s: %w", nodeID, err)
	}
	r.logger.Info().Str("node_id", nodeID).Str("reason", reason).Msg("node frozen")
	return nil
}

// Unfreeze atomically re-adds nodeID to ACTIVE_NODES and marks it active.
func (r *Registry) Unfreeze(ctx context.Context, nodeID string) error {
	fields := map[string]interface{}{
		"status":    string(types.StatusActive),
		"details":   "Unfrozen",
		"timestamp": nowDecimal(),
		"is_frozen": "false",
		"is_active": "true",
	}
	if err := r.coord.PipelinedSetMutateAndStatus(ctx, r.coord.ActiveNodesKey(), nodeID, true, nodeID, fields); err != nil {
		return fmt.Errorf("registry: unfreeze %s: %w", nodeID, err)
	}
	r.logger.Info().Str("node_id", nodeID).Msg("node unfrozen")
	return nil
}

// MarkStopped is called on graceful agent shutdown: removes the node from
// ACTIVE_NODES (it remains in ALL_NODES) and writes a stopped status.
func (r *Registry) MarkStopped(ctx context.Context, nodeID string) error {
	fields := map[string]interface{}{
		"status":    string(types.StatusStopped),
		"details":   "Graceful shutdown",
		"timestamp": nowDecimal(),
		"is_frozen": "false",
		"is_active": "false",
	}
	if err := r.coord.PipelinedSetMutateAndStatus(ctx, r.coord.ActiveNodesKey(), nodeID, false, nodeID, fields); err != nil {
		return fmt.Errorf("registry: mark stopped %s: %w", nodeID, err)
	}
	return nil
}

// ListActive returns the ACTIVE_NODES members that still have a live
// heartbeat, removing any member whose heartbeat has expired as a side
// effect (see DESIGN.md for why eviction happens on read as well as via
// Cleanup).
func (r *Registry) ListActive(ctx context.Context) ([]string, error) {
	members, err := r.coord.SetMembers(ctx, r.coord.ActiveNodesKey())
	if err != nil {
		return nil, fmt.Errorf("registry: list active: %w", err)
	}

	live := make([]string, 0, len(members))
	for _, id := range members {
		ok, err := r.coord.HeartbeatExists(ctx, id)
		if err != nil {
			r.logger.Warn().Err(err).Str("node_id", id).Msg("failed to check heartbeat")
			live = append(live, id)
			continue
		}
		if ok {
			live = append(live, id)
			continue
		}
		if err := r.coord.RemoveFromSet(ctx, r.coord.ActiveNodesKey(), id); err != nil {
			r.logger.Warn().Err(err).Str("node_id", id).Msg("failed to evict stale node")
		}
	}
	metrics.ActiveNodes.Set(float64(len(live)))
	return live, nil
}

// Cleanup is the standalone bounded-scan form of the stale-eviction logic
// ListActive performs as a side effect, exposed for the operator CLI's
// `cleanup` verb.
func (r *Registry) Cleanup(ctx context.Context) (removed []string, err error) {
	members, err := r.coord.SetMembers(ctx, r.coord.ActiveNodesKey())
	if err != nil {
		return nil, fmt.Errorf("registry: cleanup: %w", err)
	}
	for _, id := range members {
		ok, err := r.coord.HeartbeatExists(ctx, id)
		if err != nil {
			continue
		}
		if !ok {
			if err := r.coord.RemoveFromSet(ctx, r.coord.ActiveNodesKey(), id); err == nil {
				removed = append(removed, id)
			}
		}
	}
	return removed, nil
}

// ListAll returns every NodeId in ALL_NODES, whether active, frozen, or
// stopped.
func (r *Registry) ListAll(ctx context.Context) ([]string, error) {
	members, err := r.coord.SetMembers(ctx, r.coord.AllNodesKey())
	if err != nil {
		return nil, fmt.Errorf("registry: list all: %w", err)
	}
	return members, nil
}

// GetStatus assembles a Node from the status hash plus (if present) the
// latest heartbeat. Frozen state is read from the status hash only; the
// heartbeat's is_frozen field may be stale if a freeze raced past it.
func (r *Registry) GetStatus(ctx context.Context, nodeID string) (*types.Node, error) {
	fields, err := r.coord.GetStatusFields(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("registry: get status %s: %w", nodeID, err)
	}

	node := &types.Node{NodeID: nodeID}
	if len(fields) == 0 {
		node.StatusKind = "NO HEARTBEAT"
		node.Details = "NO HEARTBEAT"
	} else {
		node.StatusKind = types.NodeStatusKind(fields["status"])
		node.Details = fields["details"]
		node.DataCenter = fields["data_center"]
		node.IsFrozen = fields["is_frozen"] == "true"
		node.IsActive = fields["is_active"] == "true"
	}

	var hb types.Heartbeat
	has, err := r.coord.ReadHeartbeat(ctx, nodeID, &hb)
	if err != nil {
		r.logger.Warn().Err(err).Str("node_id", nodeID).Msg("failed to read heartbeat")
	}
	if has {
		node.HasHeartbeat = true
		node.LastHeartbeatAt = hb.Timestamp
		node.Metrics = types.Metrics{CPUPercent: hb.CPUPercent, MemPercent: hb.MemPercent, DiskPercent: hb.DiskPercent}
		if node.DataCenter == "" {
			node.DataCenter = hb.DataCenter
		}
	} else {
		// No heartbeat is authoritative for observer-facing status even when
		// the status hash holds a prior value; is_frozen/is_active from the
		// hash remain the frozen-state source of truth regardless.
		node.StatusKind = "NO HEARTBEAT"
		if node.Details == "" {
			node.Details = "NO HEARTBEAT"
		}
	}

	return node, nil
}

// RegisterIP stores a node's outward-facing IP mapping.
func (r *Registry) RegisterIP(ctx context.Context, nodeID, ip string) error {
	return r.coord.SetIP(ctx, nodeID, ip)
}

// GetIP reads a node's IP mapping.
func (r *Registry) GetIP(ctx context.Context, nodeID string) (string, bool, error) {
	return r.coord.GetIP(ctx, nodeID)
}

func nowDecimal() string {
	return strconv.FormatFloat(float64(time.Now().UTC().UnixNano())/1e9, 'f', 6, 64)
}
