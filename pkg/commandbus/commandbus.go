// Package commandbus implements the per-node FIFO command queue: operators
// push, the owning agent pops at most one command per tick and writes the
// result back into its own status hash.
package commandbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/bazbeans/pkg/coordinator"
	"github.com/cuemby/bazbeans/pkg/metrics"
	"github.com/cuemby/bazbeans/pkg/types"
	"github.com/google/uuid"
)

// defaultRecentCapacity is the per-node RecentResults ring size used by New.
const defaultRecentCapacity = 20

// Bus pushes commands to and pops commands from a node's queue, writes
// results into that node's status hash, and additionally keeps a small
// in-memory ring of recent results per node for id-correlated lookups.
// The ring is bookkeeping on top of the status hash, never a replacement.
type Bus struct {
	coord          *coordinator.Client
	recentCapacity int

	mu     sync.Mutex
	recent map[string]*types.RecentResults
}

// New builds a Bus over an existing coordinator client, with a
// defaultRecentCapacity-sized RecentResults ring per node.
func New(coord *coordinator.Client) *Bus {
	return NewWithRecentCapacity(coord, defaultRecentCapacity)
}

// NewWithRecentCapacity builds a Bus whose per-node RecentResults ring holds
// capacity entries.
func NewWithRecentCapacity(coord *coordinator.Client, capacity int) *Bus {
	return &Bus{coord: coord, recentCapacity: capacity, recent: make(map[string]*types.RecentResults)}
}

// Enqueue pushes cmd to the tail of nodeID's queue. Push is unbounded. If
// cmd.ID is empty, one is generated so results can be correlated; this is
// additive and never required by a caller.
func (b *Bus) Enqueue(ctx context.Context, nodeID string, cmd types.Command) (types.Command, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if err := b.coord.EnqueueCommand(ctx, nodeID, cmd); err != nil {
		return cmd, fmt.Errorf("commandbus: enqueue to %s: %w", nodeID, err)
	}
	metrics.CommandsEnqueuedTotal.WithLabelValues(cmd.Kind).Inc()
	return cmd, nil
}

// Dequeue pops at most one command from the head of nodeID's queue. It is
// non-blocking: an empty queue returns ok=false, never an error.
func (b *Bus) Dequeue(ctx context.Context, nodeID string) (cmd types.Command, ok bool, err error) {
	ok, err = b.coord.DequeueCommand(ctx, nodeID, &cmd)
	if err != nil {
		return types.Command{}, false, fmt.Errorf("commandbus: dequeue from %s: %w", nodeID, err)
	}
	return cmd, ok, nil
}

// WriteResult records a command's outcome into nodeID's status hash under
// executed_<kind> (success) or error_<kind> (failure), overwriting any
// prior result for the same kind. It also records the result into nodeID's
// RecentResults ring when res.ID is set, a superset lookup Recent exposes
// alongside the status hash.
func (b *Bus) WriteResult(ctx context.Context, nodeID string, res types.CommandResult) error {
	if res.At.IsZero() {
		res.At = time.Now().UTC()
	}
	fieldName := fmt.Sprintf("executed_%s", res.Kind)
	if !res.Success {
		fieldName = fmt.Sprintf("error_%s", res.Kind)
	}

	payload := map[string]interface{}{
		fieldName: fmt.Sprintf("%s|%s", res.At.Format(time.RFC3339), resultText(res)),
	}
	if err := b.coord.SetStatusFields(ctx, nodeID, payload); err != nil {
		return fmt.Errorf("commandbus: write result for %s/%s: %w", nodeID, res.Kind, err)
	}
	b.recordRecent(nodeID, res)
	return nil
}

// WriteUnknownKind records an unrecognized command kind under the bare
// "error" status field, since no kind-specific field applies.
func (b *Bus) WriteUnknownKind(ctx context.Context, nodeID, kind string) error {
	fields := map[string]interface{}{
		"error": fmt.Sprintf("Unknown command: %s", kind),
	}
	if err := b.coord.SetStatusFields(ctx, nodeID, fields); err != nil {
		return fmt.Errorf("commandbus: write unknown-kind error for %s: %w", nodeID, err)
	}
	return nil
}

func (b *Bus) recordRecent(nodeID string, res types.CommandResult) {
	if res.ID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ring, ok := b.recent[nodeID]
	if !ok {
		ring = types.NewRecentResults(b.recentCapacity)
		b.recent[nodeID] = ring
	}
	ring.Add(res)
}

// Recent returns nodeID's retained command results, oldest first. It is
// additive bookkeeping on top of the status hash: a result for a kind the
// status hash has since overwritten is still available here by ID until it
// ages out of the ring.
func (b *Bus) Recent(nodeID string) []types.CommandResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring, ok := b.recent[nodeID]
	if !ok {
		return nil
	}
	return ring.List()
}

// RecentByID looks up a single retained result by command ID for nodeID.
func (b *Bus) RecentByID(nodeID, id string) (types.CommandResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring, ok := b.recent[nodeID]
	if !ok {
		return types.CommandResult{}, false
	}
	return ring.Get(id)
}

func resultText(res types.CommandResult) string {
	if !res.Success {
		return res.Error
	}
	data, err := json.Marshal(res.Payload)
	if err != nil {
		return fmt.Sprintf("%v", res.Payload)
	}
	return string(data)
}
