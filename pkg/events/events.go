// Package events implements the membership event bus: a publisher that
// attaches the current ACTIVE_NODES snapshot to every event, and a
// subscriber that fans incoming events out to local listeners over the
// coordinator's pub/sub channel, since publishers and subscribers are
// separate processes.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/bazbeans/pkg/coordinator"
	"github.com/cuemby/bazbeans/pkg/log"
	"github.com/cuemby/bazbeans/pkg/types"
	"github.com/rs/zerolog"
)

// Publisher emits one event per node state transition, always attaching the
// ACTIVE_NODES snapshot read at publish time. The snapshot is the raw set
// membership: liveness filtering is a reader concern, and a publish must
// not evict anyone as a side effect.
type Publisher struct {
	coord *coordinator.Client
}

// NewPublisher builds a Publisher over the given coordinator.
func NewPublisher(coord *coordinator.Client) *Publisher {
	return &Publisher{coord: coord}
}

// Publish reads the current active set and emits an event of kind for
// nodeID, with an optional reason and per-event extras (data_center,
// node_port).
func (p *Publisher) Publish(ctx context.Context, kind types.EventKind, nodeID, reason string, extra func(*types.Event)) error {
	active, err := p.coord.SetMembers(ctx, p.coord.ActiveNodesKey())
	if err != nil {
		return err
	}
	evt := types.Event{
		Kind:        kind,
		NodeID:      nodeID,
		Timestamp:   time.Now().UTC(),
		Reason:      reason,
		ActiveNodes: active,
	}
	if extra != nil {
		extra(&evt)
	}
	return p.coord.Publish(ctx, evt)
}

// Subscriber is a local fan-out channel handed to callers of Bus.Subscribe.
type Subscriber chan *types.Event

// Bus wraps the coordinator's raw pub/sub connection and dispatches decoded
// events to every local Subscriber. Subscribers that are down when an event
// fires will not see it; they must reconcile to ACTIVE_NODES directly on
// reconnect.
type Bus struct {
	coord  *coordinator.Client
	logger zerolog.Logger

	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	stopCh      chan struct{}
}

// NewBus builds a Bus over the given coordinator client. Call Start to begin
// receiving.
func NewBus(coord *coordinator.Client) *Bus {
	return &Bus{
		coord:       coord,
		logger:      log.WithComponent("events"),
		subscribers: make(map[Subscriber]bool),
		stopCh:      make(chan struct{}),
	}
}

// Subscribe registers a new local listener and returns its channel.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a listener's channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Start begins consuming the coordinator's pub/sub channel in a background
// goroutine. Invalid JSON payloads are logged and skipped, never fatal.
func (b *Bus) Start(ctx context.Context) {
	go b.run(ctx)
}

// Stop halts the consume loop.
func (b *Bus) Stop() {
	close(b.stopCh)
}

func (b *Bus) run(ctx context.Context) {
	ps := b.coord.Subscribe(ctx)
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case msg, open := <-ch:
			if !open {
				return
			}
			var evt types.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.logger.Warn().Err(err).Msg("invalid event payload, skipping")
				continue
			}
			b.broadcast(&evt)
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) broadcast(evt *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- evt:
		default:
			b.logger.Warn().Str("node_id", evt.NodeID).Msg("subscriber buffer full, event dropped")
		}
	}
}
