/*
Package types holds the data model shared by every other package in this
repo: the coordinator, registry, command bus, event bus, agent, and proxy
updater all exchange values defined here rather than ad hoc maps.

# Core types

Node is the coordinator's view of a fleet member: identity,
data center, resources, and current status, assembled from a status hash
and an optional heartbeat record. Metrics is its CPU/mem/disk snapshot,
held by Node; Heartbeat carries the same three percentages as fields of
its own.

Command and CommandResult model the per-node FIFO:
an operator enqueues a Command by kind, the agent dispatches it to a
registered handler, and the handler's CommandResult is written back into
the node's status hash under executed_<kind> or error_<kind>. ID is used
to correlate a result with the command that produced it; it is optional
and zero-value safe.
RecentResults is a small bounded ring of a node's most recent results by
ID, for callers that want more than the single most-recent result per
kind that the status hash alone retains.

Event and EventKind model the membership notifications published on the
lb_events channel: every event carries the full ACTIVE_NODES
snapshot at publish time, not just a delta, so a subscriber can always
reconcile directly against ActiveSet() instead of trusting event order.

# Design patterns

Enumerations are typed string constants (NodeStatusKind, EventKind,
the Command* kind constants) rather than ints, so the same value
round-trips through the coordinator's JSON and hash fields unchanged.

Optional fields are zero-value safe: Error is empty on a successful
CommandResult, Reason is empty on an unprompted Event, HasHeartbeat is
false when a node has never reported in. RecentResults is the one type
that needs its constructor: build it with NewRecentResults, since a
literal RecentResults has no map to record into.
*/
package types
