// Package types holds the data model shared across the coordinator, registry,
// command bus, event bus, agent, and proxy updater packages.
package types

import "time"

// NodeStatusKind is the human-facing state written into a node's status hash.
type NodeStatusKind string

const (
	StatusRegistered NodeStatusKind = "registered"
	StatusActive     NodeStatusKind = "active"
	StatusFrozen     NodeStatusKind = "frozen"
	StatusStopped    NodeStatusKind = "stopped"
)

// Node is the coordinator's view of a single fleet member, assembled from its
// status hash and (if present) its heartbeat record.
type Node struct {
	NodeID          string         `json:"node_id"`
	DataCenter      string         `json:"data_center"`
	Port            int            `json:"port"`
	IPAddress       string         `json:"ip_address,omitempty"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at,omitempty"`
	IsActive        bool           `json:"is_active"`
	IsFrozen        bool           `json:"is_frozen"`
	StatusKind      NodeStatusKind `json:"status_kind"`
	Details         string         `json:"details,omitempty"`
	Metrics         Metrics        `json:"metrics"`
	HasHeartbeat    bool           `json:"-"`
}

// Metrics is the latest self-reported resource snapshot for a node.
type Metrics struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// Heartbeat is the JSON payload written with TTL to a node's heartbeat key.
type Heartbeat struct {
	Timestamp   time.Time `json:"timestamp"`
	NodeID      string    `json:"node_id"`
	DataCenter  string    `json:"data_center"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"memory_percent"`
	DiskPercent float64   `json:"disk_percent"`
	IsFrozen    bool      `json:"is_frozen"`
	IsActive    bool      `json:"is_active"`
}

// Command kinds built into the agent. Plugins may register additional kinds.
const (
	CommandFreeze      = "freeze"
	CommandUnfreeze    = "unfreeze"
	CommandExec        = "exec"
	CommandDeployFile  = "deploy_file"
	CommandHealthCheck = "health_check"
)

// Command is an opaque, agent-routed unit of work enqueued by an operator.
// ID is used for result correlation; it is optional and zero-value safe.
type Command struct {
	ID   string                 `json:"id,omitempty"`
	Kind string                 `json:"kind"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// CommandResult is written back into the node's status hash once a command
// handler finishes, keyed by executed_<kind> or error_<kind>.
type CommandResult struct {
	ID      string      `json:"id,omitempty"`
	Kind    string      `json:"kind"`
	Success bool        `json:"success"`
	Payload interface{} `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
	At      time.Time   `json:"at"`
}

// EventKind enumerates the membership transitions the event bus publishes.
type EventKind string

const (
	EventNodeRegistered EventKind = "node_registered"
	EventNodeRemoved    EventKind = "node_removed"
	EventNodeFrozen     EventKind = "node_frozen"
	EventNodeUnfrozen   EventKind = "node_unfrozen"
)

// Event is the payload published on the lb_events channel. ActiveNodes is
// always the snapshot read at publish time, never a delta; subscribers must
// reconcile to it directly.
type Event struct {
	Kind        EventKind `json:"event"`
	NodeID      string    `json:"node_id"`
	Timestamp   time.Time `json:"timestamp"`
	Reason      string    `json:"reason,omitempty"`
	ActiveNodes []string  `json:"active_nodes"`
	DataCenter  string    `json:"data_center,omitempty"`
	NodePort    int       `json:"node_port,omitempty"`
}

// ActiveSet returns the event's active node snapshot as a set for membership
// comparisons; subscribers should diff against this, never against Kind.
func (e *Event) ActiveSet() map[string]struct{} {
	set := make(map[string]struct{}, len(e.ActiveNodes))
	for _, id := range e.ActiveNodes {
		set[id] = struct{}{}
	}
	return set
}

// RecentResults is a small bounded ring of a node's most recent command
// results, keyed by command ID. It is a strict superset of the status-hash
// overwrite-by-kind behavior and never replaces it.
type RecentResults struct {
	capacity int
	order    []string
	byID     map[string]CommandResult
}

// NewRecentResults creates a ring with the given capacity (minimum 1).
func NewRecentResults(capacity int) *RecentResults {
	if capacity < 1 {
		capacity = 1
	}
	return &RecentResults{capacity: capacity, byID: make(map[string]CommandResult)}
}

// Add records a result, evicting the oldest entry once capacity is reached.
func (r *RecentResults) Add(res CommandResult) {
	if res.ID == "" {
		return
	}
	if _, exists := r.byID[res.ID]; !exists {
		r.order = append(r.order, res.ID)
		if len(r.order) > r.capacity {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.byID, oldest)
		}
	}
	r.byID[res.ID] = res
}

// Get returns the result for a command ID, if still retained.
func (r *RecentResults) Get(id string) (CommandResult, bool) {
	res, ok := r.byID[id]
	return res, ok
}

// List returns retained results, oldest first.
func (r *RecentResults) List() []CommandResult {
	out := make([]CommandResult, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
