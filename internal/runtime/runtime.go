// Package runtime defines the contract between the control plane and
// the external worker runtime that actually executes agent tasks. The
// transport behind it (containers, a websocket gateway) is irrelevant
// to the lifecycle machinery.
package runtime

import "context"

// Spec describes the worker to start for an agent.
type Spec struct {
	AgentID   string
	SwarmID   string
	Model     string
	Task      string
	Workspace string
	Env       map[string]string
}

// Handle identifies a spawned worker for follow-up calls.
type Handle struct {
	AgentID string
	ID      string // runtime-specific: container id, connection id, ...
}

// Message is an instruction forwarded to a running worker.
type Message struct {
	Text string            `json:"text"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Event kinds reported by workers.
const (
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Event is a worker report. Tokens and Cost carry incremental usage
// since the previous report, not running totals.
type Event struct {
	AgentID string  `json:"agent_id"`
	Kind    string  `json:"kind"`
	Output  string  `json:"output,omitempty"`
	Error   string  `json:"error,omitempty"`
	Tokens  int64   `json:"tokens,omitempty"`
	Cost    float64 `json:"cost,omitempty"`
}

// Runtime spawns and talks to workers. Implementations must deliver
// each worker's events in the order the worker reported them.
type Runtime interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
	Send(ctx context.Context, h Handle, msg Message) error
	Stop(ctx context.Context, h Handle) error
	Events() <-chan Event
	Close() error
}
