package event

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types, grouped by source component.
const (
	AgentSpawned   = "agent.spawned"
	AgentStarted   = "agent.started"
	AgentProgress  = "agent.progress"
	AgentPaused    = "agent.paused"
	AgentResumed   = "agent.resumed"
	AgentRetrying  = "agent.retrying"
	AgentCompleted = "agent.completed"
	AgentFailed    = "agent.failed"
	AgentKilled    = "agent.killed"

	SwarmCreated   = "swarm.created"
	SwarmScaled    = "swarm.scaled"
	SwarmDestroyed = "swarm.destroyed"

	BudgetAllocated = "budget.allocated"
	BudgetThreshold = "budget.threshold"
	BudgetExceeded  = "budget.exceeded"
	BudgetReset     = "budget.reset"
)

// Event is an immutable record of something that happened. Once
// published it is never mutated; payloads are copied by value.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// New builds an event with a fresh id and the current timestamp.
func New(eventType, source, correlationID string, payload map[string]any) Event {
	return Event{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		Type:          eventType,
		Source:        source,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// Filter selects events by type, source and/or correlation id. Empty
// fields match anything. Type supports a trailing wildcard segment,
// e.g. "agent.*" matches every agent event.
type Filter struct {
	Type          string
	Source        string
	CorrelationID string
}

func (f Filter) Matches(e Event) bool {
	if f.Type != "" && !matchType(f.Type, e.Type) {
		return false
	}
	if f.Source != "" && f.Source != e.Source {
		return false
	}
	if f.CorrelationID != "" && f.CorrelationID != e.CorrelationID {
		return false
	}
	return true
}

func matchType(pattern, eventType string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}
