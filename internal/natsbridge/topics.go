package natsbridge

import "fmt"

// Topic patterns for worker and observer traffic.

func TopicWorkerInput(agentID string) string {
	return fmt.Sprintf("worker.%s.input", agentID)
}

func TopicWorkerOutput(agentID string) string {
	return fmt.Sprintf("worker.%s.output", agentID)
}

func TopicWorkerControl(agentID string) string {
	return fmt.Sprintf("worker.%s.control", agentID)
}

func TopicEvent(eventType string) string {
	return "events." + eventType
}

const (
	TopicEventsAll     = "events.>"
	TopicEventsAgent   = "events.agent.*"
	TopicEventsSwarm   = "events.swarm.*"
	TopicEventsBudget  = "events.budget.*"
	TopicWorkersOutput = "worker.*.output"
)
