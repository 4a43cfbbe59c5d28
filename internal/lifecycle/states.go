package lifecycle

// Agent statuses. Terminal statuses are never left.
const (
	StatusPending    = "pending"
	StatusSpawning   = "spawning"
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusCompleting = "completing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusKilled     = "killed"
)

// transitions enumerates the legal state machine edges. Kill is handled
// separately: any non-terminal status may transition to killed.
var transitions = map[string][]string{
	StatusPending:    {StatusSpawning},
	StatusSpawning:   {StatusRunning, StatusFailed, StatusSpawning}, // spawning->spawning on retry
	StatusRunning:    {StatusPaused, StatusCompleting, StatusSpawning, StatusFailed},
	StatusPaused:     {StatusRunning},
	StatusCompleting: {StatusCompleted},
}

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusKilled:
		return true
	}
	return false
}

func canTransition(from, to string) bool {
	if to == StatusKilled {
		return !IsTerminal(from)
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
