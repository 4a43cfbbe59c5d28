package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Agent struct {
	ID          string     `json:"id"`
	SwarmID     string     `json:"swarm_id"`
	ParentID    string     `json:"parent_id,omitempty"`
	Status      string     `json:"status"`
	Model       string     `json:"model,omitempty"`
	Task        string     `json:"task"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	BudgetLimit float64    `json:"budget_limit"`
	CostSoFar   float64    `json:"cost_so_far"`
	Output      string     `json:"output,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Version     int64      `json:"version"`
	Archived    bool       `json:"archived"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
}

const agentColumns = `id, swarm_id, parent_id, status, model, task, retry_count, max_retries,
	budget_limit, cost_so_far, output, last_error, version, archived, created_at, updated_at, archived_at`

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*Agent, error) {
	a := &Agent{}
	var parentID, model, output, lastError sql.NullString
	err := scanner.Scan(&a.ID, &a.SwarmID, &parentID, &a.Status, &model, &a.Task,
		&a.RetryCount, &a.MaxRetries, &a.BudgetLimit, &a.CostSoFar, &output, &lastError,
		&a.Version, &a.Archived, &a.CreatedAt, &a.UpdatedAt, &a.ArchivedAt)
	if err != nil {
		return nil, err
	}
	a.ParentID = parentID.String
	a.Model = model.String
	a.Output = output.String
	a.LastError = lastError.String
	return a, nil
}

// CreateAgent inserts a new agent at version 1.
func (s *Store) CreateAgent(a *Agent) error {
	a.Version = 1
	_, err := s.db.Exec(`
		INSERT INTO agents (id, swarm_id, parent_id, status, model, task, retry_count,
			max_retries, budget_limit, cost_so_far, output, last_error, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		a.ID, a.SwarmID, nullable(a.ParentID), a.Status, nullable(a.Model), a.Task,
		a.RetryCount, a.MaxRetries, a.BudgetLimit, a.CostSoFar,
		nullable(a.Output), nullable(a.LastError))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// UpdateAgent writes the agent back, guarded by the version the caller
// last read. On success the version is bumped both in the row and on a.
// A stale version returns ErrConcurrencyConflict.
func (s *Store) UpdateAgent(a *Agent) error {
	var archivedAt any
	if a.Archived && a.ArchivedAt == nil {
		now := time.Now().UTC()
		a.ArchivedAt = &now
	}
	if a.ArchivedAt != nil {
		archivedAt = *a.ArchivedAt
	}

	res, err := s.db.Exec(`
		UPDATE agents
		SET status = ?, retry_count = ?, budget_limit = ?, cost_so_far = ?,
		    output = ?, last_error = ?, archived = ?, archived_at = ?,
		    version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`,
		a.Status, a.RetryCount, a.BudgetLimit, a.CostSoFar,
		nullable(a.Output), nullable(a.LastError), a.Archived, archivedAt,
		a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n == 0 {
		if _, err := s.GetAgent(a.ID); err != nil {
			return err
		}
		return ErrConcurrencyConflict
	}

	a.Version++
	return nil
}

// ListAgentsBySwarm returns the swarm's agents, archived ones included.
func (s *Store) ListAgentsBySwarm(swarmID string) ([]Agent, error) {
	rows, err := s.db.Query(`SELECT `+agentColumns+` FROM agents WHERE swarm_id = ? ORDER BY created_at`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// ListActiveAgents returns the swarm's non-terminal agents.
func (s *Store) ListActiveAgents(swarmID string) ([]Agent, error) {
	rows, err := s.db.Query(`SELECT `+agentColumns+` FROM agents
		WHERE swarm_id = ? AND status NOT IN ('completed', 'failed', 'killed')
		ORDER BY created_at`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// ListArchivedAgents returns every archived agent, oldest first.
func (s *Store) ListArchivedAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents WHERE archived ORDER BY archived_at`)
	if err != nil {
		return nil, fmt.Errorf("list archived agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
