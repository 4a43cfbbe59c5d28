package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Swarm struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	Strategy         string    `json:"strategy"`
	TargetAgentCount int       `json:"target_agent_count"`
	MaxAgents        int       `json:"max_agents"`
	BudgetAllocated  float64   `json:"budget_allocated"`
	BudgetSpent      float64   `json:"budget_spent"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

const swarmColumns = `id, name, status, strategy, target_agent_count, max_agents,
	budget_allocated, budget_spent, version, created_at, updated_at`

func scanSwarm(scanner interface {
	Scan(dest ...any) error
}) (*Swarm, error) {
	w := &Swarm{}
	err := scanner.Scan(&w.ID, &w.Name, &w.Status, &w.Strategy, &w.TargetAgentCount,
		&w.MaxAgents, &w.BudgetAllocated, &w.BudgetSpent, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) CreateSwarm(w *Swarm) error {
	w.Version = 1
	_, err := s.db.Exec(`
		INSERT INTO swarms (id, name, status, strategy, target_agent_count, max_agents,
			budget_allocated, budget_spent, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		w.ID, w.Name, w.Status, w.Strategy, w.TargetAgentCount, w.MaxAgents,
		w.BudgetAllocated, w.BudgetSpent)
	if err != nil {
		return fmt.Errorf("create swarm: %w", err)
	}
	return nil
}

func (s *Store) GetSwarm(id string) (*Swarm, error) {
	row := s.db.QueryRow(`SELECT `+swarmColumns+` FROM swarms WHERE id = ?`, id)
	w, err := scanSwarm(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return w, nil
}

// UpdateSwarm writes the swarm back under its last-read version and
// bumps it, or returns ErrConcurrencyConflict.
func (s *Store) UpdateSwarm(w *Swarm) error {
	res, err := s.db.Exec(`
		UPDATE swarms
		SET status = ?, target_agent_count = ?, budget_allocated = ?, budget_spent = ?,
		    version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`,
		w.Status, w.TargetAgentCount, w.BudgetAllocated, w.BudgetSpent, w.ID, w.Version)
	if err != nil {
		return fmt.Errorf("update swarm: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update swarm: %w", err)
	}
	if n == 0 {
		if _, err := s.GetSwarm(w.ID); err != nil {
			return err
		}
		return ErrConcurrencyConflict
	}

	w.Version++
	return nil
}

func (s *Store) ListSwarms() ([]Swarm, error) {
	rows, err := s.db.Query(`SELECT ` + swarmColumns + ` FROM swarms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var swarms []Swarm
	for rows.Next() {
		w, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		swarms = append(swarms, *w)
	}
	return swarms, rows.Err()
}
