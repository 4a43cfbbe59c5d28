package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Scope types form a chain: agent -> swarm -> project. Consumption on a
// child cascades to every ancestor in the same transaction.
const (
	ScopeAgent   = "agent"
	ScopeSwarm   = "swarm"
	ScopeProject = "project"
)

type Budget struct {
	ScopeType  string     `json:"scope_type"`
	ScopeID    string     `json:"scope_id"`
	ParentType string     `json:"parent_type,omitempty"`
	ParentID   string     `json:"parent_id,omitempty"`
	Allocated  float64    `json:"allocated"`
	Committed  float64    `json:"committed"` // reserved by child allocations
	Consumed   float64    `json:"consumed"`
	Tokens     int64      `json:"tokens"`
	Currency   string     `json:"currency"`
	Period     string     `json:"period,omitempty"`
	ResetAt    *time.Time `json:"reset_at,omitempty"`
	Warning    float64    `json:"warning"`
	Critical   float64    `json:"critical"`
	HardStop   float64    `json:"hard_stop"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

const budgetColumns = `scope_type, scope_id, parent_type, parent_id, allocated, committed,
	consumed, tokens, currency, period, reset_at, warning, critical, hard_stop, created_at, updated_at`

func scanBudget(scanner interface {
	Scan(dest ...any) error
}) (*Budget, error) {
	b := &Budget{}
	var parentType, parentID, period sql.NullString
	err := scanner.Scan(&b.ScopeType, &b.ScopeID, &parentType, &parentID, &b.Allocated,
		&b.Committed, &b.Consumed, &b.Tokens, &b.Currency, &period, &b.ResetAt,
		&b.Warning, &b.Critical, &b.HardStop, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.ParentType = parentType.String
	b.ParentID = parentID.String
	b.Period = period.String
	return b, nil
}

func (s *Store) GetBudget(scopeType, scopeID string) (*Budget, error) {
	row := s.db.QueryRow(`SELECT `+budgetColumns+` FROM budgets WHERE scope_type = ? AND scope_id = ?`,
		scopeType, scopeID)
	b, err := scanBudget(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return b, nil
}

// CreateBudget inserts a budget row and, when the budget has a parent,
// reserves the allocation against the parent's remaining headroom in
// the same transaction. A request exceeding allocated - committed on
// the parent fails with ErrBudgetExceeded and writes nothing.
func (s *Store) CreateBudget(b *Budget) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if b.ParentType != "" {
		res, err := tx.Exec(`
			UPDATE budgets SET committed = committed + ?, updated_at = CURRENT_TIMESTAMP
			WHERE scope_type = ? AND scope_id = ? AND committed + ? <= allocated + 1e-9`,
			b.Allocated, b.ParentType, b.ParentID, b.Allocated)
		if err != nil {
			return fmt.Errorf("reserve in parent: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			var exists int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM budgets WHERE scope_type = ? AND scope_id = ?`,
				b.ParentType, b.ParentID).Scan(&exists); err != nil {
				return fmt.Errorf("check parent: %w", err)
			}
			if exists == 0 {
				return fmt.Errorf("parent budget %s/%s: %w", b.ParentType, b.ParentID, ErrNotFound)
			}
			return fmt.Errorf("allocate %s/%s: %w", b.ScopeType, b.ScopeID, ErrBudgetExceeded)
		}
	}

	var resetAt any
	if b.ResetAt != nil {
		resetAt = *b.ResetAt
	}
	if _, err := tx.Exec(`
		INSERT INTO budgets (scope_type, scope_id, parent_type, parent_id, allocated,
			committed, consumed, tokens, currency, period, reset_at, warning, critical, hard_stop)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?, ?, ?, ?)`,
		b.ScopeType, b.ScopeID, nullable(b.ParentType), nullable(b.ParentID), b.Allocated,
		b.Currency, nullable(b.Period), resetAt, b.Warning, b.Critical, b.HardStop); err != nil {
		return fmt.Errorf("insert budget: %w", err)
	}

	return tx.Commit()
}

// GrowBudget raises a scope's allocation by amount, reserving the
// increase against the parent's headroom.
func (s *Store) GrowBudget(scopeType, scopeID string, amount float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	b, err := getBudgetTx(tx, scopeType, scopeID)
	if err != nil {
		return err
	}

	if b.ParentType != "" {
		res, err := tx.Exec(`
			UPDATE budgets SET committed = committed + ?, updated_at = CURRENT_TIMESTAMP
			WHERE scope_type = ? AND scope_id = ? AND committed + ? <= allocated + 1e-9`,
			amount, b.ParentType, b.ParentID, amount)
		if err != nil {
			return fmt.Errorf("reserve in parent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("grow %s/%s: %w", scopeType, scopeID, ErrBudgetExceeded)
		}
	}

	if _, err := tx.Exec(`
		UPDATE budgets SET allocated = allocated + ?, updated_at = CURRENT_TIMESTAMP
		WHERE scope_type = ? AND scope_id = ?`, amount, scopeType, scopeID); err != nil {
		return fmt.Errorf("grow budget: %w", err)
	}

	return tx.Commit()
}

// ConsumeBudget atomically adds cost and tokens to the scope and to
// every ancestor scope. If any link in the chain would exceed its
// allocation the whole transaction rolls back with ErrBudgetExceeded;
// consumed never exceeds allocated.
func (s *Store) ConsumeBudget(scopeType, scopeID string, tokens int64, cost float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	curType, curID := scopeType, scopeID
	for curType != "" {
		res, err := tx.Exec(`
			UPDATE budgets
			SET consumed = consumed + ?, tokens = tokens + ?, updated_at = CURRENT_TIMESTAMP
			WHERE scope_type = ? AND scope_id = ? AND consumed + ? <= allocated + 1e-9`,
			cost, tokens, curType, curID, cost)
		if err != nil {
			return fmt.Errorf("consume %s/%s: %w", curType, curID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			var exists int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM budgets WHERE scope_type = ? AND scope_id = ?`,
				curType, curID).Scan(&exists); err != nil {
				return fmt.Errorf("check budget: %w", err)
			}
			if exists == 0 {
				return fmt.Errorf("budget %s/%s: %w", curType, curID, ErrNotFound)
			}
			return fmt.Errorf("consume %s/%s: %w", curType, curID, ErrBudgetExceeded)
		}

		var parentType, parentID sql.NullString
		if err := tx.QueryRow(`SELECT parent_type, parent_id FROM budgets WHERE scope_type = ? AND scope_id = ?`,
			curType, curID).Scan(&parentType, &parentID); err != nil {
			return fmt.Errorf("walk parent: %w", err)
		}
		curType, curID = parentType.String, parentID.String
	}

	return tx.Commit()
}

// ReleaseBudget returns a scope's unused allocation (allocated minus
// consumed) to its parent's headroom and freezes the scope's allocation
// at what it actually consumed. Returns the released amount.
func (s *Store) ReleaseBudget(scopeType, scopeID string) (float64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	b, err := getBudgetTx(tx, scopeType, scopeID)
	if err != nil {
		return 0, err
	}

	unused := b.Allocated - b.Consumed
	if unused < 0 {
		unused = 0
	}
	if unused == 0 {
		return 0, tx.Commit()
	}

	if _, err := tx.Exec(`
		UPDATE budgets SET allocated = consumed, updated_at = CURRENT_TIMESTAMP
		WHERE scope_type = ? AND scope_id = ?`, scopeType, scopeID); err != nil {
		return 0, fmt.Errorf("freeze allocation: %w", err)
	}

	if b.ParentType != "" {
		if _, err := tx.Exec(`
			UPDATE budgets SET committed = committed - ?, updated_at = CURRENT_TIMESTAMP
			WHERE scope_type = ? AND scope_id = ?`, unused, b.ParentType, b.ParentID); err != nil {
			return 0, fmt.Errorf("release to parent: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return unused, nil
}

// ResetBudget zeroes consumption for a new period. The allocation is
// untouched; consumed only ever decreases here.
func (s *Store) ResetBudget(scopeType, scopeID string, nextReset *time.Time) error {
	var resetAt any
	if nextReset != nil {
		resetAt = *nextReset
	}
	res, err := s.db.Exec(`
		UPDATE budgets SET consumed = 0, tokens = 0, reset_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE scope_type = ? AND scope_id = ?`, resetAt, scopeType, scopeID)
	if err != nil {
		return fmt.Errorf("reset budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDueResets returns budgets whose reset_at has passed.
func (s *Store) ListDueResets(now time.Time) ([]Budget, error) {
	rows, err := s.db.Query(`SELECT `+budgetColumns+` FROM budgets
		WHERE reset_at IS NOT NULL AND reset_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("list due resets: %w", err)
	}
	defer rows.Close()

	var budgets []Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		budgets = append(budgets, *b)
	}
	return budgets, rows.Err()
}

func getBudgetTx(tx *sql.Tx, scopeType, scopeID string) (*Budget, error) {
	row := tx.QueryRow(`SELECT `+budgetColumns+` FROM budgets WHERE scope_type = ? AND scope_id = ?`,
		scopeType, scopeID)
	b, err := scanBudget(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("budget %s/%s: %w", scopeType, scopeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return b, nil
}
