// Package budget enforces multi-scope spending limits. The store holds
// the money; the governor layers allocation policy, threshold alerts
// and burn-rate forecasting on top and reports everything on the bus.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/davidkimai/godel-sub001/internal/config"
	"github.com/davidkimai/godel-sub001/internal/event"
	"github.com/davidkimai/godel-sub001/internal/schedule"
	"github.com/davidkimai/godel-sub001/internal/store"
)

// Action is what the caller should do about a crossed threshold.
type Action string

const (
	ActionNone   Action = ""
	ActionNotify Action = "notify"
	ActionPause  Action = "pause"
	ActionKill   Action = "kill"
)

// ProjectScopeID names the single root scope every swarm allocates from.
const ProjectScopeID = "default"

type Governor struct {
	store *store.Store
	bus   *event.Bus
	cfg   config.BudgetConfig

	mu    sync.Mutex
	fired map[string]map[Action]bool // scope key -> threshold action -> emitted this period
	usage map[string][]sample
}

type sample struct {
	at   time.Time
	cost float64
}

func NewGovernor(s *store.Store, bus *event.Bus, cfg config.BudgetConfig) *Governor {
	return &Governor{
		store: s,
		bus:   bus,
		cfg:   cfg,
		fired: make(map[string]map[Action]bool),
		usage: make(map[string][]sample),
	}
}

// EnsureProject creates the root project budget if it does not exist yet.
func (g *Governor) EnsureProject() error {
	_, err := g.store.GetBudget(store.ScopeProject, ProjectScopeID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	period, err := schedule.Normalize(g.cfg.Period)
	if err != nil {
		return fmt.Errorf("budget period: %w", err)
	}

	b := &store.Budget{
		ScopeType: store.ScopeProject,
		ScopeID:   ProjectScopeID,
		Allocated: g.cfg.ProjectAllocation,
		Currency:  g.cfg.Currency,
		Period:    period,
		ResetAt:   schedule.NextReset(period),
		Warning:   g.cfg.Thresholds.Warning,
		Critical:  g.cfg.Thresholds.Critical,
		HardStop:  g.cfg.Thresholds.HardStop,
	}
	if err := g.store.CreateBudget(b); err != nil {
		return fmt.Errorf("create project budget: %w", err)
	}
	slog.Info("project budget created", "allocated", b.Allocated, "currency", b.Currency)
	return nil
}

// Allocate carves amount out of the parent scope's remaining headroom
// for a new child scope. The child inherits the parent's period and
// threshold percentages.
func (g *Governor) Allocate(scopeType, scopeID, parentType, parentID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("allocation must be positive, got %f", amount)
	}

	parent, err := g.store.GetBudget(parentType, parentID)
	if err != nil {
		return fmt.Errorf("parent scope %s/%s: %w", parentType, parentID, err)
	}

	b := &store.Budget{
		ScopeType:  scopeType,
		ScopeID:    scopeID,
		ParentType: parentType,
		ParentID:   parentID,
		Allocated:  amount,
		Currency:   parent.Currency,
		Period:     parent.Period,
		ResetAt:    parent.ResetAt,
		Warning:    parent.Warning,
		Critical:   parent.Critical,
		HardStop:   parent.HardStop,
	}
	if err := g.store.CreateBudget(b); err != nil {
		return err
	}

	g.bus.Publish(event.New(event.BudgetAllocated, scopeKey(scopeType, scopeID), scopeID, map[string]any{
		"scope_type": scopeType,
		"scope_id":   scopeID,
		"allocated":  amount,
		"currency":   b.Currency,
	}))
	return nil
}

// Grow raises an existing scope's allocation, reserving the increase
// against the parent.
func (g *Governor) Grow(scopeType, scopeID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("growth must be positive, got %f", amount)
	}
	return g.store.GrowBudget(scopeType, scopeID, amount)
}

// Consume records spend atomically against the scope and all its
// ancestors. A rejected consume emits budget.exceeded and returns
// store.ErrBudgetExceeded without changing any balance.
func (g *Governor) Consume(scopeType, scopeID string, tokens int64, cost float64) error {
	if cost < 0 {
		return fmt.Errorf("cost must not be negative, got %f", cost)
	}

	if err := g.store.ConsumeBudget(scopeType, scopeID, tokens, cost); err != nil {
		if errors.Is(err, store.ErrBudgetExceeded) {
			g.bus.Publish(event.New(event.BudgetExceeded, scopeKey(scopeType, scopeID), scopeID, map[string]any{
				"scope_type": scopeType,
				"scope_id":   scopeID,
				"cost":       cost,
			}))
		}
		return err
	}

	g.recordUsage(scopeKey(scopeType, scopeID), cost)

	if _, err := g.CheckThresholds(scopeType, scopeID); err != nil {
		slog.Warn("threshold check failed", "scope", scopeKey(scopeType, scopeID), "error", err)
	}
	return nil
}

// CheckThresholds compares consumed/allocated against the scope's
// configured percentages and returns the strongest crossed action.
// Each threshold emits at most one budget.threshold event per reset
// period.
func (g *Governor) CheckThresholds(scopeType, scopeID string) (Action, error) {
	b, err := g.store.GetBudget(scopeType, scopeID)
	if err != nil {
		return ActionNone, err
	}
	if b.Allocated <= 0 {
		return ActionNone, nil
	}

	ratio := b.Consumed / b.Allocated * 100

	type level struct {
		pct    float64
		action Action
	}
	levels := []level{
		{b.Warning, ActionNotify},
		{b.Critical, ActionPause},
		{b.HardStop, ActionKill},
	}

	key := scopeKey(scopeType, scopeID)
	strongest := ActionNone
	for _, l := range levels {
		if l.pct <= 0 || ratio < l.pct {
			continue
		}
		strongest = l.action

		g.mu.Lock()
		if g.fired[key] == nil {
			g.fired[key] = make(map[Action]bool)
		}
		already := g.fired[key][l.action]
		g.fired[key][l.action] = true
		g.mu.Unlock()

		if !already {
			g.bus.Publish(event.New(event.BudgetThreshold, key, scopeID, map[string]any{
				"scope_type": scopeType,
				"scope_id":   scopeID,
				"threshold":  l.pct,
				"ratio":      ratio,
				"action":     string(l.action),
			}))
		}
	}

	return strongest, nil
}

// Release returns a scope's unused reservation to its parent.
func (g *Governor) Release(scopeType, scopeID string) (float64, error) {
	return g.store.ReleaseBudget(scopeType, scopeID)
}

// StartResetLoop polls for budgets whose period has elapsed and zeroes
// their consumption, re-arming threshold events for the new period.
func (g *Governor) StartResetLoop(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.resetDue(time.Now())
		}
	}
}

func (g *Governor) resetDue(now time.Time) {
	due, err := g.store.ListDueResets(now)
	if err != nil {
		slog.Error("failed to list due budget resets", "error", err)
		return
	}

	for _, b := range due {
		next := schedule.NextReset(b.Period)
		if err := g.store.ResetBudget(b.ScopeType, b.ScopeID, next); err != nil {
			slog.Error("budget reset failed", "scope", scopeKey(b.ScopeType, b.ScopeID), "error", err)
			continue
		}

		key := scopeKey(b.ScopeType, b.ScopeID)
		g.mu.Lock()
		delete(g.fired, key)
		delete(g.usage, key)
		g.mu.Unlock()

		g.bus.Publish(event.New(event.BudgetReset, key, b.ScopeID, map[string]any{
			"scope_type": b.ScopeType,
			"scope_id":   b.ScopeID,
			"allocated":  b.Allocated,
		}))
		slog.Info("budget period reset", "scope", key, "next", next)
	}
}

func (g *Governor) recordUsage(key string, cost float64) {
	now := time.Now()
	cutoff := now.Add(-g.window())

	g.mu.Lock()
	defer g.mu.Unlock()

	samples := g.usage[key]
	kept := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	g.usage[key] = append(kept, sample{at: now, cost: cost})
}

func (g *Governor) window() time.Duration {
	if g.cfg.ForecastWindow > 0 {
		return g.cfg.ForecastWindow
	}
	return 15 * time.Minute
}

func scopeKey(scopeType, scopeID string) string {
	return scopeType + "/" + scopeID
}
