// Package swarm groups agents under a shared strategy and budget. The
// manager owns swarm-level state transitions; individual agents stay
// the lifecycle manager's business.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/davidkimai/godel-sub001/internal/budget"
	"github.com/davidkimai/godel-sub001/internal/config"
	"github.com/davidkimai/godel-sub001/internal/event"
	"github.com/davidkimai/godel-sub001/internal/lifecycle"
	"github.com/davidkimai/godel-sub001/internal/store"
)

// Swarm statuses.
const (
	StatusCreating  = "creating"
	StatusActive    = "active"
	StatusScaling   = "scaling"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDestroyed = "destroyed"
)

// Strategies.
const (
	StrategyParallel  = "parallel"
	StrategyPipeline  = "pipeline"
	StrategyMapReduce = "map-reduce"
	StrategyTree      = "tree"
)

var (
	ErrSwarmExists  = errors.New("swarm id already exists")
	ErrTooManyAgent = errors.New("agent count exceeds swarm maximum")
	ErrDepthLimit   = errors.New("tree depth limit reached")
)

func isTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusDestroyed:
		return true
	}
	return false
}

// CreateSpec describes a new swarm. Task fields are strategy-specific:
// Task for parallel and tree, Stages for pipeline, MapTasks+ReduceTask
// for map-reduce.
type CreateSpec struct {
	ID            string // optional; generated when empty
	Name          string
	Strategy      string
	InitialAgents int
	MaxAgents     int
	Budget        float64
	Model         string
	Task          string
	Stages        []string
	MapTasks      []string
	ReduceTask    string
}

type Manager struct {
	store  *store.Store
	budget *budget.Governor
	agents *lifecycle.Manager
	bus    *event.Bus
	cfg    config.SwarmConfig

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	wiring map[string][]func() // per-swarm event subscriptions to tear down

	// idMu is held only while a new swarm id is claimed, never while
	// agents spawn, so unrelated swarms are not serialized.
	idMu sync.Mutex
}

func NewManager(s *store.Store, g *budget.Governor, lm *lifecycle.Manager, bus *event.Bus, cfg config.SwarmConfig) *Manager {
	return &Manager{
		store:  s,
		budget: g,
		agents: lm,
		bus:    bus,
		cfg:    cfg,
		locks:  make(map[string]*sync.Mutex),
		wiring: make(map[string][]func()),
	}
}

// Create allocates the swarm's budget from the project scope and starts
// the strategy's initial agents. Individual spawn failures do not abort
// the swarm; they surface through the normal agent failure path.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*store.Swarm, error) {
	if err := m.normalize(&spec); err != nil {
		return nil, err
	}

	m.idMu.Lock()
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if _, err := m.store.GetSwarm(spec.ID); err == nil {
		m.idMu.Unlock()
		return nil, fmt.Errorf("swarm %s: %w", spec.ID, ErrSwarmExists)
	} else if !errors.Is(err, store.ErrNotFound) {
		m.idMu.Unlock()
		return nil, err
	}

	sw := &store.Swarm{
		ID:               spec.ID,
		Name:             spec.Name,
		Status:           StatusCreating,
		Strategy:         spec.Strategy,
		TargetAgentCount: spec.InitialAgents,
		MaxAgents:        spec.MaxAgents,
		BudgetAllocated:  spec.Budget,
	}
	if err := m.store.CreateSwarm(sw); err != nil {
		m.idMu.Unlock()
		return nil, err
	}
	m.idMu.Unlock()

	if err := m.budget.Allocate(store.ScopeSwarm, sw.ID, store.ScopeProject, budget.ProjectScopeID, spec.Budget); err != nil {
		sw.Status = StatusFailed
		if uerr := m.store.UpdateSwarm(sw); uerr != nil {
			slog.Error("failed to mark swarm failed", "swarm", sw.ID, "error", uerr)
		}
		return nil, fmt.Errorf("swarm budget: %w", err)
	}

	share := spec.Budget / float64(spec.MaxAgents)
	m.launch(ctx, sw, spec, share)

	sw.Status = StatusActive
	if err := m.store.UpdateSwarm(sw); err != nil {
		return nil, err
	}

	m.bus.Publish(event.New(event.SwarmCreated, sw.ID, sw.ID, map[string]any{
		"name":     sw.Name,
		"strategy": sw.Strategy,
		"agents":   sw.TargetAgentCount,
		"budget":   sw.BudgetAllocated,
	}))
	slog.Info("swarm created", "swarm", sw.ID, "strategy", sw.Strategy, "agents", sw.TargetAgentCount)
	return sw, nil
}

func (m *Manager) normalize(spec *CreateSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("swarm name is required")
	}
	if spec.Budget <= 0 {
		return fmt.Errorf("swarm budget must be positive")
	}
	if spec.MaxAgents <= 0 || (m.cfg.MaxAgents > 0 && spec.MaxAgents > m.cfg.MaxAgents) {
		return fmt.Errorf("max agents must be in [1, %d]", m.cfg.MaxAgents)
	}

	switch spec.Strategy {
	case StrategyParallel, StrategyTree:
		if spec.Task == "" {
			return fmt.Errorf("strategy %s requires a task", spec.Strategy)
		}
	case StrategyPipeline:
		if len(spec.Stages) == 0 {
			return fmt.Errorf("pipeline requires at least one stage")
		}
		spec.InitialAgents = len(spec.Stages)
	case StrategyMapReduce:
		if len(spec.MapTasks) == 0 || spec.ReduceTask == "" {
			return fmt.Errorf("map-reduce requires map tasks and a reduce task")
		}
		spec.InitialAgents = len(spec.MapTasks) + 1
	default:
		return fmt.Errorf("unknown strategy: %q", spec.Strategy)
	}

	if spec.InitialAgents < 0 || spec.InitialAgents > spec.MaxAgents {
		return fmt.Errorf("initial agents %d: %w", spec.InitialAgents, ErrTooManyAgent)
	}
	return nil
}

// Scale moves the swarm to target+delta agents under the swarm's mutex,
// spawning with shares re-derived from the remaining allocation or
// killing the most recent agents. Scaling a terminal swarm is a no-op.
func (m *Manager) Scale(ctx context.Context, id string, delta int) error {
	lock := m.swarmLock(id)
	lock.Lock()
	defer lock.Unlock()

	sw, err := m.store.GetSwarm(id)
	if err != nil {
		return err
	}
	if isTerminal(sw.Status) {
		slog.Info("scale on terminal swarm ignored", "swarm", id, "status", sw.Status)
		return nil
	}
	if delta == 0 {
		return nil
	}

	target := sw.TargetAgentCount + delta
	if target < 0 || target > sw.MaxAgents {
		return fmt.Errorf("target %d: %w", target, ErrTooManyAgent)
	}

	sw.Status = StatusScaling
	sw.TargetAgentCount = target
	if err := m.store.UpdateSwarm(sw); err != nil {
		return err
	}

	active, err := m.activeAgents(id)
	if err != nil {
		return err
	}

	if delta > 0 {
		share, err := m.shareOfRemaining(sw, len(active))
		if err != nil {
			return err
		}
		for i := 0; i < delta; i++ {
			if _, err := m.agents.Spawn(ctx, lifecycle.SpawnSpec{
				SwarmID:     id,
				Task:        m.scaleTask(sw, active),
				BudgetLimit: share,
			}); err != nil {
				slog.Error("scale-up spawn failed", "swarm", id, "error", err)
			}
		}
	} else {
		// Newest first, so the original agents survive a scale-down.
		sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.After(active[j].CreatedAt) })
		before, err := m.store.GetBudget(store.ScopeSwarm, id)
		if err != nil {
			return err
		}
		for i := 0; i < -delta && i < len(active); i++ {
			if err := m.agents.Kill(ctx, active[i].ID, false); err != nil {
				slog.Error("scale-down kill failed", "swarm", id, "agent", active[i].ID, "error", err)
			}
		}
		m.redistributeFreed(id, before.Committed)
	}

	sw.Status = StatusActive
	if err := m.store.UpdateSwarm(sw); err != nil {
		return err
	}

	m.bus.Publish(event.New(event.SwarmScaled, id, id, map[string]any{
		"delta":  delta,
		"target": target,
	}))
	return nil
}

// scaleTask picks the task for a scaled-up agent: reuse a sibling's task
// so parallel swarms grow homogeneously.
func (m *Manager) scaleTask(sw *store.Swarm, active []store.Agent) string {
	if len(active) > 0 {
		return active[0].Task
	}
	return sw.Name
}

// shareOfRemaining derives a per-agent budget share from the swarm
// scope's unreserved allocation spread over the seats still open.
func (m *Manager) shareOfRemaining(sw *store.Swarm, activeCount int) (float64, error) {
	b, err := m.store.GetBudget(store.ScopeSwarm, sw.ID)
	if err != nil {
		return 0, err
	}
	headroom := b.Allocated - b.Committed
	seats := sw.MaxAgents - activeCount
	if seats < 1 {
		seats = 1
	}
	share := headroom / float64(seats)
	if share <= 0 {
		return 0, fmt.Errorf("swarm %s: %w", sw.ID, store.ErrBudgetExceeded)
	}
	return share, nil
}

// redistributeFreed re-derives the surviving agents' shares after a
// scale-down: the reservation the killed agents handed back is grown
// evenly onto each survivor's allocation.
func (m *Manager) redistributeFreed(id string, committedBefore float64) {
	b, err := m.store.GetBudget(store.ScopeSwarm, id)
	if err != nil {
		slog.Error("redistribute: read swarm budget failed", "swarm", id, "error", err)
		return
	}
	freed := committedBefore - b.Committed
	if freed <= 0 {
		return
	}
	survivors, err := m.activeAgents(id)
	if err != nil || len(survivors) == 0 {
		return
	}

	topUp := freed / float64(len(survivors))
	for _, a := range survivors {
		if err := m.budget.Grow(store.ScopeAgent, a.ID, topUp); err != nil {
			slog.Warn("share top-up failed", "swarm", id, "agent", a.ID, "error", err)
		}
	}
}

// Destroy kills every child agent, releases the swarm budget and marks
// the swarm destroyed. Destroying a terminal swarm is a no-op.
func (m *Manager) Destroy(ctx context.Context, id string, force bool) error {
	lock := m.swarmLock(id)
	lock.Lock()
	defer lock.Unlock()

	sw, err := m.store.GetSwarm(id)
	if err != nil {
		return err
	}
	if isTerminal(sw.Status) {
		return nil
	}

	m.unwire(id)

	agents, err := m.store.ListAgentsBySwarm(id)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if err := m.agents.Kill(ctx, a.ID, force); err != nil {
			slog.Error("destroy kill failed", "swarm", id, "agent", a.ID, "error", err)
		}
	}

	released, err := m.budget.Release(store.ScopeSwarm, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("failed to release swarm budget", "swarm", id, "error", err)
	}

	sw.Status = StatusDestroyed
	if err := m.store.UpdateSwarm(sw); err != nil {
		return err
	}

	m.bus.Publish(event.New(event.SwarmDestroyed, id, id, map[string]any{
		"force":           force,
		"budget_released": released,
	}))
	slog.Info("swarm destroyed", "swarm", id, "released", released)
	return nil
}

// Snapshot is a read-only aggregate for dashboards and the CLI.
type Snapshot struct {
	Swarm       store.Swarm    `json:"swarm"`
	AgentCounts map[string]int `json:"agent_counts"`
	Budget      *store.Budget  `json:"budget,omitempty"`
}

func (m *Manager) Snapshot(id string) (*Snapshot, error) {
	sw, err := m.store.GetSwarm(id)
	if err != nil {
		return nil, err
	}

	agents, err := m.store.ListAgentsBySwarm(id)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, a := range agents {
		counts[a.Status]++
	}

	snap := &Snapshot{Swarm: *sw, AgentCounts: counts}
	if b, err := m.store.GetBudget(store.ScopeSwarm, id); err == nil {
		snap.Budget = b
	}
	return snap, nil
}

func (m *Manager) activeAgents(id string) ([]store.Agent, error) {
	return m.store.ListActiveAgents(id)
}

func (m *Manager) swarmLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) addWiring(id string, unsub func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wiring[id] = append(m.wiring[id], unsub)
}

// unwire tears down the swarm's pending pipeline/map-reduce
// subscriptions so a destroyed swarm cannot spawn late stages.
func (m *Manager) unwire(id string) {
	m.mu.Lock()
	unsubs := m.wiring[id]
	delete(m.wiring, id)
	m.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}
