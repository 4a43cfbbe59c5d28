package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/davidkimai/godel-sub001/internal/event"
	"github.com/davidkimai/godel-sub001/internal/lifecycle"
	"github.com/davidkimai/godel-sub001/internal/store"
)

func (m *Manager) launch(ctx context.Context, sw *store.Swarm, spec CreateSpec, share float64) {
	switch spec.Strategy {
	case StrategyParallel, StrategyTree:
		m.launchParallel(ctx, sw, spec, share)
	case StrategyPipeline:
		m.launchPipeline(ctx, sw, spec, share)
	case StrategyMapReduce:
		m.launchMapReduce(ctx, sw, spec, share)
	}
}

// launchParallel starts identical, independent agents. Tree swarms
// start the same way; depth grows later through SpawnChild.
func (m *Manager) launchParallel(ctx context.Context, sw *store.Swarm, spec CreateSpec, share float64) {
	for i := 0; i < spec.InitialAgents; i++ {
		if _, err := m.agents.Spawn(ctx, lifecycle.SpawnSpec{
			SwarmID:     sw.ID,
			Model:       spec.Model,
			Task:        spec.Task,
			BudgetLimit: share,
		}); err != nil {
			slog.Error("initial spawn failed", "swarm", sw.ID, "error", err)
		}
	}
}

// launchPipeline starts stage 0 and chains every later stage to its
// predecessor's completion event. A stage whose swarm has since gone
// terminal stays unstarted.
func (m *Manager) launchPipeline(ctx context.Context, sw *store.Swarm, spec CreateSpec, share float64) {
	ids := make([]string, len(spec.Stages))
	for i := range ids {
		ids[i] = uuid.New().String()
	}

	for i := 1; i < len(spec.Stages); i++ {
		stage := i
		var once sync.Once
		var unsub func()
		unsub = m.bus.Subscribe(event.Filter{Type: event.AgentCompleted, Source: ids[stage-1]}, func(e event.Event) {
			once.Do(func() {
				unsub()
				m.spawnStage(ctx, sw.ID, spec, ids, stage, share, ids[stage-1])
			})
		})
		m.addWiring(sw.ID, unsub)
	}

	if _, err := m.agents.Spawn(ctx, lifecycle.SpawnSpec{
		ID:          ids[0],
		SwarmID:     sw.ID,
		Model:       spec.Model,
		Task:        spec.Stages[0],
		BudgetLimit: share,
	}); err != nil {
		slog.Error("pipeline stage 0 spawn failed", "swarm", sw.ID, "error", err)
	}
}

func (m *Manager) spawnStage(ctx context.Context, swarmID string, spec CreateSpec, ids []string, stage int, share float64, upstream string) {
	sw, err := m.store.GetSwarm(swarmID)
	if err != nil || isTerminal(sw.Status) {
		return
	}
	if _, err := m.agents.Spawn(ctx, lifecycle.SpawnSpec{
		ID:          ids[stage],
		SwarmID:     swarmID,
		Model:       spec.Model,
		Task:        spec.Stages[stage],
		BudgetLimit: share,
		Env:         map[string]string{"UPSTREAM_AGENT": upstream},
	}); err != nil {
		slog.Error("pipeline stage spawn failed", "swarm", swarmID, "stage", stage, "error", err)
	}
}

// launchMapReduce starts every mapper at once and holds the reducer
// back until all mapper completion events have arrived. The reducer
// learns the mapper ids through its environment and reads their
// archived outputs from the store.
func (m *Manager) launchMapReduce(ctx context.Context, sw *store.Swarm, spec CreateSpec, share float64) {
	mapperIDs := make([]string, len(spec.MapTasks))
	for i := range mapperIDs {
		mapperIDs[i] = uuid.New().String()
	}

	var mu sync.Mutex
	remaining := len(mapperIDs)
	done := make(map[string]bool)

	unsub := m.bus.Subscribe(event.Filter{Type: event.AgentCompleted}, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		if !contains(mapperIDs, e.Source) || done[e.Source] {
			return
		}
		done[e.Source] = true
		remaining--
		if remaining > 0 {
			return
		}
		m.spawnReducer(ctx, sw.ID, spec, mapperIDs, share)
	})
	m.addWiring(sw.ID, unsub)

	for i, task := range spec.MapTasks {
		if _, err := m.agents.Spawn(ctx, lifecycle.SpawnSpec{
			ID:          mapperIDs[i],
			SwarmID:     sw.ID,
			Model:       spec.Model,
			Task:        task,
			BudgetLimit: share,
		}); err != nil {
			slog.Error("mapper spawn failed", "swarm", sw.ID, "error", err)
		}
	}
}

func (m *Manager) spawnReducer(ctx context.Context, swarmID string, spec CreateSpec, mapperIDs []string, share float64) {
	sw, err := m.store.GetSwarm(swarmID)
	if err != nil || isTerminal(sw.Status) {
		return
	}
	if _, err := m.agents.Spawn(ctx, lifecycle.SpawnSpec{
		SwarmID:     swarmID,
		Model:       spec.Model,
		Task:        spec.ReduceTask,
		BudgetLimit: share,
		Env:         map[string]string{"MAPPER_IDS": strings.Join(mapperIDs, ",")},
	}); err != nil {
		slog.Error("reducer spawn failed", "swarm", swarmID, "error", err)
	}
}

// SpawnChild grows a tree swarm one level: the child reserves a
// configured fraction of the parent's unspent, unreserved budget and
// charges against it, so a subtree can never outspend its root. The
// child counts toward the swarm's target before it spawns, keeping the
// non-terminal population within targetAgentCount and maxAgents.
func (m *Manager) SpawnChild(ctx context.Context, parentID, task string) (*store.Agent, error) {
	parent, err := m.store.GetAgent(parentID)
	if err != nil {
		return nil, err
	}
	if lifecycle.IsTerminal(parent.Status) {
		return nil, fmt.Errorf("parent %s is %s: %w", parentID, parent.Status, lifecycle.ErrInvalidTransition)
	}

	lock := m.swarmLock(parent.SwarmID)
	lock.Lock()
	defer lock.Unlock()

	sw, err := m.store.GetSwarm(parent.SwarmID)
	if err != nil {
		return nil, err
	}
	if sw.Strategy != StrategyTree {
		return nil, fmt.Errorf("swarm %s strategy is %s, not %s", sw.ID, sw.Strategy, StrategyTree)
	}
	if isTerminal(sw.Status) {
		return nil, fmt.Errorf("swarm %s is %s", sw.ID, sw.Status)
	}

	depth, err := m.depthOf(parent)
	if err != nil {
		return nil, err
	}
	if m.cfg.TreeDepthMax > 0 && depth+1 >= m.cfg.TreeDepthMax {
		return nil, fmt.Errorf("depth %d: %w", depth+1, ErrDepthLimit)
	}

	active, err := m.activeAgents(sw.ID)
	if err != nil {
		return nil, err
	}
	if len(active)+1 > sw.MaxAgents {
		return nil, fmt.Errorf("swarm %s at %d agents: %w", sw.ID, len(active), ErrTooManyAgent)
	}
	if len(active)+1 > sw.TargetAgentCount {
		sw.TargetAgentCount = len(active) + 1
		if err := m.store.UpdateSwarm(sw); err != nil {
			return nil, err
		}
	}

	b, err := m.store.GetBudget(store.ScopeAgent, parentID)
	if err != nil {
		return nil, err
	}
	share := m.cfg.TreeShareBase * (b.Allocated - b.Consumed - b.Committed)
	if share <= 0 {
		return nil, fmt.Errorf("parent %s: %w", parentID, store.ErrBudgetExceeded)
	}

	return m.agents.Spawn(ctx, lifecycle.SpawnSpec{
		SwarmID:     parent.SwarmID,
		ParentID:    parentID,
		Model:       parent.Model,
		Task:        task,
		BudgetLimit: share,
	})
}

// depthOf counts edges from the agent up to its root ancestor.
func (m *Manager) depthOf(a *store.Agent) (int, error) {
	depth := 0
	for a.ParentID != "" {
		parent, err := m.store.GetAgent(a.ParentID)
		if err != nil {
			return 0, err
		}
		depth++
		a = parent
	}
	return depth, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
