package swarm

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davidkimai/godel-sub001/internal/budget"
	"github.com/davidkimai/godel-sub001/internal/config"
	"github.com/davidkimai/godel-sub001/internal/event"
	"github.com/davidkimai/godel-sub001/internal/lifecycle"
	"github.com/davidkimai/godel-sub001/internal/runtime"
	"github.com/davidkimai/godel-sub001/internal/store"
)

type fakeRuntime struct {
	mu     sync.Mutex
	spawns []runtime.Spec
	events chan runtime.Event
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{events: make(chan runtime.Event, 16)}
}

func (f *fakeRuntime) Spawn(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns = append(f.spawns, spec)
	return runtime.Handle{AgentID: spec.AgentID, ID: "w-" + spec.AgentID}, nil
}

func (f *fakeRuntime) Send(ctx context.Context, h runtime.Handle, msg runtime.Message) error {
	return nil
}
func (f *fakeRuntime) Stop(ctx context.Context, h runtime.Handle) error { return nil }
func (f *fakeRuntime) Events() <-chan runtime.Event                     { return f.events }
func (f *fakeRuntime) Close() error                                     { return nil }

func (f *fakeRuntime) specs() []runtime.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.Spec(nil), f.spawns...)
}

type testEnv struct {
	store  *store.Store
	bus    *event.Bus
	gov    *budget.Governor
	agents *lifecycle.Manager
	swarms *Manager
	rt     *fakeRuntime
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bus := event.NewBus(256)
	gov := budget.NewGovernor(s, bus, config.BudgetConfig{
		ProjectAllocation: 1000,
		Currency:          "USD",
		Period:            "0 0 * * *",
		Thresholds:        config.ThresholdConfig{Warning: 50, Critical: 80, HardStop: 100},
		ForecastWindow:    time.Minute,
	})
	if err := gov.EnsureProject(); err != nil {
		t.Fatalf("ensure project: %v", err)
	}

	rt := newFakeRuntime()
	lm := lifecycle.NewManager(s, gov, bus, rt, config.RetryConfig{
		MaxRetries:  2,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  time.Second,
	})
	sm := NewManager(s, gov, lm, bus, config.SwarmConfig{
		MaxAgents:     8,
		TreeDepthMax:  2,
		TreeShareBase: 0.5,
	})
	return &testEnv{store: s, bus: bus, gov: gov, agents: lm, swarms: sm, rt: rt}
}

func TestCreateParallelDerivesShares(t *testing.T) {
	env := newTestEnv(t)

	sw, err := env.swarms.Create(context.Background(), CreateSpec{
		Name:          "crawl",
		Strategy:      StrategyParallel,
		InitialAgents: 3,
		MaxAgents:     3,
		Budget:        30,
		Task:          "crawl the index",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sw.Status != StatusActive {
		t.Errorf("expected active swarm, got %s", sw.Status)
	}

	agents, err := env.store.ListAgentsBySwarm(sw.ID)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(agents))
	}
	for _, a := range agents {
		if a.BudgetLimit != 10 {
			t.Errorf("agent %s: expected budget limit 10, got %f", a.ID, a.BudgetLimit)
		}
	}

	// 5 fits in the per-agent share; 5+6 does not.
	first := agents[0].ID
	if err := env.gov.Consume(store.ScopeAgent, first, 0, 5); err != nil {
		t.Fatalf("consume 5: %v", err)
	}
	if err := env.gov.Consume(store.ScopeAgent, first, 0, 6); !errors.Is(err, store.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []CreateSpec{
		{Name: "x", Strategy: "mesh", InitialAgents: 1, MaxAgents: 2, Budget: 10, Task: "t"},
		{Name: "x", Strategy: StrategyParallel, InitialAgents: 5, MaxAgents: 2, Budget: 10, Task: "t"},
		{Name: "x", Strategy: StrategyParallel, InitialAgents: 1, MaxAgents: 99, Budget: 10, Task: "t"},
		{Name: "x", Strategy: StrategyParallel, InitialAgents: 1, MaxAgents: 2, Budget: 0, Task: "t"},
		{Name: "x", Strategy: StrategyPipeline, MaxAgents: 2, Budget: 10},
		{Name: "x", Strategy: StrategyMapReduce, MaxAgents: 2, Budget: 10, MapTasks: []string{"m"}},
	}
	for i, spec := range cases {
		if _, err := env.swarms.Create(ctx, spec); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestScaleUpAndDown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sw, err := env.swarms.Create(ctx, CreateSpec{
		Name:          "workers",
		Strategy:      StrategyParallel,
		InitialAgents: 2,
		MaxAgents:     6,
		Budget:        60,
		Task:          "work",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := env.swarms.Scale(ctx, sw.ID, 2); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	active, _ := env.swarms.activeAgents(sw.ID)
	if len(active) != 4 {
		t.Fatalf("expected 4 active agents, got %d", len(active))
	}
	sw, _ = env.store.GetSwarm(sw.ID)
	if sw.TargetAgentCount != 4 {
		t.Errorf("expected target 4, got %d", sw.TargetAgentCount)
	}

	if err := env.swarms.Scale(ctx, sw.ID, -3); err != nil {
		t.Fatalf("scale down: %v", err)
	}
	active, _ = env.swarms.activeAgents(sw.ID)
	if len(active) != 1 {
		t.Fatalf("expected 1 active agent, got %d", len(active))
	}

	// Past the ceiling is rejected.
	if err := env.swarms.Scale(ctx, sw.ID, 99); !errors.Is(err, ErrTooManyAgent) {
		t.Errorf("expected ErrTooManyAgent, got %v", err)
	}
}

func TestConcurrentScaleAndDestroy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sw, err := env.swarms.Create(ctx, CreateSpec{
		Name:          "contested",
		Strategy:      StrategyParallel,
		InitialAgents: 2,
		MaxAgents:     6,
		Budget:        60,
		Task:          "work",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := env.swarms.Scale(ctx, sw.ID, 2); err != nil {
			t.Errorf("scale: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := env.swarms.Destroy(ctx, sw.ID, true); err != nil {
			t.Errorf("destroy: %v", err)
		}
	}()
	wg.Wait()

	sw, _ = env.store.GetSwarm(sw.ID)
	if sw.Status != StatusDestroyed {
		t.Fatalf("expected destroyed, got %s", sw.Status)
	}
	agents, _ := env.store.ListAgentsBySwarm(sw.ID)
	for _, a := range agents {
		if !lifecycle.IsTerminal(a.Status) {
			t.Errorf("agent %s survived destroy in status %s", a.ID, a.Status)
		}
	}

	// Whichever lost the race must no-op on the terminal swarm.
	if err := env.swarms.Scale(ctx, sw.ID, 1); err != nil {
		t.Errorf("scale after destroy must no-op, got %v", err)
	}
	if err := env.swarms.Destroy(ctx, sw.ID, false); err != nil {
		t.Errorf("second destroy must no-op, got %v", err)
	}
}

func TestScaleDownGrowsSurvivorShares(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sw, err := env.swarms.Create(ctx, CreateSpec{
		Name:          "shrinking",
		Strategy:      StrategyParallel,
		InitialAgents: 3,
		MaxAgents:     3,
		Budget:        30,
		Task:          "work",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.swarms.Scale(ctx, sw.ID, -1); err != nil {
		t.Fatalf("scale down: %v", err)
	}

	survivors, _ := env.swarms.activeAgents(sw.ID)
	if len(survivors) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(survivors))
	}
	// The killed agent's $10 reservation is split across the survivors.
	for _, a := range survivors {
		b, err := env.store.GetBudget(store.ScopeAgent, a.ID)
		if err != nil {
			t.Fatalf("get survivor budget: %v", err)
		}
		if b.Allocated != 15 {
			t.Errorf("agent %s: expected grown allocation 15, got %f", a.ID, b.Allocated)
		}
	}

	// The grown share is spendable past the original 10.
	if err := env.gov.Consume(store.ScopeAgent, survivors[0].ID, 0, 12); err != nil {
		t.Errorf("consume against grown share: %v", err)
	}
}

func TestDestroyReleasesBudget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sw, err := env.swarms.Create(ctx, CreateSpec{
		Name:          "short-lived",
		Strategy:      StrategyParallel,
		InitialAgents: 2,
		MaxAgents:     2,
		Budget:        900,
		Task:          "work",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.swarms.Destroy(ctx, sw.ID, false); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	// The project headroom is back for the next swarm.
	if _, err := env.swarms.Create(ctx, CreateSpec{
		Name:          "successor",
		Strategy:      StrategyParallel,
		InitialAgents: 1,
		MaxAgents:     1,
		Budget:        900,
		Task:          "work",
	}); err != nil {
		t.Fatalf("create after destroy: %v", err)
	}
}

func TestPipelineStagesChained(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.swarms.Create(ctx, CreateSpec{
		Name:      "etl",
		Strategy:  StrategyPipeline,
		MaxAgents: 3,
		Budget:    30,
		Stages:    []string{"extract", "transform", "load"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	specs := env.rt.specs()
	if len(specs) != 1 || specs[0].Task != "extract" {
		t.Fatalf("expected only the extract stage spawned, got %d specs", len(specs))
	}

	if err := env.agents.Complete(ctx, specs[0].AgentID, "rows"); err != nil {
		t.Fatalf("complete extract: %v", err)
	}
	specs = env.rt.specs()
	if len(specs) != 2 || specs[1].Task != "transform" {
		t.Fatalf("expected transform after extract, got %d specs", len(specs))
	}
	if specs[1].Env["UPSTREAM_AGENT"] != specs[0].AgentID {
		t.Errorf("transform stage missing upstream wiring: %v", specs[1].Env)
	}

	if err := env.agents.Complete(ctx, specs[1].AgentID, "clean rows"); err != nil {
		t.Fatalf("complete transform: %v", err)
	}
	specs = env.rt.specs()
	if len(specs) != 3 || specs[2].Task != "load" {
		t.Fatalf("expected load after transform, got %d specs", len(specs))
	}
}

func TestPipelineStageNotSpawnedAfterDestroy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.swarms.Create(ctx, CreateSpec{
		Name:      "etl",
		Strategy:  StrategyPipeline,
		MaxAgents: 2,
		Budget:    20,
		Stages:    []string{"extract", "load"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	specs := env.rt.specs()
	sw, _ := env.store.ListSwarms()
	if err := env.swarms.Destroy(ctx, sw[0].ID, true); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	// A late completion of the destroyed stage must not chain.
	_ = env.agents.Complete(ctx, specs[0].AgentID, "rows")
	if n := len(env.rt.specs()); n != 1 {
		t.Errorf("destroyed pipeline spawned a late stage: %d specs", n)
	}
}

func TestMapReduceWaitsForAllMappers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.swarms.Create(ctx, CreateSpec{
		Name:       "aggregate",
		Strategy:   StrategyMapReduce,
		MaxAgents:  3,
		Budget:     30,
		MapTasks:   []string{"shard-a", "shard-b"},
		ReduceTask: "merge",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	specs := env.rt.specs()
	if len(specs) != 2 {
		t.Fatalf("expected 2 mappers, got %d", len(specs))
	}

	if err := env.agents.Complete(ctx, specs[0].AgentID, "a"); err != nil {
		t.Fatalf("complete mapper: %v", err)
	}
	if n := len(env.rt.specs()); n != 2 {
		t.Fatalf("reducer started before all mappers finished: %d specs", n)
	}

	if err := env.agents.Complete(ctx, specs[1].AgentID, "b"); err != nil {
		t.Fatalf("complete mapper: %v", err)
	}
	specs = env.rt.specs()
	if len(specs) != 3 || specs[2].Task != "merge" {
		t.Fatalf("expected reducer after all mappers, got %d specs", len(specs))
	}
	ids := specs[2].Env["MAPPER_IDS"]
	if !strings.Contains(ids, specs[0].AgentID) || !strings.Contains(ids, specs[1].AgentID) {
		t.Errorf("reducer env missing mapper ids: %q", ids)
	}
}

func TestTreeChildShareAndDepth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sw, err := env.swarms.Create(ctx, CreateSpec{
		Name:          "explore",
		Strategy:      StrategyTree,
		InitialAgents: 1,
		MaxAgents:     3,
		Budget:        30,
		Task:          "explore",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	agents, _ := env.store.ListAgentsBySwarm(sw.ID)
	root := agents[0]
	if root.BudgetLimit != 10 {
		t.Fatalf("expected root share 10, got %f", root.BudgetLimit)
	}

	child, err := env.swarms.SpawnChild(ctx, root.ID, "explore left")
	if err != nil {
		t.Fatalf("spawn child: %v", err)
	}
	// Half of the root's unspent, unreserved 10.
	if child.BudgetLimit != 5 {
		t.Errorf("expected child share 5, got %f", child.BudgetLimit)
	}
	if child.ParentID != root.ID {
		t.Errorf("child parent id not set")
	}

	// Depth limit of 2: grandchildren are refused.
	if _, err := env.swarms.SpawnChild(ctx, child.ID, "explore deeper"); !errors.Is(err, ErrDepthLimit) {
		t.Errorf("expected ErrDepthLimit, got %v", err)
	}

	// A second child halves the remaining headroom again.
	second, err := env.swarms.SpawnChild(ctx, root.ID, "explore right")
	if err != nil {
		t.Fatalf("second child: %v", err)
	}
	if second.BudgetLimit != 2.5 {
		t.Errorf("expected second child share 2.5, got %f", second.BudgetLimit)
	}

	// The subtree's spend cascades into the root's scope.
	if err := env.gov.Consume(store.ScopeAgent, child.ID, 0, 4); err != nil {
		t.Fatalf("child consume: %v", err)
	}
	rb, _ := env.store.GetBudget(store.ScopeAgent, root.ID)
	if rb.Consumed != 4 {
		t.Errorf("expected child spend on root scope, got %f", rb.Consumed)
	}
}

func TestSpawnChildCountsTowardCeiling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sw, err := env.swarms.Create(ctx, CreateSpec{
		Name:          "narrow",
		Strategy:      StrategyTree,
		InitialAgents: 1,
		MaxAgents:     2,
		Budget:        20,
		Task:          "explore",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	agents, _ := env.store.ListAgentsBySwarm(sw.ID)
	root := agents[0]

	if _, err := env.swarms.SpawnChild(ctx, root.ID, "explore left"); err != nil {
		t.Fatalf("spawn child: %v", err)
	}
	sw, _ = env.store.GetSwarm(sw.ID)
	if sw.TargetAgentCount != 2 {
		t.Errorf("expected target 2 after child spawn, got %d", sw.TargetAgentCount)
	}
	active, _ := env.swarms.activeAgents(sw.ID)
	if len(active) > sw.TargetAgentCount {
		t.Errorf("%d non-terminal agents exceed target %d", len(active), sw.TargetAgentCount)
	}

	// The swarm ceiling binds children too.
	if _, err := env.swarms.SpawnChild(ctx, root.ID, "explore right"); !errors.Is(err, ErrTooManyAgent) {
		t.Errorf("expected ErrTooManyAgent, got %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sw, err := env.swarms.Create(ctx, CreateSpec{
		Name:          "observed",
		Strategy:      StrategyParallel,
		InitialAgents: 2,
		MaxAgents:     4,
		Budget:        40,
		Task:          "work",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	agents, _ := env.store.ListAgentsBySwarm(sw.ID)
	if err := env.agents.Complete(ctx, agents[0].ID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	snap, err := env.swarms.Snapshot(sw.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.AgentCounts[lifecycle.StatusRunning] != 1 || snap.AgentCounts[lifecycle.StatusCompleted] != 1 {
		t.Errorf("unexpected counts: %v", snap.AgentCounts)
	}
	if snap.Budget == nil || snap.Budget.Allocated != 40 {
		t.Errorf("snapshot missing budget: %+v", snap.Budget)
	}
}
