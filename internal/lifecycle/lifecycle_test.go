package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davidkimai/godel-sub001/internal/budget"
	"github.com/davidkimai/godel-sub001/internal/config"
	"github.com/davidkimai/godel-sub001/internal/event"
	"github.com/davidkimai/godel-sub001/internal/runtime"
	"github.com/davidkimai/godel-sub001/internal/store"
)

// fakeRuntime records calls and lets tests fail the first N spawns.
type fakeRuntime struct {
	mu         sync.Mutex
	spawnTimes []time.Time
	spawns     []runtime.Spec
	sent       []runtime.Message
	stopped    []string
	failSpawns int

	events chan runtime.Event
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{events: make(chan runtime.Event, 16)}
}

func (f *fakeRuntime) Spawn(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnTimes = append(f.spawnTimes, time.Now())
	f.spawns = append(f.spawns, spec)
	if f.failSpawns > 0 {
		f.failSpawns--
		return runtime.Handle{}, errors.New("worker unreachable")
	}
	return runtime.Handle{AgentID: spec.AgentID, ID: "w-" + spec.AgentID}, nil
}

func (f *fakeRuntime) Send(ctx context.Context, h runtime.Handle, msg runtime.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, h runtime.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, h.AgentID)
	return nil
}

func (f *fakeRuntime) Events() <-chan runtime.Event { return f.events }
func (f *fakeRuntime) Close() error                 { return nil }

func (f *fakeRuntime) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

func newTestManager(t *testing.T, retry config.RetryConfig) (*Manager, *fakeRuntime, *event.Bus) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bus := event.NewBus(256)
	g := budget.NewGovernor(s, bus, config.BudgetConfig{
		ProjectAllocation: 1000,
		Currency:          "USD",
		Period:            "0 0 * * *",
		Thresholds:        config.ThresholdConfig{Warning: 50, Critical: 80, HardStop: 100},
		ForecastWindow:    time.Minute,
	})
	if err := g.EnsureProject(); err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	if err := g.Allocate(store.ScopeSwarm, "sw-1", store.ScopeProject, budget.ProjectScopeID, 100); err != nil {
		t.Fatalf("allocate swarm budget: %v", err)
	}

	rt := newFakeRuntime()
	return NewManager(s, g, bus, rt, retry), rt, bus
}

// waitEvent blocks until an event matching the filter arrives or the
// test times out.
func waitEvent(t *testing.T, bus *event.Bus, filter event.Filter) event.Event {
	t.Helper()
	ch := make(chan event.Event, 16)
	unsub := bus.Subscribe(filter, func(e event.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsub()

	// The event may already be in the buffer.
	if past := bus.Replay(filter, time.Time{}); len(past) > 0 {
		return past[len(past)-1]
	}
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %+v", filter)
		return event.Event{}
	}
}

func TestSpawnHappyPath(t *testing.T) {
	m, rt, bus := newTestManager(t, config.RetryConfig{MaxRetries: 2, BackoffBase: 10 * time.Millisecond, BackoffCap: time.Second})

	var types []string
	var mu sync.Mutex
	bus.Subscribe(event.Filter{Type: "agent.*"}, func(e event.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})

	a, err := m.Spawn(context.Background(), SpawnSpec{
		ID:          "ag-1",
		SwarmID:     "sw-1",
		Task:        "summarize the corpus",
		BudgetLimit: 10,
		Env:         map[string]string{"REGION": "eu"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if a.Status != StatusRunning {
		t.Errorf("expected running, got %s", a.Status)
	}
	if rt.spawnCount() != 1 {
		t.Errorf("expected 1 runtime spawn, got %d", rt.spawnCount())
	}
	if rt.spawns[0].Env["REGION"] != "eu" {
		t.Errorf("spawn env not forwarded: %+v", rt.spawns[0].Env)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 2 || types[0] != event.AgentSpawned || types[1] != event.AgentStarted {
		t.Errorf("expected [agent.spawned agent.started], got %v", types)
	}
}

func TestSpawnValidation(t *testing.T) {
	m, _, _ := newTestManager(t, config.RetryConfig{BackoffBase: 10 * time.Millisecond, BackoffCap: time.Second})

	if _, err := m.Spawn(context.Background(), SpawnSpec{SwarmID: "sw-1", BudgetLimit: 1}); err == nil {
		t.Error("expected error for missing task")
	}
	if _, err := m.Spawn(context.Background(), SpawnSpec{SwarmID: "sw-1", Task: "x"}); err == nil {
		t.Error("expected error for missing budget limit")
	}
	if _, err := m.Spawn(context.Background(), SpawnSpec{Task: "x", BudgetLimit: 1}); err == nil {
		t.Error("expected error for missing swarm id")
	}
}

func TestSpawnDefaultsRetryPolicy(t *testing.T) {
	m, rt, bus := newTestManager(t, config.RetryConfig{MaxRetries: 2, BackoffBase: 10 * time.Millisecond, BackoffCap: time.Second})
	rt.failSpawns = 1

	// No MaxRetries on the spec: the configured policy applies, so one
	// runtime hiccup schedules a retry instead of terminally failing.
	if _, err := m.Spawn(context.Background(), SpawnSpec{
		ID: "ag-1", SwarmID: "sw-1", Task: "t", BudgetLimit: 10,
	}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	a, err := m.store.GetAgent("ag-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.MaxRetries != 2 {
		t.Fatalf("expected configured max retries 2, got %d", a.MaxRetries)
	}

	waitEvent(t, bus, event.Filter{Type: event.AgentStarted, Source: "ag-1"})
	a, _ = m.store.GetAgent("ag-1")
	if a.Status != StatusRunning || a.RetryCount != 1 {
		t.Errorf("expected running after one retry, got status=%s retries=%d", a.Status, a.RetryCount)
	}
}

func TestRetryExhaustionAndBackoff(t *testing.T) {
	base := 10 * time.Millisecond
	m, rt, bus := newTestManager(t, config.RetryConfig{MaxRetries: 2, BackoffBase: base, BackoffCap: time.Second})
	rt.failSpawns = 10 // every attempt fails

	if _, err := m.Spawn(context.Background(), SpawnSpec{
		ID: "ag-1", SwarmID: "sw-1", Task: "t", BudgetLimit: 10,
	}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	waitEvent(t, bus, event.Filter{Type: event.AgentFailed, Source: "ag-1"})

	// maxRetries=2 means exactly three spawn attempts.
	if n := rt.spawnCount(); n != 3 {
		t.Fatalf("expected 3 spawn attempts, got %d", n)
	}

	rt.mu.Lock()
	times := append([]time.Time(nil), rt.spawnTimes...)
	rt.mu.Unlock()
	if gap := times[1].Sub(times[0]); gap < base {
		t.Errorf("first retry came after %v, want >= %v", gap, base)
	}
	if gap := times[2].Sub(times[1]); gap < 2*base {
		t.Errorf("second retry came after %v, want >= %v", gap, 2*base)
	}

	a, err := m.store.GetAgent("ag-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.Status != StatusFailed || !a.Archived {
		t.Errorf("expected archived failed agent, got status=%s archived=%v", a.Status, a.Archived)
	}
	if a.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", a.RetryCount)
	}

	failed := waitEvent(t, bus, event.Filter{Type: event.AgentFailed, Source: "ag-1"})
	if esc, _ := failed.Payload["escalation"].(bool); !esc {
		t.Errorf("terminal failure must escalate, payload: %v", failed.Payload)
	}
}

func TestKillCancelsPendingRetry(t *testing.T) {
	base := 50 * time.Millisecond
	m, rt, bus := newTestManager(t, config.RetryConfig{MaxRetries: 3, BackoffBase: base, BackoffCap: time.Second})
	rt.failSpawns = 1

	if _, err := m.Spawn(context.Background(), SpawnSpec{
		ID: "ag-1", SwarmID: "sw-1", Task: "t", BudgetLimit: 10,
	}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitEvent(t, bus, event.Filter{Type: event.AgentRetrying, Source: "ag-1"})

	if err := m.Kill(context.Background(), "ag-1", false); err != nil {
		t.Fatalf("kill: %v", err)
	}

	// Outlive the backoff: the cancelled retry must not fire.
	time.Sleep(3 * base)

	if n := rt.spawnCount(); n != 1 {
		t.Errorf("retry resurrected a killed agent: %d spawn attempts", n)
	}
	a, _ := m.store.GetAgent("ag-1")
	if a.Status != StatusKilled {
		t.Errorf("expected killed, got %s", a.Status)
	}

	// Killing again is a no-op.
	if err := m.Kill(context.Background(), "ag-1", true); err != nil {
		t.Errorf("second kill: %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	m, rt, _ := newTestManager(t, config.RetryConfig{BackoffBase: 10 * time.Millisecond, BackoffCap: time.Second})

	if _, err := m.Spawn(context.Background(), SpawnSpec{
		ID: "ag-1", SwarmID: "sw-1", Task: "t", BudgetLimit: 10,
	}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// Resume before pause is illegal.
	if err := m.Resume(context.Background(), "ag-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	if err := m.Pause(context.Background(), "ag-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	a, _ := m.store.GetAgent("ag-1")
	if a.Status != StatusPaused {
		t.Fatalf("expected paused, got %s", a.Status)
	}
	if err := m.Pause(context.Background(), "ag-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double pause should fail, got %v", err)
	}

	if err := m.Resume(context.Background(), "ag-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	a, _ = m.store.GetAgent("ag-1")
	if a.Status != StatusRunning {
		t.Fatalf("expected running, got %s", a.Status)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.sent) != 2 {
		t.Errorf("expected pause+resume control messages, got %d", len(rt.sent))
	}
}

func TestProgressChargesBudget(t *testing.T) {
	m, _, bus := newTestManager(t, config.RetryConfig{BackoffBase: 10 * time.Millisecond, BackoffCap: time.Second})

	if _, err := m.Spawn(context.Background(), SpawnSpec{
		ID: "ag-1", SwarmID: "sw-1", Task: "t", BudgetLimit: 10,
	}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := m.Progress("ag-1", ProgressUpdate{Output: "halfway", Tokens: 500, Cost: 4}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	a, _ := m.store.GetAgent("ag-1")
	if a.CostSoFar != 4 || a.Output != "halfway" {
		t.Errorf("progress not persisted: cost=%f output=%q", a.CostSoFar, a.Output)
	}
	waitEvent(t, bus, event.Filter{Type: event.AgentProgress, Source: "ag-1"})

	// A charge past the agent's limit is rejected and changes nothing.
	err := m.Progress("ag-1", ProgressUpdate{Tokens: 500, Cost: 7})
	if !errors.Is(err, store.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	a, _ = m.store.GetAgent("ag-1")
	if a.CostSoFar != 4 {
		t.Errorf("rejected charge must not stick, cost=%f", a.CostSoFar)
	}
}

func TestCompleteReleasesBudget(t *testing.T) {
	m, rt, bus := newTestManager(t, config.RetryConfig{BackoffBase: 10 * time.Millisecond, BackoffCap: time.Second})

	if _, err := m.Spawn(context.Background(), SpawnSpec{
		ID: "ag-1", SwarmID: "sw-1", Task: "t", BudgetLimit: 10,
	}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.Progress("ag-1", ProgressUpdate{Cost: 3}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := m.Complete(context.Background(), "ag-1", "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	a, _ := m.store.GetAgent("ag-1")
	if a.Status != StatusCompleted || !a.Archived || a.Output != "done" {
		t.Errorf("unexpected final agent: %+v", a)
	}

	done := waitEvent(t, bus, event.Filter{Type: event.AgentCompleted, Source: "ag-1"})
	if released, _ := done.Payload["budget_released"].(float64); released != 7 {
		t.Errorf("expected 7 released, payload: %v", done.Payload)
	}

	rt.mu.Lock()
	stopped := len(rt.stopped)
	rt.mu.Unlock()
	if stopped != 1 {
		t.Errorf("worker not stopped on completion")
	}

	// The swarm can re-allocate the returned headroom.
	if err := m.budget.Allocate(store.ScopeAgent, "ag-2", store.ScopeSwarm, "sw-1", 97); err != nil {
		t.Errorf("released headroom not reusable: %v", err)
	}

	// Completing again is a no-op.
	if err := m.Complete(context.Background(), "ag-1", "again"); err != nil {
		t.Errorf("second complete: %v", err)
	}
}

func TestLateFailureDoesNotResurrect(t *testing.T) {
	m, _, _ := newTestManager(t, config.RetryConfig{MaxRetries: 2, BackoffBase: 10 * time.Millisecond, BackoffCap: time.Second})

	if _, err := m.Spawn(context.Background(), SpawnSpec{
		ID: "ag-1", SwarmID: "sw-1", Task: "t", BudgetLimit: 10,
	}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.Kill(context.Background(), "ag-1", false); err != nil {
		t.Fatalf("kill: %v", err)
	}

	if err := m.Fail(context.Background(), "ag-1", errors.New("late worker crash")); err != nil {
		t.Errorf("late failure must be a no-op, got %v", err)
	}
	a, _ := m.store.GetAgent("ag-1")
	if a.Status != StatusKilled {
		t.Errorf("late failure changed status to %s", a.Status)
	}
}

func TestEventPumpRoutesWorkerEvents(t *testing.T) {
	m, rt, bus := newTestManager(t, config.RetryConfig{BackoffBase: 10 * time.Millisecond, BackoffCap: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.StartEventPump(ctx)

	if _, err := m.Spawn(ctx, SpawnSpec{
		ID: "ag-1", SwarmID: "sw-1", Task: "t", BudgetLimit: 10,
	}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	rt.events <- runtime.Event{AgentID: "ag-1", Kind: runtime.EventProgress, Output: "step 1", Cost: 1}
	rt.events <- runtime.Event{AgentID: "ag-1", Kind: runtime.EventCompleted, Output: "final answer"}

	waitEvent(t, bus, event.Filter{Type: event.AgentCompleted, Source: "ag-1"})
	a, _ := m.store.GetAgent("ag-1")
	if a.Status != StatusCompleted || a.Output != "final answer" {
		t.Errorf("pump did not settle agent: status=%s output=%q", a.Status, a.Output)
	}
}

func TestBackoffCap(t *testing.T) {
	m, _, _ := newTestManager(t, config.RetryConfig{BackoffBase: time.Second, BackoffCap: 4 * time.Second})

	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 4 * time.Second},
	}
	for _, tc := range cases {
		if got := m.backoff(tc.retries); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.retries, got, tc.want)
		}
	}
}
