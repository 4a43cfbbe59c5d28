// Package lifecycle drives every agent through its state machine. It is
// the single retry authority: backoff lives here and nowhere else.
// Mutations on one agent id are serialized by a per-agent mutex;
// distinct agents proceed fully concurrently.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidkimai/godel-sub001/internal/budget"
	"github.com/davidkimai/godel-sub001/internal/config"
	"github.com/davidkimai/godel-sub001/internal/event"
	"github.com/davidkimai/godel-sub001/internal/runtime"
	"github.com/davidkimai/godel-sub001/internal/store"
)

var (
	// ErrInvalidTransition is returned for an illegal state-change
	// request. Fatal only to that call.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrRetryExhausted marks an agent terminally failed after
	// maxRetries attempts. The agent is done; the process is not.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrRuntimeUnavailable wraps failures to reach the worker runtime.
	// It is routed through the normal retry path.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
)

// SpawnSpec describes a new agent.
type SpawnSpec struct {
	ID          string // optional; generated when empty
	SwarmID     string
	ParentID    string
	Model       string
	Task        string
	MaxRetries  int // <= 0 takes the configured default
	BudgetLimit float64
	Env         map[string]string
}

// ProgressUpdate carries a worker progress report. Tokens and Cost are
// increments since the last report.
type ProgressUpdate struct {
	Output string
	Tokens int64
	Cost   float64
}

type Manager struct {
	store  *store.Store
	budget *budget.Governor
	bus    *event.Bus
	rt     runtime.Runtime
	cfg    config.RetryConfig

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	timers  map[string]*time.Timer
	handles map[string]runtime.Handle
	envs    map[string]map[string]string // spawn env kept for retries
}

func NewManager(s *store.Store, g *budget.Governor, bus *event.Bus, rt runtime.Runtime, cfg config.RetryConfig) *Manager {
	return &Manager{
		store:   s,
		budget:  g,
		bus:     bus,
		rt:      rt,
		cfg:     cfg,
		locks:   make(map[string]*sync.Mutex),
		timers:  make(map[string]*time.Timer),
		handles: make(map[string]runtime.Handle),
		envs:    make(map[string]map[string]string),
	}
}

// StartEventPump routes worker runtime events into the state machine
// until the context is cancelled.
func (m *Manager) StartEventPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.rt.Events():
			if !ok {
				return
			}
			m.routeRuntimeEvent(ctx, ev)
		}
	}
}

func (m *Manager) routeRuntimeEvent(ctx context.Context, ev runtime.Event) {
	var err error
	switch ev.Kind {
	case runtime.EventProgress:
		err = m.Progress(ev.AgentID, ProgressUpdate{Output: ev.Output, Tokens: ev.Tokens, Cost: ev.Cost})
	case runtime.EventCompleted:
		err = m.Complete(ctx, ev.AgentID, ev.Output)
	case runtime.EventFailed:
		err = m.Fail(ctx, ev.AgentID, errors.New(ev.Error))
	default:
		slog.Warn("unknown runtime event kind", "kind", ev.Kind, "agent", ev.AgentID)
		return
	}
	if err != nil && !errors.Is(err, ErrRetryExhausted) {
		slog.Error("runtime event handling failed", "kind", ev.Kind, "agent", ev.AgentID, "error", err)
	}
}

// Spawn validates the spec, reserves the agent's budget from its swarm
// scope, creates the agent and launches the first spawn attempt. The
// runtime call honors the caller's context deadline on top of the
// configured spawn timeout; a failure there is routed through Fail.
func (m *Manager) Spawn(ctx context.Context, spec SpawnSpec) (*store.Agent, error) {
	if spec.SwarmID == "" {
		return nil, fmt.Errorf("spawn: swarm id is required")
	}
	if spec.Task == "" {
		return nil, fmt.Errorf("spawn: task is required")
	}
	if spec.BudgetLimit <= 0 {
		return nil, fmt.Errorf("spawn: budget limit must be positive")
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.MaxRetries <= 0 {
		spec.MaxRetries = m.cfg.MaxRetries
	}

	// Child agents reserve out of their parent agent's budget so a
	// subtree can never outspend its root; top-level agents reserve
	// from the swarm scope.
	parentScope, parentID := store.ScopeSwarm, spec.SwarmID
	if spec.ParentID != "" {
		parentScope, parentID = store.ScopeAgent, spec.ParentID
	}
	if err := m.budget.Allocate(store.ScopeAgent, spec.ID, parentScope, parentID, spec.BudgetLimit); err != nil {
		return nil, fmt.Errorf("reserve agent budget: %w", err)
	}

	a := &store.Agent{
		ID:          spec.ID,
		SwarmID:     spec.SwarmID,
		ParentID:    spec.ParentID,
		Status:      StatusPending,
		Model:       spec.Model,
		Task:        spec.Task,
		MaxRetries:  spec.MaxRetries,
		BudgetLimit: spec.BudgetLimit,
	}
	if err := m.store.CreateAgent(a); err != nil {
		if _, relErr := m.budget.Release(store.ScopeAgent, spec.ID); relErr != nil {
			slog.Error("failed to release reservation after create failure", "agent", spec.ID, "error", relErr)
		}
		return nil, err
	}

	if len(spec.Env) > 0 {
		m.mu.Lock()
		m.envs[spec.ID] = spec.Env
		m.mu.Unlock()
	}

	if err := m.attemptSpawn(ctx, spec.ID); err != nil {
		a, _ := m.store.GetAgent(spec.ID)
		return a, err
	}

	return m.store.GetAgent(spec.ID)
}

// attemptSpawn runs one spawn attempt: transition to spawning, call the
// runtime, transition to running on acknowledgment. Runtime errors are
// routed through Fail.
func (m *Manager) attemptSpawn(ctx context.Context, id string) error {
	lock := m.agentLock(id)
	lock.Lock()

	a, err := m.store.GetAgent(id)
	if err != nil {
		lock.Unlock()
		return err
	}
	if IsTerminal(a.Status) {
		// Killed between scheduling and firing; stay dead.
		lock.Unlock()
		return nil
	}
	if a.Status != StatusSpawning {
		if !canTransition(a.Status, StatusSpawning) {
			lock.Unlock()
			return fmt.Errorf("%s -> %s: %w", a.Status, StatusSpawning, ErrInvalidTransition)
		}
		a.Status = StatusSpawning
		if err := m.updateAgent(a); err != nil {
			lock.Unlock()
			return err
		}
	}

	m.bus.Publish(event.New(event.AgentSpawned, id, a.SwarmID, map[string]any{
		"attempt": a.RetryCount + 1,
		"task":    a.Task,
	}))

	m.mu.Lock()
	env := m.envs[id]
	m.mu.Unlock()

	spawnCtx, cancel := context.WithTimeout(ctx, m.spawnTimeout())
	h, err := m.rt.Spawn(spawnCtx, runtime.Spec{
		AgentID: id,
		SwarmID: a.SwarmID,
		Model:   a.Model,
		Task:    a.Task,
		Env:     env,
	})
	cancel()
	if err != nil {
		lock.Unlock()
		return m.Fail(ctx, id, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err))
	}

	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()

	a.Status = StatusRunning
	if err := m.updateAgent(a); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	m.bus.Publish(event.New(event.AgentStarted, id, a.SwarmID, nil))
	return nil
}

// Progress persists a worker report and emits an event; it never
// changes state. Usage increments are charged against the agent's
// budget scope and cascade upward; a rejected charge surfaces as
// ErrBudgetExceeded without touching the agent row.
func (m *Manager) Progress(id string, update ProgressUpdate) error {
	lock := m.agentLock(id)
	lock.Lock()

	a, err := m.store.GetAgent(id)
	if err != nil {
		lock.Unlock()
		return err
	}
	if IsTerminal(a.Status) {
		lock.Unlock()
		return nil
	}

	if update.Cost > 0 || update.Tokens > 0 {
		if err := m.budget.Consume(store.ScopeAgent, id, update.Tokens, update.Cost); err != nil {
			lock.Unlock()
			return err
		}
		a.CostSoFar += update.Cost
	}
	if update.Output != "" {
		a.Output = update.Output
	}
	if err := m.updateAgent(a); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	m.bus.Publish(event.New(event.AgentProgress, id, a.SwarmID, map[string]any{
		"cost_so_far": a.CostSoFar,
		"tokens":      update.Tokens,
	}))
	return nil
}

// Pause suspends a running agent.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.simpleTransition(ctx, id, StatusRunning, StatusPaused, event.AgentPaused)
}

// Resume continues a paused agent.
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.simpleTransition(ctx, id, StatusPaused, StatusRunning, event.AgentResumed)
}

func (m *Manager) simpleTransition(ctx context.Context, id, from, to, eventType string) error {
	lock := m.agentLock(id)
	lock.Lock()

	a, err := m.store.GetAgent(id)
	if err != nil {
		lock.Unlock()
		return err
	}
	if a.Status != from {
		lock.Unlock()
		return fmt.Errorf("%s -> %s: %w", a.Status, to, ErrInvalidTransition)
	}
	a.Status = to
	if err := m.updateAgent(a); err != nil {
		lock.Unlock()
		return err
	}

	if h, ok := m.handle(id); ok {
		msg := runtime.Message{Text: to, Meta: map[string]string{"control": to}}
		if err := m.rt.Send(ctx, h, msg); err != nil {
			slog.Warn("control message failed", "agent", id, "to", to, "error", err)
		}
	}
	lock.Unlock()

	m.bus.Publish(event.New(eventType, id, a.SwarmID, nil))
	return nil
}

// Complete finishes an agent: completing, then completed, releasing its
// unused budget reservation back to the swarm scope and archiving it.
func (m *Manager) Complete(ctx context.Context, id string, output string) error {
	lock := m.agentLock(id)
	lock.Lock()

	a, err := m.store.GetAgent(id)
	if err != nil {
		lock.Unlock()
		return err
	}
	if IsTerminal(a.Status) {
		lock.Unlock()
		return nil
	}
	if !canTransition(a.Status, StatusCompleting) {
		lock.Unlock()
		return fmt.Errorf("%s -> %s: %w", a.Status, StatusCompleting, ErrInvalidTransition)
	}

	a.Status = StatusCompleting
	a.Output = output
	if err := m.updateAgent(a); err != nil {
		lock.Unlock()
		return err
	}

	a.Status = StatusCompleted
	a.Archived = true
	if err := m.updateAgent(a); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	m.forget(id)
	m.releaseRuntime(ctx, id)
	released, err := m.budget.Release(store.ScopeAgent, id)
	if err != nil {
		slog.Error("failed to release completed agent budget", "agent", id, "error", err)
	}

	m.bus.Publish(event.New(event.AgentCompleted, id, a.SwarmID, map[string]any{
		"cost":            a.CostSoFar,
		"budget_released": released,
	}))
	return nil
}

// Fail is the single retry authority. Below maxRetries it schedules a
// respawn after an exponential backoff; at the limit it terminally
// fails the agent and emits an escalation event, returning
// ErrRetryExhausted.
func (m *Manager) Fail(ctx context.Context, id string, cause error) error {
	lock := m.agentLock(id)
	lock.Lock()

	a, err := m.store.GetAgent(id)
	if err != nil {
		lock.Unlock()
		return err
	}
	if IsTerminal(a.Status) {
		// A late runtime failure must not resurrect a settled agent.
		lock.Unlock()
		return nil
	}

	if cause == nil {
		cause = errors.New("unknown failure")
	}
	a.LastError = cause.Error()

	if a.RetryCount < a.MaxRetries {
		delay := m.backoff(a.RetryCount)
		a.RetryCount++
		a.Status = StatusSpawning
		if err := m.updateAgent(a); err != nil {
			lock.Unlock()
			return err
		}

		m.scheduleRetry(ctx, id, delay)
		lock.Unlock()

		m.bus.Publish(event.New(event.AgentRetrying, id, a.SwarmID, map[string]any{
			"retry":    a.RetryCount,
			"delay_ms": delay.Milliseconds(),
			"error":    cause.Error(),
		}))
		slog.Info("agent retry scheduled", "agent", id, "retry", a.RetryCount, "delay", delay)
		return nil
	}

	a.Status = StatusFailed
	a.Archived = true
	if err := m.updateAgent(a); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	m.forget(id)
	m.releaseRuntime(ctx, id)
	if _, err := m.budget.Release(store.ScopeAgent, id); err != nil {
		slog.Error("failed to release failed agent budget", "agent", id, "error", err)
	}

	m.bus.Publish(event.New(event.AgentFailed, id, a.SwarmID, map[string]any{
		"error":       cause.Error(),
		"retry_count": a.RetryCount,
		"escalation":  true,
	}))
	slog.Warn("agent terminally failed", "agent", id, "retries", a.RetryCount, "error", cause)
	return fmt.Errorf("agent %s: %w", id, ErrRetryExhausted)
}

// Kill moves an agent to killed from any non-terminal state: cancels
// any pending retry, releases the reservation and stops the worker.
// Killing a terminal agent is a no-op.
func (m *Manager) Kill(ctx context.Context, id string, force bool) error {
	lock := m.agentLock(id)
	lock.Lock()

	m.cancelRetry(id)

	a, err := m.store.GetAgent(id)
	if err != nil {
		lock.Unlock()
		return err
	}
	if IsTerminal(a.Status) {
		lock.Unlock()
		return nil
	}

	a.Status = StatusKilled
	a.Archived = true
	if err := m.updateAgent(a); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	m.forget(id)
	m.releaseRuntime(ctx, id)
	if _, err := m.budget.Release(store.ScopeAgent, id); err != nil {
		slog.Error("failed to release killed agent budget", "agent", id, "error", err)
	}

	m.bus.Publish(event.New(event.AgentKilled, id, a.SwarmID, map[string]any{"force": force}))
	return nil
}

// backoff computes the delay before retry number retryCount+1:
// base << retryCount, capped.
func (m *Manager) backoff(retryCount int) time.Duration {
	base := m.cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	cap := m.cfg.BackoffCap
	if cap <= 0 {
		cap = 2 * time.Minute
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

func (m *Manager) scheduleRetry(ctx context.Context, id string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[id]; ok {
		t.Stop()
	}
	m.timers[id] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, id)
		m.mu.Unlock()

		if err := m.attemptSpawn(ctx, id); err != nil && !errors.Is(err, ErrRetryExhausted) {
			slog.Error("retry spawn failed", "agent", id, "error", err)
		}
	})
}

// cancelRetry stops a pending retry timer. Called with the agent lock
// held so a concurrently firing timer either completed its transition
// already or will observe the terminal state and stand down.
func (m *Manager) cancelRetry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) releaseRuntime(ctx context.Context, id string) {
	m.mu.Lock()
	h, ok := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.rt.Stop(ctx, h); err != nil {
		slog.Warn("runtime stop failed", "agent", id, "error", err)
	}
}

// forget drops per-agent bookkeeping once the agent is terminal.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.envs, id)
}

func (m *Manager) handle(id string) (runtime.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// updateAgent retries on a concurrency conflict by re-reading the row
// and reapplying the already-validated mutation. Conflicts are rare:
// the per-agent mutex means only out-of-band tooling can interleave.
func (m *Manager) updateAgent(a *store.Agent) error {
	for attempt := 0; ; attempt++ {
		err := m.store.UpdateAgent(a)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConcurrencyConflict) || attempt >= 2 {
			return err
		}
		fresh, readErr := m.store.GetAgent(a.ID)
		if readErr != nil {
			return readErr
		}
		a.Version = fresh.Version
	}
}

func (m *Manager) agentLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) spawnTimeout() time.Duration {
	if m.cfg.SpawnTimeout > 0 {
		return m.cfg.SpawnTimeout
	}
	return 30 * time.Second
}
