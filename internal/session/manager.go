package session

import (
	"context"
	"sync"
	"time"

	"github.com/archhq/arch/internal/log"
	"github.com/archhq/arch/internal/state"
	"github.com/archhq/arch/internal/usage"
)

// Factory constructs a supervisor for one agent. The manager uses it for
// sandboxed configs so the container adapter can be plugged in without
// this package depending on it.
type Factory func(cfg AgentConfig) Supervisor

// Manager tracks all live supervisors and provides spawn, stop, and
// teardown over the set.
type Manager struct {
	store     *state.Store
	tracker   *usage.Tracker
	stateDir  string
	mcpPort   int
	onOutput  OutputFunc
	onExit    ExitFunc
	sandboxed Factory

	mu       sync.Mutex
	sessions map[string]Supervisor
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSandboxFactory installs the supervisor factory used for sandboxed
// agent configs.
func WithSandboxFactory(f Factory) ManagerOption {
	return func(m *Manager) { m.sandboxed = f }
}

// WithOutputCallback forwards every parsed child event.
func WithOutputCallback(fn OutputFunc) ManagerOption {
	return func(m *Manager) { m.onOutput = fn }
}

// WithExitCallback is called once per child exit.
func WithExitCallback(fn ExitFunc) ManagerOption {
	return func(m *Manager) { m.onExit = fn }
}

// NewManager creates a session manager.
func NewManager(store *state.Store, tracker *usage.Tracker, stateDir string, mcpPort int, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		tracker:  tracker,
		stateDir: stateDir,
		mcpPort:  mcpPort,
		sessions: make(map[string]Supervisor),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Spawn creates and starts a supervisor for the config. Returns nil when
// the spawn fails. A still-running session for the same agent is returned
// as-is.
func (m *Manager) Spawn(ctx context.Context, cfg AgentConfig, prompt, resumeSessionID string) Supervisor {
	m.mu.Lock()
	if existing, ok := m.sessions[cfg.AgentID]; ok && existing.IsRunning() {
		m.mu.Unlock()
		log.Warn(log.CatSession, "Session already running", "agentID", cfg.AgentID)
		return existing
	}
	m.mu.Unlock()

	var sup Supervisor
	if cfg.Sandboxed && m.sandboxed != nil {
		sup = m.sandboxed(cfg)
	} else {
		sup = NewSession(cfg, m.store, m.tracker, m.stateDir, m.mcpPort, m.onOutput, m.onExit)
	}

	if !sup.Spawn(ctx, prompt, resumeSessionID) {
		return nil
	}

	m.mu.Lock()
	m.sessions[cfg.AgentID] = sup
	m.mu.Unlock()
	return sup
}

// Get returns the supervisor for an agent, if tracked.
func (m *Manager) Get(agentID string) (Supervisor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sup, ok := m.sessions[agentID]
	return sup, ok
}

// Running returns the supervisors whose children are still alive.
func (m *Manager) Running() []Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Supervisor
	for _, sup := range m.sessions {
		if sup.IsRunning() {
			out = append(out, sup)
		}
	}
	return out
}

// Stop stops one agent's session. Unknown agents return false.
func (m *Manager) Stop(agentID string, grace time.Duration) bool {
	sup, ok := m.Get(agentID)
	if !ok {
		return false
	}
	return sup.Stop(grace)
}

// StopAll stops every running session in parallel with a common grace
// period and returns how many stopped cleanly.
func (m *Manager) StopAll(grace time.Duration) int {
	running := m.Running()
	if len(running) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	stopped := 0

	for _, sup := range running {
		wg.Add(1)
		go func(sup Supervisor) {
			defer wg.Done()
			if sup.Stop(grace) {
				mu.Lock()
				stopped++
				mu.Unlock()
			}
		}(sup)
	}
	wg.Wait()

	log.Info(log.CatSession, "Stopped sessions", "count", stopped)
	return stopped
}

// Remove drops an agent from tracking without stopping it.
func (m *Manager) Remove(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[agentID]; !ok {
		return false
	}
	delete(m.sessions, agentID)
	return true
}
