package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/archhq/arch/internal/log"
	"github.com/archhq/arch/internal/pubsub"
)

const usageFile = "usage.json"

// Snapshot is the accumulated usage for one agent.
type Snapshot struct {
	AgentID             string  `json:"agent_id"`
	Model               string  `json:"model"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	Turns               int     `json:"turns"`
	CostUSD             float64 `json:"cost_usd"`
}

// Totals aggregates token counts across all agents.
type Totals struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	Turns               int   `json:"total_turns"`
}

// UpdateFunc is called after each usage update with the agent's new snapshot.
type UpdateFunc func(agentID string, snap Snapshot)

// Tracker accumulates usage per agent and persists usage.json after every
// update. The broker publishes snapshots for dashboard feeds.
type Tracker struct {
	mu       sync.Mutex
	stateDir string
	pricing  Pricing
	agents   map[string]*Snapshot
	onUpdate UpdateFunc
	broker   *pubsub.Broker[Snapshot]
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPricingFile loads rates from the given pricing.yaml.
func WithPricingFile(path string) Option {
	return func(t *Tracker) { t.pricing = LoadPricing(path) }
}

// WithOnUpdate registers a callback invoked after every usage update.
func WithOnUpdate(fn UpdateFunc) Option {
	return func(t *Tracker) { t.onUpdate = fn }
}

// NewTracker creates a tracker persisting to stateDir, reloading any
// existing usage.json.
func NewTracker(stateDir string, opts ...Option) *Tracker {
	t := &Tracker{
		stateDir: stateDir,
		pricing:  DefaultPricing(),
		agents:   make(map[string]*Snapshot),
		broker:   pubsub.NewBroker[Snapshot](),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.load()
	return t
}

// Broker returns the usage event broker.
func (t *Tracker) Broker() *pubsub.Broker[Snapshot] {
	return t.broker
}

// Register starts tracking an agent under the given model. Registering an
// already-tracked agent is a no-op.
func (t *Tracker) Register(agentID, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.agents[agentID]; ok {
		return
	}
	t.agents[agentID] = &Snapshot{AgentID: agentID, Model: model}
	t.persist()
}

// Add applies one turn of usage to an agent and returns the turn cost.
// Events for unregistered agents are dropped.
func (t *Tracker) Add(agentID string, ev Event) float64 {
	t.mu.Lock()

	snap, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		log.Warn(log.CatUsage, "Usage event for unregistered agent", "agentID", agentID)
		return 0
	}

	snap.InputTokens += ev.InputTokens
	snap.OutputTokens += ev.OutputTokens
	snap.CacheReadTokens += ev.CacheReadTokens
	snap.CacheCreationTokens += ev.CacheCreationTokens
	snap.Turns++

	turnCost := t.pricing.Cost(snap.Model, ev)
	snap.CostUSD = round6(snap.CostUSD + turnCost)

	t.persist()
	copied := *snap
	onUpdate := t.onUpdate
	t.mu.Unlock()

	if onUpdate != nil {
		onUpdate(agentID, copied)
	}
	t.broker.Publish(pubsub.UpdatedEvent, copied)

	return turnCost
}

// Get returns the snapshot for one agent.
func (t *Tracker) Get(agentID string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap, ok := t.agents[agentID]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// All returns snapshots for every tracked agent.
func (t *Tracker) All() map[string]Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Snapshot, len(t.agents))
	for id, snap := range t.agents {
		out[id] = *snap
	}
	return out
}

// Remove stops tracking an agent. Returns false if untracked.
func (t *Tracker) Remove(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.agents[agentID]; !ok {
		return false
	}
	delete(t.agents, agentID)
	t.persist()
	return true
}

// TotalCost returns the summed cost across all agents.
func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, snap := range t.agents {
		total += snap.CostUSD
	}
	return round6(total)
}

// TotalTokens returns summed token counts across all agents.
func (t *Tracker) TotalTokens() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out Totals
	for _, snap := range t.agents {
		out.InputTokens += snap.InputTokens
		out.OutputTokens += snap.OutputTokens
		out.CacheReadTokens += snap.CacheReadTokens
		out.CacheCreationTokens += snap.CacheCreationTokens
		out.Turns += snap.Turns
	}
	return out
}

// persist writes usage.json atomically. Callers hold the lock.
func (t *Tracker) persist() {
	if t.stateDir == "" {
		return
	}
	if err := os.MkdirAll(t.stateDir, 0o755); err != nil {
		log.ErrorErr(log.CatUsage, "Failed to create state dir", err)
		return
	}

	path := filepath.Join(t.stateDir, usageFile)
	tmp := path + ".tmp"

	buf, err := json.MarshalIndent(t.agents, "", "  ")
	if err != nil {
		log.ErrorErr(log.CatUsage, "Failed to marshal usage", err)
		return
	}
	if err := os.WriteFile(tmp, buf, 0o644); err != nil { //nolint:gosec // G306: usage snapshot is not a secret
		log.ErrorErr(log.CatUsage, "Failed to write usage", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.ErrorErr(log.CatUsage, "Failed to replace usage", err)
	}
}

func (t *Tracker) load() {
	if t.stateDir == "" {
		return
	}
	buf, err := os.ReadFile(filepath.Join(t.stateDir, usageFile))
	if err != nil {
		return
	}
	var agents map[string]*Snapshot
	if err := json.Unmarshal(buf, &agents); err != nil {
		log.Warn(log.CatUsage, "Skipping corrupt usage snapshot", "error", err)
		return
	}
	if agents != nil {
		t.agents = agents
	}
}
