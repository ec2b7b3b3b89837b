// Package state implements the ARCH state store: the single source of truth
// for project, agent, message, decision, and task records.
//
// All state is held in memory under one lock and flushed to JSON files in the
// state directory after every mutation. The store reloads existing snapshots
// on construction so a restarted orchestrator resumes where it left off.
package state

import (
	"errors"
	"fmt"
	"time"
)

// AgentStatus is the lifecycle status an agent reports about itself.
type AgentStatus string

const (
	StatusIdle          AgentStatus = "idle"
	StatusWorking       AgentStatus = "working"
	StatusBlocked       AgentStatus = "blocked"
	StatusWaitingReview AgentStatus = "waiting_review"
	StatusDone          AgentStatus = "done"
	StatusError         AgentStatus = "error"
)

// AgentStatuses lists every valid agent status.
var AgentStatuses = []AgentStatus{
	StatusIdle, StatusWorking, StatusBlocked, StatusWaitingReview, StatusDone, StatusError,
}

// Valid reports whether s is a recognized agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusWorking, StatusBlocked, StatusWaitingReview, StatusDone, StatusError:
		return true
	}
	return false
}

// TaskStatus is the lifecycle status of a task assignment.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

// Valid reports whether s is a recognized task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskDone:
		return true
	}
	return false
}

var (
	// ErrInvalidStatus indicates a status value outside the allowed enum.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrAgentExists indicates a duplicate agent registration.
	ErrAgentExists = errors.New("agent already registered")

	// ErrAgentNotFound indicates the agent id is unknown to the store.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrTaskNotFound indicates the task id is unknown to the store.
	ErrTaskNotFound = errors.New("task not found")
)

// Project holds project-level metadata.
type Project struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Repo        string    `json:"repo"`
	StartedAt   time.Time `json:"started_at"`
}

// Usage accumulates token and cost totals for one agent.
type Usage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	Turns               int     `json:"turns"`
	CostUSD             float64 `json:"cost_usd"`
}

// merge folds the non-zero fields of patch into u. Counters only ever
// grow, so a zero field means "not reported this update", not a reset.
func (u *Usage) merge(patch Usage) {
	if patch.InputTokens != 0 {
		u.InputTokens = patch.InputTokens
	}
	if patch.OutputTokens != 0 {
		u.OutputTokens = patch.OutputTokens
	}
	if patch.CacheReadTokens != 0 {
		u.CacheReadTokens = patch.CacheReadTokens
	}
	if patch.CacheCreationTokens != 0 {
		u.CacheCreationTokens = patch.CacheCreationTokens
	}
	if patch.Turns != 0 {
		u.Turns = patch.Turns
	}
	if patch.CostUSD != 0 {
		u.CostUSD = patch.CostUSD
	}
}

// SessionContext is the structured progress snapshot an agent saves for
// continuity across restarts. On respawn it is injected into the agent's
// brief as a session-state section.
type SessionContext struct {
	FilesModified []string `json:"files_modified"`
	Progress      string   `json:"progress"`
	NextSteps     string   `json:"next_steps"`
	Blockers      string   `json:"blockers,omitempty"`
	Decisions     []string `json:"decisions,omitempty"`
}

// merge folds the populated fields of patch into c. Zero-value fields
// leave the current value untouched, so agents saving a partial snapshot
// never wipe blockers or decisions recorded earlier in the session.
func (c *SessionContext) merge(patch *SessionContext) {
	if patch.FilesModified != nil {
		c.FilesModified = append([]string(nil), patch.FilesModified...)
	}
	if patch.Progress != "" {
		c.Progress = patch.Progress
	}
	if patch.NextSteps != "" {
		c.NextSteps = patch.NextSteps
	}
	if patch.Blockers != "" {
		c.Blockers = patch.Blockers
	}
	if patch.Decisions != nil {
		c.Decisions = append([]string(nil), patch.Decisions...)
	}
}

func (c *SessionContext) clone() *SessionContext {
	if c == nil {
		return nil
	}
	out := *c
	out.FilesModified = append([]string(nil), c.FilesModified...)
	out.Decisions = append([]string(nil), c.Decisions...)
	return &out
}

// Agent is one registered agent row.
type Agent struct {
	ID              string          `json:"id"`
	Role            string          `json:"role"`
	Status          AgentStatus     `json:"status"`
	Task            string          `json:"task"`
	SessionID       string          `json:"session_id,omitempty"`
	Worktree        string          `json:"worktree"`
	PID             int             `json:"pid,omitempty"`
	ContainerName   string          `json:"container_name,omitempty"`
	Sandboxed       bool            `json:"sandboxed"`
	SkipPermissions bool            `json:"skip_permissions"`
	SpawnedAt       time.Time       `json:"spawned_at"`
	Usage           Usage           `json:"usage"`
	Context         *SessionContext `json:"context,omitempty"`
}

func (a Agent) clone() Agent {
	out := a
	out.Context = a.Context.clone()
	return out
}

// Message is one entry on the message bus.
//
// IDs are a strictly increasing sequence issued by the store, so message
// order is total and "newer than" is a simple integer comparison. The Read
// flag is advisory; per-recipient cursors are what drive delivery.
type Message struct {
	ID        int64     `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// Broadcast is the recipient value that addresses a message to every agent.
const Broadcast = "broadcast"

// Decision is a question escalated to the human operator.
type Decision struct {
	ID         string     `json:"id"`
	Question   string     `json:"question"`
	Options    []string   `json:"options"`
	AskedAt    time.Time  `json:"asked_at"`
	AnsweredAt *time.Time `json:"answered_at"`
	Answer     *string    `json:"answer"`
}

func (d Decision) clone() Decision {
	out := d
	out.Options = append([]string(nil), d.Options...)
	if d.AnsweredAt != nil {
		t := *d.AnsweredAt
		out.AnsweredAt = &t
	}
	if d.Answer != nil {
		s := *d.Answer
		out.Answer = &s
	}
	return out
}

// Answered reports whether the decision has received an answer.
func (d Decision) Answered() bool {
	return d.Answer != nil
}

// Task is one task assignment row.
type Task struct {
	ID          string     `json:"id"`
	AssignedTo  string     `json:"assigned_to"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func (t Task) clone() Task {
	out := t
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		out.CompletedAt = &c
	}
	return out
}

// AgentPatch describes a partial update to an agent row. Nil fields are left
// untouched. Usage and Context merge key-wise into the existing sub-record:
// zero-value fields in the patch keep their current value, so a partial
// save_progress never discards previously saved state.
type AgentPatch struct {
	Status        *AgentStatus
	Task          *string
	SessionID     *string
	PID           *int
	ContainerName *string
	Usage         *Usage
	Context       *SessionContext
}

func validateAgentStatus(s AgentStatus) error {
	if !s.Valid() {
		return fmt.Errorf("%w: agent status %q", ErrInvalidStatus, s)
	}
	return nil
}

func validateTaskStatus(s TaskStatus) error {
	if !s.Valid() {
		return fmt.Errorf("%w: task status %q", ErrInvalidStatus, s)
	}
	return nil
}
