package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archhq/arch/internal/log"
)

// Snapshot file names, one per collection.
const (
	fileProject   = "project.json"
	fileAgents    = "agents.json"
	fileMessages  = "messages.json"
	fileDecisions = "pending_decisions.json"
	fileTasks     = "tasks.json"
	fileCursors   = "cursors.json"
)

// Store is the thread-safe state store with JSON persistence.
type Store struct {
	mu sync.Mutex

	dir string

	project   Project
	agents    map[string]*Agent
	messages  []*Message
	decisions []*Decision
	tasks     []*Task

	// cursors track the last message id delivered to each recipient.
	// Zero means nothing delivered yet.
	cursors map[string]int64

	// nextMessageID is the next id to issue. Always above every persisted id.
	nextMessageID int64
}

// New creates a store rooted at dir, creating the directory if needed and
// loading any existing snapshots.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{
		dir:           dir,
		agents:        make(map[string]*Agent),
		cursors:       make(map[string]int64),
		nextMessageID: 1,
	}
	s.load()
	return s, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// --- Project ---

// InitProject records project metadata and stamps the start time.
func (s *Store) InitProject(name, description, repo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project = Project{
		Name:        name,
		Description: description,
		Repo:        repo,
		StartedAt:   time.Now().UTC(),
	}
	s.flush()
}

// GetProject returns the project metadata.
func (s *Store) GetProject() Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

// --- Agents ---

// RegisterAgentParams holds the fields for a new agent row.
type RegisterAgentParams struct {
	ID              string
	Role            string
	Worktree        string
	Sandboxed       bool
	SkipPermissions bool
	PID             int
	ContainerName   string
}

// RegisterAgent creates a new agent row in status idle.
func (s *Store) RegisterAgent(p RegisterAgentParams) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[p.ID]; ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentExists, p.ID)
	}

	agent := &Agent{
		ID:              p.ID,
		Role:            p.Role,
		Status:          StatusIdle,
		Worktree:        p.Worktree,
		PID:             p.PID,
		ContainerName:   p.ContainerName,
		Sandboxed:       p.Sandboxed,
		SkipPermissions: p.SkipPermissions,
		SpawnedAt:       time.Now().UTC(),
	}
	s.agents[p.ID] = agent
	s.flush()
	return agent.clone(), nil
}

// GetAgent returns the agent with the given id.
func (s *Store) GetAgent(id string) (Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return Agent{}, false
	}
	return agent.clone(), true
}

// ListAgents returns all agent rows.
func (s *Store) ListAgents() []Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.clone())
	}
	return out
}

// UpdateAgent applies a partial update to an agent row.
func (s *Store) UpdateAgent(id string, patch AgentPatch) (Agent, error) {
	if patch.Status != nil {
		if err := validateAgentStatus(*patch.Status); err != nil {
			return Agent{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	if patch.Status != nil {
		agent.Status = *patch.Status
	}
	if patch.Task != nil {
		agent.Task = *patch.Task
	}
	if patch.SessionID != nil {
		agent.SessionID = *patch.SessionID
	}
	if patch.PID != nil {
		agent.PID = *patch.PID
	}
	if patch.ContainerName != nil {
		agent.ContainerName = *patch.ContainerName
	}
	if patch.Usage != nil {
		agent.Usage.merge(*patch.Usage)
	}
	if patch.Context != nil {
		if agent.Context == nil {
			agent.Context = patch.Context.clone()
		} else {
			agent.Context.merge(patch.Context)
		}
	}

	s.flush()
	return agent.clone(), nil
}

// RemoveAgent deletes an agent row. Returns false if the id is unknown.
func (s *Store) RemoveAgent(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return false
	}
	delete(s.agents, id)
	s.flush()
	return true
}

// --- Messages ---

// AddMessage appends a message to the bus and issues its id.
func (s *Store) AddMessage(from, to, content string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &Message{
		ID:        s.nextMessageID,
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	s.nextMessageID++
	s.messages = append(s.messages, msg)
	s.flush()
	return *msg
}

// GetMessages returns messages addressed to recipient (directly or via
// broadcast) newer than sinceID, in id order.
//
// When sinceID is zero the recipient's persisted cursor is used, so an agent
// that calls get_messages with no argument always resumes from its last
// delivery. The cursor advances to the last returned id. When markRead is
// set, returned messages have their advisory read flag set.
func (s *Store) GetMessages(recipient string, sinceID int64, markRead bool) ([]Message, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sinceID == 0 {
		sinceID = s.cursors[recipient]
	}

	var out []Message
	for _, msg := range s.messages {
		if msg.ID <= sinceID {
			continue
		}
		if msg.To != recipient && msg.To != Broadcast {
			continue
		}
		if markRead {
			msg.Read = true
		}
		out = append(out, *msg)
	}

	// The cursor only advances when messages were actually delivered, so a
	// bogus since id past the end of the bus cannot swallow future messages.
	cursor := sinceID
	if len(out) > 0 {
		cursor = out[len(out)-1].ID
		if cursor > s.cursors[recipient] {
			s.cursors[recipient] = cursor
			s.flushCursors()
		}
		if markRead {
			s.flush()
		}
	}

	return out, cursor
}

// AllMessages returns every message on the bus, in id order.
func (s *Store) AllMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	return out
}

// HasUnreadFor reports whether any message addressed to recipient sits past
// the recipient's cursor.
func (s *Store) HasUnreadFor(recipient string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := s.cursors[recipient]
	for _, msg := range s.messages {
		if msg.ID > cursor && (msg.To == recipient || msg.To == Broadcast) {
			return true
		}
	}
	return false
}

// --- Decisions ---

// AddDecision records a pending operator decision.
func (s *Store) AddDecision(question string, options []string) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &Decision{
		ID:       shortID(),
		Question: question,
		Options:  append([]string(nil), options...),
		AskedAt:  time.Now().UTC(),
	}
	s.decisions = append(s.decisions, d)
	s.flush()
	return d.clone()
}

// PendingDecisions returns all unanswered decisions.
func (s *Store) PendingDecisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Decision
	for _, d := range s.decisions {
		if !d.Answered() {
			out = append(out, d.clone())
		}
	}
	return out
}

// GetDecision returns the decision with the given id.
func (s *Store) GetDecision(id string) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.decisions {
		if d.ID == id {
			return d.clone(), true
		}
	}
	return Decision{}, false
}

// AnswerDecision records the operator's answer. Returns false if the id is
// unknown.
func (s *Store) AnswerDecision(id, answer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.decisions {
		if d.ID == id {
			now := time.Now().UTC()
			d.Answer = &answer
			d.AnsweredAt = &now
			s.flush()
			return true
		}
	}
	return false
}

// --- Tasks ---

// AddTask records a task assignment in status pending.
func (s *Store) AddTask(assignedTo, description string) Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Task{
		ID:          shortID(),
		AssignedTo:  assignedTo,
		Description: description,
		Status:      TaskPending,
		CreatedAt:   time.Now().UTC(),
	}
	s.tasks = append(s.tasks, t)
	s.flush()
	return t.clone()
}

// Tasks returns tasks matching the given filters. Empty values match all.
func (s *Store) Tasks(assignedTo string, status TaskStatus) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, t := range s.tasks {
		if assignedTo != "" && t.AssignedTo != assignedTo {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.clone())
	}
	return out
}

// UpdateTaskStatus moves a task to a new status. Marking a task done stamps
// completed_at exactly once.
func (s *Store) UpdateTaskStatus(id string, status TaskStatus) (Task, error) {
	if err := validateTaskStatus(status); err != nil {
		return Task{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.ID == id {
			t.Status = status
			if status == TaskDone && t.CompletedAt == nil {
				now := time.Now().UTC()
				t.CompletedAt = &now
			}
			s.flush()
			return t.clone(), nil
		}
	}
	return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// --- Persistence ---

type cursorSnapshot struct {
	Cursors map[string]int64 `json:"cursors"`
}

func (s *Store) flush() {
	s.writeJSON(fileProject, s.project)
	s.writeJSON(fileAgents, s.agents)
	s.writeJSON(fileMessages, s.messages)
	s.writeJSON(fileDecisions, s.decisions)
	s.writeJSON(fileTasks, s.tasks)
}

func (s *Store) flushCursors() {
	s.writeJSON(fileCursors, cursorSnapshot{Cursors: s.cursors})
}

// writeJSON writes data to a snapshot file atomically: write to a temp file
// in the same directory, then rename over the target.
func (s *Store) writeJSON(name string, data any) {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"

	buf, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		log.ErrorErr(log.CatState, "Failed to marshal snapshot", err, "file", name)
		return
	}

	if err := os.WriteFile(tmp, buf, 0o644); err != nil { //nolint:gosec // G306: snapshots are not secrets
		log.ErrorErr(log.CatState, "Failed to write snapshot", err, "file", name)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.ErrorErr(log.CatState, "Failed to replace snapshot", err, "file", name)
	}
}

func (s *Store) load() {
	loadJSON(s.dir, fileProject, &s.project)
	loadJSON(s.dir, fileAgents, &s.agents)
	loadJSON(s.dir, fileMessages, &s.messages)
	loadJSON(s.dir, fileDecisions, &s.decisions)
	loadJSON(s.dir, fileTasks, &s.tasks)

	var cursors cursorSnapshot
	if loadJSON(s.dir, fileCursors, &cursors) && cursors.Cursors != nil {
		s.cursors = cursors.Cursors
	}

	if s.agents == nil {
		s.agents = make(map[string]*Agent)
	}

	// Resume the id sequence above everything persisted.
	for _, m := range s.messages {
		if m.ID >= s.nextMessageID {
			s.nextMessageID = m.ID + 1
		}
	}
}

// loadJSON reads a snapshot file into target. Missing or corrupt files are
// skipped: the store starts from whatever loads cleanly.
func loadJSON(dir, name string, target any) bool {
	path := filepath.Join(dir, name)
	buf, err := os.ReadFile(path) //nolint:gosec // G304: path is within the state dir
	if err != nil {
		return false
	}
	if err := json.Unmarshal(buf, target); err != nil {
		log.Warn(log.CatState, "Skipping corrupt snapshot", "file", name, "error", err)
		return false
	}
	return true
}

// shortID generates an 8-character identifier for decisions and tasks.
func shortID() string {
	return uuid.NewString()[:8]
}
