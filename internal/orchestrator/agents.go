package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/archhq/arch/internal/log"
	"github.com/archhq/arch/internal/mcp"
	"github.com/archhq/arch/internal/session"
	"github.com/archhq/arch/internal/state"
	"github.com/archhq/arch/internal/worktree"
)

// defaultArchiePersona is used when the configured persona file is
// missing. Kept minimal; projects are expected to ship their own.
const defaultArchiePersona = `You are Archie, the lead agent. You coordinate a team of coding agents:
break the project into tasks, spawn agents from the pool, review their
completions, and escalate to the user when a decision is above your pay
grade. You do not write code yourself.`

// startArchie creates the lead worktree, writes the brief, and spawns
// the Archie session.
func (o *Orchestrator) startArchie(ctx context.Context) error {
	path, err := o.worktrees.Create(mcp.ArchieID, "")
	if err != nil {
		return fmt.Errorf("create archie worktree: %w", err)
	}

	persona := o.readPersona(o.cfg.Archie.Persona, defaultArchiePersona)
	if _, err := o.worktrees.WriteBrief(worktree.BriefParams{
		AgentID:        mcp.ArchieID,
		Persona:        persona,
		ProjectName:    o.cfg.Project.Name,
		ProjectDesc:    o.cfg.Project.Description,
		Assignment:     fmt.Sprintf("Lead the %s project.", o.cfg.Project.Name),
		AvailableTools: mcp.ToolNamesFor(mcp.ArchieID, o.githubOn),
	}); err != nil {
		return fmt.Errorf("write archie brief: %w", err)
	}

	if _, err := o.store.RegisterAgent(state.RegisterAgentParams{
		ID:       mcp.ArchieID,
		Role:     "lead",
		Worktree: path,
	}); err != nil && !errors.Is(err, state.ErrAgentExists) {
		return fmt.Errorf("register archie: %w", err)
	}

	acfg := session.AgentConfig{
		AgentID:  mcp.ArchieID,
		Role:     "lead",
		Model:    o.cfg.Archie.Model,
		Worktree: path,
	}
	if o.sessions.Spawn(ctx, acfg, o.archiePrompt(), "") == nil {
		return errors.New("spawn archie: session did not start")
	}
	log.Info(log.CatOrch, "Archie spawned", "model", acfg.Model)
	return nil
}

func (o *Orchestrator) archiePrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are Archie, leading the %s project.\n\n", o.cfg.Project.Name)
	fmt.Fprintf(&b, "Project description: %s\n\n", o.cfg.Project.Description)
	b.WriteString("Start by calling get_project_context to understand the current state.\n")
	b.WriteString("Read BRIEF.md to understand the goals and current status.\n")
	if o.githubOn {
		fmt.Fprintf(&b, "GitHub integration is enabled for %s. Use the gh_ tools to track work as issues.\n", o.cfg.GitHub.Repo)
	}
	b.WriteString("\nWhen ready, spawn agents from the pool to work on tasks.")
	return b.String()
}

// superviseArchie is called once per tick. Returns false when the
// harness should shut down. A non-zero exit is restarted exactly once
// from the captured session id; a clean exit parks Archie idle until a
// new message arrives, then resumes after a cooldown. Crash handling
// always runs before the resume check.
func (o *Orchestrator) superviseArchie(ctx context.Context) bool {
	o.mu.Lock()
	exited := o.archieExited
	exitCode := o.archieExitCode
	idleAt := o.archieIdleAt
	restarts := o.archieRestarts
	o.archieExited = false
	o.mu.Unlock()

	if exited {
		if exitCode != 0 {
			return o.restartArchieAfterCrash(ctx, restarts)
		}
		log.Info(log.CatOrch, "Archie finished its turn, waiting for messages")
		return true
	}

	if sup, ok := o.sessions.Get(mcp.ArchieID); !ok || sup.IsRunning() {
		return true
	}

	// Idle: resume only when there is something to read and the
	// cooldown has passed.
	if idleAt.IsZero() || time.Since(idleAt) < archieResumeCooldown {
		return true
	}
	if restarts > maxArchieRestarts || !o.store.HasUnreadFor(mcp.ArchieID) {
		return true
	}

	sid := o.archieSessionID()
	if sid == "" {
		log.Warn(log.CatOrch, "Archie idle with pending messages but no resumable session")
		return false
	}
	prompt := "You have new messages. Call get_messages to drain your queue, then continue leading the project."
	if o.resumeArchie(ctx, sid, prompt) {
		log.Info(log.CatOrch, "Archie auto-resumed on new messages")
		return true
	}
	return false
}

func (o *Orchestrator) restartArchieAfterCrash(ctx context.Context, restarts int) bool {
	if restarts >= maxArchieRestarts {
		log.Error(log.CatOrch, "Archie crashed again, giving up", "restarts", restarts)
		return false
	}

	sid := o.archieSessionID()
	if sid == "" {
		log.Error(log.CatOrch, "Archie crashed with no resumable session")
		return false
	}

	o.mu.Lock()
	o.archieRestarts++
	o.mu.Unlock()

	log.Warn(log.CatOrch, "Archie crashed, restarting from saved session", "sessionID", sid)
	return o.resumeArchie(ctx, sid, "Resume previous work.")
}

func (o *Orchestrator) archieSessionID() string {
	if sup, ok := o.sessions.Get(mcp.ArchieID); ok && sup.SessionID() != "" {
		return sup.SessionID()
	}
	if agent, ok := o.store.GetAgent(mcp.ArchieID); ok {
		return agent.SessionID
	}
	return ""
}

func (o *Orchestrator) resumeArchie(ctx context.Context, sessionID, prompt string) bool {
	agent, ok := o.store.GetAgent(mcp.ArchieID)
	if !ok {
		return false
	}
	acfg := session.AgentConfig{
		AgentID:  mcp.ArchieID,
		Role:     "lead",
		Model:    o.cfg.Archie.Model,
		Worktree: agent.Worktree,
	}
	return o.sessions.Spawn(ctx, acfg, prompt, sessionID) != nil
}

// spawnAgent backs the spawn_agent tool. It validates the role against
// the pool, mints the agent id, prepares the worktree and brief, and
// starts the session. The result reports status "spawning"; callers
// poll list_agents for readiness.
func (o *Orchestrator) spawnAgent(ctx context.Context, req mcp.SpawnRequest) (mcp.SpawnResult, error) {
	entry, ok := o.cfg.PoolEntry(req.Role)
	if !ok {
		return mcp.SpawnResult{}, fmt.Errorf("unknown role %q: not in the agent pool", req.Role)
	}
	if req.SkipPermissions && !entry.Permissions.SkipPermissions {
		return mcp.SpawnResult{}, fmt.Errorf("role %s is not approved for skip_permissions", req.Role)
	}

	// Reserve the role slot while the limit check is still held, so two
	// concurrent spawns cannot both pass it. Released on any failure.
	o.mu.Lock()
	if entry.MaxInstances > 0 && o.roleActive[req.Role] >= entry.MaxInstances {
		o.mu.Unlock()
		return mcp.SpawnResult{}, fmt.Errorf("role %s is at its limit of %d instances", req.Role, entry.MaxInstances)
	}
	if max := o.cfg.Settings.MaxConcurrentAgents; max > 0 && len(o.sessions.Running()) >= max {
		o.mu.Unlock()
		return mcp.SpawnResult{}, fmt.Errorf("max concurrent agents reached (%d)", max)
	}
	o.roleActive[req.Role]++
	o.roleSeq[req.Role]++
	agentID := fmt.Sprintf("%s-%d", req.Role, o.roleSeq[req.Role])
	o.mu.Unlock()

	releaseSlot := func() {
		o.mu.Lock()
		if o.roleActive[req.Role] > 0 {
			o.roleActive[req.Role]--
		}
		o.mu.Unlock()
	}

	path, err := o.worktrees.Create(agentID, "")
	if err != nil {
		releaseSlot()
		return mcp.SpawnResult{}, fmt.Errorf("create worktree: %w", err)
	}

	var prior *state.SessionContext
	if req.Context != "" {
		prior = &state.SessionContext{Progress: req.Context}
	}
	if _, err := o.worktrees.WriteBrief(worktree.BriefParams{
		AgentID:        agentID,
		Persona:        o.readPersona(entry.Persona, ""),
		ProjectName:    o.cfg.Project.Name,
		ProjectDesc:    o.cfg.Project.Description,
		Assignment:     req.Assignment,
		ActiveAgents:   o.teamMembers(agentID),
		AvailableTools: mcp.ToolNamesFor(agentID, false),
		SessionState:   prior,
	}); err != nil {
		_, _ = o.worktrees.Remove(agentID, true)
		releaseSlot()
		return mcp.SpawnResult{}, fmt.Errorf("write brief: %w", err)
	}

	skip := req.SkipPermissions && entry.Permissions.SkipPermissions
	if _, err := o.store.RegisterAgent(state.RegisterAgentParams{
		ID:              agentID,
		Role:            req.Role,
		Worktree:        path,
		Sandboxed:       entry.Sandbox.Enabled,
		SkipPermissions: skip,
	}); err != nil {
		_, _ = o.worktrees.Remove(agentID, true)
		releaseSlot()
		return mcp.SpawnResult{}, err
	}

	acfg := session.AgentConfig{
		AgentID:              agentID,
		Role:                 req.Role,
		Model:                entry.Model,
		Worktree:             path,
		Sandboxed:            entry.Sandbox.Enabled,
		SkipPermissions:      skip,
		ContainerImage:       entry.Sandbox.Image,
		ContainerMemoryLimit: entry.Sandbox.MemoryLimit,
		ContainerCPUs:        entry.Sandbox.CPUs,
		ContainerNetwork:     entry.Sandbox.Network,
		ContainerExtraMounts: entry.Sandbox.ExtraMounts,
	}
	if o.sessions.Spawn(ctx, acfg, workerPrompt(agentID, req.Role, req.Assignment), "") == nil {
		o.store.RemoveAgent(agentID)
		_, _ = o.worktrees.Remove(agentID, true)
		releaseSlot()
		return mcp.SpawnResult{}, fmt.Errorf("session for %s did not start", agentID)
	}

	log.Info(log.CatOrch, "Agent spawned",
		"agentID", agentID, "role", req.Role, "sandboxed", acfg.Sandboxed)
	return mcp.SpawnResult{
		AgentID:       agentID,
		WorkspacePath: path,
		Sandboxed:     acfg.Sandboxed,
		Status:        "spawning",
	}, nil
}

func workerPrompt(agentID, role, assignment string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s agent on this project.\n\n", agentID, role)
	b.WriteString("Read CLAUDE.md in your workspace for your persona, team context, and constraints.\n\n")
	fmt.Fprintf(&b, "Your assignment: %s\n\n", assignment)
	b.WriteString("Report progress with update_status and call report_completion when done.")
	return b.String()
}

// teardownAgent backs the teardown_agent tool. Archie cannot tear
// itself down.
func (o *Orchestrator) teardownAgent(_ context.Context, agentID string) bool {
	if agentID == mcp.ArchieID {
		log.Warn(log.CatOrch, "Refusing to tear down the lead agent")
		return false
	}
	agent, ok := o.store.GetAgent(agentID)
	if !ok {
		return false
	}

	grace := time.Duration(o.cfg.Settings.ShutdownTimeoutSecs) * time.Second
	if grace <= 0 {
		grace = session.DefaultStopGrace
	}
	o.sessions.Stop(agentID, grace)
	o.sessions.Remove(agentID)

	if !o.keep {
		if _, err := o.worktrees.Remove(agentID, true); err != nil {
			log.Warn(log.CatGit, "Worktree removal failed", "agentID", agentID, "error", err.Error())
		}
	}
	o.store.RemoveAgent(agentID)

	o.mu.Lock()
	if o.roleActive[agent.Role] > 0 {
		o.roleActive[agent.Role]--
	}
	o.mu.Unlock()

	log.Info(log.CatOrch, "Agent torn down", "agentID", agentID, "role", agent.Role)
	return true
}

// requestMerge backs the request_merge tool. With a PR title and GitHub
// enabled it opens a pull request; otherwise it merges the agent branch
// directly into the target.
func (o *Orchestrator) requestMerge(_ context.Context, req mcp.MergeRequest) (any, error) {
	target := req.TargetBranch
	if target == "" {
		target = "main"
	}

	if req.PRTitle != "" && o.githubOn {
		pr, err := o.worktrees.CreatePR(req.AgentID, req.PRTitle, req.PRBody, target)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"pr_url":        pr.URL,
			"pr_number":     pr.Number,
			"target_branch": target,
		}, nil
	}

	if err := o.worktrees.Merge(req.AgentID, target, ""); err != nil {
		return nil, err
	}
	return map[string]any{
		"merged":        true,
		"agent_id":      req.AgentID,
		"target_branch": target,
	}, nil
}

// closeProject backs the close_project tool: record the summary and ask
// the run loop to wind everything down.
func (o *Orchestrator) closeProject(_ context.Context, summary string) bool {
	log.Info(log.CatOrch, "Project closed by lead", "summary", summary)
	o.store.AddMessage(mcp.ArchieID, state.Broadcast, "Project closed: "+summary)
	o.RequestShutdown()
	return true
}

// teamMembers lists the other registered agents for a new agent's brief.
func (o *Orchestrator) teamMembers(excludeID string) []worktree.TeamMember {
	var members []worktree.TeamMember
	for _, agent := range o.store.ListAgents() {
		if agent.ID == excludeID {
			continue
		}
		members = append(members, worktree.TeamMember{ID: agent.ID, Role: agent.Role})
	}
	return members
}

// readPersona loads a persona file, resolving relative paths against the
// repository root. Missing files fall back to the given default.
func (o *Orchestrator) readPersona(path, fallback string) string {
	if path == "" {
		return fallback
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(o.worktrees.RepoPath(), path)
	}
	buf, err := os.ReadFile(path) //nolint:gosec // G304: operator-configured path
	if err != nil {
		log.Warn(log.CatConfig, "Persona file not found, using default", "path", path)
		return fallback
	}
	return strings.TrimSpace(string(buf))
}
