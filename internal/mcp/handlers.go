package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/archhq/arch/internal/github"
	"github.com/archhq/arch/internal/log"
	"github.com/archhq/arch/internal/state"
)

// SpawnRequest carries spawn_agent arguments to the orchestrator.
type SpawnRequest struct {
	Role            string `json:"role"`
	Assignment      string `json:"assignment"`
	Context         string `json:"context,omitempty"`
	SkipPermissions bool   `json:"skip_permissions,omitempty"`
}

// SpawnResult is what spawn_agent returns to Archie.
type SpawnResult struct {
	AgentID       string `json:"agent_id"`
	WorkspacePath string `json:"workspace_path"`
	Sandboxed     bool   `json:"sandboxed"`
	Status        string `json:"status"`
}

// MergeRequest carries request_merge arguments to the orchestrator.
type MergeRequest struct {
	AgentID      string `json:"agent_id"`
	TargetBranch string `json:"target_branch"`
	PRTitle      string `json:"pr_title,omitempty"`
	PRBody       string `json:"pr_body,omitempty"`
}

// Callbacks are the orchestrator actions the tool server delegates.
// Nil callbacks make the corresponding tool report itself unconfigured.
type Callbacks struct {
	OnSpawnAgent    func(ctx context.Context, req SpawnRequest) (SpawnResult, error)
	OnTeardownAgent func(ctx context.Context, agentID string) bool
	OnRequestMerge  func(ctx context.Context, req MergeRequest) (any, error)
	OnCloseProject  func(ctx context.Context, summary string) bool
}

// callTool dispatches one tool invocation. The returned value is JSON-encoded
// into the result channel; a returned error becomes a tool-level error
// result, never an RPC error.
func (s *Server) callTool(ctx context.Context, agentID, name string, args json.RawMessage) (any, error) {
	if !hasAccess(agentID, name, s.gh != nil) {
		return nil, fmt.Errorf("Access denied: %s is not available to %s", name, agentID)
	}

	if len(args) == 0 {
		args = []byte("{}")
	}

	switch name {
	case "send_message":
		return s.handleSendMessage(agentID, args)
	case "get_messages":
		return s.handleGetMessages(agentID, args)
	case "update_status":
		return s.handleUpdateStatus(agentID, args)
	case "report_completion":
		return s.handleReportCompletion(agentID, args)
	case "save_progress":
		return s.handleSaveProgress(agentID, args)

	case "spawn_agent":
		return s.handleSpawnAgent(ctx, args)
	case "teardown_agent":
		return s.handleTeardownAgent(ctx, args)
	case "list_agents":
		return s.handleListAgents()
	case "escalate_to_user":
		return s.handleEscalateToUser(ctx, args)
	case "request_merge":
		return s.handleRequestMerge(ctx, args)
	case "get_project_context":
		return s.handleGetProjectContext()
	case "close_project":
		return s.handleCloseProject(ctx, args)
	case "update_brief":
		return s.handleUpdateBrief(args)

	case "gh_create_issue":
		return s.handleGHCreateIssue(ctx, args)
	case "gh_list_issues":
		return s.handleGHListIssues(ctx, args)
	case "gh_close_issue":
		return s.handleGHCloseIssue(ctx, args)
	case "gh_update_issue":
		return s.handleGHUpdateIssue(ctx, args)
	case "gh_add_comment":
		return s.handleGHAddComment(ctx, args)
	case "gh_create_milestone":
		return s.handleGHCreateMilestone(ctx, args)
	case "gh_list_milestones":
		return s.handleGHListMilestones(ctx)
	}

	return nil, fmt.Errorf("unknown tool: %s", name)
}

func (s *Server) handleSendMessage(agentID string, args json.RawMessage) (any, error) {
	var p struct {
		To      string `json:"to"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if p.To == "" || p.Content == "" {
		return nil, fmt.Errorf("send_message requires to and content")
	}

	msg := s.store.AddMessage(agentID, p.To, p.Content)
	return map[string]any{
		"message_id": msg.ID,
		"timestamp":  msg.Timestamp,
	}, nil
}

func (s *Server) handleGetMessages(agentID string, args json.RawMessage) (any, error) {
	var p struct {
		SinceID int64 `json:"since_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	msgs, cursor := s.store.GetMessages(agentID, p.SinceID, true)
	if msgs == nil {
		msgs = []state.Message{}
	}
	return map[string]any{
		"messages": msgs,
		"cursor":   cursor,
	}, nil
}

func (s *Server) handleUpdateStatus(agentID string, args json.RawMessage) (any, error) {
	var p struct {
		Task   string `json:"task"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	status := state.AgentStatus(p.Status)
	_, err := s.store.UpdateAgent(agentID, state.AgentPatch{Task: &p.Task, Status: &status})
	return map[string]any{"ok": err == nil}, nil
}

func (s *Server) handleReportCompletion(agentID string, args json.RawMessage) (any, error) {
	var p struct {
		Summary   string   `json:"summary"`
		Artifacts []string `json:"artifacts"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	done := state.StatusDone
	if _, err := s.store.UpdateAgent(agentID, state.AgentPatch{Status: &done, Task: &p.Summary}); err != nil {
		log.Warn(log.CatMCP, "report_completion for unknown agent", "agentID", agentID, "error", err)
	}

	s.store.AddMessage(agentID, ArchieID, fmt.Sprintf(
		"Work complete: %s\nArtifacts: %s", p.Summary, strings.Join(p.Artifacts, ", ")))

	return map[string]any{"ok": true}, nil
}

func (s *Server) handleSaveProgress(agentID string, args json.RawMessage) (any, error) {
	var p struct {
		FilesModified []string `json:"files_modified"`
		Progress      string   `json:"progress"`
		NextSteps     string   `json:"next_steps"`
		Blockers      string   `json:"blockers"`
		Decisions     []string `json:"decisions"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	ctx := &state.SessionContext{
		FilesModified: p.FilesModified,
		Progress:      p.Progress,
		NextSteps:     p.NextSteps,
		Blockers:      p.Blockers,
		Decisions:     p.Decisions,
	}
	_, err := s.store.UpdateAgent(agentID, state.AgentPatch{Context: ctx})
	return map[string]any{"ok": err == nil}, nil
}

func (s *Server) handleSpawnAgent(ctx context.Context, args json.RawMessage) (any, error) {
	if s.callbacks.OnSpawnAgent == nil {
		return nil, fmt.Errorf("spawn_agent callback not configured")
	}

	var req SpawnRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if req.Role == "" || req.Assignment == "" {
		return nil, fmt.Errorf("spawn_agent requires role and assignment")
	}

	result, err := s.callbacks.OnSpawnAgent(ctx, req)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleTeardownAgent(ctx context.Context, args json.RawMessage) (any, error) {
	if s.callbacks.OnTeardownAgent == nil {
		return nil, fmt.Errorf("teardown_agent callback not configured")
	}

	var p struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if p.AgentID == "" {
		return nil, fmt.Errorf("teardown_agent requires agent_id")
	}

	// Tell the agent before pulling the plug.
	if p.Reason != "" {
		s.store.AddMessage(ArchieID, p.AgentID, "Shutting down: "+p.Reason)
	}

	ok := s.callbacks.OnTeardownAgent(ctx, p.AgentID)
	return map[string]any{"ok": ok}, nil
}

func (s *Server) handleListAgents() (any, error) {
	agents := s.store.ListAgents()

	rows := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		tokens := a.Usage.InputTokens + a.Usage.OutputTokens
		cost := a.Usage.CostUSD
		if snap, ok := s.tracker.Get(a.ID); ok {
			tokens = snap.InputTokens + snap.OutputTokens
			cost = snap.CostUSD
		}
		rows = append(rows, map[string]any{
			"id":          a.ID,
			"role":        a.Role,
			"status":      a.Status,
			"task":        a.Task,
			"tokens_used": tokens,
			"cost_usd":    cost,
		})
	}
	return map[string]any{"agents": rows}, nil
}

func (s *Server) handleEscalateToUser(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if p.Question == "" {
		return nil, fmt.Errorf("escalate_to_user requires question")
	}

	// Persist the decision and register the wait channel under one lock, so
	// an answer arriving right after persistence always finds the channel.
	answerCh := make(chan string, 1)
	s.mu.Lock()
	decision := s.store.AddDecision(p.Question, p.Options)
	s.escalations[decision.ID] = answerCh
	s.mu.Unlock()

	log.Info(log.CatMCP, "Escalation waiting for operator", "decisionID", decision.ID, "question", p.Question)

	defer func() {
		s.mu.Lock()
		delete(s.escalations, decision.ID)
		s.mu.Unlock()
	}()

	select {
	case answer := <-answerCh:
		return map[string]any{"answer": answer}, nil
	case <-ctx.Done():
		return map[string]any{"answer": "", "error": "cancelled"}, nil
	case <-s.ctx.Done():
		return map[string]any{"answer": "", "error": "cancelled"}, nil
	}
}

// AnswerEscalation resolves a pending escalation. Returns false when the
// decision is unknown or already answered.
func (s *Server) AnswerEscalation(decisionID, answer string) bool {
	if !s.store.AnswerDecision(decisionID, answer) {
		return false
	}

	s.mu.Lock()
	ch, ok := s.escalations[decisionID]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- answer:
		default:
		}
	}

	log.Info(log.CatMCP, "Escalation answered", "decisionID", decisionID)
	return true
}

func (s *Server) handleRequestMerge(ctx context.Context, args json.RawMessage) (any, error) {
	if s.callbacks.OnRequestMerge == nil {
		return nil, fmt.Errorf("request_merge callback not configured")
	}

	var req MergeRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if req.AgentID == "" {
		return nil, fmt.Errorf("request_merge requires agent_id")
	}
	if req.TargetBranch == "" {
		req.TargetBranch = "main"
	}

	return s.callbacks.OnRequestMerge(ctx, req)
}

func (s *Server) handleGetProjectContext() (any, error) {
	project := s.store.GetProject()
	agents := s.store.ListAgents()

	active := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		active = append(active, map[string]any{"id": a.ID, "role": a.Role, "status": a.Status})
	}

	gitStatus := ""
	brief := ""
	openWorktrees := []string{}
	repoPath := ""

	if s.worktrees != nil {
		repoPath = s.worktrees.RepoPath()

		status, err := s.worktrees.RepoStatus()
		if err != nil {
			gitStatus = "(git status unavailable)"
		} else {
			gitStatus = status
		}

		for _, info := range s.worktrees.List() {
			openWorktrees = append(openWorktrees, info.AgentID)
		}

		if text, err := s.worktrees.ReadProjectBrief(); err == nil {
			brief = text
		}
	}

	return map[string]any{
		"name":           project.Name,
		"description":    project.Description,
		"repo_path":      repoPath,
		"active_agents":  active,
		"git_status":     gitStatus,
		"open_worktrees": openWorktrees,
		"brief":          brief,
	}, nil
}

func (s *Server) handleCloseProject(ctx context.Context, args json.RawMessage) (any, error) {
	if s.callbacks.OnCloseProject == nil {
		return nil, fmt.Errorf("close_project callback not configured")
	}

	var p struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	ok := s.callbacks.OnCloseProject(ctx, p.Summary)
	return map[string]any{"ok": ok}, nil
}

func (s *Server) handleUpdateBrief(args json.RawMessage) (any, error) {
	if s.worktrees == nil {
		return nil, fmt.Errorf("repository not configured")
	}

	var p struct {
		Section string `json:"section"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	if err := s.worktrees.UpdateProjectBrief(p.Section, p.Content); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleGHCreateIssue(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		Title     string   `json:"title"`
		Body      string   `json:"body"`
		Labels    []string `json:"labels"`
		Milestone string   `json:"milestone"`
		Assignee  string   `json:"assignee"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	number, url, err := s.gh.CreateIssue(ctx, github.CreateIssueParams{
		Title:     p.Title,
		Body:      p.Body,
		Labels:    p.Labels,
		Milestone: p.Milestone,
		Assignee:  p.Assignee,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"issue_number": number, "url": url}, nil
}

func (s *Server) handleGHListIssues(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		Labels    []string `json:"labels"`
		Milestone string   `json:"milestone"`
		State     string   `json:"state"`
		Limit     int      `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	issues, err := s.gh.ListIssues(ctx, github.ListIssuesParams{
		Labels:    p.Labels,
		Milestone: p.Milestone,
		State:     p.State,
		Limit:     p.Limit,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"issues": issues}, nil
}

func (s *Server) handleGHCloseIssue(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		IssueNumber int    `json:"issue_number"`
		Comment     string `json:"comment"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	if err := s.gh.CloseIssue(ctx, p.IssueNumber, p.Comment); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleGHUpdateIssue(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		IssueNumber  int      `json:"issue_number"`
		AddLabels    []string `json:"add_labels"`
		RemoveLabels []string `json:"remove_labels"`
		Milestone    string   `json:"milestone"`
		Assignee     string   `json:"assignee"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	err := s.gh.UpdateIssue(ctx, p.IssueNumber, github.UpdateIssueParams{
		AddLabels:    p.AddLabels,
		RemoveLabels: p.RemoveLabels,
		Milestone:    p.Milestone,
		Assignee:     p.Assignee,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleGHAddComment(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		IssueNumber int    `json:"issue_number"`
		Body        string `json:"body"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	if err := s.gh.AddComment(ctx, p.IssueNumber, p.Body); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleGHCreateMilestone(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		DueDate     string `json:"due_date"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	m, err := s.gh.CreateMilestone(ctx, p.Title, p.Description, p.DueDate)
	if err != nil {
		return nil, err
	}
	return map[string]any{"milestone_number": m.Number, "url": m.URL}, nil
}

func (s *Server) handleGHListMilestones(ctx context.Context) (any, error) {
	milestones, err := s.gh.ListMilestones(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"milestones": milestones}, nil
}
