package mcp

import "github.com/archhq/arch/internal/state"

// ArchieID is the coordinator's reserved agent id. Capability checks key
// off this literal alone.
const ArchieID = "archie"

func agentStatusValues() []string {
	out := make([]string, len(state.AgentStatuses))
	for i, s := range state.AgentStatuses {
		out[i] = string(s)
	}
	return out
}

// workerTools are available to every agent.
var workerTools = []Tool{
	{
		Name:        "send_message",
		Description: "Send a message to another agent or to Archie",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"to":      {Type: "string", Description: "agent_id of recipient, 'archie', or 'broadcast'"},
				"content": {Type: "string", Description: "message body"},
			},
			Required: []string{"to", "content"},
		},
	},
	{
		Name:        "get_messages",
		Description: "Retrieve messages addressed to you",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"since_id": {Type: "integer", Description: "optional: only return messages newer than this ID"},
			},
		},
	},
	{
		Name:        "update_status",
		Description: "Report your current task and status to the harness",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"task":   {Type: "string", Description: "what you are currently doing"},
				"status": {Type: "string", Enum: agentStatusValues(), Description: "idle | working | blocked | waiting_review | done | error"},
			},
			Required: []string{"task", "status"},
		},
	},
	{
		Name:        "report_completion",
		Description: "Signal that your assigned work is complete",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"summary":   {Type: "string", Description: "what was accomplished"},
				"artifacts": {Type: "array", Items: &PropertySchema{Type: "string"}, Description: "list of files created or modified"},
			},
			Required: []string{"summary", "artifacts"},
		},
	},
	{
		Name:        "save_progress",
		Description: "Persist structured session state for continuity across context compactions and restarts. Call periodically during long tasks and before signaling completion.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"files_modified": {Type: "array", Items: &PropertySchema{Type: "string"}, Description: "files created or changed this session"},
				"progress":       {Type: "string", Description: "summary of work completed so far"},
				"next_steps":     {Type: "string", Description: "what remains to be done"},
				"blockers":       {Type: "string", Description: "current blockers, if any"},
				"decisions":      {Type: "array", Items: &PropertySchema{Type: "string"}, Description: "architectural/scope decisions made this session"},
			},
			Required: []string{"files_modified", "progress", "next_steps"},
		},
	},
}

// archieTools are available only to Archie.
var archieTools = []Tool{
	{
		Name:        "spawn_agent",
		Description: "Spawn a new agent from the configured agent pool",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"role":             {Type: "string", Description: "must match an id in agent_pool config"},
				"assignment":       {Type: "string", Description: "task description given to agent at spawn"},
				"context":          {Type: "string", Description: "optional additional context injected into agent's brief"},
				"skip_permissions": {Type: "boolean", Description: "request --dangerously-skip-permissions (requires config)"},
			},
			Required: []string{"role", "assignment"},
		},
	},
	{
		Name:        "teardown_agent",
		Description: "Shut down an agent and remove its worktree",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"agent_id": {Type: "string"},
				"reason":   {Type: "string"},
			},
			Required: []string{"agent_id"},
		},
	},
	{
		Name:        "list_agents",
		Description: "Get current status of all active agents",
		InputSchema: &InputSchema{Type: "object"},
	},
	{
		Name:        "escalate_to_user",
		Description: "Surface a question or decision to the human user. BLOCKS until answered.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"question": {Type: "string", Description: "question shown to the operator"},
				"options":  {Type: "array", Items: &PropertySchema{Type: "string"}, Description: "optional list of choices"},
			},
			Required: []string{"question"},
		},
	},
	{
		Name:        "request_merge",
		Description: "Request merging an agent's worktree branch into target branch",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"agent_id":      {Type: "string", Description: "whose worktree to merge"},
				"target_branch": {Type: "string", Description: "merge destination (default: main)"},
				"pr_title":      {Type: "string", Description: "if provided, creates a GitHub PR instead of local merge"},
				"pr_body":       {Type: "string"},
			},
			Required: []string{"agent_id"},
		},
	},
	{
		Name:        "get_project_context",
		Description: "Get current project state: repo info, active agents, git status, and full BRIEF.md contents",
		InputSchema: &InputSchema{Type: "object"},
	},
	{
		Name:        "close_project",
		Description: "Signal that the project work is complete. Initiates graceful shutdown.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"summary": {Type: "string"},
			},
			Required: []string{"summary"},
		},
	},
	{
		Name:        "update_brief",
		Description: "Update a section of BRIEF.md. Use for Decisions Log entries and Current Status updates.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"section": {Type: "string", Enum: []string{"current_status", "decisions_log"}, Description: "which section to update"},
				"content": {Type: "string", Description: "For current_status: full replacement text. For decisions_log: new row."},
			},
			Required: []string{"section", "content"},
		},
	},
}

// githubTools are available to Archie when tracker integration is
// configured.
var githubTools = []Tool{
	{
		Name:        "gh_create_issue",
		Description: "Create a GitHub issue. Use for every discrete task assigned to an agent.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"title":     {Type: "string"},
				"body":      {Type: "string"},
				"labels":    {Type: "array", Items: &PropertySchema{Type: "string"}},
				"milestone": {Type: "string"},
				"assignee":  {Type: "string"},
			},
			Required: []string{"title", "body"},
		},
	},
	{
		Name:        "gh_list_issues",
		Description: "List GitHub issues with optional filters.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"labels":    {Type: "array", Items: &PropertySchema{Type: "string"}},
				"milestone": {Type: "string"},
				"state":     {Type: "string", Enum: []string{"open", "closed", "all"}},
				"limit":     {Type: "integer"},
			},
		},
	},
	{
		Name:        "gh_close_issue",
		Description: "Close a GitHub issue, optionally referencing the PR that resolves it.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"issue_number": {Type: "integer"},
				"comment":      {Type: "string"},
			},
			Required: []string{"issue_number"},
		},
	},
	{
		Name:        "gh_update_issue",
		Description: "Update an issue's labels, milestone, or assignee.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"issue_number":  {Type: "integer"},
				"add_labels":    {Type: "array", Items: &PropertySchema{Type: "string"}},
				"remove_labels": {Type: "array", Items: &PropertySchema{Type: "string"}},
				"milestone":     {Type: "string"},
				"assignee":      {Type: "string"},
			},
			Required: []string{"issue_number"},
		},
	},
	{
		Name:        "gh_add_comment",
		Description: "Add a comment to a GitHub issue.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"issue_number": {Type: "integer"},
				"body":         {Type: "string"},
			},
			Required: []string{"issue_number", "body"},
		},
	},
	{
		Name:        "gh_create_milestone",
		Description: "Create a GitHub milestone representing a sprint or phase.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"title":       {Type: "string"},
				"description": {Type: "string"},
				"due_date":    {Type: "string"},
			},
			Required: []string{"title"},
		},
	},
	{
		Name:        "gh_list_milestones",
		Description: "List open GitHub milestones (sprints/phases).",
		InputSchema: &InputSchema{Type: "object"},
	},
}

func toolNames(tools []Tool) map[string]struct{} {
	out := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		out[t.Name] = struct{}{}
	}
	return out
}

var (
	workerToolNames = toolNames(workerTools)
	archieToolNames = toolNames(archieTools)
	githubToolNames = toolNames(githubTools)
)

// toolsFor returns the tool list visible to an agent.
func toolsFor(agentID string, githubEnabled bool) []Tool {
	if agentID != ArchieID {
		return workerTools
	}
	tools := make([]Tool, 0, len(workerTools)+len(archieTools)+len(githubTools))
	tools = append(tools, workerTools...)
	tools = append(tools, archieTools...)
	if githubEnabled {
		tools = append(tools, githubTools...)
	}
	return tools
}

// ToolNamesFor returns the names of the tools visible to an agent, in
// registration order. Briefs embed this list so agents know what they
// can call before the first tools/list round trip.
func ToolNamesFor(agentID string, githubEnabled bool) []string {
	tools := toolsFor(agentID, githubEnabled)
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

// hasAccess reports whether an agent may call the named tool. Disallowed
// and unknown names are indistinguishable to the caller.
func hasAccess(agentID, toolName string, githubEnabled bool) bool {
	if _, ok := workerToolNames[toolName]; ok {
		return true
	}
	if agentID != ArchieID {
		return false
	}
	if _, ok := archieToolNames[toolName]; ok {
		return true
	}
	if !githubEnabled {
		return false
	}
	_, ok := githubToolNames[toolName]
	return ok
}
