package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/archhq/arch/internal/state"
)

// BriefFile is the per-workspace brief document the child reads on startup.
const BriefFile = "CLAUDE.md"

// Injection markers delimiting the harness-authored header.
const (
	briefHeaderStart = "<!-- INJECTED BY ARCH — DO NOT EDIT BELOW THIS LINE -->"
	briefHeaderEnd   = "<!-- END ARCH CONTEXT -->"
)

// TeamMember identifies one active agent for the brief's team listing.
type TeamMember struct {
	ID   string
	Role string
}

// BriefParams carries everything WriteBrief renders into an agent's brief.
type BriefParams struct {
	AgentID        string
	Persona        string
	ProjectName    string
	ProjectDesc    string
	Assignment     string
	ActiveAgents   []TeamMember
	AvailableTools []string
	SessionState   *state.SessionContext
}

// WriteBrief writes the brief document into an agent's worktree. The header
// is deterministic so the child can always identify itself; the optional
// session-state block reinjects save_progress fields from a prior session.
func (m *Manager) WriteBrief(p BriefParams) (string, error) {
	path := m.Path(p.AgentID)
	if !m.Exists(p.AgentID) {
		return "", fmt.Errorf("%w: %s", ErrWorktreeNotFound, path)
	}

	agents := "(none yet)"
	if len(p.ActiveAgents) > 0 {
		parts := make([]string, len(p.ActiveAgents))
		for i, a := range p.ActiveAgents {
			parts[i] = a.ID + ": " + a.Role
		}
		agents = strings.Join(parts, ", ")
	}

	tools := "send_message, get_messages, update_status, report_completion"
	if len(p.AvailableTools) > 0 {
		tools = strings.Join(p.AvailableTools, ", ")
	}

	var b strings.Builder
	b.WriteString(briefHeaderStart + "\n")
	b.WriteString("## ARCH Harness Context\n")
	fmt.Fprintf(&b, "- **Your agent ID:** %s\n", p.AgentID)
	fmt.Fprintf(&b, "- **Project:** %s — %s\n", p.ProjectName, p.ProjectDesc)
	fmt.Fprintf(&b, "- **Your worktree path:** %s\n", path)
	fmt.Fprintf(&b, "- **Available MCP tools (via \"arch\" server):** %s\n", tools)
	fmt.Fprintf(&b, "- **Active team members:** %s\n", agents)
	fmt.Fprintf(&b, "- **Your assignment:** %s\n", p.Assignment)
	b.WriteString(briefHeaderEnd + "\n")
	b.WriteString(sessionStateSection(p.SessionState))
	b.WriteString("---\n\n")
	b.WriteString(p.Persona)

	briefPath := filepath.Join(path, BriefFile)
	if err := os.WriteFile(briefPath, []byte(b.String()), 0o644); err != nil { //nolint:gosec // G306: brief is not a secret
		return "", fmt.Errorf("writing brief: %w", err)
	}
	return briefPath, nil
}

// sessionStateSection renders the saved-context block, or "" when absent.
func sessionStateSection(ctx *state.SessionContext) string {
	if ctx == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n## Session State (from previous session)\n")
	if ctx.Progress != "" {
		fmt.Fprintf(&b, "- **Progress:** %s\n", ctx.Progress)
	}
	if len(ctx.FilesModified) > 0 {
		fmt.Fprintf(&b, "- **Files modified:** %s\n", strings.Join(ctx.FilesModified, ", "))
	}
	if ctx.NextSteps != "" {
		fmt.Fprintf(&b, "- **Next steps:** %s\n", ctx.NextSteps)
	}
	if ctx.Blockers != "" {
		fmt.Fprintf(&b, "- **Blockers:** %s\n", ctx.Blockers)
	}
	if len(ctx.Decisions) > 0 {
		fmt.Fprintf(&b, "- **Decisions:** %s\n", strings.Join(ctx.Decisions, "; "))
	}
	return b.String()
}

// Named sections of the project BRIEF.md that update_brief can edit.
const (
	SectionCurrentStatus = "current_status"
	SectionDecisionsLog  = "decisions_log"
)

var currentStatusRe = regexp.MustCompile(`(?s)(## Current Status\n).*?(\n## |\z)`)

// ReadProjectBrief returns the BRIEF.md content from the repository root.
func (m *Manager) ReadProjectBrief() (string, error) {
	buf, err := os.ReadFile(filepath.Join(m.repoPath, "BRIEF.md"))
	if err != nil {
		return "", fmt.Errorf("reading BRIEF.md: %w", err)
	}
	return string(buf), nil
}

// UpdateProjectBrief edits one named section of BRIEF.md: current_status is
// replaced wholesale, decisions_log gets a dated row appended to its table.
func (m *Manager) UpdateProjectBrief(section, content string) error {
	path := filepath.Join(m.repoPath, "BRIEF.md")
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading BRIEF.md: %w", err)
	}
	text := string(buf)

	switch section {
	case SectionCurrentStatus:
		text = currentStatusRe.ReplaceAllString(text, "${1}"+content+"\n${2}")

	case SectionDecisionsLog:
		today := time.Now().UTC().Format("2006-01-02")
		row := fmt.Sprintf("| %s | %s |", today, content)

		lines := strings.Split(text, "\n")
		out := make([]string, 0, len(lines)+1)
		inDecisions := false
		for _, line := range lines {
			out = append(out, line)
			if strings.Contains(line, "## Decisions Log") {
				inDecisions = true
			} else if inDecisions && strings.HasPrefix(line, "|") && strings.Contains(line, "---") {
				out = append(out, row)
				inDecisions = false
			}
		}
		text = strings.Join(out, "\n")

	default:
		return fmt.Errorf("unknown brief section: %s", section)
	}

	if err := os.WriteFile(path, []byte(text), 0o644); err != nil { //nolint:gosec // G306: brief is not a secret
		return fmt.Errorf("writing BRIEF.md: %w", err)
	}
	return nil
}
