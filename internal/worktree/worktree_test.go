package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archhq/arch/internal/state"
)

// initTestRepo creates a throwaway git repo with one commit on main.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial commit")

	return dir
}

func commitFile(t *testing.T, dir, name, content, msg string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", msg}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
}

func TestNewManager_NotARepo(t *testing.T) {
	_, err := NewManager(t.TempDir())
	require.ErrorIs(t, err, ErrNotGitRepo)
}

func TestCreate(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)

	path, err := m.Create("backend-1", "")
	require.NoError(t, err)
	require.Equal(t, m.Path("backend-1"), path)
	require.True(t, m.Exists("backend-1"))
	require.Equal(t, "agent/backend-1", m.BranchName("backend-1"))

	// The worktree is a checkout of the repo
	require.FileExists(t, filepath.Join(path, "README.md"))
}

func TestCreate_Duplicate(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)

	_, err = m.Create("backend-1", "")
	require.NoError(t, err)

	_, err = m.Create("backend-1", "")
	require.ErrorIs(t, err, ErrWorktreeExists)
}

func TestRemove(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)

	_, err = m.Create("backend-1", "")
	require.NoError(t, err)

	removed, err := m.Remove("backend-1", true)
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, m.Exists("backend-1"))

	// Idempotent on a missing worktree
	removed, err = m.Remove("backend-1", true)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestRemove_ForceWithDirtyWorktree(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)

	path, err := m.Create("backend-1", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "wip.txt"), []byte("uncommitted"), 0o644))

	removed, err := m.Remove("backend-1", true)
	require.NoError(t, err)
	require.True(t, removed)
}

func TestMerge(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)

	path, err := m.Create("backend-1", "")
	require.NoError(t, err)
	commitFile(t, path, "feature.go", "package feature\n", "add feature")

	require.NoError(t, m.Merge("backend-1", "main", "feature work"))
	require.FileExists(t, filepath.Join(repo, "feature.go"))
}

func TestMerge_UnknownAgent(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)

	require.ErrorIs(t, m.Merge("ghost", "main", ""), ErrWorktreeNotFound)
}

func TestBranchStatus(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)

	path, err := m.Create("backend-1", "")
	require.NoError(t, err)
	commitFile(t, path, "a.txt", "a\n", "commit a")
	require.NoError(t, os.WriteFile(filepath.Join(path, "dirty.txt"), []byte("x"), 0o644))

	status, err := m.BranchStatus("backend-1", "main")
	require.NoError(t, err)
	require.Equal(t, 1, status.Ahead)
	require.Equal(t, 0, status.Behind)
	require.True(t, status.HasUncommitted)
}

func TestList_AndCleanupAll(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)

	_, err = m.Create("backend-1", "")
	require.NoError(t, err)
	_, err = m.Create("frontend-1", "")
	require.NoError(t, err)

	infos := m.List()
	require.Len(t, infos, 2)

	require.Equal(t, 2, m.CleanupAll(true))
	require.Empty(t, m.List())
}

func TestWriteBrief(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)

	_, err = m.Create("backend-1", "")
	require.NoError(t, err)

	briefPath, err := m.WriteBrief(BriefParams{
		AgentID:        "backend-1",
		Persona:        "# Backend Engineer\nYou write Go.",
		ProjectName:    "demo",
		ProjectDesc:    "a demo project",
		Assignment:     "Build the API",
		ActiveAgents:   []TeamMember{{ID: "archie", Role: "lead"}},
		AvailableTools: []string{"send_message", "get_messages"},
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(m.Path("backend-1"), BriefFile), briefPath)

	content, err := os.ReadFile(briefPath)
	require.NoError(t, err)
	text := string(content)

	require.Contains(t, text, briefHeaderStart)
	require.Contains(t, text, briefHeaderEnd)
	require.Contains(t, text, "- **Your agent ID:** backend-1")
	require.Contains(t, text, "- **Your assignment:** Build the API")
	require.Contains(t, text, "archie: lead")
	require.Contains(t, text, "send_message, get_messages")
	require.Contains(t, text, "# Backend Engineer")
	require.NotContains(t, text, "Session State")
}

func TestWriteBrief_WithSessionState(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)

	_, err = m.Create("backend-1", "")
	require.NoError(t, err)

	briefPath, err := m.WriteBrief(BriefParams{
		AgentID:     "backend-1",
		Persona:     "persona",
		ProjectName: "demo",
		Assignment:  "continue",
		SessionState: &state.SessionContext{
			Progress:      "Implemented auth middleware",
			FilesModified: []string{"auth.go", "auth_test.go"},
			NextSteps:     "Wire into router",
			Blockers:      "Waiting on schema",
			Decisions:     []string{"JWT over sessions"},
		},
	})
	require.NoError(t, err)

	content, err := os.ReadFile(briefPath)
	require.NoError(t, err)
	text := string(content)

	require.Contains(t, text, "## Session State (from previous session)")
	require.Contains(t, text, "- **Progress:** Implemented auth middleware")
	require.Contains(t, text, "- **Files modified:** auth.go, auth_test.go")
	require.Contains(t, text, "- **Next steps:** Wire into router")
	require.Contains(t, text, "- **Blockers:** Waiting on schema")
	require.Contains(t, text, "- **Decisions:** JWT over sessions")
}

func TestWriteBrief_NoWorktree(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)

	_, err = m.WriteBrief(BriefParams{AgentID: "ghost"})
	require.ErrorIs(t, err, ErrWorktreeNotFound)
}

const testBrief = `# Project Brief

## Current Status
Nothing started yet.

## Decisions Log
| Date | Decision |
| --- | --- |

## Notes
Keep this section.
`

func TestUpdateProjectBrief_CurrentStatus(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "BRIEF.md"), []byte(testBrief), 0o644))

	require.NoError(t, m.UpdateProjectBrief(SectionCurrentStatus, "Backend API underway."))

	text, err := m.ReadProjectBrief()
	require.NoError(t, err)
	require.Contains(t, text, "## Current Status\nBackend API underway.\n")
	require.NotContains(t, text, "Nothing started yet.")
	require.Contains(t, text, "Keep this section.")
}

func TestUpdateProjectBrief_DecisionsLog(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "BRIEF.md"), []byte(testBrief), 0o644))

	require.NoError(t, m.UpdateProjectBrief(SectionDecisionsLog, "Use Postgres"))

	text, err := m.ReadProjectBrief()
	require.NoError(t, err)
	require.Contains(t, text, "| Use Postgres |")
	// Row lands right after the header separator
	require.Regexp(t, `\| --- \| --- \|\n\| \d{4}-\d{2}-\d{2} \| Use Postgres \|`, text)
}

func TestUpdateProjectBrief_UnknownSection(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "BRIEF.md"), []byte(testBrief), 0o644))

	require.Error(t, m.UpdateProjectBrief("nope", "content"))
}

func TestUpdateProjectBrief_MissingFile(t *testing.T) {
	repo := initTestRepo(t)
	m, err := NewManager(repo)
	require.NoError(t, err)

	require.Error(t, m.UpdateProjectBrief(SectionCurrentStatus, "content"))
}
