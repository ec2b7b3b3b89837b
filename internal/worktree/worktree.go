// Package worktree manages isolated git worktrees for agents. Each agent
// works in .worktrees/{agent_id} on branch agent/{agent_id} so parallel
// work never collides until Archie merges it.
package worktree

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/archhq/arch/internal/log"
)

const (
	baseDirName  = ".worktrees"
	branchPrefix = "agent"
)

// Worktree-specific errors.
var (
	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrWorktreeExists indicates an agent already has a worktree.
	ErrWorktreeExists = errors.New("worktree already exists")

	// ErrWorktreeNotFound indicates no worktree exists for the agent.
	ErrWorktreeNotFound = errors.New("worktree does not exist")

	// ErrBranchAlreadyCheckedOut indicates the branch is checked out elsewhere.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrMergeConflict indicates a merge could not complete cleanly.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrGHNotFound indicates the gh CLI is not installed.
	ErrGHNotFound = errors.New("gh CLI not found")
)

// Info describes one agent worktree.
type Info struct {
	AgentID string
	Path    string
	Branch  string
}

// BranchStatus reports an agent branch relative to the target branch.
type BranchStatus struct {
	Ahead          int
	Behind         int
	HasUncommitted bool
}

// PullRequest is the result of CreatePR.
type PullRequest struct {
	URL    string `json:"url"`
	Number string `json:"number"`
}

// Manager creates, merges, and removes agent worktrees under one repository.
type Manager struct {
	repoPath string
	baseDir  string
}

// NewManager validates repoPath is a git working tree and ensures the
// worktree base directory exists.
func NewManager(repoPath string) (*Manager, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving repo path: %w", err)
	}

	m := &Manager{repoPath: abs, baseDir: filepath.Join(abs, baseDirName)}
	if !m.IsGitRepo() {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, abs)
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree base dir: %w", err)
	}
	return m, nil
}

// RepoPath returns the repository root the manager operates on.
func (m *Manager) RepoPath() string {
	return m.repoPath
}

// runGit executes a git command in dir and returns an error if it fails.
func (m *Manager) runGit(dir string, args ...string) error {
	_, err := m.runGitOutput(dir, args...)
	return err
}

// runGitOutput executes a git command in dir and returns stdout.
func (m *Manager) runGitOutput(dir string, args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.Command("git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	if strings.Contains(stderrLower, "is already checked out") ||
		strings.Contains(stderrLower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}

	if strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrWorktreeExists, stderr)
	}

	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}

	if strings.Contains(stderrLower, "conflict") {
		return fmt.Errorf("%w: %s", ErrMergeConflict, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// IsGitRepo checks whether the repo path is a git working tree.
func (m *Manager) IsGitRepo() bool {
	return m.runGit(m.repoPath, "rev-parse", "--git-dir") == nil
}

// Path returns the worktree path for an agent, whether or not it exists.
func (m *Manager) Path(agentID string) string {
	return filepath.Join(m.baseDir, agentID)
}

// BranchName returns the branch name for an agent.
func (m *Manager) BranchName(agentID string) string {
	return branchPrefix + "/" + agentID
}

// Exists checks whether a worktree exists for an agent. A directory only
// counts when git has populated its .git link.
func (m *Manager) Exists(agentID string) bool {
	_, err := os.Stat(filepath.Join(m.Path(agentID), ".git"))
	return err == nil
}

// Create makes a fresh worktree for an agent on branch agent/{agent_id}.
// baseBranch defaults to the current HEAD when empty.
func (m *Manager) Create(agentID, baseBranch string) (string, error) {
	path := m.Path(agentID)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %s", ErrWorktreeExists, path)
	}

	args := []string{"worktree", "add", "-b", m.BranchName(agentID), path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}

	if err := m.runGit(m.repoPath, args...); err != nil {
		return "", fmt.Errorf("creating worktree for %s: %w", agentID, err)
	}

	log.Info(log.CatGit, "Created worktree", "agentID", agentID, "path", path)
	return path, nil
}

// Remove deletes an agent's worktree and best-effort deletes its branch.
// Returns false without error when no worktree exists.
func (m *Manager) Remove(agentID string, force bool) (bool, error) {
	path := m.Path(agentID)
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}

	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	if err := m.runGit(m.repoPath, args...); err != nil {
		return false, fmt.Errorf("removing worktree for %s: %w", agentID, err)
	}

	// The branch may be unmerged or already gone; either is fine.
	if err := m.runGit(m.repoPath, "branch", "-d", m.BranchName(agentID)); err != nil {
		log.Debug(log.CatGit, "Branch not deleted", "agentID", agentID, "error", err)
	}

	log.Info(log.CatGit, "Removed worktree", "agentID", agentID, "path", path)
	return true, nil
}

// Merge integrates an agent's branch into targetBranch with a
// non-fast-forward commit so attribution is preserved.
func (m *Manager) Merge(agentID, targetBranch, summary string) error {
	if !m.Exists(agentID) {
		return fmt.Errorf("%w for agent: %s", ErrWorktreeNotFound, agentID)
	}

	if err := m.runGit(m.repoPath, "checkout", targetBranch); err != nil {
		return fmt.Errorf("checking out %s: %w", targetBranch, err)
	}

	msg := "Merge " + agentID
	if summary != "" {
		msg += ": " + summary
	}

	if err := m.runGit(m.repoPath, "merge", "--no-ff", m.BranchName(agentID), "-m", msg); err != nil {
		return fmt.Errorf("merging %s into %s: %w", agentID, targetBranch, err)
	}

	log.Info(log.CatGit, "Merged branch", "agentID", agentID, "target", targetBranch)
	return nil
}

// CreatePR pushes an agent's branch and opens a pull request via the gh CLI.
func (m *Manager) CreatePR(agentID, title, body, targetBranch string) (PullRequest, error) {
	if !m.Exists(agentID) {
		return PullRequest{}, fmt.Errorf("%w for agent: %s", ErrWorktreeNotFound, agentID)
	}

	branch := m.BranchName(agentID)
	if err := m.runGit(m.repoPath, "push", "-u", "origin", branch); err != nil {
		return PullRequest{}, fmt.Errorf("pushing %s: %w", branch, err)
	}

	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.Command("gh", "pr", "create",
		"--title", title,
		"--body", body,
		"--head", branch,
		"--base", targetBranch)
	cmd.Dir = m.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return PullRequest{}, ErrGHNotFound
		}
		return PullRequest{}, fmt.Errorf("gh pr create: %s: %w", strings.TrimSpace(stderr.String()), err)
	}

	// gh pr create prints the PR URL, e.g. https://github.com/o/r/pull/42
	url := strings.TrimSpace(stdout.String())
	var number string
	if i := strings.LastIndex(url, "/"); i >= 0 {
		number = url[i+1:]
	}

	log.Info(log.CatGit, "Created pull request", "agentID", agentID, "url", url)
	return PullRequest{URL: url, Number: number}, nil
}

// BranchStatus reports how an agent's branch compares to targetBranch and
// whether its worktree has uncommitted changes.
func (m *Manager) BranchStatus(agentID, targetBranch string) (BranchStatus, error) {
	if !m.Exists(agentID) {
		return BranchStatus{}, fmt.Errorf("%w for agent: %s", ErrWorktreeNotFound, agentID)
	}

	porcelain, err := m.runGitOutput(m.Path(agentID), "status", "--porcelain")
	if err != nil {
		return BranchStatus{}, fmt.Errorf("checking worktree status: %w", err)
	}

	out, err := m.runGitOutput(m.repoPath,
		"rev-list", "--left-right", "--count", targetBranch+"..."+m.BranchName(agentID))
	if err != nil {
		return BranchStatus{}, fmt.Errorf("comparing branches: %w", err)
	}

	status := BranchStatus{HasUncommitted: porcelain != ""}
	if fields := strings.Fields(out); len(fields) == 2 {
		status.Behind, _ = strconv.Atoi(fields[0])
		status.Ahead, _ = strconv.Atoi(fields[1])
	}
	return status, nil
}

// RepoStatus returns the porcelain status of the main working tree.
func (m *Manager) RepoStatus() (string, error) {
	return m.runGitOutput(m.repoPath, "status", "--porcelain")
}

// List returns all agent worktrees found under the base directory.
func (m *Manager) List() []Info {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return nil
	}

	var out []Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agentID := entry.Name()
		if !m.Exists(agentID) {
			continue
		}
		out = append(out, Info{
			AgentID: agentID,
			Path:    m.Path(agentID),
			Branch:  m.BranchName(agentID),
		})
	}
	return out
}

// Prune drops stale worktree bookkeeping after out-of-band deletions.
func (m *Manager) Prune() error {
	return m.runGit(m.repoPath, "worktree", "prune")
}

// CleanupAll removes every agent worktree, continuing past individual
// failures. Returns the number removed.
func (m *Manager) CleanupAll(force bool) int {
	removed := 0
	for _, wt := range m.List() {
		ok, err := m.Remove(wt.AgentID, force)
		if err != nil {
			log.ErrorErr(log.CatGit, "Failed to remove worktree", err, "agentID", wt.AgentID)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed
}
