package orchestrator

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/archhq/arch/internal/config"
	"github.com/archhq/arch/internal/mcp"
	"github.com/archhq/arch/internal/session"
	"github.com/archhq/arch/internal/state"
	"github.com/archhq/arch/internal/usage"
	"github.com/archhq/arch/internal/worktree"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Project: config.ProjectConfig{
			Name:        "widgets",
			Description: "a widget factory",
			Repo:        t.TempDir(),
		},
		Archie: config.ArchieConfig{Model: "claude-opus-4-5"},
		AgentPool: []config.PoolEntry{
			{ID: "backend", Model: "claude-sonnet-4-6", MaxInstances: 2},
			{
				ID:           "infra",
				Model:        "claude-sonnet-4-6",
				MaxInstances: 1,
				Permissions:  config.PermissionsConfig{SkipPermissions: true},
			},
		},
		Settings: config.Settings{
			MaxConcurrentAgents: 5,
			StateDir:            t.TempDir(),
			MCPPort:             0,
			ShutdownTimeoutSecs: 1,
		},
	}
}

func initRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o600))
	run("add", ".")
	run("commit", "-m", "init")
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	initRepo(t, cfg.Project.Repo)

	o := New(cfg, WithIO(strings.NewReader(""), &bytes.Buffer{}))

	store, err := state.New(cfg.Settings.StateDir)
	require.NoError(t, err)
	o.store = store
	store.InitProject(cfg.Project.Name, cfg.Project.Description, cfg.Project.Repo)

	o.tracker = usage.NewTracker(cfg.Settings.StateDir)
	o.worktrees, err = worktree.NewManager(cfg.Project.Repo)
	require.NoError(t, err)
	o.sessions = session.NewManager(store, o.tracker, cfg.Settings.StateDir, cfg.Settings.MCPPort)
	return o
}

func TestPermissionGate_NoRiskyRoles(t *testing.T) {
	cfg := testConfig(t)
	cfg.AgentPool = cfg.AgentPool[:1] // backend only

	var out bytes.Buffer
	o := New(cfg, WithIO(strings.NewReader(""), &out))
	require.NoError(t, o.permissionGate())
	require.Empty(t, out.String())
}

func TestPermissionGate_Approved(t *testing.T) {
	cfg := testConfig(t)

	var out bytes.Buffer
	o := New(cfg, WithIO(strings.NewReader("y\n"), &out))
	require.NoError(t, o.permissionGate())
	require.Contains(t, out.String(), "DANGEROUS PERMISSIONS REQUESTED")
	require.Contains(t, out.String(), "infra")

	audit, err := os.ReadFile(filepath.Join(cfg.Settings.StateDir, session.AuditFile))
	require.NoError(t, err)
	require.Contains(t, string(audit), session.AuditStartupApproval)
	require.Contains(t, string(audit), "role=infra")
}

func TestPermissionGate_Declined(t *testing.T) {
	cfg := testConfig(t)

	o := New(cfg, WithIO(strings.NewReader("n\n"), &bytes.Buffer{}))
	require.ErrorIs(t, o.permissionGate(), ErrStartupDeclined)

	_, err := os.Stat(filepath.Join(cfg.Settings.StateDir, session.AuditFile))
	require.True(t, os.IsNotExist(err))
}

func TestPermissionGate_EmptyInputDeclines(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg, WithIO(strings.NewReader(""), &bytes.Buffer{}))
	require.ErrorIs(t, o.permissionGate(), ErrStartupDeclined)
}

func TestPermissionGate_AutoApprove(t *testing.T) {
	cfg := testConfig(t)

	var out bytes.Buffer
	o := New(cfg, WithAutoApprove(), WithIO(strings.NewReader(""), &out))
	require.NoError(t, o.permissionGate())
	require.Empty(t, out.String())

	audit, err := os.ReadFile(filepath.Join(cfg.Settings.StateDir, session.AuditFile))
	require.NoError(t, err)
	require.Contains(t, string(audit), "role=infra")
}

func TestSpawnAgent_UnknownRole(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))

	_, err := o.spawnAgent(context.Background(), mcp.SpawnRequest{Role: "designer", Assignment: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not in the agent pool")
}

func TestSpawnAgent_SkipPermissionsNotApproved(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))

	_, err := o.spawnAgent(context.Background(), mcp.SpawnRequest{
		Role:            "backend",
		Assignment:      "x",
		SkipPermissions: true,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not approved for skip_permissions")
}

func TestSpawnAgent_RoleLimit(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))
	o.roleActive["backend"] = 2

	_, err := o.spawnAgent(context.Background(), mcp.SpawnRequest{Role: "backend", Assignment: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "limit of 2 instances")
}

func TestSpawnAgent_ReservesSlotUpFront(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))

	// Occupy the id the next spawn will mint so the attempt fails after
	// the slot has been reserved.
	_, err := o.store.RegisterAgent(state.RegisterAgentParams{ID: "backend-1", Role: "backend"})
	require.NoError(t, err)

	// One slot taken by a live agent, limit 2: with the reservation held
	// across the spawn, a failed attempt must release its slot and leave
	// the live count intact.
	o.roleActive["backend"] = 1

	_, err = o.spawnAgent(context.Background(), mcp.SpawnRequest{Role: "backend", Assignment: "x"})
	require.Error(t, err)
	require.Equal(t, 1, o.roleActive["backend"])
	require.False(t, o.worktrees.Exists("backend-1"))
}

func TestSpawnAgent_MintsSequentialIDs(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))

	// Limit check happens before minting, so failed spawns past it
	// still consume a sequence number. Drive the counter directly.
	o.mu.Lock()
	o.roleSeq["backend"]++
	first := o.roleSeq["backend"]
	o.roleSeq["backend"]++
	second := o.roleSeq["backend"]
	o.mu.Unlock()

	require.Equal(t, 1, first)
	require.Equal(t, 2, second)
}

func TestTeardownAgent_RefusesArchie(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))
	require.False(t, o.teardownAgent(context.Background(), mcp.ArchieID))
}

func TestTeardownAgent_UnknownAgent(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))
	require.False(t, o.teardownAgent(context.Background(), "backend-9"))
}

func TestTeardownAgent_RemovesStateAndCounts(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))
	path, err := o.worktrees.Create("backend-1", "")
	require.NoError(t, err)
	_, err = o.store.RegisterAgent(state.RegisterAgentParams{ID: "backend-1", Role: "backend", Worktree: path})
	require.NoError(t, err)
	o.roleActive["backend"] = 1

	require.True(t, o.teardownAgent(context.Background(), "backend-1"))

	_, ok := o.store.GetAgent("backend-1")
	require.False(t, ok)
	require.Zero(t, o.roleActive["backend"])
	require.False(t, o.worktrees.Exists("backend-1"))
}

func TestSuperviseArchie_CleanExitParksIdle(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))
	o.archieExited = true
	o.archieExitCode = 0
	o.archieIdleAt = time.Now()

	require.True(t, o.superviseArchie(context.Background()))
	require.False(t, o.archieExited)
}

func TestSuperviseArchie_SecondCrashShutsDown(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))
	o.archieExited = true
	o.archieExitCode = 1
	o.archieRestarts = maxArchieRestarts

	require.False(t, o.superviseArchie(context.Background()))
}

func TestSuperviseArchie_CrashWithoutSessionShutsDown(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))
	_, err := o.store.RegisterAgent(state.RegisterAgentParams{ID: mcp.ArchieID, Role: "lead"})
	require.NoError(t, err)
	o.archieExited = true
	o.archieExitCode = 1

	require.False(t, o.superviseArchie(context.Background()))
}

func TestSuperviseArchie_IdleWithoutMessagesStaysUp(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))
	o.archieIdleAt = time.Now().Add(-time.Minute)

	require.True(t, o.superviseArchie(context.Background()))
}

func TestSuperviseArchie_CooldownDefersResume(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))
	o.store.AddMessage("backend-1", mcp.ArchieID, "done")
	o.archieIdleAt = time.Now()

	// Inside the cooldown window the pending message must not trigger
	// anything, shutdown included.
	require.True(t, o.superviseArchie(context.Background()))
}

func TestWorkerPrompt(t *testing.T) {
	p := workerPrompt("backend-1", "backend", "build the API")
	require.Contains(t, p, "You are backend-1, a backend agent")
	require.Contains(t, p, "Read CLAUDE.md")
	require.Contains(t, p, "Your assignment: build the API")
	require.Contains(t, p, "report_completion")
}

func TestArchiePrompt(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg)
	p := o.archiePrompt()
	require.Contains(t, p, "You are Archie, leading the widgets project.")
	require.Contains(t, p, "Project description: a widget factory")
	require.Contains(t, p, "get_project_context")
	require.NotContains(t, p, "GitHub integration")

	o.githubOn = true
	o.cfg.GitHub = &config.GitHubConfig{Repo: "acme/widgets"}
	require.Contains(t, o.archiePrompt(), "GitHub integration is enabled for acme/widgets")
}

func TestReadPersona(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))

	require.Equal(t, "fallback", o.readPersona("", "fallback"))
	require.Equal(t, "fallback", o.readPersona("missing.md", "fallback"))

	path := filepath.Join(o.worktrees.RepoPath(), "persona.md")
	require.NoError(t, os.WriteFile(path, []byte("be bold\n"), 0o600))
	require.Equal(t, "be bold", o.readPersona("persona.md", "fallback"))
}

func TestTeamMembers_ExcludesSelf(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t))
	_, err := o.store.RegisterAgent(state.RegisterAgentParams{ID: mcp.ArchieID, Role: "lead"})
	require.NoError(t, err)
	_, err = o.store.RegisterAgent(state.RegisterAgentParams{ID: "backend-1", Role: "backend"})
	require.NoError(t, err)

	members := o.teamMembers("backend-1")
	require.Len(t, members, 1)
	require.Equal(t, mcp.ArchieID, members[0].ID)
}

func TestPIDFile(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg)

	require.NoError(t, o.writePIDFile())
	buf, err := os.ReadFile(filepath.Join(cfg.Settings.StateDir, PIDFile))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf)))
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)

	o.removePIDFile()
	_, err = os.Stat(filepath.Join(cfg.Settings.StateDir, PIDFile))
	require.True(t, os.IsNotExist(err))
}

func TestCostSummary(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settings.TokenBudgetUSD = 1.0

	var out bytes.Buffer
	o := New(cfg, WithIO(strings.NewReader(""), &out))
	o.tracker = usage.NewTracker(cfg.Settings.StateDir)
	o.tracker.Register(mcp.ArchieID, "claude-opus-4-5")

	o.printCostSummary()

	text := out.String()
	require.Contains(t, text, "COST SUMMARY")
	require.Contains(t, text, "archie")
	require.Contains(t, text, "Total")
	require.Contains(t, text, "of $1.00 used")
}

func TestAnswerWatcher_DeliversAndRemoves(t *testing.T) {
	stateDir := t.TempDir()
	store, err := state.New(stateDir)
	require.NoError(t, err)
	tracker := usage.NewTracker(stateDir)
	server := mcp.NewServer(0, store, tracker)
	t.Cleanup(server.Stop)

	decision := store.AddDecision("ship it?", []string{"yes", "no"})

	w, err := watchAnswers(stateDir, server)
	require.NoError(t, err)
	t.Cleanup(w.Close)

	path := filepath.Join(stateDir, AnswersDir, decision.ID)
	require.NoError(t, os.WriteFile(path, []byte("yes\n"), 0o600))

	require.Eventually(t, func() bool {
		d, ok := store.GetDecision(decision.ID)
		return ok && d.Answered()
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestAnswerWatcher_SweepsExistingFiles(t *testing.T) {
	stateDir := t.TempDir()
	store, err := state.New(stateDir)
	require.NoError(t, err)
	server := mcp.NewServer(0, store, usage.NewTracker(stateDir))
	t.Cleanup(server.Stop)

	decision := store.AddDecision("merge?", nil)
	dir := filepath.Join(stateDir, AnswersDir)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, decision.ID), []byte(`{"answer":"go ahead"}`), 0o600))

	w, err := watchAnswers(stateDir, server)
	require.NoError(t, err)
	t.Cleanup(w.Close)

	d, ok := store.GetDecision(decision.ID)
	require.True(t, ok)
	require.True(t, d.Answered())
	require.Equal(t, "go ahead", *d.Answer)
}

func TestCheckBudget_WarnsOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settings.TokenBudgetUSD = 0 // disabled

	o := New(cfg)
	o.tracker = usage.NewTracker(cfg.Settings.StateDir)
	o.checkBudget()
	require.False(t, o.budgetWarned)
}
