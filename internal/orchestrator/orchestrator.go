// Package orchestrator wires the whole harness together: state, usage
// tracking, worktrees, the tool server, and the agent sessions. It owns
// startup gating, Archie supervision, and coordinated shutdown.
package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/archhq/arch/internal/config"
	"github.com/archhq/arch/internal/container"
	"github.com/archhq/arch/internal/github"
	"github.com/archhq/arch/internal/log"
	"github.com/archhq/arch/internal/mcp"
	"github.com/archhq/arch/internal/session"
	"github.com/archhq/arch/internal/state"
	"github.com/archhq/arch/internal/usage"
	"github.com/archhq/arch/internal/worktree"
)

// PIDFile is written into the state directory while the harness runs.
const PIDFile = "arch.pid"

// archieResumeCooldown is how long Archie must have been idle before a
// new inbound message triggers an automatic resume.
const archieResumeCooldown = 10 * time.Second

// maxArchieRestarts is how many crash restarts Archie gets before the
// harness gives up and shuts down.
const maxArchieRestarts = 1

// ErrStartupDeclined is returned when the operator refuses the
// dangerous-permissions prompt.
var ErrStartupDeclined = errors.New("startup declined by operator")

// Orchestrator runs one project. Construct with New, then Startup, Run,
// and Shutdown in that order.
type Orchestrator struct {
	cfg         *config.Config
	keep        bool
	autoApprove bool
	stdin       io.Reader
	stdout      io.Writer

	store     *state.Store
	tracker   *usage.Tracker
	worktrees *worktree.Manager
	sessions  *session.Manager
	server    *mcp.Server
	docker    *container.Client
	gh        *github.Client
	githubOn  bool
	answers   *answerWatcher

	mu             sync.Mutex
	roleActive     map[string]int
	roleSeq        map[string]int
	archieExited   bool
	archieExitCode int
	archieIdleAt   time.Time
	archieRestarts int
	budgetWarned   bool

	shutdownOnce sync.Once
	stopOnce     sync.Once
	stopCh       chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithKeepWorktrees preserves agent worktrees across shutdown.
func WithKeepWorktrees() Option {
	return func(o *Orchestrator) { o.keep = true }
}

// WithAutoApprove skips the interactive dangerous-permissions prompt.
func WithAutoApprove() Option {
	return func(o *Orchestrator) { o.autoApprove = true }
}

// WithIO overrides the streams used for the approval prompt and the cost
// summary. Tests use this; the CLI leaves the defaults.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(o *Orchestrator) {
		o.stdin = in
		o.stdout = out
	}
}

// New creates an orchestrator for a loaded config. Nothing is started
// until Startup.
func New(cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		keep:       cfg.Settings.KeepWorktrees,
		stdin:      os.Stdin,
		stdout:     os.Stdout,
		roleActive: make(map[string]int),
		roleSeq:    make(map[string]int),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Startup brings the harness up: state, gates, tool server, and Archie.
// Gates run in order; a hard gate failure leaves nothing running.
func (o *Orchestrator) Startup(ctx context.Context) error {
	cfg := o.cfg
	log.Info(log.CatOrch, "Starting orchestrator", "project", cfg.Project.Name)

	store, err := state.New(cfg.Settings.StateDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	o.store = store
	store.InitProject(cfg.Project.Name, cfg.Project.Description, cfg.Project.Repo)

	trackerOpts := []usage.Option{
		usage.WithOnUpdate(o.onUsageUpdate),
	}
	if cfg.Settings.PricingFile != "" {
		trackerOpts = append(trackerOpts, usage.WithPricingFile(cfg.Settings.PricingFile))
	}
	o.tracker = usage.NewTracker(cfg.Settings.StateDir, trackerOpts...)

	o.worktrees, err = worktree.NewManager(cfg.Project.Repo)
	if err != nil {
		return fmt.Errorf("verify repository: %w", err)
	}

	if err := o.permissionGate(); err != nil {
		return err
	}
	if err := o.containerGate(ctx); err != nil {
		return err
	}
	o.githubGate(ctx)

	o.sessions = session.NewManager(store, o.tracker, cfg.Settings.StateDir, cfg.Settings.MCPPort,
		session.WithOutputCallback(o.onAgentOutput),
		session.WithExitCallback(o.onAgentExit),
		session.WithSandboxFactory(func(acfg session.AgentConfig) session.Supervisor {
			return container.NewSession(o.docker, acfg, o.store, o.tracker,
				cfg.Settings.StateDir, cfg.Settings.MCPPort, o.onAgentOutput, o.onAgentExit)
		}),
	)

	serverOpts := []mcp.Option{
		mcp.WithWorktrees(o.worktrees),
		mcp.WithCallbacks(mcp.Callbacks{
			OnSpawnAgent:    o.spawnAgent,
			OnTeardownAgent: o.teardownAgent,
			OnRequestMerge:  o.requestMerge,
			OnCloseProject:  o.closeProject,
		}),
	}
	if o.githubOn {
		serverOpts = append(serverOpts, mcp.WithGitHub(o.gh))
	}
	o.server = mcp.NewServer(cfg.Settings.MCPPort, store, o.tracker, serverOpts...)
	if err := o.server.Start(); err != nil {
		return fmt.Errorf("start tool server: %w", err)
	}

	o.answers, err = watchAnswers(cfg.Settings.StateDir, o.server)
	if err != nil {
		log.Warn(log.CatOrch, "Answer watcher unavailable", "error", err.Error())
	}

	if err := o.writePIDFile(); err != nil {
		log.Warn(log.CatOrch, "Could not write pid file", "error", err.Error())
	}

	if err := o.startArchie(ctx); err != nil {
		o.Shutdown()
		return err
	}

	log.Info(log.CatOrch, "Orchestrator started",
		"mcpPort", cfg.Settings.MCPPort,
		"github", o.githubOn,
		"sandbox", cfg.AnySandboxed())
	return nil
}

// permissionGate prompts the operator when any pool role requests
// --dangerously-skip-permissions, and records the approval in the audit
// log. Declining aborts startup.
func (o *Orchestrator) permissionGate() error {
	var risky []config.PoolEntry
	for _, entry := range o.cfg.AgentPool {
		if entry.Permissions.SkipPermissions {
			risky = append(risky, entry)
		}
	}
	if len(risky) == 0 {
		return nil
	}

	if !o.autoApprove {
		fmt.Fprintln(o.stdout)
		fmt.Fprintln(o.stdout, "⚠️  WARNING: DANGEROUS PERMISSIONS REQUESTED")
		fmt.Fprintln(o.stdout, "The following roles will run with --dangerously-skip-permissions:")
		for _, entry := range risky {
			fmt.Fprintf(o.stdout, "  - %s (max %d instances)\n", entry.ID, entry.MaxInstances)
		}
		fmt.Fprint(o.stdout, "Continue? [y/N]: ")

		reader := bufio.NewReader(o.stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return ErrStartupDeclined
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer != "y" && answer != "yes" {
			return ErrStartupDeclined
		}
	}

	for _, entry := range risky {
		if err := session.AppendAudit(o.cfg.Settings.StateDir, session.AuditStartupApproval,
			"role="+entry.ID, "approved_by=user"); err != nil {
			log.Warn(log.CatOrch, "Audit write failed", "error", err.Error())
		}
	}
	log.Info(log.CatOrch, "Dangerous permissions approved", "roles", len(risky))
	return nil
}

// containerGate verifies Docker and pre-pulls sandbox images. Sandboxed
// roles with no working runtime are a hard failure.
func (o *Orchestrator) containerGate(ctx context.Context) error {
	if !o.cfg.AnySandboxed() {
		return nil
	}

	cli, err := container.NewClient()
	if err != nil {
		return fmt.Errorf("sandboxed roles configured but docker is unavailable: %w", err)
	}
	if err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return fmt.Errorf("sandboxed roles configured but docker is not responding: %w", err)
	}
	for _, image := range o.cfg.SandboxImages() {
		if err := cli.EnsureImage(ctx, image); err != nil {
			_ = cli.Close()
			return fmt.Errorf("sandbox image %s: %w", image, err)
		}
	}
	o.docker = cli
	log.Info(log.CatOrch, "Container gate passed", "images", len(o.cfg.SandboxImages()))
	return nil
}

// githubGate verifies gh access. Failures only disable the gh_ tools.
func (o *Orchestrator) githubGate(ctx context.Context) {
	if o.cfg.GitHub == nil || o.cfg.GitHub.Repo == "" {
		return
	}

	gh := github.NewClient(o.cfg.GitHub.Repo)
	if err := gh.Verify(ctx); err != nil {
		log.Warn(log.CatOrch, "GitHub integration disabled", "error", err.Error())
		return
	}
	o.gh = gh
	o.githubOn = true
	log.Info(log.CatOrch, "GitHub gate passed", "repo", o.cfg.GitHub.Repo)
}

// Run blocks supervising Archie until shutdown is requested or the
// context is cancelled. Shutdown has already completed when Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatOrch, "Signal received, shutting down")
			o.Shutdown()
			return nil
		case <-o.stopCh:
			o.Shutdown()
			return nil
		case <-ticker.C:
			if !o.superviseArchie(ctx) {
				o.Shutdown()
				return nil
			}
			o.checkBudget()
		}
	}
}

// RequestShutdown asks the run loop to exit. Safe to call more than once
// and from any goroutine.
func (o *Orchestrator) RequestShutdown() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// Shutdown stops everything in dependency order. Idempotent.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		o.RequestShutdown()
		log.Info(log.CatOrch, "Shutting down")

		grace := time.Duration(o.cfg.Settings.ShutdownTimeoutSecs) * time.Second
		if grace <= 0 {
			grace = session.DefaultStopGrace
		}
		if o.sessions != nil {
			o.sessions.StopAll(grace)
		}
		if o.server != nil {
			o.server.Stop()
		}
		if o.answers != nil {
			o.answers.Close()
		}
		if o.docker != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			o.docker.CleanupOrphans(ctx)
			cancel()
			_ = o.docker.Close()
		}
		if !o.keep && o.worktrees != nil {
			removed := o.worktrees.CleanupAll(true)
			log.Info(log.CatGit, "Worktrees cleaned up", "removed", removed)
		}
		o.removePIDFile()
		o.printCostSummary()
		log.Info(log.CatOrch, "Shutdown complete")
	})
}

// checkBudget warns once when the cost ceiling is crossed. The budget is
// advisory; agents are not killed.
func (o *Orchestrator) checkBudget() {
	budget := o.cfg.Settings.TokenBudgetUSD
	if budget <= 0 {
		return
	}
	total := o.tracker.TotalCost()
	if total < budget {
		return
	}

	o.mu.Lock()
	warned := o.budgetWarned
	o.budgetWarned = true
	o.mu.Unlock()
	if !warned {
		log.Warn(log.CatUsage, "Token budget exceeded",
			"spent", fmt.Sprintf("%.4f", total),
			"budget", fmt.Sprintf("%.4f", budget))
	}
}

// onUsageUpdate mirrors tracker snapshots into the agent rows so status
// output and list_agents stay current.
func (o *Orchestrator) onUsageUpdate(agentID string, snap usage.Snapshot) {
	u := state.Usage{
		InputTokens:         snap.InputTokens,
		OutputTokens:        snap.OutputTokens,
		CacheReadTokens:     snap.CacheReadTokens,
		CacheCreationTokens: snap.CacheCreationTokens,
		Turns:               snap.Turns,
		CostUSD:             snap.CostUSD,
	}
	if _, err := o.store.UpdateAgent(agentID, state.AgentPatch{Usage: &u}); err != nil {
		log.Debug(log.CatUsage, "Usage update for unknown agent", "agentID", agentID)
	}
}

func (o *Orchestrator) onAgentOutput(agentID string, ev session.Event) {
	if ev.Type == session.EventResult {
		log.Debug(log.CatSession, "Agent result", "agentID", agentID, "sessionID", ev.SessionID)
	}
}

// onAgentExit records Archie exits for the supervision loop. Worker
// exits leave their rows in place; the session layer has already set
// their final status.
func (o *Orchestrator) onAgentExit(agentID string, exitCode int) {
	log.Info(log.CatSession, "Agent exited", "agentID", agentID, "exitCode", exitCode)
	if agentID != mcp.ArchieID {
		return
	}
	o.mu.Lock()
	o.archieExited = true
	o.archieExitCode = exitCode
	o.archieIdleAt = time.Now()
	o.mu.Unlock()
}

func (o *Orchestrator) writePIDFile() error {
	path := filepath.Join(o.cfg.Settings.StateDir, PIDFile)
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
}

func (o *Orchestrator) removePIDFile() {
	_ = os.Remove(filepath.Join(o.cfg.Settings.StateDir, PIDFile))
}

// printCostSummary renders the per-agent cost table on shutdown.
func (o *Orchestrator) printCostSummary() {
	if o.tracker == nil {
		return
	}
	all := o.tracker.All()

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	line := strings.Repeat("=", 60)
	fmt.Fprintln(o.stdout)
	fmt.Fprintln(o.stdout, line)
	fmt.Fprintln(o.stdout, "COST SUMMARY")
	fmt.Fprintln(o.stdout, line)
	for _, id := range ids {
		fmt.Fprintf(o.stdout, "  %-20s $%.4f\n", id, all[id].CostUSD)
	}
	fmt.Fprintln(o.stdout, strings.Repeat("-", 60))
	total := o.tracker.TotalCost()
	fmt.Fprintf(o.stdout, "  %-20s $%.4f\n", "Total", total)
	if budget := o.cfg.Settings.TokenBudgetUSD; budget > 0 {
		fmt.Fprintf(o.stdout, "  %-20s %.1f%% of $%.2f used\n", "Budget", total/budget*100, budget)
	}
	fmt.Fprintln(o.stdout, line)
}
