// Package session owns the lifecycle of claude CLI child processes: spawning,
// stream-json output parsing, resumable session capture, and teardown.
package session

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/archhq/arch/internal/log"
	"github.com/archhq/arch/internal/state"
	"github.com/archhq/arch/internal/usage"
)

// DefaultStopGrace is how long Stop waits before force-killing the child.
const DefaultStopGrace = 30 * time.Second

// AgentConfig describes one agent session to spawn.
type AgentConfig struct {
	AgentID         string
	Role            string
	Model           string
	Worktree        string
	Sandboxed       bool
	SkipPermissions bool

	// Container settings, used by the container adapter only.
	ContainerImage       string
	ContainerMemoryLimit string
	ContainerCPUs        float64
	ContainerNetwork     string
	ContainerExtraMounts []string
}

// OutputFunc receives every parsed output event from a child.
type OutputFunc func(agentID string, ev Event)

// ExitFunc is called once when a child exits.
type ExitFunc func(agentID string, exitCode int)

// Supervisor is the common interface over local and containerized sessions.
type Supervisor interface {
	AgentID() string
	Spawn(ctx context.Context, prompt, resumeSessionID string) bool
	Stop(grace time.Duration) bool
	Wait() int
	IsRunning() bool
	PID() int
	SessionID() string
}

// Session supervises one local claude CLI subprocess.
type Session struct {
	cfg      AgentConfig
	store    *state.Store
	tracker  *usage.Tracker
	stateDir string
	mcpPort  int
	onOutput OutputFunc
	onExit   ExitFunc

	mu            sync.RWMutex
	cmd           *exec.Cmd
	cancel        context.CancelFunc
	running       bool
	stopRequested bool
	sessionID     string
	exitCode      int
	wg            sync.WaitGroup
}

var _ Supervisor = (*Session)(nil)

// NewSession creates an unspawned local session supervisor.
func NewSession(cfg AgentConfig, store *state.Store, tracker *usage.Tracker, stateDir string, mcpPort int, onOutput OutputFunc, onExit ExitFunc) *Session {
	return &Session{
		cfg:      cfg,
		store:    store,
		tracker:  tracker,
		stateDir: stateDir,
		mcpPort:  mcpPort,
		onOutput: onOutput,
		onExit:   onExit,
	}
}

// AgentID returns the agent this session supervises.
func (s *Session) AgentID() string { return s.cfg.AgentID }

// IsRunning reports whether the child is currently running.
func (s *Session) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// SessionID returns the captured resumable session id, or "".
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// PID returns the child process id, or 0 when not running.
func (s *Session) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// buildArgs constructs the claude command line. Exactly one of prompt or
// resumeSessionID terminates the argument list.
func buildArgs(cfg AgentConfig, mcpConfigPath, prompt, resumeSessionID string) []string {
	args := []string{
		"--model", cfg.Model,
		"--output-format", "stream-json",
		"--mcp-config", mcpConfigPath,
		"--print",
	}

	if cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	} else {
		args = append(args, prompt)
	}

	return args
}

// Spawn starts the child process. Returns false if the session is already
// running or the spawn fails. On success the agent row is marked working
// with the child's pid.
func (s *Session) Spawn(ctx context.Context, prompt, resumeSessionID string) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Warn(log.CatSession, "Session already running", "agentID", s.cfg.AgentID)
		return false
	}
	s.mu.Unlock()

	mcpConfigPath, err := WriteMCPConfig(s.cfg.AgentID, s.mcpPort, s.stateDir, false)
	if err != nil {
		log.ErrorErr(log.CatSession, "Failed to write MCP config", err, "agentID", s.cfg.AgentID)
		return false
	}

	if s.cfg.SkipPermissions {
		LogPermissionsAudit(s.stateDir, s.cfg.AgentID, s.cfg.Role)
	}

	args := buildArgs(s.cfg, mcpConfigPath, prompt, resumeSessionID)
	log.Debug(log.CatSession, "Spawning session", "agentID", s.cfg.AgentID, "args", strings.Join(args[:6], " "))

	procCtx, cancel := context.WithCancel(ctx)

	//nolint:gosec // G204: args are built from config, not user input
	cmd := exec.CommandContext(procCtx, "claude", args...)
	if s.cfg.Worktree != "" {
		cmd.Dir = s.cfg.Worktree
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		log.ErrorErr(log.CatSession, "Failed to create stdout pipe", err, "agentID", s.cfg.AgentID)
		return false
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		log.ErrorErr(log.CatSession, "Failed to create stderr pipe", err, "agentID", s.cfg.AgentID)
		return false
	}

	if err := cmd.Start(); err != nil {
		cancel()
		log.ErrorErr(log.CatSession, "Failed to start claude process", err, "agentID", s.cfg.AgentID)
		return false
	}

	s.mu.Lock()
	s.cmd = cmd
	s.cancel = cancel
	s.running = true
	s.stopRequested = false
	s.mu.Unlock()

	s.tracker.Register(s.cfg.AgentID, s.cfg.Model)

	pid := cmd.Process.Pid
	working := state.StatusWorking
	if _, err := s.store.UpdateAgent(s.cfg.AgentID, state.AgentPatch{Status: &working, PID: &pid}); err != nil {
		log.ErrorErr(log.CatSession, "Failed to mark agent working", err, "agentID", s.cfg.AgentID)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		defer readers.Done()
		s.parseOutput(bufio.NewScanner(stdout))
	}()
	go func() {
		defer s.wg.Done()
		defer readers.Done()
		s.parseStderr(bufio.NewScanner(stderr))
	}()
	go func() {
		defer s.wg.Done()
		// Both pipes reach EOF before Wait reaps the child.
		readers.Wait()
		s.waitForCompletion()
	}()

	log.Info(log.CatSession, "Session spawned", "agentID", s.cfg.AgentID, "pid", pid)
	return true
}

// parseOutput reads stdout line by line, forwarding usage to the tracker,
// capturing the session id from result events, and passing every parsed
// event to the output callback.
func (s *Session) parseOutput(scanner *bufio.Scanner) {
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		ev, ok := ParseEvent(line)
		if !ok {
			log.Debug(log.CatSession, "Discarding non-JSON output line", "agentID", s.cfg.AgentID)
			continue
		}

		switch ev.Type {
		case EventUsage:
			s.tracker.Add(s.cfg.AgentID, ev.Event)

		case EventResult:
			if ev.SessionID != "" {
				s.mu.Lock()
				s.sessionID = ev.SessionID
				s.mu.Unlock()
				sid := ev.SessionID
				if _, err := s.store.UpdateAgent(s.cfg.AgentID, state.AgentPatch{SessionID: &sid}); err != nil {
					log.ErrorErr(log.CatSession, "Failed to persist session id", err, "agentID", s.cfg.AgentID)
				}
				log.Debug(log.CatSession, "Captured session id", "agentID", s.cfg.AgentID, "sessionID", sid)
			}
		}

		if s.onOutput != nil {
			s.onOutput(s.cfg.AgentID, ev)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Warn(log.CatSession, "Stdout scanner error", "agentID", s.cfg.AgentID, "error", err)
	}
}

// parseStderr logs stderr lines for debugging.
func (s *Session) parseStderr(scanner *bufio.Scanner) {
	for scanner.Scan() {
		log.Debug(log.CatSession, "STDERR", "agentID", s.cfg.AgentID, "line", scanner.Text())
	}
}

// waitForCompletion reaps the child and applies exit handling: zero exit
// marks the agent done; non-zero marks error and deposits a message for
// Archie. An operator-requested stop is not treated as a crash.
func (s *Session) waitForCompletion() {
	err := s.cmd.Wait()

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	s.mu.Lock()
	s.running = false
	s.exitCode = exitCode
	stopped := s.stopRequested
	sessionID := s.sessionID
	s.mu.Unlock()

	log.Info(log.CatSession, "Session exited", "agentID", s.cfg.AgentID, "exitCode", exitCode)

	// Session id persists before any status change so a restart can resume.
	if sessionID != "" {
		if _, err := s.store.UpdateAgent(s.cfg.AgentID, state.AgentPatch{SessionID: &sessionID}); err != nil {
			log.ErrorErr(log.CatSession, "Failed to persist session id", err, "agentID", s.cfg.AgentID)
		}
	}

	status := state.StatusDone
	if exitCode != 0 && !stopped {
		status = state.StatusError
		s.store.AddMessage("harness", "archie", fmt.Sprintf(
			"Agent %s exited unexpectedly with code %d. Check state/agents.json for details.",
			s.cfg.AgentID, exitCode))
	}
	if _, err := s.store.UpdateAgent(s.cfg.AgentID, state.AgentPatch{Status: &status}); err != nil {
		log.ErrorErr(log.CatSession, "Failed to update agent status on exit", err, "agentID", s.cfg.AgentID)
	}

	if s.onExit != nil {
		s.onExit(s.cfg.AgentID, exitCode)
	}

	s.cancel()
}

// Stop requests orderly termination, force-killing after the grace window.
// Stopping a session that is not running returns true.
func (s *Session) Stop(grace time.Duration) bool {
	s.mu.Lock()
	if !s.running || s.cmd == nil || s.cmd.Process == nil {
		s.mu.Unlock()
		return true
	}
	s.stopRequested = true
	proc := s.cmd.Process
	s.mu.Unlock()

	log.Info(log.CatSession, "Stopping session", "agentID", s.cfg.AgentID)

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		log.Debug(log.CatSession, "SIGTERM failed", "agentID", s.cfg.AgentID, "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		log.Warn(log.CatSession, "Session did not terminate gracefully, killing", "agentID", s.cfg.AgentID)
		if err := proc.Kill(); err != nil {
			log.Debug(log.CatSession, "Kill failed", "agentID", s.cfg.AgentID, "error", err)
		}
		<-done
		return true
	}
}

// Wait blocks until the child has exited and returns its exit code.
func (s *Session) Wait() int {
	s.wg.Wait()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode
}
