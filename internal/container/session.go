package container

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/archhq/arch/internal/log"
	"github.com/archhq/arch/internal/session"
	"github.com/archhq/arch/internal/state"
	"github.com/archhq/arch/internal/usage"
)

// Paths inside the agent container. The worktree is bind-mounted at the
// workspace root and the MCP config at a fixed location the claude CLI is
// pointed at.
const (
	workspaceDir  = "/workspace"
	mcpConfigPath = "/arch/mcp-config.json"
)

// Session supervises one claude CLI run inside a Docker container. It
// satisfies the same Supervisor contract as the local subprocess variant:
// stream-json parsing, session id capture, crash messaging.
type Session struct {
	client   *Client
	cfg      session.AgentConfig
	store    *state.Store
	tracker  *usage.Tracker
	stateDir string
	mcpPort  int
	onOutput session.OutputFunc
	onExit   session.ExitFunc

	mu            sync.RWMutex
	containerID   string
	cancel        context.CancelFunc
	running       bool
	stopRequested bool
	sessionID     string
	exitCode      int
	wg            sync.WaitGroup
}

var _ session.Supervisor = (*Session)(nil)

// NewSession creates an unspawned containerized session supervisor.
func NewSession(client *Client, cfg session.AgentConfig, store *state.Store, tracker *usage.Tracker, stateDir string, mcpPort int, onOutput session.OutputFunc, onExit session.ExitFunc) *Session {
	return &Session{
		client:   client,
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

// IsRunning reports whether the container is currently running.
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

// PID returns 0. Container sessions are identified by container name, not
// a host pid.
func (s *Session) PID() int { return 0 }

// ContainerID returns the running container's id, or "".
func (s *Session) ContainerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containerID
}

// buildCmd constructs the claude invocation executed inside the container.
// The MCP config path is the fixed in-container mount point.
func buildCmd(cfg session.AgentConfig, prompt, resumeSessionID string) []string {
	cmd := []string{
		"claude",
		"--model", cfg.Model,
		"--output-format", "stream-json",
		"--mcp-config", mcpConfigPath,
		"--print",
	}

	if cfg.SkipPermissions {
		cmd = append(cmd, "--dangerously-skip-permissions")
	}

	if resumeSessionID != "" {
		cmd = append(cmd, "--resume", resumeSessionID)
	} else {
		cmd = append(cmd, prompt)
	}

	return cmd
}

// buildRunConfig assembles the container definition for one agent spawn.
func buildRunConfig(cfg session.AgentConfig, mcpHostPath string, cmd []string) (RunConfig, error) {
	mounts := []MountConfig{
		{Source: cfg.Worktree, Target: workspaceDir},
		{Source: mcpHostPath, Target: mcpConfigPath, ReadOnly: true},
	}
	for _, extra := range cfg.ContainerExtraMounts {
		src, dst, ok := strings.Cut(extra, ":")
		if !ok {
			return RunConfig{}, fmt.Errorf("invalid extra mount %q, want source:target", extra)
		}
		mounts = append(mounts, MountConfig{Source: src, Target: dst, ReadOnly: true})
	}

	var env []string
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		env = append(env, "ANTHROPIC_API_KEY="+key)
	}

	return RunConfig{
		Name:        ContainerName(cfg.AgentID),
		Image:       cfg.ContainerImage,
		Cmd:         cmd,
		Env:         env,
		WorkingDir:  workspaceDir,
		Mounts:      mounts,
		NetworkMode: cfg.ContainerNetwork,
		MemoryLimit: cfg.ContainerMemoryLimit,
		CPUs:        cfg.ContainerCPUs,
	}, nil
}

// Spawn creates and starts the agent container. Returns false if the
// session is already running or any step fails; a container created but
// not started is removed.
func (s *Session) Spawn(ctx context.Context, prompt, resumeSessionID string) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Warn(log.CatContainer, "Container session already running", "agentID", s.cfg.AgentID)
		return false
	}
	s.mu.Unlock()

	mcpHostPath, err := session.WriteMCPConfig(s.cfg.AgentID, s.mcpPort, s.stateDir, true)
	if err != nil {
		log.ErrorErr(log.CatContainer, "Failed to write MCP config", err, "agentID", s.cfg.AgentID)
		return false
	}

	if s.cfg.SkipPermissions {
		session.LogPermissionsAudit(s.stateDir, s.cfg.AgentID, s.cfg.Role)
	}

	runCfg, err := buildRunConfig(s.cfg, mcpHostPath, buildCmd(s.cfg, prompt, resumeSessionID))
	if err != nil {
		log.ErrorErr(log.CatContainer, "Bad container config", err, "agentID", s.cfg.AgentID)
		return false
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	containerID, err := s.client.Create(procCtx, runCfg)
	if err != nil {
		cancel()
		log.ErrorErr(log.CatContainer, "Failed to create container", err, "agentID", s.cfg.AgentID)
		return false
	}

	if err := s.client.Start(procCtx, containerID); err != nil {
		if rmErr := s.client.Remove(context.Background(), containerID, true); rmErr != nil {
			log.Warn(log.CatContainer, "Failed to remove unstarted container", "agentID", s.cfg.AgentID, "error", rmErr)
		}
		cancel()
		log.ErrorErr(log.CatContainer, "Failed to start container", err, "agentID", s.cfg.AgentID)
		return false
	}

	logs, err := s.client.Logs(procCtx, containerID)
	if err != nil {
		log.ErrorErr(log.CatContainer, "Failed to attach to container logs", err, "agentID", s.cfg.AgentID)
	}

	s.mu.Lock()
	s.containerID = containerID
	s.cancel = cancel
	s.running = true
	s.stopRequested = false
	s.mu.Unlock()

	s.tracker.Register(s.cfg.AgentID, s.cfg.Model)

	working := state.StatusWorking
	name := runCfg.Name
	if _, err := s.store.UpdateAgent(s.cfg.AgentID, state.AgentPatch{Status: &working, ContainerName: &name}); err != nil {
		log.ErrorErr(log.CatContainer, "Failed to mark agent working", err, "agentID", s.cfg.AgentID)
	}

	var readers sync.WaitGroup
	if logs != nil {
		stdoutR, stdoutW := io.Pipe()
		stderrR, stderrW := io.Pipe()

		readers.Add(2)
		s.wg.Add(3)
		go func() {
			defer s.wg.Done()
			defer stdoutW.Close() //nolint:errcheck
			defer stderrW.Close() //nolint:errcheck
			if _, err := stdcopy.StdCopy(stdoutW, stderrW, logs); err != nil && procCtx.Err() == nil {
				log.Debug(log.CatContainer, "Log demux ended", "agentID", s.cfg.AgentID, "error", err)
			}
		}()
		go func() {
			defer s.wg.Done()
			defer readers.Done()
			s.parseOutput(bufio.NewScanner(stdoutR))
		}()
		go func() {
			defer s.wg.Done()
			defer readers.Done()
			s.parseStderr(bufio.NewScanner(stderrR))
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.waitForCompletion(procCtx, containerID, logs, &readers)
	}()

	log.Info(log.CatContainer, "Container session spawned",
		"agentID", s.cfg.AgentID, "container", runCfg.Name, "image", runCfg.Image)
	return true
}

// parseOutput mirrors the local supervisor: usage events feed the tracker,
// result events persist the resumable session id, every parsed event goes
// to the output callback.
func (s *Session) parseOutput(scanner *bufio.Scanner) {
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		ev, ok := session.ParseEvent(line)
		if !ok {
			log.Debug(log.CatContainer, "Discarding non-JSON output line", "agentID", s.cfg.AgentID)
			continue
		}

		switch ev.Type {
		case session.EventUsage:
			s.tracker.Add(s.cfg.AgentID, ev.Event)

		case session.EventResult:
			if ev.SessionID != "" {
				s.mu.Lock()
				s.sessionID = ev.SessionID
				s.mu.Unlock()
				sid := ev.SessionID
				if _, err := s.store.UpdateAgent(s.cfg.AgentID, state.AgentPatch{SessionID: &sid}); err != nil {
					log.ErrorErr(log.CatContainer, "Failed to persist session id", err, "agentID", s.cfg.AgentID)
				}
			}
		}

		if s.onOutput != nil {
			s.onOutput(s.cfg.AgentID, ev)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Warn(log.CatContainer, "Stdout scanner error", "agentID", s.cfg.AgentID, "error", err)
	}
}

func (s *Session) parseStderr(scanner *bufio.Scanner) {
	for scanner.Scan() {
		log.Debug(log.CatContainer, "STDERR", "agentID", s.cfg.AgentID, "line", scanner.Text())
	}
}

// waitForCompletion blocks on container exit, drains the log readers, then
// applies the shared exit handling and removes the container.
func (s *Session) waitForCompletion(ctx context.Context, containerID string, logs io.ReadCloser, readers *sync.WaitGroup) {
	code, err := s.client.Wait(ctx, containerID)
	if err != nil {
		log.ErrorErr(log.CatContainer, "Container wait failed", err, "agentID", s.cfg.AgentID)
		code = -1
	}

	// The log stream closes once the container exits; unblock the demuxer
	// if it has not noticed yet.
	if logs != nil {
		logs.Close() //nolint:errcheck
	}
	readers.Wait()

	exitCode := int(code)

	s.mu.Lock()
	s.running = false
	s.exitCode = exitCode
	stopped := s.stopRequested
	sessionID := s.sessionID
	s.mu.Unlock()

	log.Info(log.CatContainer, "Container session exited", "agentID", s.cfg.AgentID, "exitCode", exitCode)

	if sessionID != "" {
		if _, err := s.store.UpdateAgent(s.cfg.AgentID, state.AgentPatch{SessionID: &sessionID}); err != nil {
			log.ErrorErr(log.CatContainer, "Failed to persist session id", err, "agentID", s.cfg.AgentID)
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
		log.ErrorErr(log.CatContainer, "Failed to update agent status on exit", err, "agentID", s.cfg.AgentID)
	}

	if err := s.client.Remove(context.Background(), containerID, false); err != nil {
		log.Warn(log.CatContainer, "Failed to remove exited container", "agentID", s.cfg.AgentID, "error", err)
	}

	if s.onExit != nil {
		s.onExit(s.cfg.AgentID, exitCode)
	}

	s.cancel()
}

// Stop requests orderly termination via docker stop, which escalates to
// SIGKILL after the grace window. Stopping a session that is not running
// returns true.
func (s *Session) Stop(grace time.Duration) bool {
	s.mu.Lock()
	if !s.running || s.containerID == "" {
		s.mu.Unlock()
		return true
	}
	s.stopRequested = true
	containerID := s.containerID
	s.mu.Unlock()

	log.Info(log.CatContainer, "Stopping container session", "agentID", s.cfg.AgentID)

	ctx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()
	if err := s.client.Stop(ctx, containerID, grace); err != nil {
		log.Warn(log.CatContainer, "Container stop failed, forcing removal", "agentID", s.cfg.AgentID, "error", err)
		if rmErr := s.client.Remove(context.Background(), containerID, true); rmErr != nil {
			log.Warn(log.CatContainer, "Forced removal failed", "agentID", s.cfg.AgentID, "error", rmErr)
		}
	}

	s.wg.Wait()
	return true
}

// Wait blocks until the container has exited and returns its exit code.
func (s *Session) Wait() int {
	s.wg.Wait()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode
}
