package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archhq/arch/internal/config"
	"github.com/archhq/arch/internal/mcp"
	"github.com/archhq/arch/internal/orchestrator"
	"github.com/archhq/arch/internal/state"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	cfg := `project:
  name: widgets
  description: a widget factory
agent_pool:
  - id: backend
    persona: personas/backend.md
    max_instances: 2
settings:
  state_dir: ` + stateDir + `
`
	path := filepath.Join(dir, "arch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestInitWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arch.yaml")
	out, err := runCommand(t, "--config", path, "init")
	require.NoError(t, err)
	require.Contains(t, out, "Wrote "+path)

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(buf), "agent_pool:")

	_, err = runCommand(t, "--config", path, "init")
	require.Error(t, err)
}

func TestSendQueuesMessage(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCommand(t, "--config", cfgPath, "send", "focus", "on", "tests")
	require.NoError(t, err)
	require.Contains(t, out, "Queued message")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	store, err := state.New(cfg.Settings.StateDir)
	require.NoError(t, err)

	msgs, _ := store.GetMessages(mcp.ArchieID, 0, false)
	require.Len(t, msgs, 1)
	require.Equal(t, "user", msgs[0].From)
	require.Equal(t, "focus on tests", msgs[0].Content)
}

func TestStatusEmptyProject(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCommand(t, "--config", cfgPath, "status")
	require.NoError(t, err)
	require.Contains(t, out, "No agents registered.")
	require.Contains(t, out, "Total cost: $0.0000")
}

func TestDownWithoutPIDFile(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := runCommand(t, "--config", cfgPath, "down")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no running harness")
}

func TestAnswerUnknownDecision(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := runCommand(t, "--config", cfgPath, "answer", "nope", "yes")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown decision")
}

func TestAnswerWritesSignalFile(t *testing.T) {
	cfgPath := writeTestConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	store, err := state.New(cfg.Settings.StateDir)
	require.NoError(t, err)
	decision := store.AddDecision("ship it?", []string{"yes", "no"})

	out, err := runCommand(t, "--config", cfgPath, "answer", decision.ID, "yes")
	require.NoError(t, err)
	require.Contains(t, out, "Answer queued")

	buf, err := os.ReadFile(filepath.Join(cfg.Settings.StateDir, orchestrator.AnswersDir, decision.ID))
	require.NoError(t, err)
	require.Equal(t, "yes\n", string(buf))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "exactlyten", truncate("exactlyten", 10))
	require.Equal(t, "toolon...", truncate("toolongbyfar", 9))
}
