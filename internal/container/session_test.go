package container

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archhq/arch/internal/session"
)

func TestContainerName(t *testing.T) {
	require.Equal(t, "arch-backend-1", ContainerName("backend-1"))
}

func TestBuildCmd_Prompt(t *testing.T) {
	cfg := session.AgentConfig{AgentID: "backend-1", Model: "claude-sonnet-4-6"}
	cmd := buildCmd(cfg, "fix the tests", "")

	require.Equal(t, []string{
		"claude",
		"--model", "claude-sonnet-4-6",
		"--output-format", "stream-json",
		"--mcp-config", "/arch/mcp-config.json",
		"--print",
		"fix the tests",
	}, cmd)
}

func TestBuildCmd_Resume(t *testing.T) {
	cfg := session.AgentConfig{AgentID: "backend-1", Model: "claude-sonnet-4-6", SkipPermissions: true}
	cmd := buildCmd(cfg, "ignored", "sess-7")

	require.Contains(t, cmd, "--dangerously-skip-permissions")
	require.Contains(t, cmd, "--resume")
	require.Contains(t, cmd, "sess-7")
	require.NotContains(t, cmd, "ignored")
}

func TestBuildRunConfig(t *testing.T) {
	cfg := session.AgentConfig{
		AgentID:              "backend-1",
		Model:                "claude-sonnet-4-6",
		Worktree:             "/repo/.worktrees/backend-1",
		ContainerImage:       "arch-agent:latest",
		ContainerMemoryLimit: "2g",
		ContainerCPUs:        1.5,
		ContainerNetwork:     "bridge",
		ContainerExtraMounts: []string{"/data/fixtures:/fixtures"},
	}

	runCfg, err := buildRunConfig(cfg, "/state/backend-1-mcp.json", buildCmd(cfg, "work", ""))
	require.NoError(t, err)

	require.Equal(t, "arch-backend-1", runCfg.Name)
	require.Equal(t, "arch-agent:latest", runCfg.Image)
	require.Equal(t, "/workspace", runCfg.WorkingDir)
	require.Equal(t, "bridge", runCfg.NetworkMode)
	require.Equal(t, "2g", runCfg.MemoryLimit)
	require.InDelta(t, 1.5, runCfg.CPUs, 0.001)

	require.Len(t, runCfg.Mounts, 3)
	require.Equal(t, MountConfig{Source: "/repo/.worktrees/backend-1", Target: "/workspace"}, runCfg.Mounts[0])
	require.Equal(t, MountConfig{Source: "/state/backend-1-mcp.json", Target: "/arch/mcp-config.json", ReadOnly: true}, runCfg.Mounts[1])
	require.Equal(t, MountConfig{Source: "/data/fixtures", Target: "/fixtures", ReadOnly: true}, runCfg.Mounts[2])
}

func TestBuildRunConfig_BadExtraMount(t *testing.T) {
	cfg := session.AgentConfig{
		AgentID:              "backend-1",
		Worktree:             "/repo/.worktrees/backend-1",
		ContainerImage:       "arch-agent:latest",
		ContainerExtraMounts: []string{"no-separator"},
	}

	_, err := buildRunConfig(cfg, "/state/backend-1-mcp.json", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no-separator")
}

func TestBuildRunConfig_APIKeyPassthrough(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg := session.AgentConfig{
		AgentID:        "backend-1",
		Worktree:       "/repo/.worktrees/backend-1",
		ContainerImage: "arch-agent:latest",
	}
	runCfg, err := buildRunConfig(cfg, "/state/backend-1-mcp.json", nil)
	require.NoError(t, err)
	require.Contains(t, runCfg.Env, "ANTHROPIC_API_KEY=sk-test")
}
