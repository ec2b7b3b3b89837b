// Package config provides configuration types, defaults, and loading for arch.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/archhq/arch/internal/log"
)

// Defaults applied when arch.yaml omits a field.
const (
	DefaultMCPPort             = 3999
	DefaultStateDir            = "./state"
	DefaultMaxConcurrentAgents = 5
	DefaultArchieModel         = "claude-opus-4-5"
	DefaultAgentModel          = "claude-sonnet-4-6"
	DefaultContainerImage      = "arch-agent:latest"
	DefaultArchiePersona       = "personas/archie.md"
	DefaultShutdownTimeoutSecs = 30
	DefaultGitHubBranch        = "main"
	DefaultLabelColor          = "000000"
	DefaultNetworkMode         = "bridge"
)

// ProjectConfig describes the project being worked on.
type ProjectConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Repo        string `mapstructure:"repo"` // path to the git repository, default "."
}

// ArchieConfig configures the lead agent.
type ArchieConfig struct {
	Persona string `mapstructure:"persona"`
	Model   string `mapstructure:"model"`
}

// SandboxConfig configures container isolation for a pool entry.
type SandboxConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Image       string   `mapstructure:"image"`
	ExtraMounts []string `mapstructure:"extra_mounts"` // host:container pairs, mounted read-only
	Network     string   `mapstructure:"network"`
	MemoryLimit string   `mapstructure:"memory_limit"` // e.g. "2g"
	CPUs        float64  `mapstructure:"cpus"`
}

// PermissionsConfig configures permission handling for a pool entry.
type PermissionsConfig struct {
	SkipPermissions bool `mapstructure:"skip_permissions"`
}

// PoolEntry is a reusable agent template Archie can spawn instances of.
type PoolEntry struct {
	ID           string            `mapstructure:"id"`
	Persona      string            `mapstructure:"persona"`
	Model        string            `mapstructure:"model"`
	MaxInstances int               `mapstructure:"max_instances"`
	Sandbox      SandboxConfig     `mapstructure:"sandbox"`
	Permissions  PermissionsConfig `mapstructure:"permissions"`
}

// LabelConfig is one GitHub label to ensure exists.
type LabelConfig struct {
	Name  string `mapstructure:"name"`
	Color string `mapstructure:"color"`
}

// GitHubConfig configures the optional issue tracker integration.
type GitHubConfig struct {
	Repo          string        `mapstructure:"repo"` // owner/name
	DefaultBranch string        `mapstructure:"default_branch"`
	Labels        []LabelConfig `mapstructure:"labels"`
	IssueTemplate string        `mapstructure:"issue_template"`
}

// Settings holds harness-wide knobs.
type Settings struct {
	MaxConcurrentAgents int     `mapstructure:"max_concurrent_agents"`
	StateDir            string  `mapstructure:"state_dir"`
	MCPPort             int     `mapstructure:"mcp_port"`
	TokenBudgetUSD      float64 `mapstructure:"token_budget_usd"`
	AutoMerge           bool    `mapstructure:"auto_merge"`
	RequireUserApproval bool    `mapstructure:"require_user_approval"`
	ShutdownTimeoutSecs int     `mapstructure:"shutdown_timeout_secs"`
	KeepWorktrees       bool    `mapstructure:"keep_worktrees"`
	PricingFile         string  `mapstructure:"pricing_file"`
}

// Config is the parsed arch.yaml.
type Config struct {
	Project   ProjectConfig `mapstructure:"project"`
	Archie    ArchieConfig  `mapstructure:"archie"`
	AgentPool []PoolEntry   `mapstructure:"agent_pool"`
	GitHub    *GitHubConfig `mapstructure:"github"`
	Settings  Settings      `mapstructure:"settings"`
}

// Load reads and validates an arch.yaml.
func Load(path string) (*Config, error) {
	log.Debug(log.CatConfig, "Loading config", "path", path)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info(log.CatConfig, "Loaded config",
		"project", cfg.Project.Name,
		"poolEntries", len(cfg.AgentPool),
		"github", cfg.GitHub != nil)
	return &cfg, nil
}

// applyDefaults fills in zero-valued fields.
func (c *Config) applyDefaults() {
	if c.Project.Repo == "" {
		c.Project.Repo = "."
	}
	if c.Archie.Persona == "" {
		c.Archie.Persona = DefaultArchiePersona
	}
	if c.Archie.Model == "" {
		c.Archie.Model = DefaultArchieModel
	}

	for i := range c.AgentPool {
		entry := &c.AgentPool[i]
		if entry.Model == "" {
			entry.Model = DefaultAgentModel
		}
		if entry.MaxInstances <= 0 {
			entry.MaxInstances = 1
		}
		if entry.Sandbox.Image == "" {
			entry.Sandbox.Image = DefaultContainerImage
		}
		if entry.Sandbox.Network == "" {
			entry.Sandbox.Network = DefaultNetworkMode
		}
	}

	if c.GitHub != nil {
		if c.GitHub.DefaultBranch == "" {
			c.GitHub.DefaultBranch = DefaultGitHubBranch
		}
		for i := range c.GitHub.Labels {
			if c.GitHub.Labels[i].Color == "" {
				c.GitHub.Labels[i].Color = DefaultLabelColor
			}
		}
	}

	if c.Settings.MaxConcurrentAgents <= 0 {
		c.Settings.MaxConcurrentAgents = DefaultMaxConcurrentAgents
	}
	if c.Settings.StateDir == "" {
		c.Settings.StateDir = DefaultStateDir
	}
	if c.Settings.MCPPort == 0 {
		c.Settings.MCPPort = DefaultMCPPort
	}
	if c.Settings.ShutdownTimeoutSecs <= 0 {
		c.Settings.ShutdownTimeoutSecs = DefaultShutdownTimeoutSecs
	}
}

// Validate checks required fields. The zero values filled by applyDefaults
// are assumed present.
func (c *Config) Validate() error {
	if c.Project.Name == "" {
		return fmt.Errorf("config: project.name is required")
	}

	seen := make(map[string]bool, len(c.AgentPool))
	for i, entry := range c.AgentPool {
		if entry.ID == "" {
			return fmt.Errorf("config: agent_pool[%d]: id is required", i)
		}
		if entry.Persona == "" {
			return fmt.Errorf("config: agent_pool[%d] (%s): persona is required", i, entry.ID)
		}
		if seen[entry.ID] {
			return fmt.Errorf("config: agent_pool[%d]: duplicate id %q", i, entry.ID)
		}
		seen[entry.ID] = true
	}

	if c.GitHub != nil && c.GitHub.Repo == "" {
		return fmt.Errorf("config: github.repo is required when the github section is present")
	}

	return nil
}

// PoolEntry looks up a pool entry by role id.
func (c *Config) PoolEntry(role string) (PoolEntry, bool) {
	for _, entry := range c.AgentPool {
		if entry.ID == role {
			return entry, true
		}
	}
	return PoolEntry{}, false
}

// AnySkipPermissions reports whether any pool entry declares skip_permissions.
func (c *Config) AnySkipPermissions() bool {
	for _, entry := range c.AgentPool {
		if entry.Permissions.SkipPermissions {
			return true
		}
	}
	return false
}

// AnySandboxed reports whether any pool entry requires container isolation.
func (c *Config) AnySandboxed() bool {
	for _, entry := range c.AgentPool {
		if entry.Sandbox.Enabled {
			return true
		}
	}
	return false
}

// SandboxImages returns the distinct container images the pool requires.
func (c *Config) SandboxImages() []string {
	seen := make(map[string]bool)
	var images []string
	for _, entry := range c.AgentPool {
		if entry.Sandbox.Enabled && !seen[entry.Sandbox.Image] {
			seen[entry.Sandbox.Image] = true
			images = append(images, entry.Sandbox.Image)
		}
	}
	return images
}

// DefaultConfigTemplate returns a starter arch.yaml with comments.
func DefaultConfigTemplate() string {
	return `# ARCH Configuration

project:
  name: my-project
  description: What this project is about
  # repo: .  # path to the git repository (default: current directory)

# Lead agent settings
archie:
  persona: personas/archie.md
  model: claude-opus-4-5

# Worker agent templates Archie can spawn from
agent_pool:
  - id: backend
    persona: personas/backend.md
    model: claude-sonnet-4-6
    max_instances: 2
    # permissions:
    #   skip_permissions: true   # requires interactive approval at startup
    # sandbox:
    #   enabled: true
    #   image: arch-agent:latest
    #   network: bridge
    #   memory_limit: 2g
    #   cpus: 1.5
    #   extra_mounts:
    #     - /host/path:/container/path

# Optional GitHub integration (requires the gh CLI, authenticated)
# github:
#   repo: owner/name
#   default_branch: main
#   labels:
#     - name: arch-managed
#       color: "5319E7"

settings:
  max_concurrent_agents: 5
  state_dir: ./state
  mcp_port: 3999
  # token_budget_usd: 50.0
  # keep_worktrees: false
  # pricing_file: pricing.yaml
`
}

// WriteDefaultConfig creates a starter arch.yaml at the given path.
// Fails if the file already exists.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
