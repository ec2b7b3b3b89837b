// Package cmd implements the arch command line: project lifecycle,
// operator messaging, and status inspection.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/archhq/arch/internal/config"
	"github.com/archhq/arch/internal/log"
)

var (
	version = "dev"
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:          "arch",
	Short:        "Multi-agent coding harness",
	Long:         `arch runs a lead agent (Archie) that plans a project and spawns worker agents in git worktrees, coordinated over a local MCP tool server.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "arch.yaml",
		"path to the project config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug logging")
}

// loadConfig reads the project config for commands that need one.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgFile, err)
	}
	return cfg, nil
}

// initLogging routes the structured log into the state directory and
// returns a closer. Commands that never start the harness skip this.
func initLogging(stateDir string) func() {
	closer, err := log.Init(filepath.Join(stateDir, "arch.log"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging disabled: %v\n", err)
		return func() {}
	}
	if debug || os.Getenv("ARCH_DEBUG") != "" {
		log.SetMinLevel(log.LevelDebug)
	}
	return closer
}

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
