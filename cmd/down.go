package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/archhq/arch/internal/orchestrator"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Signal a running harness to shut down",
	RunE:  runDown,
}

func init() {
	rootCmd.AddCommand(downCmd)
}

func runDown(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidPath := filepath.Join(cfg.Settings.StateDir, orchestrator.PIDFile)
	buf, err := os.ReadFile(pidPath) //nolint:gosec // G304: path under configured state dir
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no running harness: %s not found", pidPath)
		}
		return err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(buf)))
	if err != nil {
		return fmt.Errorf("corrupt pid file %s: %w", pidPath, err)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to pid %d\n", pid)
	return nil
}
