package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/archhq/arch/internal/orchestrator"
	"github.com/archhq/arch/internal/tracing"
)

var (
	upKeepWorktrees bool
	upAutoApprove   bool
	upTraceExporter string
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the project and run until shutdown",
	RunE:  runUp,
}

func init() {
	upCmd.Flags().BoolVar(&upKeepWorktrees, "keep-worktrees", false,
		"preserve agent worktrees on shutdown")
	upCmd.Flags().BoolVarP(&upAutoApprove, "yes", "y", false,
		"skip the dangerous-permissions confirmation prompt")
	upCmd.Flags().StringVar(&upTraceExporter, "trace", "",
		"span exporter: file, stdout, or otlp (default: off)")
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Settings.StateDir, 0o750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	closeLog := initLogging(cfg.Settings.StateDir)
	defer closeLog()

	traceCfg := tracing.DefaultConfig()
	if upTraceExporter != "" {
		traceCfg.Enabled = true
		traceCfg.Exporter = upTraceExporter
		traceCfg.FilePath = filepath.Join(cfg.Settings.StateDir, "traces.jsonl")
	}
	tracer, err := tracing.NewProvider(traceCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = tracer.Shutdown(cmd.Context()) }()

	opts := []orchestrator.Option{}
	if upKeepWorktrees {
		opts = append(opts, orchestrator.WithKeepWorktrees())
	}
	if upAutoApprove {
		opts = append(opts, orchestrator.WithAutoApprove())
	}
	orch := orchestrator.New(cfg, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Startup(ctx); err != nil {
		return err
	}
	return orch.Run(ctx)
}
