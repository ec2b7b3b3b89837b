package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/archhq/arch/internal/orchestrator"
	"github.com/archhq/arch/internal/state"
)

var answerCmd = &cobra.Command{
	Use:   "answer <decision-id> <answer>",
	Short: "Answer a pending escalation",
	Long:  `Answers a question escalated by Archie. The answer is dropped into the state directory where the running harness picks it up and unblocks the waiting escalate_to_user call.`,
	Args:  cobra.MinimumNArgs(2),
	RunE:  runAnswer,
}

func init() {
	rootCmd.AddCommand(answerCmd)
}

func runAnswer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	decisionID := args[0]
	answer := strings.TrimSpace(strings.Join(args[1:], " "))

	store, err := state.New(cfg.Settings.StateDir)
	if err != nil {
		return err
	}
	decision, ok := store.GetDecision(decisionID)
	if !ok {
		return fmt.Errorf("unknown decision: %s", decisionID)
	}
	if decision.Answered() {
		return fmt.Errorf("decision %s is already answered", decisionID)
	}

	dir := filepath.Join(cfg.Settings.StateDir, orchestrator.AnswersDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, decisionID), []byte(answer+"\n"), 0o600); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Answer queued for decision %s\n", decisionID)
	return nil
}
