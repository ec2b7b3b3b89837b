package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/archhq/arch/internal/mcp"
	"github.com/archhq/arch/internal/state"
)

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Queue a message from the operator to Archie",
	Long:  `Appends a message addressed to the lead agent. A running Archie picks it up on its next get_messages call, or is auto-resumed if idle.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	content := strings.TrimSpace(strings.Join(args, " "))
	if content == "" {
		return errors.New("message is empty")
	}

	store, err := state.New(cfg.Settings.StateDir)
	if err != nil {
		return err
	}
	msg := store.AddMessage("user", mcp.ArchieID, content)
	fmt.Fprintf(cmd.OutOrStdout(), "Queued message %d for %s\n", msg.ID, mcp.ArchieID)
	return nil
}
