package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/archhq/arch/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter arch.yaml",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, _ []string) error {
	if err := config.WriteDefaultConfig(cfgFile); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s. Edit the project section and run `arch up`.\n", cfgFile)
	return nil
}
