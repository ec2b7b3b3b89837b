package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/archhq/arch/internal/mcp"
	"github.com/archhq/arch/internal/state"
	"github.com/archhq/arch/internal/usage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print project, agent, and cost state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := state.New(cfg.Settings.StateDir)
	if err != nil {
		return err
	}
	tracker := usage.NewTracker(cfg.Settings.StateDir)
	out := cmd.OutOrStdout()

	project := store.GetProject()
	fmt.Fprintf(out, "Project: %s\n", project.Name)
	if project.Description != "" {
		fmt.Fprintf(out, "  %s\n", project.Description)
	}
	fmt.Fprintln(out)

	agents := store.ListAgents()
	if len(agents) == 0 {
		fmt.Fprintln(out, "No agents registered.")
	} else {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tROLE\tSTATUS\tTASK\tTOKENS\tCOST")
		for _, agent := range agents {
			tokens := agent.Usage.InputTokens + agent.Usage.OutputTokens
			cost := agent.Usage.CostUSD
			if snap, ok := tracker.Get(agent.ID); ok {
				tokens = snap.InputTokens + snap.OutputTokens
				cost = snap.CostUSD
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t$%.4f\n",
				agent.ID, agent.Role, agent.Status, truncate(agent.Task, 40), tokens, cost)
		}
		_ = w.Flush()
	}
	fmt.Fprintln(out)

	if store.HasUnreadFor(mcp.ArchieID) {
		fmt.Fprintln(out, "Archie has undelivered messages.")
		fmt.Fprintln(out)
	}

	if pending := store.PendingDecisions(); len(pending) > 0 {
		fmt.Fprintln(out, "Pending decisions:")
		for _, d := range pending {
			fmt.Fprintf(out, "  %s  %s\n", d.ID, truncate(d.Question, 60))
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintf(out, "Total cost: $%.4f\n", tracker.TotalCost())
	if budget := cfg.Settings.TokenBudgetUSD; budget > 0 {
		fmt.Fprintf(out, "Budget:     %.1f%% of $%.2f used\n", tracker.TotalCost()/budget*100, budget)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
