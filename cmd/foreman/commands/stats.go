package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/avery/foreman/internal/stats"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate statistics",
	Long: `Show aggregate statistics across all recorded work: task outcomes,
assignment quality, spend by agent and model, and skill demand from
open tasks.

Use --json for scripting.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := stats.New(rt.store, rt.led).Compute(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Println("=== Tasks ===")
	fmt.Printf("Total:        %d\n", result.TotalTasks)
	for status, n := range result.TasksByStatus {
		fmt.Printf("  %-12s%d\n", status, n)
	}
	if result.SuccessRate > 0 {
		fmt.Printf("Success rate: %.1f%%\n", result.SuccessRate)
	}
	if result.AvgCostPerTask > 0 {
		fmt.Printf("Avg cost:     %s per completed task\n", formatMoney(result.AvgCostPerTask))
	}
	if result.FirstTaskAt != nil {
		fmt.Printf("Since:        %s\n", result.FirstTaskAt.Format(time.RFC3339))
	}

	fmt.Println("\n=== Assignments ===")
	fmt.Printf("Total:        %d (%d reassigned)\n", result.Assignments, result.Reassignments)
	if result.AvgQuality > 0 {
		fmt.Printf("Avg quality:  %.1f\n", result.AvgQuality)
	}

	fmt.Println("\n=== Spend ===")
	fmt.Printf("Total:        %s across %d execution(s)\n", formatMoney(result.TotalSpend), result.Executions)
	fmt.Printf("Tokens:       %d in / %d out\n", result.InputTokens, result.OutputTokens)

	if len(result.Agents) > 0 {
		fmt.Println("\n=== Agents ===")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "NAME\tSTATUS\tDONE\tFAILED\tQUALITY\tSPEND")
		for _, a := range result.Agents {
			quality := "-"
			if a.Completed > 0 {
				quality = fmt.Sprintf("%.0f", a.AvgQuality)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				a.Name, a.Status, a.Completed, a.Failed, quality, formatMoney(a.Spend))
		}
		_ = w.Flush()
	}

	if len(result.Models) > 0 {
		fmt.Println("\n=== Models ===")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "NAME\tTIER\tEXECUTIONS\tSPEND")
		for _, m := range result.Models {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", m.Name, m.Tier, m.Executions, formatMoney(m.Spend))
		}
		_ = w.Flush()
	}

	if len(result.SkillDemand) > 0 {
		fmt.Println("\n=== Skill demand ===")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SKILL\tOPEN TASKS\tUNSERVED")
		for _, sd := range result.SkillDemand {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\n", sd.Skill, sd.OpenTasks, sd.Unserved)
		}
		_ = w.Flush()
	}

	return nil
}
