package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/avery/foreman/internal/agents"
	"github.com/avery/foreman/internal/tasks"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Long: `Show a summary of the engine: task counts by status, agent roster,
open hiring requests, and total spend.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Daemon         string         `json:"daemon"`
	Tasks          map[string]int `json:"tasks"`
	AgentsActive   int            `json:"agents_active"`
	AgentsTotal    int            `json:"agents_total"`
	HiringRequests int            `json:"hiring_requests"`
	TotalSpend     float64        `json:"total_spend"`
	Executions     int            `json:"executions"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	report := statusReport{Daemon: "stopped", Tasks: make(map[string]int)}
	if running, _ := isDaemonRunning(); running {
		report.Daemon = "running"
	}

	taskList, err := rt.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range taskList {
		report.Tasks[string(t.Status)]++
	}

	agentList, err := rt.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	report.AgentsTotal = len(agentList)
	for _, a := range agentList {
		if a.Status == agents.StatusActive {
			report.AgentsActive++
		}
		spend, err := rt.led.AgentSpend(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("spend for %s: %w", a.ID, err)
		}
		report.TotalSpend += spend.TotalCost
		report.Executions += spend.Executions
	}

	hiring, err := rt.store.ListHiringRequests(ctx)
	if err != nil {
		return fmt.Errorf("list hiring requests: %w", err)
	}
	report.HiringRequests = len(hiring)

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("Daemon:  %s\n", report.Daemon)
	fmt.Printf("Agents:  %d active / %d total\n", report.AgentsActive, report.AgentsTotal)
	fmt.Printf("Spend:   %s across %d execution(s)\n", formatMoney(report.TotalSpend), report.Executions)

	fmt.Println("\nTasks:")
	order := []tasks.Status{
		tasks.StatusPending, tasks.StatusAssigned, tasks.StatusInProgress,
		tasks.StatusBlocked, tasks.StatusCompleted, tasks.StatusFailed,
	}
	for _, s := range order {
		if n := report.Tasks[string(s)]; n > 0 {
			fmt.Printf("  %-12s %d\n", s, n)
		}
	}
	if len(taskList) == 0 {
		fmt.Println("  none")
	}

	if len(hiring) > 0 {
		fmt.Println("\nOpen hiring requests:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  TASK\tSKILLS\tEXPERIENCE\tAGE")
		for _, h := range hiring {
			exp := h.Experience
			if exp == "" {
				exp = "-"
			}
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
				h.TaskID, strings.Join(h.Skills, ","), exp, formatAge(h.RequestedAt))
		}
		_ = w.Flush()
	}

	if report.Daemon == "stopped" && report.Tasks[string(tasks.StatusPending)] > 0 {
		fmt.Println("\nPending tasks are waiting; run 'foreman run' or start the daemon.")
	}
	return nil
}
