package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/avery/foreman/internal/logging"
	"github.com/avery/foreman/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one scheduling pass",
	Long: `Run a single scheduling pass: reconcile leftover assignments, assign
every eligible task to the best-scoring agent, and execute each
assignment as a consensus round. Dependents unlocked by completions
are followed within the same pass.

Requires ANTHROPIC_API_KEY (or executor credentials in the config).`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Bool("json", false, "Output the pass summary as JSON")
	runCmd.Flags().Duration("timeout", 30*time.Minute, "Pass timeout")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := logging.Init(rt.cfg.LogOptions()); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	res, err := rt.resolver()
	if err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	if asJSON {
		sched = rt.scheduler(res)
	} else {
		sched = rt.scheduler(res, scheduler.WithEventHandler(printEvent))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\ninterrupt received, stopping...")
		cancel()
	}()

	summary, err := sched.ProcessEligible(ctx)
	if err != nil {
		return fmt.Errorf("pass aborted: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	fmt.Println()
	printSummary(summary)
	return nil
}

// printEvent renders scheduler events as they happen.
func printEvent(ev scheduler.Event) {
	switch ev.Type {
	case scheduler.EventTaskAssigned:
		fmt.Printf("assigned   %s -> %s\n", ev.TaskID, ev.Message)
	case scheduler.EventTaskCompleted:
		fmt.Printf("completed  %s (quality %.0f, %s)\n", ev.TaskID, ev.Quality, formatMoney(ev.Cost))
	case scheduler.EventTaskBlocked:
		fmt.Printf("blocked    %s: %s\n", ev.TaskID, ev.Message)
	case scheduler.EventTaskFailed:
		fmt.Printf("failed     %s: %s\n", ev.TaskID, ev.Message)
	case scheduler.EventHiringRequested:
		fmt.Printf("hiring     %s: %s\n", ev.TaskID, ev.Message)
	case scheduler.EventAdminTicketRequested:
		fmt.Printf("admin      %s: %s\n", ev.TaskID, ev.Message)
	case scheduler.EventReplaceAgentRecommended:
		fmt.Printf("replace    agent %s: %s\n", ev.AgentID, ev.Message)
	}
}

func printSummary(s scheduler.PassSummary) {
	fmt.Printf("Pass complete in %s\n", s.Duration.Round(time.Millisecond))
	fmt.Printf("  assigned:  %d\n", s.Assigned)
	fmt.Printf("  completed: %d\n", s.Completed)
	if s.Blocked > 0 {
		fmt.Printf("  blocked:   %d\n", s.Blocked)
	}
	if s.Failed > 0 {
		fmt.Printf("  failed:    %d\n", s.Failed)
	}
	if s.HiringRequests > 0 {
		fmt.Printf("  hiring:    %d\n", s.HiringRequests)
	}
	if s.Skipped > 0 {
		fmt.Printf("  skipped:   %d\n", s.Skipped)
	}
}
