package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/avery/foreman/internal/tasks"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
	Long:  `Submit tasks, inspect them, and manage dependencies and blockers.`,
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <title>",
	Short: "Submit a new task",
	Long: `Submit a task to the graph. The task starts pending and becomes
eligible once its dependencies complete and it carries no blockers.

Skills are matched case-insensitively against agent capability profiles.
A deadline can be a duration from now (48h), RFC3339, or YYYY-MM-DD.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskSubmit,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Long: `List tasks in the graph.

Use --status to filter (pending, assigned, in_progress, blocked,
completed, failed). Use --json for scripting.`,
	RunE: runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show task details",
	Long:  `Show a task's full record, its blockers, assignment history, and spend.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskDependCmd = &cobra.Command{
	Use:   "depend <task-id> <depends-on-id>",
	Short: "Add a dependency edge",
	Long:  `Make one task depend on another. Edges that would close a cycle are rejected.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskDepend,
}

var taskBlockCmd = &cobra.Command{
	Use:   "block <task-id>",
	Short: "Add a blocker to a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskBlock,
}

var taskUnblockCmd = &cobra.Command{
	Use:   "unblock <task-id> <blocker-id>",
	Short: "Resolve a blocker",
	Long: `Resolve a blocker by id. When the last blocker clears, a blocked task
returns to pending and becomes schedulable again.`,
	Args: cobra.ExactArgs(2),
	RunE: runTaskUnblock,
}

func init() {
	taskSubmitCmd.Flags().StringP("description", "d", "", "Task description (sent to the agent)")
	taskSubmitCmd.Flags().StringSliceP("skill", "s", nil, "Required skill (repeatable)")
	taskSubmitCmd.Flags().StringP("priority", "p", "medium", "Priority (low, medium, high, urgent)")
	taskSubmitCmd.Flags().StringSlice("depends-on", nil, "Task id this task depends on (repeatable)")
	taskSubmitCmd.Flags().String("deadline", "", "Deadline (duration, RFC3339, or YYYY-MM-DD)")
	taskSubmitCmd.Flags().Float64("estimate", 0, "Estimated cost in dollars")
	taskSubmitCmd.Flags().String("ticket", "", "Originating ticket reference")

	taskListCmd.Flags().String("status", "", "Filter by status")
	taskListCmd.Flags().Bool("json", false, "Output as JSON")

	taskShowCmd.Flags().Bool("json", false, "Output as JSON")

	taskBlockCmd.Flags().String("kind", "external", "Blocker kind (external, infrastructure)")
	taskBlockCmd.Flags().String("reason", "", "What is blocking the task")
	_ = taskBlockCmd.MarkFlagRequired("reason")

	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskDependCmd)
	taskCmd.AddCommand(taskBlockCmd)
	taskCmd.AddCommand(taskUnblockCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	description, _ := cmd.Flags().GetString("description")
	skills, _ := cmd.Flags().GetStringSlice("skill")
	priority, _ := cmd.Flags().GetString("priority")
	deps, _ := cmd.Flags().GetStringSlice("depends-on")
	deadlineStr, _ := cmd.Flags().GetString("deadline")
	estimate, _ := cmd.Flags().GetFloat64("estimate")
	ticket, _ := cmd.Flags().GetString("ticket")

	deadline, err := parseDeadline(deadlineStr)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	t := &tasks.Task{
		Title:          args[0],
		Description:    description,
		TicketID:       ticket,
		Priority:       tasks.Priority(strings.ToLower(priority)),
		RequiredSkills: skills,
		Dependencies:   deps,
		EstimatedCost:  estimate,
		Deadline:       deadline,
	}

	id, err := rt.graph.Submit(ctx, t)
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}

	fmt.Printf("Submitted: %s\n", id)
	if len(deps) > 0 {
		fmt.Printf("Waiting on %d dependenc(ies)\n", len(deps))
	}
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	statusFilter, _ := cmd.Flags().GetString("status")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var list []*tasks.Task
	if statusFilter != "" {
		status := tasks.Status(strings.ToLower(statusFilter))
		if !status.Valid() {
			return fmt.Errorf("unknown status: %s (valid: pending, assigned, in_progress, blocked, completed, failed)", statusFilter)
		}
		list, err = rt.store.TasksByStatus(ctx, status)
	} else {
		list, err = rt.store.ListTasks(ctx)
	}
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPRIORITY\tSKILLS\tDEPS\tCOST\tAGE")
	for _, t := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID,
			truncate(t.Title, 32),
			t.Status,
			t.Priority,
			truncate(strings.Join(t.RequiredSkills, ","), 24),
			len(t.Dependencies),
			formatMoney(t.ActualCost),
			formatAge(t.CreatedAt),
		)
	}
	_ = w.Flush()
	fmt.Printf("\n%d task(s)\n", len(list))
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	t, err := rt.store.TaskByID(ctx, args[0])
	if err != nil {
		return fmt.Errorf("task %s: %w", args[0], err)
	}

	history, err := rt.store.AssignmentsByTask(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("assignments for %s: %w", t.ID, err)
	}
	spend, err := rt.led.TaskSpend(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("spend for %s: %w", t.ID, err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Task        *tasks.Task         `json:"task"`
			Assignments []*tasks.Assignment `json:"assignments,omitempty"`
		}{t, history})
	}

	fmt.Printf("Task:     %s\n", t.ID)
	fmt.Printf("Title:    %s\n", t.Title)
	if t.Description != "" {
		fmt.Printf("Desc:     %s\n", t.Description)
	}
	if t.TicketID != "" {
		fmt.Printf("Ticket:   %s\n", t.TicketID)
	}
	fmt.Printf("Status:   %s\n", t.Status)
	if t.FailureReason != "" {
		fmt.Printf("Failure:  %s\n", t.FailureReason)
	}
	fmt.Printf("Priority: %s\n", t.Priority)
	if len(t.RequiredSkills) > 0 {
		fmt.Printf("Skills:   %s\n", strings.Join(t.RequiredSkills, ", "))
	}
	if len(t.Dependencies) > 0 {
		fmt.Printf("Deps:     %s\n", strings.Join(t.Dependencies, ", "))
	}
	if t.Deadline != nil {
		fmt.Printf("Deadline: %s\n", t.Deadline.Format(time.RFC3339))
	}
	fmt.Printf("Spend:    %s (%d execution(s), %d tokens in / %d out)\n",
		formatMoney(spend.TotalCost), spend.Executions, spend.InputTokens, spend.OutputTokens)

	if len(t.Blockers) > 0 {
		fmt.Println("\nBlockers:")
		for _, b := range t.Blockers {
			fmt.Printf("  %s  [%s] %s (%s)\n", b.ID, b.Kind, b.Description, formatAge(b.CreatedAt))
		}
	}

	if len(history) > 0 {
		fmt.Println("\nAssignments:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  ID\tAGENT\tSTATUS\tSCORE\tQUALITY\tCOST\tASSIGNED")
		for _, a := range history {
			quality := "-"
			if a.QualityScore != nil {
				quality = fmt.Sprintf("%.0f", *a.QualityScore)
			}
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t%.0f\t%s\t%s\t%s\n",
				a.ID, a.AgentID, a.Status, a.CapabilityScore, quality,
				formatMoney(a.ActualCost), formatAge(a.AssignedAt))
		}
		_ = w.Flush()
	}

	return nil
}

func runTaskDepend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.graph.AddDependency(ctx, args[0], args[1]); err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	fmt.Printf("%s now depends on %s\n", args[0], args[1])
	return nil
}

func runTaskBlock(cmd *cobra.Command, args []string) error {
	kind, _ := cmd.Flags().GetString("kind")
	reason, _ := cmd.Flags().GetString("reason")

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	blockerID, err := rt.graph.AddBlocker(ctx, args[0], kind, reason)
	if err != nil {
		return fmt.Errorf("add blocker: %w", err)
	}
	fmt.Printf("Blocked %s (blocker %s)\n", args[0], blockerID)
	return nil
}

func runTaskUnblock(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.graph.ResolveBlocker(ctx, args[0], args[1]); err != nil {
		return fmt.Errorf("resolve blocker: %w", err)
	}

	t, err := rt.graph.Task(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Resolved blocker %s; task is now %s\n", args[1], t.Status)
	return nil
}
