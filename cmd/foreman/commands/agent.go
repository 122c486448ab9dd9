package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/avery/foreman/internal/agents"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage worker agents",
	Long:  `Hire agents, inspect their metrics and spend, and manage their lifecycle.`,
}

var agentHireCmd = &cobra.Command{
	Use:   "hire <name>",
	Short: "Hire a new agent",
	Long: `Create an agent backed by a catalog model, with a capability profile
the matcher scores against task skills. New agents start active; the
scheduler re-polls open hiring requests on the next pass.`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentHire,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE:  runAgentList,
}

var agentShowCmd = &cobra.Command{
	Use:   "show <agent-id>",
	Short: "Show agent details",
	Long:  `Show an agent's profile, quality metrics, spend, and live assignments.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentShow,
}

var agentActivateCmd = &cobra.Command{
	Use:   "activate <agent-id>",
	Short: "Activate an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentActivate,
}

var agentDeactivateCmd = &cobra.Command{
	Use:   "deactivate <agent-id>",
	Short: "Deactivate an agent",
	Long:  `Deactivate an agent. Its live assignments are reassigned on the next pass.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentDeactivate,
}

var agentTerminateCmd = &cobra.Command{
	Use:   "terminate <agent-id>",
	Short: "Terminate an agent",
	Long: `Terminate an agent permanently. Refused while the agent holds a live
assignment on a non-terminal task; deactivate first and let the
scheduler reassign, or wait for the work to finish.`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentTerminate,
}

func init() {
	agentHireCmd.Flags().StringP("model", "m", "", "Catalog model name")
	agentHireCmd.Flags().StringSliceP("skill", "s", nil, "Profile skill (repeatable)")
	agentHireCmd.Flags().String("experience", "mid", "Experience level (junior, mid, senior, lead, expert)")
	agentHireCmd.Flags().String("title", "", "Profile title")
	agentHireCmd.Flags().String("department", "", "Profile department")
	agentHireCmd.Flags().Int("executions", 0, "Executions per task (0 = engine default)")
	_ = agentHireCmd.MarkFlagRequired("model")
	_ = agentHireCmd.MarkFlagRequired("skill")

	agentListCmd.Flags().Bool("json", false, "Output as JSON")
	agentShowCmd.Flags().Bool("json", false, "Output as JSON")

	agentCmd.AddCommand(agentHireCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentShowCmd)
	agentCmd.AddCommand(agentActivateCmd)
	agentCmd.AddCommand(agentDeactivateCmd)
	agentCmd.AddCommand(agentTerminateCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentHire(cmd *cobra.Command, args []string) error {
	modelName, _ := cmd.Flags().GetString("model")
	skills, _ := cmd.Flags().GetStringSlice("skill")
	experience, _ := cmd.Flags().GetString("experience")
	title, _ := cmd.Flags().GetString("title")
	department, _ := cmd.Flags().GetString("department")
	executions, _ := cmd.Flags().GetInt("executions")

	level := agents.ExperienceLevel(strings.ToLower(experience))
	if !level.Valid() {
		return fmt.Errorf("unknown experience level: %s (valid: junior, mid, senior, lead, expert)", experience)
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	model, err := rt.store.ModelByName(ctx, modelName)
	if err != nil {
		return fmt.Errorf("model %s: %w\nRun 'foreman model list' to see the catalog", modelName, err)
	}

	if title == "" {
		title = fmt.Sprintf("%s specialist", skills[0])
	}
	profile := &agents.CapabilityProfile{
		ID:         uuid.NewString(),
		Title:      title,
		Skills:     skills,
		Experience: level,
		Department: department,
	}
	profile.NormalizeSkills()
	if err := rt.store.UpsertProfile(ctx, profile); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}

	agent := &agents.Agent{
		ID:        uuid.NewString(),
		Name:      args[0],
		Status:    agents.StatusActive,
		ModelID:   model.ID,
		ProfileID: profile.ID,
		Config: agents.Config{
			ExecutionsPerTask: executions,
		},
	}
	if err := agent.Validate(); err != nil {
		return err
	}
	if err := rt.store.InsertAgent(ctx, agent); err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	rt.rec.Record(ctx, "agent", agent.ID, "agent_hired", "cli", nil, agent, nil)

	fmt.Printf("Hired: %s (%s)\n", agent.Name, agent.ID)
	fmt.Printf("Model: %s, skills: %s, experience: %s\n",
		model.Name, strings.Join(profile.Skills, ", "), profile.Experience)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	list, err := rt.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No agents. Hire one with 'foreman agent hire'.")
		return nil
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tDONE\tFAILED\tQUALITY\tAGE")
	for _, a := range list {
		quality := "-"
		if a.Metrics.CompletedCount > 0 {
			quality = fmt.Sprintf("%.0f", a.Metrics.AvgQuality)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			a.ID, a.Name, a.Status,
			a.Metrics.CompletedCount, a.Metrics.FailedCount, quality,
			formatAge(a.CreatedAt))
	}
	_ = w.Flush()
	fmt.Printf("\n%d agent(s)\n", len(list))
	return nil
}

func runAgentShow(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	agent, err := rt.store.AgentByID(ctx, args[0])
	if err != nil {
		return fmt.Errorf("agent %s: %w", args[0], err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(agent)
	}

	fmt.Printf("Agent:      %s\n", agent.ID)
	fmt.Printf("Name:       %s\n", agent.Name)
	fmt.Printf("Status:     %s\n", agent.Status)

	if model, err := rt.store.ModelByID(ctx, agent.ModelID); err == nil {
		fmt.Printf("Model:      %s (%s, %s tier)\n", model.Name, model.Provider, model.Tier)
	}
	if agent.ProfileID != "" {
		if profile, err := rt.store.ProfileByID(ctx, agent.ProfileID); err == nil {
			fmt.Printf("Profile:    %s (%s)\n", profile.Title, profile.Experience)
			fmt.Printf("Skills:     %s\n", strings.Join(profile.Skills, ", "))
		}
	}

	fmt.Printf("Completed:  %d\n", agent.Metrics.CompletedCount)
	fmt.Printf("Failed:     %d\n", agent.Metrics.FailedCount)
	if agent.Metrics.CompletedCount > 0 {
		fmt.Printf("Quality:    %.1f avg", agent.Metrics.AvgQuality)
		if len(agent.Metrics.RecentQuality) > 0 {
			recent := make([]string, len(agent.Metrics.RecentQuality))
			for i, q := range agent.Metrics.RecentQuality {
				recent[i] = fmt.Sprintf("%.0f", q)
			}
			fmt.Printf(" (recent: %s)", strings.Join(recent, ", "))
		}
		fmt.Println()
	}

	spend, err := rt.led.AgentSpend(ctx, agent.ID)
	if err != nil {
		return fmt.Errorf("spend for %s: %w", agent.ID, err)
	}
	fmt.Printf("Spend:      %s across %d execution(s)\n", formatMoney(spend.TotalCost), spend.Executions)

	live, err := rt.store.LiveAssignmentsByAgent(ctx, agent.ID)
	if err != nil {
		return fmt.Errorf("assignments for %s: %w", agent.ID, err)
	}
	if len(live) > 0 {
		fmt.Println("\nLive assignments:")
		for _, a := range live {
			fmt.Printf("  %s  task %s (%s, %s)\n", a.ID, a.TaskID, a.Status, formatAge(a.AssignedAt))
		}
	}
	return nil
}

func runAgentActivate(cmd *cobra.Command, args []string) error {
	return setAgentLifecycle(cmd, args[0], "activate")
}

func runAgentDeactivate(cmd *cobra.Command, args []string) error {
	return setAgentLifecycle(cmd, args[0], "deactivate")
}

func runAgentTerminate(cmd *cobra.Command, args []string) error {
	return setAgentLifecycle(cmd, args[0], "terminate")
}

// setAgentLifecycle routes lifecycle changes through the scheduler so
// its guards and activation bookkeeping apply.
func setAgentLifecycle(cmd *cobra.Command, agentID, action string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sched := rt.scheduler(nil)
	switch action {
	case "activate":
		err = sched.ActivateAgent(ctx, agentID)
	case "deactivate":
		err = sched.DeactivateAgent(ctx, agentID)
	case "terminate":
		err = sched.TerminateAgent(ctx, agentID)
	}
	if err != nil {
		return fmt.Errorf("%s agent: %w", action, err)
	}
	fmt.Printf("Agent %s: %sd\n", agentID, action)
	return nil
}
