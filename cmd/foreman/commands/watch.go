package commands

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/avery/foreman/internal/agents"
	"github.com/avery/foreman/internal/logging"
	"github.com/avery/foreman/internal/scheduler"
	"github.com/avery/foreman/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the engine in a terminal UI",
	Long: `Open a terminal UI showing tasks, agents, and the scheduler's event
feed, running scheduling passes on an interval while it is open.

Tab switches panels, j/k scroll, q quits.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationP("interval", "i", 30*time.Second, "Delay between scheduling passes")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")

	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	// Log to files only; stderr would fight the TUI for the terminal.
	if err := logging.Init(rt.cfg.LogOptions()); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	res, err := rt.resolver()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	m := ui.New()
	if err := seedModel(ctx, rt, m); err != nil {
		return err
	}
	m.SetEngineStatus(ui.StatusRunning)

	var p *tea.Program
	sched := rt.scheduler(res, scheduler.WithEventHandler(func(ev scheduler.Event) {
		p.Send(ui.SchedulerEventMsg{Event: ev})
	}))

	p, err = m.RunWithProgram()
	if err != nil {
		return fmt.Errorf("start ui: %w", err)
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var passRunning atomic.Bool
	runPass := func() {
		if !passRunning.CompareAndSwap(false, true) {
			return
		}
		defer passRunning.Store(false)
		_, _ = sched.ProcessEligible(passCtx)
	}

	go runPass()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			cancel()
			return nil
		case <-ticker.C:
			go runPass()
		}
	}
}

// seedModel fills the UI with the persisted tasks, agent roster, and
// spend so the first frame is not empty.
func seedModel(ctx context.Context, rt *runtime, m *ui.Model) error {
	taskList, err := rt.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range taskList {
		item := ui.TaskItem{ID: t.ID, Title: t.Title, Status: t.Status}
		if asg, err := rt.store.LiveAssignmentForTask(ctx, t.ID); err == nil && asg != nil {
			if agent, err := rt.store.AgentByID(ctx, asg.AgentID); err == nil {
				item.Agent = agent.Name
			}
		}
		m.AddTask(item)
	}

	agentList, err := rt.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	active := 0
	var spend float64
	for _, a := range agentList {
		if a.Status == agents.StatusActive {
			active++
		}
		sum, err := rt.led.AgentSpend(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("spend for %s: %w", a.ID, err)
		}
		spend += sum.TotalCost
	}
	m.SetActiveAgents(active)
	m.SetTotalSpend(spend)
	return nil
}
