// Package ui provides a terminal UI for watching the orchestration
// engine: scheduler passes, task states, and the event feed.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/avery/foreman/internal/scheduler"
	"github.com/avery/foreman/internal/tasks"
)

// Panel represents which panel is currently focused.
type Panel int

const (
	PanelStatus Panel = iota
	PanelTasks
	PanelEvents
)

// EngineStatus represents the scheduling loop's current state.
type EngineStatus int

const (
	StatusStopped EngineStatus = iota
	StatusRunning
	StatusIdle
)

func (s EngineStatus) String() string {
	switch s {
	case StatusStopped:
		return "Stopped"
	case StatusRunning:
		return "Running"
	case StatusIdle:
		return "Idle"
	default:
		return "Unknown"
	}
}

// TaskItem is one row in the task panel.
type TaskItem struct {
	ID     string
	Title  string
	Status tasks.Status
	Agent  string
}

// EventEntry is one line in the event feed.
type EventEntry struct {
	Time    time.Time
	Kind    string
	Message string
}

// SchedulerEventMsg delivers a scheduler event to the running program.
// The daemon forwards its EventHandler callback through Program.Send.
type SchedulerEventMsg struct {
	Event scheduler.Event
}

// Model holds the TUI state.
type Model struct {
	width       int
	height      int
	activePanel Panel
	quitting    bool

	engineStatus EngineStatus
	lastPass     *scheduler.PassSummary
	lastPassTime time.Time
	totalSpend   float64
	activeAgents int

	tasks        []TaskItem
	taskScroll   int
	selectedTask int

	events      []EventEntry
	eventScroll int

	sp spinner.Model

	styles *Styles
}

// Styles holds lipgloss styles for the UI.
type Styles struct {
	ActiveBorder   lipgloss.Style
	InactiveBorder lipgloss.Style

	Title     lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style

	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusError   lipgloss.Style
	StatusRunning lipgloss.Style

	TaskSelected lipgloss.Style

	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

func newStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	green := lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}
	yellow := lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}
	red := lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}
	blue := lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}

	return &Styles{
		ActiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight),
		InactiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight).
			MarginBottom(1),
		Label:     lipgloss.NewStyle().Foreground(subtle),
		Value:     lipgloss.NewStyle().Bold(true),
		Highlight: lipgloss.NewStyle().Foreground(highlight).Bold(true),
		Muted:     lipgloss.NewStyle().Foreground(subtle),

		StatusOK:      lipgloss.NewStyle().Foreground(green).Bold(true),
		StatusWarn:    lipgloss.NewStyle().Foreground(yellow).Bold(true),
		StatusError:   lipgloss.NewStyle().Foreground(red).Bold(true),
		StatusRunning: lipgloss.NewStyle().Foreground(blue).Bold(true),

		TaskSelected: lipgloss.NewStyle().
			Background(highlight).
			Foreground(lipgloss.Color("#fff")).
			Bold(true),

		HelpKey:  lipgloss.NewStyle().Foreground(highlight).Bold(true),
		HelpText: lipgloss.NewStyle().Foreground(subtle),
	}
}

// New creates a new TUI model.
func New() *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Line
	return &Model{
		width:        80,
		height:       24,
		activePanel:  PanelStatus,
		engineStatus: StatusIdle,
		tasks:        make([]TaskItem, 0),
		events:       make([]EventEntry, 0),
		sp:           sp,
		styles:       newStyles(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.sp.Tick,
		tea.EnterAltScreen,
	)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.sp, cmd = m.sp.Update(msg)
		return m, cmd

	case SchedulerEventMsg:
		m.Consume(msg.Event)
		return m, nil
	}

	return m, nil
}

// Consume folds a scheduler event into the display state.
func (m *Model) Consume(ev scheduler.Event) {
	switch ev.Type {
	case scheduler.EventTaskAssigned:
		m.setTaskStatus(ev.TaskID, tasks.StatusInProgress, ev.Message)
	case scheduler.EventTaskCompleted:
		m.setTaskStatus(ev.TaskID, tasks.StatusCompleted, "")
		m.totalSpend += ev.Cost
	case scheduler.EventTaskBlocked:
		m.setTaskStatus(ev.TaskID, tasks.StatusBlocked, "")
	case scheduler.EventTaskFailed:
		m.setTaskStatus(ev.TaskID, tasks.StatusFailed, "")
	case scheduler.EventPassCompleted:
		m.lastPass = ev.Summary
		m.lastPassTime = ev.Time
	}
	m.addEvent(ev)
}

func (m *Model) setTaskStatus(id string, status tasks.Status, agent string) {
	for i := range m.tasks {
		if m.tasks[i].ID != id {
			continue
		}
		m.tasks[i].Status = status
		if agent != "" {
			m.tasks[i].Agent = agent
		}
		return
	}
}

func (m *Model) addEvent(ev scheduler.Event) {
	msg := ev.Message
	if msg == "" && ev.TaskID != "" {
		msg = ev.TaskID
	}
	m.events = append(m.events, EventEntry{
		Time:    ev.Time,
		Kind:    ev.Type.String(),
		Message: msg,
	})
	// Auto-scroll to bottom if not actively scrolling.
	if m.eventScroll == len(m.events)-2 || len(m.events) == 1 {
		m.eventScroll = len(m.events) - 1
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "right", "l":
		m.activePanel = (m.activePanel + 1) % 3
		return m, nil

	case "shift+tab", "left", "h":
		m.activePanel = (m.activePanel + 2) % 3
		return m, nil

	case "up", "k":
		return m.handleUp(), nil

	case "down", "j":
		return m.handleDown(), nil

	case "home", "g":
		return m.handleHome(), nil

	case "end", "G":
		return m.handleEnd(), nil
	}

	return m, nil
}

func (m Model) handleUp() Model {
	switch m.activePanel {
	case PanelTasks:
		if m.selectedTask > 0 {
			m.selectedTask--
		}
	case PanelEvents:
		if m.eventScroll > 0 {
			m.eventScroll--
		}
	}
	return m
}

func (m Model) handleDown() Model {
	switch m.activePanel {
	case PanelTasks:
		if m.selectedTask < len(m.tasks)-1 {
			m.selectedTask++
		}
	case PanelEvents:
		if m.eventScroll < len(m.events)-1 {
			m.eventScroll++
		}
	}
	return m
}

func (m Model) handleHome() Model {
	switch m.activePanel {
	case PanelTasks:
		m.selectedTask = 0
	case PanelEvents:
		m.eventScroll = 0
	}
	return m
}

func (m Model) handleEnd() Model {
	switch m.activePanel {
	case PanelTasks:
		if len(m.tasks) > 0 {
			m.selectedTask = len(m.tasks) - 1
		}
	case PanelEvents:
		if len(m.events) > 0 {
			m.eventScroll = len(m.events) - 1
		}
	}
	return m
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	topHeight := m.height / 2
	bottomHeight := m.height - topHeight - 3
	leftWidth := m.width / 2
	rightWidth := m.width - leftWidth

	statusPanel := m.renderStatusPanel(leftWidth - 2)
	taskPanel := m.renderTaskPanel(topHeight - 2)
	eventPanel := m.renderEventPanel(m.width-2, bottomHeight-2)

	statusBorder := m.getBorder(PanelStatus).Width(leftWidth - 2).Height(topHeight - 2)
	taskBorder := m.getBorder(PanelTasks).Width(rightWidth - 2).Height(topHeight - 2)
	eventBorder := m.getBorder(PanelEvents).Width(m.width - 2).Height(bottomHeight - 2)

	topRow := lipgloss.JoinHorizontal(
		lipgloss.Top,
		statusBorder.Render(statusPanel),
		taskBorder.Render(taskPanel),
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		topRow,
		eventBorder.Render(eventPanel),
		m.renderHelpBar(),
	)
}

func (m Model) getBorder(panel Panel) lipgloss.Style {
	if m.activePanel == panel {
		return m.styles.ActiveBorder
	}
	return m.styles.InactiveBorder
}

func (m Model) renderStatusPanel(width int) string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Foreman Status"))
	b.WriteString("\n\n")

	statusStyle := m.styles.StatusWarn
	switch m.engineStatus {
	case StatusStopped:
		statusStyle = m.styles.StatusError
	case StatusRunning:
		statusStyle = m.styles.StatusRunning
	}
	b.WriteString(m.styles.Label.Render("Engine: "))
	b.WriteString(statusStyle.Render(m.engineStatus.String()))
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("Agents Active: "))
	b.WriteString(m.styles.Value.Render(fmt.Sprintf("%d", m.activeAgents)))
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("Total Spend: "))
	b.WriteString(m.styles.Value.Render(fmt.Sprintf("$%.4f", m.totalSpend)))
	b.WriteString("\n\n")

	done, total := m.taskProgress()
	pct := 0
	if total > 0 {
		pct = done * 100 / total
	}
	b.WriteString(m.styles.Label.Render("Tasks: "))
	b.WriteString(m.styles.Value.Render(fmt.Sprintf("%d/%d done", done, total)))
	b.WriteString("\n")
	b.WriteString(m.renderProgressBar(pct, width-4))
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("Last Pass: "))
	if m.lastPass != nil {
		ago := formatDuration(time.Since(m.lastPassTime))
		b.WriteString(m.styles.Value.Render(fmt.Sprintf(
			"%s ago (%d assigned, %d completed, %d blocked, %d hiring)",
			ago, m.lastPass.Assigned, m.lastPass.Completed,
			m.lastPass.Blocked, m.lastPass.HiringRequests)))
	} else {
		b.WriteString(m.styles.Muted.Render("Never"))
	}

	return b.String()
}

func (m Model) taskProgress() (done, total int) {
	for _, t := range m.tasks {
		total++
		if t.Status == tasks.StatusCompleted {
			done++
		}
	}
	return done, total
}

func (m Model) renderProgressBar(pct, width int) string {
	if width < 10 {
		width = 10
	}

	filled := width * pct / 100
	if filled > width {
		filled = width
	}

	bar := strings.Repeat("=", filled) + strings.Repeat("-", width-filled)

	style := m.styles.StatusWarn
	if pct >= 100 {
		style = m.styles.StatusOK
	}
	return "[" + style.Render(bar) + "]"
}

func (m Model) renderTaskPanel(height int) string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Tasks"))
	b.WriteString("\n\n")

	if len(m.tasks) == 0 {
		b.WriteString(m.styles.Muted.Render("No tasks submitted"))
		return b.String()
	}

	visible := height - 4
	if visible < 1 {
		visible = 1
	}
	if m.selectedTask < m.taskScroll {
		m.taskScroll = m.selectedTask
	} else if m.selectedTask >= m.taskScroll+visible {
		m.taskScroll = m.selectedTask - visible + 1
	}

	for i := m.taskScroll; i < len(m.tasks) && i < m.taskScroll+visible; i++ {
		task := m.tasks[i]

		var icon string
		var style lipgloss.Style
		switch task.Status {
		case tasks.StatusPending:
			icon = "o"
			style = m.styles.Muted
		case tasks.StatusAssigned, tasks.StatusInProgress:
			icon = m.sp.View()
			style = m.styles.StatusRunning
		case tasks.StatusBlocked:
			icon = "!"
			style = m.styles.StatusWarn
		case tasks.StatusCompleted:
			icon = "*"
			style = m.styles.StatusOK
		case tasks.StatusFailed:
			icon = "x"
			style = m.styles.StatusError
		default:
			icon = "?"
			style = m.styles.Muted
		}

		line := fmt.Sprintf(" %s %s", style.Render(icon), task.Title)
		if task.Agent != "" {
			line += m.styles.Muted.Render(" @" + task.Agent)
		}
		if i == m.selectedTask && m.activePanel == PanelTasks {
			line = m.styles.TaskSelected.Render(line)
		}

		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(m.tasks) > visible {
		b.WriteString(m.styles.Muted.Render(
			fmt.Sprintf(" [%d/%d]", m.taskScroll+1, len(m.tasks))))
	}

	return b.String()
}

func (m Model) renderEventPanel(width, height int) string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Events"))
	b.WriteString("\n\n")

	if len(m.events) == 0 {
		b.WriteString(m.styles.Muted.Render("No events yet"))
		return b.String()
	}

	visible := height - 4
	if visible < 1 {
		visible = 1
	}

	start := m.eventScroll
	if start+visible > len(m.events) {
		start = len(m.events) - visible
		if start < 0 {
			start = 0
		}
	}

	for i := start; i < len(m.events) && i < start+visible; i++ {
		entry := m.events[i]

		var kindStyle lipgloss.Style
		switch entry.Kind {
		case "task_completed":
			kindStyle = m.styles.StatusOK
		case "task_blocked", "hiring_requested", "replace_agent_recommended":
			kindStyle = m.styles.StatusWarn
		case "task_failed", "admin_ticket_requested":
			kindStyle = m.styles.StatusError
		default:
			kindStyle = m.styles.Muted
		}

		maxMsg := width - 40
		msg := entry.Message
		if len(msg) > maxMsg && maxMsg > 3 {
			msg = msg[:maxMsg-3] + "..."
		}

		b.WriteString(fmt.Sprintf("%s %s %s",
			m.styles.Muted.Render(entry.Time.Format("15:04:05")),
			kindStyle.Render(fmt.Sprintf("[%-25s]", entry.Kind)),
			msg,
		))
		b.WriteString("\n")
	}

	if len(m.events) > visible {
		b.WriteString(m.styles.Muted.Render(
			fmt.Sprintf(" [%d/%d]", m.eventScroll+1, len(m.events))))
	}

	return b.String()
}

func (m Model) renderHelpBar() string {
	helpItems := []struct {
		key  string
		desc string
	}{
		{"tab", "switch panel"},
		{"j/k", "up/down"},
		{"q", "quit"},
	}

	var parts []string
	for _, item := range helpItems {
		parts = append(parts, fmt.Sprintf("%s %s",
			m.styles.HelpKey.Render(item.key),
			m.styles.HelpText.Render(item.desc),
		))
	}

	return "  " + strings.Join(parts, "  |  ")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

// SetEngineStatus updates the engine status indicator.
func (m *Model) SetEngineStatus(status EngineStatus) {
	m.engineStatus = status
}

// SetActiveAgents updates the active agent count.
func (m *Model) SetActiveAgents(n int) {
	m.activeAgents = n
}

// SetTotalSpend sets the spend counter (used at startup from the
// ledger; completions add to it incrementally).
func (m *Model) SetTotalSpend(spend float64) {
	m.totalSpend = spend
}

// AddTask adds a task row.
func (m *Model) AddTask(task TaskItem) {
	m.tasks = append(m.tasks, task)
}

// ClearTasks removes all task rows.
func (m *Model) ClearTasks() {
	m.tasks = make([]TaskItem, 0)
	m.selectedTask = 0
	m.taskScroll = 0
}

// Run starts the TUI.
func (m *Model) Run() error {
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RunWithProgram starts the TUI and returns the program so scheduler
// events can be forwarded with Send.
func (m *Model) RunWithProgram() (*tea.Program, error) {
	p := tea.NewProgram(m, tea.WithAltScreen())
	go func() {
		_, _ = p.Run()
	}()
	return p, nil
}
