package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/repoflow/repoflow/pkg/models"
)

// Style definitions for the live status view.
var (
	watchTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	watchHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("62"))

	watchHelpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	statusStyles = map[models.TaskStatus]lipgloss.Style{
		models.StatusPending:      lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		models.StatusPlanning:     lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		models.StatusPRCreated:    lipgloss.NewStyle().Foreground(lipgloss.Color("69")),
		models.StatusImplementing: lipgloss.NewStyle().Foreground(lipgloss.Color("226")),
		models.StatusCompleted:    lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		models.StatusFailed:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

type watchModel struct {
	ctx     context.Context
	records []models.TaskRecord
	pending int
	err     error
	width   int
}

// watchTickMsg triggers a reload.
type watchTickMsg time.Time

// watchDataMsg carries reloaded data back to the model.
type watchDataMsg struct {
	records []models.TaskRecord
	pending int
	err     error
}

func newWatchModel(ctx context.Context) watchModel {
	return watchModel{ctx: ctx}
}

func (m watchModel) Init() tea.Cmd {
	return m.load
}

func (m watchModel) load() tea.Msg {
	records, err := TaskSvc.ListAll(m.ctx)
	if err != nil {
		return watchDataMsg{err: err}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	pending := 0
	if Queue != nil {
		pending = Queue.Size(m.ctx)
	}
	return watchDataMsg{records: records, pending: pending}
}

func watchTick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.load
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case watchTickMsg:
		return m, m.load
	case watchDataMsg:
		m.records = msg.records
		m.pending = msg.pending
		m.err = msg.err
		return m, watchTick()
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(watchTitleStyle.Render("repoflow"))
	b.WriteString(fmt.Sprintf("  %d queued\n\n", m.pending))

	if m.err != nil {
		b.WriteString(fmt.Sprintf("error: %v\n", m.err))
		return b.String()
	}

	if len(m.records) == 0 {
		b.WriteString("no tasks\n")
	} else {
		b.WriteString(watchHeaderStyle.Render(fmt.Sprintf("  %-14s %-13s %-40s %s", "TASK", "STATUS", "REPOSITORY", "STARTED")))
		b.WriteString("\n")
		for _, r := range m.records {
			style, ok := statusStyles[r.Status]
			if !ok {
				style = lipgloss.NewStyle()
			}
			line := fmt.Sprintf("  %-14s %-13s %-40s %s",
				r.ID, r.Status, r.RepoURL, r.StartedAt.Local().Format(time.DateTime))
			b.WriteString(style.Render(line))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(watchHelpStyle.Render("r: refresh • q: quit"))
	b.WriteString("\n")
	return b.String()
}

// runStatusWatch renders the live task table until the user quits.
func runStatusWatch(ctx context.Context) error {
	p := tea.NewProgram(newWatchModel(ctx), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running status view: %w", err)
	}
	return nil
}
