// Package tui provides the NetSentry operator console.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"netsentry/internal/tui/api"
	"netsentry/internal/tui/scenes"
	"netsentry/internal/tui/styles"
)

// Scene identifies the current view.
type Scene int

const (
	SceneOverview Scene = iota
	SceneAlerts
)

// Model is the main console model.
type Model struct {
	client *api.Client

	scene Scene

	overview *scenes.OverviewScene
	alerts   *scenes.AlertsScene

	width  int
	height int

	quitting bool
}

// New creates a console model connected to the given server.
func New(baseURL, token, userID string) *Model {
	client := api.NewClient(baseURL, token, userID)
	return &Model{
		client:   client,
		scene:    SceneOverview,
		overview: scenes.NewOverviewScene(client),
		alerts:   scenes.NewAlertsScene(client),
	}
}

// Init starts the active scene's data fetch and ticker. Inactive
// scenes stay idle until selected.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.overview.Init(),
		m.activeTickCmd(),
	)
}

func (m *Model) activeTickCmd() tea.Cmd {
	switch m.scene {
	case SceneOverview:
		return m.overview.TickCmd()
	case SceneAlerts:
		return m.alerts.TickCmd()
	default:
		return nil
	}
}

// Update handles all messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case "1":
			if m.scene != SceneOverview {
				m.scene = SceneOverview
				cmds = append(cmds, m.overview.Init(), m.overview.TickCmd())
			}
			return m, tea.Batch(cmds...)

		case "2":
			if m.scene != SceneAlerts {
				m.scene = SceneAlerts
				cmds = append(cmds, m.alerts.Init(), m.alerts.TickCmd())
			}
			return m, tea.Batch(cmds...)

		case "tab":
			m.scene = (m.scene + 1) % 2
			cmds = append(cmds, m.activeTickCmd())
			return m, tea.Batch(cmds...)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.overview, _ = m.overview.Update(msg)
		m.alerts, _ = m.alerts.Update(msg)
		return m, nil

	case scenes.TickMsg:
		// Only the active scene ticks.
		var cmd tea.Cmd
		switch m.scene {
		case SceneOverview:
			m.overview, cmd = m.overview.Update(msg)
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
			cmds = append(cmds, m.overview.TickCmd())
		case SceneAlerts:
			m.alerts, cmd = m.alerts.Update(msg)
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
			cmds = append(cmds, m.alerts.TickCmd())
		}
		return m, tea.Batch(cmds...)
	}

	var cmd tea.Cmd
	switch m.scene {
	case SceneOverview:
		m.overview, cmd = m.overview.Update(msg)
	case SceneAlerts:
		m.alerts, cmd = m.alerts.Update(msg)
	}
	if cmd != nil {
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View renders the current scene.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneOverview:
		b.WriteString(m.overview.View())
	case SceneAlerts:
		b.WriteString(m.alerts.View())
	}

	b.WriteString("\n")
	b.WriteString(styles.Help.Render(" [1-2] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [q] Quit "))

	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Overview", "1", SceneOverview},
		{"Alerts", "2", SceneAlerts},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	tabBar := lipgloss.JoinHorizontal(lipgloss.Top, tabViews...)

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(tabBar)
}

// Run starts the console.
func Run(baseURL, token, userID string) error {
	m := New(baseURL, token, userID)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
