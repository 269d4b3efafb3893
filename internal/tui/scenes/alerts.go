package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"netsentry/internal/tui/api"
	"netsentry/internal/tui/styles"
)

// AlertsScene displays the user's alert inbox with read and
// acknowledge actions.
type AlertsScene struct {
	client     *api.Client
	alerts     []api.Alert
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

type alertsMsg struct {
	alerts []api.Alert
	err    string
}

type actionDoneMsg struct {
	err string
}

// NewAlertsScene creates the alerts scene.
func NewAlertsScene(client *api.Client) *AlertsScene {
	return &AlertsScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init fetches the initial inbox.
func (a *AlertsScene) Init() tea.Cmd {
	return a.fetchAlerts()
}

func (a *AlertsScene) fetchAlerts() tea.Cmd {
	return func() tea.Msg {
		alerts, err := a.client.GetAlerts(100)
		if err != nil {
			return alertsMsg{err: err.Error()}
		}
		return alertsMsg{alerts: alerts}
	}
}

// TickCmd schedules the next refresh.
func (a *AlertsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "alerts", Time: t}
	})
}

// Update handles messages for the alerts scene.
func (a *AlertsScene) Update(msg tea.Msg) (*AlertsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.maxRows = max(5, a.height-12)
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if a.cursor > 0 {
				a.cursor--
				if a.cursor < a.offset {
					a.offset = a.cursor
				}
			}
		case "down", "j":
			if a.cursor < len(a.alerts)-1 {
				a.cursor++
				if a.cursor >= a.offset+a.maxRows {
					a.offset = a.cursor - a.maxRows + 1
				}
			}
		case "r":
			a.loading = true
			return a, a.fetchAlerts()
		case "m":
			if sel := a.selected(); sel != nil {
				return a, a.markRead(sel.DeliveryID)
			}
		case "a":
			if sel := a.selected(); sel != nil {
				return a, a.acknowledge(sel.DeliveryID)
			}
		}
		return a, nil

	case alertsMsg:
		a.loading = false
		a.alerts = msg.alerts
		a.err = msg.err
		a.lastUpdate = time.Now()
		if a.cursor >= len(a.alerts) {
			a.cursor = max(0, len(a.alerts)-1)
		}
		return a, nil

	case actionDoneMsg:
		if msg.err != "" {
			a.err = msg.err
			return a, nil
		}
		return a, a.fetchAlerts()

	case TickMsg:
		if msg.Scene == "alerts" {
			return a, a.fetchAlerts()
		}
		return a, nil
	}

	return a, nil
}

func (a *AlertsScene) selected() *api.Alert {
	if a.cursor < 0 || a.cursor >= len(a.alerts) {
		return nil
	}
	return &a.alerts[a.cursor]
}

func (a *AlertsScene) markRead(deliveryID string) tea.Cmd {
	return func() tea.Msg {
		if err := a.client.MarkRead(deliveryID); err != nil {
			return actionDoneMsg{err: err.Error()}
		}
		return actionDoneMsg{}
	}
}

func (a *AlertsScene) acknowledge(deliveryID string) tea.Cmd {
	return func() tea.Msg {
		if err := a.client.Acknowledge(deliveryID); err != nil {
			return actionDoneMsg{err: err.Error()}
		}
		return actionDoneMsg{}
	}
}

// View renders the alert inbox.
func (a *AlertsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Alerts"))
	b.WriteString("\n\n")

	if a.loading && len(a.alerts) == 0 {
		b.WriteString(styles.Muted.Render("  Loading alerts..."))
		return b.String()
	}

	if a.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", a.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(a.alerts) == 0 {
		b.WriteString(styles.Muted.Render("  No alerts. All quiet."))
		return b.String()
	}

	header := fmt.Sprintf("  %-10s %-20s %-10s %-14s %s",
		"Read", "Timestamp", "Severity", "Status", "Reason")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(a.offset+a.maxRows, len(a.alerts))
	for i, alert := range a.alerts[a.offset:endIdx] {
		idx := a.offset + i
		b.WriteString(a.renderRow(alert, idx == a.cursor))
		b.WriteString("\n")
	}

	if len(a.alerts) > a.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d",
			a.offset+1, endIdx, len(a.alerts))))
	}
	b.WriteString(styles.Muted.Render("\n  [m] Mark read  [a] Acknowledge  [r] Refresh"))

	if !a.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", a.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (a *AlertsScene) renderRow(alert api.Alert, selected bool) string {
	read := "  ●"
	if alert.Read {
		read = "   "
	}
	timestamp := alert.Timestamp.Format("2006-01-02 15:04:05")
	severity := a.formatSeverity(alert.Severity)
	reason := truncate(alert.Reason, 40)

	row := fmt.Sprintf("  %-10s %-20s %s %-14s %s", read, timestamp, severity, alert.Status, reason)

	if selected {
		return lipgloss.NewStyle().
			Background(styles.Primary).
			Foreground(styles.White).
			Render(row)
	}
	return row
}

func (a *AlertsScene) formatSeverity(sev string) string {
	var style lipgloss.Style
	switch sev {
	case "CRITICAL", "HIGH":
		style = styles.StatusError
	case "MEDIUM":
		style = styles.StatusWarning
	default:
		style = styles.StatusOK
	}
	return style.Render(fmt.Sprintf("%-10s", sev))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
