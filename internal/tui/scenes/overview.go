// Package scenes provides the views of the NetSentry console.
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

// TickMsg is sent on each refresh tick. Exported for the parent model.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// OverviewScene shows server health and the anomaly-per-day rollup.
type OverviewScene struct {
	client     *api.Client
	health     *api.Health
	counts     []api.DailyCount
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

type overviewMsg struct {
	health *api.Health
	counts []api.DailyCount
	err    error
}

// NewOverviewScene creates the overview scene.
func NewOverviewScene(client *api.Client) *OverviewScene {
	return &OverviewScene{client: client, loading: true}
}

// Init fetches the initial data.
func (o *OverviewScene) Init() tea.Cmd {
	return o.fetch()
}

func (o *OverviewScene) fetch() tea.Cmd {
	return func() tea.Msg {
		health, err := o.client.GetHealth()
		if err != nil {
			return overviewMsg{err: err}
		}
		counts, err := o.client.GetDailyCounts(7)
		if err != nil {
			return overviewMsg{health: health, err: err}
		}
		return overviewMsg{health: health, counts: counts}
	}
}

// TickCmd schedules the next refresh. Only the parent issues this for
// the active scene.
func (o *OverviewScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "overview", Time: t}
	})
}

// Update handles messages for the overview.
func (o *OverviewScene) Update(msg tea.Msg) (*OverviewScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		o.width = msg.Width
		o.height = msg.Height
		return o, nil

	case overviewMsg:
		o.loading = false
		o.health = msg.health
		o.counts = msg.counts
		o.err = msg.err
		o.lastUpdate = time.Now()
		return o, nil

	case TickMsg:
		if msg.Scene == "overview" {
			return o, o.fetch()
		}
		return o, nil
	}
	return o, nil
}

// View renders the overview.
func (o *OverviewScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  NetSentry Overview"))
	b.WriteString("\n\n")

	if o.loading {
		b.WriteString(styles.Muted.Render("  Loading..."))
		return b.String()
	}

	if o.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", o.err)))
		b.WriteString("\n\n")
	}

	if o.health != nil {
		b.WriteString(o.renderHealth())
		b.WriteString("\n\n")
	}

	b.WriteString(styles.Subtitle.Render("  Anomalies per day (last 7 days)"))
	b.WriteString("\n")
	b.WriteString(o.renderCounts())

	if !o.lastUpdate.IsZero() {
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", o.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (o *OverviewScene) renderHealth() string {
	status := styles.StatusError.Render("● " + strings.ToUpper(o.health.Status))
	if o.health.Status == "ok" {
		status = styles.StatusOK.Render("● OK")
	}

	parts := []string{
		fmt.Sprintf("  Status: %s", status),
		fmt.Sprintf("  Store: %s", o.renderComponent(o.health.Store, "ok")),
		fmt.Sprintf("  Bus: %s", o.renderComponent(o.health.Bus, "ok")),
	}
	return strings.Join(parts, "\n")
}

func (o *OverviewScene) renderComponent(state, healthy string) string {
	if state == healthy {
		return styles.StatusOK.Render(state)
	}
	return styles.StatusWarning.Render(state)
}

func (o *OverviewScene) renderCounts() string {
	if len(o.counts) == 0 {
		return styles.Muted.Render("  No anomalies recorded.")
	}

	maxCount := int64(1)
	for _, c := range o.counts {
		if c.Count > maxCount {
			maxCount = c.Count
		}
	}

	barStyle := lipgloss.NewStyle().Foreground(styles.Primary)
	var rows []string
	for _, c := range o.counts {
		barLen := int(c.Count * 30 / maxCount)
		bar := barStyle.Render(strings.Repeat("█", barLen))
		rows = append(rows, fmt.Sprintf("  %s %s %s",
			c.Day, bar, styles.MetricValue.Render(fmt.Sprintf("%d", c.Count))))
	}
	return strings.Join(rows, "\n")
}
