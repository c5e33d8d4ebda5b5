package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	recentLimit     = 5
	sessionRows     = 5
)

// Model represents the BubbleTea dashboard model
type Model struct {
	client     *StatusClient
	interval   time.Duration
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool

	// Routed notifications per minute and connected devices, per poll.
	routeRate    []float64
	deviceCounts []float64
	lastRouted   int64
	polled       bool

	deviceProgress progress.Model
	suppressProg   progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a new dashboard model
func NewModel(client *StatusClient, interval time.Duration) Model {
	devProg := progress.New(
		progress.WithGradient("#00ffff", "#00ff00"),
		progress.WithWidth(40),
	)
	supProg := progress.New(
		progress.WithGradient("#00ff00", "#ff0000"),
		progress.WithWidth(40),
	)

	return Model{
		client:         client,
		interval:       interval,
		routeRate:      make([]float64, 0, historySize),
		deviceCounts:   make([]float64, 0, historySize),
		deviceProgress: devProg,
		suppressProg:   supProg,
	}
}

// getStatusBadge returns the overall server badge.
func getStatusBadge(s Snapshot) string {
	switch {
	case s.Health.Status != "ok":
		return errorStyle.Render("✗ ERROR")
	case s.Health.Devices > 0 && s.ConnectedDevices() == 0:
		return warningStyle.Render("⚠ NO DEVICES")
	default:
		return healthyStyle.Render("✓ HEALTHY")
	}
}

// getSessionBadge colours a session state.
func getSessionBadge(state string) string {
	switch state {
	case "idle":
		return healthyStyle.Render(state)
	case "running":
		return warningStyle.Render(state)
	default:
		return errorStyle.Render(state)
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSnapshot(m.client),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshot polls the server once.
func fetchSnapshot(client *StatusClient) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		snap, err := client.Snapshot(ctx, recentLimit)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(snap)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.client)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.client),
		)

	case snapshotMsg:
		snap := Snapshot(msg)
		routed := snap.Routed()

		// The first poll has no baseline; counters reset when the server restarts.
		rate := 0.0
		if m.polled && routed >= m.lastRouted && m.interval > 0 {
			rate = float64(routed-m.lastRouted) / m.interval.Minutes()
		}
		if m.polled {
			m.routeRate = appendToHistory(m.routeRate, rate)
		}
		m.deviceCounts = appendToHistory(m.deviceCounts, float64(snap.ConnectedDevices()))

		m.lastRouted = routed
		m.polled = true
		m.snapshot = snap
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

// renderError renders the error view
func (m Model) renderError() string {
	header := headerStyle.Render("amplifierd Monitor")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach amplifierd") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.client.BaseURL()) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Start the server with: amplifierd serve") + "\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

// ratio returns part/whole clamped to [0, 1].
func ratio(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	r := part / whole
	if r > 1 {
		return 1
	}
	return r
}

// renderDashboard renders the main dashboard view
func (m Model) renderDashboard() string {
	var b strings.Builder
	snap := m.snapshot
	now := time.Now()

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	bus := errorStyle.Render("down")
	if snap.Health.Bus {
		bus = healthyStyle.Render("up")
	}

	b.WriteString(headerStyle.Render(" amplifierd Monitor ") + "\n")
	fmt.Fprintf(&b, "%s   %s %s   %s %s   %s\n",
		getStatusBadge(snap),
		dimStyle.Render("Version:"), valueStyle.Render(snap.Health.Version),
		dimStyle.Render("Bus:"), bus,
		dimStyle.Render(lastUpdateStr))

	// Sessions
	b.WriteString("\n" + sectionStyle.Render("┃ Sessions") + "\n")
	b.WriteString(labelStyle.Render("  Active: ") +
		valueStyle.Render(fmt.Sprintf("%d", snap.Sessions.Count)) +
		dimStyle.Render(fmt.Sprintf("  (%d busy)", snap.BusySessions())) + "\n")

	sessions := append(snap.Sessions.Sessions[:0:0], snap.Sessions.Sessions...)
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})
	for i, s := range sessions {
		if i == sessionRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more", len(sessions)-sessionRows)) + "\n")
			break
		}
		fmt.Fprintf(&b, "  %-20s %-12s %-10s %s\n",
			valueStyle.Render(Truncate(s.ID, 20)),
			dimStyle.Render(Truncate(s.Bundle, 12)),
			getSessionBadge(string(s.State)),
			dimStyle.Render(fmt.Sprintf("%d msgs, %s ago", s.MessageCount, FormatAge(now, s.LastActivity))))
	}

	// Devices
	connected := snap.ConnectedDevices()
	b.WriteString("\n" + sectionStyle.Render("┃ Devices") + "\n")
	b.WriteString(labelStyle.Render("  Connected: ") +
		valueStyle.Render(fmt.Sprintf("%d / %d", connected, snap.Devices.Count)) +
		"         " + createSparkline(m.deviceCounts) + "\n")
	b.WriteString(labelStyle.Render("  Online: ") +
		m.deviceProgress.ViewAs(ratio(float64(connected), float64(snap.Devices.Count))) + "\n")

	// Notifications
	routed := snap.Routed()
	suppressed := snap.Notifications.Total
	rate := 0.0
	if n := len(m.routeRate); n > 0 {
		rate = m.routeRate[n-1]
	}
	b.WriteString("\n" + sectionStyle.Render("┃ Notifications") + "\n")
	b.WriteString(labelStyle.Render("  Routed: ") +
		valueStyle.Render(fmt.Sprintf("%d", routed)) +
		dimStyle.Render(" ("+FormatRate(rate)+")") +
		"       " + createSparkline(m.routeRate) + "\n")
	b.WriteString(labelStyle.Render("  Suppressed: ") +
		m.suppressProg.ViewAs(ratio(float64(suppressed), float64(routed))) +
		" " + dimStyle.Render(fmt.Sprintf("%d", suppressed)) + "\n")

	actions := make([]string, 0, len(snap.Notifications.ByAction))
	for action := range snap.Notifications.ByAction {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	if len(actions) > 0 {
		parts := make([]string, 0, len(actions))
		for _, a := range actions {
			parts = append(parts, dimStyle.Render(a+"=")+valueStyle.Render(fmt.Sprintf("%d", snap.Notifications.ByAction[a])))
		}
		b.WriteString(labelStyle.Render("  Actions: ") + strings.Join(parts, "  ") + "\n")
	}

	if len(snap.Recent.Notifications) > 0 {
		b.WriteString(labelStyle.Render("  Recent:") + "\n")
		for _, r := range snap.Recent.Notifications {
			fmt.Fprintf(&b, "    %-8s %-10s %-24s %s\n",
				dimStyle.Render(FormatAge(now, r.ArrivedAt)),
				labelStyle.Render(Truncate(r.Channel, 10)),
				valueStyle.Render(Truncate(r.Sender, 24)),
				dimStyle.Render(string(r.Action)))
		}
	}

	b.WriteString("\n" +
		footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval)))

	return containerStyle.Render(b.String())
}
