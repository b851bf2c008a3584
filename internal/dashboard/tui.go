// Package dashboard renders the live terminal view behind `overseer status
// --watch`: queue state, running tasks, and the event stream from the admin
// gateway.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Panel width (all panels same width).
const (
	panelTotalWidth = 69
	panelInnerWidth = 65 // panelTotalWidth - 4 (2 borders + 2 padding spaces)
)

// maxEventLines bounds the event log panel.
const maxEventLines = 10

// Styles (muted terminal aesthetic).
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3d4450")) // slate

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7ec699")) // sage green

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4a054")) // amber

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#c9d1d9"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))
)

// TaskRow is one running task as rendered in the tasks panel.
type TaskRow struct {
	ID        string
	ProjectID string
	Issue     int
	Status    string
	Age       time.Duration
}

// Snapshot is the gateway status slice the watcher renders.
type Snapshot struct {
	Version   string
	Uptime    time.Duration
	Pending   int
	Running   []TaskRow
	Projects  []string
	Fairness  float64
	AILimited bool
	AIResetAt time.Time
	Completed int64
	Failed    int64
}

// Model is the TUI model.
type Model struct {
	version   string
	snapshot  Snapshot
	events    []string
	connected bool
	quitting  bool
	width     int
	height    int
}

// NewModel creates a dashboard model.
func NewModel(version string) Model {
	return Model{version: version}
}

// tickMsg is sent periodically to refresh relative times.
type tickMsg time.Time

// updateSnapshotMsg replaces the rendered status snapshot.
type updateSnapshotMsg Snapshot

// addEventMsg appends one event log line.
type addEventMsg string

// connectionMsg reports the gateway connection state.
type connectionMsg bool

// UpdateSnapshot builds a command carrying a fresh status snapshot.
func UpdateSnapshot(s Snapshot) tea.Cmd {
	return func() tea.Msg { return updateSnapshotMsg(s) }
}

// AddEvent builds a command appending an event log line.
func AddEvent(line string) tea.Cmd {
	return func() tea.Msg { return addEventMsg(line) }
}

// SetConnected builds a command reporting gateway reachability.
func SetConnected(ok bool) tea.Cmd {
	return func() tea.Msg { return connectionMsg(ok) }
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), tea.EnterAltScreen)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		return m, tickCmd()
	case updateSnapshotMsg:
		m.snapshot = Snapshot(msg)
	case addEventMsg:
		m.events = append(m.events, fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), string(msg)))
		if len(m.events) > maxEventLines {
			m.events = m.events[len(m.events)-maxEventLines:]
		}
	case connectionMsg:
		m.connected = bool(msg)
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return "Overseer watch stopped.\n"
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("  OVERSEER %s", m.version)))
	if !m.connected {
		b.WriteString("  " + failedStyle.Render("(gateway unreachable)"))
	}
	b.WriteString("\n\n")

	b.WriteString(m.renderQueue())
	b.WriteString("\n")
	b.WriteString(m.renderRunning())
	b.WriteString("\n")
	b.WriteString(m.renderEvents())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("  q: quit"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderQueue() string {
	var content strings.Builder
	w := panelInnerWidth
	s := m.snapshot

	content.WriteString(dotLeader("Uptime", formatDuration(s.Uptime), w))
	content.WriteString("\n")
	content.WriteString(dotLeader("Pending", fmt.Sprintf("%d", s.Pending), w))
	content.WriteString("\n")
	content.WriteString(dotLeader("Running", fmt.Sprintf("%d", len(s.Running)), w))
	content.WriteString("\n")
	content.WriteString(dotLeaderStyled("Completed", fmt.Sprintf("%d", s.Completed), okStyle, w))
	content.WriteString("\n")
	content.WriteString(dotLeaderStyled("Failed", fmt.Sprintf("%d", s.Failed), failedStyle, w))
	content.WriteString("\n")
	content.WriteString(dotLeader("Fairness", fmt.Sprintf("%.2f", s.Fairness), w))
	content.WriteString("\n")
	if s.AILimited {
		reset := "unknown"
		if !s.AIResetAt.IsZero() {
			reset = formatDuration(time.Until(s.AIResetAt))
		}
		content.WriteString(dotLeaderStyled("AI limit", "resets in "+reset, warningStyle, w))
	} else {
		content.WriteString(dotLeader("AI limit", "ok", w))
	}
	content.WriteString("\n")
	content.WriteString(dotLeader("Projects", strings.Join(s.Projects, ", "), w))

	return renderPanel("QUEUE", content.String())
}

func (m Model) renderRunning() string {
	var content strings.Builder

	if len(m.snapshot.Running) == 0 {
		content.WriteString(dimStyle.Render("  No tasks running"))
	}
	for i, row := range m.snapshot.Running {
		if i > 0 {
			content.WriteString("\n")
		}
		line := fmt.Sprintf("  %s %s#%d (%s)",
			row.ID, row.ProjectID, row.Issue, formatDuration(row.Age))
		style := runningStyle
		if row.Status == "stalled" {
			style = warningStyle
			line += " stalled"
		}
		content.WriteString(style.Render(padOrTruncate(line, panelInnerWidth)))
	}

	return renderPanel("RUNNING", content.String())
}

func (m Model) renderEvents() string {
	var content strings.Builder

	if len(m.events) == 0 {
		content.WriteString(dimStyle.Render("  Waiting for events..."))
	}
	for i, line := range m.events {
		if i > 0 {
			content.WriteString("\n")
		}
		content.WriteString("  " + padOrTruncate(line, panelInnerWidth-2))
	}

	return renderPanel("EVENTS", content.String())
}

// renderPanel builds a panel manually with guaranteed width.
// Structure: ╭─ TITLE ─...─╮ / │ (space) content (space) │ / ╰─...─╯
func renderPanel(title, content string) string {
	var lines []string
	lines = append(lines, buildTopBorder(title))
	lines = append(lines, buildEmptyLine())
	for _, line := range strings.Split(content, "\n") {
		lines = append(lines, buildContentLine(line))
	}
	lines = append(lines, buildEmptyLine())
	lines = append(lines, buildBottomBorder())
	return strings.Join(lines, "\n")
}

func buildTopBorder(title string) string {
	titleUpper := strings.ToUpper(title)
	prefix := "╭─ "
	prefixWidth := lipgloss.Width(prefix + titleUpper + " ")

	dashCount := panelTotalWidth - prefixWidth - 1
	if dashCount < 0 {
		dashCount = 0
	}
	return borderStyle.Render(prefix) + labelStyle.Render(titleUpper) +
		borderStyle.Render(" "+strings.Repeat("─", dashCount)+"╮")
}

func buildBottomBorder() string {
	return borderStyle.Render("╰" + strings.Repeat("─", panelTotalWidth-2) + "╯")
}

func buildEmptyLine() string {
	border := borderStyle.Render("│")
	return border + strings.Repeat(" ", panelTotalWidth-2) + border
}

func buildContentLine(content string) string {
	adjusted := padOrTruncate(content, panelTotalWidth-4)
	border := borderStyle.Render("│")
	return border + " " + adjusted + " " + border
}

// padOrTruncate ensures content is exactly targetWidth visual chars.
func padOrTruncate(s string, targetWidth int) string {
	visualWidth := lipgloss.Width(s)
	if visualWidth == targetWidth {
		return s
	}
	if visualWidth > targetWidth {
		return truncateVisual(s, targetWidth)
	}
	return s + strings.Repeat(" ", targetWidth-visualWidth)
}

// truncateVisual truncates to targetWidth visual chars, adding "..." if cut.
func truncateVisual(s string, targetWidth int) string {
	if lipgloss.Width(s) <= targetWidth {
		return s
	}
	if targetWidth <= 3 {
		return strings.Repeat(".", targetWidth)
	}

	result := ""
	width := 0
	for _, r := range s {
		runeWidth := lipgloss.Width(string(r))
		if width+runeWidth > targetWidth-3 {
			break
		}
		result += string(r)
		width += runeWidth
	}
	for width < targetWidth-3 {
		result += " "
		width++
	}
	return result + "..."
}

// dotLeader creates a dot-leader line: "  Label .............. Value"
func dotLeader(label, value string, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	dotsNeeded := totalWidth - lipgloss.Width(prefix) - lipgloss.Width(suffix)
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + suffix
}

// dotLeaderStyled creates a dot-leader with a styled value. Width is computed
// on the raw value, then the style is applied.
func dotLeaderStyled(label, value string, style lipgloss.Style, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	dotsNeeded := totalWidth - lipgloss.Width(prefix) - lipgloss.Width(suffix)
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + " " + style.Render(value)
}

// formatDuration formats a duration for display (e.g. "45s", "2m", "1h30m").
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	if mins == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh%dm", hours, mins)
}
