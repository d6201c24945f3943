package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tryextender/internal/events"
)

const (
	healthEvery    = 5 * time.Second
	reconnectAfter = 3 * time.Second
)

type (
	eventMsg     events.Event
	healthMsg    Health
	healthErrMsg struct{ err error }
	closedMsg    struct{ err error }
	reconnectMsg struct{}
)

// Model is the bubbletea model of the monitor.
type Model struct {
	ctx    context.Context
	client *Client
	types  string

	board     *Board
	health    Health
	connected bool
	lastErr   string

	width  int
	height int

	jobs   table.Model
	log    viewport.Model
	spin   spinner.Model
	stream chan events.Event
}

// New creates the monitor. types filters the event stream and may be empty.
func New(ctx context.Context, client *Client, types string) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Builder", Width: 40},
			{Title: "Revision", Width: 12},
			{Title: "Pri", Width: 7},
			{Title: "Try", Width: 3},
			{Title: "Job", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
		table.WithStyles(tableStyles()),
	)
	s := spinner.New()
	s.Spinner = spinner.Dot

	return Model{
		ctx:    ctx,
		client: client,
		types:  types,
		board:  NewBoard(),
		jobs:   t,
		log:    viewport.New(80, 10),
		spin:   s,
		stream: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.connect(),
		m.next(),
		m.fetchHealth,
		m.spin.Tick,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.jobs.SetWidth(m.width - 6)
		m.jobs.SetHeight(max(m.height/3, 3))
		m.log.Width = m.width - 6
		m.log.Height = max(m.height/4, 3)
		return m, nil

	case eventMsg:
		if m.board.Apply(events.Event(msg)) {
			m.refresh()
		}
		m.connected = true
		m.lastErr = ""
		return m, m.next()

	case healthMsg:
		m.health = Health(msg)
		m.connected = true
		return m, tea.Tick(healthEvery, func(time.Time) tea.Msg { return m.fetchHealth() })

	case healthErrMsg:
		m.lastErr = msg.err.Error()
		return m, tea.Tick(healthEvery, func(time.Time) tea.Msg { return m.fetchHealth() })

	case closedMsg:
		m.connected = false
		m.lastErr = fmt.Sprintf("%v, reconnecting", msg.err)
		return m, tea.Tick(reconnectAfter, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.connect()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.jobs, cmd = m.jobs.Update(msg)
	return m, cmd
}

// connect resumes the stream after the last event the board has seen.
func (m Model) connect() tea.Cmd {
	lastID := m.board.LastID()
	return func() tea.Msg {
		return closedMsg{err: m.client.Stream(m.ctx, m.types, lastID, m.stream)}
	}
}

func (m Model) next() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-m.stream:
			return eventMsg(ev)
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m Model) fetchHealth() tea.Msg {
	h, err := m.client.Health(m.ctx)
	if err != nil {
		return healthErrMsg{err: err}
	}
	return healthMsg(h)
}

func (m *Model) refresh() {
	jobs := m.board.Jobs()
	rows := make([]table.Row, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, table.Row{
			statusSymbol(j.Status),
			j.Builder,
			j.Revision,
			j.Priority,
			attempt(j.Attempt),
			short(j.ID, 8),
		})
	}
	m.jobs.SetRows(rows)

	lines := make([]string, 0, len(m.board.Events()))
	for _, ev := range m.board.Events() {
		lines = append(lines, fmt.Sprintf("%s %s %s",
			dimStyle.Render(ev.At.Format("15:04:05")),
			eventStyle(ev.Type).Render(fmt.Sprintf("%-18s", ev.Type)),
			short(string(ev.Data), 80),
		))
	}
	m.log.SetContent(strings.Join(lines, "\n"))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}
	boxWidth := m.width - 4

	parts := []string{
		borderStyle.Width(boxWidth).Render(m.header()),
		borderStyle.Width(boxWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Trigger jobs"),
			m.jobs.View(),
		)),
		borderStyle.Width(boxWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Events"),
			m.log.View(),
		)),
	}
	if m.lastErr != "" {
		parts = append(parts, failedStyle.Render(" ⚠ "+m.lastErr))
	}
	parts = append(parts, dimStyle.Render(" [q] Quit • [↑/↓] Scroll jobs"))

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) header() string {
	status := okStyle.Render("LIVE")
	switch {
	case !m.connected:
		status = failedStyle.Render("CONNECTING")
	case m.health.Status != "" && m.health.Status != "ok":
		status = failedStyle.Render("DEGRADED")
	}

	fingerprint := m.board.Catalog
	if fingerprint == "" {
		fingerprint = m.health.CatalogFingerprint
	}
	uptime := time.Duration(m.health.UptimeSeconds) * time.Second

	return strings.Join([]string{
		fmt.Sprintf(" %s %s", m.spin.View(), status),
		fmt.Sprintf("up %s", uptime),
		fmt.Sprintf("queue %d", m.health.QueueDepth),
		fmt.Sprintf("reports %d", m.board.Classified),
		fmt.Sprintf("catalog %s", short(strings.TrimPrefix(fingerprint, "blake3:"), 12)),
	}, "  ")
}

func attempt(n int) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprint(n)
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
