package tui

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)

	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	queuedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	deadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	catalogStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func statusSymbol(status string) string {
	switch status {
	case "queued":
		return queuedStyle.Render("○")
	case "succeeded":
		return okStyle.Render("●")
	case "failed":
		return failedStyle.Render("∅")
	case "dead":
		return deadStyle.Render("◔")
	default:
		return "?"
	}
}

func eventStyle(eventType string) lipgloss.Style {
	switch eventType {
	case "trigger.completed":
		return okStyle
	case "catalog.changed":
		return catalogStyle
	default:
		return dimStyle
	}
}

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	return s
}
