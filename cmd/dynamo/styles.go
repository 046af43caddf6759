package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	highlight = lipgloss.Color("39")
	good      = lipgloss.Color("42")
	warn      = lipgloss.Color("214")
	bad       = lipgloss.Color("196")
	subtle    = lipgloss.Color("244")
	grid      = lipgloss.Color("238")

	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(highlight).Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(highlight)
	mutedStyle = lipgloss.NewStyle().Foreground(subtle)
	labelStyle = mutedStyle.Width(22)
	valueStyle = lipgloss.NewStyle().Bold(true)

	goodStyle = valueStyle.Foreground(good)
	warnStyle = valueStyle.Foreground(warn)
	badStyle  = valueStyle.Foreground(bad)
)

func createPanel(title, content string, width int) string {
	panel := panelStyle
	if width > 0 {
		panel = panel.Width(width)
	}
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

type metric struct {
	label string
	value string
	style lipgloss.Style
}

func renderMetrics(metrics []metric) string {
	var content strings.Builder
	for _, m := range metrics {
		content.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render(m.label+":"), m.style.Render(m.value)))
	}
	return strings.TrimSpace(content.String())
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(grid)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return titleStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

// createMiniProgressBar renders an occupancy bar. Values above 100% fill the
// bar and keep the real percentage in the label.
func createMiniProgressBar(percentage float64, width int) string {
	filled := int(percentage * float64(width) / 100)
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	filledPart := levelStyle(percentage).Render(strings.Repeat("▪", filled))
	emptyPart := mutedStyle.Render(strings.Repeat("·", width-filled))
	return fmt.Sprintf("%s%s %.1f%%", filledPart, emptyPart, percentage)
}

// levelStyle colours an occupancy percentage.
func levelStyle(percentage float64) lipgloss.Style {
	switch {
	case percentage > 90:
		return badStyle
	case percentage > 70:
		return warnStyle
	}
	return goodStyle
}
