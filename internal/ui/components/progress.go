// Package components renders reusable CLI fragments.
package components

import (
	"fmt"
	"strings"

	"charm.land/lipgloss/v2"

	"github.com/abhisek/rehearse/internal/ui/theme"
)

// ProgressBar displays a horizontal percentage bar.
type ProgressBar struct {
	Label string
	// Percent is 0..100.
	Percent     int
	ShowPercent bool
	Width       int
}

// NewProgressBar creates a new progress bar.
func NewProgressBar(label string, percent int, showPercent bool, width int) ProgressBar {
	return ProgressBar{
		Label:       label,
		Percent:     percent,
		ShowPercent: showPercent,
		Width:       width,
	}
}

// View renders the bar.
func (p ProgressBar) View() string {
	var result string

	if p.Label != "" {
		result += theme.Body.Render(p.Label) + "  "
	}

	labelWidth := lipgloss.Width(result)
	var pct string
	if p.ShowPercent {
		pct = fmt.Sprintf("  %d%%", p.Percent)
	}
	percentWidth := len(pct)

	barWidth := max(p.Width-labelWidth-percentWidth, 4)
	filled := min(max(barWidth*p.Percent/100, 0), barWidth)

	result += theme.ProgressFilled.Render(strings.Repeat(" ", filled)) +
		theme.ProgressEmpty.Render(strings.Repeat(" ", barWidth-filled))

	if pct != "" {
		result += lipgloss.NewStyle().Foreground(theme.TextDim).Render(pct)
	}
	return result
}
