// Package cli provides terminal rendering helpers for the opencane CLI:
// lipgloss styles, a key/value section renderer for status output, and
// structured output in yaml or json.
package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the CLI color scheme.
type Theme struct {
	Primary lipgloss.Color
	Good    lipgloss.Color
	Bad     lipgloss.Color
	Dim     lipgloss.Color
}

// DefaultTheme is the default theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00b4d8"),
	Good:    lipgloss.Color("#2ecc71"),
	Bad:     lipgloss.Color("#e74c3c"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds the styles derived from a theme.
type Styles struct {
	Title lipgloss.Style
	Label lipgloss.Style
	Good  lipgloss.Style
	Bad   lipgloss.Style
	Dim   lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Label: lipgloss.NewStyle().Bold(true),
		Good:  lipgloss.NewStyle().Foreground(t.Good),
		Bad:   lipgloss.NewStyle().Foreground(t.Bad),
		Dim:   lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// KV is one row of a rendered section.
type KV struct {
	Key   string
	Value string
}

// Section is a titled block of key/value rows.
type Section struct {
	Title string
	Rows  []KV
}

// RenderSections renders sections with aligned keys.
func (s Styles) RenderSections(sections []Section) string {
	var b strings.Builder
	for i, sec := range sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s.Title.Render(sec.Title))
		b.WriteString("\n")

		width := 0
		for _, row := range sec.Rows {
			if len(row.Key) > width {
				width = len(row.Key)
			}
		}
		for _, row := range sec.Rows {
			b.WriteString("  ")
			b.WriteString(s.Label.Render(row.Key))
			b.WriteString(strings.Repeat(" ", width-len(row.Key)+2))
			b.WriteString(row.Value)
			b.WriteString("\n")
		}
	}
	return b.String()
}
