package main

import "github.com/charmbracelet/lipgloss"

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
)

func renderPass(s string) string   { return passStyle.Render(s) }
func renderWarn(s string) string   { return warnStyle.Render(s) }
func renderFail(s string) string   { return failStyle.Render(s) }
func renderAccent(s string) string { return accentStyle.Render(s) }
func renderMuted(s string) string  { return mutedStyle.Render(s) }

// renderTable lays rows out in left-aligned columns sized to their widest
// cell.
func renderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = cellStyle.Width(widths[i] + 2).Render(style.Render(c))
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
	}

	out := []string{line(header, headerStyle)}
	for _, row := range rows {
		out = append(out, line(row, lipgloss.NewStyle()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, out...)
}
