// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/avocado-linux/avocado-cli/internal/deps"
)

func renderTable(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorMuted)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func renderDependencies(w io.Writer, ds []deps.Dependency) {
	if len(ds) == 0 {
		fmt.Fprintln(w, SubtitleStyle.Render("No dependencies."))
		return
	}
	rows := make([][]string, 0, len(ds))
	for _, d := range deps.Sort(ds) {
		rows = append(rows, []string{d.Type, d.Name, d.Version})
	}
	renderTable(w, []string{"TYPE", "NAME", "VERSION"}, rows)
}
