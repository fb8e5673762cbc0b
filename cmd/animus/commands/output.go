package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/openfroyo/animus/pkg/engine"
	"github.com/openfroyo/animus/pkg/stores"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("204"))
)

// outcomeStyle colours a step outcome or plan status.
func outcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case string(engine.OutcomeSucceeded), "run":
		return okStyle
	case outcomeSkipped:
		return dimStyle
	case string(engine.OutcomeFailed):
		return errorStyle
	default:
		return lipgloss.NewStyle()
	}
}

func runStatusStyle(status string) lipgloss.Style {
	switch stores.RunStatus(status) {
	case stores.RunStatusCompleted:
		return okStyle
	case stores.RunStatusFailed:
		return errorStyle
	case stores.RunStatusRunning:
		return warnStyle
	default:
		return lipgloss.NewStyle()
	}
}

// renderTable renders rows under headers. Cells of the column named by
// styleColumn are passed through cellStyle, when given.
func renderTable(headers []string, rows [][]string, styleColumn int, cellStyle func(string) lipgloss.Style) string {
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if cellStyle != nil && col == styleColumn && row >= 0 && row < len(rows) {
				return cellStyle(rows[row][col])
			}
			return lipgloss.NewStyle()
		})
	for _, row := range rows {
		tbl.Row(row...)
	}
	return tbl.String()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeLine(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
