package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/dkeye/peercall/internal/app/recording"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	errStyle    = cellStyle.Foreground(lipgloss.Color("9"))
)

func summaryRows(res recording.Result, took time.Duration) [][]string {
	path := res.Path
	if res.SaveErr != nil {
		path = "failed: " + res.SaveErr.Error()
	}
	text := res.Text
	if res.Err != nil {
		text = "failed: " + res.Err.Error()
	}
	return [][]string{
		{"Duration", took.Round(time.Millisecond).String()},
		{"Saved to", path},
		{"Transcript", text},
	}
}

// renderSummary prints the outcome of a recording as a two column table.
func renderSummary(res recording.Result, took time.Duration) {
	rows := summaryRows(res, took)
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Recording", "").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 1 && row >= 0 && strings.HasPrefix(rows[row][1], "failed:"):
				return errStyle
			default:
				return cellStyle
			}
		})
	fmt.Println(tbl.Render())
}
