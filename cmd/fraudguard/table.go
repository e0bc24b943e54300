package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// reportTable is a label/value table as printed by the check command. Values
// are right-aligned so scores line up.
type reportTable struct {
	title  string
	header [2]string
	rows   [][2]string
	total  *[2]string
}

func (t *reportTable) add(label, value string) {
	t.rows = append(t.rows, [2]string{label, value})
}

// setTotal adds a summary row below a separator.
func (t *reportTable) setTotal(label, value string) {
	t.total = &[2]string{label, value}
}

func (t *reportTable) render() string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	if t.title != "" {
		tw.SetTitle(t.title)
	}

	tw.AppendHeader(table.Row{t.header[0], t.header[1]})
	for _, row := range t.rows {
		tw.AppendRow(table.Row{row[0], row[1]})
	}
	if t.total != nil {
		tw.AppendSeparator()
		tw.AppendRow(table.Row{t.total[0], t.total[1]})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
