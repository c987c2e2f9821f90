// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	headerStyle = cellStyle.Reverse(true).Align(lipgloss.Center)
	fadedStyle  = cellStyle.Faint(true)
	diffStyle   = cellStyle.Bold(true).Foreground(lipgloss.Color("9"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4)
)

// reportTable renders rows with alternating shades, and highlights rows whose values differ across
// the checkpoints being compared.
type reportTable struct {
	table       *lgtable.Table
	numRows     int
	highlighted map[int]bool
	alignments  []lipgloss.Position
}

// newReportTable creates a table with the given column alignments. Columns beyond the alignments
// given use the last one.
func newReportTable(alignments ...lipgloss.Position) *reportTable {
	t := &reportTable{highlighted: make(map[int]bool), alignments: alignments}
	t.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(t.style)
	return t
}

func (t *reportTable) style(row, col int) lipgloss.Style {
	if row < 0 {
		return headerStyle
	}
	s := cellStyle
	if t.highlighted[row] {
		s = diffStyle
	} else if row%2 == 1 {
		s = fadedStyle
	}
	if len(t.alignments) == 0 {
		return s
	}
	return s.Align(t.alignments[min(col, len(t.alignments)-1)])
}

// Headers sets the header row.
func (t *reportTable) Headers(headers ...string) { t.table.Headers(headers...) }

// Row appends a plain row.
func (t *reportTable) Row(cells ...string) {
	t.table.Row(cells...)
	t.numRows++
}

// CompareRow appends a row labeled key with one value per checkpoint, highlighted if the values differ.
func (t *reportTable) CompareRow(key string, values []string) {
	if !isAllEqual(values) {
		t.highlighted[t.numRows] = true
	}
	t.Row(append([]string{key}, values...)...)
}

// Render the table to a string.
func (t *reportTable) Render() string { return t.table.Render() }

func isAllEqual[E comparable](s []E) bool {
	for _, e := range s {
		if e != s[0] {
			return false
		}
	}
	return true
}
