package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/procscope/internal/model"
)

var (
	dim   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	cyan  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	red   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	bold  = lipgloss.NewStyle().Bold(true)
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

func renderResult(w io.Writer, title string, res model.Result) {
	fmt.Fprintln(w, bold.Render(title)+"  "+dim.Render(fmt.Sprintf("%s · %d of %d instances",
		res.Type, res.InstanceCount, res.InstanceCountWithoutFilters)))
	for _, m := range res.Measures {
		fmt.Fprintln(w, "  "+cyan.Render(measureLabel(m)))
		switch {
		case m.Value != nil:
			fmt.Fprintf(w, "    %d\n", *m.Value)
		case m.Map != nil:
			rows := make([][]string, 0, len(m.Map))
			for _, e := range m.Map {
				rows = append(rows, []string{entryName(e.Key, e.Label), strconv.FormatInt(e.Value, 10)})
			}
			writeTable(w, []string{"key", "value"}, rows)
		case m.HyperMap != nil:
			var rows [][]string
			for _, g := range m.HyperMap {
				for _, e := range g.Value {
					rows = append(rows, []string{entryName(g.Key, g.Label), entryName(e.Key, e.Label), strconv.FormatInt(e.Value, 10)})
				}
			}
			writeTable(w, []string{"group", "key", "value"}, rows)
		case m.Raw != nil:
			for _, doc := range m.Raw {
				line, err := json.Marshal(doc)
				if err != nil {
					fmt.Fprintf(w, "    %s\n", red.Render(err.Error()))
					continue
				}
				fmt.Fprintf(w, "    %s\n", line)
			}
		default:
			fmt.Fprintln(w, "    "+dim.Render("no data"))
		}
	}
	fmt.Fprintln(w)
}

func renderCombined(w io.Writer, res model.CombinedResult) {
	fmt.Fprintln(w, bold.Render("combined")+"  "+dim.Render(strings.Join(res.ReportIDs, ", ")))
	header := append([]string{"key"}, res.ReportIDs...)
	rows := make([][]string, 0, len(res.Rows))
	for _, r := range res.Rows {
		row := []string{entryName(r.Key, r.Label)}
		for _, id := range res.ReportIDs {
			v, ok := r.Values[id]
			if !ok {
				row = append(row, "-")
				continue
			}
			row = append(row, strconv.FormatInt(v, 10))
		}
		rows = append(rows, row)
	}
	writeTable(w, header, rows)
	fmt.Fprintln(w)
}

func renderStatus(w io.Writer, loops []model.MediatorStatus) {
	if len(loops) == 0 {
		fmt.Fprintln(w, dim.Render("no import loops"))
		return
	}
	rows := make([][]string, 0, len(loops))
	for _, s := range loops {
		state := green.Render(string(s.State))
		if s.State == model.StateErrorBackoff {
			state = red.Render(string(s.State))
		}
		rows = append(rows, []string{
			s.Key.String(),
			state,
			strconv.FormatInt(s.Position, 10),
			strconv.FormatInt(s.RecordsImported, 10),
			strconv.FormatInt(s.RecordsSkipped, 10),
			strconv.FormatInt(s.Failures, 10),
			s.LastError,
		})
	}
	writeTable(w, []string{"loop", "state", "position", "imported", "skipped", "failures", "last error"}, rows)
}

func measureLabel(m model.Measure) string {
	parts := []string{string(m.Property)}
	if m.Aggregation != nil {
		agg := string(m.Aggregation.Type)
		if m.Aggregation.Type == model.AggregationPercentile {
			agg = "p" + strconv.FormatFloat(m.Aggregation.Value, 'f', -1, 64)
		}
		parts = append(parts, agg)
	}
	if m.UserTaskDurationTime != "" {
		parts = append(parts, string(m.UserTaskDurationTime))
	}
	return strings.Join(parts, " ")
}

func entryName(key, label string) string {
	if label == "" || label == key {
		return key
	}
	return label + " (" + key + ")"
}

// writeTable prints left-aligned columns sized to their widest cell.
func writeTable(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if n := lipgloss.Width(c); n > widths[i] {
				widths[i] = n
			}
		}
	}
	line := func(cells []string, style func(string) string) {
		var b strings.Builder
		b.WriteString("    ")
		for i, c := range cells {
			b.WriteString(style(c))
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c)+2))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
	line(header, func(s string) string { return dim.Render(s) })
	for _, r := range rows {
		line(r, func(s string) string { return s })
	}
}
