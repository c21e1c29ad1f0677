package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/leapstack-labs/leapgate/pkg/core"
	"github.com/shopspring/decimal"
	"golang.org/x/term"
)

// Output formats.
const (
	FormatAuto  = "auto"
	FormatTable = "table"
	FormatJSON  = "json"
)

// resolveFormat turns auto into table on a terminal and json otherwise.
func resolveFormat(format string, w io.Writer) string {
	switch strings.ToLower(format) {
	case FormatTable:
		return FormatTable
	case FormatJSON:
		return FormatJSON
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return FormatTable
	}
	return FormatJSON
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderRows prints a titled table of positional rows.
func renderRows(w io.Writer, title string, cols []core.ColumnSchema, rows [][]any, total int) {
	if title != "" {
		_, _ = fmt.Fprintln(w, title)
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(w, "(0 rows)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	header := make(table.Row, len(cols))
	for i, c := range cols {
		header[i] = c.Name
	}
	t.AppendHeader(header)

	for _, r := range rows {
		row := make(table.Row, len(r))
		for i, v := range r {
			row[i] = formatValue(v)
		}
		t.AppendRow(row)
	}
	t.Render()

	if total > len(rows) {
		_, _ = fmt.Fprintf(w, "(%d of %d rows)\n", len(rows), total)
		return
	}
	_, _ = fmt.Fprintf(w, "(%d rows)\n", len(rows))
}

// renderList prints a two-column key/value table.
func renderList(w io.Writer, header table.Row, rows []table.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	t.AppendRows(rows)
	t.Render()
}

func renderWarnings(w io.Writer, warnings []string) {
	for _, msg := range warnings {
		_, _ = fmt.Fprintf(w, "warning: %s\n", msg)
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case decimal.Decimal:
		return x.String()
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.RFC3339)
	case float64:
		return fmt.Sprintf("%.6g", x)
	default:
		return fmt.Sprintf("%v", v)
	}
}
