// Package tabular converts the ordered result sets of one stored-procedure
// execution into typed tables.
//
// The output contract is positional: RS0 carries schema metadata, RS1 an
// optional one-row summary, and RS2..N the data tables.
package tabular

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/leapstack-labs/leapgate/pkg/core"
)

// cancelCheckInterval is how many rows are scanned between context checks.
const cancelCheckInterval = 1024

// ResultSets is the cursor the reader consumes. *sql.Rows satisfies it.
type ResultSets interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	ColumnTypes() ([]*sql.ColumnType, error)
	NextResultSet() bool
	Err() error
}

// Limits bounds what the reader materializes from one execution.
// Zero means unbounded.
type Limits struct {
	MaxRowsPerTable int
	MaxRowsSummary  int
	MaxSchemaRows   int
	MaxTables       int
}

// Table is one data result set with its resolved schema.
type Table struct {
	Schema core.ResultSetSchema
	Data   *core.TabularData
}

// Result is everything read from one execution.
type Result struct {
	Metadata *Metadata
	Summary  *core.TabularData
	Tables   []Table
	Warnings []string
}

// Reader reads procedure output into typed tables.
type Reader struct {
	limits Limits
	logger *slog.Logger
}

// NewReader creates a Reader. If logger is nil, a discard logger is used.
func NewReader(limits Limits, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reader{limits: limits, logger: logger}
}

// Read consumes every result set of rows. The caller owns and closes rows.
func (r *Reader) Read(ctx context.Context, rows ResultSets) (*Result, error) {
	res := &Result{}

	// RS0: metadata
	meta, err := r.readSet(ctx, rows, r.limits.MaxSchemaRows)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata result set: %w", err)
	}
	if meta.truncated() {
		res.warnf("metadata truncated to %d rows (%d returned)", len(meta.rows), meta.total)
	}
	res.Metadata = ParseMetadata(meta.records())
	res.Warnings = append(res.Warnings, res.Metadata.Warnings...)

	// RS1: summary slot
	if !rows.NextResultSet() {
		r.logger.Debug("procedure returned metadata only")
		return res, r.finish(rows, res)
	}
	summary, err := r.readSet(ctx, rows, r.limits.MaxRowsSummary)
	if err != nil {
		return nil, fmt.Errorf("failed to read summary result set: %w", err)
	}
	if len(summary.rows) > 0 {
		data, warnings := summary.build(res.Metadata, core.SummaryResultSet)
		res.Summary = data
		res.Warnings = append(res.Warnings, warnings...)
		if summary.truncated() {
			res.warnf("summary truncated to %d rows (%d returned)", len(summary.rows), summary.total)
		}
	}

	// RS2..N: data tables
	for idx := core.FirstDataResultSet; rows.NextResultSet(); idx++ {
		if r.limits.MaxTables > 0 && len(res.Tables) >= r.limits.MaxTables {
			res.warnf("result sets after index %d ignored (max %d tables)", idx-1, r.limits.MaxTables)
			break
		}

		raw, err := r.readSet(ctx, rows, r.limits.MaxRowsPerTable)
		if err != nil {
			return nil, fmt.Errorf("failed to read result set %d: %w", idx, err)
		}
		data, warnings := raw.build(res.Metadata, idx)
		res.Warnings = append(res.Warnings, warnings...)

		schema := resolveSchema(res.Metadata, idx)
		schema.Columns = data.Columns
		if raw.truncated() {
			total := raw.total
			data.TotalCount = &total
			res.warnf("table %s truncated to %d rows (%d returned)", schema.TableName, len(raw.rows), raw.total)
		}

		res.Tables = append(res.Tables, Table{Schema: schema, Data: data})
	}

	for _, idx := range res.Metadata.Indexes() {
		if idx >= core.FirstDataResultSet && idx-core.FirstDataResultSet >= len(res.Tables) {
			res.warnf("declared result set %d was not returned", idx)
		}
	}

	return res, r.finish(rows, res)
}

func (r *Reader) finish(rows ResultSets, res *Result) error {
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating result sets: %w", err)
	}
	r.logger.Debug("read procedure output",
		slog.Int("tables", len(res.Tables)),
		slog.Bool("summary", res.Summary != nil),
		slog.Int("warnings", len(res.Warnings)))
	return nil
}

// resolveSchema returns a copy of the RS0 declaration for idx, or an
// undeclared placeholder.
func resolveSchema(meta *Metadata, idx int) core.ResultSetSchema {
	decl := meta.Declared(idx)
	if decl == nil {
		return core.ResultSetSchema{Index: idx, TableName: core.PlaceholderTableName(idx)}
	}
	schema := *decl
	if schema.TableName == "" {
		schema.TableName = core.PlaceholderTableName(idx)
	}
	schema.PrimaryKey = append([]string(nil), decl.PrimaryKey...)
	schema.JoinHints = append([]string(nil), decl.JoinHints...)
	return schema
}

func (res *Result) warnf(format string, args ...any) {
	res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
}

// ===== Raw result sets =====

type rawSet struct {
	names []string
	types []*sql.ColumnType
	rows  [][]any
	total int64
}

func (s *rawSet) truncated() bool {
	return s.total > int64(len(s.rows))
}

// readSet scans up to maxRows rows of the current result set and counts the rest.
func (r *Reader) readSet(ctx context.Context, rows ResultSets, maxRows int) (*rawSet, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		types = nil
	}

	set := &rawSet{names: names, types: types}
	for rows.Next() {
		if set.total%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		set.total++
		if maxRows > 0 && len(set.rows) >= maxRows {
			continue
		}

		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		set.rows = append(set.rows, values)
	}
	return set, rows.Err()
}

// records returns rows keyed by folded column name, for RS0 parsing.
func (s *rawSet) records() []map[string]any {
	out := make([]map[string]any, len(s.rows))
	for i, row := range s.rows {
		rec := make(map[string]any, len(s.names))
		for j, name := range s.names {
			rec[foldKey(name)] = row[j]
		}
		out[i] = rec
	}
	return out
}

// build types the raw rows using driver metadata, RS0 declarations and,
// as a last resort, the scanned values themselves.
func (s *rawSet) build(meta *Metadata, idx int) (*core.TabularData, []string) {
	var warnings []string
	names := UniqueNames(s.names)

	cols := make([]core.ColumnSchema, len(names))
	for j, name := range names {
		col := core.ColumnSchema{Name: name}
		var driverNullable, nullableKnown bool
		if j < len(s.types) && s.types[j] != nil {
			col.SQLType = s.types[j].DatabaseTypeName()
			driverNullable, nullableKnown = s.types[j].Nullable()
		}

		decl := meta.declaredColumn(idx, s.names[j])
		if decl != nil {
			if col.SQLType == "" {
				col.SQLType = decl.SQLType
			}
			col.Role = decl.Role
			col.SemanticType = decl.SemanticType
		}

		t, ok := TypeFromSQL(col.SQLType)
		if !ok {
			t = s.inferType(j)
		}
		col.TabularType = t

		switch {
		case decl != nil && decl.Nullable != nil:
			col.Nullable = *decl.Nullable
		case nullableKnown:
			col.Nullable = driverNullable
		default:
			col.Nullable = s.hasNull(j)
		}
		cols[j] = col
	}

	rows := make([][]any, len(s.rows))
	for i := range s.rows {
		rows[i] = make([]any, len(cols))
	}
	for j := range cols {
		if w := s.convertColumn(j, &cols[j], rows); w != "" {
			warnings = append(warnings, w)
		}
	}

	return &core.TabularData{Columns: cols, Rows: rows}, warnings
}

func (s *rawSet) inferType(col int) core.TabularType {
	for _, row := range s.rows {
		if row[col] != nil {
			return TypeFromValue(row[col])
		}
	}
	return core.TypeString
}

func (s *rawSet) hasNull(col int) bool {
	for _, row := range s.rows {
		if row[col] == nil {
			return true
		}
	}
	return false
}

// convertColumn fills column j of out. Int32 overflow widens the column to
// Int64; any other conversion failure keeps the column as text.
func (s *rawSet) convertColumn(j int, col *core.ColumnSchema, out [][]any) string {
	for i, row := range s.rows {
		v, err := Convert(row[j], col.TabularType)
		if errors.Is(err, errOverflow) && col.TabularType == core.TypeInt32 {
			col.TabularType = core.TypeInt64
			return s.convertColumn(j, col, out)
		}
		if err != nil {
			warning := fmt.Sprintf("column %s: value at row %d is not %s, column kept as String", col.Name, i, col.TabularType)
			col.TabularType = core.TypeString
			s.convertAll(j, out)
			return warning
		}
		out[i][j] = v
	}
	return ""
}

func (s *rawSet) convertAll(j int, out [][]any) {
	for i, row := range s.rows {
		if row[j] == nil {
			out[i][j] = nil
			continue
		}
		out[i][j] = toString(row[j])
	}
}

// UniqueNames suffixes case-insensitive duplicates with _2, _3, ...
func UniqueNames(names []string) []string {
	out := make([]string, len(names))
	seen := make(map[string]bool, len(names))
	for i, name := range names {
		if name == "" {
			name = "column" + strconv.Itoa(i+1)
		}
		candidate := name
		for n := 2; seen[foldKey(candidate)]; n++ {
			candidate = name + "_" + strconv.Itoa(n)
		}
		seen[foldKey(candidate)] = true
		out[i] = candidate
	}
	return out
}
