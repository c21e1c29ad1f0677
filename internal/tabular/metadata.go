package tabular

import (
	"fmt"
	"sort"
	"strings"

	"github.com/leapstack-labs/leapgate/pkg/core"
	"golang.org/x/text/cases"
)

// RS0 record discriminators.
const (
	RecordResultSet = "resultset"
	RecordColumn    = "column"
)

// foldKey is the case-insensitive lookup key for column and field names.
// Casers are stateful, so each call builds its own.
func foldKey(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// declaredColumn is one RS0 column record.
type declaredColumn struct {
	Name         string
	SQLType      string
	Role         core.ColumnRole
	SemanticType string
	Nullable     *bool
	Ordinal      int
}

// Metadata is the parsed content of RS0: declared result sets keyed by
// ordinal position.
type Metadata struct {
	ResultSets map[int]*core.ResultSetSchema
	columns    map[int][]declaredColumn
	Warnings   []string
}

// Declared returns the declaration for index, or nil.
func (m *Metadata) Declared(index int) *core.ResultSetSchema {
	if m == nil {
		return nil
	}
	return m.ResultSets[index]
}

// Indexes returns declared result-set indexes in ascending order.
func (m *Metadata) Indexes() []int {
	out := make([]int, 0, len(m.ResultSets))
	for i := range m.ResultSets {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// ParseMetadata interprets RS0 records. Each record is keyed by folded
// column name; unknown fields and missing columns are tolerated.
func ParseMetadata(records []map[string]any) *Metadata {
	m := &Metadata{
		ResultSets: make(map[int]*core.ResultSetSchema),
		columns:    make(map[int][]declaredColumn),
	}

	// Result-set rows first so column rows can resolve by table name.
	next := core.FirstDataResultSet
	var pending []map[string]any
	for i, rec := range records {
		kind := foldKey(stringField(rec, "recordType"))
		switch kind {
		case RecordResultSet, "table":
			idx, ok := intField(rec, "resultSetIndex")
			tableKind := stringField(rec, "tableKind")
			if !ok {
				if strings.EqualFold(tableKind, "summary") {
					idx = core.SummaryResultSet
				} else {
					idx = next
				}
			}
			if idx <= core.MetadataResultSet {
				m.warnf("metadata row %d: invalid resultSetIndex %d", i, idx)
				continue
			}
			if idx >= next {
				next = idx + 1
			}
			if _, dup := m.ResultSets[idx]; dup {
				m.warnf("metadata row %d: result set %d declared more than once", i, idx)
				continue
			}
			delivery, _ := core.ParseDelivery(stringField(rec, "delivery"))
			m.ResultSets[idx] = &core.ResultSetSchema{
				Index:      idx,
				TableName:  stringField(rec, "tableName"),
				TableKind:  tableKind,
				Delivery:   delivery,
				Grain:      stringField(rec, "grain"),
				PrimaryKey: listField(rec, "primaryKey"),
				JoinHints:  listField(rec, "joinHints"),
				Declared:   true,
			}
		case RecordColumn:
			pending = append(pending, rec)
		default:
			m.warnf("metadata row %d: unknown recordType %q", i, stringField(rec, "recordType"))
		}
	}

	for _, rec := range pending {
		idx, ok := intField(rec, "resultSetIndex")
		if !ok {
			idx, ok = m.indexByTableName(stringField(rec, "tableName"))
		}
		name := stringField(rec, "columnName")
		if !ok || name == "" {
			m.warnf("metadata column %q: cannot resolve its result set", name)
			continue
		}
		col := declaredColumn{
			Name:         name,
			SQLType:      stringField(rec, "sqlType"),
			Role:         core.ParseColumnRole(stringField(rec, "role")),
			SemanticType: stringField(rec, "semanticType"),
		}
		if b, ok := boolField(rec, "isNullable"); ok {
			col.Nullable = &b
		}
		col.Ordinal, _ = intField(rec, "ordinal")
		m.columns[idx] = append(m.columns[idx], col)
	}
	for idx := range m.columns {
		cols := m.columns[idx]
		sort.SliceStable(cols, func(a, b int) bool { return cols[a].Ordinal < cols[b].Ordinal })
	}
	return m
}

func (m *Metadata) indexByTableName(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	for idx, rs := range m.ResultSets {
		if strings.EqualFold(rs.TableName, name) {
			return idx, true
		}
	}
	return 0, false
}

// declaredColumn returns the RS0 declaration for a column of index.
func (m *Metadata) declaredColumn(index int, name string) *declaredColumn {
	if m == nil {
		return nil
	}
	for i := range m.columns[index] {
		if strings.EqualFold(m.columns[index][i].Name, name) {
			return &m.columns[index][i]
		}
	}
	return nil
}

func (m *Metadata) warnf(format string, args ...any) {
	m.Warnings = append(m.Warnings, fmt.Sprintf(format, args...))
}

// ===== Field accessors =====

func field(rec map[string]any, name string) any {
	return rec[foldKey(name)]
}

func stringField(rec map[string]any, name string) string {
	v := field(rec, name)
	if v == nil {
		return ""
	}
	return strings.TrimSpace(toString(v))
}

func intField(rec map[string]any, name string) (int, bool) {
	v := field(rec, name)
	if v == nil {
		return 0, false
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return 0, false
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

func boolField(rec map[string]any, name string) (bool, bool) {
	v := field(rec, name)
	if v == nil {
		return false, false
	}
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "yes", "y":
			return true, true
		case "no", "n":
			return false, true
		}
	}
	b, err := toBool(v)
	return b, err == nil
}

// listField splits a comma-separated list, dropping blanks.
func listField(rec map[string]any, name string) []string {
	raw := stringField(rec, name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
