package core

import (
	"fmt"
	"strings"
)

// =============================================================================
// Column types
// =============================================================================

// TabularType is the normalized type of a column, independent of the
// source database's type names.
type TabularType string

// Normalized column types.
const (
	TypeInt32    TabularType = "Int32"
	TypeInt64    TabularType = "Int64"
	TypeDouble   TabularType = "Double"
	TypeDecimal  TabularType = "Decimal"
	TypeString   TabularType = "String"
	TypeBool     TabularType = "Bool"
	TypeDateTime TabularType = "DateTime"
)

// IsNumeric reports whether values of this type take part in arithmetic.
func (t TabularType) IsNumeric() bool {
	switch t {
	case TypeInt32, TypeInt64, TypeDouble, TypeDecimal:
		return true
	default:
		return false
	}
}

// ColumnRole is the analytical role a stored procedure declares for a column.
type ColumnRole string

// Column roles declared in RS0.
const (
	RoleID        ColumnRole = "id"
	RoleDimension ColumnRole = "dimension"
	RoleMeasure   ColumnRole = "measure"
	RoleFilter    ColumnRole = "filter"
	RoleFlag      ColumnRole = "flag"
)

// ParseColumnRole maps a declared role onto a known role.
// Unknown or empty values return "".
func ParseColumnRole(s string) ColumnRole {
	switch r := ColumnRole(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleID, RoleDimension, RoleMeasure, RoleFilter, RoleFlag:
		return r
	default:
		return ""
	}
}

// ColumnSchema describes one column of a tabular result.
type ColumnSchema struct {
	Name         string      `json:"name"`
	SQLType      string      `json:"sqlType,omitempty"`
	TabularType  TabularType `json:"tabularType"`
	Role         ColumnRole  `json:"role,omitempty"`
	SemanticType string      `json:"semanticType,omitempty"`
	Nullable     bool        `json:"nullable"`
}

// =============================================================================
// Tabular data
// =============================================================================

// TabularData is a typed table read from one result set.
// Rows are positional and aligned with Columns.
type TabularData struct {
	Columns []ColumnSchema `json:"columns"`
	Rows    [][]any        `json:"rows"`

	// TotalCount is the server-known row count when the source paginates or
	// the reader truncated the table. Nil when the returned rows are complete.
	TotalCount *int64 `json:"totalCount,omitempty"`
}

// ColumnIndex returns the position of the named column (case-insensitive),
// or -1 when absent.
func (t *TabularData) ColumnIndex(name string) int {
	return ColumnIndex(t.Columns, name)
}

// Validate checks the row/column alignment and name uniqueness invariants.
func (t *TabularData) Validate() error {
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		key := strings.ToLower(c.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate column name %q", c.Name)
		}
		seen[key] = struct{}{}
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d values, expected %d", i, len(row), len(t.Columns))
		}
	}
	return nil
}

// ColumnIndex returns the position of the named column in cols
// (case-insensitive), or -1 when absent.
func ColumnIndex(cols []ColumnSchema, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// ColumnNames returns the column names in order.
func ColumnNames(cols []ColumnSchema) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
