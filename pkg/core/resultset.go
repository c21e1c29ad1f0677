package core

import (
	"fmt"
	"strings"
)

// Delivery is the channel a result set is routed to.
type Delivery string

// Delivery channels.
const (
	DeliveryNone    Delivery = ""
	DeliveryEngine  Delivery = "engine"
	DeliveryDisplay Delivery = "display"
	DeliveryBoth    Delivery = "both"
)

// ParseDelivery normalizes a declared delivery value.
// The second return value is false when the value does not map to a channel.
func ParseDelivery(s string) (Delivery, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "engine", "analysis", "server":
		return DeliveryEngine, true
	case "display", "preview", "client":
		return DeliveryDisplay, true
	case "both", "engine+display", "display+engine":
		return DeliveryBoth, true
	default:
		return DeliveryNone, false
	}
}

// Ordinal positions of the stored-procedure output contract.
const (
	MetadataResultSet  = 0
	SummaryResultSet   = 1
	FirstDataResultSet = 2
)

// PlaceholderTableName is the name given to a data table that RS0 did not declare.
func PlaceholderTableName(index int) string {
	return fmt.Sprintf("rs%d", index)
}

// IsPlaceholderTableName reports whether name is empty or the placeholder for index.
func IsPlaceholderTableName(name string, index int) bool {
	return name == "" || strings.EqualFold(name, PlaceholderTableName(index))
}

// ResultSetSchema is the declared schema of one data result set.
type ResultSetSchema struct {
	// Index is the ordinal position of the result set in the procedure output.
	Index      int            `json:"index"`
	TableName  string         `json:"tableName"`
	TableKind  string         `json:"tableKind,omitempty"`
	Delivery   Delivery       `json:"delivery,omitempty"`
	Grain      string         `json:"grain,omitempty"`
	PrimaryKey []string       `json:"primaryKey,omitempty"`
	JoinHints  []string       `json:"joinHints,omitempty"`
	Columns    []ColumnSchema `json:"columns"`

	// Declared is false when RS0 had no resultset row for this index.
	Declared bool `json:"declared"`
}

// ResultSetHint is the catalog-level fallback for a result set whose RS0
// declaration is missing or incomplete.
type ResultSetHint struct {
	Index       int      `json:"index" yaml:"index"`
	Delivery    string   `json:"delivery,omitempty" yaml:"delivery"`
	DatasetName string   `json:"datasetName,omitempty" yaml:"dataset_name"`
	TableKind   string   `json:"tableKind,omitempty" yaml:"table_kind"`
	PrimaryKey  []string `json:"primaryKey,omitempty" yaml:"primary_key"`
	JoinHints   []string `json:"joinHints,omitempty" yaml:"join_hints"`
}
