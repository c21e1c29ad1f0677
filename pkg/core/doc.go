// Package core defines the shared language of the LeapGate system.
//
// This package contains:
//   - Tabular entities (ColumnSchema, ResultSetSchema, TabularData, Dataset)
//   - Catalog entities (CatalogEntry, ParamSpec, ResultSetHint)
//   - Service interfaces (Adapter)
//   - Structured tool errors (ToolError)
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
