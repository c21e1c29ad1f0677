// Package duckdb provides a DuckDB database adapter for LeapGate.
//
// Procedures are table macros invoked with named arguments:
//
//	SELECT * FROM "main"."usp_orders"(year := ?)
//
// A table macro yields exactly one result set, so DuckDB procedures that
// follow the RS0/RS1/RSn contract are emulated by the caller; this adapter is
// mainly used for local development and tests.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leapstack-labs/leapgate/pkg/adapter"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

const defaultSchema = "main"

// Adapter implements the adapter.Adapter interface for DuckDB.
type Adapter struct {
	adapter.BaseSQLAdapter
}

// New creates a new DuckDB adapter instance.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Adapter{
		BaseSQLAdapter: adapter.BaseSQLAdapter{Logger: logger},
	}
}

// DialectName returns the SQL dialect for this adapter.
func (a *Adapter) DialectName() string {
	return "duckdb"
}

// Connect establishes a connection to DuckDB.
// Use ":memory:" as the path for an in-memory database.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.Config) error {
	path := cfg.Path
	if path == "" {
		path = cfg.Database
	}
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return fmt.Errorf("failed to open duckdb connection: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping duckdb: %w", err)
	}

	cfg.Path = path
	a.DB = db
	a.Cfg = cfg

	return nil
}

// ExecProcedure calls a table macro.
func (a *Adapter) ExecProcedure(ctx context.Context, call adapter.ProcedureCall) (*adapter.Rows, error) {
	stmt, args := buildCall(call)
	return a.QueryProcedure(ctx, stmt, args)
}

// ProcedureParams lists the parameters of a macro from duckdb_functions().
func (a *Adapter) ProcedureParams(ctx context.Context, procedure string) ([]string, error) {
	schema, name := adapter.SplitProcedureName(procedure, defaultSchema)
	return a.QueryParamNames(ctx, `
		SELECT DISTINCT unnest(parameters)
		FROM duckdb_functions()
		WHERE schema_name = ? AND function_name = ?
	`, schema, name)
}

// Exec runs a statement that returns no rows.
func (a *Adapter) Exec(ctx context.Context, stmt string) error {
	if a.DB == nil {
		return fmt.Errorf("database connection not established")
	}
	if _, err := a.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	return nil
}

func buildCall(call adapter.ProcedureCall) (string, []any) {
	schema, name := adapter.SplitProcedureName(call.Procedure, defaultSchema)

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s.%s(", quoteIdent(schema), quoteIdent(name))

	args := make([]any, 0, len(call.Args))
	for i, arg := range call.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s := ?", adapter.BareParamName(arg.Name))
		args = append(args, arg.Value)
	}
	sb.WriteString(")")
	return sb.String(), args
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Ensure Adapter implements the adapter.Adapter interface
var _ adapter.Adapter = (*Adapter)(nil)
