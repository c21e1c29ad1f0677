// Package postgres provides a PostgreSQL database adapter for LeapGate.
//
// Procedures are set-returning functions invoked with named notation:
//
//	SELECT * FROM "reporting"."usp_orders"("Year" => $1)
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/leapstack-labs/leapgate/pkg/adapter"
)

const defaultSchema = "public"

// Adapter implements the adapter.Adapter interface for PostgreSQL.
type Adapter struct {
	adapter.BaseSQLAdapter
}

// New creates a new PostgreSQL adapter instance.
// If logger is nil, a discard logger is used.
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
	return "postgres"
}

// Connect establishes a connection to PostgreSQL.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.Config) error {
	dsn := buildPostgresDSN(cfg)

	a.Logger.Debug("connecting to postgres", slog.String("host", cfg.Host), slog.String("database", cfg.Database))

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	a.DB = db
	a.Cfg = cfg
	return nil
}

// buildPostgresDSN constructs a PostgreSQL connection string.
func buildPostgresDSN(cfg adapter.Config) string {
	// Build key=value format: host=localhost port=5432 user=postgres ...
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	sslmode := "disable"
	if cfg.Options != nil {
		if mode, ok := cfg.Options["sslmode"]; ok {
			sslmode = mode
		}
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
		host, port, cfg.Database, sslmode)

	if cfg.Username != "" {
		dsn += fmt.Sprintf(" user=%s", cfg.Username)
	}
	if cfg.Password != "" {
		dsn += fmt.Sprintf(" password=%s", cfg.Password)
	}

	return dsn
}

// ExecProcedure calls a set-returning function with named arguments.
func (a *Adapter) ExecProcedure(ctx context.Context, call adapter.ProcedureCall) (*adapter.Rows, error) {
	stmt, args := buildCall(call)
	return a.QueryProcedure(ctx, stmt, args)
}

// ProcedureParams lists the IN/INOUT parameters of a function.
func (a *Adapter) ProcedureParams(ctx context.Context, procedure string) ([]string, error) {
	schema, name := adapter.SplitProcedureName(procedure, defaultSchema)
	return a.QueryParamNames(ctx, `
		SELECT p.parameter_name
		FROM information_schema.parameters p
		JOIN information_schema.routines r
		  ON p.specific_schema = r.specific_schema AND p.specific_name = r.specific_name
		WHERE r.routine_schema = $1 AND r.routine_name = $2
		  AND p.parameter_mode IN ('IN', 'INOUT')
		ORDER BY p.ordinal_position
	`, schema, name)
}

// buildCall renders the call statement and its positional arguments.
func buildCall(call adapter.ProcedureCall) (string, []any) {
	schema, name := adapter.SplitProcedureName(call.Procedure, defaultSchema)

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s.%s(", quoteIdent(schema), quoteIdent(name))

	args := make([]any, 0, len(call.Args))
	for i, arg := range call.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s => $%d", quoteIdent(adapter.BareParamName(arg.Name)), i+1)
		args = append(args, arg.Value)
	}
	sb.WriteString(")")
	return sb.String(), args
}

// quoteIdent double-quotes an identifier, escaping embedded quotes.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

var _ adapter.Adapter = (*Adapter)(nil)
