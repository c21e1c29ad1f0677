// Package mssql provides a SQL Server database adapter for LeapGate.
//
// SQL Server is the reference target: stored procedures take '@'-prefixed
// named parameters and return the RS0/RS1/RSn result-set sequence natively.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/leapstack-labs/leapgate/pkg/adapter"
	_ "github.com/microsoft/go-mssqldb" // sqlserver driver
)

const defaultSchema = "dbo"

// Adapter implements the adapter.Adapter interface for SQL Server.
type Adapter struct {
	adapter.BaseSQLAdapter
}

// New creates a new SQL Server adapter instance.
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
	return "mssql"
}

// Connect establishes a connection to SQL Server.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.Config) error {
	dsn := buildDSN(cfg)

	a.Logger.Debug("connecting to sqlserver", slog.String("host", cfg.Host), slog.String("database", cfg.Database))

	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlserver connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping sqlserver: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = 1433
	}
	a.DB = db
	a.Cfg = cfg
	return nil
}

// buildDSN constructs a sqlserver:// connection URL.
func buildDSN(cfg adapter.Config) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 1433
	}

	u := &url.URL{
		Scheme: "sqlserver",
		Host:   host + ":" + strconv.Itoa(port),
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	q := url.Values{}
	if cfg.Database != "" {
		q.Set("database", cfg.Database)
	}
	for k, v := range cfg.Options {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ExecProcedure runs EXEC with named parameters.
func (a *Adapter) ExecProcedure(ctx context.Context, call adapter.ProcedureCall) (*adapter.Rows, error) {
	stmt, args := buildCall(call)
	return a.QueryProcedure(ctx, stmt, args)
}

// ProcedureParams lists the parameters declared in sys.parameters.
func (a *Adapter) ProcedureParams(ctx context.Context, procedure string) ([]string, error) {
	schema, name := adapter.SplitProcedureName(procedure, defaultSchema)
	return a.QueryParamNames(ctx, `
		SELECT p.name
		FROM sys.parameters p
		WHERE p.object_id = OBJECT_ID(@p1)
		ORDER BY p.parameter_id`,
		sql.Named("p1", quoteIdent(schema)+"."+quoteIdent(name)),
	)
}

// buildCall renders EXEC [schema].[proc] @Name = @p1, ... with sql.Named args.
func buildCall(call adapter.ProcedureCall) (string, []any) {
	schema, name := adapter.SplitProcedureName(call.Procedure, defaultSchema)

	var sb strings.Builder
	fmt.Fprintf(&sb, "EXEC %s.%s", quoteIdent(schema), quoteIdent(name))

	args := make([]any, 0, len(call.Args))
	for i, arg := range call.Args {
		if i > 0 {
			sb.WriteString(",")
		}
		placeholder := "p" + strconv.Itoa(i+1)
		fmt.Fprintf(&sb, " @%s = @%s", adapter.BareParamName(arg.Name), placeholder)
		args = append(args, sql.Named(placeholder, arg.Value))
	}
	return sb.String(), args
}

// quoteIdent brackets an identifier, escaping closing brackets.
func quoteIdent(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}

var _ adapter.Adapter = (*Adapter)(nil)
