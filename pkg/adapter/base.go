package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leapstack-labs/leapgate/pkg/core"
)

// BaseSQLAdapter provides common database/sql functionality for adapters.
// Embed this struct in concrete adapter implementations to get standard
// Close, procedure execution and metadata helpers.
type BaseSQLAdapter struct {
	DB     *sql.DB
	Cfg    core.AdapterConfig
	Logger *slog.Logger
}

// Close closes the database connection.
func (b *BaseSQLAdapter) Close() error {
	if b.DB != nil {
		if b.Logger != nil {
			b.Logger.Debug("closing database connection")
		}
		return b.DB.Close()
	}
	return nil
}

// IsConnected returns true if the database connection is established.
func (b *BaseSQLAdapter) IsConnected() bool {
	return b.DB != nil
}

// SourceID identifies the backing database as type://host:port/database.
func (b *BaseSQLAdapter) SourceID() string {
	cfg := b.Cfg
	if cfg.Path != "" && cfg.Host == "" {
		return fmt.Sprintf("%s://%s", cfg.Type, cfg.Path)
	}
	return fmt.Sprintf("%s://%s:%d/%s", cfg.Type, cfg.Host, cfg.Port, cfg.Database)
}

// QueryProcedure runs a rendered procedure statement and returns the open
// cursor over all of its result sets.
func (b *BaseSQLAdapter) QueryProcedure(ctx context.Context, stmt string, args []any) (*core.Rows, error) {
	if b.DB == nil {
		return nil, fmt.Errorf("database connection not established")
	}
	if b.Logger != nil {
		b.Logger.Debug("executing procedure", slog.String("statement", stmt), slog.Int("args", len(args)))
	}
	//nolint:rowserrcheck // rows.Err() must be checked by caller after iteration completes
	rows, err := b.DB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute procedure: %w", err)
	}
	return &core.Rows{Rows: rows}, nil
}

// QueryParamNames runs a metadata query returning one parameter name per row
// and canonicalizes the names.
func (b *BaseSQLAdapter) QueryParamNames(ctx context.Context, query string, args ...any) ([]string, error) {
	if b.DB == nil {
		return nil, fmt.Errorf("database connection not established")
	}

	rows, err := b.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query parameter metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan parameter metadata: %w", err)
		}
		if canonical := core.CanonicalParamName(name.String); canonical != "" {
			names = append(names, canonical)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating parameter metadata: %w", err)
	}
	return names, nil
}

// SplitProcedureName splits schema.procedure, using defaultSchema when no
// schema is given.
func SplitProcedureName(name, defaultSchema string) (schema, proc string) {
	if parts := strings.SplitN(name, ".", 2); len(parts) == 2 {
		return parts[0], parts[1]
	}
	return defaultSchema, name
}

// BareParamName strips the leading '@' from a canonical parameter name.
func BareParamName(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), "@")
}
