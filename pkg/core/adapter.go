package core

import (
	"context"
	"database/sql"
)

// Adapter defines the interface that all database adapters must implement.
type Adapter interface {
	// Connect establishes a connection to the database.
	Connect(ctx context.Context, cfg AdapterConfig) error

	// Close closes the database connection.
	Close() error

	// ExecProcedure executes a stored procedure and returns all of its result sets.
	ExecProcedure(ctx context.Context, call ProcedureCall) (*Rows, error)

	// ProcedureParams returns the parameter names the database declares for a procedure.
	ProcedureParams(ctx context.Context, procedure string) ([]string, error)

	// SourceID identifies the backing database, for cache keys.
	SourceID() string

	// DialectName returns the SQL dialect name (e.g., "mssql", "postgres").
	DialectName() string
}

// AdapterConfig holds configuration for connecting to a database.
type AdapterConfig struct {
	Type     string
	Path     string
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Schema   string
	Options  map[string]string
}

// ProcedureArg is one named argument of a procedure call.
// Name is canonical ('@' prefixed).
type ProcedureArg struct {
	Name  string
	Value any
}

// ProcedureCall describes one stored-procedure execution.
type ProcedureCall struct {
	Procedure string
	Args      []ProcedureArg
}

// Rows wraps sql.Rows to provide a consistent interface.
type Rows struct {
	*sql.Rows
}
