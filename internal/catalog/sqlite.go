package catalog

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leapstack-labs/leapgate/pkg/core"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteRepository is a Store persisted in a SQLite database.
type SQLiteRepository struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the catalog database at path and
// runs pending migrations. Use ":memory:" for an in-memory catalog.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	dsn := ":memory:?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create catalog directory: %w", err)
			}
		}
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	r := &SQLiteRepository{db: db, path: path}
	if err := r.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Migrate runs all pending catalog migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, r.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the current migration version.
func (r *SQLiteRepository) MigrationVersion(ctx context.Context) (int64, error) {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, fmt.Errorf("failed to set dialect: %w", err)
	}
	return goose.GetDBVersionContext(ctx, r.db)
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Path returns the database path.
func (r *SQLiteRepository) Path() string {
	return r.path
}

// ===== Reads =====

// Get implements Repository.
func (r *SQLiteRepository) Get(ctx context.Context, name string) (*core.CatalogEntry, error) {
	e := &core.CatalogEntry{}
	err := r.db.QueryRowContext(ctx, `
		SELECT name, domain, entity, description, is_enabled, is_read_only, is_atomic_compatible
		FROM procedures WHERE name = ?`, strings.TrimSpace(name),
	).Scan(&e.ProcedureName, &e.Domain, &e.Entity, &e.Description, &e.IsEnabled, &e.IsReadOnly, &e.IsAtomicCompatible)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get procedure: %w", err)
	}

	if err := r.loadDetails(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// List implements Repository.
func (r *SQLiteRepository) List(ctx context.Context) ([]*core.CatalogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, domain, entity, description, is_enabled, is_read_only, is_atomic_compatible
		FROM procedures ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("failed to list procedures: %w", err)
	}

	var entries []*core.CatalogEntry
	for rows.Next() {
		e := &core.CatalogEntry{}
		if err := rows.Scan(&e.ProcedureName, &e.Domain, &e.Entity, &e.Description, &e.IsEnabled, &e.IsReadOnly, &e.IsAtomicCompatible); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan procedure: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating procedures: %w", err)
	}
	_ = rows.Close()

	// Details are loaded after the cursor closes: the pool has one connection.
	for _, e := range entries {
		if err := r.loadDetails(ctx, e); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (r *SQLiteRepository) loadDetails(ctx context.Context, e *core.CatalogEntry) error {
	params, err := r.db.QueryContext(ctx, `
		SELECT name, default_json, required FROM procedure_params
		WHERE procedure_name = ? ORDER BY ordinal`, e.ProcedureName)
	if err != nil {
		return fmt.Errorf("failed to load parameters: %w", err)
	}
	for params.Next() {
		var p core.ParamSpec
		var def sql.NullString
		if err := params.Scan(&p.Name, &def, &p.Required); err != nil {
			_ = params.Close()
			return fmt.Errorf("failed to scan parameter: %w", err)
		}
		if def.Valid {
			if p.Default, err = decodeDefault(def.String); err != nil {
				_ = params.Close()
				return fmt.Errorf("parameter %s: %w", p.Name, err)
			}
		}
		e.Params = append(e.Params, p)
	}
	if err := params.Err(); err != nil {
		_ = params.Close()
		return fmt.Errorf("error iterating parameters: %w", err)
	}
	_ = params.Close()

	hints, err := r.db.QueryContext(ctx, `
		SELECT result_set_index, delivery, dataset_name, table_kind, primary_key, join_hints
		FROM result_set_hints WHERE procedure_name = ? ORDER BY result_set_index`, e.ProcedureName)
	if err != nil {
		return fmt.Errorf("failed to load result set hints: %w", err)
	}
	defer func() { _ = hints.Close() }()
	for hints.Next() {
		var h core.ResultSetHint
		var pk, jh string
		if err := hints.Scan(&h.Index, &h.Delivery, &h.DatasetName, &h.TableKind, &pk, &jh); err != nil {
			return fmt.Errorf("failed to scan result set hint: %w", err)
		}
		h.PrimaryKey = splitList(pk)
		h.JoinHints = splitList(jh)
		if e.ResultSetHints == nil {
			e.ResultSetHints = make(map[int]core.ResultSetHint)
		}
		e.ResultSetHints[h.Index] = h
	}
	return hints.Err()
}

// ===== Writes =====

// Upsert implements Store. All entries are written in one transaction.
func (r *SQLiteRepository) Upsert(ctx context.Context, entries ...*core.CatalogEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if e == nil || e.ProcedureName == "" {
			continue
		}
		if err := upsertEntry(ctx, tx, e); err != nil {
			return fmt.Errorf("failed to save %s: %w", e.ProcedureName, err)
		}
	}
	return tx.Commit()
}

func upsertEntry(ctx context.Context, tx *sql.Tx, e *core.CatalogEntry) error {
	// Delete first so the stored spelling follows the latest write.
	if err := deleteEntry(ctx, tx, e.ProcedureName); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO procedures (name, domain, entity, description, is_enabled, is_read_only, is_atomic_compatible, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		e.ProcedureName, e.Domain, e.Entity, e.Description, e.IsEnabled, e.IsReadOnly, e.IsAtomicCompatible,
	); err != nil {
		return err
	}

	for i, p := range e.Params {
		var def sql.NullString
		if p.Default != nil {
			b, err := json.Marshal(p.Default)
			if err != nil {
				return fmt.Errorf("parameter %s default: %w", p.Name, err)
			}
			def = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO procedure_params (procedure_name, ordinal, name, default_json, required)
			VALUES (?, ?, ?, ?, ?)`,
			e.ProcedureName, i, p.Name, def, p.Required,
		); err != nil {
			return err
		}
	}

	for _, h := range e.ResultSetHints {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO result_set_hints (procedure_name, result_set_index, delivery, dataset_name, table_kind, primary_key, join_hints)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ProcedureName, h.Index, h.Delivery, h.DatasetName, h.TableKind,
			strings.Join(h.PrimaryKey, ","), strings.Join(h.JoinHints, ","),
		); err != nil {
			return err
		}
	}
	return nil
}

// Delete implements Store.
func (r *SQLiteRepository) Delete(ctx context.Context, name string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteEntry(ctx, tx, strings.TrimSpace(name)); err != nil {
		return fmt.Errorf("failed to delete procedure: %w", err)
	}
	return tx.Commit()
}

func deleteEntry(ctx context.Context, tx *sql.Tx, name string) error {
	for _, stmt := range []string{
		`DELETE FROM procedure_params WHERE procedure_name = ? COLLATE NOCASE`,
		`DELETE FROM result_set_hints WHERE procedure_name = ? COLLATE NOCASE`,
		`DELETE FROM procedures WHERE name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return err
		}
	}
	return nil
}

// decodeDefault restores a JSON-encoded default; whole numbers come back as int64.
func decodeDefault(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid default: %w", err)
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid default: %w", err)
		}
		return f, nil
	}
	return v, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var _ Store = (*SQLiteRepository)(nil)
