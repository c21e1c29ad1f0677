package duckdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/leapstack-labs/leapgate/pkg/adapter"
	"github.com/leapstack-labs/leapgate/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapter_Connect(t *testing.T) {
	tests := []struct {
		name      string
		setupPath func(t *testing.T) string
		verify    func(t *testing.T, path string)
	}{
		{
			name: "in-memory",
			setupPath: func(_ *testing.T) string {
				return ":memory:"
			},
		},
		{
			name: "file-based",
			setupPath: func(t *testing.T) string {
				tmpDir := t.TempDir()
				return filepath.Join(tmpDir, "test.duckdb")
			},
			verify: func(t *testing.T, path string) {
				_, err := os.Stat(path)
				assert.False(t, os.IsNotExist(err), "database file was not created")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			adp := New(nil)

			dbPath := tt.setupPath(t)
			require.NoError(t, adp.Connect(ctx, core.AdapterConfig{Type: "duckdb", Path: dbPath}))
			defer func() { _ = adp.Close() }()

			assert.Equal(t, "duckdb://"+dbPath, adp.SourceID())
			if tt.verify != nil {
				tt.verify(t, dbPath)
			}
		})
	}
}

func TestAdapter_NotConnected(t *testing.T) {
	ctx := context.Background()
	adp := New(nil)

	assert.Error(t, adp.Exec(ctx, "SELECT 1"), "expected error when operating without connection")
	_, err := adp.ExecProcedure(ctx, adapter.ProcedureCall{Procedure: "main.m"})
	assert.Error(t, err, "expected error when operating without connection")
}

func TestBuildCall(t *testing.T) {
	sql, args := buildCall(adapter.ProcedureCall{
		Procedure: "usp_orders",
		Args:      []core.ProcedureArg{{Name: "@year", Value: 2024}},
	})
	assert.Equal(t, `SELECT * FROM "main"."usp_orders"(year := ?)`, sql)
	assert.Equal(t, []any{2024}, args)
}

func TestAdapter_TableMacro(t *testing.T) {
	ctx := context.Background()
	adp := New(nil)
	require.NoError(t, adp.Connect(ctx, core.AdapterConfig{Path: ":memory:"}))
	defer func() { _ = adp.Close() }()

	require.NoError(t, adp.Exec(ctx, `
		CREATE MACRO main.usp_regions() AS TABLE
			SELECT 1 AS id, 'EU' AS region
			UNION ALL
			SELECT 2, 'US'
	`))

	rows, err := adp.ExecProcedure(ctx, adapter.ProcedureCall{Procedure: "main.usp_regions"})
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var count int
	for rows.Next() {
		count++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 2, count)

	params, err := adp.ProcedureParams(ctx, "main.usp_regions")
	require.NoError(t, err)
	assert.Empty(t, params)
}

func TestAdapter_Registry(t *testing.T) {
	assert.True(t, adapter.IsRegistered("duckdb"), "duckdb adapter should be auto-registered")

	factory, ok := adapter.Get("duckdb")
	require.True(t, ok)
	_, ok = factory(nil).(*Adapter)
	assert.True(t, ok, "factory should return *Adapter")
}
