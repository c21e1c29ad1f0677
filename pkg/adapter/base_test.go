package adapter

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseSQLAdapter_Close(t *testing.T) {
	tests := []struct {
		name      string
		setupDB   bool
		expectErr bool
	}{
		{
			name:      "close with nil DB",
			setupDB:   false,
			expectErr: false,
		},
		{
			name:      "close with open DB",
			setupDB:   true,
			expectErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &BaseSQLAdapter{}

			if tt.setupDB {
				db, mock, err := sqlmock.New()
				require.NoError(t, err)
				mock.ExpectClose()
				base.DB = db
			}

			err := base.Close()
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBaseSQLAdapter_QueryProcedure(t *testing.T) {
	tests := []struct {
		name       string
		setupDB    bool
		setupMock  func(mock sqlmock.Sqlmock)
		resultSets int
		expectErr  bool
		errMsg     string
	}{
		{
			name:      "query without connection",
			setupDB:   false,
			expectErr: true,
			errMsg:    "database connection not established",
		},
		{
			name:    "multiple result sets",
			setupDB: true,
			setupMock: func(mock sqlmock.Sqlmock) {
				rs0 := sqlmock.NewRows([]string{"recordType", "tableName"}).AddRow("resultset", "orders")
				rs1 := sqlmock.NewRows([]string{"totalCount"}).AddRow(2)
				rs2 := sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2)
				mock.ExpectQuery("EXEC").WithArgs(2024).WillReturnRows(rs0, rs1, rs2)
			},
			resultSets: 3,
		},
		{
			name:    "procedure error",
			setupDB: true,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("EXEC").WillReturnError(assert.AnError)
			},
			expectErr: true,
			errMsg:    "failed to execute procedure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			base := &BaseSQLAdapter{}

			if tt.setupDB {
				db, mock, err := sqlmock.New()
				require.NoError(t, err)
				defer func() { _ = db.Close() }()

				if tt.setupMock != nil {
					tt.setupMock(mock)
				}
				base.DB = db
			}

			rows, err := base.QueryProcedure(ctx, "EXEC dbo.usp_orders @Year = @p1", []any{2024})
			if tt.expectErr {
				require.Error(t, err)
				assert.Nil(t, rows)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				return
			}

			require.NoError(t, err)
			defer func() { _ = rows.Close() }()

			sets := 0
			for {
				sets++
				for rows.Next() {
				}
				if !rows.NextResultSet() {
					break
				}
			}
			require.NoError(t, rows.Err())
			assert.Equal(t, tt.resultSets, sets)
		})
	}
}

func TestBaseSQLAdapter_QueryParamNames(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT name FROM params").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("@Year").AddRow("region").AddRow(nil))

	base := &BaseSQLAdapter{DB: db}
	names, err := base.QueryParamNames(context.Background(), "SELECT name FROM params")
	require.NoError(t, err)
	assert.Equal(t, []string{"@Year", "@region"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBaseSQLAdapter_SourceID(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		expected string
	}{
		{
			name:     "network database",
			cfg:      Config{Type: "mssql", Host: "db.local", Port: 1433, Database: "sales"},
			expected: "mssql://db.local:1433/sales",
		},
		{
			name:     "file database",
			cfg:      Config{Type: "duckdb", Path: "/data/warehouse.duckdb"},
			expected: "duckdb:///data/warehouse.duckdb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &BaseSQLAdapter{Cfg: tt.cfg}
			assert.Equal(t, tt.expected, base.SourceID())
		})
	}
}

func TestSplitProcedureName(t *testing.T) {
	schema, proc := SplitProcedureName("dbo.usp_orders", "main")
	assert.Equal(t, "dbo", schema)
	assert.Equal(t, "usp_orders", proc)

	schema, proc = SplitProcedureName("usp_orders", "main")
	assert.Equal(t, "main", schema)
	assert.Equal(t, "usp_orders", proc)

	assert.Equal(t, "Year", BareParamName(" @Year"))
}
