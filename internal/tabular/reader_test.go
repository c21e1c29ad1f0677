package tabular

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leapstack-labs/leapgate/internal/testutil"
	"github.com/leapstack-labs/leapgate/pkg/core"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var metadataColumns = []string{
	"recordType", "resultSetIndex", "tableName", "tableKind", "delivery", "grain",
	"primaryKey", "joinHints", "columnName", "sqlType", "role", "semanticType", "isNullable", "ordinal",
}

func resultSetRow(idx int, table, kind, delivery, pk string) []any {
	return []any{"resultset", idx, table, kind, delivery, nil, pk, nil, nil, nil, nil, nil, nil, nil}
}

func columnRow(idx int, name, sqlType, role string, ordinal int) []any {
	return []any{"column", idx, nil, nil, nil, nil, nil, nil, name, sqlType, role, nil, "no", ordinal}
}

func metadataRows(records ...[]any) *sqlmock.Rows {
	rows := sqlmock.NewRows(metadataColumns)
	for _, rec := range records {
		values := make([]driver.Value, len(rec))
		for i, v := range rec {
			values[i] = v
		}
		rows.AddRow(values...)
	}
	return rows
}

// queryRows returns an open cursor over the given result sets.
func queryRows(t *testing.T, sets ...*sqlmock.Rows) *sql.Rows {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery("EXEC").WillReturnRows(sets...)
	rows, err := db.QueryContext(context.Background(), "EXEC dbo.usp_Test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rows.Close() })
	return rows
}

func newTestReader(t *testing.T, limits Limits) *Reader {
	return NewReader(limits, testutil.NewTestLogger(t))
}

func TestReader_ReadDeclaredTables(t *testing.T) {
	rs0 := metadataRows(
		resultSetRow(2, "collections", "fact", "engine", "collectionId"),
		resultSetRow(3, "top_accounts", "summary", "display", ""),
		columnRow(2, "collectionId", "int", "id", 1),
		columnRow(2, "amount", "float", "measure", 2),
	)
	rs1 := sqlmock.NewRows([]string{"totalCount"}).AddRow(int64(2))
	rs2 := sqlmock.NewRows([]string{"collectionId", "amount", "collection"}).
		AddRow(int64(1), 10.5, "north").
		AddRow(int64(2), 20.0, "south")
	rs3 := sqlmock.NewRows([]string{"account", "balance"}).
		AddRow("acme", "100.25")

	reader := newTestReader(t, Limits{MaxRowsPerTable: 100, MaxRowsSummary: 1, MaxSchemaRows: 100, MaxTables: 8})
	res, err := reader.Read(context.Background(), queryRows(t, rs0, rs1, rs2, rs3))
	require.NoError(t, err)

	require.NotNil(t, res.Summary)
	assert.Equal(t, []any{int64(2)}, res.Summary.Rows[0])

	require.Len(t, res.Tables, 2)

	facts := res.Tables[0]
	assert.Equal(t, 2, facts.Schema.Index)
	assert.Equal(t, "collections", facts.Schema.TableName)
	assert.Equal(t, core.DeliveryEngine, facts.Schema.Delivery)
	assert.Equal(t, []string{"collectionId"}, facts.Schema.PrimaryKey)
	assert.True(t, facts.Schema.Declared)

	require.Len(t, facts.Data.Columns, 3)
	assert.Equal(t, core.TypeInt32, facts.Data.Columns[0].TabularType)
	assert.Equal(t, core.RoleID, facts.Data.Columns[0].Role)
	assert.False(t, facts.Data.Columns[0].Nullable)
	assert.Equal(t, core.TypeDouble, facts.Data.Columns[1].TabularType)
	assert.Equal(t, core.RoleMeasure, facts.Data.Columns[1].Role)
	assert.Equal(t, core.TypeString, facts.Data.Columns[2].TabularType)
	assert.Equal(t, []any{int32(1), 10.5, "north"}, facts.Data.Rows[0])
	assert.Nil(t, facts.Data.TotalCount)
	assert.NoError(t, facts.Data.Validate())

	display := res.Tables[1]
	assert.Equal(t, 3, display.Schema.Index)
	assert.Equal(t, core.DeliveryDisplay, display.Schema.Delivery)
	assert.Equal(t, facts.Data.Columns, facts.Schema.Columns)

	assert.Empty(t, res.Warnings)
}

func TestReader_UndeclaredTableGetsPlaceholder(t *testing.T) {
	rs0 := metadataRows()
	rs1 := sqlmock.NewRows([]string{"totalCount"})
	rs2 := sqlmock.NewRows([]string{"id"}).AddRow(int64(1))

	res, err := newTestReader(t, Limits{}).Read(context.Background(), queryRows(t, rs0, rs1, rs2))
	require.NoError(t, err)

	assert.Nil(t, res.Summary, "empty RS1 means no summary")
	require.Len(t, res.Tables, 1)
	assert.Equal(t, "rs2", res.Tables[0].Schema.TableName)
	assert.False(t, res.Tables[0].Schema.Declared)
	assert.Equal(t, core.DeliveryNone, res.Tables[0].Schema.Delivery)
}

func TestReader_MetadataOnly(t *testing.T) {
	res, err := newTestReader(t, Limits{}).Read(context.Background(), queryRows(t, metadataRows(
		resultSetRow(2, "orders", "fact", "engine", ""),
	)))
	require.NoError(t, err)

	assert.Nil(t, res.Summary)
	assert.Empty(t, res.Tables)
	require.NotNil(t, res.Metadata.Declared(2))
	assert.Equal(t, "orders", res.Metadata.Declared(2).TableName)
}

func TestReader_RowLimitSetsTotalCount(t *testing.T) {
	rs2 := sqlmock.NewRows([]string{"n"})
	for i := 0; i < 10; i++ {
		rs2.AddRow(int64(i))
	}

	res, err := newTestReader(t, Limits{MaxRowsPerTable: 3}).Read(context.Background(),
		queryRows(t, metadataRows(), sqlmock.NewRows([]string{"x"}), rs2))
	require.NoError(t, err)

	require.Len(t, res.Tables, 1)
	data := res.Tables[0].Data
	assert.Len(t, data.Rows, 3)
	require.NotNil(t, data.TotalCount)
	assert.Equal(t, int64(10), *data.TotalCount)
	assert.Contains(t, res.Warnings, "table rs2 truncated to 3 rows (10 returned)")
}

func TestReader_MaxTables(t *testing.T) {
	sets := []*sqlmock.Rows{metadataRows(), sqlmock.NewRows([]string{"x"})}
	for i := 0; i < 4; i++ {
		sets = append(sets, sqlmock.NewRows([]string{"v"}).AddRow(int64(i)))
	}

	res, err := newTestReader(t, Limits{MaxTables: 2}).Read(context.Background(), queryRows(t, sets...))
	require.NoError(t, err)

	assert.Len(t, res.Tables, 2)
	assert.Contains(t, res.Warnings, "result sets after index 3 ignored (max 2 tables)")
}

func TestReader_DeclaredButMissingTable(t *testing.T) {
	res, err := newTestReader(t, Limits{}).Read(context.Background(), queryRows(t,
		metadataRows(
			resultSetRow(2, "a", "fact", "engine", ""),
			resultSetRow(3, "b", "fact", "engine", ""),
		),
		sqlmock.NewRows([]string{"x"}),
		sqlmock.NewRows([]string{"v"}).AddRow(int64(1)),
	))
	require.NoError(t, err)

	assert.Len(t, res.Tables, 1)
	assert.Contains(t, res.Warnings, "declared result set 3 was not returned")
}

func TestReader_DuplicateColumnNames(t *testing.T) {
	rs2 := sqlmock.NewRows([]string{"Amount", "amount", "AMOUNT"}).AddRow(1.0, 2.0, 3.0)

	res, err := newTestReader(t, Limits{}).Read(context.Background(),
		queryRows(t, metadataRows(), sqlmock.NewRows([]string{"x"}), rs2))
	require.NoError(t, err)

	cols := core.ColumnNames(res.Tables[0].Data.Columns)
	assert.Equal(t, []string{"Amount", "amount_2", "AMOUNT_3"}, cols)
	assert.NoError(t, res.Tables[0].Data.Validate())
}

func TestReader_DriverColumnTypes(t *testing.T) {
	when := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	rs0 := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("recordType").OfType("NVARCHAR", ""),
		sqlmock.NewColumn("resultSetIndex").OfType("INT", int64(0)),
		sqlmock.NewColumn("delivery").OfType("NVARCHAR", ""),
	).AddRow("resultset", int64(2), "engine")
	rs1 := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("totalCount").OfType("BIGINT", int64(0)),
	)
	rs2 := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("INT", int64(0)).Nullable(false),
		sqlmock.NewColumn("price").OfType("DECIMAL", "").Nullable(true),
		sqlmock.NewColumn("active").OfType("BIT", false).Nullable(false),
		sqlmock.NewColumn("posted").OfType("DATETIME2", time.Time{}).Nullable(true),
		sqlmock.NewColumn("big").OfType("INT", int64(0)).Nullable(false),
	).
		AddRow(int64(1), []byte("12.50"), true, when, int64(5)).
		AddRow(int64(2), nil, false, nil, int64(3_000_000_000))

	res, err := newTestReader(t, Limits{}).Read(context.Background(), queryRows(t, rs0, rs1, rs2))
	require.NoError(t, err)
	require.Len(t, res.Tables, 1)

	data := res.Tables[0].Data
	types := make([]core.TabularType, len(data.Columns))
	for i, c := range data.Columns {
		types[i] = c.TabularType
	}
	assert.Equal(t, []core.TabularType{
		core.TypeInt32, core.TypeDecimal, core.TypeBool, core.TypeDateTime, core.TypeInt64,
	}, types, "INT overflow widens to Int64")

	assert.Equal(t, "DECIMAL", data.Columns[1].SQLType)
	assert.True(t, data.Columns[1].Nullable)
	assert.False(t, data.Columns[0].Nullable)

	assert.Equal(t, int32(1), data.Rows[0][0])
	assert.True(t, decimal.RequireFromString("12.5").Equal(data.Rows[0][1].(decimal.Decimal)))
	assert.Equal(t, true, data.Rows[0][2])
	assert.Equal(t, when, data.Rows[0][3])
	assert.Equal(t, int64(3_000_000_000), data.Rows[1][4])
	assert.Nil(t, data.Rows[1][1])
}

func TestReader_UnparseableColumnKeptAsString(t *testing.T) {
	rs2 := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("when").OfType("DATE", ""),
	).AddRow("2024-01-01").AddRow("soon")
	rs0 := sqlmock.NewRowsWithColumnDefinition(sqlmock.NewColumn("recordType").OfType("NVARCHAR", ""))
	rs1 := sqlmock.NewRowsWithColumnDefinition(sqlmock.NewColumn("x").OfType("INT", int64(0)))

	res, err := newTestReader(t, Limits{}).Read(context.Background(), queryRows(t, rs0, rs1, rs2))
	require.NoError(t, err)

	col := res.Tables[0].Data.Columns[0]
	assert.Equal(t, core.TypeString, col.TabularType)
	assert.Equal(t, []any{"soon"}, res.Tables[0].Data.Rows[1])
	assert.Contains(t, res.Warnings, "column when: value at row 1 is not DateTime, column kept as String")
}

func TestReader_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestReader(t, Limits{}).Read(ctx, queryRows(t, metadataRows(resultSetRow(2, "a", "", "engine", ""))))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUniqueNames(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{"no duplicates", []string{"a", "b"}, []string{"a", "b"}},
		{"case-insensitive", []string{"Id", "ID", "id"}, []string{"Id", "ID_2", "id_3"}},
		{"suffix collision", []string{"a", "a_2", "a"}, []string{"a", "a_2", "a_3"}},
		{"blank names", []string{"", "x"}, []string{"column1", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UniqueNames(tt.input))
		})
	}
}
