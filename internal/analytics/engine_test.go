package analytics

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapgate/internal/dataset"
	"github.com/leapstack-labs/leapgate/internal/testutil"
	"github.com/leapstack-labs/leapgate/pkg/core"
)

func newTestEngine(t *testing.T, limits Limits) (*Engine, *dataset.Store) {
	t.Helper()
	store := dataset.NewStore(dataset.Options{TTL: time.Hour}, testutil.NewTestLogger(t))
	bounds := core.DatasetBounds{MaxRows: 100_000, MaxColumns: 64, PreviewRows: 20}
	return NewEngine(store, limits, bounds, testutil.NewTestLogger(t)), store
}

func putTable(t *testing.T, store *dataset.Store, name string, cols []core.ColumnSchema, rows [][]any) string {
	t.Helper()
	ds, err := store.Create(&core.TabularData{Columns: cols, Rows: rows}, name, core.DatasetBounds{})
	require.NoError(t, err)
	return ds.ID
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func salesRows() [][]any {
	return [][]any{
		{"North", 10.5, int32(1), decimal.RequireFromString("1.10"), true, day("2024-01-15")},
		{"South", 20.0, int32(2), decimal.RequireFromString("2.20"), false, day("2024-02-20")},
		{"north east", 30.0, int32(3), nil, true, day("2024-04-01")},
		{nil, nil, int32(4), decimal.RequireFromString("4.40"), false, day("2024-07-04")},
	}
}

func column(res *Result, name string) []any {
	idx := core.ColumnIndex(res.Schema, name)
	out := make([]any, len(res.Rows))
	for i, row := range res.Rows {
		out[i] = row[idx]
	}
	return out
}

func TestEngine_GroupByKeysDoNotCollide(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())

	cols := []core.ColumnSchema{
		{Name: "a", TabularType: core.TypeString},
		{Name: "b", TabularType: core.TypeString},
	}
	rows := [][]any{
		{"a\x1fsb", "c"},
		{"a", "b\x1fsc"},
		{"a", "b\x1fsc"},
	}
	id := putTable(t, store, "pairs", cols, rows)

	res, err := e.Run(context.Background(), RunRequest{
		DatasetID: id,
		Pipeline:  Pipeline{&GroupBy{By: []string{"a", "b"}}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.RowCount)
	assert.Equal(t, []any{"a\x1fsb", "c", int64(1)}, res.Rows[0])
	assert.Equal(t, []any{"a", "b\x1fsc", int64(2)}, res.Rows[1])
}

// Grouping 10,000 rows into 37 buckets keeps exact decimal sums through sort and topN.
func TestEngine_GroupSortTopN(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())

	cols := []core.ColumnSchema{
		{Name: "collection", TabularType: core.TypeString},
		{Name: "amount", TabularType: core.TypeDecimal},
	}
	rows := make([][]any, 10_000)
	expected := make(map[string]decimal.Decimal)
	for i := range rows {
		c := fmt.Sprintf("col-%02d", i%37)
		amt := decimal.NewFromInt(int64(i % 101)).Div(decimal.NewFromInt(4))
		rows[i] = []any{c, amt}
		expected[c] = expected[c].Add(amt)
	}
	id := putTable(t, store, "collections", cols, rows)

	p, errs := ParsePipeline(decodeSteps(t, `[
		{"op": "groupBy", "by": ["collection"], "aggregates": [{"op": "sum", "column": "amount"}]},
		{"op": "sort", "by": "sum_amount", "direction": "desc"},
		{"op": "topN", "n": 5}
	]`))
	require.Empty(t, errs)

	res, err := e.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: p})
	require.NoError(t, err)
	require.Equal(t, 5, res.RowCount)
	assert.Equal(t, 2, res.ColumnCount)
	assert.Equal(t, []string{"collection", "sum_amount"}, core.ColumnNames(res.Schema))
	assert.Equal(t, core.TypeDecimal, res.Schema[1].TabularType)
	assert.Empty(t, res.Warnings)

	sums := make([]decimal.Decimal, 0, len(expected))
	for _, v := range expected {
		sums = append(sums, v)
	}
	sort.Slice(sums, func(i, j int) bool { return sums[i].GreaterThan(sums[j]) })

	for i, row := range res.Rows {
		got := row[1].(decimal.Decimal)
		assert.True(t, sums[i].Equal(got), "row %d: want %s, got %s", i, sums[i], got)
		assert.True(t, expected[row[0].(string)].Equal(got))
		if i > 0 {
			assert.True(t, res.Rows[i-1][1].(decimal.Decimal).GreaterThanOrEqual(got))
		}
	}
}

func TestEngine_Filter(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	id := putTable(t, store, "sales", salesSchema(), salesRows())

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"eq string is exact", Filter{Column: "region", Operator: "eq", Value: "North"}, 1},
		{"ne skips nulls", Filter{Column: "region", Operator: "ne", Value: "North"}, 2},
		{"gt double", Filter{Column: "amount", Operator: "gt", Value: 15}, 2},
		{"gte int from text", Filter{Column: "qty", Operator: "gte", Value: "3"}, 2},
		{"lt decimal", Filter{Column: "price", Operator: "lt", Value: 3}, 2},
		{"lte", Filter{Column: "amount", Operator: "lte", Value: 10.5}, 1},
		{"in", Filter{Column: "qty", Operator: "in", Value: []any{1.0, 4.0}}, 2},
		{"between dates", Filter{Column: "ts", Operator: "between", Value: []any{"2024-02-01", "2024-06-30"}}, 2},
		{"contains ignores case", Filter{Column: "region", Operator: "contains", Value: "north"}, 2},
		{"startswith", Filter{Column: "region", Operator: "startswith", Value: "SOU"}, 1},
		{"eq bool", Filter{Column: "active", Operator: "eq", Value: true}, 2},
		{"operator case", Filter{Column: "qty", Operator: "GT", Value: 1}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.filter
			res, err := e.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: Pipeline{&f}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.RowCount)
		})
	}
}

func TestEngine_GroupByAggregates(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	id := putTable(t, store, "sales", salesSchema(), salesRows())

	p := Pipeline{&GroupBy{Aggregates: []Aggregate{
		{Op: "count"},
		{Op: "count", Column: "amount"},
		{Op: "countDistinct", Column: "active"},
		{Op: "sum", Column: "qty"},
		{Op: "sum", Column: "price"},
		{Op: "avg", Column: "amount"},
		{Op: "min", Column: "ts"},
		{Op: "max", Column: "price", As: "top_price"},
	}}}
	res, err := e.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: p})
	require.NoError(t, err)
	require.Equal(t, 1, res.RowCount)

	assert.Equal(t, []string{"count", "count_amount", "countDistinct_active", "sum_qty", "sum_price", "avg_amount", "min_ts", "top_price"},
		core.ColumnNames(res.Schema))

	row := res.Rows[0]
	assert.Equal(t, int64(4), row[0])
	assert.Equal(t, int64(3), row[1])
	assert.Equal(t, int64(2), row[2])
	assert.Equal(t, int64(10), row[3])
	assert.True(t, decimal.RequireFromString("7.70").Equal(row[4].(decimal.Decimal)))
	assert.InDelta(t, 60.5/3, row[5], 1e-9)
	assert.Equal(t, day("2024-01-15"), row[6])
	assert.True(t, decimal.RequireFromString("4.40").Equal(row[7].(decimal.Decimal)))
}

func TestEngine_GroupByNullsAndCap(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	id := putTable(t, store, "sales", salesSchema(), salesRows())

	res, err := e.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: Pipeline{&GroupBy{By: []string{"region"}}}})
	require.NoError(t, err)
	assert.Equal(t, []any{"North", "South", "north east", nil}, column(res, "region"))
	assert.Equal(t, []any{int64(1), int64(1), int64(1), int64(1)}, column(res, "count"))

	limits := DefaultLimits()
	limits.MaxGroups = 2
	capped, store2 := newTestEngine(t, limits)
	id = putTable(t, store2, "sales", salesSchema(), append(salesRows(), salesRows()...))

	res, err = capped.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: Pipeline{&GroupBy{By: []string{"region"}}}})
	require.NoError(t, err)
	assert.Equal(t, []any{"North", "South"}, column(res, "region"))
	assert.Equal(t, []any{int64(2), int64(2)}, column(res, "count"), "existing buckets keep aggregating")
	assert.True(t, res.Truncated)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "capped at 2 groups; 4 rows")
}

func TestEngine_SortNullsLast(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	id := putTable(t, store, "sales", salesSchema(), salesRows())

	for _, dir := range []string{"asc", "desc"} {
		res, err := e.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: Pipeline{&Sort{By: "amount", Direction: dir}}})
		require.NoError(t, err)
		got := column(res, "amount")
		assert.Nil(t, got[3], dir)
		if dir == "asc" {
			assert.Equal(t, []any{10.5, 20.0, 30.0}, got[:3])
		} else {
			assert.Equal(t, []any{30.0, 20.0, 10.5}, got[:3])
		}
	}
}

func TestEngine_SortIsStable(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	id := putTable(t, store, "sales", salesSchema(), salesRows())

	res, err := e.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: Pipeline{&Sort{By: "active", Direction: "desc"}}})
	require.NoError(t, err)
	assert.Equal(t, []any{int32(1), int32(3), int32(2), int32(4)}, column(res, "qty"))
}

func TestEngine_DeriveAndPercent(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	id := putTable(t, store, "sales", salesSchema(), salesRows())

	p := Pipeline{
		&Derive{As: "unit", Operator: "div", Left: "amount", Right: "qty"},
		&Derive{As: "zero", Operator: "div", Left: "amount", Right: 0},
		&Derive{As: "plus", Operator: "add", Left: "qty", Right: "1.5"},
		&PercentOfTotal{Column: "amount", As: "share"},
	}
	res, err := e.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: p})
	require.NoError(t, err)

	assert.Equal(t, []any{10.5, 10.0, 10.0, nil}, column(res, "unit"))
	assert.Equal(t, []any{nil, nil, nil, nil}, column(res, "zero"))
	assert.Equal(t, []any{2.5, 3.5, 4.5, 5.5}, column(res, "plus"))

	share := column(res, "share")
	assert.InDelta(t, 10.5/60.5*100, share[0], 1e-9)
	assert.InDelta(t, 30.0/60.5*100, share[2], 1e-9)
	assert.Nil(t, share[3])
	assert.Equal(t, core.TypeDouble, res.Schema[core.ColumnIndex(res.Schema, "share")].TabularType)
}

func TestEngine_PercentOfZeroTotal(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	cols := []core.ColumnSchema{{Name: "v", TabularType: core.TypeInt64}}
	id := putTable(t, store, "zeros", cols, [][]any{{int64(0)}, {int64(0)}})

	res, err := e.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: Pipeline{&PercentOfTotal{Column: "v"}}})
	require.NoError(t, err)
	assert.Equal(t, []any{nil, nil}, column(res, "pct_v"))
}

func TestEngine_DateBucket(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	id := putTable(t, store, "sales", salesSchema(), salesRows())

	p := Pipeline{
		&DateBucket{Column: "ts", Unit: "quarter", As: "quarter"},
		&DateBucket{Column: "ts", Unit: "week"},
	}
	res, err := e.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: p})
	require.NoError(t, err)

	assert.Equal(t, []any{day("2024-01-01"), day("2024-01-01"), day("2024-04-01"), day("2024-07-01")}, column(res, "quarter"))
	assert.Equal(t, []any{day("2024-01-15"), day("2024-02-19"), day("2024-04-01"), day("2024-07-01")}, column(res, "ts"))
}

func TestTruncateTime(t *testing.T) {
	ts := time.Date(2024, time.November, 14, 17, 45, 3, 0, time.FixedZone("X", 3600))

	tests := []struct {
		unit string
		want time.Time
	}{
		{UnitDay, day("2024-11-14")},
		{UnitWeek, day("2024-11-11")},
		{UnitMonth, day("2024-11-01")},
		{UnitQuarter, day("2024-10-01")},
		{UnitYear, day("2024-01-01")},
	}
	for _, tt := range tests {
		t.Run(tt.unit, func(t *testing.T) {
			assert.Equal(t, tt.want, truncateTime(ts, tt.unit))
		})
	}

	// Sunday belongs to the week that started the previous Monday.
	assert.Equal(t, day("2024-11-11"), truncateTime(day("2024-11-17"), UnitWeek))
}

func TestEngine_SelectAndTopN(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	id := putTable(t, store, "sales", salesSchema(), salesRows())

	p := Pipeline{&Select{Columns: []string{"QTY", "region"}}, &TopN{N: 3}}
	res, err := e.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: p, TopN: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"qty", "region"}, core.ColumnNames(res.Schema))
	assert.Equal(t, [][]any{{int32(1), "North"}, {int32(2), "South"}}, res.Rows)
}

func TestEngine_ResultBounds(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxResultRows = 3
	limits.PreviewRows = 2
	e, store := newTestEngine(t, limits)
	id := putTable(t, store, "sales", salesSchema(), salesRows())

	res, err := e.Run(context.Background(), RunRequest{DatasetID: id})
	require.NoError(t, err)
	assert.Equal(t, 3, res.RowCount)
	assert.Len(t, res.PreviewRows, 2)
	assert.True(t, res.Truncated)
	assert.Equal(t, []string{"result truncated to 3 rows (4 produced)"}, res.Warnings)
}

func TestEngine_PersistResult(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	id := putTable(t, store, "sales", salesSchema(), salesRows())

	res, err := e.Run(context.Background(), RunRequest{
		DatasetID:     id,
		Pipeline:      Pipeline{&GroupBy{By: []string{"active"}}},
		PersistResult: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ResultDatasetID)
	assert.NotEqual(t, id, res.ResultDatasetID)

	ds, ok := store.Get(res.ResultDatasetID)
	require.True(t, ok)
	assert.Equal(t, "sales_result", ds.TableName)
	assert.Equal(t, res.Schema, ds.Schema)
	assert.Equal(t, res.Rows, ds.Rows)

	// The persisted result feeds a follow-up run.
	next, err := e.Run(context.Background(), RunRequest{
		DatasetID: res.ResultDatasetID,
		Pipeline:  Pipeline{&Filter{Column: "count", Operator: "eq", Value: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, next.RowCount)
}

func TestEngine_PersistEmptyResultWarns(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	id := putTable(t, store, "sales", salesSchema(), salesRows())

	res, err := e.Run(context.Background(), RunRequest{
		DatasetID:     id,
		Pipeline:      Pipeline{&Filter{Column: "qty", Operator: "gt", Value: 100}},
		PersistResult: true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.ResultDatasetID)
	assert.Equal(t, []string{"result not persisted: table has no rows"}, res.Warnings)
}

func TestEngine_Errors(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	id := putTable(t, store, "sales", salesSchema(), salesRows())

	t.Run("unknown dataset", func(t *testing.T) {
		_, err := e.Run(context.Background(), RunRequest{DatasetID: "ds_missing"})
		assert.True(t, core.IsCode(err, core.CodeDatasetNotFound))
	})

	t.Run("expired dataset", func(t *testing.T) {
		clock := testutil.NewClock(time.Now())
		short := dataset.NewStore(dataset.Options{TTL: time.Minute, Clock: clock.Now}, nil)
		eng := NewEngine(short, DefaultLimits(), core.DatasetBounds{}, nil)
		sid := putTable(t, short, "sales", salesSchema(), salesRows())
		clock.Advance(2 * time.Minute)

		_, err := eng.Run(context.Background(), RunRequest{DatasetID: sid})
		assert.True(t, core.IsCode(err, core.CodeDatasetNotFound))
	})

	t.Run("invalid pipeline", func(t *testing.T) {
		_, err := e.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: Pipeline{
			&Sort{By: "nope"},
			&TopN{N: -1},
		}})
		te, ok := core.AsToolError(err)
		require.True(t, ok)
		assert.Equal(t, core.CodeInvalidPipeline, te.Code)
		assert.Len(t, te.Details["errors"], 2)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.Run(ctx, RunRequest{DatasetID: id, Pipeline: Pipeline{&TopN{N: 1}}})
		te, ok := core.AsToolError(err)
		require.True(t, ok)
		assert.Equal(t, core.CodeExecutionFailed, te.Code)
		assert.Contains(t, te.Message, "context canceled")
	})
}

func TestEngine_ChecksContextDuringLargeScans(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	cols := []core.ColumnSchema{{Name: "v", TabularType: core.TypeInt64}}
	rows := make([][]any, 5000)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	id := putTable(t, store, "big", cols, rows)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := execFilter(ctx, stepPlan{in: cols, op: FilterGt, operands: []any{0.0}}, &Filter{Column: "v"}, rows)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = e.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: Pipeline{&Filter{Column: "v", Operator: "gte", Value: 0}}})
	assert.NoError(t, err)
}

func TestEngine_DoesNotModifyStoredRows(t *testing.T) {
	e, store := newTestEngine(t, DefaultLimits())
	id := putTable(t, store, "sales", salesSchema(), salesRows())

	_, err := e.Run(context.Background(), RunRequest{DatasetID: id, Pipeline: Pipeline{
		&Sort{By: "qty", Direction: "desc"},
		&DateBucket{Column: "ts", Unit: "year"},
		&Derive{As: "d", Operator: "mul", Left: "qty", Right: 2},
	}})
	require.NoError(t, err)

	ds, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, salesRows(), ds.Rows)
	assert.Equal(t, salesSchema(), ds.Schema)
}
