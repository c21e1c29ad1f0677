package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/leapstack-labs/leapgate/pkg/core"
)

// checkEvery is how many rows a step processes between cancellation checks.
const checkEvery = 1024

// Limits bounds the work and output of a single run.
type Limits struct {
	MaxGroups             int
	MaxResultRows         int
	MaxJoinRows           int
	MaxJoinMatchesPerLeft int
	MaxJoinRightColumns   int
	PreviewRows           int
	RunTimeout            time.Duration
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxGroups:             1000,
		MaxResultRows:         500,
		MaxJoinRows:           100_000,
		MaxJoinMatchesPerLeft: 50,
		MaxJoinRightColumns:   20,
		PreviewRows:           20,
		RunTimeout:            30 * time.Second,
	}
}

// Store is the dataset storage the engine reads from and persists into.
type Store interface {
	Get(id string) (*core.Dataset, bool)
	Create(table *core.TabularData, name string, bounds core.DatasetBounds) (*core.Dataset, error)
}

// RunRequest is one pipeline execution against a stored dataset.
type RunRequest struct {
	DatasetID     string
	Pipeline      Pipeline
	TopN          int
	PersistResult bool
}

// Result is the bounded output of a run.
type Result struct {
	Schema          []core.ColumnSchema `json:"schema"`
	Rows            [][]any             `json:"-"`
	RowCount        int                 `json:"rowCount"`
	ColumnCount     int                 `json:"columnCount"`
	PreviewRows     [][]any             `json:"previewRows"`
	ResultDatasetID string              `json:"resultDatasetId,omitempty"`
	Truncated       bool                `json:"truncated"`
	Warnings        []string            `json:"warnings"`
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Engine executes pipelines over datasets held in a Store.
type Engine struct {
	store  Store
	limits Limits
	bounds core.DatasetBounds
	logger *slog.Logger
}

// NewEngine creates an engine. bounds apply to persisted results.
func NewEngine(store Store, limits Limits, bounds core.DatasetBounds, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{store: store, limits: limits, bounds: bounds, logger: logger}
}

// Limits returns the engine's configured limits.
func (e *Engine) Limits() Limits {
	return e.limits
}

func (e *Engine) resolve(id string) ([]core.ColumnSchema, bool) {
	ds, ok := e.store.Get(id)
	if !ok {
		return nil, false
	}
	return ds.Schema, true
}

// Validate checks a pipeline against a stored dataset without running it.
func (e *Engine) Validate(datasetID string, p Pipeline) ([]ValidationError, error) {
	ds, ok := e.store.Get(datasetID)
	if !ok {
		return nil, DatasetNotFound(datasetID)
	}
	return Validate(p, ds.Schema, e.resolve, e.limits), nil
}

// Run validates and executes req. Validation failures never execute.
func (e *Engine) Run(ctx context.Context, req RunRequest) (res *Result, err error) {
	ds, ok := e.store.Get(req.DatasetID)
	if !ok {
		return nil, DatasetNotFound(req.DatasetID)
	}

	plans, errs := buildPlan(req.Pipeline, ds.Schema, e.resolve, e.limits)
	if len(errs) > 0 {
		return nil, PipelineError(errs)
	}

	if e.limits.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.limits.RunTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("pipeline panicked", "dataset", req.DatasetID, "panic", r, "stack", string(debug.Stack()))
			res, err = nil, core.NewToolError(core.CodeExecutionFailed, "pipeline execution failed: %v", r)
		}
	}()

	start := time.Now()
	res = &Result{}
	cols, rows := ds.Schema, ds.Rows

	for i, sp := range plans {
		if sp.skip != "" {
			res.Warnings = append(res.Warnings, sp.skip)
			continue
		}
		rows, err = e.execStep(ctx, sp, rows, res)
		if err != nil {
			if te, ok := core.AsToolError(err); ok {
				return nil, te
			}
			return nil, core.NewToolError(core.CodeExecutionFailed,
				"step %d (%s): %v", i, sp.step.Op(), err).WithCause(err)
		}
		cols = sp.out
	}

	if req.TopN > 0 && len(rows) > req.TopN {
		rows = rows[:req.TopN]
	}
	if limit := e.limits.MaxResultRows; limit > 0 && len(rows) > limit {
		res.warnf("result truncated to %d rows (%d produced)", limit, len(rows))
		res.Truncated = true
		rows = rows[:limit]
	}

	res.Schema = cloneColumns(cols)
	res.Rows = rows
	res.RowCount = len(rows)
	res.ColumnCount = len(cols)
	res.PreviewRows = preview(rows, e.limits.PreviewRows)

	if req.PersistResult {
		e.persist(ds, res)
	}

	e.logger.Debug("pipeline executed",
		"dataset", req.DatasetID,
		"steps", len(plans),
		"rows", res.RowCount,
		"duration", time.Since(start))
	return res, nil
}

func (e *Engine) persist(src *core.Dataset, res *Result) {
	name := src.TableName + "_result"
	table := &core.TabularData{Columns: res.Schema, Rows: res.Rows}
	out, err := e.store.Create(table, name, e.bounds)
	if err != nil {
		res.warnf("result not persisted: %v", err)
		return
	}
	res.ResultDatasetID = out.ID
}

func preview(rows [][]any, n int) [][]any {
	if n <= 0 || n > len(rows) {
		n = len(rows)
	}
	return rows[:n]
}

func checkpoint(ctx context.Context, i int) error {
	if i%checkEvery == 0 {
		return ctx.Err()
	}
	return nil
}

func (e *Engine) execStep(ctx context.Context, sp stepPlan, rows [][]any, res *Result) ([][]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch st := sp.step.(type) {
	case *Filter:
		return execFilter(ctx, sp, st, rows)
	case *GroupBy:
		return e.execGroupBy(ctx, sp, st, rows, res)
	case *Sort:
		return execSort(ctx, sp, st, rows)
	case *TopN:
		if len(rows) > st.N {
			return rows[:st.N], nil
		}
		return rows, nil
	case *Select:
		return execSelect(ctx, sp, rows)
	case *Join:
		return e.execJoin(ctx, sp, st, rows, res)
	case *Derive:
		return execDerive(ctx, sp, rows)
	case *PercentOfTotal:
		return execPercent(ctx, sp, st, rows)
	case *DateBucket:
		return execDateBucket(ctx, sp, st, rows)
	default:
		return nil, fmt.Errorf("unsupported step %T", sp.step)
	}
}

// ===== Filter =====

func execFilter(ctx context.Context, sp stepPlan, f *Filter, rows [][]any) ([][]any, error) {
	idx := core.ColumnIndex(sp.in, f.Column)
	match := filterFunc(sp.op, sp.operands)
	out := make([][]any, 0, len(rows)/2)
	for i, row := range rows {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}
		if v := row[idx]; v != nil && match(v) {
			out = append(out, row)
		}
	}
	return out, nil
}

func filterFunc(op string, operands []any) func(any) bool {
	switch op {
	case FilterEq:
		return func(v any) bool { return compareValues(v, operands[0]) == 0 }
	case FilterNe:
		return func(v any) bool { return compareValues(v, operands[0]) != 0 }
	case FilterGt:
		return func(v any) bool { return compareValues(v, operands[0]) > 0 }
	case FilterGte:
		return func(v any) bool { return compareValues(v, operands[0]) >= 0 }
	case FilterLt:
		return func(v any) bool { return compareValues(v, operands[0]) < 0 }
	case FilterLte:
		return func(v any) bool { return compareValues(v, operands[0]) <= 0 }
	case FilterIn:
		return func(v any) bool {
			for _, o := range operands {
				if compareValues(v, o) == 0 {
					return true
				}
			}
			return false
		}
	case FilterBetween:
		return func(v any) bool {
			return compareValues(v, operands[0]) >= 0 && compareValues(v, operands[1]) <= 0
		}
	case FilterContains:
		needle := operands[0].(string)
		return func(v any) bool { return strings.Contains(strings.ToLower(formatValue(v)), needle) }
	case FilterStartsWith:
		prefix := operands[0].(string)
		return func(v any) bool { return strings.HasPrefix(strings.ToLower(formatValue(v)), prefix) }
	default:
		return func(any) bool { return false }
	}
}

// ===== Sort / Select =====

func execSort(ctx context.Context, sp stepPlan, s *Sort, rows [][]any) ([][]any, error) {
	idx := core.ColumnIndex(sp.in, s.By)
	out := make([][]any, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(a, b int) bool {
		va, vb := out[a][idx], out[b][idx]
		if va == nil || vb == nil {
			return va != nil && vb == nil
		}
		c := compareValues(va, vb)
		if sp.desc {
			return c > 0
		}
		return c < 0
	})
	return out, ctx.Err()
}

func execSelect(ctx context.Context, sp stepPlan, rows [][]any) ([][]any, error) {
	idx := make([]int, len(sp.out))
	for i, c := range sp.out {
		idx[i] = core.ColumnIndex(sp.in, c.Name)
	}
	out := make([][]any, len(rows))
	for i, row := range rows {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}
		nr := make([]any, len(idx))
		for j, k := range idx {
			nr[j] = row[k]
		}
		out[i] = nr
	}
	return out, nil
}

// ===== Derive / PercentOfTotal / DateBucket =====

// extend copies row with room for one more value.
func extend(row []any, v any) []any {
	nr := make([]any, len(row), len(row)+1)
	copy(nr, row)
	return append(nr, v)
}

func execDerive(ctx context.Context, sp stepPlan, rows [][]any) ([][]any, error) {
	read := func(operand any) func([]any) (float64, bool) {
		if ref, ok := operand.(columnRef); ok {
			idx := core.ColumnIndex(sp.in, string(ref))
			return func(row []any) (float64, bool) { return toFloat(row[idx]) }
		}
		f := operand.(float64)
		return func([]any) (float64, bool) { return f, true }
	}
	left, right := read(sp.operands[0]), read(sp.operands[1])

	out := make([][]any, len(rows))
	for i, row := range rows {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}
		out[i] = extend(row, derive(sp.op, left, right, row))
	}
	return out, nil
}

func derive(op string, left, right func([]any) (float64, bool), row []any) any {
	a, okA := left(row)
	b, okB := right(row)
	if !okA || !okB {
		return nil
	}
	switch op {
	case DeriveAdd:
		return a + b
	case DeriveSub:
		return a - b
	case DeriveMul:
		return a * b
	case DeriveDiv:
		if b == 0 {
			return nil
		}
		return a / b
	default:
		return nil
	}
}

func execPercent(ctx context.Context, sp stepPlan, pt *PercentOfTotal, rows [][]any) ([][]any, error) {
	idx := core.ColumnIndex(sp.in, pt.Column)
	var total float64
	for i, row := range rows {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}
		if f, ok := toFloat(row[idx]); ok {
			total += f
		}
	}

	out := make([][]any, len(rows))
	for i, row := range rows {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}
		var pct any
		if f, ok := toFloat(row[idx]); ok && total != 0 {
			pct = f / total * 100
		}
		out[i] = extend(row, pct)
	}
	return out, nil
}

func execDateBucket(ctx context.Context, sp stepPlan, b *DateBucket, rows [][]any) ([][]any, error) {
	idx := core.ColumnIndex(sp.in, b.Column)
	inPlace := b.As == ""
	out := make([][]any, len(rows))
	for i, row := range rows {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}
		var bucket any
		if t, ok := asTime(row[idx]); ok {
			bucket = truncateTime(t, sp.op)
		}
		if inPlace {
			nr := make([]any, len(row))
			copy(nr, row)
			nr[idx] = bucket
			out[i] = nr
		} else {
			out[i] = extend(row, bucket)
		}
	}
	return out, nil
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case string:
		t, err := coerceOperand(x, core.TypeDateTime)
		if err != nil {
			return time.Time{}, false
		}
		return t.(time.Time), true
	default:
		return time.Time{}, false
	}
}

// truncateTime returns the UTC start of the unit containing t. Weeks start
// on Monday.
func truncateTime(t time.Time, unit string) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	switch unit {
	case UnitWeek:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
	case UnitMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case UnitQuarter:
		return time.Date(y, ((m-1)/3)*3+1, 1, 0, 0, 0, 0, time.UTC)
	case UnitYear:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

// ===== Errors =====

// DatasetNotFound is the error for an unknown or expired handle.
func DatasetNotFound(id string) *core.ToolError {
	return core.NewToolError(core.CodeDatasetNotFound, "dataset %q not found or expired", id).
		WithDetail("datasetId", id)
}

// PipelineError converts validation errors into a tool error. A join whose
// right dataset is gone reports dataset_not_found.
func PipelineError(errs []ValidationError) *core.ToolError {
	code := core.CodeInvalidPipeline
	for _, e := range errs {
		if e.Code == string(core.CodeDatasetNotFound) {
			code = core.CodeDatasetNotFound
			break
		}
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	te := core.NewToolError(code, "pipeline validation failed: %s", strings.Join(msgs, "; "))
	return te.WithDetail("errors", errs)
}
