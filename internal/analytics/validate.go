package analytics

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/leapstack-labs/leapgate/internal/tabular"
	"github.com/leapstack-labs/leapgate/pkg/core"
)

// DefaultRightPrefix is prepended to right-side column names by a join.
const DefaultRightPrefix = "r_"

// Filter operators.
const (
	FilterEq         = "eq"
	FilterNe         = "ne"
	FilterGt         = "gt"
	FilterGte        = "gte"
	FilterLt         = "lt"
	FilterLte        = "lte"
	FilterIn         = "in"
	FilterBetween    = "between"
	FilterContains   = "contains"
	FilterStartsWith = "startswith"
)

// Aggregate operators.
const (
	AggCount         = "count"
	AggCountDistinct = "countDistinct"
	AggSum           = "sum"
	AggAvg           = "avg"
	AggMin           = "min"
	AggMax           = "max"
)

// Derive operators.
const (
	DeriveAdd = "add"
	DeriveSub = "sub"
	DeriveMul = "mul"
	DeriveDiv = "div"
)

// Date bucket units.
const (
	UnitDay     = "day"
	UnitWeek    = "week"
	UnitMonth   = "month"
	UnitQuarter = "quarter"
	UnitYear    = "year"
)

// Join kinds.
const (
	JoinInner = "inner"
	JoinLeft  = "left"
)

var filterOps = map[string]bool{
	FilterEq: true, FilterNe: true, FilterGt: true, FilterGte: true, FilterLt: true,
	FilterLte: true, FilterIn: true, FilterBetween: true, FilterContains: true, FilterStartsWith: true,
}

var aggOps = map[string]string{
	"count":         AggCount,
	"countdistinct": AggCountDistinct,
	"sum":           AggSum,
	"avg":           AggAvg,
	"min":           AggMin,
	"max":           AggMax,
}

var deriveOps = map[string]bool{DeriveAdd: true, DeriveSub: true, DeriveMul: true, DeriveDiv: true}

var dateUnits = map[string]bool{UnitDay: true, UnitWeek: true, UnitMonth: true, UnitQuarter: true, UnitYear: true}

// Resolver returns the schema of a live dataset.
type Resolver func(datasetID string) ([]core.ColumnSchema, bool)

// Validate checks a pipeline against the schema it will run on. It never
// modifies base or the pipeline.
func Validate(p Pipeline, base []core.ColumnSchema, resolve Resolver, limits Limits) []ValidationError {
	_, errs := buildPlan(p, base, resolve, limits)
	return errs
}

// stepPlan is the statically checked form of one step.
type stepPlan struct {
	step Step
	in   []core.ColumnSchema
	out  []core.ColumnSchema

	// skip is the warning recorded when the step is not executed.
	skip string

	op       string
	operands []any
	aggs     []Aggregate
	prefix   string
	right    []string
	how      string
	desc     bool
}

type planner struct {
	resolve Resolver
	limits  Limits
	errs    []ValidationError
	index   int
	op      string
}

func (p *planner) errorf(field, format string, args ...any) {
	p.errs = append(p.errs, ValidationError{
		Step: p.index, Op: p.op, Field: field, Message: fmt.Sprintf(format, args...),
	})
}

func buildPlan(pipeline Pipeline, base []core.ColumnSchema, resolve Resolver, limits Limits) ([]stepPlan, []ValidationError) {
	p := &planner{resolve: resolve, limits: limits}
	cols := cloneColumns(base)
	plans := make([]stepPlan, 0, len(pipeline))

	for i, s := range pipeline {
		p.index = i
		if s == nil {
			p.op = ""
			p.errorf("op", "missing step")
			continue
		}
		p.op = s.Op()
		sp := stepPlan{step: s, in: cols, out: cols}
		before := len(p.errs)

		switch st := s.(type) {
		case *Filter:
			p.planFilter(&sp, st)
		case *GroupBy:
			p.planGroupBy(&sp, st)
		case *Sort:
			p.planSort(&sp, st)
		case *TopN:
			if st.N < 1 {
				p.errorf("n", "must be at least 1")
			}
		case *Select:
			p.planSelect(&sp, st)
		case *Join:
			p.planJoin(&sp, st)
		case *Derive:
			p.planDerive(&sp, st)
		case *PercentOfTotal:
			p.planPercent(&sp, st)
		case *DateBucket:
			p.planDateBucket(&sp, st)
		default:
			p.errorf("op", "unsupported step %T", s)
		}

		if len(p.errs) > before {
			sp.out = cols
		}
		plans = append(plans, sp)
		cols = sp.out
	}
	return plans, p.errs
}

// column looks up a referenced column, recording an error when it is absent.
func (p *planner) column(cols []core.ColumnSchema, field, name string) (core.ColumnSchema, bool) {
	if strings.TrimSpace(name) == "" {
		p.errorf(field, "is required")
		return core.ColumnSchema{}, false
	}
	i := core.ColumnIndex(cols, name)
	if i < 0 {
		p.errorf(field, "unknown column %q", name)
		return core.ColumnSchema{}, false
	}
	return cols[i], true
}

func (p *planner) numericColumn(cols []core.ColumnSchema, field, name string) (core.ColumnSchema, bool) {
	c, ok := p.column(cols, field, name)
	if !ok {
		return c, false
	}
	if !c.TabularType.IsNumeric() {
		p.errorf(field, "column %q is %s, not numeric", c.Name, c.TabularType)
		return c, false
	}
	return c, true
}

func (p *planner) outputName(cols []core.ColumnSchema, field, name string) bool {
	if core.ColumnIndex(cols, name) >= 0 {
		p.errorf(field, "output column %q already exists", name)
		return false
	}
	return true
}

// ===== Filter =====

func (p *planner) planFilter(sp *stepPlan, f *Filter) {
	col, ok := p.column(sp.in, "column", f.Column)
	op := strings.ToLower(strings.TrimSpace(f.Operator))
	if !filterOps[op] {
		p.errorf("operator", "unsupported operator %q", f.Operator)
		return
	}
	sp.op = op
	if f.Value == nil {
		p.errorf("value", "is required")
		return
	}
	if !ok {
		return
	}

	var raw []any
	switch op {
	case FilterIn:
		list, isList := asList(f.Value)
		if !isList || len(list) == 0 {
			p.errorf("value", "operator in requires a non-empty list")
			return
		}
		raw = list
	case FilterBetween:
		list, isList := asList(f.Value)
		if !isList || len(list) != 2 {
			p.errorf("value", "operator between requires a [low, high] pair")
			return
		}
		raw = list
	case FilterContains, FilterStartsWith:
		sp.operands = []any{strings.ToLower(formatValue(f.Value))}
		return
	default:
		if _, isList := asList(f.Value); isList {
			p.errorf("value", "operator %s requires a single value", op)
			return
		}
		raw = []any{f.Value}
	}

	sp.operands = make([]any, 0, len(raw))
	for _, v := range raw {
		cv, err := coerceOperand(v, col.TabularType)
		if err != nil {
			p.errorf("value", "%v", err)
			return
		}
		sp.operands = append(sp.operands, cv)
	}
}

// coerceOperand converts a filter literal to a value comparable with
// cells of type t.
func coerceOperand(v any, t core.TabularType) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("null is not a comparable value")
	}
	if n, ok := v.(json.Number); ok {
		v = n.String()
	}
	switch t {
	case core.TypeInt32, core.TypeInt64, core.TypeDouble:
		if isNumber(v) {
			return v, nil
		}
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, nil
			}
		}
		return nil, fmt.Errorf("value %v is not numeric", v)
	case core.TypeDecimal:
		cv, err := tabular.Convert(v, core.TypeDecimal)
		if err != nil {
			return nil, fmt.Errorf("value %v is not numeric", v)
		}
		return cv, nil
	default:
		cv, err := tabular.Convert(v, t)
		if err != nil {
			return nil, fmt.Errorf("value %v is not a valid %s", v, t)
		}
		return cv, nil
	}
}

func asList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// ===== GroupBy =====

func (p *planner) planGroupBy(sp *stepPlan, g *GroupBy) {
	out := make([]core.ColumnSchema, 0, len(g.By)+len(g.Aggregates))
	for _, name := range g.By {
		c, ok := p.column(sp.in, "by", name)
		if !ok {
			continue
		}
		if core.ColumnIndex(out, c.Name) >= 0 {
			p.errorf("by", "column %q listed twice", c.Name)
			continue
		}
		out = append(out, c)
	}

	aggs := g.Aggregates
	if len(aggs) == 0 {
		aggs = []Aggregate{{Op: AggCount}}
	}
	sp.aggs = make([]Aggregate, 0, len(aggs))

	for _, a := range aggs {
		op, ok := aggOps[strings.ToLower(strings.TrimSpace(a.Op))]
		if !ok {
			p.errorf("aggregates", "unsupported aggregate %q", a.Op)
			continue
		}
		column := strings.TrimSpace(a.Column)
		if column == "*" {
			column = ""
		}

		var col core.ColumnSchema
		switch {
		case op == AggCount && column == "":
		case op == AggSum || op == AggAvg:
			if col, ok = p.numericColumn(sp.in, "aggregates.column", column); !ok {
				continue
			}
		default:
			if col, ok = p.column(sp.in, "aggregates.column", column); !ok {
				continue
			}
		}

		name := a.As
		if name == "" {
			name = op
			if column != "" {
				name = op + "_" + col.Name
			}
		}
		if !p.outputName(out, "aggregates.as", name) {
			continue
		}
		out = append(out, core.ColumnSchema{
			Name:        name,
			TabularType: aggregateType(op, col.TabularType),
			Role:        core.RoleMeasure,
			Nullable:    op != AggCount && op != AggCountDistinct,
		})
		sp.aggs = append(sp.aggs, Aggregate{Op: op, Column: col.Name, As: name})
	}
	sp.out = out
}

func aggregateType(op string, in core.TabularType) core.TabularType {
	switch op {
	case AggCount, AggCountDistinct:
		return core.TypeInt64
	case AggAvg:
		return core.TypeDouble
	case AggSum:
		switch in {
		case core.TypeInt32, core.TypeInt64:
			return core.TypeInt64
		case core.TypeDecimal:
			return core.TypeDecimal
		default:
			return core.TypeDouble
		}
	default:
		return in
	}
}

// ===== Sort / Select =====

func (p *planner) planSort(sp *stepPlan, s *Sort) {
	p.column(sp.in, "by", s.By)
	switch strings.ToLower(strings.TrimSpace(s.Direction)) {
	case "", "asc":
	case "desc":
		sp.desc = true
	default:
		p.errorf("direction", "must be asc or desc, got %q", s.Direction)
	}
}

func (p *planner) planSelect(sp *stepPlan, s *Select) {
	if len(s.Columns) == 0 {
		p.errorf("columns", "is required")
		return
	}
	out := make([]core.ColumnSchema, 0, len(s.Columns))
	for _, name := range s.Columns {
		c, ok := p.column(sp.in, "columns", name)
		if !ok {
			continue
		}
		if core.ColumnIndex(out, c.Name) >= 0 {
			p.errorf("columns", "column %q listed twice", c.Name)
			continue
		}
		out = append(out, c)
	}
	sp.out = out
}

// ===== Join =====

func (p *planner) planJoin(sp *stepPlan, j *Join) {
	if j.RightDatasetID == "" {
		p.errorf("rightDatasetId", "is required")
		return
	}
	var right []core.ColumnSchema
	ok := false
	if p.resolve != nil {
		right, ok = p.resolve(j.RightDatasetID)
	}
	if !ok {
		p.errs = append(p.errs, ValidationError{
			Step: p.index, Op: p.op, Field: "rightDatasetId", Code: string(core.CodeDatasetNotFound),
			Message: fmt.Sprintf("dataset %q not found or expired", j.RightDatasetID),
		})
		return
	}

	if len(j.LeftKeys) == 0 || len(j.RightKeys) == 0 {
		p.errorf("leftKeys", "leftKeys and rightKeys are required")
		return
	}
	if len(j.LeftKeys) != len(j.RightKeys) {
		p.errorf("rightKeys", "expected %d keys to match leftKeys, got %d", len(j.LeftKeys), len(j.RightKeys))
		return
	}

	switch how := strings.ToLower(strings.TrimSpace(j.How)); how {
	case "", JoinInner:
		sp.how = JoinInner
	case JoinLeft:
		sp.how = JoinLeft
	default:
		p.errorf("how", "must be inner or left, got %q", j.How)
		return
	}

	sp.prefix = DefaultRightPrefix
	if j.RightPrefix != nil {
		sp.prefix = *j.RightPrefix
	}

	if len(j.SelectRight) == 0 && p.limits.MaxJoinRightColumns > 0 && len(right) > p.limits.MaxJoinRightColumns {
		p.errorf("selectRight", "right dataset has %d columns (max %d without selectRight)",
			len(right), p.limits.MaxJoinRightColumns)
		return
	}

	var missing []string
	for _, k := range j.LeftKeys {
		if core.ColumnIndex(sp.in, k) < 0 {
			missing = append(missing, "left."+k)
		}
	}
	for _, k := range j.RightKeys {
		if core.ColumnIndex(right, k) < 0 {
			missing = append(missing, "right."+k)
		}
	}

	selected := right
	if len(j.SelectRight) > 0 {
		selected = make([]core.ColumnSchema, 0, len(j.SelectRight))
		for _, name := range j.SelectRight {
			c, ok := p.column(right, "selectRight", name)
			if !ok {
				continue
			}
			if core.ColumnIndex(selected, c.Name) >= 0 {
				p.errorf("selectRight", "column %q listed twice", c.Name)
				continue
			}
			selected = append(selected, c)
		}
	}

	if len(missing) > 0 {
		sp.skip = fmt.Sprintf("join with %s skipped: key columns not found: %s",
			j.RightDatasetID, strings.Join(missing, ", "))
		return
	}

	out := cloneColumns(sp.in)
	sp.right = make([]string, 0, len(selected))
	for _, c := range selected {
		rc := c
		rc.Name = sp.prefix + c.Name
		if sp.how == JoinLeft {
			rc.Nullable = true
		}
		if !p.outputName(out, "rightPrefix", rc.Name) {
			continue
		}
		out = append(out, rc)
		sp.right = append(sp.right, c.Name)
	}
	sp.out = out
}

// ===== Derive / PercentOfTotal / DateBucket =====

func (p *planner) planDerive(sp *stepPlan, d *Derive) {
	if strings.TrimSpace(d.As) == "" {
		p.errorf("as", "is required")
	}
	op := strings.ToLower(strings.TrimSpace(d.Operator))
	if !deriveOps[op] {
		p.errorf("operator", "unsupported operator %q", d.Operator)
	}
	sp.op = op
	left, lok := p.operand(sp.in, "left", d.Left)
	right, rok := p.operand(sp.in, "right", d.Right)
	if !lok || !rok || d.As == "" || !deriveOps[op] {
		return
	}
	if !p.outputName(sp.in, "as", d.As) {
		return
	}
	sp.operands = []any{left, right}
	sp.out = appendColumn(sp.in, core.ColumnSchema{
		Name: d.As, TabularType: core.TypeDouble, Role: core.RoleMeasure, Nullable: true,
	})
}

// columnRef marks a derive operand that reads a column.
type columnRef string

func (p *planner) operand(cols []core.ColumnSchema, field string, v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		p.errorf(field, "is required")
		return nil, false
	case string:
		if core.ColumnIndex(cols, x) < 0 {
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f, true
			}
		}
		c, ok := p.numericColumn(cols, field, x)
		if !ok {
			return nil, false
		}
		return columnRef(c.Name), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			p.errorf(field, "invalid number %q", x)
			return nil, false
		}
		return f, true
	default:
		f, ok := toFloat(v)
		if !ok {
			p.errorf(field, "must be a column name or a number, got %T", v)
			return nil, false
		}
		return f, true
	}
}

func (p *planner) planPercent(sp *stepPlan, pt *PercentOfTotal) {
	c, ok := p.numericColumn(sp.in, "column", pt.Column)
	if !ok {
		return
	}
	name := pt.As
	if name == "" {
		name = "pct_" + c.Name
	}
	if !p.outputName(sp.in, "as", name) {
		return
	}
	sp.out = appendColumn(sp.in, core.ColumnSchema{
		Name: name, TabularType: core.TypeDouble, Role: core.RoleMeasure, Nullable: true,
	})
}

func (p *planner) planDateBucket(sp *stepPlan, b *DateBucket) {
	unit := strings.ToLower(strings.TrimSpace(b.Unit))
	if !dateUnits[unit] {
		p.errorf("unit", "unsupported unit %q", b.Unit)
	}
	sp.op = unit
	c, ok := p.column(sp.in, "column", b.Column)
	if !ok || !dateUnits[unit] {
		return
	}
	if c.TabularType != core.TypeDateTime && c.TabularType != core.TypeString {
		p.errorf("column", "column %q is %s, not a date", c.Name, c.TabularType)
		return
	}

	bucket := core.ColumnSchema{
		Name: c.Name, TabularType: core.TypeDateTime, Role: core.RoleDimension, Nullable: true,
	}
	if b.As == "" {
		out := cloneColumns(sp.in)
		out[core.ColumnIndex(out, c.Name)] = bucket
		sp.out = out
		return
	}
	if !p.outputName(sp.in, "as", b.As) {
		return
	}
	bucket.Name = b.As
	sp.out = appendColumn(sp.in, bucket)
}

func cloneColumns(cols []core.ColumnSchema) []core.ColumnSchema {
	if cols == nil {
		return nil
	}
	out := make([]core.ColumnSchema, len(cols))
	copy(out, cols)
	return out
}

func appendColumn(cols []core.ColumnSchema, c core.ColumnSchema) []core.ColumnSchema {
	out := make([]core.ColumnSchema, len(cols), len(cols)+1)
	copy(out, cols)
	return append(out, c)
}
