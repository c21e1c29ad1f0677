// Package analytics runs bounded pipelines over server-held datasets.
//
// A pipeline is an ordered list of steps. Each step's output schema is
// computed before any row is touched, so a pipeline either validates as a
// whole or is rejected without executing.
package analytics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// Step operation names.
const (
	OpFilter         = "filter"
	OpGroupBy        = "groupBy"
	OpSort           = "sort"
	OpTopN           = "topN"
	OpSelect         = "select"
	OpJoin           = "join"
	OpDerive         = "derive"
	OpPercentOfTotal = "percentOfTotal"
	OpDateBucket     = "dateBucket"
)

// Step is one pipeline operation. The set of implementations is closed.
type Step interface {
	Op() string
	step()
}

// Pipeline is an ordered sequence of steps.
type Pipeline []Step

// Filter keeps rows whose column satisfies operator against value.
type Filter struct {
	Column   string `mapstructure:"column" json:"column"`
	Operator string `mapstructure:"operator" json:"operator"`
	Value    any    `mapstructure:"value" json:"value"`
}

// Aggregate is one output column of a GroupBy.
type Aggregate struct {
	Op     string `mapstructure:"op" json:"op"`
	Column string `mapstructure:"column" json:"column,omitempty"`
	As     string `mapstructure:"as" json:"as,omitempty"`
}

// GroupBy collapses rows sharing the By columns into one row per group.
type GroupBy struct {
	By         []string    `mapstructure:"by" json:"by"`
	Aggregates []Aggregate `mapstructure:"aggregates" json:"aggregates,omitempty"`
}

// Sort orders rows by a single column. Ties keep input order.
type Sort struct {
	By        string `mapstructure:"by" json:"by"`
	Direction string `mapstructure:"direction" json:"direction,omitempty"`
}

// TopN keeps the first N rows.
type TopN struct {
	N int `mapstructure:"n" json:"n"`
}

// Select projects the named columns in the given order.
type Select struct {
	Columns []string `mapstructure:"columns" json:"columns"`
}

// Join hash-joins another dataset onto the current rows.
type Join struct {
	RightDatasetID string   `mapstructure:"rightDatasetId" json:"rightDatasetId"`
	LeftKeys       []string `mapstructure:"leftKeys" json:"leftKeys"`
	RightKeys      []string `mapstructure:"rightKeys" json:"rightKeys"`
	How            string   `mapstructure:"how" json:"how,omitempty"`
	RightPrefix    *string  `mapstructure:"rightPrefix" json:"rightPrefix,omitempty"`
	SelectRight    []string `mapstructure:"selectRight" json:"selectRight,omitempty"`
}

// Derive adds a Double column computed from two operands. Each operand is
// either a column name or a numeric literal.
type Derive struct {
	As       string `mapstructure:"as" json:"as"`
	Operator string `mapstructure:"operator" json:"operator"`
	Left     any    `mapstructure:"left" json:"left"`
	Right    any    `mapstructure:"right" json:"right"`
}

// PercentOfTotal adds each value's share of the column total, in percent.
type PercentOfTotal struct {
	Column string `mapstructure:"column" json:"column"`
	As     string `mapstructure:"as" json:"as,omitempty"`
}

// DateBucket truncates a date column to the start of its unit. An empty As
// replaces the column in place.
type DateBucket struct {
	Column string `mapstructure:"column" json:"column"`
	Unit   string `mapstructure:"unit" json:"unit"`
	As     string `mapstructure:"as" json:"as,omitempty"`
}

func (*Filter) Op() string         { return OpFilter }
func (*GroupBy) Op() string        { return OpGroupBy }
func (*Sort) Op() string           { return OpSort }
func (*TopN) Op() string           { return OpTopN }
func (*Select) Op() string         { return OpSelect }
func (*Join) Op() string           { return OpJoin }
func (*Derive) Op() string         { return OpDerive }
func (*PercentOfTotal) Op() string { return OpPercentOfTotal }
func (*DateBucket) Op() string     { return OpDateBucket }

func (*Filter) step()         {}
func (*GroupBy) step()        {}
func (*Sort) step()           {}
func (*TopN) step()           {}
func (*Select) step()         {}
func (*Join) step()           {}
func (*Derive) step()         {}
func (*PercentOfTotal) step() {}
func (*DateBucket) step()     {}

// ValidationError describes one problem with one pipeline step.
type ValidationError struct {
	Step    int    `json:"step"`
	Op      string `json:"op,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`

	// Code is set for errors that map to a distinct tool error code.
	Code string `json:"code,omitempty"`
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("step %d (%s): %s: %s", e.Step, e.Op, e.Field, e.Message)
	}
	return fmt.Sprintf("step %d (%s): %s", e.Step, e.Op, e.Message)
}

var stepFactories = map[string]func() Step{
	strings.ToLower(OpFilter):         func() Step { return &Filter{} },
	strings.ToLower(OpGroupBy):        func() Step { return &GroupBy{} },
	strings.ToLower(OpSort):           func() Step { return &Sort{} },
	strings.ToLower(OpTopN):           func() Step { return &TopN{} },
	strings.ToLower(OpSelect):         func() Step { return &Select{} },
	strings.ToLower(OpJoin):           func() Step { return &Join{} },
	strings.ToLower(OpDerive):         func() Step { return &Derive{} },
	strings.ToLower(OpPercentOfTotal): func() Step { return &PercentOfTotal{} },
	strings.ToLower(OpDateBucket):     func() Step { return &DateBucket{} },
}

// Ops lists the supported step operations.
func Ops() []string {
	ops := []string{OpFilter, OpGroupBy, OpSort, OpTopN, OpSelect, OpJoin, OpDerive, OpPercentOfTotal, OpDateBucket}
	sort.Strings(ops)
	return ops
}

// ParsePipeline decodes loosely typed steps into their variants. Each raw
// step names its variant in "op". Unknown fields are rejected.
func ParsePipeline(raw []map[string]any) (Pipeline, []ValidationError) {
	var (
		pipeline = make(Pipeline, 0, len(raw))
		errs     []ValidationError
	)
	for i, rs := range raw {
		s, err := parseStep(i, rs)
		if err != nil {
			errs = append(errs, *err)
			continue
		}
		pipeline = append(pipeline, s)
	}
	return pipeline, errs
}

func parseStep(i int, raw map[string]any) (Step, *ValidationError) {
	var op string
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if strings.EqualFold(k, "op") {
			op, _ = v.(string)
			continue
		}
		fields[k] = v
	}
	if op == "" {
		return nil, &ValidationError{Step: i, Field: "op", Message: "missing step op"}
	}

	factory, ok := stepFactories[strings.ToLower(op)]
	if !ok {
		return nil, &ValidationError{Step: i, Op: op, Field: "op",
			Message: fmt.Sprintf("unknown op %q (supported: %s)", op, strings.Join(Ops(), ", "))}
	}
	s := factory()

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           s,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, &ValidationError{Step: i, Op: s.Op(), Message: err.Error()}
	}
	if err := dec.Decode(fields); err != nil {
		return nil, &ValidationError{Step: i, Op: s.Op(), Message: err.Error()}
	}
	return s, nil
}
