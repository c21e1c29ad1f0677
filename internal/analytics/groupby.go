package analytics

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/leapstack-labs/leapgate/pkg/core"
)

type aggState struct {
	op       string
	typ      core.TabularType
	count    int64
	sumInt   int64
	sumFloat float64
	sumDec   decimal.Decimal
	best     any
	distinct map[string]struct{}
}

func (a *aggState) add(v any, counting bool) {
	if a.op == AggCount && counting {
		a.count++
		return
	}
	if v == nil {
		return
	}
	switch a.op {
	case AggCount:
		a.count++
	case AggCountDistinct:
		a.distinct[keyString(v)] = struct{}{}
	case AggSum, AggAvg:
		a.count++
		switch a.typ {
		case core.TypeInt32, core.TypeInt64:
			n, _ := toInt(v)
			a.sumInt += n
			a.sumFloat += float64(n)
		case core.TypeDecimal:
			d, _ := toDecimal(v)
			a.sumDec = a.sumDec.Add(d)
			f, _ := toFloat(v)
			a.sumFloat += f
		default:
			f, _ := toFloat(v)
			a.sumFloat += f
		}
	case AggMin:
		if a.best == nil || compareValues(v, a.best) < 0 {
			a.best = v
		}
	case AggMax:
		if a.best == nil || compareValues(v, a.best) > 0 {
			a.best = v
		}
	}
}

func (a *aggState) value() any {
	switch a.op {
	case AggCount:
		return a.count
	case AggCountDistinct:
		return int64(len(a.distinct))
	case AggSum:
		if a.count == 0 {
			return nil
		}
		switch a.typ {
		case core.TypeInt32, core.TypeInt64:
			return a.sumInt
		case core.TypeDecimal:
			return a.sumDec
		default:
			return a.sumFloat
		}
	case AggAvg:
		if a.count == 0 {
			return nil
		}
		return a.sumFloat / float64(a.count)
	default:
		return a.best
	}
}

type group struct {
	key  []any
	aggs []aggState
}

func (e *Engine) execGroupBy(ctx context.Context, sp stepPlan, g *GroupBy, rows [][]any, res *Result) ([][]any, error) {
	keyIdx := make([]int, 0, len(g.By))
	for _, name := range g.By {
		keyIdx = append(keyIdx, core.ColumnIndex(sp.in, name))
	}
	aggIdx := make([]int, len(sp.aggs))
	aggType := make([]core.TabularType, len(sp.aggs))
	for i, a := range sp.aggs {
		aggIdx[i] = -1
		if a.Column != "" {
			aggIdx[i] = core.ColumnIndex(sp.in, a.Column)
			aggType[i] = sp.in[aggIdx[i]].TabularType
		}
	}

	var (
		buckets = make(map[string]*group)
		order   []*group
		dropped int
	)
	for i, row := range rows {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}

		key := groupKey(row, keyIdx)
		grp, ok := buckets[key]
		if !ok {
			if e.limits.MaxGroups > 0 && len(order) >= e.limits.MaxGroups {
				dropped++
				continue
			}
			grp = newGroup(row, keyIdx, sp.aggs, aggType)
			buckets[key] = grp
			order = append(order, grp)
		}
		for j := range grp.aggs {
			if aggIdx[j] < 0 {
				grp.aggs[j].add(nil, true)
				continue
			}
			grp.aggs[j].add(row[aggIdx[j]], false)
		}
	}

	if dropped > 0 {
		res.warnf("groupBy capped at %d groups; %d rows belonging to further groups were dropped",
			e.limits.MaxGroups, dropped)
		res.Truncated = true
	}

	out := make([][]any, len(order))
	for i, grp := range order {
		nr := make([]any, 0, len(grp.key)+len(grp.aggs))
		nr = append(nr, grp.key...)
		for j := range grp.aggs {
			nr = append(nr, grp.aggs[j].value())
		}
		out[i] = nr
	}
	return out, nil
}

// groupKey encodes the grouping tuple. Nulls form their own group.
func groupKey(row []any, idx []int) string {
	buf := make([]byte, 0, 32)
	for _, j := range idx {
		buf = appendKeyPart(buf, keyString(row[j]))
	}
	return string(buf)
}

func newGroup(row []any, keyIdx []int, aggs []Aggregate, types []core.TabularType) *group {
	grp := &group{key: make([]any, len(keyIdx)), aggs: make([]aggState, len(aggs))}
	for i, j := range keyIdx {
		grp.key[i] = row[j]
	}
	for i, a := range aggs {
		grp.aggs[i] = aggState{op: a.Op, typ: types[i], sumDec: decimal.Zero}
		if a.Op == AggCountDistinct {
			grp.aggs[i].distinct = make(map[string]struct{})
		}
	}
	return grp
}
