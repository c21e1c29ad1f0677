package normalize

import (
	"strings"

	"github.com/leapstack-labs/leapgate/pkg/core"
	"github.com/shopspring/decimal"
)

// summaryCountColumns are summary columns read as a row count.
var summaryCountColumns = []string{"totalcount", "rowcount", "count", "total"}

// RetryPolicy controls the single retry with original values after a
// normalized execution looks empty.
type RetryPolicy struct {
	Enabled bool
}

// ShouldRetry reports whether a normalized run that produced summary and
// tables earns one retry with the original values.
func (p RetryPolicy) ShouldRetry(changes []Change, summary *core.TabularData, tables []*core.TabularData) bool {
	return p.Enabled && len(changes) > 0 && LooksEmpty(summary, tables)
}

// LooksEmpty reports whether a result has no positive summary count and no
// non-empty table. It cannot tell a genuinely empty result apart.
func LooksEmpty(summary *core.TabularData, tables []*core.TabularData) bool {
	if summaryCount(summary) > 0 {
		return false
	}
	for _, t := range tables {
		if t != nil && len(t.Rows) > 0 {
			return false
		}
	}
	return true
}

func summaryCount(summary *core.TabularData) float64 {
	if summary == nil || len(summary.Rows) == 0 {
		return 0
	}
	row := summary.Rows[0]
	for _, name := range summaryCountColumns {
		for i, col := range summary.Columns {
			if !strings.EqualFold(col.Name, name) || i >= len(row) {
				continue
			}
			if n, ok := number(row[i]); ok {
				return n
			}
		}
	}
	return 0
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case decimal.Decimal:
		f, _ := x.Float64()
		return f, true
	default:
		return 0, false
	}
}
