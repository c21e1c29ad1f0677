package analytics

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// toFloat reads a numeric cell. Non-numeric and nil values report false.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, !math.IsNaN(x)
	case float32:
		return float64(x), true
	case decimal.Decimal:
		f, _ := x.Float64()
		return f, true
	default:
		return 0, false
	}
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(x), true
	default:
		if n, ok := toInt(v); ok {
			return decimal.NewFromInt(n), true
		}
		return decimal.Zero, false
	}
}

func isNumber(v any) bool {
	_, ok := toFloat(v)
	return ok
}

// compareValues orders two non-nil cells. Numbers compare by value across
// representations; other mismatched types compare by their text form.
func compareValues(a, b any) int {
	if ai, ok := toInt(a); ok {
		if bi, ok := toInt(b); ok {
			return cmpOrdered(ai, bi)
		}
	}
	_, aDec := a.(decimal.Decimal)
	_, bDec := b.(decimal.Decimal)
	if (aDec || bDec) && isNumber(a) && isNumber(b) {
		ad, okA := toDecimal(a)
		bd, okB := toDecimal(b)
		if okA && okB {
			return ad.Cmp(bd)
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return cmpOrdered(af, bf)
		}
	}

	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}
	return strings.Compare(formatValue(a), formatValue(b))
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// keyString encodes a cell for hashing. Numbers encode by value, so 1,
// 1.0 and decimal 1.00 share a key.
func keyString(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x00"
	case string:
		return "s" + x
	case bool:
		return "b" + strconv.FormatBool(x)
	case time.Time:
		return "t" + x.UTC().Format(time.RFC3339Nano)
	}
	if n, ok := toInt(v); ok {
		return "n" + strconv.FormatInt(n, 10)
	}
	if d, ok := toDecimal(v); ok {
		return "n" + d.String()
	}
	return "x" + formatValue(v)
}

// compositeKey joins the encoded cells at idx. It reports false when any
// cell is null.
func compositeKey(row []any, idx []int) (string, bool) {
	if len(idx) == 1 {
		v := row[idx[0]]
		return keyString(v), v != nil
	}
	buf := make([]byte, 0, 32)
	for _, j := range idx {
		if row[j] == nil {
			return "", false
		}
		buf = appendKeyPart(buf, keyString(row[j]))
	}
	return string(buf), true
}

// appendKeyPart length-prefixes part so that no two tuples share an encoding.
func appendKeyPart(buf []byte, part string) []byte {
	buf = strconv.AppendInt(buf, int64(len(part)), 10)
	buf = append(buf, ':')
	return append(buf, part...)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case decimal.Decimal:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}
