package tabular

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/leapstack-labs/leapgate/pkg/core"
	"github.com/shopspring/decimal"
)

// TypeFromSQL maps a source type name onto a normalized tabular type.
// The second return value is false when the name is empty or unknown.
func TypeFromSQL(sqlType string) (core.TabularType, bool) {
	name := strings.ToUpper(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	switch name {
	case "":
		return "", false
	case "INT", "INTEGER", "INT4", "SMALLINT", "INT2", "TINYINT", "MEDIUMINT", "SERIAL", "UTINYINT", "USMALLINT":
		return core.TypeInt32, true
	case "BIGINT", "INT8", "BIGSERIAL", "UINTEGER", "LONG":
		return core.TypeInt64, true
	case "FLOAT", "FLOAT4", "FLOAT8", "REAL", "DOUBLE", "DOUBLE PRECISION":
		return core.TypeDouble, true
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY", "HUGEINT", "UBIGINT":
		return core.TypeDecimal, true
	case "BIT", "BOOL", "BOOLEAN":
		return core.TypeBool, true
	case "DATE", "DATETIME", "DATETIME2", "SMALLDATETIME", "DATETIMEOFFSET",
		"TIMESTAMP", "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE", "TIMESTAMP WITHOUT TIME ZONE":
		return core.TypeDateTime, true
	case "CHAR", "NCHAR", "VARCHAR", "NVARCHAR", "TEXT", "NTEXT", "BPCHAR", "STRING",
		"UNIQUEIDENTIFIER", "UUID", "XML", "JSON", "JSONB", "TIME", "INTERVAL":
		return core.TypeString, true
	default:
		return "", false
	}
}

// TypeFromValue infers a tabular type from a scanned driver value.
func TypeFromValue(v any) core.TabularType {
	switch v.(type) {
	case int32, int16, int8, uint8, uint16:
		return core.TypeInt32
	case int64, int, uint32, uint64:
		return core.TypeInt64
	case float32, float64:
		return core.TypeDouble
	case decimal.Decimal:
		return core.TypeDecimal
	case bool:
		return core.TypeBool
	case time.Time:
		return core.TypeDateTime
	default:
		return core.TypeString
	}
}

// errOverflow marks an integer that does not fit the column type.
var errOverflow = errors.New("value out of range")

// Convert coerces a scanned driver value into the Go representation of t.
// Nil stays nil.
func Convert(v any, t core.TabularType) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}

	switch t {
	case core.TypeInt32:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, errOverflow
		}
		return int32(n), nil
	case core.TypeInt64:
		return toInt64(v)
	case core.TypeDouble:
		return toFloat64(v)
	case core.TypeDecimal:
		return toDecimal(v)
	case core.TypeBool:
		return toBool(v)
	case core.TypeDateTime:
		return toTime(v)
	default:
		return toString(v), nil
	}
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, errOverflow
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("cannot convert %v to integer", x)
		}
		return int64(x), nil
	case decimal.Decimal:
		if !x.IsInteger() {
			return 0, fmt.Errorf("cannot convert %s to integer", x)
		}
		return x.IntPart(), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case decimal.Decimal:
		f, _ := x.Float64()
		return f, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		n, err := toInt64(v)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %T to double", v)
		}
		return float64(n), nil
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(x))
	case float64:
		return decimal.NewFromFloat(x), nil
	case float32:
		return decimal.NewFromFloat32(x), nil
	default:
		n, err := toInt64(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("cannot convert %T to decimal", v)
		}
		return decimal.NewFromInt(n), nil
	}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	default:
		n, err := toInt64(v)
		if err != nil {
			return false, fmt.Errorf("cannot convert %T to bool", v)
		}
		return n != 0, nil
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as datetime", s)
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to datetime", v)
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}
