package tabular

import (
	"testing"
	"time"

	"github.com/leapstack-labs/leapgate/pkg/core"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeFromSQL(t *testing.T) {
	tests := []struct {
		sqlType string
		want    core.TabularType
		ok      bool
	}{
		{"int", core.TypeInt32, true},
		{"BIGINT", core.TypeInt64, true},
		{"decimal(18, 2)", core.TypeDecimal, true},
		{"money", core.TypeDecimal, true},
		{"float", core.TypeDouble, true},
		{"double precision", core.TypeDouble, true},
		{"bit", core.TypeBool, true},
		{"datetime2", core.TypeDateTime, true},
		{"timestamptz", core.TypeDateTime, true},
		{"nvarchar(max)", core.TypeString, true},
		{"uniqueidentifier", core.TypeString, true},
		{"", "", false},
		{"geography", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.sqlType, func(t *testing.T) {
			got, ok := TypeFromSQL(tt.sqlType)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvert(t *testing.T) {
	when := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value any
		typ   core.TabularType
		want  any
	}{
		{"nil stays nil", nil, core.TypeInt32, nil},
		{"int64 to int32", int64(7), core.TypeInt32, int32(7)},
		{"text to int64", "42", core.TypeInt64, int64(42)},
		{"int to double", int64(3), core.TypeDouble, 3.0},
		{"bytes to string", []byte("abc"), core.TypeString, "abc"},
		{"int to bool", int64(1), core.TypeBool, true},
		{"text to bool", "false", core.TypeBool, false},
		{"date text", "2024-05-01", core.TypeDateTime, when},
		{"time kept in utc", when.In(time.FixedZone("x", 3600)), core.TypeDateTime, when},
		{"number to string", int64(5), core.TypeString, "5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Convert(tt.value, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvert_Decimal(t *testing.T) {
	got, err := Convert("19.99", core.TypeDecimal)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("19.99").Equal(got.(decimal.Decimal)))

	got, err = Convert(int64(4), core.TypeDecimal)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(4).Equal(got.(decimal.Decimal)))
}

func TestConvert_Errors(t *testing.T) {
	_, err := Convert(int64(1)<<40, core.TypeInt32)
	assert.ErrorIs(t, err, errOverflow)

	_, err = Convert("abc", core.TypeInt64)
	assert.Error(t, err)

	_, err = Convert(1.5, core.TypeInt64)
	assert.Error(t, err)

	_, err = Convert("not a date", core.TypeDateTime)
	assert.Error(t, err)
}

func TestParseMetadata(t *testing.T) {
	records := []map[string]any{
		{"recordtype": "ResultSet", "tablename": "summary", "tablekind": "summary"},
		{"recordtype": "resultset", "tablename": "orders", "delivery": "Analysis", "primarykey": "orderId, lineNo", "joinhints": "customerId"},
		{"recordtype": "resultset", "tablename": "preview", "delivery": "client"},
		{"recordtype": "column", "tablename": "orders", "columnname": "amount", "sqltype": "decimal", "role": "Measure", "ordinal": int64(2)},
		{"recordtype": "column", "resultsetindex": "2", "columnname": "orderId", "isnullable": "no", "ordinal": int64(1)},
		{"recordtype": "column", "columnname": "orphan"},
		{"recordtype": "other"},
	}

	m := ParseMetadata(records)

	assert.Equal(t, []int{1, 2, 3}, m.Indexes())

	orders := m.Declared(2)
	require.NotNil(t, orders)
	assert.Equal(t, "orders", orders.TableName)
	assert.Equal(t, core.DeliveryEngine, orders.Delivery)
	assert.Equal(t, []string{"orderId", "lineNo"}, orders.PrimaryKey)
	assert.Equal(t, []string{"customerId"}, orders.JoinHints)

	preview := m.Declared(3)
	require.NotNil(t, preview)
	assert.Equal(t, core.DeliveryDisplay, preview.Delivery)

	amount := m.declaredColumn(2, "AMOUNT")
	require.NotNil(t, amount)
	assert.Equal(t, core.RoleMeasure, amount.Role)
	assert.Equal(t, "decimal", amount.SQLType)

	orderID := m.declaredColumn(2, "orderid")
	require.NotNil(t, orderID)
	require.NotNil(t, orderID.Nullable)
	assert.False(t, *orderID.Nullable)
	assert.Equal(t, "orderId", m.columns[2][0].Name, "columns sorted by ordinal")

	assert.Len(t, m.Warnings, 2)
}

func TestParseMetadata_DuplicateIndex(t *testing.T) {
	m := ParseMetadata([]map[string]any{
		{"recordtype": "resultset", "resultsetindex": int64(2), "tablename": "a"},
		{"recordtype": "resultset", "resultsetindex": int64(2), "tablename": "b"},
		{"recordtype": "resultset", "resultsetindex": int64(0), "tablename": "c"},
	})

	assert.Equal(t, "a", m.Declared(2).TableName)
	assert.Nil(t, m.Declared(0))
	assert.Len(t, m.Warnings, 2)
}
