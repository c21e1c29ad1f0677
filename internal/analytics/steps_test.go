package analytics

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeSteps(t *testing.T, src string) []map[string]any {
	t.Helper()
	var raw []map[string]any
	require.NoError(t, json.Unmarshal([]byte(src), &raw))
	return raw
}

func TestParsePipeline(t *testing.T) {
	raw := decodeSteps(t, `[
		{"op": "filter", "column": "region", "operator": "eq", "value": "North"},
		{"op": "groupBy", "by": ["collection"], "aggregates": [{"op": "sum", "column": "amount"}]},
		{"op": "sort", "by": "sum_amount", "direction": "desc"},
		{"op": "topN", "n": 5},
		{"op": "select", "columns": ["collection", "sum_amount"]},
		{"op": "join", "rightDatasetId": "ds_1", "leftKeys": ["id"], "rightKeys": ["id"], "how": "left", "rightPrefix": "c_"},
		{"op": "derive", "as": "net", "operator": "sub", "left": "amount", "right": 2.5},
		{"op": "percentOfTotal", "column": "amount"},
		{"op": "dateBucket", "column": "postedAt", "unit": "month", "as": "month"}
	]`)

	p, errs := ParsePipeline(raw)
	require.Empty(t, errs)
	require.Len(t, p, 9)

	assert.Equal(t, &Filter{Column: "region", Operator: "eq", Value: "North"}, p[0])
	assert.Equal(t, &GroupBy{By: []string{"collection"}, Aggregates: []Aggregate{{Op: "sum", Column: "amount"}}}, p[1])
	assert.Equal(t, &Sort{By: "sum_amount", Direction: "desc"}, p[2])
	assert.Equal(t, &TopN{N: 5}, p[3])
	assert.Equal(t, &Select{Columns: []string{"collection", "sum_amount"}}, p[4])

	join, ok := p[5].(*Join)
	require.True(t, ok)
	assert.Equal(t, "ds_1", join.RightDatasetID)
	require.NotNil(t, join.RightPrefix)
	assert.Equal(t, "c_", *join.RightPrefix)

	assert.Equal(t, &Derive{As: "net", Operator: "sub", Left: "amount", Right: 2.5}, p[6])
	assert.Equal(t, &PercentOfTotal{Column: "amount"}, p[7])
	assert.Equal(t, &DateBucket{Column: "postedAt", Unit: "month", As: "month"}, p[8])

	for i, s := range p {
		assert.Equal(t, raw[i]["op"], s.Op())
	}
}

func TestParsePipeline_Lenient(t *testing.T) {
	raw := decodeSteps(t, `[
		{"OP": "GROUPBY", "by": "collection"},
		{"op": "TopN", "n": "3"}
	]`)

	p, errs := ParsePipeline(raw)
	require.Empty(t, errs)
	assert.Equal(t, &GroupBy{By: []string{"collection"}}, p[0])
	assert.Equal(t, &TopN{N: 3}, p[1])
}

func TestParsePipeline_Errors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
		msg   string
	}{
		{"missing op", `[{"column": "a"}]`, "op", "missing step op"},
		{"unknown op", `[{"op": "pivot"}]`, "op", `unknown op "pivot"`},
		{"unknown field", `[{"op": "sort", "by": "a", "order": "desc"}]`, "", "order"},
		{"wrong type", `[{"op": "topN", "n": {"value": 3}}]`, "", "n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, errs := ParsePipeline(decodeSteps(t, tt.src))
			assert.Empty(t, p)
			require.Len(t, errs, 1)
			assert.Equal(t, 0, errs[0].Step)
			assert.Equal(t, tt.field, errs[0].Field)
			assert.Contains(t, errs[0].Message, tt.msg)
		})
	}
}

func TestParsePipeline_CollectsAllErrors(t *testing.T) {
	raw := decodeSteps(t, `[
		{"op": "nope"},
		{"op": "topN", "n": 1},
		{"op": "alsoNope"}
	]`)

	p, errs := ParsePipeline(raw)
	assert.Len(t, p, 1)
	require.Len(t, errs, 2)
	assert.Equal(t, 0, errs[0].Step)
	assert.Equal(t, 2, errs[1].Step)
}
