package catalog

import (
	"context"
	"testing"

	"github.com/leapstack-labs/leapgate/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSeedFile(t *testing.T) {
	entries, err := LoadSeedFile("testdata/catalog.yaml")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	c := entries[0]
	assert.Equal(t, "dbo.usp_Collections", c.ProcedureName)
	assert.True(t, c.IsEnabled, "enabled defaults to true")
	assert.True(t, c.IsReadOnly)
	assert.True(t, c.IsAtomicCompatible)
	assert.Equal(t, []string{"@Year", "@Status", "@Limit"}, c.ParamNames())
	assert.Equal(t, map[string]any{"@Status": "open", "@Limit": 100}, c.ParamDefaults())

	require.Len(t, c.ResultSetHints, 2)
	assert.Equal(t, core.ResultSetHint{
		Index: 2, Delivery: "engine", DatasetName: "collections", TableKind: "fact",
		PrimaryKey: []string{"collectionId"},
	}, c.ResultSetHints[2])

	assert.Empty(t, entries[1].Params)

	journal := entries[2]
	assert.False(t, journal.IsEnabled)
	assert.False(t, journal.IsReadOnly)
	assert.False(t, journal.IsAtomicCompatible)
}

func TestParseSeed_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "procedures:\n  - domain: x\n", "name is required"},
		{"duplicate", "procedures:\n  - name: dbo.a\n  - name: DBO.A\n", "declared more than once"},
		{"bad delivery", "procedures:\n  - name: dbo.a\n    result_sets:\n      - {index: 2, delivery: nowhere}\n", "unknown delivery"},
		{"bad index", "procedures:\n  - name: dbo.a\n    result_sets:\n      - {index: 0, delivery: engine}\n", "index must be"},
		{"empty param", "procedures:\n  - name: dbo.a\n    params:\n      - {name: \" \"}\n", "parameter name is required"},
		{"not yaml", "procedures: [", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSeed([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestImportSeedFile(t *testing.T) {
	repo := NewMemoryRepository()
	n, err := ImportSeedFile(context.Background(), repo, "testdata/catalog.yaml")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entry, err := repo.Get(context.Background(), "DBO.USP_COLLECTIONS")
	require.NoError(t, err)
	assert.Equal(t, "collections", entry.Entity)

	_, err = ImportSeedFile(context.Background(), repo, "testdata/missing.yaml")
	assert.Error(t, err)
}
