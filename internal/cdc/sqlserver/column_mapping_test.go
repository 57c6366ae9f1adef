package sqlserver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestColumnMappingMaterialize(t *testing.T) {
	testCases := []struct {
		name     string
		source   []string
		result   []string
		captured []any
		want     []any
		identity bool
	}{
		{
			name:     "all columns captured",
			source:   []string{"A", "B", "C"},
			result:   []string{"A", "B", "C"},
			captured: []any{1, 2, 3},
			want:     []any{1, 2, 3},
			identity: true,
		},
		{
			name:     "instance created before C existed",
			source:   []string{"A", "B", "C"},
			result:   []string{"A", "B"},
			captured: []any{10, 20},
			want:     []any{10, 20, NotCaptured},
		},
		{
			name:     "reordered columns",
			source:   []string{"A", "B", "C"},
			result:   []string{"C", "A"},
			captured: []any{"c", "a"},
			want:     []any{"a", NotCaptured, "c"},
		},
		{
			name:     "sql null stays nil",
			source:   []string{"A", "B"},
			result:   []string{"B"},
			captured: []any{nil},
			want:     []any{NotCaptured, nil},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mapping, err := NewColumnMapping(tc.source, tc.result)
			require.NoError(t, err)
			assert.Equal(t, tc.identity, mapping.IsIdentity())
			assert.Equal(t, len(tc.source), mapping.Width())

			row, err := mapping.Materialize(tc.captured)
			require.NoError(t, err)
			assert.Equal(t, tc.want, row)
		})
	}
}

func TestColumnMappingDistinguishesNullFromNotCaptured(t *testing.T) {
	mapping, err := NewColumnMapping([]string{"A", "B"}, []string{"A"})
	require.NoError(t, err)

	row, err := mapping.Materialize([]any{nil})
	require.NoError(t, err)
	assert.Nil(t, row[0])
	assert.False(t, IsNotCaptured(row[0]))
	assert.True(t, IsNotCaptured(row[1]))
}

func TestColumnMappingSchemaDrift(t *testing.T) {
	_, err := NewColumnMapping([]string{"A", "B"}, []string{"A", "Dropped"})

	var drift *SchemaDriftError
	require.True(t, errors.As(err, &drift))
	assert.Equal(t, "Dropped", drift.Column)
	assert.Equal(t, []string{"A", "B"}, drift.SourceColumns)
}

func TestColumnMappingRejectsWrongWidth(t *testing.T) {
	mapping, err := NewColumnMapping([]string{"A", "B"}, []string{"B"})
	require.NoError(t, err)

	_, err = mapping.Materialize([]any{1, 2})
	assert.Error(t, err)
}

func TestColumnMappingSubsetProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "n")
		source := make([]string, n)
		for i := range source {
			source[i] = string(rune('a' + i))
		}
		perm := rapid.Permutation(source).Draw(t, "perm")
		m := rapid.IntRange(0, n).Draw(t, "m")
		result := perm[:m]

		captured := make([]any, m)
		for i := range captured {
			captured[i] = rapid.Int().Draw(t, "value")
		}

		mapping, err := NewColumnMapping(source, result)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		row, err := mapping.Materialize(captured)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		seen := make(map[int]bool, m)
		for i, name := range result {
			slot := indexOf(source, name)
			seen[slot] = true
			if row[slot] != captured[i] {
				t.Fatalf("column %s: got %v, want %v", name, row[slot], captured[i])
			}
		}
		for slot, v := range row {
			if !seen[slot] && !IsNotCaptured(v) {
				t.Fatalf("slot %d should be not captured, got %v", slot, v)
			}
		}
	})
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestMappingCache(t *testing.T) {
	cache := NewMappingCache()
	source := []string{"A", "B", "C"}

	first, err := cache.Get(source, []string{"A", "C"})
	require.NoError(t, err)
	second, err := cache.Get(source, []string{"A", "C"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cache.Len())

	// A different result shape must not reuse the first mapping.
	other, err := cache.Get(source, []string{"B"})
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())
	row, err := other.Materialize([]any{"b"})
	require.NoError(t, err)
	assert.Equal(t, []any{NotCaptured, "b", NotCaptured}, row)

	_, err = cache.Get(source, []string{"Z"})
	var drift *SchemaDriftError
	assert.True(t, errors.As(err, &drift))
	assert.Equal(t, 2, cache.Len())
}
