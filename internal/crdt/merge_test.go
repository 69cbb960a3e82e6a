package crdt

import (
	"fmt"
	"testing"

	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMax_Laws(t *testing.T) {
	m := Max[int64]()
	values := []int64{-3, 0, 7, 7, 42}

	for _, a := range values {
		for _, b := range values {
			ab, err := m(a, b)
			require.NoError(t, err)
			ba, err := m(b, a)
			require.NoError(t, err)
			assert.Equal(t, ab, ba, "commutative for %d,%d", a, b)

			aa, err := m(a, a)
			require.NoError(t, err)
			assert.Equal(t, a, aa, "idempotent for %d", a)

			for _, c := range values {
				left, _ := m(ab, c)
				bc, _ := m(b, c)
				right, _ := m(a, bc)
				assert.Equal(t, left, right, "associative for %d,%d,%d", a, b, c)
			}
		}
	}
}

func TestUnion(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want []string
	}{
		{"disjoint", []string{"a", "c"}, []string{"b", "d"}, []string{"a", "b", "c", "d"}},
		{"overlap", []string{"a", "b"}, []string{"b", "c"}, []string{"a", "b", "c"}},
		{"one empty", nil, []string{"x"}, []string{"x"}},
		{"identical", []string{"q"}, []string{"q"}, []string{"q"}},
	}

	m := Union[string]()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := m([]string{"b", "a"}, nil)
	assert.Error(t, err)
}

func TestLWW(t *testing.T) {
	m := LWW(MaxBytes())

	older := Timestamped[[]byte]{Timestamp: 10, State: []byte("z")}
	newer := Timestamped[[]byte]{Timestamp: 20, State: []byte("a")}

	got, err := m(older, newer)
	require.NoError(t, err)
	assert.Equal(t, newer, got)

	got, err = m(newer, older)
	require.NoError(t, err)
	assert.Equal(t, newer, got)

	tieA := Timestamped[[]byte]{Timestamp: 5, State: []byte("apple")}
	tieB := Timestamped[[]byte]{Timestamp: 5, State: []byte("banana")}
	got, err = m(tieA, tieB)
	require.NoError(t, err)
	assert.Equal(t, []byte("banana"), got.State)
	assert.Equal(t, int64(5), got.Timestamp)
}

func TestMergeKey_Failure(t *testing.T) {
	failing := MergeFunc[int](func(a, b int) (int, error) {
		return 0, fmt.Errorf("incompatible states")
	})
	_, err := MergeKey(failing, "k1", 1, 2)
	require.Error(t, err)
	assert.True(t, errors.IsMergeFailure(err))

	panicking := MergeFunc[int](func(a, b int) (int, error) {
		panic("bad merge")
	})
	_, err = MergeKey(panicking, "k2", 1, 2)
	require.Error(t, err)
	assert.True(t, errors.IsMergeFailure(err))
	assert.Contains(t, err.Error(), "k2")
}
