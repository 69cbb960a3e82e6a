package partition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schemes() map[string]Scheme {
	return map[string]Scheme{
		SchemeRendezvous:     Rendezvous{},
		SchemeConsistentHash: NewConsistentHash(64),
	}
}

func TestCandidates_IndependentOfInputOrder(t *testing.T) {
	for name, s := range schemes() {
		t.Run(name, func(t *testing.T) {
			a := s.Candidates([]byte("user:42"), []string{"p1", "p2", "p3", "p4"})
			b := s.Candidates([]byte("user:42"), []string{"p4", "p2", "p1", "p3"})
			assert.Equal(t, a, b)
			assert.ElementsMatch(t, []string{"p1", "p2", "p3", "p4"}, a)
		})
	}
}

func TestCandidates_RemovingAPartitionKeepsRelativeOrder(t *testing.T) {
	for name, s := range schemes() {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				key := []byte(fmt.Sprintf("key-%d", i))
				full := s.Candidates(key, []string{"p1", "p2", "p3"})
				reduced := s.Candidates(key, []string{"p1", "p3"})

				var expected []string
				for _, id := range full {
					if id != "p2" {
						expected = append(expected, id)
					}
				}
				assert.Equal(t, expected, reduced, "key %s", key)
			}
		})
	}
}

func TestCandidates_Spread(t *testing.T) {
	for name, s := range schemes() {
		t.Run(name, func(t *testing.T) {
			owners := map[string]int{}
			for i := 0; i < 3000; i++ {
				owners[s.Candidates([]byte(fmt.Sprintf("k%d", i)), []string{"a", "b", "c"})[0]]++
			}
			for id, n := range owners {
				assert.Greater(t, n, 500, "partition %s owns too few keys", id)
			}
		})
	}
}

func TestReplicaSet_SkipsDeadPartitions(t *testing.T) {
	s := Rendezvous{}
	ids := []string{"p1", "p2", "p3"}
	key := []byte("a")
	order := s.Candidates(key, ids)

	all := ReplicaSet(s, key, ids, nil, 2)
	assert.Equal(t, order[:2], all)

	dead := order[0]
	alive := ReplicaSet(s, key, ids, func(id string) bool { return id != dead }, 2)
	assert.Equal(t, order[1:], alive)

	assert.Len(t, ReplicaSet(s, key, ids, nil, 5), 3)
}

func TestNewScheme(t *testing.T) {
	s, err := NewScheme("", 0)
	require.NoError(t, err)
	assert.IsType(t, Rendezvous{}, s)

	s, err = NewScheme(SchemeConsistentHash, 10)
	require.NoError(t, err)
	assert.IsType(t, &ConsistentHash{}, s)

	_, err = NewScheme("modulo", 0)
	assert.Error(t, err)
}
