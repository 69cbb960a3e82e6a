// Package partition maps keys to the ordered list of partitions that should
// hold them.
package partition

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Scheme orders the partitions ids by preference for key. The order must
// depend only on key and the set of ids, never on the order of ids.
type Scheme interface {
	Candidates(key []byte, ids []string) []string
}

// Name of the supported schemes, as used in configuration
const (
	SchemeRendezvous     = "rendezvous"
	SchemeConsistentHash = "consistent_hash"
)

// NewScheme builds a scheme by name
func NewScheme(name string, virtualNodes int) (Scheme, error) {
	switch name {
	case "", SchemeRendezvous:
		return Rendezvous{}, nil
	case SchemeConsistentHash:
		return NewConsistentHash(virtualNodes), nil
	default:
		return nil, fmt.Errorf("unknown partitioning scheme %q", name)
	}
}

// Rendezvous is highest-random-weight hashing: every partition scores the
// key and candidates come in decreasing score order. Removing a partition
// only moves the keys it held.
type Rendezvous struct{}

func (Rendezvous) Candidates(key []byte, ids []string) []string {
	type scored struct {
		id    string
		score uint64
	}

	scores := make([]scored, len(ids))
	for i, id := range ids {
		d := xxhash.New()
		_, _ = d.WriteString(id)
		_, _ = d.Write([]byte{0})
		_, _ = d.Write(key)
		scores[i] = scored{id: id, score: d.Sum64()}
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].id < scores[j].id
	})

	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = s.id
	}
	return out
}

// ReplicaSet returns the first r candidates of key that alive accepts
func ReplicaSet(scheme Scheme, key []byte, ids []string, alive func(id string) bool, r int) []string {
	out := make([]string, 0, r)
	for _, id := range scheme.Candidates(key, ids) {
		if len(out) == r {
			break
		}
		if alive == nil || alive(id) {
			out = append(out, id)
		}
	}
	return out
}
