package crdt

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"golang.org/x/exp/constraints"
)

// MergeFunc combines two states of the same key. It must be commutative,
// associative and idempotent.
type MergeFunc[S any] func(a, b S) (S, error)

// Apply runs the merge, turning a panic into an error
func (m MergeFunc[S]) Apply(a, b S) (out S, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("merge panicked: %v", r)
		}
	}()
	return m(a, b)
}

// MergeKey merges two states of key and reports failures as MergeFailure
func MergeKey[K constraints.Ordered, S any](m MergeFunc[S], key K, a, b S) (S, error) {
	out, err := m.Apply(a, b)
	if err != nil {
		var zero S
		return zero, errors.MergeFailure(fmt.Sprint(key), err)
	}
	return out, nil
}

// Lift adapts an infallible merge
func Lift[S any](f func(a, b S) S) MergeFunc[S] {
	return func(a, b S) (S, error) {
		return f(a, b), nil
	}
}

// Max keeps the greater value
func Max[T constraints.Ordered]() MergeFunc[T] {
	return Lift(func(a, b T) T {
		if a > b {
			return a
		}
		return b
	})
}

// Min keeps the smaller value
func Min[T constraints.Ordered]() MergeFunc[T] {
	return Lift(func(a, b T) T {
		if a < b {
			return a
		}
		return b
	})
}

// MaxBytes keeps the lexicographically greater slice
func MaxBytes() MergeFunc[[]byte] {
	return Lift(func(a, b []byte) []byte {
		if bytes.Compare(a, b) >= 0 {
			return a
		}
		return b
	})
}

// Union merges two sorted sets into their sorted, deduplicated union.
// Unsorted input is rejected.
func Union[T constraints.Ordered]() MergeFunc[[]T] {
	return func(a, b []T) ([]T, error) {
		if !slices.IsSorted(a) || !slices.IsSorted(b) {
			return nil, fmt.Errorf("set state is not sorted")
		}
		out := make([]T, 0, len(a)+len(b))
		i, j := 0, 0
		for i < len(a) || j < len(b) {
			var next T
			switch {
			case j >= len(b) || (i < len(a) && a[i] < b[j]):
				next = a[i]
				i++
			case i >= len(a) || b[j] < a[i]:
				next = b[j]
				j++
			default:
				next = a[i]
				i++
				j++
			}
			if n := len(out); n == 0 || out[n-1] != next {
				out = append(out, next)
			}
		}
		return out, nil
	}
}

// Timestamped pairs a state with its creation time (unix nanoseconds)
type Timestamped[S any] struct {
	Timestamp int64
	State     S
}

// LWW makes any state mergeable as a last-writer-wins register: the greater
// timestamp wins and ties fall back to merge.
func LWW[S any](merge MergeFunc[S]) MergeFunc[Timestamped[S]] {
	return func(a, b Timestamped[S]) (Timestamped[S], error) {
		switch {
		case a.Timestamp > b.Timestamp:
			return a, nil
		case b.Timestamp > a.Timestamp:
			return b, nil
		}
		state, err := merge.Apply(a.State, b.State)
		if err != nil {
			return Timestamped[S]{}, err
		}
		return Timestamped[S]{Timestamp: a.Timestamp, State: state}, nil
	}
}
