package memtable

import (
	"math/rand"

	"golang.org/x/exp/constraints"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

type node[K constraints.Ordered, V any] struct {
	key     K
	value   V
	forward []*node[K, V]
}

// SkipList is an ordered map used as the write buffer of a file store
// upload. It is not safe for concurrent use.
type SkipList[K constraints.Ordered, V any] struct {
	head  *node[K, V]
	level int
	size  int
}

func NewSkipList[K constraints.Ordered, V any]() *SkipList[K, V] {
	return &SkipList[K, V]{
		head: &node[K, V]{forward: make([]*node[K, V], MaxLevel)},
	}
}

func (sl *SkipList[K, V]) randomLevel() int {
	level := 0
	for rand.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// seek fills update with the rightmost node before key on every level and
// returns the node at key, if any
func (sl *SkipList[K, V]) seek(key K, update []*node[K, V]) *node[K, V] {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	next := current.forward[0]
	if next != nil && next.key == key {
		return next
	}
	return nil
}

// Insert sets key to value
func (sl *SkipList[K, V]) Insert(key K, value V) {
	_ = sl.Upsert(key, func(V, bool) (V, error) { return value, nil })
}

// Upsert stores fn(old, exists) at key. When fn fails the list is unchanged.
func (sl *SkipList[K, V]) Upsert(key K, fn func(old V, exists bool) (V, error)) error {
	update := make([]*node[K, V], MaxLevel)
	if existing := sl.seek(key, update); existing != nil {
		v, err := fn(existing.value, true)
		if err != nil {
			return err
		}
		existing.value = v
		return nil
	}

	var zero V
	value, err := fn(zero, false)
	if err != nil {
		return err
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	n := &node[K, V]{key: key, value: value, forward: make([]*node[K, V], newLevel+1)}
	for i := 0; i <= newLevel; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	sl.size++
	return nil
}

func (sl *SkipList[K, V]) Search(key K) (V, bool) {
	if n := sl.seek(key, nil); n != nil {
		return n.value, true
	}
	var zero V
	return zero, false
}

func (sl *SkipList[K, V]) Delete(key K) bool {
	update := make([]*node[K, V], MaxLevel)
	target := sl.seek(key, update)
	if target == nil {
		return false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != target {
			break
		}
		update[i].forward[i] = target.forward[i]
	}
	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}
	sl.size--
	return true
}

func (sl *SkipList[K, V]) Len() int {
	return sl.size
}

// Reset drops every entry
func (sl *SkipList[K, V]) Reset() {
	sl.head = &node[K, V]{forward: make([]*node[K, V], MaxLevel)}
	sl.level = 0
	sl.size = 0
}

// Iterator walks the list in key order
func (sl *SkipList[K, V]) Iterator() *Iterator[K, V] {
	return &Iterator[K, V]{current: sl.head}
}

type Iterator[K constraints.Ordered, V any] struct {
	current *node[K, V]
}

func (it *Iterator[K, V]) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.forward[0]
	return it.current != nil
}

func (it *Iterator[K, V]) Key() K {
	if it.current == nil {
		var zero K
		return zero
	}
	return it.current.key
}

func (it *Iterator[K, V]) Value() V {
	if it.current == nil {
		var zero V
		return zero
	}
	return it.current.value
}
