package partition

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const DefaultVirtualNodes = 150

// ConsistentHash places virtual nodes of every partition on a SHA-256 ring.
// Candidates walk the ring clockwise from the key, collecting each physical
// partition once.
type ConsistentHash struct {
	virtualNodes int

	mu         sync.RWMutex
	membership string
	ring       []uint64          // sorted vnode hashes
	ringMap    map[uint64]string // vnode hash -> partition id
	size       int
}

func NewConsistentHash(virtualNodes int) *ConsistentHash {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &ConsistentHash{virtualNodes: virtualNodes}
}

func (ch *ConsistentHash) Candidates(key []byte, ids []string) []string {
	ring, ringMap, size := ch.ringFor(ids)
	if len(ring) == 0 {
		return nil
	}

	keyHash := hash(key)
	idx := sort.Search(len(ring), func(i int) bool {
		return ring[i] >= keyHash
	})

	out := make([]string, 0, size)
	seen := make(map[string]bool, size)
	for i := 0; i < len(ring) && len(out) < size; i++ {
		id := ringMap[ring[(idx+i)%len(ring)]]
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// ringFor returns the ring of the given membership, rebuilding it when the
// membership changed since the last call
func (ch *ConsistentHash) ringFor(ids []string) ([]uint64, map[uint64]string, int) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	membership := strings.Join(sorted, "\x00")

	ch.mu.RLock()
	if ch.ringMap != nil && ch.membership == membership {
		defer ch.mu.RUnlock()
		return ch.ring, ch.ringMap, ch.size
	}
	ch.mu.RUnlock()

	ring := make([]uint64, 0, len(sorted)*ch.virtualNodes)
	ringMap := make(map[uint64]string, len(sorted)*ch.virtualNodes)
	size := 0
	for i, id := range sorted {
		if i > 0 && sorted[i-1] == id {
			continue
		}
		size++
		for v := 0; v < ch.virtualNodes; v++ {
			h := hash([]byte(fmt.Sprintf("%s-vnode-%d", id, v)))
			// ids are sorted, so a collision keeps the smaller id
			if _, taken := ringMap[h]; taken {
				continue
			}
			ring = append(ring, h)
			ringMap[h] = id
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	ch.mu.Lock()
	ch.membership, ch.ring, ch.ringMap, ch.size = membership, ring, ringMap, size
	ch.mu.Unlock()
	return ring, ringMap, size
}

// hash is the first eight bytes of the SHA-256 digest
func hash(data []byte) uint64 {
	sum := sha256.Sum256(data)
	return binary.BigEndian.Uint64(sum[:8])
}
