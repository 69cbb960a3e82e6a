package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter answers "maybe present" for the keys of one segment
type BloomFilter struct {
	bits      []byte
	size      uint64
	hashCount uint64
}

// NewBloomFilter sizes a filter for n keys at the given false positive rate
func NewBloomFilter(expectedElements int, falsePositiveRate float64) *BloomFilter {
	if expectedElements < 1 {
		expectedElements = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2), k = (m/n) * ln(2)
	size := uint64(math.Ceil(-float64(expectedElements) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if size < 8 {
		size = 8
	}
	hashCount := uint64(float64(size) / float64(expectedElements) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}

	return &BloomFilter{
		bits:      make([]byte, (size+7)/8),
		size:      size,
		hashCount: hashCount,
	}
}

func (bf *BloomFilter) Add(key []byte) {
	bf.addSum(xxhash.Sum64(key))
}

func (bf *BloomFilter) addSum(sum uint64) {
	h1, h2 := splitSum(sum)
	for i := uint64(0); i < bf.hashCount; i++ {
		bit := (h1 + i*h2) % bf.size
		bf.bits[bit/8] |= 1 << (bit % 8)
	}
}

func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := splitSum(xxhash.Sum64(key))
	for i := uint64(0); i < bf.hashCount; i++ {
		bit := (h1 + i*h2) % bf.size
		if bf.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// double hashing on the two halves of one xxhash digest
func splitSum(sum uint64) (uint64, uint64) {
	return sum & 0xffffffff, sum>>32 | 1
}

// WriteTo serialises the filter as [size][hashCount][bits]
func (bf *BloomFilter) WriteTo(w io.Writer) (int64, error) {
	var header [16]byte
	binary.LittleEndian.PutUint64(header[0:8], bf.size)
	binary.LittleEndian.PutUint64(header[8:16], bf.hashCount)

	n, err := w.Write(header[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(bf.bits)
	return int64(n + m), err
}

// ReadBloomFilter is the inverse of WriteTo
func ReadBloomFilter(r io.Reader) (*BloomFilter, error) {
	var header [16]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read bloom header: %w", err)
	}

	bf := &BloomFilter{
		size:      binary.LittleEndian.Uint64(header[0:8]),
		hashCount: binary.LittleEndian.Uint64(header[8:16]),
	}
	if bf.size == 0 || bf.hashCount == 0 || bf.size > 1<<36 {
		return nil, fmt.Errorf("invalid bloom filter header: size=%d hashes=%d", bf.size, bf.hashCount)
	}

	bf.bits = make([]byte, (bf.size+7)/8)
	if _, err := io.ReadFull(r, bf.bits); err != nil {
		return nil, fmt.Errorf("failed to read bloom bits: %w", err)
	}
	return bf, nil
}
