package segment

// Segment file layout, all integers little-endian:
//
//	header   magic uint32 | version uint16 | kind uint8 | reserved uint8
//	entries  len uint32 | crc32c uint32 | uvarint(len(key)) key value
//	bloom    size uint64 | hashCount uint64 | bits
//	trailer  bloomOffset int64 | count uint64 | timestamp int64 | magic uint32 | crc32c uint32
//
// The trailer checksum covers the first 28 bytes of the trailer. A tombstone
// segment stores keys with empty values.

const (
	Magic   uint32 = 0x50444253
	Version uint16 = 1

	headerSize      = 8
	trailerSize     = 32
	entryHeaderSize = 8

	// MaxEntrySize bounds a single encoded entry
	MaxEntrySize = 64 << 20

	DefaultFalsePositiveRate = 0.01
)

// Kind tells record segments from tombstone segments
type Kind uint8

const (
	KindRecords    Kind = 1
	KindTombstones Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRecords:
		return "records"
	case KindTombstones:
		return "tombstones"
	default:
		return "unknown"
	}
}

// Metadata is what the header and trailer say about a segment
type Metadata struct {
	Kind        Kind
	Count       uint64
	Timestamp   int64
	BloomOffset int64
	Size        int64
}

// Entry is one key with its encoded state; Value is empty in tombstone segments
type Entry struct {
	Key   []byte
	Value []byte
}
