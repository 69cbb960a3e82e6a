package segment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/devrev/pairdb/crdt-storage/internal/util"
)

// Reader streams the entries of one segment in file order
type Reader struct {
	path      string
	file      *os.File
	buf       *bufio.Reader
	meta      Metadata
	remaining uint64
}

// Open validates the header and trailer of a segment
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	meta, err := readMetadata(file)
	if err != nil {
		file.Close()
		return nil, errors.CorruptedData(fmt.Sprintf("invalid segment %s", path), err)
	}

	section := io.NewSectionReader(file, headerSize, meta.BloomOffset-headerSize)
	return &Reader{
		path:      path,
		file:      file,
		buf:       bufio.NewReaderSize(section, 64<<10),
		meta:      meta,
		remaining: meta.Count,
	}, nil
}

// ReadMetadata reads only the header and trailer of a segment
func ReadMetadata(path string) (Metadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer file.Close()

	meta, err := readMetadata(file)
	if err != nil {
		return Metadata{}, errors.CorruptedData(fmt.Sprintf("invalid segment %s", path), err)
	}
	return meta, nil
}

func readMetadata(file *os.File) (Metadata, error) {
	info, err := file.Stat()
	if err != nil {
		return Metadata{}, err
	}
	size := info.Size()
	if size < headerSize+trailerSize {
		return Metadata{}, fmt.Errorf("file too short: %d bytes", size)
	}

	var header [headerSize]byte
	if _, err := file.ReadAt(header[:], 0); err != nil {
		return Metadata{}, fmt.Errorf("failed to read header: %w", err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != Magic {
		return Metadata{}, fmt.Errorf("bad header magic")
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != Version {
		return Metadata{}, fmt.Errorf("unsupported segment version %d", v)
	}

	var trailer [trailerSize]byte
	if _, err := file.ReadAt(trailer[:], size-trailerSize); err != nil {
		return Metadata{}, fmt.Errorf("failed to read trailer: %w", err)
	}
	if binary.LittleEndian.Uint32(trailer[24:28]) != Magic {
		return Metadata{}, fmt.Errorf("bad trailer magic")
	}
	if !util.ValidateChecksum(trailer[:28], binary.LittleEndian.Uint32(trailer[28:32])) {
		return Metadata{}, fmt.Errorf("trailer checksum mismatch")
	}

	meta := Metadata{
		Kind:        Kind(header[6]),
		BloomOffset: int64(binary.LittleEndian.Uint64(trailer[0:8])),
		Count:       binary.LittleEndian.Uint64(trailer[8:16]),
		Timestamp:   int64(binary.LittleEndian.Uint64(trailer[16:24])),
		Size:        size,
	}
	if meta.BloomOffset < headerSize || meta.BloomOffset > size-trailerSize {
		return Metadata{}, fmt.Errorf("bloom offset %d out of range", meta.BloomOffset)
	}
	return meta, nil
}

func (r *Reader) Metadata() Metadata {
	return r.meta
}

func (r *Reader) Path() string {
	return r.path
}

// Next returns the next entry, or io.EOF after the last one
func (r *Reader) Next() (Entry, error) {
	if r.remaining == 0 {
		return Entry{}, io.EOF
	}

	var header [entryHeaderSize]byte
	if _, err := io.ReadFull(r.buf, header[:]); err != nil {
		return Entry{}, r.corrupted("truncated entry header", err)
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	checksum := binary.LittleEndian.Uint32(header[4:8])
	if length > MaxEntrySize {
		return Entry{}, r.corrupted(fmt.Sprintf("entry length %d exceeds limit", length), nil)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.buf, payload); err != nil {
		return Entry{}, r.corrupted("truncated entry", err)
	}
	if actual := util.ComputeChecksum(payload); actual != checksum {
		return Entry{}, errors.ChecksumFailed(checksum, actual).WithDetail("segment", r.path)
	}

	keyLen, n := binary.Uvarint(payload)
	if n <= 0 || uint64(len(payload)-n) < keyLen {
		return Entry{}, r.corrupted("malformed key length", nil)
	}

	r.remaining--
	return Entry{
		Key:   payload[n : n+int(keyLen)],
		Value: payload[n+int(keyLen):],
	}, nil
}

// Find scans for key, skipping the scan when the bloom filter rules it out
func (r *Reader) Find(key []byte, bloom *BloomFilter) ([]byte, bool, error) {
	if bloom != nil && !bloom.MayContain(key) {
		return nil, false, nil
	}
	for {
		entry, err := r.Next()
		if err == io.EOF {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if string(entry.Key) == string(key) {
			return entry.Value, true, nil
		}
	}
}

// ReadBloom loads the bloom block
func (r *Reader) ReadBloom() (*BloomFilter, error) {
	length := r.meta.Size - trailerSize - r.meta.BloomOffset
	bloom, err := ReadBloomFilter(io.NewSectionReader(r.file, r.meta.BloomOffset, length))
	if err != nil {
		return nil, r.corrupted("invalid bloom block", err)
	}
	return bloom, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

func (r *Reader) corrupted(msg string, cause error) error {
	return errors.CorruptedData(fmt.Sprintf("%s in segment %s", msg, r.path), cause)
}
