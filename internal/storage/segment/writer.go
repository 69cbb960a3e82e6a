package segment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/devrev/pairdb/crdt-storage/internal/util"
)

// Writer appends entries to a new segment file. The caller appends in key
// order; the writer does not reorder.
type Writer struct {
	path     string
	file     *os.File
	buf      *bufio.Writer
	kind     Kind
	offset   int64
	count    uint64
	sums     []uint64
	fpRate   float64
	scratch  []byte
	finished bool
}

// Create starts a segment at path, truncating anything already there
func Create(path string, kind Kind, falsePositiveRate float64) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.SegmentFailed("failed to create segment file", err)
	}

	w := &Writer{
		path:   path,
		file:   file,
		buf:    bufio.NewWriterSize(file, 64<<10),
		kind:   kind,
		fpRate: falsePositiveRate,
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], Magic)
	binary.LittleEndian.PutUint16(header[4:6], Version)
	header[6] = byte(kind)
	if _, err := w.buf.Write(header[:]); err != nil {
		w.Abort()
		return nil, errors.SegmentFailed("failed to write segment header", err)
	}
	w.offset = headerSize

	return w, nil
}

// Append writes one entry
func (w *Writer) Append(key, value []byte) error {
	if w.finished {
		return fmt.Errorf("segment %s already finished", w.path)
	}
	if w.kind == KindTombstones && len(value) > 0 {
		return fmt.Errorf("tombstone segment entries carry no value")
	}

	payload := w.scratch[:0]
	payload = binary.AppendUvarint(payload, uint64(len(key)))
	payload = append(payload, key...)
	payload = append(payload, value...)
	w.scratch = payload

	if len(payload) > MaxEntrySize {
		return errors.StateTooLarge(len(payload), MaxEntrySize)
	}

	var header [entryHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], util.ComputeChecksum(payload))

	if _, err := w.buf.Write(header[:]); err != nil {
		return errors.SegmentFailed("failed to write entry header", err)
	}
	if _, err := w.buf.Write(payload); err != nil {
		return errors.SegmentFailed("failed to write entry", err)
	}

	w.sums = append(w.sums, xxhash.Sum64(key))
	w.offset += int64(entryHeaderSize + len(payload))
	w.count++
	return nil
}

// Count is the number of entries appended so far
func (w *Writer) Count() uint64 {
	return w.count
}

func (w *Writer) Path() string {
	return w.path
}

// Finish writes the bloom block and the trailer stamped with timestamp, then
// syncs and closes the file
func (w *Writer) Finish(timestamp int64) error {
	if w.finished {
		return fmt.Errorf("segment %s already finished", w.path)
	}
	w.finished = true

	bloom := NewBloomFilter(len(w.sums), w.fpRate)
	for _, sum := range w.sums {
		bloom.addSum(sum)
	}
	w.sums = nil

	bloomOffset := w.offset
	if _, err := bloom.WriteTo(w.buf); err != nil {
		w.discard()
		return errors.SegmentFailed("failed to write bloom filter", err)
	}

	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint64(trailer[0:8], uint64(bloomOffset))
	binary.LittleEndian.PutUint64(trailer[8:16], w.count)
	binary.LittleEndian.PutUint64(trailer[16:24], uint64(timestamp))
	binary.LittleEndian.PutUint32(trailer[24:28], Magic)
	binary.LittleEndian.PutUint32(trailer[28:32], util.ComputeChecksum(trailer[:28]))
	if _, err := w.buf.Write(trailer[:]); err != nil {
		w.discard()
		return errors.SegmentFailed("failed to write trailer", err)
	}

	if err := w.buf.Flush(); err != nil {
		w.discard()
		return errors.SegmentFailed("failed to flush segment", err)
	}
	if err := w.file.Sync(); err != nil {
		w.discard()
		return errors.SegmentFailed("failed to sync segment", err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.path)
		return errors.SegmentFailed("failed to close segment", err)
	}
	return nil
}

// Abort closes and removes the partial file
func (w *Writer) Abort() {
	if w.finished {
		return
	}
	w.finished = true
	w.discard()
}

func (w *Writer) discard() {
	_ = w.file.Close()
	_ = os.Remove(w.path)
}
