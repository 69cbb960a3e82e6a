package util

import (
	"encoding/binary"
	"hash/crc32"
)

// Castagnoli is hardware accelerated on amd64 and arm64
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ChecksumSize is the width of a trailing checksum
const ChecksumSize = 4

// ComputeChecksum returns the CRC32-C of data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// UpdateChecksum extends a running checksum with more data
func UpdateChecksum(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crcTable, data)
}

// ValidateChecksum reports whether data matches the expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendChecksum returns data followed by its little-endian checksum
func AppendChecksum(data []byte) []byte {
	out := make([]byte, len(data), len(data)+ChecksumSize)
	copy(out, data)
	return binary.LittleEndian.AppendUint32(out, ComputeChecksum(data))
}

// ValidateAndStripChecksum splits [data][checksum] and reports whether the
// checksum holds
func ValidateAndStripChecksum(framed []byte) ([]byte, bool) {
	if len(framed) < ChecksumSize {
		return nil, false
	}
	n := len(framed) - ChecksumSize
	data := framed[:n]
	return data, ValidateChecksum(data, binary.LittleEndian.Uint32(framed[n:]))
}
