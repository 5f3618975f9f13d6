package util

import (
	"hash/crc32"
)

// CRC32 (IEEE polynomial) helpers shared by the chunk log and SSTable
// framing. The table is precomputed once.

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ComputeChecksum2 computes a CRC32 checksum over two byte slices as if
// they were concatenated, without allocating
func ComputeChecksum2(a, b []byte) uint32 {
	sum := crc32.Update(0, crc32Table, a)
	return crc32.Update(sum, crc32Table, b)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}
