package util

import (
	"github.com/cespare/xxhash/v2"
)

// HashStreamName hashes a stream name to the 64-bit index key prefix.
// Collisions are tolerated; readers confirm the stream name against the
// record fetched from the log.
func HashStreamName(name string) uint64 {
	return xxhash.Sum64String(name)
}
