package index

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a probabilistic membership filter over stream-hash
// values. It answers "stream X has no entries in this table" cheaply;
// false positives only cost a wasted lookup.
type BloomFilter struct {
	bits      []byte
	nbits     uint64
	hashCount uint64
}

// NewBloomFilter sizes a filter for the expected number of distinct
// stream hashes and target false positive rate
func NewBloomFilter(expected int, falsePositiveRate float64) *BloomFilter {
	if expected < 1 {
		expected = 1
	}
	// m = -(n * ln(p)) / (ln(2)^2)
	nbits := uint64(-float64(expected) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if nbits == 0 {
		nbits = 1
	}
	// k = (m/n) * ln(2)
	hashCount := uint64(float64(nbits) / float64(expected) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}
	return &BloomFilter{
		bits:      make([]byte, (nbits+7)/8),
		nbits:     nbits,
		hashCount: hashCount,
	}
}

// hashes derives the double-hashing pair for a stream hash
func (bf *BloomFilter) hashes(streamHash uint64) (uint64, uint64) {
	var buf [9]byte
	binary.LittleEndian.PutUint64(buf[:8], streamHash)
	buf[8] = 0
	h1 := xxhash.Sum64(buf[:])
	buf[8] = 1
	h2 := xxhash.Sum64(buf[:])
	return h1, h2
}

// Add inserts a stream hash into the filter
func (bf *BloomFilter) Add(streamHash uint64) {
	h1, h2 := bf.hashes(streamHash)
	for i := uint64(0); i < bf.hashCount; i++ {
		bit := (h1 + i*h2) % bf.nbits
		bf.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain reports whether the stream hash might be present
func (bf *BloomFilter) MayContain(streamHash uint64) bool {
	h1, h2 := bf.hashes(streamHash)
	for i := uint64(0); i < bf.hashCount; i++ {
		bit := (h1 + i*h2) % bf.nbits
		if bf.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// BitCount returns the number of bits in the filter
func (bf *BloomFilter) BitCount() uint64 {
	return bf.nbits
}

// Marshal serializes the filter: bit count, hash count, packed bits
func (bf *BloomFilter) Marshal() []byte {
	buf := make([]byte, 16+len(bf.bits))
	binary.LittleEndian.PutUint64(buf[0:], bf.nbits)
	binary.LittleEndian.PutUint64(buf[8:], bf.hashCount)
	copy(buf[16:], bf.bits)
	return buf
}

// UnmarshalBloomFilter parses a serialized filter
func UnmarshalBloomFilter(data []byte) (*BloomFilter, bool) {
	if len(data) < 16 {
		return nil, false
	}
	nbits := binary.LittleEndian.Uint64(data[0:])
	hashCount := binary.LittleEndian.Uint64(data[8:])
	if nbits == 0 || hashCount == 0 || uint64(len(data)-16) < (nbits+7)/8 {
		return nil, false
	}
	bits := make([]byte, (nbits+7)/8)
	copy(bits, data[16:])
	return &BloomFilter{bits: bits, nbits: nbits, hashCount: hashCount}, true
}
