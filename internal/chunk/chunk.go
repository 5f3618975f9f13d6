package chunk

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/strand-io/strand/internal/serrors"
	"github.com/strand-io/strand/internal/util"
)

const (
	// HeaderSize is the fixed physical size of the chunk header block
	HeaderSize = 128
	// FooterSize is the fixed physical size of the chunk footer block
	FooterSize = 128

	headerMagic = uint32(0x53544843) // "STHC"
	footerMagic = uint32(0x53544346) // "STCF"

	formatVersion = uint32(1)

	footerFlagCompleted = uint8(0x1)
)

// Header identifies a chunk file and anchors it in the logical log
type Header struct {
	Version  uint32
	Seq      uint64
	StartPos uint64
	MaxSize  uint64
	ChunkID  [16]byte
}

// newHeader builds a header for a fresh chunk with a random chunk id
func newHeader(seq, startPos, maxSize uint64) Header {
	h := Header{
		Version:  formatVersion,
		Seq:      seq,
		StartPos: startPos,
		MaxSize:  maxSize,
	}
	rand.Read(h.ChunkID[:])
	return h
}

// Encode serializes the header into its fixed-size block
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], headerMagic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint64(buf[8:], h.Seq)
	binary.LittleEndian.PutUint64(buf[16:], h.StartPos)
	binary.LittleEndian.PutUint64(buf[24:], h.MaxSize)
	copy(buf[32:48], h.ChunkID[:])
	sum := util.ComputeChecksum(buf[:48])
	binary.LittleEndian.PutUint32(buf[48:], sum)
	return buf
}

// DecodeHeader parses and validates a header block
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, serrors.Corruption("chunk header: short block", nil)
	}
	if binary.LittleEndian.Uint32(buf[0:]) != headerMagic {
		return h, serrors.Corruption("chunk header: bad magic", nil)
	}
	if sum := binary.LittleEndian.Uint32(buf[48:]); !util.ValidateChecksum(buf[:48], sum) {
		return h, serrors.Corruption("chunk header: checksum mismatch", nil)
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:])
	if h.Version != formatVersion {
		return h, serrors.Corruption(fmt.Sprintf("chunk header: unsupported version %d", h.Version), nil)
	}
	h.Seq = binary.LittleEndian.Uint64(buf[8:])
	h.StartPos = binary.LittleEndian.Uint64(buf[16:])
	h.MaxSize = binary.LittleEndian.Uint64(buf[24:])
	copy(h.ChunkID[:], buf[32:48])
	return h, nil
}

// Footer marks a sealed chunk as complete
type Footer struct {
	Flags       uint8
	BodySize    uint64
	LastPos     uint64
	RecordCount uint64
}

// Completed reports whether the footer marks a finished chunk
func (f Footer) Completed() bool {
	return f.Flags&footerFlagCompleted != 0
}

// Encode serializes the footer into its fixed-size block
func (f Footer) Encode() []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(buf[0:], footerMagic)
	buf[4] = f.Flags
	binary.LittleEndian.PutUint64(buf[5:], f.BodySize)
	binary.LittleEndian.PutUint64(buf[13:], f.LastPos)
	binary.LittleEndian.PutUint64(buf[21:], f.RecordCount)
	sum := util.ComputeChecksum(buf[:29])
	binary.LittleEndian.PutUint32(buf[29:], sum)
	return buf
}

// DecodeFooter parses a footer block. ok is false when the block does not
// hold a valid completed footer, which marks the chunk as the active tail.
func DecodeFooter(buf []byte) (Footer, bool) {
	var f Footer
	if len(buf) < FooterSize {
		return f, false
	}
	if binary.LittleEndian.Uint32(buf[0:]) != footerMagic {
		return f, false
	}
	if sum := binary.LittleEndian.Uint32(buf[29:]); !util.ValidateChecksum(buf[:29], sum) {
		return f, false
	}
	f.Flags = buf[4]
	f.BodySize = binary.LittleEndian.Uint64(buf[5:])
	f.LastPos = binary.LittleEndian.Uint64(buf[13:])
	f.RecordCount = binary.LittleEndian.Uint64(buf[21:])
	return f, f.Completed()
}
