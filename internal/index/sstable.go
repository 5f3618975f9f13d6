package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/strand-io/strand/internal/serrors"
	"github.com/strand-io/strand/internal/util"
)

// SSTable file layout:
//
//   header (64 B): magic, version, entry count, min key, max key, bloom bits
//   data:          fixed-width 24 B entries (hash, revision, position), sorted
//   sparse index:  every Nth key with its file offset (24 B per anchor)
//   bloom filter:  over stream-hash values only
//   footer (24 B): sparse offset, bloom offset, CRC, magic
//
// Fixed-width entries make binary search between sparse anchors a matter
// of positional reads.

const (
	tableMagic    = uint32(0x53545342) // "STSB"
	tableVersion  = uint32(1)
	tableHeader   = 64
	tableFooter   = 24
	entrySize     = 24
	sparseAnchor  = 24
	iterBatchSize = 256

	// DefaultSparseInterval is the default anchor spacing
	DefaultSparseInterval = 256
	// DefaultBloomFPR is the default bloom filter false positive rate
	DefaultBloomFPR = 0.01
)

type sparseEntry struct {
	key    Key
	offset uint64
}

// TableWriter streams sorted entries into a new SSTable. The file is
// written to a temporary name and renamed into place by Finish.
type TableWriter struct {
	file     *os.File
	buf      *bufio.Writer
	tmpPath  string
	path     string
	interval int
	bloom    *BloomFilter
	sparse   []sparseEntry
	count    uint64
	min, max Key
	offset   uint64
}

// NewTableWriter creates a writer targeting path. expected sizes the
// bloom filter; entries must be added in ascending key order.
func NewTableWriter(path string, expected, sparseInterval int, bloomFPR float64) (*TableWriter, error) {
	if sparseInterval <= 0 {
		sparseInterval = DefaultSparseInterval
	}
	if bloomFPR <= 0 || bloomFPR >= 1 {
		bloomFPR = DefaultBloomFPR
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, serrors.IO(fmt.Sprintf("failed to create sstable %s", tmp), err)
	}

	w := &TableWriter{
		file:     f,
		buf:      bufio.NewWriterSize(f, 64*1024),
		tmpPath:  tmp,
		path:     path,
		interval: sparseInterval,
		bloom:    NewBloomFilter(expected, bloomFPR),
		offset:   tableHeader,
	}
	// Header is patched in Finish once the key range is known
	if _, err := w.buf.Write(make([]byte, tableHeader)); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, serrors.IO("failed to reserve sstable header", err)
	}
	return w, nil
}

// Add appends one entry. Keys must arrive in strictly ascending order.
func (w *TableWriter) Add(e Entry) error {
	if w.count > 0 && !w.max.Less(e.Key) {
		return fmt.Errorf("sstable entries out of order: %+v after %+v", e.Key, w.max)
	}
	if w.count == 0 {
		w.min = e.Key
	}
	w.max = e.Key

	if w.count%uint64(w.interval) == 0 {
		w.sparse = append(w.sparse, sparseEntry{key: e.Key, offset: w.offset})
	}
	w.bloom.Add(e.Key.Hash)

	var buf [entrySize]byte
	binary.LittleEndian.PutUint64(buf[0:], e.Key.Hash)
	binary.LittleEndian.PutUint64(buf[8:], e.Key.Revision)
	binary.LittleEndian.PutUint64(buf[16:], e.Position)
	if _, err := w.buf.Write(buf[:]); err != nil {
		return serrors.IO("failed to write sstable entry", err)
	}
	w.count++
	w.offset += entrySize
	return nil
}

// Count returns the number of entries added so far
func (w *TableWriter) Count() uint64 {
	return w.count
}

// Abort discards the partially written table
func (w *TableWriter) Abort() {
	w.file.Close()
	os.Remove(w.tmpPath)
}

// Finish writes the sparse index, bloom filter, footer, and header, then
// fsyncs and atomically renames the table into place.
func (w *TableWriter) Finish() error {
	sparseOff := w.offset
	for _, s := range w.sparse {
		var buf [sparseAnchor]byte
		binary.LittleEndian.PutUint64(buf[0:], s.key.Hash)
		binary.LittleEndian.PutUint64(buf[8:], s.key.Revision)
		binary.LittleEndian.PutUint64(buf[16:], s.offset)
		if _, err := w.buf.Write(buf[:]); err != nil {
			return serrors.IO("failed to write sstable sparse index", err)
		}
		w.offset += sparseAnchor
	}

	bloomOff := w.offset
	bloomBytes := w.bloom.Marshal()
	if _, err := w.buf.Write(bloomBytes); err != nil {
		return serrors.IO("failed to write sstable bloom filter", err)
	}
	w.offset += uint64(len(bloomBytes))

	var footer [tableFooter]byte
	binary.LittleEndian.PutUint64(footer[0:], sparseOff)
	binary.LittleEndian.PutUint64(footer[8:], bloomOff)
	binary.LittleEndian.PutUint32(footer[16:], util.ComputeChecksum(footer[:16]))
	binary.LittleEndian.PutUint32(footer[20:], tableMagic)
	if _, err := w.buf.Write(footer[:]); err != nil {
		return serrors.IO("failed to write sstable footer", err)
	}
	if err := w.buf.Flush(); err != nil {
		return serrors.IO("failed to flush sstable", err)
	}

	var header [tableHeader]byte
	binary.LittleEndian.PutUint32(header[0:], tableMagic)
	binary.LittleEndian.PutUint32(header[4:], tableVersion)
	binary.LittleEndian.PutUint64(header[8:], w.count)
	binary.LittleEndian.PutUint64(header[16:], w.min.Hash)
	binary.LittleEndian.PutUint64(header[24:], w.min.Revision)
	binary.LittleEndian.PutUint64(header[32:], w.max.Hash)
	binary.LittleEndian.PutUint64(header[40:], w.max.Revision)
	binary.LittleEndian.PutUint64(header[48:], w.bloom.BitCount())
	if _, err := w.file.WriteAt(header[:], 0); err != nil {
		return serrors.IO("failed to write sstable header", err)
	}

	if err := w.file.Sync(); err != nil {
		return serrors.IO("failed to sync sstable", err)
	}
	if err := w.file.Close(); err != nil {
		return serrors.IO("failed to close sstable", err)
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return serrors.IO("failed to rename sstable into place", err)
	}
	return nil
}

// SSTable is an open immutable sorted index file. File handles are
// reference counted: readers retain the table through a snapshot, and
// physical deletion of an obsolete table is deferred until the last
// reference is released.
type SSTable struct {
	ID    uint64
	Level int
	Path  string
	Count uint64
	Min   Key
	Max   Key
	Size  int64

	file     *os.File
	dataEnd  uint64
	sparse   []sparseEntry
	bloom    *BloomFilter
	refs     int32
	obsolete atomic.Bool
}

// OpenTable opens an SSTable and loads its sparse index and bloom filter.
// The returned table holds one reference owned by the live set.
func OpenTable(path string, id uint64, level int) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, serrors.IO(fmt.Sprintf("failed to open sstable %s", path), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, serrors.IO(fmt.Sprintf("failed to stat sstable %s", path), err)
	}
	if info.Size() < tableHeader+tableFooter {
		f.Close()
		return nil, serrors.Corruption(fmt.Sprintf("sstable %s: file too short", path), nil)
	}

	var footer [tableFooter]byte
	if _, err := f.ReadAt(footer[:], info.Size()-tableFooter); err != nil {
		f.Close()
		return nil, serrors.IO(fmt.Sprintf("failed to read sstable footer %s", path), err)
	}
	if binary.LittleEndian.Uint32(footer[20:]) != tableMagic {
		f.Close()
		return nil, serrors.Corruption(fmt.Sprintf("sstable %s: bad footer magic", path), nil)
	}
	if !util.ValidateChecksum(footer[:16], binary.LittleEndian.Uint32(footer[16:])) {
		f.Close()
		return nil, serrors.Corruption(fmt.Sprintf("sstable %s: footer checksum mismatch", path), nil)
	}
	sparseOff := binary.LittleEndian.Uint64(footer[0:])
	bloomOff := binary.LittleEndian.Uint64(footer[8:])
	if sparseOff < tableHeader || bloomOff < sparseOff || int64(bloomOff) > info.Size()-tableFooter {
		f.Close()
		return nil, serrors.Corruption(fmt.Sprintf("sstable %s: inconsistent section offsets", path), nil)
	}

	var header [tableHeader]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		f.Close()
		return nil, serrors.IO(fmt.Sprintf("failed to read sstable header %s", path), err)
	}
	if binary.LittleEndian.Uint32(header[0:]) != tableMagic {
		f.Close()
		return nil, serrors.Corruption(fmt.Sprintf("sstable %s: bad header magic", path), nil)
	}
	if v := binary.LittleEndian.Uint32(header[4:]); v != tableVersion {
		f.Close()
		return nil, serrors.Corruption(fmt.Sprintf("sstable %s: unsupported version %d", path, v), nil)
	}

	t := &SSTable{
		ID:      id,
		Level:   level,
		Path:    path,
		Count:   binary.LittleEndian.Uint64(header[8:]),
		Min:     Key{Hash: binary.LittleEndian.Uint64(header[16:]), Revision: binary.LittleEndian.Uint64(header[24:])},
		Max:     Key{Hash: binary.LittleEndian.Uint64(header[32:]), Revision: binary.LittleEndian.Uint64(header[40:])},
		Size:    info.Size(),
		file:    f,
		dataEnd: sparseOff,
		refs:    1,
	}
	if t.Count*entrySize != sparseOff-tableHeader {
		f.Close()
		return nil, serrors.Corruption(fmt.Sprintf("sstable %s: entry count disagrees with data size", path), nil)
	}

	sparseRaw := make([]byte, bloomOff-sparseOff)
	if _, err := f.ReadAt(sparseRaw, int64(sparseOff)); err != nil {
		f.Close()
		return nil, serrors.IO(fmt.Sprintf("failed to read sstable sparse index %s", path), err)
	}
	for off := 0; off+sparseAnchor <= len(sparseRaw); off += sparseAnchor {
		t.sparse = append(t.sparse, sparseEntry{
			key: Key{
				Hash:     binary.LittleEndian.Uint64(sparseRaw[off:]),
				Revision: binary.LittleEndian.Uint64(sparseRaw[off+8:]),
			},
			offset: binary.LittleEndian.Uint64(sparseRaw[off+16:]),
		})
	}

	bloomRaw := make([]byte, info.Size()-tableFooter-int64(bloomOff))
	if _, err := f.ReadAt(bloomRaw, int64(bloomOff)); err != nil {
		f.Close()
		return nil, serrors.IO(fmt.Sprintf("failed to read sstable bloom filter %s", path), err)
	}
	bloom, ok := UnmarshalBloomFilter(bloomRaw)
	if !ok {
		f.Close()
		return nil, serrors.Corruption(fmt.Sprintf("sstable %s: malformed bloom filter", path), nil)
	}
	t.bloom = bloom
	return t, nil
}

func (t *SSTable) retain() {
	atomic.AddInt32(&t.refs, 1)
}

func (t *SSTable) release() {
	if atomic.AddInt32(&t.refs, -1) == 0 {
		t.file.Close()
		if t.obsolete.Load() {
			os.Remove(t.Path)
		}
	}
}

// markObsolete schedules physical deletion once all references drop
func (t *SSTable) markObsolete() {
	t.obsolete.Store(true)
}

func (t *SSTable) entryAt(i uint64) (Entry, error) {
	var buf [entrySize]byte
	if _, err := t.file.ReadAt(buf[:], int64(tableHeader+i*entrySize)); err != nil {
		return Entry{}, serrors.IO(fmt.Sprintf("sstable %s: failed to read entry %d", t.Path, i), err)
	}
	return Entry{
		Key: Key{
			Hash:     binary.LittleEndian.Uint64(buf[0:]),
			Revision: binary.LittleEndian.Uint64(buf[8:]),
		},
		Position: binary.LittleEndian.Uint64(buf[16:]),
	}, nil
}

// window narrows the entry index range containing key via the sparse index
func (t *SSTable) window(key Key) (uint64, uint64) {
	lo, hi := 0, len(t.sparse)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.sparse[mid].key.Less(key) || t.sparse[mid].key == key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	// lo is the first anchor > key; the window starts at the previous one
	start := uint64(0)
	if lo > 0 {
		start = (t.sparse[lo-1].offset - tableHeader) / entrySize
	}
	end := t.Count
	if lo < len(t.sparse) {
		end = (t.sparse[lo].offset - tableHeader) / entrySize
	}
	return start, end
}

// lowerBound returns the index of the first entry with key >= target
func (t *SSTable) lowerBound(target Key) (uint64, error) {
	lo, hi := t.window(target)
	for lo < hi {
		mid := (lo + hi) / 2
		e, err := t.entryAt(mid)
		if err != nil {
			return 0, err
		}
		if e.Key.Less(target) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// Get performs a point lookup: bloom check, sparse-index binary search,
// then binary search between the anchors
func (t *SSTable) Get(key Key) (uint64, bool, error) {
	if t.Count == 0 || key.Less(t.Min) || t.Max.Less(key) {
		return 0, false, nil
	}
	if !t.bloom.MayContain(key.Hash) {
		return 0, false, nil
	}
	idx, err := t.lowerBound(key)
	if err != nil {
		return 0, false, err
	}
	if idx >= t.Count {
		return 0, false, nil
	}
	e, err := t.entryAt(idx)
	if err != nil {
		return 0, false, err
	}
	if e.Key != key {
		return 0, false, nil
	}
	return e.Position, true, nil
}

// MayContainStream reports whether the table could hold entries for the
// given stream hash
func (t *SSTable) MayContainStream(hash uint64) bool {
	if t.Count == 0 || hash < t.Min.Hash || hash > t.Max.Hash {
		return false
	}
	return t.bloom.MayContain(hash)
}

// Range returns an iterator over entries with from <= key <= to
func (t *SSTable) Range(from, to Key) Iterator {
	return &tableIterator{t: t, from: from, to: to}
}

// Iter returns an iterator over the whole table
func (t *SSTable) Iter() Iterator {
	return t.Range(Key{}, Key{Hash: ^uint64(0), Revision: ^uint64(0)})
}

type tableIterator struct {
	t       *SSTable
	from    Key
	to      Key
	idx     uint64
	started bool
	batch   []Entry
	batchAt int
	entry   Entry
	err     error
}

func (it *tableIterator) fill() bool {
	if it.idx >= it.t.Count {
		return false
	}
	n := uint64(iterBatchSize)
	if it.idx+n > it.t.Count {
		n = it.t.Count - it.idx
	}
	raw := make([]byte, n*entrySize)
	if _, err := it.t.file.ReadAt(raw, int64(tableHeader+it.idx*entrySize)); err != nil {
		it.err = serrors.IO(fmt.Sprintf("sstable %s: failed to read entries", it.t.Path), err)
		return false
	}
	it.batch = it.batch[:0]
	for off := uint64(0); off < n; off++ {
		b := raw[off*entrySize:]
		it.batch = append(it.batch, Entry{
			Key: Key{
				Hash:     binary.LittleEndian.Uint64(b[0:]),
				Revision: binary.LittleEndian.Uint64(b[8:]),
			},
			Position: binary.LittleEndian.Uint64(b[16:]),
		})
	}
	it.idx += n
	it.batchAt = 0
	return true
}

func (it *tableIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.started {
		it.started = true
		if it.t.Count == 0 || it.to.Less(it.t.Min) || it.t.Max.Less(it.from) {
			return false
		}
		start, err := it.t.lowerBound(it.from)
		if err != nil {
			it.err = err
			return false
		}
		it.idx = start
	}
	if it.batchAt >= len(it.batch) {
		if !it.fill() {
			return false
		}
	}
	e := it.batch[it.batchAt]
	if it.to.Less(e.Key) {
		return false
	}
	it.batchAt++
	it.entry = e
	return true
}

func (it *tableIterator) Entry() Entry {
	return it.entry
}

func (it *tableIterator) Err() error {
	return it.err
}
