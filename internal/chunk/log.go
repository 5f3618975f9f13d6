package chunk

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/strand-io/strand/internal/serrors"
	"github.com/strand-io/strand/internal/util"
)

const (
	// DefaultMaxChunkSize is the default physical chunk file size cap
	DefaultMaxChunkSize = 256 * 1024 * 1024

	// frameOverhead is the length prefix plus the trailing CRC
	frameOverhead = 8

	checkpointFile = "CHECKPOINT"
)

// Config holds chunk log configuration
type Config struct {
	MaxChunkSize uint64
}

// chunkFile is one open chunk of the logical log
type chunkFile struct {
	header   Header
	file     *os.File
	path     string
	bodySize uint64
	records  uint64
	sealed   bool
}

func (c *chunkFile) endPos() uint64 {
	return c.header.StartPos + c.bodySize
}

// Log is the append-only sequence of chunk files forming one logical
// byte-addressable log. A single writer appends under the ingestion
// mutex; sealed chunks and the committed prefix of the active chunk are
// readable concurrently via positional reads.
type Log struct {
	dir     string
	maxSize uint64
	maxBody uint64
	logger  *zap.Logger

	mu     sync.RWMutex // guards chunks slice and active-chunk mutation
	chunks []*chunkFile

	nextPos    uint64
	checkpoint atomic.Uint64
}

// Open opens or creates the chunk log in dir, recovering the tail chunk
// by truncating at the last valid frame boundary.
func Open(dir string, cfg Config, logger *zap.Logger) (*Log, error) {
	if cfg.MaxChunkSize == 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	if cfg.MaxChunkSize <= HeaderSize+FooterSize+frameOverhead {
		return nil, fmt.Errorf("max chunk size %d too small", cfg.MaxChunkSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	l := &Log{
		dir:     dir,
		maxSize: cfg.MaxChunkSize,
		maxBody: cfg.MaxChunkSize - HeaderSize - FooterSize,
		logger:  logger,
	}

	if err := l.loadChunks(); err != nil {
		return nil, err
	}

	if len(l.chunks) == 0 {
		if err := l.openNewChunk(0, 0); err != nil {
			return nil, err
		}
	} else if tail := l.chunks[len(l.chunks)-1]; tail.sealed {
		// Crashed after sealing but before opening the successor
		if err := l.openNewChunk(tail.header.Seq+1, tail.endPos()); err != nil {
			return nil, err
		}
	}

	tail := l.chunks[len(l.chunks)-1]
	l.nextPos = tail.endPos()
	l.checkpoint.Store(l.nextPos)

	l.logger.Info("Chunk log opened",
		zap.Int("chunks", len(l.chunks)),
		zap.Uint64("next_position", l.nextPos))

	return l, nil
}

func (l *Log) chunkPath(seq uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("chunk-%06d.log", seq))
}

func (l *Log) loadChunks() error {
	paths, err := filepath.Glob(filepath.Join(l.dir, "chunk-*.log"))
	if err != nil {
		return fmt.Errorf("failed to list chunk files: %w", err)
	}
	sort.Strings(paths)

	for i, path := range paths {
		c, err := l.openExisting(path)
		if err != nil {
			return err
		}
		if c.header.Seq != uint64(i) {
			return serrors.Corruption(
				fmt.Sprintf("chunk %s: sequence %d out of order", path, c.header.Seq), nil)
		}
		if i > 0 {
			prev := l.chunks[i-1]
			if c.header.StartPos != prev.endPos() {
				return serrors.Corruption(
					fmt.Sprintf("chunk %s: start position %d does not continue previous chunk",
						path, c.header.StartPos), nil)
			}
		}
		tail := i == len(paths)-1
		if !c.sealed && !tail {
			return serrors.Corruption(
				fmt.Sprintf("chunk %s: missing footer on a non-tail chunk", path), nil)
		}
		if !c.sealed {
			if err := l.replayTail(c); err != nil {
				return err
			}
		}
		l.chunks = append(l.chunks, c)
	}
	return nil
}

func (l *Log) openExisting(path string) (*chunkFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, serrors.IO(fmt.Sprintf("failed to open chunk %s", path), err)
	}

	hdr := make([]byte, HeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, serrors.Corruption(fmt.Sprintf("chunk %s: unreadable header", path), err)
	}
	header, err := DecodeHeader(hdr)
	if err != nil {
		f.Close()
		return nil, err
	}

	c := &chunkFile{header: header, file: f, path: path}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, serrors.IO(fmt.Sprintf("failed to stat chunk %s", path), err)
	}
	if info.Size() >= HeaderSize+FooterSize {
		ftr := make([]byte, FooterSize)
		if _, err := f.ReadAt(ftr, info.Size()-FooterSize); err == nil {
			if footer, ok := DecodeFooter(ftr); ok {
				c.sealed = true
				c.bodySize = footer.BodySize
				c.records = footer.RecordCount
				if info.Size() < HeaderSize+int64(c.bodySize)+FooterSize {
					f.Close()
					return nil, serrors.Corruption(
						fmt.Sprintf("chunk %s: file shorter than sealed body", path), nil)
				}
			}
		}
	}
	return c, nil
}

// replayTail walks the tail chunk frame by frame and truncates it at the
// last valid frame boundary. Torn writes at the tail are expected after a
// crash and are not fatal.
func (l *Log) replayTail(c *chunkFile) error {
	info, err := c.file.Stat()
	if err != nil {
		return serrors.IO(fmt.Sprintf("failed to stat chunk %s", c.path), err)
	}
	fileSize := uint64(info.Size())
	if fileSize < HeaderSize {
		fileSize = HeaderSize
	}

	var off, records uint64
	lenBuf := make([]byte, 4)
	for {
		frameStart := HeaderSize + off
		if frameStart+frameOverhead > fileSize {
			break
		}
		if _, err := c.file.ReadAt(lenBuf, int64(frameStart)); err != nil {
			break
		}
		length := uint64(binary.LittleEndian.Uint32(lenBuf))
		if length == 0 || off+frameOverhead+length > l.maxBody {
			break
		}
		if frameStart+frameOverhead+length > fileSize {
			break
		}
		body := make([]byte, length+4)
		if _, err := c.file.ReadAt(body, int64(frameStart+4)); err != nil {
			break
		}
		payload, crcBuf := body[:length], body[length:]
		if util.ComputeChecksum2(lenBuf, payload) != binary.LittleEndian.Uint32(crcBuf) {
			break
		}
		off += frameOverhead + length
		records++
	}

	if HeaderSize+off != fileSize {
		l.logger.Warn("Truncating torn tail chunk",
			zap.String("path", c.path),
			zap.Uint64("valid_body", off),
			zap.Uint64("file_size", fileSize))
		if err := c.file.Truncate(int64(HeaderSize + off)); err != nil {
			return serrors.IO(fmt.Sprintf("failed to truncate chunk %s", c.path), err)
		}
		if err := c.file.Sync(); err != nil {
			return serrors.IO(fmt.Sprintf("failed to sync truncated chunk %s", c.path), err)
		}
	}

	c.bodySize = off
	c.records = records
	return nil
}

func (l *Log) openNewChunk(seq, startPos uint64) error {
	path := l.chunkPath(seq)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return serrors.IO(fmt.Sprintf("failed to create chunk %s", path), err)
	}

	header := newHeader(seq, startPos, l.maxSize)
	if _, err := f.WriteAt(header.Encode(), 0); err != nil {
		f.Close()
		return serrors.IO(fmt.Sprintf("failed to write chunk header %s", path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return serrors.IO(fmt.Sprintf("failed to sync chunk header %s", path), err)
	}

	l.chunks = append(l.chunks, &chunkFile{header: header, file: f, path: path})

	l.logger.Info("Opened new chunk",
		zap.Uint64("seq", seq),
		zap.Uint64("start_position", startPos))
	return nil
}

// seal writes the footer of the active chunk, syncs it, and opens the
// successor whose start position continues the logical log.
func (l *Log) seal() error {
	active := l.chunks[len(l.chunks)-1]
	footer := Footer{
		Flags:       footerFlagCompleted,
		BodySize:    active.bodySize,
		LastPos:     active.endPos(),
		RecordCount: active.records,
	}
	if _, err := active.file.WriteAt(footer.Encode(), int64(HeaderSize+active.bodySize)); err != nil {
		return serrors.IO(fmt.Sprintf("failed to write chunk footer %s", active.path), err)
	}
	if err := active.file.Sync(); err != nil {
		return serrors.IO(fmt.Sprintf("failed to sync sealed chunk %s", active.path), err)
	}
	active.sealed = true

	l.logger.Info("Sealed chunk",
		zap.Uint64("seq", active.header.Seq),
		zap.Uint64("records", active.records),
		zap.Uint64("end_position", active.endPos()))

	return l.openNewChunk(active.header.Seq+1, active.endPos())
}

// Append writes one framed record and returns the logical position at
// which the frame's payload begins. The caller must Flush before treating
// the position as durable.
func (l *Log) Append(record []byte) (uint64, error) {
	if len(record) == 0 {
		return 0, serrors.IO("refusing to append empty record", nil)
	}
	frameLen := frameOverhead + uint64(len(record))
	if frameLen > l.maxBody {
		return 0, serrors.IO(
			fmt.Sprintf("record of %d bytes exceeds max chunk body %d", len(record), l.maxBody), nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	active := l.chunks[len(l.chunks)-1]
	if active.bodySize+frameLen > l.maxBody {
		if err := l.seal(); err != nil {
			return 0, err
		}
		active = l.chunks[len(l.chunks)-1]
	}

	frame := make([]byte, frameLen)
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(record)))
	copy(frame[4:], record)
	crc := util.ComputeChecksum(frame[:4+len(record)])
	binary.LittleEndian.PutUint32(frame[4+len(record):], crc)

	writeOff := int64(HeaderSize + active.bodySize)
	if _, err := active.file.WriteAt(frame, writeOff); err != nil {
		// Roll the file back so the attempted position is never observable
		if terr := active.file.Truncate(writeOff); terr != nil {
			return 0, serrors.IO("chunk write failed and rollback truncate failed", err)
		}
		return 0, serrors.IO("failed to append record", err)
	}

	pos := active.endPos() + 4
	active.bodySize += frameLen
	active.records++
	l.nextPos = active.endPos()
	return pos, nil
}

// Flush fsyncs the active chunk and advances the durable checkpoint. It
// must be called before acknowledging a commit and before advancing the
// index.
func (l *Log) Flush() error {
	l.mu.Lock()
	active := l.chunks[len(l.chunks)-1]
	next := l.nextPos
	l.mu.Unlock()

	if err := active.file.Sync(); err != nil {
		return serrors.IO("failed to sync active chunk", err)
	}
	l.checkpoint.Store(next)
	l.writeCheckpointFile(next)
	return nil
}

// writeCheckpointFile persists the advisory checkpoint. Recovery scans
// the chunks regardless, so failures are logged and ignored.
func (l *Log) writeCheckpointFile(pos uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, pos)
	tmp := filepath.Join(l.dir, checkpointFile+".tmp")
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		l.logger.Warn("Failed to write checkpoint file", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, filepath.Join(l.dir, checkpointFile)); err != nil {
		l.logger.Warn("Failed to rename checkpoint file", zap.Error(err))
	}
}

// Checkpoint returns the highest durably-committed position
func (l *Log) Checkpoint() uint64 {
	return l.checkpoint.Load()
}

// locate returns the chunk whose logical range contains pos. Position
// pos here is a frame-interior offset; boundary positions resolve to the
// chunk that starts at them.
func (l *Log) locate(pos uint64) (*chunkFile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx := sort.Search(len(l.chunks), func(i int) bool {
		return l.chunks[i].header.StartPos > pos
	})
	if idx == 0 {
		return nil, false
	}
	c := l.chunks[idx-1]
	if pos >= c.header.StartPos+c.bodySize && !c.sealed {
		// Boundary position in the active chunk: valid only as a scan start
		if pos == c.header.StartPos+c.bodySize {
			return c, true
		}
		return nil, false
	}
	return c, true
}

// readFrame reads and validates one frame whose payload begins at pos
func (l *Log) readFrame(c *chunkFile, pos uint64) ([]byte, uint64, error) {
	// Sealed chunks are immutable; the active chunk is readable only up
	// to the durable checkpoint, which never races with the writer.
	var limit uint64
	if c.sealed {
		limit = c.header.StartPos + c.bodySize
	} else {
		limit = l.checkpoint.Load()
	}
	if pos < c.header.StartPos+4 || pos+4 > limit {
		return nil, 0, serrors.Corruption(
			fmt.Sprintf("position %d outside chunk %d bounds", pos, c.header.Seq), nil)
	}

	physOff := int64(HeaderSize + (pos - 4 - c.header.StartPos))
	lenBuf := make([]byte, 4)
	if _, err := c.file.ReadAt(lenBuf, physOff); err != nil {
		return nil, 0, serrors.IO(fmt.Sprintf("failed to read frame at %d", pos), err)
	}
	length := uint64(binary.LittleEndian.Uint32(lenBuf))
	if length == 0 || pos+length+4 > limit {
		return nil, 0, serrors.Corruption(
			fmt.Sprintf("frame at %d: length %d out of bounds", pos, length), nil)
	}

	body := make([]byte, length+4)
	if _, err := c.file.ReadAt(body, physOff+4); err != nil {
		return nil, 0, serrors.IO(fmt.Sprintf("failed to read frame body at %d", pos), err)
	}
	payload, crcBuf := body[:length], body[length:]
	if util.ComputeChecksum2(lenBuf, payload) != binary.LittleEndian.Uint32(crcBuf) {
		return nil, 0, serrors.Corruption(fmt.Sprintf("frame at %d: checksum mismatch", pos), nil)
	}
	return payload, pos - 4 + frameOverhead + length, nil
}

// ReadAt reads one framed record whose payload begins at pos
func (l *Log) ReadAt(pos uint64) ([]byte, error) {
	c, ok := l.locate(pos - 4)
	if !ok {
		return nil, serrors.Corruption(fmt.Sprintf("position %d not in any chunk", pos), nil)
	}
	payload, _, err := l.readFrame(c, pos)
	return payload, err
}

// Scan iterates committed frames starting at the frame boundary from,
// calling fn with each payload position and payload. Iteration stops at
// the durable checkpoint or on the first error from fn.
func (l *Log) Scan(from uint64, fn func(pos uint64, payload []byte) error) error {
	end := l.checkpoint.Load()
	cur := from
	for cur < end {
		c, ok := l.locate(cur)
		if !ok {
			return serrors.Corruption(fmt.Sprintf("scan position %d not in any chunk", cur), nil)
		}
		if cur == c.header.StartPos+c.bodySize {
			// Boundary at chunk end: continue in the successor
			cur = c.endPos()
			continue
		}
		payload, next, err := l.readFrame(c, cur+4)
		if err != nil {
			return err
		}
		if err := fn(cur+4, payload); err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// TruncateTo rolls the log back to an unflushed frame boundary, undoing
// every append past it. It cannot cross the durable checkpoint. Chunks
// sealed by the rolled-back appends are reopened or removed.
func (l *Log) TruncateTo(boundary uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if boundary > l.nextPos {
		return fmt.Errorf("truncate boundary %d beyond log end %d", boundary, l.nextPos)
	}
	if boundary < l.checkpoint.Load() {
		return fmt.Errorf("truncate boundary %d below durable checkpoint %d", boundary, l.checkpoint.Load())
	}
	if boundary == l.nextPos {
		return nil
	}

	for {
		active := l.chunks[len(l.chunks)-1]
		if boundary >= active.header.StartPos {
			break
		}
		active.file.Close()
		os.Remove(active.path)
		l.chunks = l.chunks[:len(l.chunks)-1]
		l.chunks[len(l.chunks)-1].sealed = false
	}

	active := l.chunks[len(l.chunks)-1]
	if err := active.file.Truncate(int64(HeaderSize + (boundary - active.header.StartPos))); err != nil {
		return serrors.IO("failed to truncate chunk during rollback", err)
	}
	active.sealed = false
	if err := l.replayTail(active); err != nil {
		return err
	}
	l.nextPos = active.endPos()
	return nil
}

// ChunkCount returns the number of chunk files
func (l *Log) ChunkCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chunks)
}

// Close syncs and closes all chunk files
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, c := range l.chunks {
		if !c.sealed {
			if err := c.file.Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := c.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
