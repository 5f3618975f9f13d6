package chunk

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strand-io/strand/internal/serrors"
)

func openTestLog(t *testing.T, dir string, maxSize uint64) *Log {
	t.Helper()
	l, err := Open(dir, Config{MaxChunkSize: maxSize}, zap.NewNop())
	require.NoError(t, err)
	return l
}

func TestAppendReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0)
	defer l.Close()

	payload := []byte("hello, log")
	pos, err := l.Append(payload)
	require.NoError(t, err)
	require.NoError(t, l.Flush())

	got, err := l.ReadAt(pos)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, uint64(4), pos)
}

func TestPositionsAreMonotonic(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0)
	defer l.Close()

	var last uint64
	for i := 0; i < 100; i++ {
		pos, err := l.Append([]byte(fmt.Sprintf("record-%03d", i)))
		require.NoError(t, err)
		require.Greater(t, pos, last)
		last = pos
	}
	require.NoError(t, l.Flush())
	assert.Equal(t, l.Checkpoint(), last+uint64(len("record-099"))+4)
}

func TestChunkRotation(t *testing.T) {
	dir := t.TempDir()
	// Tiny chunks force rotation after a handful of records
	l := openTestLog(t, dir, HeaderSize+FooterSize+128)
	defer l.Close()

	var positions []uint64
	payload := bytes.Repeat([]byte("x"), 40)
	for i := 0; i < 10; i++ {
		pos, err := l.Append(payload)
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.NoError(t, l.Flush())
	assert.Greater(t, l.ChunkCount(), 1)

	for _, pos := range positions {
		got, err := l.ReadAt(pos)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestReopenAfterCleanShutdown(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, HeaderSize+FooterSize+128)

	var positions []uint64
	for i := 0; i < 20; i++ {
		pos, err := l.Append([]byte(fmt.Sprintf("record-%03d", i)))
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.NoError(t, l.Flush())
	checkpoint := l.Checkpoint()
	require.NoError(t, l.Close())

	l2 := openTestLog(t, dir, HeaderSize+FooterSize+128)
	defer l2.Close()
	assert.Equal(t, checkpoint, l2.Checkpoint())

	for i, pos := range positions {
		got, err := l2.ReadAt(pos)
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("record-%03d", i)), got)
	}
}

func TestTornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0)

	good, err := l.Append([]byte("committed"))
	require.NoError(t, err)
	require.NoError(t, l.Flush())
	require.NoError(t, l.Close())

	// Simulate a torn write: garbage after the last valid frame
	paths, err := filepath.Glob(filepath.Join(dir, "chunk-*.log"))
	require.NoError(t, err)
	require.Len(t, paths, 1)
	f, err := os.OpenFile(paths[0], os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x13, 0x00, 0x00, 0x00, 0xAA, 0xBB})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2 := openTestLog(t, dir, 0)
	defer l2.Close()

	got, err := l2.ReadAt(good)
	require.NoError(t, err)
	assert.Equal(t, []byte("committed"), got)

	// The torn bytes are gone; the next append lands right after the
	// last valid frame
	next, err := l2.Append([]byte("after-recovery"))
	require.NoError(t, err)
	require.NoError(t, l2.Flush())
	assert.Equal(t, good+uint64(len("committed"))+4+4, next)
}

func TestCorruptSealedChunkIsFatal(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, HeaderSize+FooterSize+64)

	for i := 0; i < 6; i++ {
		_, err := l.Append(bytes.Repeat([]byte("y"), 30))
		require.NoError(t, err)
	}
	require.NoError(t, l.Flush())
	require.Greater(t, l.ChunkCount(), 1)
	require.NoError(t, l.Close())

	// Flip a byte inside the first (sealed) chunk's body
	f, err := os.OpenFile(filepath.Join(dir, "chunk-000000.log"), os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, HeaderSize+6)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := Open(dir, Config{MaxChunkSize: HeaderSize + FooterSize + 64}, zap.NewNop())
	if err == nil {
		// Corruption surfaces on read if the open scan did not touch it
		var readErr error
		for pos := uint64(4); pos < 40; pos += 38 {
			if _, e := l2.ReadAt(pos); e != nil {
				readErr = e
				break
			}
		}
		l2.Close()
		require.Error(t, readErr)
		assert.Equal(t, serrors.CodeCorruption, serrors.CodeOf(readErr))
	}
}

func TestTruncateToRollsBackUnflushedAppends(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0)
	defer l.Close()

	_, err := l.Append([]byte("durable"))
	require.NoError(t, err)
	require.NoError(t, l.Flush())
	boundary := l.Checkpoint()

	_, err = l.Append([]byte("doomed-1"))
	require.NoError(t, err)
	_, err = l.Append([]byte("doomed-2"))
	require.NoError(t, err)

	require.NoError(t, l.TruncateTo(boundary))

	// The next append reuses the rolled-back space
	pos, err := l.Append([]byte("replacement"))
	require.NoError(t, err)
	require.NoError(t, l.Flush())
	assert.Equal(t, boundary+4, pos)

	got, err := l.ReadAt(pos)
	require.NoError(t, err)
	assert.Equal(t, []byte("replacement"), got)
}

func TestTruncateToCannotCrossCheckpoint(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0)
	defer l.Close()

	_, err := l.Append([]byte("durable"))
	require.NoError(t, err)
	require.NoError(t, l.Flush())

	assert.Error(t, l.TruncateTo(0))
}

func TestScanVisitsAllCommittedFrames(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, HeaderSize+FooterSize+128)
	defer l.Close()

	want := make(map[uint64][]byte)
	for i := 0; i < 15; i++ {
		payload := []byte(fmt.Sprintf("scan-record-%02d", i))
		pos, err := l.Append(payload)
		require.NoError(t, err)
		want[pos] = payload
	}
	require.NoError(t, l.Flush())

	got := make(map[uint64][]byte)
	err := l.Scan(0, func(pos uint64, payload []byte) error {
		got[pos] = append([]byte(nil), payload...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCheckpointFileWritten(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0)
	defer l.Close()

	_, err := l.Append([]byte("record"))
	require.NoError(t, err)
	require.NoError(t, l.Flush())

	_, err = os.Stat(filepath.Join(dir, "CHECKPOINT"))
	assert.NoError(t, err)
}
