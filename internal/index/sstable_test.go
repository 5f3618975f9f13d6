package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-io/strand/internal/serrors"
)

func writeTestTable(t *testing.T, dir string, entries []Entry) *SSTable {
	t.Helper()
	path := filepath.Join(dir, tableFileName(0, 1))
	w, err := NewTableWriter(path, len(entries), 4, DefaultBloomFPR)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Add(e))
	}
	require.NoError(t, w.Finish())

	table, err := OpenTable(path, 1, 0)
	require.NoError(t, err)
	return table
}

func streamEntries(hash uint64, revs int, base uint64) []Entry {
	out := make([]Entry, 0, revs)
	for r := 0; r < revs; r++ {
		out = append(out, Entry{
			Key:      Key{Hash: hash, Revision: uint64(r)},
			Position: base + uint64(r)*32,
		})
	}
	return out
}

func TestSSTableGet(t *testing.T) {
	dir := t.TempDir()
	entries := append(streamEntries(10, 50, 1000), streamEntries(20, 50, 9000)...)
	table := writeTestTable(t, dir, entries)
	defer table.release()

	pos, ok, err := table.Get(Key{Hash: 10, Revision: 17})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1000+17*32), pos)

	pos, ok, err = table.Get(Key{Hash: 20, Revision: 0})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(9000), pos)

	_, ok, err = table.Get(Key{Hash: 10, Revision: 50})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = table.Get(Key{Hash: 15, Revision: 0})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSSTableRangeScan(t *testing.T) {
	dir := t.TempDir()
	table := writeTestTable(t, dir, streamEntries(10, 100, 0))
	defer table.release()

	it := table.Range(Key{Hash: 10, Revision: 25}, Key{Hash: 10, Revision: 40})
	var revs []uint64
	for it.Next() {
		revs = append(revs, it.Entry().Key.Revision)
	}
	require.NoError(t, it.Err())
	require.Len(t, revs, 16)
	assert.Equal(t, uint64(25), revs[0])
	assert.Equal(t, uint64(40), revs[len(revs)-1])
}

func TestSSTableBloomSkipsAbsentStream(t *testing.T) {
	dir := t.TempDir()
	table := writeTestTable(t, dir, streamEntries(10, 500, 0))
	defer table.release()

	assert.True(t, table.MayContainStream(10))
	// Out of the [min,max] hash range entirely
	assert.False(t, table.MayContainStream(99))
}

func TestOpenTableRejectsCorruptFooter(t *testing.T) {
	dir := t.TempDir()
	table := writeTestTable(t, dir, streamEntries(10, 10, 0))
	path := table.Path
	table.release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = OpenTable(path, 1, 0)
	require.Error(t, err)
	assert.Equal(t, serrors.CodeCorruption, serrors.CodeOf(err))
}

func TestTableWriterRejectsOutOfOrderKeys(t *testing.T) {
	dir := t.TempDir()
	w, err := NewTableWriter(filepath.Join(dir, "out-of-order.sst"), 4, 4, DefaultBloomFPR)
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.Add(Entry{Key: Key{Hash: 5, Revision: 1}}))
	assert.Error(t, w.Add(Entry{Key: Key{Hash: 5, Revision: 0}}))
}

func TestObsoleteTableDeletedAfterLastRelease(t *testing.T) {
	dir := t.TempDir()
	table := writeTestTable(t, dir, streamEntries(10, 10, 0))
	path := table.Path

	table.retain() // reader snapshot
	table.markObsolete()
	table.release() // live set drops it

	_, err := os.Stat(path)
	assert.NoError(t, err, "file must survive while a reader holds it")

	table.release() // reader lets go
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestBloomFilterRoundTrip(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for h := uint64(0); h < 1000; h += 10 {
		bf.Add(h)
	}

	loaded, ok := UnmarshalBloomFilter(bf.Marshal())
	require.True(t, ok)
	for h := uint64(0); h < 1000; h += 10 {
		assert.True(t, loaded.MayContain(h))
	}
}
