package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemTablePutGet(t *testing.T) {
	m := NewMemTable()
	require.True(t, m.Put(Key{Hash: 7, Revision: 0}, 100))
	require.True(t, m.Put(Key{Hash: 7, Revision: 1}, 200))
	require.True(t, m.Put(Key{Hash: 3, Revision: 0}, 300))

	pos, ok := m.Get(Key{Hash: 7, Revision: 1})
	require.True(t, ok)
	assert.Equal(t, uint64(200), pos)

	_, ok = m.Get(Key{Hash: 7, Revision: 2})
	assert.False(t, ok)
	assert.Equal(t, 3, m.Len())
}

func TestMemTableIterationIsSorted(t *testing.T) {
	m := NewMemTable()
	keys := []Key{
		{Hash: 9, Revision: 1},
		{Hash: 2, Revision: 5},
		{Hash: 9, Revision: 0},
		{Hash: 2, Revision: 3},
		{Hash: 5, Revision: 7},
	}
	for i, k := range keys {
		m.Put(k, uint64(i))
	}

	it := m.Iter()
	var got []Key
	for it.Next() {
		got = append(got, it.Entry().Key)
	}
	require.NoError(t, it.Err())
	require.Len(t, got, len(keys))
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Less(got[i]))
	}
}

func TestMemTableRange(t *testing.T) {
	m := NewMemTable()
	for rev := uint64(0); rev < 10; rev++ {
		m.Put(Key{Hash: 4, Revision: rev}, rev*10)
	}
	m.Put(Key{Hash: 3, Revision: 99}, 1)
	m.Put(Key{Hash: 5, Revision: 0}, 2)

	it := m.Range(Key{Hash: 4, Revision: 2}, Key{Hash: 4, Revision: 6})
	var revs []uint64
	for it.Next() {
		assert.Equal(t, uint64(4), it.Entry().Key.Hash)
		revs = append(revs, it.Entry().Key.Revision)
	}
	assert.Equal(t, []uint64{2, 3, 4, 5, 6}, revs)
}

func TestMemTableFreeze(t *testing.T) {
	m := NewMemTable()
	require.True(t, m.Put(Key{Hash: 1, Revision: 0}, 10))
	m.NoteBoundary(64)

	boundary := m.Freeze()
	assert.Equal(t, uint64(64), boundary)
	assert.False(t, m.Put(Key{Hash: 1, Revision: 1}, 20))

	// Reads keep working after freeze
	pos, ok := m.Get(Key{Hash: 1, Revision: 0})
	require.True(t, ok)
	assert.Equal(t, uint64(10), pos)
}

func TestMemTableBoundaryIsMonotonic(t *testing.T) {
	m := NewMemTable()
	m.NoteBoundary(100)
	m.NoteBoundary(50)
	assert.Equal(t, uint64(100), m.Boundary())
}
