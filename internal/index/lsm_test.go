package index

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		MemTableCap:        64,
		L0CompactThreshold: 2,
		L0HardCap:          8,
		BaseLevelSize:      1 << 20,
		CompactionInterval: 50 * time.Millisecond,
		StallTimeout:       5 * time.Second,
	}
}

func openTestLSM(t *testing.T, dir string, cfg Config) (*LSM, bool) {
	t.Helper()
	l, ok, err := Open(dir, cfg, zap.NewNop())
	require.NoError(t, err)
	return l, ok
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestLSMPutGet(t *testing.T) {
	l, ok := openTestLSM(t, t.TempDir(), testConfig())
	require.False(t, ok, "fresh directory has no manifest")
	defer l.Close()

	require.NoError(t, l.Put(Key{Hash: 1, Revision: 0}, 100))
	require.NoError(t, l.Put(Key{Hash: 1, Revision: 1}, 200))

	pos, found, err := l.Get(Key{Hash: 1, Revision: 1})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(200), pos)

	_, found, err = l.Get(Key{Hash: 2, Revision: 0})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLSMGetAfterFlush(t *testing.T) {
	l, _ := openTestLSM(t, t.TempDir(), testConfig())
	defer l.Close()

	// Overflow the memtable cap to force a rotation and flush
	for i := uint64(0); i < 200; i++ {
		require.NoError(t, l.Put(Key{Hash: i % 5, Revision: i / 5}, i*8))
	}
	waitFor(t, 5*time.Second, func() bool {
		st := l.Stats()
		return !st.FrozenPending && st.TablesPerLevel[0] > 0
	})

	for i := uint64(0); i < 200; i++ {
		pos, found, err := l.Get(Key{Hash: i % 5, Revision: i / 5})
		require.NoError(t, err)
		require.True(t, found, "entry %d", i)
		assert.Equal(t, i*8, pos)
	}
}

func TestLSMRangeAcrossLayers(t *testing.T) {
	l, _ := openTestLSM(t, t.TempDir(), testConfig())
	defer l.Close()

	// Revisions 0-63 end up in an sstable, 64-99 stay in memory
	for rev := uint64(0); rev < 64; rev++ {
		require.NoError(t, l.Put(Key{Hash: 9, Revision: rev}, rev))
	}
	require.NoError(t, l.FlushAll())
	for rev := uint64(64); rev < 100; rev++ {
		require.NoError(t, l.Put(Key{Hash: 9, Revision: rev}, rev))
	}

	it := l.Range(9, 0, 99)
	defer it.Close()
	var revs []uint64
	for it.Next() {
		revs = append(revs, it.Entry().Key.Revision)
	}
	require.NoError(t, it.Err())
	require.Len(t, revs, 100)
	for i, rev := range revs {
		assert.Equal(t, uint64(i), rev)
	}
}

func TestLSMNewerLayerShadowsOlder(t *testing.T) {
	l, _ := openTestLSM(t, t.TempDir(), testConfig())
	defer l.Close()

	require.NoError(t, l.Put(Key{Hash: 3, Revision: 0}, 111))
	require.NoError(t, l.FlushAll())
	require.NoError(t, l.Put(Key{Hash: 3, Revision: 0}, 222))

	pos, found, err := l.Get(Key{Hash: 3, Revision: 0})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(222), pos)

	it := l.Range(3, 0, 0)
	defer it.Close()
	require.True(t, it.Next())
	assert.Equal(t, uint64(222), it.Entry().Position)
	assert.False(t, it.Next())
}

func TestLSMCompactionMergesL0(t *testing.T) {
	l, _ := openTestLSM(t, t.TempDir(), testConfig())
	defer l.Close()

	for batch := uint64(0); batch < 3; batch++ {
		for rev := uint64(0); rev < 64; rev++ {
			require.NoError(t, l.Put(Key{Hash: batch, Revision: rev}, batch*1000+rev))
		}
		require.NoError(t, l.FlushAll())
	}

	waitFor(t, 10*time.Second, func() bool {
		st := l.Stats()
		return st.TablesPerLevel[0] < 2 && st.TablesPerLevel[1] > 0
	})

	// Every entry survives the merge
	for batch := uint64(0); batch < 3; batch++ {
		for rev := uint64(0); rev < 64; rev++ {
			pos, found, err := l.Get(Key{Hash: batch, Revision: rev})
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, batch*1000+rev, pos)
		}
	}
}

func TestLSMReopenFromManifest(t *testing.T) {
	dir := t.TempDir()
	l, _ := openTestLSM(t, dir, testConfig())

	for rev := uint64(0); rev < 40; rev++ {
		require.NoError(t, l.Put(Key{Hash: 6, Revision: rev}, rev+500))
	}
	l.NoteBoundary(12345)
	require.NoError(t, l.Close())

	l2, ok := openTestLSM(t, dir, testConfig())
	defer l2.Close()
	require.True(t, ok, "manifest must be consistent after clean close")
	assert.Equal(t, uint64(12345), l2.IndexedThrough())

	for rev := uint64(0); rev < 40; rev++ {
		pos, found, err := l2.Get(Key{Hash: 6, Revision: rev})
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, rev+500, pos)
	}
}

func TestLSMMissingManifestTriggersRebuild(t *testing.T) {
	dir := t.TempDir()
	l, _ := openTestLSM(t, dir, testConfig())
	require.NoError(t, l.Put(Key{Hash: 1, Revision: 0}, 1))
	require.NoError(t, l.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, "MANIFEST")))

	l2, ok := openTestLSM(t, dir, testConfig())
	defer l2.Close()
	assert.False(t, ok)
	assert.Equal(t, uint64(0), l2.IndexedThrough())

	// The stale tables are gone; the caller reinserts from the log
	_, found, err := l2.Get(Key{Hash: 1, Revision: 0})
	require.NoError(t, err)
	assert.False(t, found)
}
