package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	c, err := NewMemoryCache(2)
	require.NoError(t, err)

	require.NoError(t, c.Set("a", []byte("aaaa")))
	require.NoError(t, c.Set("b", []byte("bb")))

	data, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("aaaa"), data)

	// "b" is now least recently used
	require.NoError(t, c.Set("c", []byte("c")))
	_, ok = c.Get("b")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(5), stats.SizeBytes)

	require.NoError(t, c.Clear())
	assert.Equal(t, Stats{}, c.Stats())
}

func TestNopCache(t *testing.T) {
	var c Cache = Nop{}
	require.NoError(t, c.Set("k", []byte("v")))
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestPersistentCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()

	c, err := NewPersistentCache(dir, 10, 30)
	require.NoError(t, err)

	key := "https://wms.geo.admin.ch/?TIME=18641231"
	require.NoError(t, c.Set(key, []byte("png-bytes")))

	data, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("png-bytes"), data)

	hash := HashKey(key)
	_, err = os.Stat(filepath.Join(dir, hash[:2], hash+".bin"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// Index survives a restart
	reopened, err := NewPersistentCache(dir, 10, 30)
	require.NoError(t, err)
	defer reopened.Close()

	data, ok = reopened.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, 1, reopened.Stats().Entries)
}

func TestPersistentCacheRebuildsMissingIndex(t *testing.T) {
	dir := t.TempDir()

	c, err := NewPersistentCache(dir, 10, 0)
	require.NoError(t, err)
	require.NoError(t, c.Set("k1", []byte("one")))
	require.NoError(t, c.Set("k2", []byte("three")))
	require.NoError(t, c.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, indexFile)))

	rebuilt, err := NewPersistentCache(dir, 10, 0)
	require.NoError(t, err)
	defer rebuilt.Close()

	stats := rebuilt.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(8), stats.SizeBytes)

	data, ok := rebuilt.Get("k2")
	require.True(t, ok)
	assert.Equal(t, []byte("three"), data)
}

func TestPersistentCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewPersistentCache(t.TempDir(), 1, 0)
	require.NoError(t, err)
	defer c.Close()

	chunk := bytes.Repeat([]byte{1}, 300*1024)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(fmt.Sprintf("k%d", i), chunk))
		time.Sleep(2 * time.Millisecond)
	}
	_, ok := c.Get("k0")
	require.True(t, ok)
	time.Sleep(2 * time.Millisecond)

	// Fourth entry pushes the cache over 1 MB
	require.NoError(t, c.Set("k3", chunk))

	stats := c.Stats()
	assert.LessOrEqual(t, stats.SizeBytes, stats.MaxBytes*8/10)

	_, ok = c.Get("k3")
	assert.True(t, ok, "newest entry must survive eviction")
	_, ok = c.Get("k1")
	assert.False(t, ok, "least recently used entry must be evicted")
}

func TestPersistentCacheClear(t *testing.T) {
	c, err := NewPersistentCache(t.TempDir(), 10, 0)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set("k", []byte("v")))
	require.NoError(t, c.Clear())

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
}
