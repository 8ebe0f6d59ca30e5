package bufcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"blockbtree/pkg/cache"
)

const testBlockSize = 64

func TestGetBlockGrowsFileAndPersists(t *testing.T) {
	c, err := Open(t.TempDir(), testBlockSize, nil)
	require.NoError(t, err)
	defer c.Close()

	h, err := c.GetBlock(1, 2, cache.LockExclusive, cache.AllowIO)
	require.NoError(t, err)
	require.Len(t, h.Bytes(), testBlockSize)

	copy(h.Bytes(), []byte("hello block"))
	c.MarkDirty(h)
	c.Release(h, true)

	require.NoError(t, c.Flush(1))

	h2, err := c.GetBlock(1, 2, cache.LockShared, cache.AllowIO)
	require.NoError(t, err)
	require.Equal(t, "hello block", string(h2.Bytes()[:len("hello block")]))
	c.Release(h2, false)
}

func TestGetBlockPreferResidentFailsWhenAbsent(t *testing.T) {
	c, err := Open(t.TempDir(), testBlockSize, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetBlock(1, 5, cache.LockShared, cache.PreferResident)
	require.Error(t, err)
}

func TestExtendFileAndFileSizeBlocks(t *testing.T) {
	c, err := Open(t.TempDir(), testBlockSize, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.ExtendFile(1, 10*testBlockSize))

	blocks, err := c.FileSizeBlocks(1, testBlockSize)
	require.NoError(t, err)
	require.EqualValues(t, 10, blocks)

	h, err := c.GetBlock(1, 9, cache.LockExclusive, cache.PreferResident)
	require.NoError(t, err)
	c.Release(h, false)
}

func TestDistinctInodesAreIndependent(t *testing.T) {
	c, err := Open(t.TempDir(), testBlockSize, nil)
	require.NoError(t, err)
	defer c.Close()

	h1, err := c.GetBlock(1, 0, cache.LockExclusive, cache.AllowIO)
	require.NoError(t, err)
	copy(h1.Bytes(), []byte("ino-one"))
	c.Release(h1, true)

	h2, err := c.GetBlock(2, 0, cache.LockExclusive, cache.AllowIO)
	require.NoError(t, err)
	require.NotEqual(t, "ino-one", string(h2.Bytes()[:len("ino-one")]))
	c.Release(h2, true)
}
