package chain

import (
	"path/filepath"
	"testing"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendN(t *testing.T, w Writer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		h, err := Next(w, uint64(1000+i))
		require.NoError(t, err)
		require.NoError(t, w.Append(h))
	}
}

// TestMemChain tests appends and lookups on the in-memory chain.
func TestMemChain(t *testing.T) {
	c := NewMemChain()
	assert.Equal(t, types.Height(0), c.Height())
	appendN(t, c, 3)
	assert.Equal(t, types.Height(3), c.Height())

	h2, err := c.Header(2)
	require.NoError(t, err)
	h1, err := c.Header(1)
	require.NoError(t, err)
	assert.Equal(t, h1.Hash, h2.Prev)

	_, err = c.Header(4)
	assert.ErrorIs(t, err, ErrHeaderNotFound)
	_, err = c.Header(0)
	assert.ErrorIs(t, err, ErrHeaderNotFound)

	err = c.Append(&Header{Height: 7})
	assert.ErrorIs(t, err, ErrNotContiguous)
}

// TestBoltChainPersists tests that the tip and headers survive reopen.
func TestBoltChainPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain", "headers.db")
	c, err := Open(DefaultConfig(path))
	require.NoError(t, err)
	appendN(t, c, 5)
	want, err := c.Header(5)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = Open(DefaultConfig(path))
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, types.Height(5), c.Height())
	got, err := c.Header(5)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// TestHeaderEncoding tests the fixed header layout.
func TestHeaderEncoding(t *testing.T) {
	h := &Header{Height: 9, Timestamp: 77, Hash: types.Hash{1}, Prev: types.Hash{2}}
	buf := h.Encode()
	assert.Len(t, buf, HeaderSize)
	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = DecodeHeader(buf[:10])
	assert.Error(t, err)
}
