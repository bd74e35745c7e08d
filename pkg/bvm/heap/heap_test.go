package heap

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkInvariants verifies that entries tile [0, size) without gaps or
// overlaps, that no two free entries are adjacent, and that the byte
// accounting matches.
func checkInvariants(t *testing.T, h *Heap) {
	t.Helper()
	var next, used uint32
	prevFree := false
	free := 0
	for _, e := range h.Entries() {
		require.Equal(t, next, e.Addr, "gap or overlap at 0x%x", e.Addr)
		require.NotZero(t, e.Size)
		if e.Free {
			require.False(t, prevFree, "adjacent free entries at 0x%x", e.Addr)
			free++
		} else {
			used += e.Size
		}
		prevFree = e.Free
		next = e.Addr + e.Size
	}
	require.Equal(t, h.Size(), next)
	require.Equal(t, used, h.Used())
	require.Equal(t, free, h.FreeEntries())
}

// TestAllocBestFit tests that the smallest fitting free entry is chosen.
func TestAllocBestFit(t *testing.T) {
	h := New(1024)
	a, ok := h.Alloc(64)
	require.True(t, ok)
	b, ok := h.Alloc(16)
	require.True(t, ok)
	c, ok := h.Alloc(64)
	require.True(t, ok)
	_, ok = h.Alloc(8)
	require.True(t, ok)

	// Free holes of 64 (a) and 64 (c); b stays allocated between them.
	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(c))
	_ = b

	// A 16-byte request must reuse the lowest-address 64-byte hole, not the
	// large tail.
	d, ok := h.Alloc(16)
	require.True(t, ok)
	assert.Equal(t, a, d)
	checkInvariants(t, h)
}

// TestAllocExhaustion tests that an oversize request fails without side effects.
func TestAllocExhaustion(t *testing.T) {
	h := New(256)
	_, ok := h.Alloc(257)
	assert.False(t, ok)

	a, ok := h.Alloc(256)
	require.True(t, ok)
	assert.Equal(t, uint32(0), a)
	_, ok = h.Alloc(1)
	assert.False(t, ok)
	checkInvariants(t, h)

	_, ok = h.Alloc(^uint32(0))
	assert.False(t, ok)
}

// TestAllocAlignment tests rounding of request sizes.
func TestAllocAlignment(t *testing.T) {
	h := New(128)
	a, _ := h.Alloc(1)
	b, _ := h.Alloc(0)
	c, _ := h.Alloc(9)
	assert.Equal(t, uint32(0), a)
	assert.Equal(t, uint32(8), b)
	assert.Equal(t, uint32(16), c)
	sz, ok := h.BlockSize(c)
	require.True(t, ok)
	assert.Equal(t, uint32(16), sz)
}

// TestFreeInvalid tests that only live block starts can be freed.
func TestFreeInvalid(t *testing.T) {
	h := New(128)
	a, _ := h.Alloc(32)

	assert.ErrorIs(t, h.Free(a+8), ErrBadFree)
	require.NoError(t, h.Free(a))
	assert.ErrorIs(t, h.Free(a), ErrBadFree, "double free")
	assert.ErrorIs(t, h.Free(4096), ErrBadFree)
}

// TestCoalesceEitherOrder tests that freeing two adjacent blocks in either
// order yields a single free entry covering both.
func TestCoalesceEitherOrder(t *testing.T) {
	for _, order := range [][2]int{{0, 1}, {1, 0}} {
		h := New(96)
		blocks := make([]uint32, 3)
		for i := range blocks {
			blocks[i], _ = h.Alloc(32)
		}
		// Keep the last block so the pair cannot merge with a free tail.
		require.NoError(t, h.Free(blocks[order[0]]))
		require.NoError(t, h.Free(blocks[order[1]]))

		entries := h.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, Entry{Addr: 0, Size: 64, Free: true}, entries[0])
		checkInvariants(t, h)
	}
}

// TestCoalesceThreeChain tests that three adjacent free blocks collapse into
// one entry regardless of free order.
func TestCoalesceThreeChain(t *testing.T) {
	perms := [][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, p := range perms {
		h := New(128)
		var blocks [4]uint32
		for i := range blocks {
			blocks[i], _ = h.Alloc(32)
		}
		for _, i := range p {
			require.NoError(t, h.Free(blocks[i]))
			checkInvariants(t, h)
		}
		entries := h.Entries()
		require.Len(t, entries, 2, "order %v", p)
		assert.Equal(t, Entry{Addr: 0, Size: 96, Free: true}, entries[0], "order %v", p)

		// Releasing the last block restores the initial single entry.
		require.NoError(t, h.Free(blocks[3]))
		assert.Equal(t, []Entry{{Addr: 0, Size: 128, Free: true}}, h.Entries())
	}
}

// TestRandomNonOverlap runs a seeded random Alloc/Free sequence and checks
// that live ranges never overlap and the heap fully coalesces at the end.
func TestRandomNonOverlap(t *testing.T) {
	const size = 1 << 16
	rng := rand.New(rand.NewSource(42))
	h := New(size)
	live := map[uint32]uint32{}

	for step := 0; step < 5000; step++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			for addr := range live {
				require.NoError(t, h.Free(addr))
				delete(live, addr)
				break
			}
		} else {
			n := uint32(rng.Intn(700) + 1)
			addr, ok := h.Alloc(n)
			if !ok {
				continue
			}
			sz, _ := h.BlockSize(addr)
			require.GreaterOrEqual(t, sz, n)
			live[addr] = sz
		}

		if step%97 == 0 {
			checkInvariants(t, h)
			addrs := make([]uint32, 0, len(live))
			for a := range live {
				addrs = append(addrs, a)
			}
			sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
			for i := 1; i < len(addrs); i++ {
				require.LessOrEqual(t, addrs[i-1]+live[addrs[i-1]], addrs[i], "overlap")
			}
		}
	}

	for addr := range live {
		require.NoError(t, h.Free(addr))
	}
	assert.Equal(t, []Entry{{Addr: 0, Size: size, Free: true}}, h.Entries())
	assert.Zero(t, h.Used())
}
