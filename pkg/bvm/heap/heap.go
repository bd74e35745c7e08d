// Package heap implements the guest heap allocator.
//
// The heap partitions one fixed address range into entries. Entries live in a
// slab addressed by integer handle; two sorted indices over the handles give
// address order (all entries, used for Free and coalescing) and size order
// (free entries only, used for best-fit allocation).
package heap

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// Alignment is the granularity of every allocation.
const Alignment = 8

var (
	// ErrBadFree is returned when freeing an address that is not the start of
	// a live allocation.
	ErrBadFree = errors.New("free of unallocated address")
)

type handle int32

type entry struct {
	addr uint32
	size uint32
	free bool
}

// Entry is a snapshot of one heap entry.
type Entry struct {
	Addr uint32
	Size uint32
	Free bool
}

// Heap is a best-fit free-list allocator over [0, Size).
type Heap struct {
	size    uint32
	used    uint32
	slab    []entry
	recycle []handle
	byAddr  []handle
	bySize  []handle
}

// New creates a heap with one free entry spanning the whole range.
func New(size uint32) *Heap {
	size &^= Alignment - 1
	h := &Heap{size: size}
	if size > 0 {
		e := h.newEntry(0, size)
		h.byAddr = append(h.byAddr, e)
		h.bySize = append(h.bySize, e)
	}
	return h
}

// Size returns the heap capacity.
func (h *Heap) Size() uint32 {
	return h.size
}

// Used returns the number of allocated bytes.
func (h *Heap) Used() uint32 {
	return h.used
}

// Alloc returns the address of a block of at least n bytes. It picks the
// smallest free entry that fits and splits off the remainder. ok is false
// when no entry is large enough.
func (h *Heap) Alloc(n uint32) (addr uint32, ok bool) {
	need, ok := align(n)
	if !ok {
		return 0, false
	}
	i, _ := slices.BinarySearchFunc(h.bySize, need, func(e handle, need uint32) int {
		return cmp.Compare(h.slab[e].size, need)
	})
	if i == len(h.bySize) {
		return 0, false
	}

	e := h.bySize[i]
	h.bySize = slices.Delete(h.bySize, i, i+1)

	ent := &h.slab[e]
	if rem := ent.size - need; rem > 0 {
		split := h.newEntry(ent.addr+need, rem)
		ent = &h.slab[e] // slab may have grown
		ent.size = need
		h.insertAddr(split)
		h.insertSize(split)
	}
	ent.free = false
	h.used += need
	return ent.addr, true
}

// Free releases the block starting at addr and merges it with free
// neighbours on both sides.
func (h *Heap) Free(addr uint32) error {
	i, found := h.findAddr(addr)
	if !found || h.slab[h.byAddr[i]].free {
		return fmt.Errorf("%w: 0x%x", ErrBadFree, addr)
	}
	e := h.byAddr[i]
	h.slab[e].free = true
	h.used -= h.slab[e].size

	// Forward: the entry starting exactly at our end.
	if i+1 < len(h.byAddr) {
		next := h.byAddr[i+1]
		if h.slab[next].free && h.slab[next].addr == h.slab[e].addr+h.slab[e].size {
			h.removeSize(next)
			h.byAddr = slices.Delete(h.byAddr, i+1, i+2)
			h.slab[e].size += h.slab[next].size
			h.release(next)
		}
	}

	// Backward: the entry immediately before us in address order.
	if i > 0 {
		prev := h.byAddr[i-1]
		if h.slab[prev].free && h.slab[prev].addr+h.slab[prev].size == h.slab[e].addr {
			h.removeSize(prev)
			h.slab[prev].size += h.slab[e].size
			h.byAddr = slices.Delete(h.byAddr, i, i+1)
			h.release(e)
			e = prev
		}
	}

	h.insertSize(e)
	return nil
}

// BlockSize returns the size of the live allocation starting at addr.
func (h *Heap) BlockSize(addr uint32) (uint32, bool) {
	i, found := h.findAddr(addr)
	if !found || h.slab[h.byAddr[i]].free {
		return 0, false
	}
	return h.slab[h.byAddr[i]].size, true
}

// Entries returns all entries in address order.
func (h *Heap) Entries() []Entry {
	out := make([]Entry, len(h.byAddr))
	for i, e := range h.byAddr {
		ent := h.slab[e]
		out[i] = Entry{Addr: ent.addr, Size: ent.size, Free: ent.free}
	}
	return out
}

// FreeEntries returns the number of free entries.
func (h *Heap) FreeEntries() int {
	return len(h.bySize)
}

func align(n uint32) (uint32, bool) {
	if n == 0 {
		n = 1
	}
	a := (uint64(n) + Alignment - 1) &^ (Alignment - 1)
	if a > uint64(^uint32(0)) {
		return 0, false
	}
	return uint32(a), true
}

func (h *Heap) newEntry(addr, size uint32) handle {
	ent := entry{addr: addr, size: size, free: true}
	if n := len(h.recycle); n > 0 {
		e := h.recycle[n-1]
		h.recycle = h.recycle[:n-1]
		h.slab[e] = ent
		return e
	}
	h.slab = append(h.slab, ent)
	return handle(len(h.slab) - 1)
}

func (h *Heap) release(e handle) {
	h.slab[e] = entry{}
	h.recycle = append(h.recycle, e)
}

func (h *Heap) findAddr(addr uint32) (int, bool) {
	return slices.BinarySearchFunc(h.byAddr, addr, func(e handle, addr uint32) int {
		return cmp.Compare(h.slab[e].addr, addr)
	})
}

func (h *Heap) insertAddr(e handle) {
	i, _ := h.findAddr(h.slab[e].addr)
	h.byAddr = slices.Insert(h.byAddr, i, e)
}

// sizeOrder orders free entries by size, then address.
func (h *Heap) sizeOrder(a, b handle) int {
	if c := cmp.Compare(h.slab[a].size, h.slab[b].size); c != 0 {
		return c
	}
	return cmp.Compare(h.slab[a].addr, h.slab[b].addr)
}

func (h *Heap) insertSize(e handle) {
	i, _ := slices.BinarySearchFunc(h.bySize, e, h.sizeOrder)
	h.bySize = slices.Insert(h.bySize, i, e)
}

func (h *Heap) removeSize(e handle) {
	i, found := slices.BinarySearchFunc(h.bySize, e, h.sizeOrder)
	if found && h.bySize[i] == e {
		h.bySize = slices.Delete(h.bySize, i, i+1)
	}
}
