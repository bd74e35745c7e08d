package bvm

import (
	"bytes"
	"encoding/binary"
)

// Guest pointers are 32 bits wide. The top two bits select a region.
const (
	TagMask    uint32 = 0xC0000000
	OffsetMask uint32 = 0x3FFFFFFF

	TagData  uint32 = 0x40000000
	TagHeap  uint32 = 0x80000000
	TagStack uint32 = 0xC0000000
)

// stackAlign is the granularity of stack allocations.
const stackAlign = 8

// ResolveAddress translates a guest pointer into a host slice of length n.
// The data region is read only; the stack is addressable only at or above
// the current stack pointer. A zero length range still needs a mapped
// pointer inside its region; only the null pointer is exempt.
func (p *Processor) ResolveAddress(ptr, n uint32, write bool) ([]byte, error) {
	if n == 0 && ptr == 0 {
		return nil, nil
	}
	off := uint64(ptr & OffsetMask)
	end := off + uint64(n)
	if end > uint64(^uint32(0)) {
		return nil, faultf(ErrMemoryAccess, "range overflow at 0x%08x (size %d)", ptr, n)
	}

	switch ptr & TagMask {
	case TagData:
		if write {
			return nil, faultf(ErrMemoryAccess, "write to data segment at 0x%08x", ptr)
		}
		data := p.dataSegment()
		if end > uint64(len(data)) {
			return nil, faultf(ErrMemoryAccess, "data access at 0x%08x (size %d, max %d)", ptr, n, len(data))
		}
		return data[off:end], nil

	case TagHeap:
		if end > uint64(len(p.heapMem)) {
			return nil, faultf(ErrMemoryAccess, "heap access at 0x%08x (size %d, heap size %d)", ptr, n, len(p.heapMem))
		}
		return p.heapMem[off:end], nil

	case TagStack:
		if off < uint64(p.sp) || end > uint64(len(p.stack)) {
			return nil, faultf(ErrMemoryAccess, "stack access at 0x%08x (size %d, sp 0x%x)", ptr, n, p.sp)
		}
		return p.stack[off:end], nil

	default:
		return nil, faultf(ErrMemoryAccess, "unmapped address 0x%08x", ptr)
	}
}

// ResolveString reads a NUL-terminated guest string. The terminator must lie
// inside the region the pointer refers to.
func (p *Processor) ResolveString(ptr uint32) (string, error) {
	off := ptr & OffsetMask
	var region []byte
	switch ptr & TagMask {
	case TagData:
		region = p.dataSegment()
	case TagHeap:
		region = p.heapMem
	case TagStack:
		if off < p.sp {
			return "", faultf(ErrMemoryAccess, "stack string at 0x%08x below sp 0x%x", ptr, p.sp)
		}
		region = p.stack
	default:
		return "", faultf(ErrMemoryAccess, "unmapped string at 0x%08x", ptr)
	}
	if uint64(off) >= uint64(len(region)) {
		return "", faultf(ErrMemoryAccess, "string at 0x%08x outside region", ptr)
	}
	tail := region[off:]
	i := bytes.IndexByte(tail, 0)
	if i < 0 {
		return "", faultf(ErrStringUnterminated, "at 0x%08x", ptr)
	}
	return string(tail[:i]), nil
}

func (p *Processor) dataSegment() []byte {
	if len(p.far) == 0 {
		return nil
	}
	f := p.far[len(p.far)-1]
	if f.mod == nil {
		return nil
	}
	return f.mod.Data
}

// StackAlloc reserves n bytes on the guest stack and returns a zeroed block.
func (p *Processor) StackAlloc(n uint32) (uint32, error) {
	size, ok := alignUp(n, stackAlign)
	if !ok || size > p.sp {
		return 0, faultf(ErrStackOverflow, "alloc %d with %d free", n, p.sp)
	}
	p.sp -= size
	clear(p.stack[p.sp : p.sp+size])
	return TagStack | p.sp, nil
}

// StackFree releases the top n bytes of the guest stack.
func (p *Processor) StackFree(n uint32) error {
	size, ok := alignUp(n, stackAlign)
	if !ok || uint64(p.sp)+uint64(size) > uint64(len(p.stack)) {
		return faultf(ErrStackOverflow, "free %d at sp 0x%x", n, p.sp)
	}
	p.sp += size
	return nil
}

// HeapAlloc allocates n bytes on the guest heap. ok is false when no block
// is large enough; the guest sees a null pointer.
func (p *Processor) HeapAlloc(n uint32) (uint32, bool, error) {
	if err := p.meter.Consume(CostHeapOp); err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	addr, ok := p.heap.Alloc(n)
	if !ok {
		return 0, false, nil
	}
	return TagHeap | addr, true, nil
}

// HeapFree releases a block returned by HeapAlloc.
func (p *Processor) HeapFree(ptr uint32) error {
	if err := p.meter.Consume(CostHeapOp); err != nil {
		return err
	}
	if ptr&TagMask != TagHeap {
		return faultf(ErrHeap, "free of non-heap pointer 0x%08x", ptr)
	}
	if p.isAux(ptr) {
		return faultf(ErrHeap, "free of cursor buffer 0x%08x", ptr)
	}
	if err := p.heap.Free(ptr & OffsetMask); err != nil {
		return asFault(ErrHeap, err)
	}
	return nil
}

// read and write move scalars through guest memory, little endian.

func (p *Processor) readN(ptr uint32, n uint32) (uint64, error) {
	mem, err := p.ResolveAddress(ptr, n, false)
	if err != nil {
		return 0, err
	}
	switch n {
	case 1:
		return uint64(mem[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(mem)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(mem)), nil
	default:
		return binary.LittleEndian.Uint64(mem), nil
	}
}

func (p *Processor) writeN(ptr uint32, n uint32, v uint64) error {
	mem, err := p.ResolveAddress(ptr, n, true)
	if err != nil {
		return err
	}
	switch n {
	case 1:
		mem[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(mem, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(mem, uint32(v))
	default:
		binary.LittleEndian.PutUint64(mem, v)
	}
	return nil
}

func alignUp(n, a uint32) (uint32, bool) {
	v := (uint64(n) + uint64(a) - 1) &^ (uint64(a) - 1)
	if v > uint64(^uint32(0)) {
		return 0, false
	}
	return uint32(v), true
}
