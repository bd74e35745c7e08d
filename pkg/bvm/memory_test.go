package bvm

import (
	"errors"
	"testing"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm/isa"
	"github.com/fortiblox/bvm/pkg/bvm/module"
	"github.com/fortiblox/bvm/pkg/ledger"
)

func newTestProcessor(t *testing.T, mode Mode) *Processor {
	t.Helper()
	p, err := New(Config{Mode: mode, Store: ledger.NewMemStore()})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return p
}

// TestStackAlloc tests stack allocation and addressability.
func TestStackAlloc(t *testing.T) {
	p := newTestProcessor(t, ModeContract)
	size := p.Limits().StackSize

	ptr, err := p.StackAlloc(5)
	if err != nil {
		t.Fatalf("StackAlloc(5) failed: %v", err)
	}
	if ptr&TagMask != TagStack {
		t.Fatalf("ptr 0x%08x is not a stack pointer", ptr)
	}
	if p.StackPointer() != size-8 {
		t.Errorf("StackPointer() = %d, want %d", p.StackPointer(), size-8)
	}

	buf, err := p.ResolveAddress(ptr, 8, true)
	if err != nil {
		t.Fatalf("ResolveAddress() failed: %v", err)
	}
	copy(buf, "abcdefgh")

	// Below sp is not addressable
	if _, err := p.ResolveAddress(ptr-8, 8, false); !errors.Is(err, ErrMemoryAccess) {
		t.Errorf("read below sp = %v, want ErrMemoryAccess", err)
	}
	// Past the end of the region
	if _, err := p.ResolveAddress(ptr, 9, false); !errors.Is(err, ErrMemoryAccess) {
		t.Errorf("read past stack end = %v, want ErrMemoryAccess", err)
	}

	if err := p.StackFree(5); err != nil {
		t.Fatalf("StackFree(5) failed: %v", err)
	}
	if p.StackPointer() != size {
		t.Errorf("StackPointer() = %d, want %d", p.StackPointer(), size)
	}
	if err := p.StackFree(8); !errors.Is(err, ErrStackOverflow) {
		t.Errorf("StackFree past top = %v, want ErrStackOverflow", err)
	}
	if _, err := p.StackAlloc(size + 1); !errors.Is(err, ErrStackOverflow) {
		t.Errorf("oversized StackAlloc = %v, want ErrStackOverflow", err)
	}
}

// TestStackAllocZeroes tests that reused stack memory reads as zero.
func TestStackAllocZeroes(t *testing.T) {
	p := newTestProcessor(t, ModeContract)
	ptr, _ := p.StackAlloc(16)
	buf, _ := p.ResolveAddress(ptr, 16, true)
	for i := range buf {
		buf[i] = 0xAA
	}
	_ = p.StackFree(16)

	ptr, _ = p.StackAlloc(16)
	buf, _ = p.ResolveAddress(ptr, 16, false)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = 0x%02x, want 0", i, b)
		}
	}
}

// TestHeapAlloc tests heap allocation through the processor.
func TestHeapAlloc(t *testing.T) {
	p := newTestProcessor(t, ModeContract)

	ptr, ok, err := p.HeapAlloc(100)
	if err != nil || !ok {
		t.Fatalf("HeapAlloc(100) = %v, %v", ok, err)
	}
	if ptr&TagMask != TagHeap {
		t.Fatalf("ptr 0x%08x is not a heap pointer", ptr)
	}
	if _, err := p.ResolveAddress(ptr, 100, true); err != nil {
		t.Errorf("ResolveAddress() failed: %v", err)
	}
	if p.HeapUsed() < 100 {
		t.Errorf("HeapUsed() = %d, want >= 100", p.HeapUsed())
	}

	if ptr0, ok, err := p.HeapAlloc(0); err != nil || ok || ptr0 != 0 {
		t.Errorf("HeapAlloc(0) = 0x%x, %v, %v, want null", ptr0, ok, err)
	}
	if _, ok, err := p.HeapAlloc(p.Limits().HeapSize + 1); err != nil || ok {
		t.Errorf("oversized HeapAlloc = %v, %v, want not ok", ok, err)
	}

	if err := p.HeapFree(ptr); err != nil {
		t.Fatalf("HeapFree() failed: %v", err)
	}
	if p.HeapUsed() != 0 {
		t.Errorf("HeapUsed() = %d, want 0", p.HeapUsed())
	}
	if err := p.HeapFree(ptr); !errors.Is(err, ErrHeap) {
		t.Errorf("double free = %v, want ErrHeap", err)
	}
	if err := p.HeapFree(TagStack | 8); !errors.Is(err, ErrHeap) {
		t.Errorf("free of stack pointer = %v, want ErrHeap", err)
	}
}

// TestResolveAddress tests region selection and bounds.
func TestResolveAddress(t *testing.T) {
	p := newTestProcessor(t, ModeContract)
	code, err := isa.NewBuilder().Label("m").Ret(0).Module([]string{"m", "m"}, []byte("hello\x00world"))
	if err != nil {
		t.Fatalf("Module() failed: %v", err)
	}
	mod, err := module.Parse(code)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if err := p.pushInterp(types.ContractID(mod.ID), mod, 0, 0); err != nil {
		t.Fatalf("pushInterp() failed: %v", err)
	}

	tests := []struct {
		name  string
		ptr   uint32
		n     uint32
		write bool
		ok    bool
	}{
		{"data read", TagData, 11, false, true},
		{"data write", TagData, 1, true, false},
		{"data past end", TagData + 6, 6, false, false},
		{"heap", TagHeap + 16, 16, true, true},
		{"heap past end", TagHeap | (p.Limits().HeapSize - 4), 8, false, false},
		{"stack below sp", TagStack, 8, false, false},
		{"unmapped", 0x100, 4, false, false},
		{"zero length null", 0, 0, false, true},
		{"zero length unmapped", 0x100, 0, false, false},
		{"zero length data write", TagData, 0, true, false},
		{"zero length heap end", TagHeap | p.Limits().HeapSize, 0, true, true},
		{"zero length past heap", TagHeap | (p.Limits().HeapSize + 1), 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ResolveAddress(tt.ptr, tt.n, tt.write)
			if tt.ok && err != nil {
				t.Errorf("ResolveAddress() failed: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrMemoryAccess) {
				t.Errorf("ResolveAddress() = %v, want ErrMemoryAccess", err)
			}
		})
	}

	s, err := p.ResolveString(TagData)
	if err != nil || s != "hello" {
		t.Errorf("ResolveString() = %q, %v, want hello", s, err)
	}
	if _, err := p.ResolveString(TagData + 6); !errors.Is(err, ErrStringUnterminated) {
		t.Errorf("ResolveString(unterminated) = %v, want ErrStringUnterminated", err)
	}
}
