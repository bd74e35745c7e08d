package bvm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/bvm/pkg/bvm/isa"
)

// exprModule wraps body so that its single result is stored in args[0:8].
func exprModule(body func(b *isa.Builder)) *isa.Builder {
	b := isa.NewBuilder().Label("nop").Ret(0)
	b.Label("main").Get(0)
	body(b)
	b.Mem(isa.Store64, 0).Ret(0)
	return b
}

// TestInterpArithmetic tests instruction semantics.
func TestInterpArithmetic(t *testing.T) {
	tests := []struct {
		name string
		body func(b *isa.Builder)
		want uint64
	}{
		{"add", func(b *isa.Builder) { b.I32(40).I32(2).Op(isa.Add) }, 42},
		{"sub wraps", func(b *isa.Builder) { b.I32(1).I32(2).Op(isa.Sub) }, ^uint64(0)},
		{"mul", func(b *isa.Builder) { b.I32(6).I32(7).Op(isa.Mul) }, 42},
		{"div", func(b *isa.Builder) { b.I32(85).I32(2).Op(isa.DivU) }, 42},
		{"rem", func(b *isa.Builder) { b.I32(85).I32(43).Op(isa.RemU) }, 42},
		{"bitwise", func(b *isa.Builder) { b.I32(0xF0).I32(0x3C).Op(isa.And).I32(1).Op(isa.Or).I32(0x10).Op(isa.Xor) }, 0x21},
		{"shifts", func(b *isa.Builder) { b.I32(1).I32(68).Op(isa.Shl).I32(2).Op(isa.ShrU) }, 4},
		{"bswap32", func(b *isa.Builder) { b.U32(0x11223344).Op(isa.Bswap32) }, 0x44332211},
		{"bswap64", func(b *isa.Builder) { b.U64(0x0102030405060708).Op(isa.Bswap64) }, 0x0807060504030201},
		{"const32 sign extends", func(b *isa.Builder) { b.I32(-1) }, ^uint64(0)},
		{"u32 stays unsigned", func(b *isa.Builder) { b.U32(0x80000000) }, 0x80000000},
		{"compare", func(b *isa.Builder) {
			b.I32(1).I32(2).Op(isa.LtU).I32(2).I32(2).Op(isa.GeU).Op(isa.Add).I32(3).I32(2).Op(isa.LeU).Op(isa.Add)
		}, 2},
		{"eqz", func(b *isa.Builder) { b.I32(0).Op(isa.Eqz).I32(5).Op(isa.Eqz).Op(isa.Add) }, 1},
		{"dup swap drop", func(b *isa.Builder) { b.I32(3).I32(10).Op(isa.Swap).Op(isa.Dup).Op(isa.Drop).Op(isa.Sub) }, 7},
		{"locals", func(b *isa.Builder) { b.I32(9).Set(3).Get(3).Get(3).Op(isa.Mul) }, 81},
		{"memory", func(b *isa.Builder) {
			b.Get(0).I32(0x1234).Mem(isa.Store16, 8).Get(0).Mem(isa.Load8, 8).Get(0).Mem(isa.Load16, 8).Op(isa.Add)
		}, 0x34 + 0x1234},
		{"branch", func(b *isa.Builder) {
			b.I32(1).Jump(isa.JmpIfNot, "skip").I32(42).Jump(isa.Jmp, "end").
				Label("skip").I32(0).Label("end")
		}, 42},
		{"local call", func(b *isa.Builder) {
			b.I32(20).I32(22).Call("sum", 2).Jump(isa.Jmp, "done").
				Label("sum").Get(0).Get(1).Op(isa.Add).Ret(1).
				Label("done")
		}, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			cid := env.code(t, exprModule(tt.body), []string{"nop", "nop", "main"}, nil)
			args := make([]byte, 16)
			_, err := env.invoke(t, cid, 2, args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, binary.LittleEndian.Uint64(args))
		})
	}
}

// TestInterpFaults tests that invalid programs abort with the right kind.
func TestInterpFaults(t *testing.T) {
	tests := []struct {
		name string
		body func(b *isa.Builder)
		want error
	}{
		{"div by zero", func(b *isa.Builder) { b.I32(1).I32(0).Op(isa.DivU) }, ErrDivByZero},
		{"rem by zero", func(b *isa.Builder) { b.I32(1).I32(0).Op(isa.RemU) }, ErrDivByZero},
		{"unreachable", func(b *isa.Builder) { b.Op(isa.Unreachable) }, ErrUnreachable},
		{"invalid opcode", func(b *isa.Builder) { b.Op(isa.Opcode(0xEE)) }, ErrInvalidOpcode},
		{"underflow", func(b *isa.Builder) { b.Op(isa.Drop, isa.Drop) }, ErrOperandStack},
		{"local index", func(b *isa.Builder) { b.Get(isa.NumLocals) }, ErrLocalIndex},
		{"unmapped load", func(b *isa.Builder) { b.I32(0x100).Mem(isa.Load8, 0) }, ErrMemoryAccess},
		{"data write", func(b *isa.Builder) { b.U32(TagData).I32(1).Mem(isa.Store8, 0).I32(0) }, ErrMemoryAccess},
		{"address overflow", func(b *isa.Builder) { b.U64(1 << 33).Mem(isa.Load8, 0) }, ErrMemoryAccess},
		{"unknown host call", func(b *isa.Builder) { b.Host(999) }, ErrUnknownHostCall},
		{"manager host call", func(b *isa.Builder) { b.Host(HostDocCloseGroup) }, ErrWrongMode},
		{"host pointer range", func(b *isa.Builder) { b.U64(1<<32).I32(0).I32(1).Host(HostMemset) }, ErrMemoryAccess},
		{"halt", func(b *isa.Builder) { b.Host(HostHalt) }, ErrHalt},
		{"local recursion", func(b *isa.Builder) { b.Label("r").Call("r", 0) }, ErrCallDepth},
		{"operand overflow", func(b *isa.Builder) { b.Label("l").I32(1).Jump(isa.Jmp, "l") }, ErrOperandStack},
		{"stack exhausted", func(b *isa.Builder) { b.U32(1 << 20).Host(HostStackAlloc) }, ErrStackOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			cid := env.code(t, exprModule(tt.body), []string{"nop", "nop", "main"}, nil)
			p, err := env.invoke(t, cid, 2, make([]byte, 8))
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsFault(err))
			assert.Equal(t, StateAborted, p.State())
		})
	}
}

// TestInterpChargeExhausted tests that an endless loop runs out of charge.
func TestInterpChargeExhausted(t *testing.T) {
	env := newTestEnv(t)
	cid := env.code(t, isa.NewBuilder().Label("nop").Ret(0).Label("spin").Jump(isa.Jmp, "spin"),
		[]string{"nop", "nop", "spin"}, nil)
	env.charge = 1_000_000
	p, err := env.invoke(t, cid, 2, nil)
	require.ErrorIs(t, err, ErrChargeExhausted)
	assert.Zero(t, p.Meter().Remaining())
}

// recursiveModule calls itself through a far call while the counter at
// args[32:36] is nonzero. args[0:32] holds its own contract id.
func recursiveModule() *isa.Builder {
	return isa.NewBuilder().
		Label("out").Ret(0).
		Label("rec").
		Get(0).Mem(isa.Load32, 32).Op(isa.Eqz).Jump(isa.JmpIf, "out").
		Get(0).Get(0).Mem(isa.Load32, 32).I32(1).Op(isa.Sub).Mem(isa.Store32, 32).
		Get(0).I32(2).Get(0).I32(36).Host(HostCallFar).
		Ret(0)
}

// TestFarCallDepth tests the far call nesting bound.
func TestFarCallDepth(t *testing.T) {
	env := newTestEnv(t)
	cid := env.code(t, recursiveModule(), []string{"out", "out", "rec"}, nil)
	depth := uint32(env.limits.FarCallDepth)

	args := func(n uint32) []byte {
		b := make([]byte, 36)
		copy(b, cid[:])
		binary.LittleEndian.PutUint32(b[32:], n)
		return b
	}

	env.rec.Calls = nil
	p, err := env.invoke(t, cid, 2, args(depth-1))
	require.NoError(t, err)
	require.Len(t, env.rec.Calls, int(depth))
	assert.Equal(t, int(depth), env.rec.Calls[depth-1].Depth)
	assert.Equal(t, env.limits.StackSize, p.StackPointer(), "frames restore the stack pointer")

	_, err = env.invoke(t, cid, 2, args(depth))
	assert.ErrorIs(t, err, ErrFarCallDepth)
}

// TestFarCallDepthNative tests the bound for native recursion.
func TestFarCallDepthNative(t *testing.T) {
	env := newTestEnv(t)
	var calls int
	cid := env.native(t, "recurse", func(h ContractHost, args []byte) error {
		calls++
		return h.CallFar(h.Cid(), 2, args)
	})
	_, err := env.invoke(t, cid, 2, nil)
	require.ErrorIs(t, err, ErrFarCallDepth)
	assert.Equal(t, env.limits.FarCallDepth, calls)
}

// TestCallerContext tests call depth and caller ids across far calls.
func TestCallerContext(t *testing.T) {
	env := newTestEnv(t)
	var depth uint32
	var caller, self [32]byte
	inner := env.native(t, "inner", func(h ContractHost, _ []byte) error {
		depth = h.CallDepth()
		c, ok := h.CallerCid(1)
		if !ok {
			return h.Halt("no caller")
		}
		caller = c
		s, _ := h.CallerCid(0)
		self = s
		if _, ok := h.CallerCid(2); ok {
			return h.Halt("too deep")
		}
		return nil
	})
	outer := env.native(t, "outer", func(h ContractHost, args []byte) error {
		return h.CallFar(inner, 2, args)
	})

	_, err := env.invoke(t, outer, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), depth)
	assert.Equal(t, [32]byte(outer), caller)
	assert.Equal(t, [32]byte(inner), self)
}

// TestArgsWriteBack tests that a native caller sees what an interpreted
// callee wrote into the shared argument buffer.
func TestArgsWriteBack(t *testing.T) {
	env := newTestEnv(t)
	callee := env.code(t, exprModule(func(b *isa.Builder) { b.U64(0xDEADBEEF) }), []string{"nop", "nop", "main"}, nil)

	var got uint64
	caller := env.native(t, "reader", func(h ContractHost, _ []byte) error {
		buf := make([]byte, 8)
		if err := h.CallFar(callee, 2, buf); err != nil {
			return err
		}
		got = binary.LittleEndian.Uint64(buf)
		return nil
	})
	p, err := env.invoke(t, caller, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEADBEEF), got)
	assert.Equal(t, env.limits.StackSize, p.StackPointer())
}
