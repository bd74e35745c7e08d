package isa

import (
	"encoding/binary"
	"testing"

	"github.com/fortiblox/bvm/pkg/bvm/module"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAssembleBranches tests relative branch and absolute call resolution.
func TestAssembleBranches(t *testing.T) {
	b := NewBuilder()
	b.Label("top").
		I32(1).
		Jump(JmpIf, "end"). // 5 + 5
		Call("top", 0).     // 10 + 6
		Label("end").
		Ret(0)

	code, err := b.Assemble()
	require.NoError(t, err)
	require.Len(t, code, 18)

	assert.Equal(t, byte(JmpIf), code[5])
	assert.Equal(t, uint32(6), binary.LittleEndian.Uint32(code[6:]), "end(16) - next(10)")
	assert.Equal(t, byte(Call), code[10])
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(code[11:]))
	assert.Equal(t, byte(Ret), code[16])
}

// TestAssembleBackwardJump tests negative offsets.
func TestAssembleBackwardJump(t *testing.T) {
	b := NewBuilder().Label("loop").Op(Nop).Jump(Jmp, "loop")
	code, err := b.Assemble()
	require.NoError(t, err)
	assert.Equal(t, int32(-6), int32(binary.LittleEndian.Uint32(code[2:])))
}

// TestAssembleErrors tests label and operand validation.
func TestAssembleErrors(t *testing.T) {
	_, err := NewBuilder().Jump(Jmp, "nowhere").Assemble()
	assert.Error(t, err)

	_, err = NewBuilder().Label("a").Label("a").Assemble()
	assert.Error(t, err)

	_, err = NewBuilder().Op(Const32).Assemble()
	assert.Error(t, err)

	_, err = NewBuilder().Mem(Add, 0).Assemble()
	assert.Error(t, err)
}

// TestBuildModule tests that builder output is a loadable module.
func TestBuildModule(t *testing.T) {
	b := NewBuilder()
	b.Label("ctor").Ret(0)
	b.Label("dtor").Ret(0)
	b.Label("run").U32(0x80000000).Op(Drop).Ret(0)

	blob, err := b.Module([]string{"ctor", "dtor", "run"}, []byte("data"))
	require.NoError(t, err)

	m, err := module.Parse(blob)
	require.NoError(t, err)
	addr, err := m.Method(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), addr)
	assert.Equal(t, byte(Const64), m.Code[addr], "pointer constants must not sign extend")
	assert.Equal(t, []byte("data"), m.Data)
}

// TestOpcodeTable tests mnemonic lookups.
func TestOpcodeTable(t *testing.T) {
	assert.Equal(t, "host", Host.String())
	assert.Equal(t, 2, Host.ImmSize())
	assert.Equal(t, 5, Call.ImmSize())
	assert.False(t, Opcode(0xFF).Valid())
	assert.Equal(t, "op(0xff)", Opcode(0xFF).String())
}
