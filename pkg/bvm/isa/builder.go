package isa

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/bvm/pkg/bvm/module"
)

type fixup struct {
	at    int    // offset of the immediate
	next  int    // offset of the following instruction (relative jumps)
	label string
	abs   bool
}

// Builder assembles guest code with symbolic labels.
type Builder struct {
	code   []byte
	labels map[string]uint32
	fixups []fixup
	err    error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{labels: make(map[string]uint32)}
}

// Label binds name to the current position.
func (b *Builder) Label(name string) *Builder {
	if _, dup := b.labels[name]; dup && b.err == nil {
		b.err = fmt.Errorf("duplicate label %q", name)
	}
	b.labels[name] = uint32(len(b.code))
	return b
}

// Op emits an instruction without immediates.
func (b *Builder) Op(ops ...Opcode) *Builder {
	for _, op := range ops {
		if op.ImmSize() != 0 && b.err == nil {
			b.err = fmt.Errorf("%s needs an immediate", op)
		}
		b.code = append(b.code, byte(op))
	}
	return b
}

// I32 pushes a sign-extended 32-bit constant.
func (b *Builder) I32(v int32) *Builder {
	b.code = append(b.code, byte(Const32))
	b.code = binary.LittleEndian.AppendUint32(b.code, uint32(v))
	return b
}

// U32 pushes an unsigned 32-bit constant, such as a tagged pointer.
func (b *Builder) U32(v uint32) *Builder {
	if v < 1<<31 {
		return b.I32(int32(v))
	}
	return b.U64(uint64(v))
}

// U64 pushes a 64-bit constant.
func (b *Builder) U64(v uint64) *Builder {
	b.code = append(b.code, byte(Const64))
	b.code = binary.LittleEndian.AppendUint64(b.code, v)
	return b
}

// Get pushes local i.
func (b *Builder) Get(i uint8) *Builder {
	b.code = append(b.code, byte(LocalGet), i)
	return b
}

// Set pops into local i.
func (b *Builder) Set(i uint8) *Builder {
	b.code = append(b.code, byte(LocalSet), i)
	return b
}

// Mem emits a load or store with an address offset.
func (b *Builder) Mem(op Opcode, off uint32) *Builder {
	if (op < Load8 || op > Store64) && b.err == nil {
		b.err = fmt.Errorf("%s is not a memory op", op)
	}
	b.code = append(b.code, byte(op))
	b.code = binary.LittleEndian.AppendUint32(b.code, off)
	return b
}

// Jump emits a branch to label.
func (b *Builder) Jump(op Opcode, label string) *Builder {
	if op != Jmp && op != JmpIf && op != JmpIfNot && b.err == nil {
		b.err = fmt.Errorf("%s is not a branch", op)
	}
	b.code = append(b.code, byte(op), 0, 0, 0, 0)
	b.fixups = append(b.fixups, fixup{at: len(b.code) - 4, next: len(b.code), label: label})
	return b
}

// Call emits a local call to label passing nArgs stack values as locals.
func (b *Builder) Call(label string, nArgs uint8) *Builder {
	b.code = append(b.code, byte(Call), 0, 0, 0, 0, nArgs)
	b.fixups = append(b.fixups, fixup{at: len(b.code) - 5, label: label, abs: true})
	return b
}

// Ret returns from the current local frame keeping nRes values.
func (b *Builder) Ret(nRes uint8) *Builder {
	b.code = append(b.code, byte(Ret), nRes)
	return b
}

// Host emits a host call.
func (b *Builder) Host(id uint16) *Builder {
	b.code = append(b.code, byte(Host))
	b.code = binary.LittleEndian.AppendUint16(b.code, id)
	return b
}

// Addr returns the resolved address of label.
func (b *Builder) Addr(label string) (uint32, bool) {
	a, ok := b.labels[label]
	return a, ok
}

// Assemble resolves labels and returns the code.
func (b *Builder) Assemble() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	code := append([]byte(nil), b.code...)
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		if f.abs {
			binary.LittleEndian.PutUint32(code[f.at:], target)
		} else {
			binary.LittleEndian.PutUint32(code[f.at:], uint32(int32(target)-int32(f.next)))
		}
	}
	return code, nil
}

// Module assembles the code into a module whose methods are the given labels,
// in method index order.
func (b *Builder) Module(methods []string, data []byte) ([]byte, error) {
	code, err := b.Assemble()
	if err != nil {
		return nil, err
	}
	addrs := make([]uint32, len(methods))
	for i, name := range methods {
		a, ok := b.labels[name]
		if !ok {
			return nil, fmt.Errorf("undefined method label %q", name)
		}
		addrs[i] = a
	}
	return module.Build(code, data, addrs), nil
}
