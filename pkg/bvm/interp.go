package bvm

import (
	"encoding/binary"
	"math/bits"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm/isa"
	"github.com/fortiblox/bvm/pkg/bvm/module"
)

// localFrame is one guest-level call inside a far frame.
type localFrame struct {
	ret    uint32
	base   int
	locals [isa.NumLocals]uint64
}

// farFrame is one contract (or app) activation.
type farFrame struct {
	cid    types.ContractID
	method uint32
	mod    *module.Module
	native *NativeShader
	pc     uint32
	sp     uint32
	calls  []localFrame
}

func (p *Processor) top() *farFrame {
	if len(p.far) == 0 {
		return nil
	}
	return p.far[len(p.far)-1]
}

// pushInterp enters an interpreted method with local 0 set to argsPtr.
func (p *Processor) pushInterp(cid types.ContractID, mod *module.Module, method, argsPtr uint32) error {
	entry, err := mod.Method(method)
	if err != nil {
		return faultf(ErrMethodOutOfRange, "%v", err)
	}
	f := &farFrame{cid: cid, method: method, mod: mod, pc: entry, sp: p.sp}
	lf := localFrame{ret: entry, base: len(p.ops)}
	lf.locals[0] = uint64(argsPtr)
	f.calls = append(f.calls, lf)
	p.far = append(p.far, f)
	return nil
}

// run steps interpreted frames until the far stack drops to base.
func (p *Processor) run(base int) error {
	for len(p.far) > base {
		f := p.far[len(p.far)-1]
		if f.mod == nil {
			return faultf(ErrInternal, "native frame on top of the interpreter")
		}
		if err := p.step(f); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) push(v uint64) error {
	if len(p.ops) >= p.limits.OperandStack {
		return faultf(ErrOperandStack, "overflow at %d", len(p.ops))
	}
	p.ops = append(p.ops, v)
	return nil
}

func (p *Processor) pop(f *farFrame) (uint64, error) {
	if len(p.ops) <= f.calls[len(f.calls)-1].base {
		return 0, faultf(ErrOperandStack, "underflow at pc 0x%x", f.pc)
	}
	v := p.ops[len(p.ops)-1]
	p.ops = p.ops[:len(p.ops)-1]
	return v, nil
}

func (p *Processor) pop2(f *farFrame) (a, b uint64, err error) {
	if b, err = p.pop(f); err != nil {
		return
	}
	a, err = p.pop(f)
	return
}

func (p *Processor) jump(f *farFrame, rel int32) error {
	dst := int64(f.pc) + int64(rel)
	if dst < 0 || dst >= int64(len(f.mod.Code)) {
		return faultf(ErrMemoryAccess, "jump to 0x%x outside code", dst)
	}
	f.pc = uint32(dst)
	return nil
}

// step executes one instruction.
func (p *Processor) step(f *farFrame) error {
	code := f.mod.Code
	if int(f.pc) >= len(code) {
		return faultf(ErrMemoryAccess, "pc 0x%x outside code", f.pc)
	}
	if err := p.meter.Consume(CostCycle); err != nil {
		return err
	}
	op := isa.Opcode(code[f.pc])
	if !op.Valid() {
		return faultf(ErrInvalidOpcode, "0x%02x at 0x%x", byte(op), f.pc)
	}
	end := int(f.pc) + 1 + op.ImmSize()
	if end > len(code) {
		return faultf(ErrInvalidOpcode, "truncated %s at 0x%x", op, f.pc)
	}
	imm := code[int(f.pc)+1 : end]
	f.pc = uint32(end)
	lf := &f.calls[len(f.calls)-1]

	switch op {
	case isa.Nop:
		return nil
	case isa.Unreachable:
		return faultf(ErrUnreachable, "at 0x%x", f.pc-1)
	case isa.Const32:
		return p.push(uint64(int64(int32(binary.LittleEndian.Uint32(imm)))))
	case isa.Const64:
		return p.push(binary.LittleEndian.Uint64(imm))
	case isa.Drop:
		_, err := p.pop(f)
		return err
	case isa.Dup:
		v, err := p.pop(f)
		if err != nil {
			return err
		}
		if err := p.push(v); err != nil {
			return err
		}
		return p.push(v)
	case isa.Swap:
		a, b, err := p.pop2(f)
		if err != nil {
			return err
		}
		p.ops = append(p.ops, b, a)
		return nil
	case isa.LocalGet:
		if imm[0] >= isa.NumLocals {
			return faultf(ErrLocalIndex, "%d", imm[0])
		}
		return p.push(lf.locals[imm[0]])
	case isa.LocalSet:
		if imm[0] >= isa.NumLocals {
			return faultf(ErrLocalIndex, "%d", imm[0])
		}
		v, err := p.pop(f)
		if err != nil {
			return err
		}
		lf.locals[imm[0]] = v
		return nil

	case isa.Load8, isa.Load16, isa.Load32, isa.Load64:
		addr, err := p.pop(f)
		if err != nil {
			return err
		}
		ptr, err := effective(addr, imm)
		if err != nil {
			return err
		}
		v, err := p.readN(ptr, 1<<(op-isa.Load8))
		if err != nil {
			return err
		}
		return p.push(v)

	case isa.Store8, isa.Store16, isa.Store32, isa.Store64:
		addr, v, err := p.pop2(f)
		if err != nil {
			return err
		}
		ptr, err := effective(addr, imm)
		if err != nil {
			return err
		}
		return p.writeN(ptr, 1<<(op-isa.Store8), v)

	case isa.Bswap32, isa.Bswap64, isa.Eqz:
		v, err := p.pop(f)
		if err != nil {
			return err
		}
		switch op {
		case isa.Bswap32:
			v = uint64(bits.ReverseBytes32(uint32(v)))
		case isa.Bswap64:
			v = bits.ReverseBytes64(v)
		default:
			v = b2u(v == 0)
		}
		p.ops = append(p.ops, v)
		return nil

	case isa.Add, isa.Sub, isa.Mul, isa.DivU, isa.RemU, isa.And, isa.Or, isa.Xor, isa.Shl, isa.ShrU,
		isa.Eq, isa.Ne, isa.LtU, isa.GtU, isa.LeU, isa.GeU:
		a, b, err := p.pop2(f)
		if err != nil {
			return err
		}
		v, err := binop(op, a, b)
		if err != nil {
			return err
		}
		p.ops = append(p.ops, v)
		return nil

	case isa.Jmp:
		return p.jump(f, int32(binary.LittleEndian.Uint32(imm)))
	case isa.JmpIf, isa.JmpIfNot:
		c, err := p.pop(f)
		if err != nil {
			return err
		}
		if (c != 0) == (op == isa.JmpIf) {
			return p.jump(f, int32(binary.LittleEndian.Uint32(imm)))
		}
		return nil

	case isa.Call:
		return p.localCall(f, binary.LittleEndian.Uint32(imm), int(imm[4]))
	case isa.Ret:
		return p.localRet(f, int(imm[0]))
	case isa.Host:
		return p.dispatch(binary.LittleEndian.Uint16(imm))
	}
	return faultf(ErrInvalidOpcode, "%s", op)
}

func (p *Processor) localCall(f *farFrame, addr uint32, nArgs int) error {
	if len(f.calls) >= p.limits.LocalCallDepth {
		return faultf(ErrCallDepth, "%d", len(f.calls))
	}
	if nArgs > isa.NumLocals {
		return faultf(ErrLocalIndex, "call with %d args", nArgs)
	}
	if int(addr) >= len(f.mod.Code) {
		return faultf(ErrMemoryAccess, "call to 0x%x outside code", addr)
	}
	cur := f.calls[len(f.calls)-1]
	if len(p.ops)-cur.base < nArgs {
		return faultf(ErrOperandStack, "call needs %d args", nArgs)
	}
	lf := localFrame{ret: f.pc}
	args := p.ops[len(p.ops)-nArgs:]
	copy(lf.locals[:], args)
	p.ops = p.ops[:len(p.ops)-nArgs]
	lf.base = len(p.ops)
	f.calls = append(f.calls, lf)
	f.pc = addr
	return nil
}

func (p *Processor) localRet(f *farFrame, nRes int) error {
	lf := f.calls[len(f.calls)-1]
	if len(p.ops)-lf.base < nRes {
		return faultf(ErrOperandStack, "ret needs %d results", nRes)
	}
	res := p.ops[len(p.ops)-nRes:]
	n := copy(p.ops[lf.base:], res)
	p.ops = p.ops[:lf.base+n]
	f.calls = f.calls[:len(f.calls)-1]
	if len(f.calls) == 0 {
		// Method results are not observable across a far call.
		p.ops = p.ops[:lf.base]
		p.sp = f.sp
		p.far = p.far[:len(p.far)-1]
		return nil
	}
	f.pc = lf.ret
	return nil
}

func effective(addr uint64, imm []byte) (uint32, error) {
	ea := addr + uint64(binary.LittleEndian.Uint32(imm))
	if ea > uint64(^uint32(0)) {
		return 0, faultf(ErrMemoryAccess, "effective address 0x%x", ea)
	}
	return uint32(ea), nil
}

func binop(op isa.Opcode, a, b uint64) (uint64, error) {
	switch op {
	case isa.Add:
		return a + b, nil
	case isa.Sub:
		return a - b, nil
	case isa.Mul:
		return a * b, nil
	case isa.DivU, isa.RemU:
		if b == 0 {
			return 0, faultf(ErrDivByZero, "%s", op)
		}
		if op == isa.DivU {
			return a / b, nil
		}
		return a % b, nil
	case isa.And:
		return a & b, nil
	case isa.Or:
		return a | b, nil
	case isa.Xor:
		return a ^ b, nil
	case isa.Shl:
		return a << (b & 63), nil
	case isa.ShrU:
		return a >> (b & 63), nil
	case isa.Eq:
		return b2u(a == b), nil
	case isa.Ne:
		return b2u(a != b), nil
	case isa.LtU:
		return b2u(a < b), nil
	case isa.GtU:
		return b2u(a > b), nil
	case isa.LeU:
		return b2u(a <= b), nil
	case isa.GeU:
		return b2u(a >= b), nil
	}
	return 0, faultf(ErrInvalidOpcode, "%s", op)
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
