package bvm

import (
	"fmt"
	"sort"
)

// ParamKind says how a host call parameter is taken from the operand stack.
type ParamKind uint8

const (
	ParamU32 ParamKind = iota
	ParamU64
	ParamIn  // read-only pointer
	ParamOut // writable pointer
	ParamStr // NUL-terminated string
	ParamRaw // pointer passed through unresolved
)

// Param describes one host call parameter. Pointer sizes are either fixed
// (Size) or taken from another parameter (SizeArg >= 0).
type Param struct {
	Kind    ParamKind
	Size    uint32
	SizeArg int
}

// HostCall is one entry of the host call table.
type HostCall struct {
	ID      uint16
	Name    string
	Params  []Param
	Returns bool
	Modes   Mode
	fn      hostFunc
}

type hostFunc func(p *Processor, a *hostArgs) (uint64, error)

// hostArgs holds the resolved parameters of one host call.
type hostArgs struct {
	raw  []uint64
	bufs [][]byte
	strs []string
}

func (a *hostArgs) u32(i int) uint32 { return uint32(a.raw[i]) }
func (a *hostArgs) u64(i int) uint64 { return a.raw[i] }
func (a *hostArgs) buf(i int) []byte { return a.bufs[i] }
func (a *hostArgs) str(i int) string { return a.strs[i] }
func (a *hostArgs) ptr(i int) uint32 { return uint32(a.raw[i]) }

func pU32() Param { return Param{Kind: ParamU32, SizeArg: -1} }
func pU64() Param { return Param{Kind: ParamU64, SizeArg: -1} }
func pStr() Param { return Param{Kind: ParamStr, SizeArg: -1} }
func pRaw() Param { return Param{Kind: ParamRaw, SizeArg: -1} }
func pIn(sizeArg int) Param { return Param{Kind: ParamIn, SizeArg: sizeArg} }
func pOut(sizeArg int) Param { return Param{Kind: ParamOut, SizeArg: sizeArg} }
func pInN(n uint32) Param { return Param{Kind: ParamIn, Size: n, SizeArg: -1} }
func pOutN(n uint32) Param { return Param{Kind: ParamOut, Size: n, SizeArg: -1} }

var hostTable = map[uint16]*HostCall{}

func register(id uint16, name string, modes Mode, returns bool, fn hostFunc, params ...Param) {
	if _, dup := hostTable[id]; dup {
		panic(fmt.Sprintf("bvm: duplicate host call %d (%s)", id, name))
	}
	hostTable[id] = &HostCall{ID: id, Name: name, Params: params, Returns: returns, Modes: modes, fn: fn}
}

func init() {
	registerCommon()
	registerContract()
	registerManager()
}

// HostCalls returns the host call table ordered by id.
func HostCalls() []HostCall {
	out := make([]HostCall, 0, len(hostTable))
	for _, hc := range hostTable {
		out = append(out, *hc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LookupHostCall returns the host call with the given id.
func LookupHostCall(id uint16) (HostCall, bool) {
	hc, ok := hostTable[id]
	if !ok {
		return HostCall{}, false
	}
	return *hc, true
}

// dispatch runs host call id for the interpreted frame on top of the stack.
// Parameters are popped last-first and pointers resolved before the handler
// runs, so a bad pointer faults without side effects.
func (p *Processor) dispatch(id uint16) error {
	hc, ok := LookupHostCall(id)
	if !ok {
		return faultf(ErrUnknownHostCall, "%d", id)
	}
	if err := p.requireMode(hc.Modes, hc.Name); err != nil {
		return err
	}
	f := p.top()
	n := len(hc.Params)
	if len(p.ops)-f.calls[len(f.calls)-1].base < n {
		return faultf(ErrOperandStack, "%s needs %d params", hc.Name, n)
	}

	a := &hostArgs{
		raw:  make([]uint64, n),
		bufs: make([][]byte, n),
		strs: make([]string, n),
	}
	copy(a.raw, p.ops[len(p.ops)-n:])
	p.ops = p.ops[:len(p.ops)-n]

	for i, prm := range hc.Params {
		switch prm.Kind {
		case ParamU32:
			if a.raw[i] > uint64(^uint32(0)) {
				return faultf(ErrOperandStack, "%s param %d exceeds 32 bits", hc.Name, i)
			}
		case ParamIn, ParamOut, ParamStr, ParamRaw:
			if a.raw[i] > uint64(^uint32(0)) {
				return faultf(ErrMemoryAccess, "%s param %d pointer 0x%x", hc.Name, i, a.raw[i])
			}
		}
		switch prm.Kind {
		case ParamIn, ParamOut:
			size := prm.Size
			if prm.SizeArg >= 0 {
				if a.raw[prm.SizeArg] > uint64(^uint32(0)) {
					return faultf(ErrMemoryAccess, "%s param %d size %d", hc.Name, i, a.raw[prm.SizeArg])
				}
				size = uint32(a.raw[prm.SizeArg])
			}
			buf, err := p.ResolveAddress(uint32(a.raw[i]), size, prm.Kind == ParamOut)
			if err != nil {
				return err
			}
			a.bufs[i] = buf
		case ParamStr:
			s, err := p.ResolveString(uint32(a.raw[i]))
			if err != nil {
				return err
			}
			a.strs[i] = s
		}
	}

	v, err := hc.fn(p, a)
	if err != nil {
		return err
	}
	if hc.Returns {
		return p.push(v)
	}
	return nil
}

func boolResult(ok bool, err error) (uint64, error) {
	return b2u(ok), err
}

func signed(v int) uint64 {
	return uint64(int64(v))
}
