package bvm

import (
	"bytes"
	"encoding/binary"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm/ecc"
	"github.com/fortiblox/bvm/pkg/bvm/module"
	"github.com/fortiblox/bvm/pkg/ledger"
)

// Host call ids available in manager mode only.
const (
	HostVarsEnum          uint16 = 60
	HostVarsMoveNext      uint16 = 61
	HostLogsEnum          uint16 = 62
	HostLogsMoveNext      uint16 = 63
	HostDocAddGroup       uint16 = 64
	HostDocCloseGroup     uint16 = 65
	HostDocAddArray       uint16 = 66
	HostDocCloseArray     uint16 = 67
	HostDocAddText        uint16 = 68
	HostDocAddNum32       uint16 = 69
	HostDocAddNum64       uint16 = 70
	HostDocAddBlob        uint16 = 71
	HostDocGetText        uint16 = 72
	HostDocGetNum32       uint16 = 73
	HostDocGetNum64       uint16 = 74
	HostDocGetBlob        uint16 = 75
	HostDerivePk          uint16 = 76
	HostDeriveKeyPreimage uint16 = 77
	HostGenerateKernel    uint16 = 78
)

// LogEntry is one emitted log as seen by the manager.
type LogEntry struct {
	Height types.Height
	Index  uint32
	Key    []byte // full key: cid ‖ tag ‖ subkey
	Val    []byte
}

// auxBuf is a heap block reused to hand cursor results to the guest.
type auxBuf struct {
	addr uint32
	size uint32
}

type varCursor struct {
	it  ledger.Iterator
	aux auxBuf
}

type logCursor struct {
	it         ledger.Iterator
	kMin, kMax []byte
	aux        auxBuf
}

func registerManager() {
	register(HostVarsEnum, "VarsEnum", ModeManager, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, p.VarsEnum(a.buf(0), a.buf(2))
	}, pIn(1), pU32(), pIn(3), pU32())

	register(HostVarsMoveNext, "VarsMoveNext", ModeManager, true, func(p *Processor, a *hostArgs) (uint64, error) {
		key, val, ok, err := p.VarsMoveNext()
		if err != nil || !ok {
			return 0, err
		}
		ptrs, err := p.auxPut(&p.vars.aux, key, val)
		if err != nil {
			return 0, err
		}
		putPtrLen(a.buf(0), a.buf(1), ptrs[0], len(key))
		putPtrLen(a.buf(2), a.buf(3), ptrs[1], len(val))
		return 1, nil
	}, pOutN(4), pOutN(4), pOutN(4), pOutN(4))

	register(HostLogsEnum, "LogsEnum", ModeManager, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, p.LogsEnum(a.buf(0), a.buf(2), types.Height(a.u64(4)), types.Height(a.u64(5)))
	}, pIn(1), pU32(), pIn(3), pU32(), pU64(), pU64())

	register(HostLogsMoveNext, "LogsMoveNext", ModeManager, true, func(p *Processor, a *hostArgs) (uint64, error) {
		e, ok, err := p.LogsMoveNext()
		if err != nil || !ok {
			return 0, err
		}
		ptrs, err := p.auxPut(&p.logs.aux, e.Key, e.Val)
		if err != nil {
			return 0, err
		}
		putPtrLen(a.buf(0), a.buf(1), ptrs[0], len(e.Key))
		putPtrLen(a.buf(2), a.buf(3), ptrs[1], len(e.Val))
		binary.LittleEndian.PutUint64(a.buf(4), uint64(e.Height))
		return 1, nil
	}, pOutN(4), pOutN(4), pOutN(4), pOutN(4), pOutN(8))

	register(HostDocAddGroup, "DocAddGroup", ModeManager, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, docFault(p.doc.OpenGroup(a.str(0)))
	}, pStr())

	register(HostDocCloseGroup, "DocCloseGroup", ModeManager, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, docFault(p.doc.CloseGroup())
	})

	register(HostDocAddArray, "DocAddArray", ModeManager, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, docFault(p.doc.OpenArray(a.str(0)))
	}, pStr())

	register(HostDocCloseArray, "DocCloseArray", ModeManager, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, docFault(p.doc.CloseArray())
	})

	register(HostDocAddText, "DocAddText", ModeManager, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, docFault(p.doc.AddText(a.str(0), a.str(1)))
	}, pStr(), pStr())

	register(HostDocAddNum32, "DocAddNum32", ModeManager, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, docFault(p.doc.AddNum(a.str(0), uint64(a.u32(1))))
	}, pStr(), pU32())

	register(HostDocAddNum64, "DocAddNum64", ModeManager, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, docFault(p.doc.AddNum(a.str(0), a.u64(1)))
	}, pStr(), pU64())

	register(HostDocAddBlob, "DocAddBlob", ModeManager, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, docFault(p.doc.AddBlob(a.str(0), a.buf(1)))
	}, pStr(), pIn(2), pU32())

	register(HostDocGetText, "DocGetText", ModeManager, true, func(p *Processor, a *hostArgs) (uint64, error) {
		v, ok := p.args.Text(a.str(0))
		if !ok {
			return 0, nil
		}
		out := a.buf(1)
		n := copy(out, v)
		if n < len(out) {
			out[n] = 0
		} else if len(out) > 0 {
			out[len(out)-1] = 0
		}
		return uint64(len(v) + 1), nil
	}, pStr(), pOut(2), pU32())

	register(HostDocGetNum32, "DocGetNum32", ModeManager, true, func(p *Processor, a *hostArgs) (uint64, error) {
		v, ok, err := p.args.Num(a.str(0))
		if err != nil || !ok || v > uint64(^uint32(0)) {
			return 0, nil
		}
		binary.LittleEndian.PutUint32(a.buf(1), uint32(v))
		return 1, nil
	}, pStr(), pOutN(4))

	register(HostDocGetNum64, "DocGetNum64", ModeManager, true, func(p *Processor, a *hostArgs) (uint64, error) {
		v, ok, err := p.args.Num(a.str(0))
		if err != nil || !ok {
			return 0, nil
		}
		binary.LittleEndian.PutUint64(a.buf(1), v)
		return 1, nil
	}, pStr(), pOutN(8))

	register(HostDocGetBlob, "DocGetBlob", ModeManager, true, func(p *Processor, a *hostArgs) (uint64, error) {
		v, ok, err := p.args.Blob(a.str(0))
		if err != nil || !ok {
			return 0, nil
		}
		copy(a.buf(1), v)
		return uint64(len(v)), nil
	}, pStr(), pOut(2), pU32())

	register(HostDerivePk, "DerivePk", ModeManager, false, func(p *Processor, a *hostArgs) (uint64, error) {
		pk, err := p.DerivePk(a.buf(1))
		if err != nil {
			return 0, err
		}
		copy(a.buf(0), pk[:])
		return 0, nil
	}, pOutN(types.PubKeySize), pIn(2), pU32())

	register(HostDeriveKeyPreimage, "DeriveKeyPreimage", ModeManager, false, func(p *Processor, a *hostArgs) (uint64, error) {
		h, err := p.DeriveKeyPreimage(a.buf(1))
		if err != nil {
			return 0, err
		}
		copy(a.buf(0), h[:])
		return 0, nil
	}, pOutN(types.HashSize), pIn(2), pU32())

	register(HostGenerateKernel, "GenerateKernel", ModeManager, true, func(p *Processor, a *hostArgs) (uint64, error) {
		req := KernelRequest{
			Method:  a.u32(1),
			Args:    append([]byte(nil), a.buf(2)...),
			Comment: a.str(8),
			Charge:  a.u32(9),
		}
		copy(req.Cid[:], a.buf(0))
		var err error
		if req.Funds, err = DecodeFundsChanges(a.buf(4)); err != nil {
			return 0, err
		}
		if req.SigIDs, err = DecodeSigRequests(a.buf(6)); err != nil {
			return 0, err
		}
		if _, err := p.GenerateKernel(req); err != nil {
			return 0, err
		}
		return 1, nil
	}, pInN(types.IDSize), pU32(), pIn(3), pU32(), pIn(5), pU32(), pIn(7), pU32(), pStr(), pU32())
}

func putPtrLen(pp, pn []byte, ptr uint32, n int) {
	binary.LittleEndian.PutUint32(pp, ptr)
	binary.LittleEndian.PutUint32(pn, uint32(n))
}

func docFault(err error) error {
	if err == nil {
		return nil
	}
	return asFault(ErrDocNesting, err)
}

// RunApp runs method of a bytecode manager app. Keys the app derives are
// scoped to its shader id.
func (p *Processor) RunApp(mod *module.Module, method uint32) (err error) {
	if err := p.requireMode(ModeManager, "RunApp"); err != nil {
		return err
	}
	if err := p.begin(); err != nil {
		return err
	}
	defer p.end(&err)
	defer p.finishApp(&err)

	if err := p.pushInterp(types.ContractID(mod.ID), mod, method, 0); err != nil {
		return err
	}
	return p.run(0)
}

// RunNativeApp runs method of a native manager app.
func (p *Processor) RunNativeApp(app *NativeApp, method uint32) (err error) {
	if err := p.requireMode(ModeManager, "RunNativeApp"); err != nil {
		return err
	}
	if err := p.begin(); err != nil {
		return err
	}
	defer p.end(&err)
	defer p.finishApp(&err)

	if uint64(method) >= uint64(len(app.Methods)) || app.Methods[method] == nil {
		return faultf(ErrMethodOutOfRange, "%s method %d of %d", app.Name, method, len(app.Methods))
	}
	p.far = append(p.far, &farFrame{cid: types.ContractID(app.ID()), method: method, sp: p.sp})
	if err := app.Methods[method](p); err != nil {
		return err
	}
	p.far = p.far[:0]
	return nil
}

// finishApp releases cursors and completes the document.
func (p *Processor) finishApp(err *error) {
	verr := p.closeVars()
	lerr := p.closeLogs()
	if *err == nil {
		*err = verr
	}
	if *err == nil {
		*err = lerr
	}
	if cerr := p.doc.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

// scope is the shader id of the running app.
func (p *Processor) scope() types.ShaderID {
	if len(p.far) == 0 {
		return types.ShaderID{}
	}
	return types.ShaderID(p.far[0].cid)
}

// Args returns the request arguments.
func (p *Processor) Args() Args {
	return p.args
}

// Doc returns the output document.
func (p *Processor) Doc() *DocWriter {
	return p.doc
}

// Kernels returns the kernels generated so far.
func (p *Processor) Kernels() []*Kernel {
	return append([]*Kernel(nil), p.kernels...)
}

// VarsEnum starts enumerating ledger variables in [kMin, kMax]. Both bounds
// are full keys and must share the contract id and tag.
func (p *Processor) VarsEnum(kMin, kMax []byte) error {
	if err := p.requireMode(ModeManager, "VarsEnum"); err != nil {
		return err
	}
	if err := p.meter.Consume(CostLoadVar); err != nil {
		return err
	}
	if len(kMin) < ledger.KeyPrefixSize || len(kMax) < ledger.KeyPrefixSize ||
		!bytes.Equal(kMin[:ledger.KeyPrefixSize], kMax[:ledger.KeyPrefixSize]) {
		return faultf(ErrEnumRange, "bounds must share the %d byte prefix", ledger.KeyPrefixSize)
	}
	if err := p.closeVars(); err != nil {
		return err
	}
	it, err := p.store.Enumerate(kMin, kMax)
	if err != nil {
		return asFault(ErrStorage, err)
	}
	p.vars = &varCursor{it: it}
	return nil
}

// VarsMoveNext advances the variable cursor. key is stripped of the
// contract id and tag. ok is false once the range is exhausted. The
// contract's stored module is not a variable and is skipped.
func (p *Processor) VarsMoveNext() (key, val []byte, ok bool, err error) {
	if err := p.requireMode(ModeManager, "VarsMoveNext"); err != nil {
		return nil, nil, false, err
	}
	c := p.vars
	if c == nil {
		return nil, nil, false, nil
	}
	for {
		if !c.it.Next() {
			ierr := c.it.Error()
			cerr := p.closeVars()
			if ierr != nil {
				return nil, nil, false, asFault(ErrStorage, ierr)
			}
			return nil, nil, false, cerr
		}
		if _, tag, sub, ok := ledger.SplitKey(c.it.Key()); !ok || tag != ledger.TagInternal || len(sub) > 0 {
			break
		}
	}
	key = append([]byte(nil), c.it.Key()[ledger.KeyPrefixSize:]...)
	val = append([]byte(nil), c.it.Value()...)
	if err := p.meter.ConsumeBytes(CostLoadVar, CostLoadVarPerByte, len(key)+len(val)); err != nil {
		return nil, nil, false, err
	}
	return key, val, true, nil
}

// LogsEnum starts enumerating logs emitted at heights [hMin, hMax] whose
// full key lies in [kMin, kMax]. An empty bound is open.
func (p *Processor) LogsEnum(kMin, kMax []byte, hMin, hMax types.Height) error {
	if err := p.requireMode(ModeManager, "LogsEnum"); err != nil {
		return err
	}
	if err := p.meter.Consume(CostLoadVar); err != nil {
		return err
	}
	if err := p.closeLogs(); err != nil {
		return err
	}
	it, err := p.store.Enumerate(ledger.LogKey(hMin, 0), ledger.LogKey(hMax, ^uint32(0)))
	if err != nil {
		return asFault(ErrStorage, err)
	}
	p.logs = &logCursor{
		it:   it,
		kMin: append([]byte(nil), kMin...),
		kMax: append([]byte(nil), kMax...),
	}
	return nil
}

// LogsMoveNext advances the log cursor.
func (p *Processor) LogsMoveNext() (LogEntry, bool, error) {
	if err := p.requireMode(ModeManager, "LogsMoveNext"); err != nil {
		return LogEntry{}, false, err
	}
	c := p.logs
	if c == nil {
		return LogEntry{}, false, nil
	}
	for c.it.Next() {
		h, idx, ok := ledger.ParseLogKey(c.it.Key())
		if !ok {
			continue
		}
		key, val, ok := DecodeLogRecord(c.it.Value())
		if !ok {
			return LogEntry{}, false, faultf(ErrStorage, "malformed log at %d/%d", h, idx)
		}
		if len(c.kMin) > 0 && bytes.Compare(key, c.kMin) < 0 {
			continue
		}
		if len(c.kMax) > 0 && bytes.Compare(key, c.kMax) > 0 {
			continue
		}
		e := LogEntry{
			Height: h,
			Index:  idx,
			Key:    append([]byte(nil), key...),
			Val:    append([]byte(nil), val...),
		}
		if err := p.meter.ConsumeBytes(CostLoadVar, CostLoadVarPerByte, len(e.Key)+len(e.Val)); err != nil {
			return LogEntry{}, false, err
		}
		return e, true, nil
	}
	ierr := c.it.Error()
	cerr := p.closeLogs()
	if ierr != nil {
		return LogEntry{}, false, asFault(ErrStorage, ierr)
	}
	return LogEntry{}, false, cerr
}

func (p *Processor) closeVars() error {
	if p.vars == nil {
		return nil
	}
	p.vars.it.Release()
	err := p.auxFree(&p.vars.aux)
	p.vars = nil
	return err
}

func (p *Processor) closeLogs() error {
	if p.logs == nil {
		return nil
	}
	p.logs.it.Release()
	err := p.auxFree(&p.logs.aux)
	p.logs = nil
	return err
}

// auxPut copies parts back to back into the aux buffer, growing it when
// needed, and returns the guest pointer of each part.
func (p *Processor) auxPut(b *auxBuf, parts ...[]byte) ([]uint32, error) {
	total := 0
	for _, part := range parts {
		total += len(part)
	}
	if b.addr != 0 {
		if sz, ok := p.heap.BlockSize(b.addr & OffsetMask); !ok || sz != b.size {
			return nil, faultf(ErrHeap, "aux buffer 0x%08x no longer allocated", b.addr)
		}
	}
	if uint32(total) > b.size || b.addr == 0 {
		if err := p.auxFree(b); err != nil {
			return nil, err
		}
		addr, ok := p.heap.Alloc(uint32(total))
		if !ok {
			return nil, faultf(ErrHeap, "aux buffer of %d bytes", total)
		}
		size, _ := p.heap.BlockSize(addr)
		b.addr, b.size = TagHeap|addr, size
	}
	ptrs := make([]uint32, len(parts))
	off := b.addr & OffsetMask
	for i, part := range parts {
		ptrs[i] = TagHeap | off
		copy(p.heapMem[off:], part)
		off += uint32(len(part))
	}
	return ptrs, nil
}

func (p *Processor) auxFree(b *auxBuf) error {
	if b.addr == 0 {
		return nil
	}
	addr := b.addr
	b.addr, b.size = 0, 0
	if err := p.heap.Free(addr & OffsetMask); err != nil {
		return asFault(ErrHeap, err)
	}
	return nil
}

// isAux reports whether ptr is a live cursor buffer. Those belong to the
// processor and the guest may not free them.
func (p *Processor) isAux(ptr uint32) bool {
	if p.vars != nil && p.vars.aux.addr != 0 && p.vars.aux.addr == ptr {
		return true
	}
	return p.logs != nil && p.logs.aux.addr != 0 && p.logs.aux.addr == ptr
}

// DeriveKeyPreimage returns the public preimage of the app key id.
func (p *Processor) DeriveKeyPreimage(id []byte) (types.Hash, error) {
	if err := p.requireMode(ModeManager, "DeriveKeyPreimage"); err != nil {
		return types.Hash{}, err
	}
	return ecc.KeyPreimage(p.scope(), id), nil
}

// DerivePk returns the public key of the app key id.
func (p *Processor) DerivePk(id []byte) (types.PubKey, error) {
	pre, err := p.DeriveKeyPreimage(id)
	if err != nil {
		return types.PubKey{}, err
	}
	if p.keys == nil {
		return types.PubKey{}, faultf(ErrInvalidKey, "no key keeper")
	}
	if err := p.meter.Consume(CostSecpPointMul); err != nil {
		return types.PubKey{}, err
	}
	pk, err := p.keys.PublicKey(pre)
	if err != nil {
		return types.PubKey{}, faultf(ErrInvalidKey, "%v", err)
	}
	return pk, nil
}
