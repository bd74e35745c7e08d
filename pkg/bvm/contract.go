package bvm

import (
	"encoding/binary"
	"errors"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm/module"
	"github.com/fortiblox/bvm/pkg/ledger"
)

// Host call ids available in contract mode only.
const (
	HostSaveVar      uint16 = 30
	HostEmitLog      uint16 = 31
	HostCallFar      uint16 = 32
	HostGetCallDepth uint16 = 33
	HostGetCallerCid uint16 = 34
	HostFundsLock    uint16 = 35
	HostFundsUnlock  uint16 = 36
	HostRefAdd       uint16 = 37
	HostRefRelease   uint16 = 38
	HostAssetCreate  uint16 = 39
	HostAssetEmit    uint16 = 40
	HostAssetDestroy uint16 = 41
	HostAddSig       uint16 = 42
	HostUpdateShader uint16 = 43
)

func registerContract() {
	register(HostSaveVar, "SaveVar", ModeContract, true, func(p *Processor, a *hostArgs) (uint64, error) {
		tag, err := tagParam(a.u32(4))
		if err != nil {
			return 0, err
		}
		n, err := p.SaveVar(tag, a.buf(0), a.buf(2))
		return uint64(n), err
	}, pIn(1), pU32(), pIn(3), pU32(), pU32())

	register(HostEmitLog, "EmitLog", ModeContract, true, func(p *Processor, a *hostArgs) (uint64, error) {
		tag, err := tagParam(a.u32(4))
		if err != nil {
			return 0, err
		}
		idx, err := p.EmitLog(tag, a.buf(0), a.buf(2))
		return uint64(idx), err
	}, pIn(1), pU32(), pIn(3), pU32(), pU32())

	register(HostCallFar, "CallFar", ModeContract, false, func(p *Processor, a *hostArgs) (uint64, error) {
		var cid types.ContractID
		copy(cid[:], a.buf(0))
		return 0, p.callFar(cid, a.u32(1), a.buf(2), a.ptr(2), true)
	}, pInN(types.IDSize), pU32(), pOut(3), pU32())

	register(HostGetCallDepth, "GetCallDepth", ModeContract, true, func(p *Processor, a *hostArgs) (uint64, error) {
		return uint64(p.CallDepth()), nil
	})

	register(HostGetCallerCid, "GetCallerCid", ModeContract, true, func(p *Processor, a *hostArgs) (uint64, error) {
		cid, ok := p.CallerCid(a.u32(0))
		if ok {
			copy(a.buf(1), cid[:])
		}
		return b2u(ok), nil
	}, pU32(), pOutN(types.IDSize))

	register(HostFundsLock, "FundsLock", ModeContract, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, p.FundsLock(types.AssetID(a.u32(0)), types.Amount(a.u64(1)))
	}, pU32(), pU64())

	register(HostFundsUnlock, "FundsUnlock", ModeContract, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, p.FundsUnlock(types.AssetID(a.u32(0)), types.Amount(a.u64(1)))
	}, pU32(), pU64())

	register(HostRefAdd, "RefAdd", ModeContract, true, func(p *Processor, a *hostArgs) (uint64, error) {
		var cid types.ContractID
		copy(cid[:], a.buf(0))
		return boolResult(p.RefAdd(cid))
	}, pInN(types.IDSize))

	register(HostRefRelease, "RefRelease", ModeContract, true, func(p *Processor, a *hostArgs) (uint64, error) {
		var cid types.ContractID
		copy(cid[:], a.buf(0))
		return boolResult(p.RefRelease(cid))
	}, pInN(types.IDSize))

	register(HostAssetCreate, "AssetCreate", ModeContract, true, func(p *Processor, a *hostArgs) (uint64, error) {
		aid, err := p.AssetCreate(a.buf(0))
		return uint64(aid), err
	}, pIn(1), pU32())

	register(HostAssetEmit, "AssetEmit", ModeContract, true, func(p *Processor, a *hostArgs) (uint64, error) {
		return boolResult(p.AssetEmit(types.AssetID(a.u32(0)), types.Amount(a.u64(1)), a.u32(2) != 0))
	}, pU32(), pU64(), pU32())

	register(HostAssetDestroy, "AssetDestroy", ModeContract, true, func(p *Processor, a *hostArgs) (uint64, error) {
		return boolResult(p.AssetDestroy(types.AssetID(a.u32(0))))
	}, pU32())

	register(HostAddSig, "AddSig", ModeContract, false, func(p *Processor, a *hostArgs) (uint64, error) {
		var pk types.PubKey
		copy(pk[:], a.buf(0))
		return 0, p.AddSig(pk)
	}, pInN(types.PubKeySize))

	register(HostUpdateShader, "UpdateShader", ModeContract, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, p.UpdateShader(a.buf(0))
	}, pIn(1), pU32())
}

func tagParam(v uint32) (ledger.Tag, error) {
	if v > 0xFF {
		return 0, faultf(ErrReservedTag, "%d", v)
	}
	return ledger.Tag(v), nil
}

// Cid returns the contract id of the running frame.
func (p *Processor) Cid() types.ContractID {
	if f := p.top(); f != nil {
		return f.cid
	}
	return types.ContractID{}
}

// CallDepth returns the number of active far frames.
func (p *Processor) CallDepth() uint32 {
	return uint32(len(p.far))
}

// CallerCid returns the contract i frames below the running one; 0 is the
// running contract itself.
func (p *Processor) CallerCid(i uint32) (types.ContractID, bool) {
	if uint64(i) >= uint64(len(p.far)) {
		return types.ContractID{}, false
	}
	return p.far[len(p.far)-1-int(i)].cid, true
}

// Invoke runs a method of cid as a top-level call. args is updated in place
// with whatever the method wrote back.
func (p *Processor) Invoke(cid types.ContractID, method uint32, args []byte) (err error) {
	if err := p.requireMode(ModeContract, "Invoke"); err != nil {
		return err
	}
	if err := p.begin(); err != nil {
		return err
	}
	defer p.end(&err)
	return p.CallFar(cid, method, args)
}

// Deploy stores blob as a new contract, indexes it under its shader id and
// runs the constructor with args.
func (p *Processor) Deploy(blob, args []byte) (cid types.ContractID, err error) {
	if err := p.requireMode(ModeContract, "Deploy"); err != nil {
		return cid, err
	}
	if err := p.begin(); err != nil {
		return cid, err
	}
	defer p.end(&err)

	sid, err := p.shaderOf(blob)
	if err != nil {
		return cid, err
	}
	cid = types.ContractIDOf(sid, args)
	key := ledger.ShaderKey(cid)
	if _, lerr := p.store.Load(key); lerr == nil {
		return cid, faultf(ErrContractExists, "%s", cid)
	} else if !errors.Is(lerr, ledger.ErrNotFound) {
		return cid, asFault(ErrStorage, lerr)
	}
	if err := p.save(key, blob); err != nil {
		return cid, err
	}
	if err := p.save(ledger.SidCidKey(sid, cid), ledger.EncodeHeight(p.height)); err != nil {
		return cid, err
	}
	return cid, p.CallFar(cid, module.MethodCtor, args)
}

// Destroy runs the destructor of cid and removes its shader. A contract that
// other contracts still reference cannot be destroyed.
func (p *Processor) Destroy(cid types.ContractID, args []byte) (err error) {
	if err := p.requireMode(ModeContract, "Destroy"); err != nil {
		return err
	}
	if err := p.begin(); err != nil {
		return err
	}
	defer p.end(&err)

	refs, err := p.loadU32(ledger.VarKey(cid, ledger.TagRefs, nil))
	if err != nil {
		return err
	}
	if refs != 0 {
		return faultf(ErrContractReferenced, "%s has %d holders", cid, refs)
	}
	if err := p.CallFar(cid, module.MethodDtor, args); err != nil {
		return err
	}
	blob, err := p.load(ledger.ShaderKey(cid))
	if err != nil {
		return err
	}
	sid, err := p.shaderOf(blob)
	if err != nil {
		return err
	}
	if err := p.save(ledger.ShaderKey(cid), nil); err != nil {
		return err
	}
	return p.save(ledger.SidCidKey(sid, cid), nil)
}

// CallFar calls method of cid with args. It is the entry for native
// shaders and top-level calls; args is copied onto the guest stack for
// interpreted callees and copied back when they return.
func (p *Processor) CallFar(cid types.ContractID, method uint32, args []byte) error {
	return p.callFar(cid, method, args, 0, false)
}

// callFar enters a contract. With inline set the caller is an interpreted
// frame: args already lives in guest memory at argsPtr and an interpreted
// callee is pushed for the running step loop to pick up.
func (p *Processor) callFar(cid types.ContractID, method uint32, args []byte, argsPtr uint32, inline bool) error {
	if err := p.requireMode(ModeContract, "CallFar"); err != nil {
		return err
	}
	if err := p.meter.Consume(CostCallFar); err != nil {
		return err
	}
	if len(p.far) >= p.limits.FarCallDepth {
		return faultf(ErrFarCallDepth, "depth %d", len(p.far))
	}
	blob, err := p.store.Load(ledger.ShaderKey(cid))
	if errors.Is(err, ledger.ErrNotFound) {
		return faultf(ErrShaderNotFound, "%s", cid)
	} else if err != nil {
		return asFault(ErrStorage, err)
	}
	if p.tracer != nil {
		p.tracer.OnCallFar(len(p.far)+1, cid, method)
	}

	if sid, ok := module.ParseNative(blob); ok {
		return p.callNative(cid, sid, method, args)
	}
	mod, err := p.loader.Load(blob)
	if err != nil {
		return faultf(ErrBadModule, "%s: %v", cid, err)
	}
	if inline {
		return p.pushInterp(cid, mod, method, argsPtr)
	}

	ptr, err := p.StackAlloc(uint32(len(args)))
	if err != nil {
		return err
	}
	off := ptr & OffsetMask
	copy(p.stack[off:], args)
	base := len(p.far)
	if err := p.pushInterp(cid, mod, method, ptr); err != nil {
		return err
	}
	if err := p.run(base); err != nil {
		return err
	}
	copy(args, p.stack[off:])
	return p.StackFree(uint32(len(args)))
}

func (p *Processor) callNative(cid types.ContractID, sid types.ShaderID, method uint32, args []byte) error {
	sh, ok := p.natives.Lookup(sid)
	if !ok {
		return faultf(ErrShaderNotFound, "native shader %s", sid)
	}
	fn, err := sh.method(method)
	if err != nil {
		return err
	}
	sp := p.sp
	p.far = append(p.far, &farFrame{cid: cid, method: method, native: sh, sp: sp})
	if err := fn(p, args); err != nil {
		return asFault(ErrHalt, err)
	}
	p.sp = sp
	p.far = p.far[:len(p.far)-1]
	return nil
}

// shaderOf validates a stored blob and returns its shader id.
func (p *Processor) shaderOf(blob []byte) (types.ShaderID, error) {
	if sid, ok := module.ParseNative(blob); ok {
		if _, known := p.natives.Lookup(sid); !known {
			return sid, faultf(ErrShaderNotFound, "native shader %s", sid)
		}
		return sid, nil
	}
	mod, err := p.loader.Load(blob)
	if err != nil {
		return types.ShaderID{}, faultf(ErrBadModule, "%v", err)
	}
	return mod.ID, nil
}

// LoadVar reads a variable of the running contract. A missing variable
// reads as nil.
func (p *Processor) LoadVar(tag ledger.Tag, key []byte) ([]byte, error) {
	if err := p.requireMode(ModeContract, "LoadVar"); err != nil {
		return nil, err
	}
	if len(key) > p.limits.VarKeySize {
		return nil, faultf(ErrVarKey, "key of %d bytes", len(key))
	}
	val, err := p.load(ledger.VarKey(p.Cid(), tag, key))
	if err != nil {
		return nil, err
	}
	if err := p.meter.ConsumeBytes(CostLoadVar, CostLoadVarPerByte, len(val)); err != nil {
		return nil, err
	}
	return val, nil
}

// SaveVar writes a variable of the running contract and returns the size of
// the previous value. An empty value deletes the variable.
func (p *Processor) SaveVar(tag ledger.Tag, key, val []byte) (uint32, error) {
	if err := p.requireMode(ModeContract, "SaveVar"); err != nil {
		return 0, err
	}
	switch {
	case tag != ledger.TagInternal && tag != ledger.TagInternalStealth:
		return 0, faultf(ErrReservedTag, "%d", tag)
	case tag == ledger.TagInternal && len(key) == 0:
		return 0, faultf(ErrVarKey, "empty key is reserved")
	case len(key) > p.limits.VarKeySize:
		return 0, faultf(ErrVarKey, "key of %d bytes", len(key))
	case len(val) > p.limits.VarSize:
		return 0, faultf(ErrVarSize, "value of %d bytes", len(val))
	}
	if err := p.meter.ConsumeBytes(CostSaveVar, CostSaveVarPerByte, len(val)); err != nil {
		return 0, err
	}
	k := ledger.VarKey(p.Cid(), tag, key)
	old, err := p.load(k)
	if err != nil {
		return 0, err
	}
	if err := p.save(k, val); err != nil {
		return 0, err
	}
	return uint32(len(old)), nil
}

// EmitLog records a log entry keyed by the running contract and returns its
// index within the current height.
func (p *Processor) EmitLog(tag ledger.Tag, key, val []byte) (uint32, error) {
	if err := p.requireMode(ModeContract, "EmitLog"); err != nil {
		return 0, err
	}
	if len(key) > p.limits.VarKeySize {
		return 0, faultf(ErrVarKey, "key of %d bytes", len(key))
	}
	if len(val) > p.limits.VarSize {
		return 0, faultf(ErrVarSize, "value of %d bytes", len(val))
	}
	if err := p.meter.ConsumeBytes(CostLog, CostLogPerByte, len(key)+len(val)); err != nil {
		return 0, err
	}
	next := ledger.VarKey(types.SystemContractID, ledger.TagLogNext, ledger.EncodeHeight(p.height))
	idx, err := p.loadU32(next)
	if err != nil {
		return 0, err
	}
	if idx == ^uint32(0) {
		return 0, faultf(ErrVarSize, "log index exhausted at height %d", p.height)
	}
	if err := p.saveU32(next, idx+1); err != nil {
		return 0, err
	}
	rec := EncodeLogRecord(ledger.VarKey(p.Cid(), tag, key), val)
	return idx, p.save(ledger.LogKey(p.height, idx), rec)
}

// UpdateShader replaces the running contract's code. The current frame keeps
// executing the old code; later calls load the new one.
func (p *Processor) UpdateShader(code []byte) error {
	if err := p.requireMode(ModeContract, "UpdateShader"); err != nil {
		return err
	}
	if err := p.meter.ConsumeBytes(CostUpdateShader, CostUpdateShaderByte, len(code)); err != nil {
		return err
	}
	mod, err := module.Parse(code)
	if err != nil {
		return faultf(ErrBadModule, "%v", err)
	}
	cid := p.Cid()
	old, err := p.load(ledger.ShaderKey(cid))
	if err != nil {
		return err
	}
	if old != nil {
		oldSid, err := p.shaderOf(old)
		if err != nil {
			return err
		}
		if err := p.save(ledger.SidCidKey(oldSid, cid), nil); err != nil {
			return err
		}
	}
	h := ledger.EncodeHeight(p.height)
	if err := p.save(ledger.ShaderKey(cid), code); err != nil {
		return err
	}
	if err := p.save(ledger.SidCidKey(mod.ID, cid), h); err != nil {
		return err
	}
	return p.save(ledger.VarKey(cid, ledger.TagShaderChange, h), mod.ID[:])
}

// EncodeLogRecord encodes a stored log entry: u32 BE key length, key, value.
func EncodeLogRecord(key, val []byte) []byte {
	rec := make([]byte, 4+len(key)+len(val))
	binary.BigEndian.PutUint32(rec, uint32(len(key)))
	copy(rec[4:], key)
	copy(rec[4+len(key):], val)
	return rec
}

// DecodeLogRecord splits a stored log entry.
func DecodeLogRecord(rec []byte) (key, val []byte, ok bool) {
	if len(rec) < 4 {
		return nil, nil, false
	}
	n := binary.BigEndian.Uint32(rec)
	if uint64(n) > uint64(len(rec)-4) {
		return nil, nil, false
	}
	return rec[4 : 4+n], rec[4+n:], true
}

// load reads a ledger key; a missing key reads as nil.
func (p *Processor) load(key []byte) ([]byte, error) {
	val, err := p.store.Load(key)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, asFault(ErrStorage, err)
	}
	return val, nil
}

func (p *Processor) save(key, val []byte) error {
	if err := p.store.Save(key, val); err != nil {
		return asFault(ErrStorage, err)
	}
	return nil
}

func (p *Processor) loadU32(key []byte) (uint32, error) {
	val, err := p.load(key)
	if err != nil || val == nil {
		return 0, err
	}
	if len(val) != 4 {
		return 0, faultf(ErrStorage, "counter of %d bytes", len(val))
	}
	return binary.BigEndian.Uint32(val), nil
}

func (p *Processor) saveU32(key []byte, v uint32) error {
	if v == 0 {
		return p.save(key, nil)
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return p.save(key, b[:])
}
