package bvm

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"math/bits"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm/ecc"
	"github.com/fortiblox/bvm/pkg/bvm/hasher"
	"github.com/fortiblox/bvm/pkg/chain"
)

// Host call ids shared by both modes.
const (
	HostMemcpy       uint16 = 1
	HostMemset       uint16 = 2
	HostMemcmp       uint16 = 3
	HostMemis0       uint16 = 4
	HostStackAlloc   uint16 = 5
	HostStackFree    uint16 = 6
	HostHeapAlloc    uint16 = 7
	HostHeapFree     uint16 = 8
	HostHalt         uint16 = 9
	HostLoadVar      uint16 = 10
	HostHashCreate   uint16 = 11
	HostHashWrite    uint16 = 12
	HostHashGetValue uint16 = 13
	HostHashFree     uint16 = 14
	HostGetHeight    uint16 = 15
	HostGetHdr       uint16 = 16
	HostStrCmp       uint16 = 17
	HostSecpMulG     uint16 = 18
	HostSecpMul      uint16 = 19
	HostSecpAdd      uint16 = 20
	HostSecpMulH     uint16 = 21
	HostSecpScalar   uint16 = 22
	HostVerifyPoW    uint16 = 23
	HostDebugPrint   uint16 = 24
)

// ScalarOp selects the operation of SecpScalar.
type ScalarOp uint32

const (
	ScalarAdd ScalarOp = iota
	ScalarMul
	ScalarNeg
	ScalarInv
	ScalarSub
)

func registerCommon() {
	register(HostMemcpy, "Memcpy", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		if err := p.meter.ConsumeBytes(CostMemOp, CostMemOpPerByte, len(a.buf(1))); err != nil {
			return 0, err
		}
		copy(a.buf(0), a.buf(1))
		return uint64(a.ptr(0)), nil
	}, pOut(2), pIn(2), pU32())

	register(HostMemset, "Memset", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		dst := a.buf(0)
		if err := p.meter.ConsumeBytes(CostMemOp, CostMemOpPerByte, len(dst)); err != nil {
			return 0, err
		}
		v := byte(a.u32(1))
		for i := range dst {
			dst[i] = v
		}
		return uint64(a.ptr(0)), nil
	}, pOut(2), pU32(), pU32())

	register(HostMemcmp, "Memcmp", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		if err := p.meter.ConsumeBytes(CostMemOp, CostMemOpPerByte, len(a.buf(0))); err != nil {
			return 0, err
		}
		return signed(bytes.Compare(a.buf(0), a.buf(1))), nil
	}, pIn(2), pIn(2), pU32())

	register(HostMemis0, "Memis0", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		buf := a.buf(0)
		if err := p.meter.ConsumeBytes(CostMemOp, CostMemOpPerByte, len(buf)); err != nil {
			return 0, err
		}
		for _, b := range buf {
			if b != 0 {
				return 0, nil
			}
		}
		return 1, nil
	}, pIn(1), pU32())

	register(HostStackAlloc, "StackAlloc", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		ptr, err := p.StackAlloc(a.u32(0))
		return uint64(ptr), err
	}, pU32())

	register(HostStackFree, "StackFree", modeAny, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, p.StackFree(a.u32(0))
	}, pU32())

	register(HostHeapAlloc, "HeapAlloc", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		ptr, _, err := p.HeapAlloc(a.u32(0))
		return uint64(ptr), err
	}, pU32())

	register(HostHeapFree, "HeapFree", modeAny, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, p.HeapFree(a.ptr(0))
	}, pRaw())

	register(HostHalt, "Halt", modeAny, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, p.Halt("")
	})

	register(HostLoadVar, "LoadVar", ModeContract, true, func(p *Processor, a *hostArgs) (uint64, error) {
		tag, err := tagParam(a.u32(4))
		if err != nil {
			return 0, err
		}
		val, err := p.LoadVar(tag, a.buf(0))
		if err != nil {
			return 0, err
		}
		copy(a.buf(2), val)
		return uint64(len(val)), nil
	}, pIn(1), pU32(), pOut(3), pU32(), pU32())

	register(HostHashCreate, "HashCreate", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		h, ok, err := p.HashCreate(hasher.Algo(a.u32(0)))
		if !ok {
			return 0, err
		}
		return uint64(h), err
	}, pU32())

	register(HostHashWrite, "HashWrite", modeAny, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, p.HashWrite(a.u32(0), a.buf(1))
	}, pU32(), pIn(2), pU32())

	register(HostHashGetValue, "HashGetValue", modeAny, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, p.HashGetValue(a.u32(0), a.buf(1))
	}, pU32(), pOut(2), pU32())

	register(HostHashFree, "HashFree", modeAny, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, p.HashFree(a.u32(0))
	}, pU32())

	register(HostGetHeight, "GetHeight", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		return uint64(p.Height()), nil
	})

	register(HostGetHdr, "GetHdr", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		hdr, err := p.Header(types.Height(a.u64(0)))
		if err != nil {
			if IsFault(err) {
				return 0, err
			}
			return 0, nil
		}
		copy(a.buf(1), hdr.Encode())
		return 1, nil
	}, pU64(), pOutN(chain.HeaderSize))

	register(HostStrCmp, "StrCmp", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		if err := p.meter.ConsumeBytes(CostMemOp, CostMemOpPerByte, len(a.str(0))+len(a.str(1))); err != nil {
			return 0, err
		}
		return signed(bytes.Compare([]byte(a.str(0)), []byte(a.str(1)))), nil
	}, pStr(), pStr())

	register(HostSecpMulG, "SecpMulG", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		pt, ok, err := p.SecpMulG(a.buf(0))
		copy(a.buf(1), pt[:])
		return boolResult(ok, err)
	}, pInN(ecc.ScalarSize), pOutN(ecc.PointSize))

	register(HostSecpMul, "SecpMul", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		pt, ok, err := p.SecpMul(a.buf(0), a.buf(1))
		copy(a.buf(2), pt[:])
		return boolResult(ok, err)
	}, pInN(ecc.PointSize), pInN(ecc.ScalarSize), pOutN(ecc.PointSize))

	register(HostSecpAdd, "SecpAdd", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		pt, ok, err := p.SecpAdd(a.buf(0), a.buf(1))
		copy(a.buf(2), pt[:])
		return boolResult(ok, err)
	}, pInN(ecc.PointSize), pInN(ecc.PointSize), pOutN(ecc.PointSize))

	register(HostSecpMulH, "SecpMulH", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		pt, ok, err := p.SecpMulH(a.buf(0), types.AssetID(a.u32(1)))
		copy(a.buf(2), pt[:])
		return boolResult(ok, err)
	}, pInN(ecc.ScalarSize), pU32(), pOutN(ecc.PointSize))

	register(HostSecpScalar, "SecpScalar", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		s, ok, err := p.SecpScalar(ScalarOp(a.u32(0)), a.buf(1), a.buf(2))
		copy(a.buf(3), s[:])
		return boolResult(ok, err)
	}, pU32(), pInN(ecc.ScalarSize), pInN(ecc.ScalarSize), pOutN(ecc.ScalarSize))

	register(HostVerifyPoW, "VerifyPoW", modeAny, true, func(p *Processor, a *hostArgs) (uint64, error) {
		return boolResult(p.VerifyPoW(a.buf(0), a.u64(2), a.u32(3)))
	}, pIn(1), pU32(), pU64(), pU32())

	register(HostDebugPrint, "DebugPrint", modeAny, false, func(p *Processor, a *hostArgs) (uint64, error) {
		return 0, p.Debug(a.str(0))
	}, pStr())
}

// HashCreate opens a hash handle. ok is false for an unknown algorithm or
// when too many handles are open.
func (p *Processor) HashCreate(algo hasher.Algo) (uint32, bool, error) {
	if err := p.meter.Consume(CostHashOp); err != nil {
		return 0, false, err
	}
	if len(p.hashes) >= p.limits.MaxHashes {
		return 0, false, nil
	}
	h, err := hasher.New(algo)
	if err != nil {
		return 0, false, nil
	}
	p.nextHash++
	p.hashes[p.nextHash] = h
	return p.nextHash, true, nil
}

// HashWrite feeds data to an open hash.
func (p *Processor) HashWrite(handle uint32, data []byte) error {
	h, ok := p.hashes[handle]
	if !ok {
		return faultf(ErrBadHandle, "hash %d", handle)
	}
	if err := p.meter.ConsumeBytes(0, CostHashOpPerByte, len(data)); err != nil {
		return err
	}
	h.Write(data)
	return nil
}

// HashGetValue writes the current digest into out. out may be shorter than
// the digest but not longer.
func (p *Processor) HashGetValue(handle uint32, out []byte) error {
	h, ok := p.hashes[handle]
	if !ok {
		return faultf(ErrBadHandle, "hash %d", handle)
	}
	if err := p.meter.Consume(CostHashOp); err != nil {
		return err
	}
	sum := h.Sum(nil)
	if len(out) > len(sum) {
		return faultf(ErrMemoryAccess, "digest is %d bytes, %d requested", len(sum), len(out))
	}
	copy(out, sum)
	return nil
}

// HashFree closes a hash handle.
func (p *Processor) HashFree(handle uint32) error {
	if _, ok := p.hashes[handle]; !ok {
		return faultf(ErrBadHandle, "hash %d", handle)
	}
	delete(p.hashes, handle)
	return nil
}

// HashData hashes data in one call, charged like create, write and read.
func (p *Processor) HashData(algo hasher.Algo, data []byte) ([]byte, error) {
	if err := p.meter.ConsumeBytes(2*CostHashOp, CostHashOpPerByte, len(data)); err != nil {
		return nil, err
	}
	sum, err := hasher.Sum(algo, data)
	if err != nil {
		return nil, faultf(ErrBadHandle, "%v", err)
	}
	return sum, nil
}

// SecpMulG returns k·G. ok is false for a non-canonical scalar.
func (p *Processor) SecpMulG(k []byte) (out [ecc.PointSize]byte, ok bool, err error) {
	if err = p.meter.Consume(CostSecpPointMul); err != nil {
		return
	}
	s, serr := ecc.ScalarFromBytes(k)
	if serr != nil {
		return out, false, nil
	}
	return ecc.MulG(&s).Bytes(), true, nil
}

// SecpMul returns k·P.
func (p *Processor) SecpMul(pt, k []byte) (out [ecc.PointSize]byte, ok bool, err error) {
	if err = p.meter.Consume(CostSecpPointImport + CostSecpPointMul); err != nil {
		return
	}
	P, perr := ecc.PointFromBytes(pt)
	s, serr := ecc.ScalarFromBytes(k)
	if perr != nil || serr != nil {
		return out, false, nil
	}
	return P.Mul(&s).Bytes(), true, nil
}

// SecpAdd returns A + B.
func (p *Processor) SecpAdd(a, b []byte) (out [ecc.PointSize]byte, ok bool, err error) {
	if err = p.meter.Consume(2*CostSecpPointImport + CostSecpPointAdd); err != nil {
		return
	}
	A, aerr := ecc.PointFromBytes(a)
	B, berr := ecc.PointFromBytes(b)
	if aerr != nil || berr != nil {
		return out, false, nil
	}
	return A.Add(B).Bytes(), true, nil
}

// SecpMulH returns k·H_aid.
func (p *Processor) SecpMulH(k []byte, aid types.AssetID) (out [ecc.PointSize]byte, ok bool, err error) {
	if err = p.meter.Consume(CostSecpPointMul); err != nil {
		return
	}
	s, serr := ecc.ScalarFromBytes(k)
	if serr != nil {
		return out, false, nil
	}
	return ecc.MulH(&s, aid).Bytes(), true, nil
}

// SecpScalar applies op to scalars a and b (b is ignored by unary ops).
func (p *Processor) SecpScalar(op ScalarOp, a, b []byte) (out [ecc.ScalarSize]byte, ok bool, err error) {
	if err = p.meter.Consume(CostSecpScalar); err != nil {
		return
	}
	x, xerr := ecc.ScalarFromBytes(a)
	y, yerr := ecc.ScalarFromBytes(b)
	if xerr != nil || (yerr != nil && op != ScalarNeg && op != ScalarInv) {
		return out, false, nil
	}
	switch op {
	case ScalarAdd:
		x.Add(&y)
	case ScalarMul:
		x.Mul(&y)
	case ScalarNeg:
		x.Negate()
	case ScalarInv:
		if x.IsZero() {
			return out, false, nil
		}
		x.InverseNonConst()
	case ScalarSub:
		y.Negate()
		x.Add(&y)
	default:
		return out, false, nil
	}
	return x.Bytes(), true, nil
}

// VerifyPoW reports whether SHA256(data ‖ nonce LE8) has at least bits
// leading zero bits.
func (p *Processor) VerifyPoW(data []byte, nonce uint64, difficulty uint32) (bool, error) {
	if err := p.meter.Consume(CostPoW); err != nil {
		return false, err
	}
	if difficulty > 256 {
		return false, nil
	}
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	h := sha256.New()
	h.Write(data)
	h.Write(n[:])
	return leadingZeros(h.Sum(nil)) >= int(difficulty), nil
}

func leadingZeros(b []byte) int {
	n := 0
	for _, v := range b {
		if v != 0 {
			return n + bits.LeadingZeros8(v)
		}
		n += 8
	}
	return n
}
