package bvm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm/ecc"
	"github.com/holiman/uint256"
)

const (
	kernelDomain = "bvm.kernel"
	blindDomain  = "bvm.kernel.blind"

	// FundsChangeSize is the encoded size of a FundsChange.
	FundsChangeSize = 4 + 8 + 1
)

// FundsChange is one asset movement requested by a kernel. Consume moves
// funds from the wallet into contracts; otherwise contracts release them.
type FundsChange struct {
	Aid     types.AssetID `json:"aid"`
	Amount  types.Amount  `json:"amount"`
	Consume bool          `json:"consume"`
}

// KernelRequest is what a manager app asks the host to sign.
type KernelRequest struct {
	Cid     types.ContractID
	Method  uint32
	Args    []byte
	Funds   []FundsChange
	SigIDs  [][]byte
	Comment string
	Charge  uint32
}

// Kernel is a signed contract invocation.
type Kernel struct {
	Cid        types.ContractID `json:"cid"`
	Method     uint32           `json:"method"`
	Args       []byte           `json:"args"`
	Funds      []FundsChange    `json:"funds,omitempty"`
	Commitment types.PubKey     `json:"commitment"`
	Signature  []byte           `json:"signature"`
	Charge     uint32           `json:"charge"`
	Comment    string           `json:"comment,omitempty"`
}

// Message returns the hash the kernel signature commits to.
func (k *Kernel) Message() types.Hash {
	h := sha256.New()
	h.Write([]byte(kernelDomain))
	h.Write(k.Cid[:])
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], k.Method)
	h.Write(b[:])
	binary.LittleEndian.PutUint32(b[:], uint32(len(k.Args)))
	h.Write(b[:])
	h.Write(k.Args)
	h.Write(k.Commitment[:])
	binary.LittleEndian.PutUint32(b[:], k.Charge)
	h.Write(b[:])
	h.Write([]byte(k.Comment))
	var out types.Hash
	h.Sum(out[:0])
	return out
}

// blindPreimage binds the blinding factor to everything but the commitment.
func (k *Kernel) blindPreimage() []byte {
	saved := k.Commitment
	k.Commitment = types.PubKey{}
	m := k.Message()
	k.Commitment = saved
	return append([]byte(blindDomain), m[:]...)
}

// Verify checks the signature against the funds deltas and keys an
// invocation actually produced: Commitment + Σ δ·H_aid + Σ pk must sign
// Message.
func (k *Kernel) Verify(deltas []FundsDelta, sigs []types.PubKey) error {
	P, err := ecc.PointFromPubKey(k.Commitment)
	if err != nil {
		return faultf(ErrSignature, "commitment: %v", err)
	}
	for _, d := range deltas {
		s := deltaScalar(d.Delta)
		P = P.Add(ecc.MulH(&s, d.Aid))
	}
	for _, pk := range sigs {
		pt, err := ecc.PointFromPubKey(pk)
		if err != nil {
			return faultf(ErrSignature, "key %s: %v", pk, err)
		}
		P = P.Add(pt)
	}
	sig, err := ecc.SignatureFromBytes(k.Signature)
	if err != nil {
		return faultf(ErrSignature, "%v", err)
	}
	if err := ecc.Verify(P, k.Message(), sig); err != nil {
		return faultf(ErrSignature, "%v", err)
	}
	return nil
}

// VerifyKernel checks k against the effects of the invocation that ran on p.
func (p *Processor) VerifyKernel(k *Kernel) error {
	return k.Verify(p.FundsDeltas(), p.sigs)
}

// deltaScalar maps a two's complement delta onto the scalar field.
func deltaScalar(d *uint256.Int) ecc.Scalar {
	neg := d.Sign() < 0
	m := d.Clone()
	if neg {
		m.Neg(m)
	}
	b := m.Bytes32()
	var s ecc.Scalar
	s.SetBytes(&b)
	if neg {
		s.Negate()
	}
	return s
}

// requestDeltas folds the requested funds changes per asset, from the
// contracts' point of view.
func requestDeltas(funds []FundsChange) []FundsDelta {
	acc := map[types.AssetID]*uint256.Int{}
	var order []types.AssetID
	for _, f := range funds {
		d, ok := acc[f.Aid]
		if !ok {
			d = new(uint256.Int)
			acc[f.Aid] = d
			order = append(order, f.Aid)
		}
		amt := uint256.NewInt(uint64(f.Amount))
		if f.Consume {
			d.Add(d, amt)
		} else {
			d.Sub(d, amt)
		}
	}
	out := make([]FundsDelta, 0, len(order))
	for _, aid := range order {
		out = append(out, FundsDelta{Aid: aid, Delta: acc[aid]})
	}
	return out
}

// GenerateKernel builds and signs a kernel. Slot keys for the requested
// signatures are derived from the key keeper and never leave the host.
func (p *Processor) GenerateKernel(req KernelRequest) (*Kernel, error) {
	if err := p.requireMode(ModeManager, "GenerateKernel"); err != nil {
		return nil, err
	}
	if p.keys == nil {
		return nil, faultf(ErrInvalidKey, "no key keeper")
	}
	if err := p.meter.Consume(CostSecpPointMul * uint64(2+len(req.Funds)+len(req.SigIDs))); err != nil {
		return nil, err
	}
	k := &Kernel{
		Cid:     req.Cid,
		Method:  req.Method,
		Args:    append([]byte(nil), req.Args...),
		Funds:   append([]FundsChange(nil), req.Funds...),
		Charge:  req.Charge,
		Comment: req.Comment,
	}
	scope := p.scope()

	x, err := p.keys.SecretKey(ecc.KeyPreimage(scope, k.blindPreimage()))
	if err != nil {
		return nil, faultf(ErrInvalidKey, "blinding: %v", err)
	}
	C := ecc.MulG(&x)
	for _, d := range requestDeltas(req.Funds) {
		s := deltaScalar(d.Delta)
		C = C.Add(ecc.MulH(&s, d.Aid).Neg())
	}
	k.Commitment = C.PubKey()

	total := x
	for _, id := range req.SigIDs {
		sk, err := p.keys.SecretKey(ecc.KeyPreimage(scope, id))
		if err != nil {
			return nil, faultf(ErrInvalidKey, "slot key: %v", err)
		}
		total.Add(&sk)
	}
	sig := ecc.Sign(&total, k.Message())
	k.Signature = sig.Bytes()
	p.kernels = append(p.kernels, k)
	return k, nil
}

// EncodeFundsChanges encodes funds changes for the GenerateKernel host call:
// aid u32 LE, amount u64 LE, consume u8.
func EncodeFundsChanges(fc []FundsChange) []byte {
	out := make([]byte, FundsChangeSize*len(fc))
	for i, f := range fc {
		b := out[i*FundsChangeSize:]
		binary.LittleEndian.PutUint32(b, uint32(f.Aid))
		binary.LittleEndian.PutUint64(b[4:], uint64(f.Amount))
		if f.Consume {
			b[12] = 1
		}
	}
	return out
}

// DecodeFundsChanges is the inverse of EncodeFundsChanges.
func DecodeFundsChanges(b []byte) ([]FundsChange, error) {
	if len(b)%FundsChangeSize != 0 {
		return nil, faultf(ErrMemoryAccess, "funds blob of %d bytes", len(b))
	}
	out := make([]FundsChange, len(b)/FundsChangeSize)
	for i := range out {
		r := b[i*FundsChangeSize:]
		out[i] = FundsChange{
			Aid:     types.AssetID(binary.LittleEndian.Uint32(r)),
			Amount:  types.Amount(binary.LittleEndian.Uint64(r[4:])),
			Consume: r[12] != 0,
		}
	}
	return out, nil
}

// EncodeSigRequests encodes key ids as u32 LE length-prefixed records.
func EncodeSigRequests(ids [][]byte) []byte {
	var out []byte
	for _, id := range ids {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(id)))
		out = append(out, id...)
	}
	return out
}

// DecodeSigRequests is the inverse of EncodeSigRequests.
func DecodeSigRequests(b []byte) ([][]byte, error) {
	var ids [][]byte
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, faultf(ErrMemoryAccess, "truncated signature request")
		}
		n := binary.LittleEndian.Uint32(b)
		b = b[4:]
		if uint64(n) > uint64(len(b)) {
			return nil, faultf(ErrMemoryAccess, "signature request of %d bytes", n)
		}
		ids = append(ids, append([]byte(nil), b[:n]...))
		b = b[n:]
	}
	return ids, nil
}

func (f FundsChange) String() string {
	dir := "unlock"
	if f.Consume {
		dir = "lock"
	}
	return fmt.Sprintf("%s %d of asset %d", dir, f.Amount, f.Aid)
}
