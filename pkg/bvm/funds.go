package bvm

import (
	"sort"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/ledger"
	"github.com/holiman/uint256"
)

// amountBits bounds the locked-amount accumulator.
const amountBits = 128

// FundsDelta is the net change of one asset over an invocation, as seen by
// the contracts: positive when funds were locked into them. Delta holds the
// value in two's complement.
type FundsDelta struct {
	Aid   types.AssetID
	Delta *uint256.Int
}

// Negative reports whether the delta is below zero.
func (d FundsDelta) Negative() bool {
	return d.Delta.Sign() < 0
}

// String formats the delta as a signed decimal.
func (d FundsDelta) String() string {
	if d.Negative() {
		return "-" + new(uint256.Int).Neg(d.Delta).Dec()
	}
	return d.Delta.Dec()
}

// FundsLock moves amount of aid from the transaction into the running
// contract.
func (p *Processor) FundsLock(aid types.AssetID, amount types.Amount) error {
	return p.handleAmount(aid, amount, true)
}

// FundsUnlock releases amount of aid from the running contract to the
// transaction.
func (p *Processor) FundsUnlock(aid types.AssetID, amount types.Amount) error {
	return p.handleAmount(aid, amount, false)
}

func (p *Processor) handleAmount(aid types.AssetID, amount types.Amount, lock bool) error {
	if err := p.requireMode(ModeContract, "HandleAmount"); err != nil {
		return err
	}
	if err := p.meter.Consume(CostFundsLock); err != nil {
		return err
	}
	cid := p.Cid()
	if err := p.adjustLocked(cid, aid, amount, lock); err != nil {
		return err
	}
	p.foldFunds(aid, amount, lock)
	if p.tracer != nil {
		p.tracer.OnFunds(cid, aid, amount, lock)
	}
	return nil
}

// adjustLocked updates the locked amount of aid held by cid.
func (p *Processor) adjustLocked(cid types.ContractID, aid types.AssetID, amount types.Amount, lock bool) error {
	key := ledger.AssetKey(cid, ledger.TagLockedAmount, aid)
	cur, err := p.loadBig(key)
	if err != nil {
		return err
	}
	amt := uint256.NewInt(uint64(amount))
	if lock {
		cur.Add(cur, amt)
		if cur.BitLen() > amountBits {
			return faultf(ErrFundsOverflow, "asset %d", aid)
		}
	} else {
		if cur.Lt(amt) {
			return faultf(ErrFundsUnderflow, "asset %d: locked %s, unlock %d", aid, cur.Dec(), amount)
		}
		cur.Sub(cur, amt)
	}
	return p.saveBig(key, cur)
}

func (p *Processor) foldFunds(aid types.AssetID, amount types.Amount, lock bool) {
	d, ok := p.funds[aid]
	if !ok {
		d = new(uint256.Int)
		p.funds[aid] = d
	}
	amt := uint256.NewInt(uint64(amount))
	if lock {
		d.Add(d, amt)
	} else {
		d.Sub(d, amt)
	}
}

// FundsDeltas returns the nonzero per-asset deltas ordered by asset id.
func (p *Processor) FundsDeltas() []FundsDelta {
	out := make([]FundsDelta, 0, len(p.funds))
	for aid, d := range p.funds {
		if d.IsZero() {
			continue
		}
		out = append(out, FundsDelta{Aid: aid, Delta: d.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Aid < out[j].Aid })
	return out
}

// LockedAmount returns the amount of aid locked in cid.
func (p *Processor) LockedAmount(cid types.ContractID, aid types.AssetID) (*uint256.Int, error) {
	return p.loadBig(ledger.AssetKey(cid, ledger.TagLockedAmount, aid))
}

// LockedAmount reads the amount of aid locked in cid from a ledger.
func LockedAmount(s ledger.Store, cid types.ContractID, aid types.AssetID) (*uint256.Int, error) {
	p := &Processor{store: s}
	return p.loadBig(ledger.AssetKey(cid, ledger.TagLockedAmount, aid))
}

func (p *Processor) loadBig(key []byte) (*uint256.Int, error) {
	val, err := p.load(key)
	if err != nil {
		return nil, err
	}
	if len(val) > amountBits/8 {
		return nil, faultf(ErrStorage, "amount of %d bytes", len(val))
	}
	return new(uint256.Int).SetBytes(val), nil
}

func (p *Processor) saveBig(key []byte, v *uint256.Int) error {
	if v.IsZero() {
		return p.save(key, nil)
	}
	b := v.Bytes32()
	return p.save(key, b[32-amountBits/8:])
}
