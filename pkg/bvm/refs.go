package bvm

import (
	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/ledger"
)

// RefAdd records that the running contract holds a reference to cid. It
// returns false, with no effect, when cid has no shader.
func (p *Processor) RefAdd(cid types.ContractID) (bool, error) {
	if err := p.requireMode(ModeContract, "RefAdd"); err != nil {
		return false, err
	}
	if err := p.meter.Consume(CostRefOp); err != nil {
		return false, err
	}
	holder := ledger.VarKey(p.Cid(), ledger.TagRefs, cid[:])
	n, err := p.loadU32(holder)
	if err != nil {
		return false, err
	}
	if n == ^uint32(0) {
		return false, faultf(ErrRefOverflow, "%s", cid)
	}
	if err := p.saveU32(holder, n+1); err != nil {
		return false, err
	}
	if n == 0 {
		if err := p.adjustGlobalRef(cid, true); err != nil {
			return false, err
		}
	}

	code, err := p.load(ledger.ShaderKey(cid))
	if err != nil {
		return false, err
	}
	if code != nil {
		return true, nil
	}
	// Nothing to reference: roll the counters back.
	if n == 0 {
		if err := p.adjustGlobalRef(cid, false); err != nil {
			return false, err
		}
	}
	return false, p.saveU32(holder, n)
}

// RefRelease drops one reference held by the running contract. It returns
// true when the running contract no longer references cid.
func (p *Processor) RefRelease(cid types.ContractID) (bool, error) {
	if err := p.requireMode(ModeContract, "RefRelease"); err != nil {
		return false, err
	}
	if err := p.meter.Consume(CostRefOp); err != nil {
		return false, err
	}
	holder := ledger.VarKey(p.Cid(), ledger.TagRefs, cid[:])
	n, err := p.loadU32(holder)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, faultf(ErrRefUnderflow, "%s", cid)
	}
	n--
	if err := p.saveU32(holder, n); err != nil {
		return false, err
	}
	if n == 0 {
		if err := p.adjustGlobalRef(cid, false); err != nil {
			return false, err
		}
	}
	return n == 0, nil
}

// adjustGlobalRef counts distinct holders of cid.
func (p *Processor) adjustGlobalRef(cid types.ContractID, add bool) error {
	key := ledger.VarKey(cid, ledger.TagRefs, nil)
	g, err := p.loadU32(key)
	if err != nil {
		return err
	}
	if add {
		if g == ^uint32(0) {
			return faultf(ErrRefOverflow, "global %s", cid)
		}
		g++
	} else {
		if g == 0 {
			return faultf(ErrRefUnderflow, "global %s", cid)
		}
		g--
	}
	return p.saveU32(key, g)
}

// GlobalRefs returns the number of contracts holding a reference to cid.
func GlobalRefs(s ledger.Store, cid types.ContractID) (uint32, error) {
	p := &Processor{store: s}
	return p.loadU32(ledger.VarKey(cid, ledger.TagRefs, nil))
}
