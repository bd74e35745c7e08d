package bvm

import (
	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm/ecc"
)

// AddSig requires the invocation's kernel to be signed by pk as well.
func (p *Processor) AddSig(pk types.PubKey) error {
	if err := p.requireMode(ModeContract, "AddSig"); err != nil {
		return err
	}
	if err := p.meter.Consume(CostAddSig); err != nil {
		return err
	}
	pt, err := ecc.PointFromPubKey(pk)
	if err != nil || pt.IsInfinity() {
		return faultf(ErrInvalidKey, "%s", pk)
	}
	p.sigs = append(p.sigs, pk)
	p.sigP = p.sigP.Add(pt)
	return nil
}

// Sigs returns the keys requested through AddSig, in call order.
func (p *Processor) Sigs() []types.PubKey {
	return append([]types.PubKey(nil), p.sigs...)
}
