package bvm

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/ledger"
	"github.com/holiman/uint256"
)

const assetOwnerDomain = "bvm.a.own"

// AssetInfo is the registry record of a created asset.
type AssetInfo struct {
	Owner   types.Hash
	Minted  *uint256.Int
	Deposit types.Amount
	Meta    []byte
}

const assetInfoFixed = types.HashSize + amountBits/8 + 8

// Encode serializes the record: owner, minted (16 bytes BE), deposit (BE8),
// metadata.
func (a *AssetInfo) Encode() []byte {
	buf := make([]byte, assetInfoFixed+len(a.Meta))
	copy(buf, a.Owner[:])
	m := a.Minted.Bytes32()
	copy(buf[types.HashSize:], m[32-amountBits/8:])
	binary.BigEndian.PutUint64(buf[types.HashSize+amountBits/8:], uint64(a.Deposit))
	copy(buf[assetInfoFixed:], a.Meta)
	return buf
}

// DecodeAssetInfo parses a registry record.
func DecodeAssetInfo(buf []byte) (*AssetInfo, error) {
	if len(buf) < assetInfoFixed {
		return nil, faultf(ErrStorage, "asset record of %d bytes", len(buf))
	}
	a := &AssetInfo{
		Minted:  new(uint256.Int).SetBytes(buf[types.HashSize : types.HashSize+amountBits/8]),
		Deposit: types.Amount(binary.BigEndian.Uint64(buf[types.HashSize+amountBits/8:])),
		Meta:    append([]byte(nil), buf[assetInfoFixed:]...),
	}
	copy(a.Owner[:], buf)
	return a, nil
}

// AssetOwner returns the owner key of the asset cid creates with meta.
func AssetOwner(cid types.ContractID, meta []byte) types.Hash {
	mh := sha256.Sum256(meta)
	return assetOwnerOf(cid, mh)
}

func assetOwnerOf(cid types.ContractID, metaHash [32]byte) types.Hash {
	h := sha256.New()
	h.Write([]byte(assetOwnerDomain))
	h.Write(cid[:])
	h.Write(metaHash[:])
	var out types.Hash
	h.Sum(out[:0])
	return out
}

// LoadAssetInfo reads the registry record of aid.
func LoadAssetInfo(s ledger.Store, aid types.AssetID) (*AssetInfo, error) {
	p := &Processor{store: s}
	return p.assetInfo(aid)
}

func (p *Processor) assetInfo(aid types.AssetID) (*AssetInfo, error) {
	val, err := p.load(ledger.AssetKey(types.SystemContractID, ledger.TagAssetInfo, aid))
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, faultf(ErrAssetNotFound, "%d", aid)
	}
	return DecodeAssetInfo(val)
}

// AssetCreate registers a new asset owned by the running contract and locks
// the listing deposit. It returns 0 when the contract already owns an asset
// with the same metadata.
func (p *Processor) AssetCreate(meta []byte) (types.AssetID, error) {
	if err := p.requireMode(ModeContract, "AssetCreate"); err != nil {
		return 0, err
	}
	if err := p.meter.Consume(CostAssetManage); err != nil {
		return 0, err
	}
	if len(meta) == 0 || len(meta) > p.limits.AssetMetaSize {
		return 0, faultf(ErrAssetMeta, "metadata of %d bytes", len(meta))
	}
	cid := p.Cid()
	mh := sha256.Sum256(meta)
	owner := assetOwnerOf(cid, mh)

	ownerKey := ledger.VarKey(types.SystemContractID, ledger.TagAssetOwner, owner[:])
	existing, err := p.load(ownerKey)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, nil
	}

	nextKey := ledger.VarKey(types.SystemContractID, ledger.TagAssetNext, nil)
	last, err := p.loadU32(nextKey)
	if err != nil {
		return 0, err
	}
	if last == ^uint32(0) {
		return 0, faultf(ErrAssetMeta, "asset ids exhausted")
	}
	aid := types.AssetID(last + 1)
	if err := p.saveU32(nextKey, uint32(aid)); err != nil {
		return 0, err
	}

	deposit := p.limits.AssetDeposit
	if err := p.adjustLocked(cid, types.NativeAsset, deposit, true); err != nil {
		return 0, err
	}
	p.foldFunds(types.NativeAsset, deposit, true)
	if p.tracer != nil {
		p.tracer.OnFunds(cid, types.NativeAsset, deposit, true)
	}

	info := &AssetInfo{Owner: owner, Minted: new(uint256.Int), Deposit: deposit, Meta: meta}
	if err := p.save(ledger.AssetKey(types.SystemContractID, ledger.TagAssetInfo, aid), info.Encode()); err != nil {
		return 0, err
	}
	var ab [4]byte
	binary.BigEndian.PutUint32(ab[:], uint32(aid))
	if err := p.save(ownerKey, ab[:]); err != nil {
		return 0, err
	}
	if err := p.save(ledger.AssetKey(cid, ledger.TagOwnedAsset, aid), mh[:]); err != nil {
		return 0, err
	}
	return aid, nil
}

// checkAssetOwner verifies the running contract owns aid.
func (p *Processor) checkAssetOwner(aid types.AssetID) (*AssetInfo, error) {
	info, err := p.assetInfo(aid)
	if err != nil {
		return nil, err
	}
	cid := p.Cid()
	mh, err := p.load(ledger.AssetKey(cid, ledger.TagOwnedAsset, aid))
	if err != nil {
		return nil, err
	}
	if len(mh) != 32 || assetOwnerOf(cid, [32]byte(mh)) != info.Owner {
		return nil, faultf(ErrAssetOwner, "asset %d", aid)
	}
	return info, nil
}

// AssetEmit mints (emit) or burns amount of aid. Minted coins are locked in
// the owning contract; burnt coins must be locked there.
func (p *Processor) AssetEmit(aid types.AssetID, amount types.Amount, emit bool) (bool, error) {
	if err := p.requireMode(ModeContract, "AssetEmit"); err != nil {
		return false, err
	}
	if err := p.meter.Consume(CostAssetEmit); err != nil {
		return false, err
	}
	if aid == types.NativeAsset {
		return false, faultf(ErrAssetOwner, "native asset")
	}
	info, err := p.checkAssetOwner(aid)
	if err != nil {
		return false, err
	}
	amt := uint256.NewInt(uint64(amount))
	if emit {
		info.Minted.Add(info.Minted, amt)
		if info.Minted.BitLen() > amountBits {
			return false, faultf(ErrFundsOverflow, "asset %d supply", aid)
		}
	} else {
		if info.Minted.Lt(amt) {
			return false, faultf(ErrFundsUnderflow, "asset %d supply", aid)
		}
		info.Minted.Sub(info.Minted, amt)
	}
	if err := p.adjustLocked(p.Cid(), aid, amount, emit); err != nil {
		return false, err
	}
	if err := p.save(ledger.AssetKey(types.SystemContractID, ledger.TagAssetInfo, aid), info.Encode()); err != nil {
		return false, err
	}
	return true, nil
}

// AssetDestroy removes an asset with zero supply and refunds its deposit.
func (p *Processor) AssetDestroy(aid types.AssetID) (bool, error) {
	if err := p.requireMode(ModeContract, "AssetDestroy"); err != nil {
		return false, err
	}
	if err := p.meter.Consume(CostAssetManage); err != nil {
		return false, err
	}
	info, err := p.checkAssetOwner(aid)
	if err != nil {
		return false, err
	}
	if !info.Minted.IsZero() {
		return false, faultf(ErrAssetSupply, "asset %d has %s in circulation", aid, info.Minted.Dec())
	}
	cid := p.Cid()
	keys := [][]byte{
		ledger.AssetKey(types.SystemContractID, ledger.TagAssetInfo, aid),
		ledger.VarKey(types.SystemContractID, ledger.TagAssetOwner, info.Owner[:]),
		ledger.AssetKey(cid, ledger.TagOwnedAsset, aid),
	}
	for _, k := range keys {
		if err := p.save(k, nil); err != nil {
			return false, err
		}
	}
	if err := p.adjustLocked(cid, types.NativeAsset, info.Deposit, false); err != nil {
		return false, err
	}
	p.foldFunds(types.NativeAsset, info.Deposit, false)
	if p.tracer != nil {
		p.tracer.OnFunds(cid, types.NativeAsset, info.Deposit, false)
	}
	return true, nil
}
