package samples

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm"
	"github.com/fortiblox/bvm/pkg/bvm/isa"
	"github.com/fortiblox/bvm/pkg/ledger"
)

// Viewer app methods.
const (
	ViewAll      = 0
	ViewMine     = 1
	ViewDeposit  = 2
	ViewWithdraw = 3
)

// VaultKeyID is the app key id that owns the user's vault accounts.
var VaultKeyID = []byte("vault")

// VaultViewer is a manager app over a vault contract. Every method takes
// the vault contract id in the "cid" argument.
func VaultViewer() *bvm.NativeApp {
	return &bvm.NativeApp{
		Name: "vault-viewer",
		Methods: []bvm.AppMethod{
			viewAll,
			viewMine,
			viewDeposit,
			viewWithdraw,
		},
	}
}

func viewerCid(h bvm.ManagerHost) (types.ContractID, error) {
	s, err := h.Args().RequireText("cid")
	if err != nil {
		return types.ContractID{}, err
	}
	cid, err := types.ContractIDFromBase58(s)
	if err != nil {
		return types.ContractID{}, fmt.Errorf("%w: cid: %v", bvm.ErrArgInvalid, err)
	}
	return cid, nil
}

// accountRange returns the key bounds of the vault's accounts, optionally
// restricted to one owner.
func accountRange(cid types.ContractID, owner []byte) ([]byte, []byte) {
	kMin := ledger.VarKey(cid, ledger.TagInternal, owner)
	kMax := append(append([]byte(nil), kMin...), 0xff, 0xff, 0xff, 0xff, 0xff)
	return kMin, kMax
}

func writeAccounts(h bvm.ManagerHost, withOwner bool) error {
	doc := h.Doc()
	if err := doc.OpenArray("accounts"); err != nil {
		return err
	}
	for {
		key, val, ok, err := h.VarsMoveNext()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		pk, aid, ok := ParseVaultKey(key)
		if !ok || len(val) != 8 {
			continue
		}
		if err := doc.OpenGroup(""); err != nil {
			return err
		}
		if withOwner {
			if err := doc.AddBlob("pk", pk[:]); err != nil {
				return err
			}
		}
		if err := doc.AddNum("aid", uint64(aid)); err != nil {
			return err
		}
		if err := doc.AddNum("amount", binary.LittleEndian.Uint64(val)); err != nil {
			return err
		}
		if err := doc.CloseGroup(); err != nil {
			return err
		}
	}
	return doc.CloseArray()
}

func viewAll(h bvm.ManagerHost) error {
	cid, err := viewerCid(h)
	if err != nil {
		return err
	}
	if err := h.VarsEnum(accountRange(cid, nil)); err != nil {
		return err
	}
	return writeAccounts(h, true)
}

func viewMine(h bvm.ManagerHost) error {
	cid, err := viewerCid(h)
	if err != nil {
		return err
	}
	pk, err := h.DerivePk(VaultKeyID)
	if err != nil {
		return err
	}
	if err := h.Doc().AddBlob("pk", pk[:]); err != nil {
		return err
	}
	if err := h.VarsEnum(accountRange(cid, pk[:])); err != nil {
		return err
	}
	return writeAccounts(h, false)
}

func viewerFunds(h bvm.ManagerHost) (types.ContractID, types.PubKey, types.AssetID, types.Amount, error) {
	var pk types.PubKey
	cid, err := viewerCid(h)
	if err != nil {
		return cid, pk, 0, 0, err
	}
	aid, ok, err := h.Args().Num("aid")
	if err != nil {
		return cid, pk, 0, 0, err
	}
	if !ok {
		aid = uint64(types.NativeAsset)
	}
	if aid > 0xffffffff {
		return cid, pk, 0, 0, fmt.Errorf("%w: aid %d", bvm.ErrArgInvalid, aid)
	}
	amount, err := h.Args().RequireNum("amount")
	if err != nil {
		return cid, pk, 0, 0, err
	}
	pk, err = h.DerivePk(VaultKeyID)
	return cid, pk, types.AssetID(aid), types.Amount(amount), err
}

func viewKernel(h bvm.ManagerHost, k *bvm.Kernel) error {
	doc := h.Doc()
	if err := doc.OpenGroup("kernel"); err != nil {
		return err
	}
	if err := doc.AddBlob("commitment", k.Commitment[:]); err != nil {
		return err
	}
	if err := doc.AddBlob("signature", k.Signature); err != nil {
		return err
	}
	return doc.CloseGroup()
}

func viewDeposit(h bvm.ManagerHost) error {
	cid, pk, aid, amount, err := viewerFunds(h)
	if err != nil {
		return err
	}
	k, err := h.GenerateKernel(bvm.KernelRequest{
		Cid:     cid,
		Method:  VaultDeposit,
		Args:    VaultArgs(pk, aid, amount),
		Funds:   []bvm.FundsChange{{Aid: aid, Amount: amount, Consume: true}},
		Comment: "vault deposit",
	})
	if err != nil {
		return err
	}
	return viewKernel(h, k)
}

func viewWithdraw(h bvm.ManagerHost) error {
	cid, pk, aid, amount, err := viewerFunds(h)
	if err != nil {
		return err
	}
	k, err := h.GenerateKernel(bvm.KernelRequest{
		Cid:     cid,
		Method:  VaultWithdraw,
		Args:    VaultArgs(pk, aid, amount),
		Funds:   []bvm.FundsChange{{Aid: aid, Amount: amount}},
		SigIDs:  [][]byte{VaultKeyID},
		Comment: "vault withdraw",
	})
	if err != nil {
		return err
	}
	return viewKernel(h, k)
}

// KeyListModule assembles a bytecode manager app that lists the hex keys
// of every internal variable of the contract given as the "cid" blob
// argument.
func KeyListModule() ([]byte, error) {
	const (
		strCid  = bvm.TagData + 0
		strKeys = bvm.TagData + 4
		strKey  = bvm.TagData + 9
	)
	data := []byte("cid\x00keys\x00k\x00")

	b := isa.NewBuilder()
	b.Label("list").
		// buf[0:33] kMin, buf[40:74] kMax
		I32(80).Host(bvm.HostStackAlloc).Set(1).
		U32(strCid).Get(1).I32(types.IDSize).Host(bvm.HostDocGetBlob).
		I32(types.IDSize).Op(isa.Ne).Jump(isa.JmpIf, "bad").
		Get(1).I32(40).Op(isa.Add).Get(1).I32(types.IDSize).Host(bvm.HostMemcpy).Op(isa.Drop).
		Get(1).I32(40 + ledger.KeyPrefixSize).Op(isa.Add).I32(0xff).Mem(isa.Store8, 0).
		Get(1).I32(ledger.KeyPrefixSize).Get(1).I32(40).Op(isa.Add).I32(ledger.KeyPrefixSize + 1).
		Host(bvm.HostVarsEnum).
		U32(strKeys).Host(bvm.HostDocAddArray).
		Label("next").
		Get(1).Get(1).I32(4).Op(isa.Add).Get(1).I32(8).Op(isa.Add).Get(1).I32(12).Op(isa.Add).
		Host(bvm.HostVarsMoveNext).Jump(isa.JmpIfNot, "done").
		U32(strKey).Get(1).Mem(isa.Load32, 0).Get(1).Mem(isa.Load32, 4).Host(bvm.HostDocAddBlob).
		Jump(isa.Jmp, "next").
		Label("done").
		Host(bvm.HostDocCloseArray).
		Ret(0).
		Label("bad").Host(bvm.HostHalt).Op(isa.Unreachable)
	b.Label("noop").Ret(0)
	return b.Module([]string{"list", "noop"}, data)
}
