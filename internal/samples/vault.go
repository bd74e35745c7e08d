// Package samples contains small contracts and manager apps that exercise
// the engine: a vault in bytecode and Go, a forwarding caller, a median
// price oracle and a vault viewer app.
package samples

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm"
	"github.com/fortiblox/bvm/pkg/bvm/isa"
	"github.com/fortiblox/bvm/pkg/ledger"
)

// Vault methods.
const (
	VaultDeposit  = 2
	VaultWithdraw = 3
)

// VaultArgsSize is the size of the vault argument block:
// pubkey(33) ‖ aid u32 LE ‖ amount u64 LE.
const VaultArgsSize = types.PubKeySize + 4 + 8

// vault key: pubkey ‖ aid BE4
const vaultKeySize = types.PubKeySize + 4

// ErrVaultArgs is returned for a malformed vault argument block.
var ErrVaultArgs = errors.New("vault: bad arguments")

// VaultArgs encodes a vault request.
func VaultArgs(pk types.PubKey, aid types.AssetID, amount types.Amount) []byte {
	b := make([]byte, VaultArgsSize)
	copy(b, pk[:])
	binary.LittleEndian.PutUint32(b[33:], uint32(aid))
	binary.LittleEndian.PutUint64(b[37:], uint64(amount))
	return b
}

// VaultKey is the storage subkey of an account.
func VaultKey(pk types.PubKey, aid types.AssetID) []byte {
	k := make([]byte, vaultKeySize)
	copy(k, pk[:])
	binary.BigEndian.PutUint32(k[33:], uint32(aid))
	return k
}

// ParseVaultKey splits a storage subkey.
func ParseVaultKey(k []byte) (types.PubKey, types.AssetID, bool) {
	var pk types.PubKey
	if len(k) != vaultKeySize {
		return pk, 0, false
	}
	copy(pk[:], k)
	return pk, types.AssetID(binary.BigEndian.Uint32(k[33:])), true
}

func parseVaultArgs(args []byte) (types.PubKey, types.AssetID, types.Amount, error) {
	var pk types.PubKey
	if len(args) < VaultArgsSize {
		return pk, 0, 0, fmt.Errorf("%w: %d bytes", ErrVaultArgs, len(args))
	}
	copy(pk[:], args)
	return pk, types.AssetID(binary.LittleEndian.Uint32(args[33:])), types.Amount(binary.LittleEndian.Uint64(args[37:])), nil
}

// NativeVault is the vault implemented in Go.
func NativeVault() *bvm.NativeShader {
	return &bvm.NativeShader{
		Name: "vault",
		Methods: []bvm.NativeMethod{
			func(bvm.ContractHost, []byte) error { return nil },
			func(bvm.ContractHost, []byte) error { return nil },
			vaultDeposit,
			vaultWithdraw,
		},
	}
}

func vaultBalance(h bvm.ContractHost, key []byte) (uint64, error) {
	v, err := h.LoadVar(ledger.TagInternal, key)
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(v), nil
}

func vaultStore(h bvm.ContractHost, key []byte, bal uint64) error {
	var v []byte
	if bal != 0 {
		v = binary.LittleEndian.AppendUint64(nil, bal)
	}
	_, err := h.SaveVar(ledger.TagInternal, key, v)
	return err
}

func vaultDeposit(h bvm.ContractHost, args []byte) error {
	pk, aid, amount, err := parseVaultArgs(args)
	if err != nil {
		return err
	}
	if err := h.FundsLock(aid, amount); err != nil {
		return err
	}
	key := VaultKey(pk, aid)
	bal, err := vaultBalance(h, key)
	if err != nil {
		return err
	}
	next := bal + uint64(amount)
	if next < bal {
		return h.Halt("balance overflow")
	}
	return vaultStore(h, key, next)
}

func vaultWithdraw(h bvm.ContractHost, args []byte) error {
	pk, aid, amount, err := parseVaultArgs(args)
	if err != nil {
		return err
	}
	key := VaultKey(pk, aid)
	bal, err := vaultBalance(h, key)
	if err != nil {
		return err
	}
	if bal < uint64(amount) {
		return h.Halt("insufficient balance")
	}
	if err := vaultStore(h, key, bal-uint64(amount)); err != nil {
		return err
	}
	if err := h.FundsUnlock(aid, amount); err != nil {
		return err
	}
	return h.AddSig(pk)
}

// VaultModule assembles the bytecode vault. It behaves exactly like
// NativeVault.
func VaultModule() ([]byte, error) {
	b := isa.NewBuilder()
	b.Label("ctor").Ret(0)
	b.Label("dtor").Ret(0)

	// deposit(args): lock, then balance += amount
	b.Label("deposit").
		Get(0).Mem(isa.Load32, 33).Get(0).Mem(isa.Load64, 37).Host(bvm.HostFundsLock).
		Get(0).Call("loadbal", 1).Set(1).
		Get(1).Mem(isa.Load64, 40).Get(0).Mem(isa.Load64, 37).Op(isa.Add).Set(2).
		Get(2).Get(0).Mem(isa.Load64, 37).Op(isa.LtU).Jump(isa.JmpIf, "halt").
		Get(1).Get(2).Call("savebal", 2).
		Ret(0)

	// withdraw(args): balance -= amount, unlock, require the owner's key
	b.Label("withdraw").
		Get(0).Call("loadbal", 1).Set(1).
		Get(1).Mem(isa.Load64, 40).Get(0).Mem(isa.Load64, 37).Op(isa.LtU).Jump(isa.JmpIf, "halt").
		Get(1).Mem(isa.Load64, 40).Get(0).Mem(isa.Load64, 37).Op(isa.Sub).Set(2).
		Get(1).Get(2).Call("savebal", 2).
		Get(0).Mem(isa.Load32, 33).Get(0).Mem(isa.Load64, 37).Host(bvm.HostFundsUnlock).
		Get(0).Host(bvm.HostAddSig).
		Ret(0)

	b.Label("halt").Host(bvm.HostHalt).Op(isa.Unreachable)

	// loadbal(args) -> buf: buf[0:37] key, buf[40:48] balance
	b.Label("loadbal").
		I32(48).Host(bvm.HostStackAlloc).Set(1).
		Get(1).Get(0).I32(33).Host(bvm.HostMemcpy).Op(isa.Drop).
		Get(1).Get(0).Mem(isa.Load32, 33).Op(isa.Bswap32).Mem(isa.Store32, 33).
		Get(1).I32(vaultKeySize).Get(1).I32(40).Op(isa.Add).I32(8).I32(int32(ledger.TagInternal)).
		Host(bvm.HostLoadVar).Op(isa.Drop).
		Get(1).Ret(1)

	// savebal(buf, balance): zero balances are deleted
	b.Label("savebal").
		Get(0).Get(1).Mem(isa.Store64, 40).
		Get(0).I32(vaultKeySize).Get(0).I32(40).Op(isa.Add).
		Get(1).Op(isa.Eqz).Jump(isa.JmpIf, "savebal.del").
		I32(8).Jump(isa.Jmp, "savebal.go").
		Label("savebal.del").I32(0).
		Label("savebal.go").I32(int32(ledger.TagInternal)).Host(bvm.HostSaveVar).Op(isa.Drop).
		I32(48).Host(bvm.HostStackFree).
		Ret(0)

	return b.Module([]string{"ctor", "dtor", "deposit", "withdraw"}, nil)
}
