package samples

import (
	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm"
	"github.com/fortiblox/bvm/pkg/bvm/isa"
)

// CallerArgs prefixes a vault request with the vault's contract id.
func CallerArgs(vault types.ContractID, vaultArgs []byte) []byte {
	b := make([]byte, 0, types.IDSize+len(vaultArgs))
	b = append(b, vault[:]...)
	return append(b, vaultArgs...)
}

// CallerModule assembles a contract that forwards deposits and
// withdrawals to the vault named in its arguments. Method 2 forwards to
// vault method 2, method 3 to method 3.
func CallerModule() ([]byte, error) {
	b := isa.NewBuilder()
	b.Label("ctor").Ret(0)
	b.Label("dtor").Ret(0)
	b.Label("deposit").
		Get(0).I32(VaultDeposit).Get(0).I32(types.IDSize).Op(isa.Add).I32(VaultArgsSize).
		Host(bvm.HostCallFar).
		Ret(0)
	b.Label("withdraw").
		Get(0).I32(VaultWithdraw).Get(0).I32(types.IDSize).Op(isa.Add).I32(VaultArgsSize).
		Host(bvm.HostCallFar).
		Ret(0)
	return b.Module([]string{"ctor", "dtor", "deposit", "withdraw"}, nil)
}

// NativeRelay forwards its argument block to the contract and method named
// in its header: cid(32) ‖ method u32 LE ‖ args.
func NativeRelay() *bvm.NativeShader {
	return &bvm.NativeShader{
		Name: "relay",
		Methods: []bvm.NativeMethod{
			func(bvm.ContractHost, []byte) error { return nil },
			func(bvm.ContractHost, []byte) error { return nil },
			relayForward,
		},
	}
}

// RelayArgs builds the relay header.
func RelayArgs(cid types.ContractID, method uint32, args []byte) []byte {
	b := make([]byte, 0, types.IDSize+4+len(args))
	b = append(b, cid[:]...)
	b = append(b, byte(method), byte(method>>8), byte(method>>16), byte(method>>24))
	return append(b, args...)
}

func relayForward(h bvm.ContractHost, args []byte) error {
	if len(args) < types.IDSize+4 {
		return h.Halt("short relay header")
	}
	cid, _ := types.ContractIDFromBytes(args[:types.IDSize])
	m := args[types.IDSize:]
	method := uint32(m[0]) | uint32(m[1])<<8 | uint32(m[2])<<16 | uint32(m[3])<<24
	return h.CallFar(cid, method, args[types.IDSize+4:])
}
