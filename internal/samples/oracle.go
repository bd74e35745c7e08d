package samples

import (
	"encoding/binary"
	"slices"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm"
	"github.com/fortiblox/bvm/pkg/ledger"
)

// Oracle methods.
const (
	OracleSet         = 2
	OracleAddProvider = 3
	OracleGet         = 4
)

const oracleEntrySize = types.PubKeySize + 8

var (
	oracleAdminKey     = []byte("admin")
	oracleProvidersKey = []byte("providers")
	oracleMedianKey    = []byte("median")
)

// OracleCtorArgs encodes the constructor arguments:
// admin(33) ‖ n u32 LE ‖ n × provider(33) ‖ initial u64 LE.
func OracleCtorArgs(admin types.PubKey, providers []types.PubKey, initial uint64) []byte {
	b := append([]byte(nil), admin[:]...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(providers)))
	for _, pk := range providers {
		b = append(b, pk[:]...)
	}
	return binary.LittleEndian.AppendUint64(b, initial)
}

// OracleSetArgs encodes a provider update: index u32 LE ‖ value u64 LE.
func OracleSetArgs(idx uint32, value uint64) []byte {
	b := binary.LittleEndian.AppendUint32(nil, idx)
	return binary.LittleEndian.AppendUint64(b, value)
}

// OracleAddArgs encodes a new provider: pubkey(33) ‖ value u64 LE.
func OracleAddArgs(pk types.PubKey, value uint64) []byte {
	return binary.LittleEndian.AppendUint64(append([]byte(nil), pk[:]...), value)
}

// NativeOracle is a price oracle that publishes the median of its
// providers' values. Method 4 writes the median into the first 8 argument
// bytes.
func NativeOracle() *bvm.NativeShader {
	return &bvm.NativeShader{
		Name: "oracle",
		Methods: []bvm.NativeMethod{
			oracleCtor,
			func(bvm.ContractHost, []byte) error { return nil },
			oracleSet,
			oracleAddProvider,
			oracleGet,
		},
	}
}

// Median returns the middle value of vals, or the average of the two middle
// values when the count is even. vals is sorted in place.
func Median(vals []uint64) uint64 {
	if len(vals) == 0 {
		return 0
	}
	slices.Sort(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	a, b := vals[n/2-1], vals[n/2]
	return a + (b-a)/2
}

func oracleCtor(h bvm.ContractHost, args []byte) error {
	if len(args) < types.PubKeySize+4 {
		return h.Halt("short oracle args")
	}
	n := binary.LittleEndian.Uint32(args[types.PubKeySize:])
	rest := args[types.PubKeySize+4:]
	if n == 0 || uint64(len(rest)) != uint64(n)*types.PubKeySize+8 {
		return h.Halt("bad provider list")
	}
	initial := rest[uint64(n)*types.PubKeySize:]
	entries := make([]byte, 0, int(n)*oracleEntrySize)
	for i := uint32(0); i < n; i++ {
		entries = append(entries, rest[i*types.PubKeySize:(i+1)*types.PubKeySize]...)
		entries = append(entries, initial...)
	}
	if _, err := h.SaveVar(ledger.TagInternal, oracleAdminKey, args[:types.PubKeySize]); err != nil {
		return err
	}
	return oracleStore(h, entries)
}

func oracleLoad(h bvm.ContractHost) ([]byte, error) {
	entries, err := h.LoadVar(ledger.TagInternal, oracleProvidersKey)
	if err != nil {
		return nil, err
	}
	if len(entries)%oracleEntrySize != 0 {
		return nil, h.Halt("corrupt provider list")
	}
	return entries, nil
}

func oracleStore(h bvm.ContractHost, entries []byte) error {
	if _, err := h.SaveVar(ledger.TagInternal, oracleProvidersKey, entries); err != nil {
		return err
	}
	vals := make([]uint64, 0, len(entries)/oracleEntrySize)
	for off := 0; off < len(entries); off += oracleEntrySize {
		vals = append(vals, binary.LittleEndian.Uint64(entries[off+types.PubKeySize:]))
	}
	_, err := h.SaveVar(ledger.TagInternal, oracleMedianKey, binary.LittleEndian.AppendUint64(nil, Median(vals)))
	return err
}

func oracleSet(h bvm.ContractHost, args []byte) error {
	if len(args) < 12 {
		return h.Halt("short set args")
	}
	entries, err := oracleLoad(h)
	if err != nil {
		return err
	}
	idx := binary.LittleEndian.Uint32(args)
	if uint64(idx) >= uint64(len(entries)/oracleEntrySize) {
		return h.Halt("provider index out of range")
	}
	e := entries[int(idx)*oracleEntrySize:]
	pk, _ := types.PubKeyFromBytes(e[:types.PubKeySize])
	copy(e[types.PubKeySize:oracleEntrySize], args[4:12])
	if err := oracleStore(h, entries); err != nil {
		return err
	}
	return h.AddSig(pk)
}

func oracleAddProvider(h bvm.ContractHost, args []byte) error {
	if len(args) < oracleEntrySize {
		return h.Halt("short provider args")
	}
	admin, err := h.LoadVar(ledger.TagInternal, oracleAdminKey)
	if err != nil {
		return err
	}
	pk, err := types.PubKeyFromBytes(admin)
	if err != nil {
		return h.Halt("no admin")
	}
	entries, err := oracleLoad(h)
	if err != nil {
		return err
	}
	if err := oracleStore(h, append(entries, args[:oracleEntrySize]...)); err != nil {
		return err
	}
	return h.AddSig(pk)
}

func oracleGet(h bvm.ContractHost, args []byte) error {
	if len(args) < 8 {
		return h.Halt("short output buffer")
	}
	v, err := h.LoadVar(ledger.TagInternal, oracleMedianKey)
	if err != nil {
		return err
	}
	if len(v) != 8 {
		return h.Halt("no median")
	}
	copy(args, v)
	return nil
}
