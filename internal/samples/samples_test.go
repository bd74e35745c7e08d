package samples

import (
	"bytes"
	"encoding/binary"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm"
	"github.com/fortiblox/bvm/pkg/bvm/ecc"
	"github.com/fortiblox/bvm/pkg/chain"
	"github.com/fortiblox/bvm/pkg/executor"
	"github.com/fortiblox/bvm/pkg/ledger"
)

func newExecutor(t *testing.T, rec *bvm.Recorder) *executor.Executor {
	t.Helper()
	cfg := executor.DefaultConfig()
	for _, s := range []*bvm.NativeShader{NativeVault(), NativeRelay(), NativeOracle()} {
		_, err := cfg.Natives.Register(s)
		require.NoError(t, err)
	}
	if rec != nil {
		cfg.Tracer = rec
	}
	e, err := executor.New(ledger.NewMemStore(), chain.NewMemChain(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func testKey(b byte) types.PubKey {
	k := ecc.NewLocalKeyKeeper([]byte{b})
	pk, err := k.PublicKey(types.Hash{b})
	if err != nil {
		panic(err)
	}
	return pk
}

func balance(t *testing.T, e *executor.Executor, cid types.ContractID, pk types.PubKey, aid types.AssetID) uint64 {
	t.Helper()
	v, err := e.Store().Load(ledger.VarKey(cid, ledger.TagInternal, VaultKey(pk, aid)))
	if err == ledger.ErrNotFound {
		return 0
	}
	require.NoError(t, err)
	require.Len(t, v, 8)
	return binary.LittleEndian.Uint64(v)
}

func vaultBlobs(t *testing.T) map[string][]byte {
	t.Helper()
	code, err := VaultModule()
	require.NoError(t, err)
	return map[string][]byte{
		"bytecode": code,
		"native":   NativeVault().Blob(),
	}
}

// TestVault tests deposits and withdrawals against both vault
// implementations.
func TestVault(t *testing.T) {
	for name, blob := range vaultBlobs(t) {
		t.Run(name, func(t *testing.T) {
			e := newExecutor(t, nil)
			res, err := e.Deploy(blob, nil)
			require.NoError(t, err)
			cid := res.Cid
			pk := testKey(1)

			res, err = e.Call(cid, VaultDeposit, VaultArgs(pk, 0, 500))
			require.NoError(t, err)
			require.Len(t, res.Funds, 1)
			assert.False(t, res.Funds[0].Negative())
			assert.Equal(t, uint64(500), res.Funds[0].Delta.Uint64())
			assert.Empty(t, res.Sigs)

			res, err = e.Call(cid, VaultWithdraw, VaultArgs(pk, 0, 200))
			require.NoError(t, err)
			require.Len(t, res.Funds, 1)
			assert.True(t, res.Funds[0].Negative())
			assert.Equal(t, []types.PubKey{pk}, res.Sigs)
			assert.Equal(t, uint64(300), balance(t, e, cid, pk, 0))
			assert.Equal(t, uint64(300), mustLocked(t, e, cid, 0))

			_, err = e.Call(cid, VaultWithdraw, VaultArgs(pk, 0, 400))
			require.ErrorIs(t, err, bvm.ErrHalt)
			assert.Equal(t, uint64(300), balance(t, e, cid, pk, 0))

			_, err = e.Call(cid, VaultWithdraw, VaultArgs(pk, 0, 300))
			require.NoError(t, err)
			_, err = e.Store().Load(ledger.VarKey(cid, ledger.TagInternal, VaultKey(pk, 0)))
			assert.ErrorIs(t, err, ledger.ErrNotFound, "empty balances are deleted")
		})
	}
}

func mustLocked(t *testing.T, e *executor.Executor, cid types.ContractID, aid types.AssetID) uint64 {
	t.Helper()
	v, err := bvm.LockedAmount(e.Store(), cid, aid)
	require.NoError(t, err)
	return v.Uint64()
}

// TestVaultChargeDeterministic tests that identical invocations consume
// identical budgets.
func TestVaultChargeDeterministic(t *testing.T) {
	code, err := VaultModule()
	require.NoError(t, err)

	var charges []uint64
	for i := 0; i < 2; i++ {
		e := newExecutor(t, nil)
		res, err := e.Deploy(code, nil)
		require.NoError(t, err)
		res, err = e.Call(res.Cid, VaultDeposit, VaultArgs(testKey(2), 7, 1000))
		require.NoError(t, err)
		charges = append(charges, res.Charge)
	}
	assert.Equal(t, charges[0], charges[1])
	assert.NotZero(t, charges[0])
}

// TestCallerForwardsDeposit tests that a far call from a bytecode contract
// locks funds exactly once, on behalf of the vault.
func TestCallerForwardsDeposit(t *testing.T) {
	rec := &bvm.Recorder{}
	e := newExecutor(t, rec)
	vaultCode, err := VaultModule()
	require.NoError(t, err)
	callerCode, err := CallerModule()
	require.NoError(t, err)

	vres, err := e.Deploy(vaultCode, nil)
	require.NoError(t, err)
	cres, err := e.Deploy(callerCode, nil)
	require.NoError(t, err)

	pk := testKey(3)
	calls := len(rec.Calls)
	_, err = e.Call(cres.Cid, 2, CallerArgs(vres.Cid, VaultArgs(pk, 0, 318)))
	require.NoError(t, err)

	locks := rec.Locks()
	require.Len(t, locks, 1)
	assert.Equal(t, vres.Cid, locks[0].Cid)
	assert.Equal(t, types.Amount(318), locks[0].Amount)
	assert.Equal(t, uint64(318), balance(t, e, vres.Cid, pk, 0))

	got := rec.Calls[calls:]
	require.Len(t, got, 2)
	assert.Equal(t, cres.Cid, got[0].Cid)
	assert.Equal(t, vres.Cid, got[1].Cid)
	assert.Equal(t, got[0].Depth+1, got[1].Depth)

	_, err = e.Call(cres.Cid, 3, CallerArgs(vres.Cid, VaultArgs(pk, 0, 18)))
	require.NoError(t, err)
	assert.Equal(t, uint64(300), balance(t, e, vres.Cid, pk, 0))
}

// TestRelayIntoBytecode tests a native contract calling a bytecode one.
func TestRelayIntoBytecode(t *testing.T) {
	e := newExecutor(t, nil)
	vaultCode, err := VaultModule()
	require.NoError(t, err)
	vres, err := e.Deploy(vaultCode, nil)
	require.NoError(t, err)
	rres, err := e.Deploy(NativeRelay().Blob(), nil)
	require.NoError(t, err)

	pk := testKey(4)
	res, err := e.Call(rres.Cid, 2, RelayArgs(vres.Cid, VaultDeposit, VaultArgs(pk, 5, 42)))
	require.NoError(t, err)
	require.Len(t, res.Funds, 1)
	assert.Equal(t, types.AssetID(5), res.Funds[0].Aid)
	assert.Equal(t, uint64(42), balance(t, e, vres.Cid, pk, 5))
}

// TestMedian tests the oracle's median rule.
func TestMedian(t *testing.T) {
	tests := []struct {
		name string
		vals []uint64
		want uint64
	}{
		{"empty", nil, 0},
		{"single", []uint64{7}, 7},
		{"odd", []uint64{30, 10, 20}, 20},
		{"even", []uint64{100, 130, 100, 150}, 115},
		{"large", []uint64{^uint64(0), ^uint64(0) - 2}, ^uint64(0) - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Median(tt.vals))
		})
	}
}

func oracleValue(t *testing.T, e *executor.Executor, cid types.ContractID) uint64 {
	t.Helper()
	res, err := e.Call(cid, OracleGet, make([]byte, 8))
	require.NoError(t, err)
	return binary.LittleEndian.Uint64(res.Args)
}

// TestOracle tests provider updates and the published median.
func TestOracle(t *testing.T) {
	e := newExecutor(t, nil)
	admin := testKey(10)
	providers := []types.PubKey{testKey(11), testKey(12), testKey(13)}
	res, err := e.Deploy(NativeOracle().Blob(), OracleCtorArgs(admin, providers, 100))
	require.NoError(t, err)
	cid := res.Cid
	assert.Equal(t, uint64(100), oracleValue(t, e, cid))

	res, err = e.Call(cid, OracleSet, OracleSetArgs(0, 200))
	require.NoError(t, err)
	assert.Equal(t, []types.PubKey{providers[0]}, res.Sigs)
	assert.Equal(t, uint64(100), oracleValue(t, e, cid))

	res, err = e.Call(cid, OracleAddProvider, OracleAddArgs(testKey(14), 150))
	require.NoError(t, err)
	assert.Equal(t, []types.PubKey{admin}, res.Sigs)
	assert.Equal(t, uint64(125), oracleValue(t, e, cid))

	_, err = e.Call(cid, OracleSet, OracleSetArgs(9, 1))
	assert.ErrorIs(t, err, bvm.ErrHalt)
}

// TestVaultViewerKernels tests kernels generated by the viewer app against
// the vault they target.
func TestVaultViewerKernels(t *testing.T) {
	e := newExecutor(t, nil)
	res, err := e.Deploy(NativeVault().Blob(), nil)
	require.NoError(t, err)
	cid := res.Cid
	keys := ecc.NewLocalKeyKeeper([]byte("wallet seed"))

	app := func(method uint32, args bvm.Args, out *bytes.Buffer) []*bvm.Kernel {
		t.Helper()
		ks, err := e.RunApp(executor.AppRequest{Native: VaultViewer(), Method: method, Args: args, Keys: keys, Output: out})
		require.NoError(t, err)
		return ks
	}
	args := bvm.Args{"cid": cid.String(), "amount": "250", "aid": "0"}

	ks := app(ViewDeposit, args, &bytes.Buffer{})
	require.Len(t, ks, 1)
	_, err = e.Invoke(ks[0])
	require.NoError(t, err)

	var out bytes.Buffer
	app(ViewMine, bvm.Args{"cid": cid.String()}, &out)
	var mine struct {
		Pk       string `json:"pk"`
		Accounts []struct {
			Aid    uint32 `json:"aid"`
			Amount uint64 `json:"amount"`
		} `json:"accounts"`
	}
	require.NoError(t, jsoniter.Unmarshal(out.Bytes(), &mine))
	require.Len(t, mine.Accounts, 1)
	assert.Equal(t, uint64(250), mine.Accounts[0].Amount)

	args["amount"] = "100"
	ks = app(ViewWithdraw, args, &bytes.Buffer{})
	require.Len(t, ks, 1)

	forged := *ks[0]
	forged.Args = append([]byte(nil), forged.Args...)
	binary.LittleEndian.PutUint64(forged.Args[37:], 200)
	_, err = e.Invoke(&forged)
	require.ErrorIs(t, err, bvm.ErrSignature)
	assert.Equal(t, uint64(250), mustLocked(t, e, cid, 0), "failed kernel leaves no state")

	_, err = e.Invoke(ks[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(150), mustLocked(t, e, cid, 0))
}

// TestVaultViewerArgs tests request-level argument errors.
func TestVaultViewerArgs(t *testing.T) {
	e := newExecutor(t, nil)
	_, err := e.RunApp(executor.AppRequest{Native: VaultViewer(), Method: ViewAll})
	assert.ErrorIs(t, err, bvm.ErrArgMissing)

	_, err = e.RunApp(executor.AppRequest{Native: VaultViewer(), Method: ViewAll, Args: bvm.Args{"cid": "not-base58!"}})
	assert.ErrorIs(t, err, bvm.ErrArgInvalid)
}

// TestKeyListModule tests the bytecode manager app against a populated
// vault.
func TestKeyListModule(t *testing.T) {
	e := newExecutor(t, nil)
	res, err := e.Deploy(NativeVault().Blob(), nil)
	require.NoError(t, err)
	for i := byte(1); i <= 3; i++ {
		_, err := e.Call(res.Cid, VaultDeposit, VaultArgs(testKey(20+i), 0, types.Amount(i)))
		require.NoError(t, err)
	}

	code, err := KeyListModule()
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = e.RunApp(executor.AppRequest{
		Blob:   code,
		Args:   bvm.Args{"cid": "0x" + types.Hash(res.Cid).Hex()},
		Output: &out,
	})
	require.NoError(t, err)

	var doc struct {
		Keys []string `json:"keys"`
	}
	require.NoError(t, jsoniter.Unmarshal(out.Bytes(), &doc))
	assert.Len(t, doc.Keys, 3)

	_, err = e.RunApp(executor.AppRequest{Blob: code, Args: bvm.Args{"cid": "00"}})
	assert.ErrorIs(t, err, bvm.ErrHalt)
}
