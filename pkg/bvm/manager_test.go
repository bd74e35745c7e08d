package bvm

import (
	"bytes"
	"testing"

	"github.com/holiman/uint256"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm/ecc"
	"github.com/fortiblox/bvm/pkg/bvm/isa"
	"github.com/fortiblox/bvm/pkg/bvm/module"
	"github.com/fortiblox/bvm/pkg/ledger"
)

// TestDocWriter tests document nesting and output.
func TestDocWriter(t *testing.T) {
	var buf bytes.Buffer
	d := NewDocWriter(&buf)
	require.NoError(t, d.AddText("name", "vault"))
	require.NoError(t, d.OpenArray("items"))
	require.NoError(t, d.AddNum("ignored", 1))
	require.NoError(t, d.OpenGroup("ignored"))
	require.NoError(t, d.AddBlob("b", []byte{0xAB, 0xCD}))
	require.NoError(t, d.CloseGroup())
	assert.ErrorIs(t, d.CloseGroup(), ErrDocNesting)
	require.NoError(t, d.CloseArray())
	require.NoError(t, d.OpenGroup("open"))
	require.NoError(t, d.AddNum("n", 18446744073709551615))
	assert.Equal(t, 1, d.Depth())
	require.NoError(t, d.Close())

	assert.JSONEq(t, `{"name":"vault","items":[1,{"b":"abcd"}],"open":{"n":18446744073709551615}}`, buf.String())
	assert.ErrorIs(t, d.AddText("late", "x"), ErrDocClosed)
	assert.NoError(t, d.Close())
}

// TestDocWriterNesting tests mismatched closes.
func TestDocWriterNesting(t *testing.T) {
	d := NewDocWriter(&bytes.Buffer{})
	assert.ErrorIs(t, d.CloseGroup(), ErrDocNesting, "the root cannot be closed")
	assert.ErrorIs(t, d.CloseArray(), ErrDocNesting)
	require.NoError(t, d.OpenGroup("g"))
	assert.ErrorIs(t, d.CloseArray(), ErrDocNesting)
}

// TestArgs tests request argument parsing.
func TestArgs(t *testing.T) {
	a, err := ParseArgs(" role = manager , cid=abc,amount=0x10,blob=0xdead,empty=")
	require.NoError(t, err)
	assert.Equal(t, []string{"amount", "blob", "cid", "empty", "role"}, a.Names())

	v, ok := a.Text("role")
	assert.True(t, ok)
	assert.Equal(t, "manager", v)

	n, err := a.RequireNum("amount")
	require.NoError(t, err)
	assert.Equal(t, uint64(16), n)

	b, err := a.RequireBlob("blob")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, b)

	_, err = a.RequireText("missing")
	assert.ErrorIs(t, err, ErrArgMissing)
	_, err = a.RequireNum("cid")
	assert.ErrorIs(t, err, ErrArgInvalid)
	_, err = a.RequireBlob("role")
	assert.ErrorIs(t, err, ErrArgInvalid)

	back, err := ParseArgs(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, back)

	empty, err := ParseArgs("  ")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, bad := range []string{"novalue", "=x", "a=1,,b=2"} {
		_, err := ParseArgs(bad)
		assert.ErrorIs(t, err, ErrArgInvalid, bad)
	}
}

func seedVars(t *testing.T, env *testEnv) types.ContractID {
	t.Helper()
	return env.native(t, "seed", func(h ContractHost, _ []byte) error {
		for _, k := range []string{"a", "b", "c"} {
			if _, err := h.SaveVar(ledger.TagInternal, []byte(k), []byte("v"+k)); err != nil {
				return err
			}
			if _, err := h.EmitLog(ledger.TagInternal, []byte(k), []byte("log"+k)); err != nil {
				return err
			}
		}
		_, err := h.SaveVar(ledger.TagInternalStealth, []byte("hidden"), []byte("x"))
		return err
	})
}

func runApp(t *testing.T, env *testEnv, args Args, fn AppMethod) (*Processor, string, error) {
	t.Helper()
	var out bytes.Buffer
	p, err := New(Config{Mode: ModeManager, Store: env.store, Natives: env.natives, Keys: env.keys, Args: args, Output: &out})
	require.NoError(t, err)
	err = p.RunNativeApp(&NativeApp{Name: "test-app", Methods: []AppMethod{fn}}, 0)
	return p, out.String(), err
}

// TestVarsEnum tests variable enumeration from a manager.
func TestVarsEnum(t *testing.T) {
	env := newTestEnv(t)
	cid := seedVars(t, env)
	_, err := env.invoke(t, cid, 2, nil)
	require.NoError(t, err)

	var keys, vals []string
	_, _, err = runApp(t, env, nil, func(h ManagerHost) error {
		if err := h.VarsEnum(ledger.VarKey(cid, ledger.TagInternal, []byte("b")), ledger.VarKey(cid, ledger.TagInternal, []byte("z"))); err != nil {
			return err
		}
		for {
			k, v, ok, err := h.VarsMoveNext()
			if err != nil || !ok {
				return err
			}
			keys = append(keys, string(k))
			vals = append(vals, string(v))
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys)
	assert.Equal(t, []string{"vb", "vc"}, vals)

	keys = nil
	_, _, err = runApp(t, env, nil, func(h ManagerHost) error {
		if err := h.VarsEnum(ledger.VarKey(cid, ledger.TagInternal, nil), ledger.VarKey(cid, ledger.TagInternal, []byte{0xff})); err != nil {
			return err
		}
		for {
			k, _, ok, err := h.VarsMoveNext()
			if err != nil || !ok {
				return err
			}
			keys = append(keys, string(k))
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys, "the stored module is not listed")

	_, _, err = runApp(t, env, nil, func(h ManagerHost) error {
		return h.VarsEnum(ledger.VarKey(cid, ledger.TagInternal, nil), ledger.VarKey(cid, ledger.TagInternalStealth, nil))
	})
	assert.ErrorIs(t, err, ErrEnumRange)
}

// runModule assembles a single method manager app and runs it.
func runModule(t *testing.T, env *testEnv, b *isa.Builder, data []byte) (string, error) {
	t.Helper()
	blob, err := b.Module([]string{"main"}, data)
	require.NoError(t, err)
	mod, err := module.Parse(blob)
	require.NoError(t, err)
	var out bytes.Buffer
	p, err := New(Config{Mode: ModeManager, Store: env.store, Natives: env.natives, Keys: env.keys, Output: &out})
	require.NoError(t, err)
	err = p.RunApp(mod, 0)
	return out.String(), err
}

// TestCursorBuffer tests that cursor results handed to guest code stay
// owned by the processor.
func TestCursorBuffer(t *testing.T) {
	env := newTestEnv(t)
	cid := seedVars(t, env)
	_, err := env.invoke(t, cid, 2, nil)
	require.NoError(t, err)

	// kMin at 0, kMax at 33, "v" at 67, "k" at 69
	data := append(ledger.VarKey(cid, ledger.TagInternal, nil), ledger.VarKey(cid, ledger.TagInternal, []byte{0xff})...)
	data = append(data, "v\x00k\x00"...)
	const (
		strV = TagData + 67
		strK = TagData + 69
	)
	// local 1 holds keyPtr, keyLen, valPtr, valLen
	enum := func(b *isa.Builder) {
		b.I32(16).Host(HostStackAlloc).Set(1).
			U32(TagData).I32(ledger.KeyPrefixSize).U32(TagData+ledger.KeyPrefixSize).I32(ledger.KeyPrefixSize+1).
			Host(HostVarsEnum)
	}
	next := func(b *isa.Builder) {
		b.Get(1).Get(1).I32(4).Op(isa.Add).Get(1).I32(8).Op(isa.Add).Get(1).I32(12).Op(isa.Add).
			Host(HostVarsMoveNext).Op(isa.Drop)
	}

	t.Run("free", func(t *testing.T) {
		b := isa.NewBuilder().Label("main")
		enum(b)
		next(b)
		b.Get(1).Mem(isa.Load32, 0).Host(HostHeapFree)
		next(b)
		b.Ret(0)
		_, err := runModule(t, env, b, data)
		require.ErrorIs(t, err, ErrHeap)
		assert.True(t, IsFault(err))
	})

	t.Run("guest block survives", func(t *testing.T) {
		b := isa.NewBuilder().Label("main")
		enum(b)
		next(b)
		b.I32(8).Host(HostHeapAlloc).Set(2).
			Get(2).U64(0x1122334455667788).Mem(isa.Store64, 0)
		next(b)
		b.U32(strV).Get(2).Mem(isa.Load64, 0).Host(HostDocAddNum64).
			U32(strK).Get(1).Mem(isa.Load32, 0).Get(1).Mem(isa.Load32, 4).Host(HostDocAddBlob).
			Ret(0)
		out, err := runModule(t, env, b, data)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1234605616436508552,"k":"62"}`, out)
	})
}

// TestLogsEnum tests log enumeration with key bounds.
func TestLogsEnum(t *testing.T) {
	env := newTestEnv(t)
	cid := seedVars(t, env)
	_, err := env.invoke(t, cid, 2, nil)
	require.NoError(t, err)

	var got []LogEntry
	collect := func(kMin, kMax []byte) error {
		got = nil
		_, _, err := runApp(t, env, nil, func(h ManagerHost) error {
			if err := h.LogsEnum(kMin, kMax, 0, 10); err != nil {
				return err
			}
			for {
				e, ok, err := h.LogsMoveNext()
				if err != nil || !ok {
					return err
				}
				got = append(got, e)
			}
		})
		return err
	}

	require.NoError(t, collect(nil, nil))
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, uint32(i), e.Index)
		assert.Equal(t, types.Height(0), e.Height)
	}

	require.NoError(t, collect(ledger.VarKey(cid, ledger.TagInternal, []byte("b")), nil))
	require.Len(t, got, 2)
	assert.Equal(t, []byte("logb"), got[0].Val)
	assert.Equal(t, ledger.VarKey(cid, ledger.TagInternal, []byte("b")), got[0].Key)

	require.NoError(t, collect(nil, ledger.VarKey(cid, ledger.TagInternal, []byte("a"))))
	assert.Len(t, got, 1)
}

// TestManagerDoc tests the document produced by an app.
func TestManagerDoc(t *testing.T) {
	env := newTestEnv(t)
	_, out, err := runApp(t, env, Args{"who": "me"}, func(h ManagerHost) error {
		who, err := h.Args().RequireText("who")
		if err != nil {
			return err
		}
		if err := h.Doc().OpenGroup("greeting"); err != nil {
			return err
		}
		return h.Doc().AddText("to", who)
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":{"to":"me"}}`, out, "open groups are closed at the end")
}

// TestManagerRequestErrors tests that argument errors do not abort the
// processor.
func TestManagerRequestErrors(t *testing.T) {
	env := newTestEnv(t)
	p, _, err := runApp(t, env, nil, func(h ManagerHost) error {
		_, err := h.Args().RequireNum("amount")
		return err
	})
	require.ErrorIs(t, err, ErrArgMissing)
	assert.False(t, IsFault(err))
	assert.Equal(t, StateDone, p.State())

	p, _, err = runApp(t, env, nil, func(h ManagerHost) error {
		return h.Halt("stop")
	})
	require.ErrorIs(t, err, ErrHalt)
	assert.Equal(t, StateAborted, p.State())
}

// TestDeriveKeys tests app-scoped key derivation.
func TestDeriveKeys(t *testing.T) {
	env := newTestEnv(t)
	var pk1, pk2 types.PubKey
	var pre types.Hash
	_, _, err := runApp(t, env, nil, func(h ManagerHost) error {
		var err error
		if pk1, err = h.DerivePk([]byte("k")); err != nil {
			return err
		}
		if pk2, err = h.DerivePk([]byte("k")); err != nil {
			return err
		}
		pre, err = h.DeriveKeyPreimage([]byte("k"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, pk1, pk2)

	app := &NativeApp{Name: "test-app"}
	assert.Equal(t, ecc.KeyPreimage(app.ID(), []byte("k")), pre)
	want, err := env.keys.PublicKey(pre)
	require.NoError(t, err)
	assert.Equal(t, want, pk1)

	// Another app sees another key
	var other types.PubKey
	p, err := New(Config{Mode: ModeManager, Store: env.store, Keys: env.keys})
	require.NoError(t, err)
	require.NoError(t, p.RunNativeApp(&NativeApp{Name: "other", Methods: []AppMethod{func(h ManagerHost) error {
		var err error
		other, err = h.DerivePk([]byte("k"))
		return err
	}}}, 0))
	assert.NotEqual(t, pk1, other)
}

// TestManagerModeOnly tests that manager operations are refused to
// contracts.
func TestManagerModeOnly(t *testing.T) {
	p := newTestProcessor(t, ModeContract)
	assert.ErrorIs(t, p.VarsEnum(nil, nil), ErrWrongMode)
	_, err := p.DerivePk([]byte("k"))
	assert.ErrorIs(t, err, ErrWrongMode)
	_, err = p.GenerateKernel(KernelRequest{})
	assert.ErrorIs(t, err, ErrWrongMode)
	assert.ErrorIs(t, p.RunNativeApp(&NativeApp{Name: "x"}, 0), ErrWrongMode)
}

// TestDocHostCalls tests the document host calls and argument readers
// through the JSON they produce.
func TestDocHostCalls(t *testing.T) {
	env := newTestEnv(t)
	_, out, err := runApp(t, env, Args{"n": "7", "b": "0102"}, func(h ManagerHost) error {
		a := h.Args()
		n, _, err := a.Num("n")
		if err != nil {
			return err
		}
		b, _, err := a.Blob("b")
		if err != nil {
			return err
		}
		if err := h.Doc().AddNum("n", n*6); err != nil {
			return err
		}
		return h.Doc().AddBlob("b", b)
	})
	require.NoError(t, err)
	var doc struct {
		N uint64 `json:"n"`
		B string `json:"b"`
	}
	require.NoError(t, jsoniter.Unmarshal([]byte(out), &doc))
	assert.Equal(t, uint64(42), doc.N)
	assert.Equal(t, "0102", doc.B)
}

// TestGenerateKernel tests that a kernel verifies only against the effects
// it requested.
func TestGenerateKernel(t *testing.T) {
	env := newTestEnv(t)
	var k *Kernel
	var slot types.PubKey
	p, _, err := runApp(t, env, nil, func(h ManagerHost) error {
		var err error
		if slot, err = h.DerivePk([]byte("slot")); err != nil {
			return err
		}
		k, err = h.GenerateKernel(KernelRequest{
			Cid:    types.ContractID{1},
			Method: 2,
			Args:   []byte{1, 2, 3},
			Funds: []FundsChange{
				{Aid: 0, Amount: 100, Consume: true},
				{Aid: 0, Amount: 30},
				{Aid: 7, Amount: 5},
			},
			SigIDs:  [][]byte{[]byte("slot")},
			Comment: "test",
		})
		return err
	})
	require.NoError(t, err)
	require.Len(t, p.Kernels(), 1)

	minus5 := new(uint256.Int).Neg(uint256.NewInt(5))
	good := []FundsDelta{{Aid: 0, Delta: uint256.NewInt(70)}, {Aid: 7, Delta: minus5}}
	require.NoError(t, k.Verify(good, []types.PubKey{slot}))

	tests := []struct {
		name   string
		deltas []FundsDelta
		sigs   []types.PubKey
	}{
		{"wrong amount", []FundsDelta{{Aid: 0, Delta: uint256.NewInt(71)}, {Aid: 7, Delta: minus5}}, []types.PubKey{slot}},
		{"missing asset", []FundsDelta{{Aid: 0, Delta: uint256.NewInt(70)}}, []types.PubKey{slot}},
		{"missing signature", good, nil},
		{"extra signature", good, []types.PubKey{slot, slot}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, k.Verify(tt.deltas, tt.sigs), ErrSignature)
		})
	}

	tampered := *k
	tampered.Args = []byte{9}
	assert.ErrorIs(t, tampered.Verify(good, []types.PubKey{slot}), ErrSignature)
}

// TestKernelEncoding tests the funds and signature request encodings used
// by the GenerateKernel host call.
func TestKernelEncoding(t *testing.T) {
	fc := []FundsChange{{Aid: 3, Amount: 1 << 40, Consume: true}, {Aid: 0, Amount: 1}}
	b := EncodeFundsChanges(fc)
	require.Len(t, b, 2*FundsChangeSize)
	got, err := DecodeFundsChanges(b)
	require.NoError(t, err)
	assert.Equal(t, fc, got)
	_, err = DecodeFundsChanges(b[:FundsChangeSize+1])
	assert.ErrorIs(t, err, ErrMemoryAccess)

	ids := [][]byte{[]byte("a"), {}, []byte("slot-2")}
	ib := EncodeSigRequests(ids)
	gotIDs, err := DecodeSigRequests(ib)
	require.NoError(t, err)
	require.Len(t, gotIDs, 3)
	assert.Equal(t, []byte("slot-2"), gotIDs[2])
	assert.Empty(t, gotIDs[1])

	for _, bad := range [][]byte{{1, 0}, {5, 0, 0, 0, 'a'}} {
		_, err := DecodeSigRequests(bad)
		assert.ErrorIs(t, err, ErrMemoryAccess)
	}
	assert.Equal(t, "lock 1099511627776 of asset 3", fc[0].String())
}
