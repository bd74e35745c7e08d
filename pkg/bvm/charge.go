package bvm

import "github.com/fortiblox/bvm/internal/types"

// Charge costs.
const (
	CostCycle            = uint64(10)
	CostMemOp            = uint64(1_000)
	CostMemOpPerByte     = uint64(10)
	CostHeapOp           = uint64(1_000)
	CostLoadVar          = uint64(5_000)
	CostLoadVarPerByte   = uint64(20)
	CostSaveVar          = uint64(20_000)
	CostSaveVarPerByte   = uint64(200)
	CostCallFar          = uint64(10_000)
	CostAddSig           = uint64(10_000)
	CostAssetManage      = uint64(1_000_000)
	CostAssetEmit        = uint64(50_000)
	CostFundsLock        = uint64(1_000)
	CostRefOp            = uint64(1_000)
	CostHashOp           = uint64(2_000)
	CostHashOpPerByte    = uint64(2)
	CostSecpScalar       = uint64(50)
	CostSecpPointMul     = uint64(10_000)
	CostSecpPointAdd     = uint64(100)
	CostSecpPointImport  = uint64(1_000)
	CostPoW              = uint64(50_000)
	CostLog              = uint64(10_000)
	CostLogPerByte       = uint64(20)
	CostUpdateShader     = uint64(50_000)
	CostUpdateShaderByte = uint64(50)
)

// Default budgets.
const (
	DefaultContractCharge = uint64(100_000_000)
	DefaultManagerCharge  = uint64(10_000_000_000)
)

// Limits bounds every per-invocation resource.
type Limits struct {
	// FarCallDepth is the maximum far call nesting.
	FarCallDepth int

	// LocalCallDepth is the maximum local call nesting within one far frame.
	LocalCallDepth int

	// OperandStack is the maximum operand stack height.
	OperandStack int

	// StackSize is the guest stack region size in bytes.
	StackSize uint32

	// HeapSize is the guest heap region size in bytes.
	HeapSize uint32

	// VarKeySize is the maximum guest subkey length.
	VarKeySize int

	// VarSize is the maximum variable value length.
	VarSize int

	// AssetMetaSize is the maximum asset metadata length.
	AssetMetaSize int

	// AssetDeposit is locked in the native coin for every created asset.
	AssetDeposit types.Amount

	// MaxHashes is the number of hash handles open at once.
	MaxHashes int
}

// DefaultLimits returns the default limits.
func DefaultLimits() Limits {
	return Limits{
		FarCallDepth:   32,
		LocalCallDepth: 256,
		OperandStack:   1024,
		StackSize:      64 << 10,
		HeapSize:       1 << 20,
		VarKeySize:     256,
		VarSize:        8 << 10,
		AssetMetaSize:  1 << 10,
		AssetDeposit:   100_000_000,
		MaxHashes:      16,
	}
}

// Meter tracks the charge budget of one invocation.
type Meter struct {
	limit     uint64
	remaining uint64
}

// NewMeter creates a meter with the given budget.
func NewMeter(limit uint64) *Meter {
	return &Meter{limit: limit, remaining: limit}
}

// Consume subtracts cost. Spending the budget down to exactly zero is
// allowed; any cost larger than what remains is a fault and empties the
// meter.
func (m *Meter) Consume(cost uint64) error {
	if cost > m.remaining {
		have := m.remaining
		m.remaining = 0
		return faultf(ErrChargeExhausted, "need %d, have %d", cost, have)
	}
	m.remaining -= cost
	return nil
}

// ConsumeBytes charges base + perByte·n, saturating on overflow.
func (m *Meter) ConsumeBytes(base, perByte uint64, n int) error {
	cost := base
	if n > 0 {
		extra := perByte * uint64(n)
		if perByte != 0 && extra/perByte != uint64(n) {
			extra = ^uint64(0)
		}
		if cost+extra < cost {
			cost = ^uint64(0)
		} else {
			cost += extra
		}
	}
	return m.Consume(cost)
}

// Remaining returns the remaining budget.
func (m *Meter) Remaining() uint64 {
	return m.remaining
}

// Consumed returns the spent budget.
func (m *Meter) Consumed() uint64 {
	return m.limit - m.remaining
}

// Limit returns the initial budget.
func (m *Meter) Limit() uint64 {
	return m.limit
}
