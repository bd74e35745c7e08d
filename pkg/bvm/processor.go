// Package bvm implements the BVM processor: the engine that executes
// contract shaders against the ledger (contract mode) and client-side
// manager applications (manager mode).
//
// A Processor serves exactly one invocation at a time and is not safe for
// concurrent use. Guest bytecode and native Go shaders reach the engine
// through the same typed methods, so charging and ledger effects do not
// depend on how a shader was built.
package bvm

import (
	"errors"
	"hash"
	"io"
	"log/slog"

	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm/ecc"
	"github.com/fortiblox/bvm/pkg/bvm/heap"
	"github.com/fortiblox/bvm/pkg/bvm/module"
	"github.com/fortiblox/bvm/pkg/chain"
	"github.com/fortiblox/bvm/pkg/ledger"
	"github.com/holiman/uint256"
)

// Mode selects the host surface available to the running code.
type Mode uint8

const (
	ModeContract Mode = 1 << iota
	ModeManager

	modeAny = ModeContract | ModeManager
)

func (m Mode) String() string {
	switch m {
	case ModeContract:
		return "contract"
	case ModeManager:
		return "manager"
	default:
		return "any"
	}
}

// State is the lifecycle state of a processor.
type State uint8

const (
	StateNotStarted State = iota
	StateExecuting
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateExecuting:
		return "executing"
	case StateDone:
		return "done"
	default:
		return "aborted"
	}
}

// Tracer observes engine events. Callbacks run synchronously on the
// processor's goroutine.
type Tracer interface {
	OnCallFar(depth int, cid types.ContractID, method uint32)
	OnFunds(cid types.ContractID, aid types.AssetID, amount types.Amount, lock bool)
	OnFault(err error)
}

// ModuleLoader parses stored shader blobs. Executors plug a cache in here.
type ModuleLoader interface {
	Load(blob []byte) (*module.Module, error)
}

// ModuleLoaderFunc adapts a function to ModuleLoader.
type ModuleLoaderFunc func(blob []byte) (*module.Module, error)

// Load implements ModuleLoader.
func (f ModuleLoaderFunc) Load(blob []byte) (*module.Module, error) {
	return f(blob)
}

// ErrNoStore is returned by New when no ledger is configured.
var ErrNoStore = errors.New("processor requires a ledger store")

// Config configures a processor.
type Config struct {
	// Mode selects contract or manager semantics.
	Mode Mode

	// Store is the ledger. Contract mode writes to it; executors pass an
	// overlay so the writes can be discarded.
	Store ledger.Store

	// Chain serves block headers. Optional.
	Chain chain.Chain

	// Height is the current height. Zero means Chain's tip.
	Height types.Height

	// Charge is the budget. Zero selects the mode default.
	Charge uint64

	// Limits bounds per-invocation resources.
	Limits Limits

	// Loader parses shader blobs. Nil parses on every load.
	Loader ModuleLoader

	// Natives resolves native shaders. Optional.
	Natives *Registry

	// Tracer receives engine events. Optional.
	Tracer Tracer

	// Logger receives guest debug output. Nil means slog.Default().
	Logger *slog.Logger

	// Args are the manager request arguments.
	Args Args

	// Keys derives manager keys. Required for key derivation and kernels.
	Keys ecc.KeyKeeper

	// Output receives the manager document. Nil discards it.
	Output io.Writer
}

// Processor executes shaders.
type Processor struct {
	mode    Mode
	store   ledger.Store
	chain   chain.Chain
	height  types.Height
	limits  Limits
	meter   *Meter
	loader  ModuleLoader
	natives *Registry
	tracer  Tracer
	logger  *slog.Logger
	state   State

	stack   []byte
	sp      uint32
	heapMem []byte
	heap    *heap.Heap
	ops     []uint64
	far     []*farFrame

	hashes   map[uint32]hash.Hash
	nextHash uint32

	// contract mode
	funds map[types.AssetID]*uint256.Int
	sigs  []types.PubKey
	sigP  ecc.Point

	// manager mode
	args    Args
	keys    ecc.KeyKeeper
	doc     *DocWriter
	vars    *varCursor
	logs    *logCursor
	kernels []*Kernel
}

// New creates a processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.Mode != ModeManager {
		cfg.Mode = ModeContract
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.Charge == 0 {
		cfg.Charge = DefaultContractCharge
		if cfg.Mode == ModeManager {
			cfg.Charge = DefaultManagerCharge
		}
	}
	if cfg.Loader == nil {
		cfg.Loader = ModuleLoaderFunc(module.Parse)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Height == 0 && cfg.Chain != nil {
		cfg.Height = cfg.Chain.Height()
	}
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}

	p := &Processor{
		mode:    cfg.Mode,
		store:   cfg.Store,
		chain:   cfg.Chain,
		height:  cfg.Height,
		limits:  cfg.Limits,
		meter:   NewMeter(cfg.Charge),
		loader:  cfg.Loader,
		natives: cfg.Natives,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger,
		stack:   make([]byte, cfg.Limits.StackSize),
		sp:      cfg.Limits.StackSize,
		heapMem: make([]byte, cfg.Limits.HeapSize),
		heap:    heap.New(cfg.Limits.HeapSize),
		ops:     make([]uint64, 0, 64),
		hashes:  make(map[uint32]hash.Hash),
		funds:   make(map[types.AssetID]*uint256.Int),
		args:    cfg.Args,
		keys:    cfg.Keys,
	}
	if cfg.Mode == ModeManager {
		p.doc = NewDocWriter(out)
	}
	return p, nil
}

// Mode returns the processor mode.
func (p *Processor) Mode() Mode {
	return p.mode
}

// State returns the lifecycle state.
func (p *Processor) State() State {
	return p.state
}

// Meter returns the charge meter.
func (p *Processor) Meter() *Meter {
	return p.meter
}

// Limits returns the configured limits.
func (p *Processor) Limits() Limits {
	return p.limits
}

// Height returns the current chain height.
func (p *Processor) Height() types.Height {
	return p.height
}

// Header returns the header at height h.
func (p *Processor) Header(h types.Height) (*chain.Header, error) {
	if err := p.meter.Consume(CostLoadVar); err != nil {
		return nil, err
	}
	if p.chain == nil {
		return nil, chain.ErrHeaderNotFound
	}
	return p.chain.Header(h)
}

// StackPointer returns the current guest stack pointer offset.
func (p *Processor) StackPointer() uint32 {
	return p.sp
}

// HeapUsed returns the number of allocated heap bytes.
func (p *Processor) HeapUsed() uint32 {
	return p.heap.Used()
}

// Debug logs a guest message at debug level.
func (p *Processor) Debug(msg string) error {
	if err := p.meter.ConsumeBytes(CostLog, CostLogPerByte, len(msg)); err != nil {
		return err
	}
	attrs := []any{"msg", msg, "mode", p.mode.String()}
	if f := p.top(); f != nil {
		attrs = append(attrs, "cid", f.cid.String())
	}
	p.logger.Debug("guest", attrs...)
	return nil
}

// Halt aborts the invocation.
func (p *Processor) Halt(reason string) error {
	if reason == "" {
		return &Fault{Kind: ErrHalt}
	}
	return faultf(ErrHalt, "%s", reason)
}

func (p *Processor) requireMode(m Mode, op string) error {
	if p.mode&m == 0 {
		return faultf(ErrWrongMode, "%s in %s mode", op, p.mode)
	}
	return nil
}

// begin guards a top-level entry point.
func (p *Processor) begin() error {
	if p.state == StateAborted || p.state == StateExecuting {
		return faultf(ErrInvalidState, "%s", p.state)
	}
	p.state = StateExecuting
	return nil
}

// end settles the state after a top-level entry point. Panics escaping host
// code become internal faults.
func (p *Processor) end(err *error) {
	if r := recover(); r != nil {
		*err = faultf(ErrInternal, "panic: %v", r)
	}
	if *err == nil {
		p.state = StateDone
		return
	}
	if IsFault(*err) {
		p.state = StateAborted
		p.far = p.far[:0]
		p.ops = p.ops[:0]
		if p.tracer != nil {
			p.tracer.OnFault(*err)
		}
		return
	}
	// Request-level errors unwind the frames but leave the processor usable.
	p.far = p.far[:0]
	p.ops = p.ops[:0]
	p.sp = uint32(len(p.stack))
	p.state = StateDone
}
