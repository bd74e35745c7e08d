// Package executor runs BVM invocations against a shared ledger.
//
// Every contract invocation runs on a fresh processor over a ledger overlay:
// the overlay is committed when the invocation succeeds and discarded on any
// error, so a fault never leaves partial state behind. Invocations are
// serialized; manager requests only read the ledger.
package executor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	bvmlog "github.com/fortiblox/bvm/internal/log"
	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm"
	"github.com/fortiblox/bvm/pkg/bvm/ecc"
	"github.com/fortiblox/bvm/pkg/bvm/module"
	"github.com/fortiblox/bvm/pkg/chain"
	"github.com/fortiblox/bvm/pkg/ledger"
)

// Executor errors.
var (
	ErrClosed       = errors.New("executor closed")
	ErrArgsTooLarge = errors.New("arguments too large")
	ErrNoKernel     = errors.New("nil kernel")
)

// MaxArgsSize bounds the argument buffer of a single invocation.
const MaxArgsSize = 64 * 1024

// Config configures an Executor.
type Config struct {
	// Limits bounds every invocation.
	Limits bvm.Limits

	// Charge is the default contract budget.
	Charge uint64

	// ManagerCharge is the budget of manager requests.
	ManagerCharge uint64

	// ModuleCacheSize is the number of parsed modules kept.
	ModuleCacheSize int

	// Natives resolves native shaders and apps.
	Natives *bvm.Registry

	// Tracer receives engine events. Optional.
	Tracer bvm.Tracer

	// Logger is an optional logger. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		Limits:          bvm.DefaultLimits(),
		Charge:          bvm.DefaultContractCharge,
		ManagerCharge:   bvm.DefaultManagerCharge,
		ModuleCacheSize: 256,
		Natives:         bvm.NewRegistry(),
	}
}

// Result describes a finished contract invocation.
type Result struct {
	// Cid is the contract the invocation targeted.
	Cid types.ContractID

	// Charge is the budget consumed.
	Charge uint64

	// Args is the argument buffer after the call.
	Args []byte

	// Changes is the number of ledger keys written.
	Changes int

	// Funds are the per-asset deltas seen by the contracts.
	Funds []bvm.FundsDelta

	// Sigs are the keys the contracts required.
	Sigs []types.PubKey
}

// Executor executes contract invocations and manager requests.
type Executor struct {
	mu      sync.Mutex
	store   ledger.Store
	chain   chain.Chain
	cfg     Config
	modules *lru.Cache[types.ShaderID, *module.Module]
	log     *slog.Logger
	closed  atomic.Bool
}

// New creates an executor over store. chain may be nil.
func New(store ledger.Store, c chain.Chain, cfg Config) (*Executor, error) {
	if store == nil {
		return nil, bvm.ErrNoStore
	}
	if cfg.ModuleCacheSize <= 0 {
		cfg.ModuleCacheSize = DefaultConfig().ModuleCacheSize
	}
	if cfg.Natives == nil {
		cfg.Natives = bvm.NewRegistry()
	}
	cache, err := lru.New[types.ShaderID, *module.Module](cfg.ModuleCacheSize)
	if err != nil {
		return nil, fmt.Errorf("module cache: %w", err)
	}
	return &Executor{
		store:   store,
		chain:   c,
		cfg:     cfg,
		modules: cache,
		log:     bvmlog.Module(cfg.Logger, "executor"),
	}, nil
}

// Natives returns the native shader registry.
func (e *Executor) Natives() *bvm.Registry {
	return e.cfg.Natives
}

// Store returns the underlying ledger.
func (e *Executor) Store() ledger.Store {
	return e.store
}

// Load implements bvm.ModuleLoader with an LRU cache keyed by shader id.
func (e *Executor) Load(blob []byte) (*module.Module, error) {
	sid := types.ShaderIDOf(blob)
	if m, ok := e.modules.Get(sid); ok {
		return m, nil
	}
	m, err := module.Parse(blob)
	if err != nil {
		return nil, err
	}
	e.modules.Add(sid, m)
	return m, nil
}

// CachedModules returns the number of cached modules.
func (e *Executor) CachedModules() int {
	return e.modules.Len()
}

// ClearCache drops all cached modules.
func (e *Executor) ClearCache() {
	e.modules.Purge()
}

// Deploy stores a new contract and runs its constructor.
func (e *Executor) Deploy(blob, args []byte) (*Result, error) {
	var cid types.ContractID
	res, err := e.execute(0, func(p *bvm.Processor) error {
		var err error
		cid, err = p.Deploy(blob, args)
		return err
	})
	if res != nil {
		res.Cid = cid
		res.Args = args
	}
	if err == nil {
		e.log.Info("deployed", "cid", cid.String(), "charge", res.Charge, "changes", res.Changes)
	}
	return res, err
}

// Call invokes a contract method without kernel signature checks.
func (e *Executor) Call(cid types.ContractID, method uint32, args []byte) (*Result, error) {
	if len(args) > MaxArgsSize {
		return nil, ErrArgsTooLarge
	}
	buf := append([]byte(nil), args...)
	res, err := e.execute(0, func(p *bvm.Processor) error {
		return p.Invoke(cid, method, buf)
	})
	if res != nil {
		res.Cid, res.Args = cid, buf
	}
	if err == nil {
		e.log.Debug("called", "cid", cid.String(), "method", method, "charge", res.Charge)
	}
	return res, err
}

// Invoke executes a signed kernel. The kernel signature must cover the
// funds moved and the keys required by the contracts it ran.
func (e *Executor) Invoke(k *bvm.Kernel) (*Result, error) {
	if k == nil {
		return nil, ErrNoKernel
	}
	if len(k.Args) > MaxArgsSize {
		return nil, ErrArgsTooLarge
	}
	buf := append([]byte(nil), k.Args...)
	res, err := e.execute(uint64(k.Charge), func(p *bvm.Processor) error {
		if err := p.Invoke(k.Cid, k.Method, buf); err != nil {
			return err
		}
		return p.VerifyKernel(k)
	})
	if res != nil {
		res.Cid, res.Args = k.Cid, buf
	}
	if err == nil {
		e.log.Info("kernel executed", "cid", k.Cid.String(), "method", k.Method, "charge", res.Charge)
	}
	return res, err
}

// Destroy runs a contract's destructor and removes it.
func (e *Executor) Destroy(cid types.ContractID, args []byte) (*Result, error) {
	res, err := e.execute(0, func(p *bvm.Processor) error {
		return p.Destroy(cid, args)
	})
	if res != nil {
		res.Cid = cid
	}
	if err == nil {
		e.log.Info("destroyed", "cid", cid.String())
	}
	return res, err
}

// execute runs fn on a contract processor over a fresh overlay.
func (e *Executor) execute(charge uint64, fn func(p *bvm.Processor) error) (*Result, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if charge == 0 {
		charge = e.cfg.Charge
	}
	ov := ledger.NewOverlay(e.store)
	p, err := bvm.New(bvm.Config{
		Mode:    bvm.ModeContract,
		Store:   ov,
		Chain:   e.chain,
		Charge:  charge,
		Limits:  e.cfg.Limits,
		Loader:  e,
		Natives: e.cfg.Natives,
		Tracer:  e.cfg.Tracer,
		Logger:  e.log,
	})
	if err != nil {
		return nil, err
	}

	runErr := fn(p)
	res := &Result{
		Charge: p.Meter().Consumed(),
		Funds:  p.FundsDeltas(),
		Sigs:   p.Sigs(),
	}
	if runErr != nil {
		ov.Discard()
		e.log.Warn("invocation aborted", "err", runErr, "charge", res.Charge, "fault", bvm.IsFault(runErr))
		return res, runErr
	}
	res.Changes = ov.Pending()
	if err := ov.Commit(); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// AppRequest is a manager request.
type AppRequest struct {
	// Blob is a bytecode app. Ignored when Native is set.
	Blob []byte

	// Native is a native app.
	Native *bvm.NativeApp

	// Method is the app method to run.
	Method uint32

	// Args are the request arguments.
	Args bvm.Args

	// Keys derives the wallet keys. Optional for read-only apps.
	Keys ecc.KeyKeeper

	// Output receives the JSON document.
	Output io.Writer
}

// RunApp runs a manager app and returns the kernels it generated.
func (e *Executor) RunApp(req AppRequest) ([]*bvm.Kernel, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := bvm.New(bvm.Config{
		Mode:    bvm.ModeManager,
		Store:   e.store,
		Chain:   e.chain,
		Charge:  e.cfg.ManagerCharge,
		Limits:  e.cfg.Limits,
		Loader:  e,
		Natives: e.cfg.Natives,
		Tracer:  e.cfg.Tracer,
		Logger:  e.log,
		Args:    req.Args,
		Keys:    req.Keys,
		Output:  req.Output,
	})
	if err != nil {
		return nil, err
	}

	if req.Native != nil {
		err = p.RunNativeApp(req.Native, req.Method)
	} else {
		mod, lerr := e.Load(req.Blob)
		if lerr != nil {
			return nil, fmt.Errorf("%w: %v", bvm.ErrBadModule, lerr)
		}
		err = p.RunApp(mod, req.Method)
	}
	if err != nil {
		e.log.Debug("app request failed", "err", err, "fault", bvm.IsFault(err))
		return nil, err
	}
	return p.Kernels(), nil
}

// Close stops accepting work. The ledger and chain are owned by the caller.
func (e *Executor) Close() error {
	if e.closed.Swap(true) {
		return ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modules.Purge()
	return nil
}
