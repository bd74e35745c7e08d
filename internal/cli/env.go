package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	bvmlog "github.com/fortiblox/bvm/internal/log"
	"github.com/fortiblox/bvm/internal/samples"
	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm"
	"github.com/fortiblox/bvm/pkg/bvm/ecc"
	"github.com/fortiblox/bvm/pkg/chain"
	"github.com/fortiblox/bvm/pkg/executor"
	"github.com/fortiblox/bvm/pkg/ledger"
)

// ErrUnknownApp is returned for an app name that is not registered.
var ErrUnknownApp = errors.New("unknown native app")

// Env is an opened ledger, chain and executor.
type Env struct {
	Config   Config
	Store    ledger.Store
	Chain    chain.Writer
	Executor *executor.Executor
	Log      *slog.Logger

	apps map[string]*bvm.NativeApp
}

// Open opens the configured backends. logOut receives log output.
func Open(cfg Config, logOut io.Writer) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := bvmlog.New(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	var ch chain.Writer
	if cfg.Backend == BackendMemory {
		ch = chain.NewMemChain()
	} else {
		bc, err := chain.Open(chain.DefaultConfig(cfg.ChainPath()))
		if err != nil {
			store.Close()
			return nil, err
		}
		ch = bc
	}

	closeAll := func() {
		if c, ok := ch.(io.Closer); ok {
			c.Close()
		}
		store.Close()
	}

	xcfg := executor.DefaultConfig()
	xcfg.Charge, xcfg.ManagerCharge = cfg.charges()
	xcfg.ModuleCacheSize = cfg.ModuleCacheSize
	xcfg.Logger = logger
	for _, s := range []*bvm.NativeShader{samples.NativeVault(), samples.NativeRelay(), samples.NativeOracle()} {
		if _, err := xcfg.Natives.Register(s); err != nil {
			closeAll()
			return nil, err
		}
	}
	x, err := executor.New(store, ch, xcfg)
	if err != nil {
		closeAll()
		return nil, err
	}

	env := &Env{
		Config:   cfg,
		Store:    store,
		Chain:    ch,
		Executor: x,
		Log:      logger,
		apps:     map[string]*bvm.NativeApp{},
	}
	for _, a := range []*bvm.NativeApp{samples.VaultViewer()} {
		env.apps[a.Name] = a
	}
	logger.Debug("environment opened", "backend", cfg.Backend, "data_dir", cfg.DataDir, "height", ch.Height())
	return env, nil
}

func openStore(cfg Config) (ledger.Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		return ledger.NewMemStore(), nil
	case BackendLevelDB:
		return ledger.OpenLevelDB(ledger.DefaultLevelDBConfig(cfg.LedgerPath()))
	default:
		return ledger.OpenBadger(ledger.DefaultBadgerConfig(cfg.LedgerPath()))
	}
}

// Keys returns the wallet key keeper derived from the configured seed.
func (e *Env) Keys() ecc.KeyKeeper {
	return ecc.NewLocalKeyKeeper([]byte(e.Config.Seed))
}

// App returns a registered native app by name.
func (e *Env) App(name string) (*bvm.NativeApp, error) {
	a, ok := e.apps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownApp, name)
	}
	return a, nil
}

// Native returns a registered native shader by name.
func (e *Env) Native(name string) (*bvm.NativeShader, bool) {
	return e.Executor.Natives().Lookup(bvm.NativeShaderID(name))
}

// AppNames lists the registered native apps.
func (e *Env) AppNames() []string {
	names := make([]string, 0, len(e.apps))
	for n := range e.apps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Refs returns how many contracts hold a reference to cid.
func (e *Env) Refs(cid types.ContractID) (uint32, error) {
	return bvm.GlobalRefs(e.Store, cid)
}

// Close closes the executor, chain and ledger.
func (e *Env) Close() error {
	var errs []error
	if err := e.Executor.Close(); err != nil && !errors.Is(err, executor.ErrClosed) {
		errs = append(errs, err)
	}
	if c, ok := e.Chain.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
