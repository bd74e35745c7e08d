// Package cli wires configuration, storage and the executor for bvmctl.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	bvmlog "github.com/fortiblox/bvm/internal/log"
	"github.com/fortiblox/bvm/pkg/bvm"
)

// Ledger backends.
const (
	BackendBadger  = "badger"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the bvmctl configuration file.
type Config struct {
	// DataDir holds the ledger and chain databases.
	DataDir string `yaml:"data_dir"`

	// Backend is the ledger backend: badger, leveldb or memory.
	Backend string `yaml:"backend"`

	// Seed derives the wallet keys used by manager apps.
	Seed string `yaml:"seed"`

	// Charge is the contract budget. Zero uses the engine default.
	Charge uint64 `yaml:"charge"`

	// ManagerCharge is the manager budget. Zero uses the engine default.
	ManagerCharge uint64 `yaml:"manager_charge"`

	// ModuleCacheSize is the number of parsed modules kept.
	ModuleCacheSize int `yaml:"module_cache_size"`

	// Log configures logging.
	Log bvmlog.Config `yaml:"log"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		DataDir:         "bvm-data",
		Backend:         BackendBadger,
		ModuleCacheSize: 256,
		Log:             bvmlog.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendBadger, BackendLevelDB, BackendMemory:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.Backend != BackendMemory && c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required for %s", ErrInvalidConfig, c.Backend)
	}
	if c.ModuleCacheSize < 0 {
		return fmt.Errorf("%w: negative module_cache_size", ErrInvalidConfig)
	}
	if _, err := bvmlog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LedgerPath is the ledger database directory.
func (c Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger")
}

// ChainPath is the chain database file.
func (c Config) ChainPath() string {
	return filepath.Join(c.DataDir, "chain.db")
}

func (c Config) charges() (contract, manager uint64) {
	contract, manager = c.Charge, c.ManagerCharge
	if contract == 0 {
		contract = bvm.DefaultContractCharge
	}
	if manager == 0 {
		manager = bvm.DefaultManagerCharge
	}
	return contract, manager
}
