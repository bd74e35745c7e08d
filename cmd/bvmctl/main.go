// bvmctl deploys and calls BVM contracts and runs manager apps against a
// local ledger.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/fortiblox/bvm/internal/cli"
	"github.com/fortiblox/bvm/internal/types"
	"github.com/fortiblox/bvm/pkg/bvm"
	"github.com/fortiblox/bvm/pkg/chain"
	"github.com/fortiblox/bvm/pkg/executor"
	"github.com/fortiblox/bvm/pkg/ledger"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// nativePrefix selects a registered native shader instead of a file.
const nativePrefix = "native:"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type globalFlags struct {
	config   string
	dataDir  string
	backend  string
	logLevel string
	seed     string
}

func main() {
	var g globalFlags
	root := &cobra.Command{
		Use:           "bvmctl",
		Short:         "Deploy, call and inspect BVM contracts",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	pf := root.PersistentFlags()
	pf.StringVarP(&g.config, "config", "c", "", "YAML config file")
	pf.StringVar(&g.dataDir, "data-dir", "", "data directory (overrides config)")
	pf.StringVar(&g.backend, "backend", "", "ledger backend: badger, leveldb, memory")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.StringVar(&g.seed, "seed", "", "wallet key seed for manager apps")

	root.AddCommand(
		deployCmd(&g),
		callCmd(&g),
		destroyCmd(&g),
		appCmd(&g),
		varsCmd(&g),
		digestCmd(&g),
		exportCmd(&g),
		importCmd(&g),
		chainCmd(&g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// open loads the config, applies flag overrides and opens the environment.
func (g *globalFlags) open() (*cli.Env, error) {
	cfg, err := cli.Load(g.config)
	if err != nil {
		return nil, err
	}
	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	if g.backend != "" {
		cfg.Backend = g.backend
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.seed != "" {
		cfg.Seed = g.seed
	}
	return cli.Open(cfg, os.Stderr)
}

// withEnv runs fn on an opened environment and closes it afterwards.
func (g *globalFlags) withEnv(fn func(env *cli.Env) error) error {
	env, err := g.open()
	if err != nil {
		return err
	}
	runErr := fn(env)
	if err := env.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

// readBlob reads a shader blob from a file or resolves "native:<name>".
func readBlob(env *cli.Env, src string) ([]byte, error) {
	if name, ok := strings.CutPrefix(src, nativePrefix); ok {
		sh, found := env.Native(name)
		if !found {
			return nil, fmt.Errorf("unknown native shader %q", name)
		}
		return sh.Blob(), nil
	}
	return os.ReadFile(src)
}

func decodeArgs(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}
	return b, nil
}

type resultView struct {
	Cid     string      `json:"cid"`
	Charge  uint64      `json:"charge"`
	Args    string      `json:"args,omitempty"`
	Changes int         `json:"changes"`
	Funds   []fundsView `json:"funds,omitempty"`
	Sigs    []string    `json:"sigs,omitempty"`
	Error   string      `json:"error,omitempty"`
	Fault   bool        `json:"fault,omitempty"`
}

type fundsView struct {
	Aid   types.AssetID `json:"aid"`
	Delta string        `json:"delta"`
}

// printResult prints res and passes err through.
func printResult(res *executor.Result, err error) error {
	if res == nil {
		return err
	}
	v := resultView{
		Cid:     res.Cid.String(),
		Charge:  res.Charge,
		Args:    hex.EncodeToString(res.Args),
		Changes: res.Changes,
	}
	for _, f := range res.Funds {
		v.Funds = append(v.Funds, fundsView{Aid: f.Aid, Delta: f.String()})
	}
	for _, pk := range res.Sigs {
		v.Sigs = append(v.Sigs, pk.String())
	}
	if err != nil {
		v.Error, v.Fault = err.Error(), bvm.IsFault(err)
	}
	out, merr := json.MarshalIndent(v, "", "  ")
	if merr != nil {
		return merr
	}
	fmt.Println(string(out))
	return err
}

func deployCmd(g *globalFlags) *cobra.Command {
	var args string
	cmd := &cobra.Command{
		Use:   "deploy <file|native:name>",
		Short: "Deploy a contract and run its constructor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, a []string) error {
			return g.withEnv(func(env *cli.Env) error {
				blob, err := readBlob(env, a[0])
				if err != nil {
					return err
				}
				ctor, err := decodeArgs(args)
				if err != nil {
					return err
				}
				return printResult(env.Executor.Deploy(blob, ctor))
			})
		},
	}
	cmd.Flags().StringVar(&args, "args", "", "constructor arguments (hex)")
	return cmd
}

func callCmd(g *globalFlags) *cobra.Command {
	var args string
	cmd := &cobra.Command{
		Use:   "call <cid> <method>",
		Short: "Call a contract method without signature checks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, a []string) error {
			cid, err := types.ContractIDFromBase58(a[0])
			if err != nil {
				return err
			}
			method, err := strconv.ParseUint(a[1], 0, 32)
			if err != nil {
				return fmt.Errorf("method: %w", err)
			}
			buf, err := decodeArgs(args)
			if err != nil {
				return err
			}
			return g.withEnv(func(env *cli.Env) error {
				return printResult(env.Executor.Call(cid, uint32(method), buf))
			})
		},
	}
	cmd.Flags().StringVar(&args, "args", "", "method arguments (hex)")
	return cmd
}

func destroyCmd(g *globalFlags) *cobra.Command {
	var args string
	cmd := &cobra.Command{
		Use:   "destroy <cid>",
		Short: "Run a contract's destructor and remove it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, a []string) error {
			cid, err := types.ContractIDFromBase58(a[0])
			if err != nil {
				return err
			}
			buf, err := decodeArgs(args)
			if err != nil {
				return err
			}
			return g.withEnv(func(env *cli.Env) error {
				return printResult(env.Executor.Destroy(cid, buf))
			})
		},
	}
	cmd.Flags().StringVar(&args, "args", "", "destructor arguments (hex)")
	return cmd
}

func appCmd(g *globalFlags) *cobra.Command {
	var (
		method uint32
		args   string
		invoke bool
	)
	cmd := &cobra.Command{
		Use:   "app <file|native-app-name>",
		Short: "Run a manager app and optionally execute the kernels it signs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, a []string) error {
			req, err := bvm.ParseArgs(args)
			if err != nil {
				return err
			}
			return g.withEnv(func(env *cli.Env) error {
				r := executor.AppRequest{Method: method, Args: req, Keys: env.Keys(), Output: os.Stdout}
				if app, aerr := env.App(a[0]); aerr == nil {
					r.Native = app
				} else if r.Blob, err = os.ReadFile(a[0]); err != nil {
					return fmt.Errorf("%w (apps: %s)", err, strings.Join(env.AppNames(), ", "))
				}
				kernels, err := env.Executor.RunApp(r)
				fmt.Println()
				if err != nil {
					return err
				}
				if !invoke {
					return nil
				}
				for _, k := range kernels {
					res, err := env.Executor.Invoke(k)
					if perr := printResult(res, err); perr != nil {
						return perr
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&method, "method", 0, "app method index")
	cmd.Flags().StringVar(&args, "args", "", "app arguments (k=v,k2=v2)")
	cmd.Flags().BoolVar(&invoke, "invoke", false, "execute the generated kernels")
	return cmd
}

func varsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "vars <cid>",
		Short: "List the ledger variables of a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, a []string) error {
			cid, err := types.ContractIDFromBase58(a[0])
			if err != nil {
				return err
			}
			return g.withEnv(func(env *cli.Env) error {
				it, err := ledger.EnumeratePrefix(env.Store, cid[:])
				if err != nil {
					return err
				}
				defer it.Release()
				refs, err := env.Refs(cid)
				if err != nil {
					return err
				}
				w := bufio.NewWriter(os.Stdout)
				defer w.Flush()
				fmt.Fprintf(w, "refs %d\n", refs)
				for it.Next() {
					_, tag, sub, ok := ledger.SplitKey(it.Key())
					if !ok {
						continue
					}
					fmt.Fprintf(w, "%3d %s = %s\n", tag, hex.EncodeToString(sub), hex.EncodeToString(it.Value()))
				}
				return it.Error()
			})
		},
	}
}

func digestCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "digest",
		Short: "Print the Merkle digest of the whole ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, a []string) error {
			return g.withEnv(func(env *cli.Env) error {
				d, err := ledger.Digest(env.Store, nil, nil)
				if err != nil {
					return err
				}
				fmt.Println(hex.EncodeToString(d[:]))
				return nil
			})
		},
	}
}

func exportCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write a compressed ledger export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, a []string) error {
			return g.withEnv(func(env *cli.Env) error {
				f, err := os.Create(a[0])
				if err != nil {
					return err
				}
				st, err := ledger.Export(env.Store, f)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				env.Log.Info("exported", "keys", st.Keys, "digest", hex.EncodeToString(st.Digest[:]), "file", a[0])
				return nil
			})
		},
	}
}

func importCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Load a ledger export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, a []string) error {
			return g.withEnv(func(env *cli.Env) error {
				f, err := os.Open(a[0])
				if err != nil {
					return err
				}
				defer f.Close()
				st, err := ledger.Import(env.Store, f)
				if err != nil {
					return err
				}
				env.Log.Info("imported", "keys", st.Keys, "digest", hex.EncodeToString(st.Digest[:]))
				return nil
			})
		},
	}
}

func chainCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Inspect and extend the header chain",
	}
	var count int
	appendCmd := &cobra.Command{
		Use:   "append",
		Short: "Append headers at the current time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, a []string) error {
			return g.withEnv(func(env *cli.Env) error {
				for i := 0; i < count; i++ {
					h, err := chain.Next(env.Chain, uint64(time.Now().Unix()))
					if err != nil {
						return err
					}
					if err := env.Chain.Append(h); err != nil {
						return err
					}
				}
				fmt.Println(env.Chain.Height())
				return nil
			})
		},
	}
	appendCmd.Flags().IntVarP(&count, "count", "n", 1, "number of headers")
	showCmd := &cobra.Command{
		Use:   "show [height]",
		Short: "Print a header (default: the tip)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, a []string) error {
			return g.withEnv(func(env *cli.Env) error {
				h := env.Chain.Height()
				if len(a) == 1 {
					n, err := strconv.ParseUint(a[0], 10, 64)
					if err != nil {
						return err
					}
					h = types.Height(n)
				}
				hdr, err := env.Chain.Header(h)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(hdr, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			})
		},
	}
	cmd.AddCommand(appendCmd, showCmd)
	return cmd
}
