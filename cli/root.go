// Package cli provides the command-line entry point for the clarium
// embeddable database core: wiring the storage facade, script registry
// auto-load, bytecode/Lua VM caches, and a handful of operator
// subcommands (`scripts`, `graph`, `query`) around that wiring. The
// PG-wire/HTTP server that would sit in front of internal/selectexec.Run
// stays out of scope (spec.md §1's own Non-goals) — this binary is the
// demonstration/administration surface, not the server.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	bolt "go.etcd.io/bbolt"

	"clarium.evalgo.org/config"
	"clarium.evalgo.org/internal/bytecode"
	"clarium.evalgo.org/internal/datacontext"
	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/graphstore"
	"clarium.evalgo.org/internal/query"
	"clarium.evalgo.org/internal/registry"
	"clarium.evalgo.org/internal/selectexec"
	"clarium.evalgo.org/internal/storage"
)

var cfgFile string
var log = logrus.New()

// RootCmd is the clarium CLI's entry point. Persistent flags mirror the
// teacher's config-file/env/flag precedence (cobra.OnInitialize + viper),
// trimmed to the settings this core actually needs.
var RootCmd = &cobra.Command{
	Use:   "clarium",
	Short: "embeddable multi-modal database core: relational/time tables, KV, and a native graph store",
	Long: `clarium is an embeddable database core combining time-series tables,
relational tables and views, a key-value store, and a native ACID graph
store behind one extended-SQL SELECT pipeline and a scripted-UDF runtime.

This binary wires the storage facade and script registry for
administration and demonstration; it does not itself speak a wire
protocol.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.clarium.yaml)")
	RootCmd.PersistentFlags().String("storage-root", "", "root directory for KV buckets and graph stores")
	RootCmd.PersistentFlags().String("postgres-dsn", "", "postgres DSN backing relational/time tables and the view catalog")
	RootCmd.PersistentFlags().String("scripts-dir", "", "directory of Lua UDF scripts to auto-load into the script registry")

	viper.BindPFlag("storage_root", RootCmd.PersistentFlags().Lookup("storage-root"))
	viper.BindPFlag("postgres_dsn", RootCmd.PersistentFlags().Lookup("postgres-dsn"))
	viper.BindPFlag("scripts_dir", RootCmd.PersistentFlags().Lookup("scripts-dir"))

	RootCmd.AddCommand(scriptsCmd, graphCmd, queryCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".clarium")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// envConfig builds config.EnvConfig with the CLARIUM_ prefix, falling back
// to it for any setting a flag/config-file value left empty.
func envConfig() *config.EnvConfig {
	return config.NewEnvConfig("CLARIUM")
}

func resolveStorageRoot() string {
	if v := viper.GetString("storage_root"); v != "" {
		return v
	}
	return envConfig().GetString("STORAGE_ROOT", "./clarium-data")
}

func resolvePostgresDSN() string {
	if v := viper.GetString("postgres_dsn"); v != "" {
		return v
	}
	return envConfig().GetString("POSTGRES_DSN", "postgres://localhost:5432/clarium?sslmode=disable")
}

func resolveScriptsDir() string {
	if v := viper.GetString("scripts_dir"); v != "" {
		return v
	}
	return envConfig().GetString("SCRIPTS_DIR", "./scripts")
}

// openFacade opens the storage facade against the resolved configuration,
// the shared construction path every subcommand needing storage uses.
func openFacade(ctx context.Context) (*storage.Facade, error) {
	return storage.Open(ctx, storage.Config{
		Root:        resolveStorageRoot(),
		PostgresDSN: resolvePostgresDSN(),
	})
}

// loadRegistry auto-loads scripts-dir into a fresh registry, logging
// per-file failures the way internal/registry.LoadDirectory documents
// (a malformed script is skipped, not fatal).
func loadRegistry() (*registry.Registry, error) {
	reg := registry.New()
	dir := resolveScriptsDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return reg, nil
	}
	if err := reg.LoadDirectory(dir, log); err != nil {
		return nil, err
	}
	return reg, nil
}

var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "inspect and manage the scripted-UDF registry",
}

var scriptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "load scripts-dir and print every registered UDF name",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		snap := reg.Snapshot()
		for _, name := range snap.SortedNames() {
			entry, _ := snap.Get(name)
			fmt.Printf("%s\t%s\n", name, entry.Meta.Kind)
		}
		return nil
	},
}

var clearPersistent bool

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache [name]",
	Short: "clear the bytecode cache (CLEAR SCRIPT CACHE [NAME <n>] [WITH PERSISTENT])",
	RunE: func(cmd *cobra.Command, args []string) error {
		root := resolveStorageRoot()
		kv, err := openBoltForCache(root)
		if err != nil {
			return err
		}
		defer kv.Close()

		l2, err := bytecode.NewBoltL2(kv)
		if err != nil {
			return err
		}
		cache := bytecode.New(l2)
		if len(args) == 1 {
			if err := cache.ClearName(args[0], clearPersistent); err != nil {
				return err
			}
			fmt.Printf("cleared bytecode cache entries for %q (persistent=%v)\n", args[0], clearPersistent)
			return nil
		}
		if err := cache.ClearAll(clearPersistent); err != nil {
			return err
		}
		fmt.Printf("cleared the entire bytecode cache (persistent=%v)\n", clearPersistent)
		return nil
	},
}

func init() {
	clearCacheCmd.Flags().BoolVar(&clearPersistent, "persistent", false, "also purge the durable L2 tier (WITH PERSISTENT)")
	scriptsCmd.AddCommand(scriptsListCmd, clearCacheCmd)
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "administer a graph-store handle",
}

var graphStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "print SHOW GRAPH STATUS-equivalent counters for a graph handle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := graphstore.Open(graphDir(args[0]))
		if err != nil {
			return err
		}
		defer g.Close()
		s := g.Status()
		fmt.Printf("epoch=%d partitions=%d recoveries=%d commits=%d bfs_calls=%d last_batch_id=%s\n",
			s.Epoch, s.Partitions, s.Recoveries, s.Commits, s.BFSCalls, s.LastBatchID)
		return nil
	},
}

var graphGCCmd = &cobra.Command{
	Use:   "gc <name>",
	Short: "compact every partition of a graph handle that exceeds the GC thresholds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := graphstore.Open(graphDir(args[0]))
		if err != nil {
			return err
		}
		defer g.Close()
		compacted, err := g.GC(graphstore.ThresholdsFromEnv())
		if err != nil {
			return err
		}
		fmt.Printf("compacted partitions: %v\n", compacted)
		return nil
	},
}

var graphGCScanCmd = &cobra.Command{
	Use:   "gc-scan",
	Short: "walk every *.gstore under the storage root and run the GC check on each",
	RunE: func(cmd *cobra.Command, args []string) error {
		compacted, errs := graphstore.GCScan(resolveStorageRoot(), graphstore.ThresholdsFromEnv())
		for dir, parts := range compacted {
			fmt.Printf("%s: compacted partitions %v\n", dir, parts)
		}
		for dir, err := range errs {
			log.WithError(err).WithField("graph", dir).Warn("gc-scan: skipped graph")
		}
		return nil
	},
}

func init() {
	graphCmd.AddCommand(graphStatusCmd, graphGCCmd, graphGCScanCmd)
}

// openBoltForCache opens the same kv.bolt file the storage facade uses,
// so `scripts clear-cache` shares the bytecode cache's L2 store with a
// running facade rather than maintaining a second database file.
func openBoltForCache(root string) (*bolt.DB, error) {
	return bolt.Open(root+"/kv.bolt", 0o600, nil)
}

func graphDir(name string) string {
	return resolveStorageRoot() + "/" + name + ".gstore"
}

// queryCmd runs a small, fixed demonstration query end to end through the
// storage facade, script registry, and six-stage SELECT pipeline, proving
// the wiring works without a SQL parser front-end (spec.md §1 assumes one
// is supplied externally).
var queryCmd = &cobra.Command{
	Use:   "query <table>",
	Short: "run `SELECT * FROM <table>` through the full pipeline and print row count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		facade, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer facade.Close()

		reg, err := loadRegistry()
		if err != nil {
			return err
		}

		now := time.Now()
		dctx := datacontext.New(facade, reg.Snapshot(), datacontext.VMHandle{}, nil,
			"clarium", "public", "cli", "cli", now, now)

		q := &query.Query{
			Select: []query.SelectItem{{Expr: query.Expr{Kind: query.ExprStar}}},
			From:   &query.TableRef{Kind: query.TableRefTable, Name: args[0]},
		}
		out, err := selectexec.Run(dctx, q)
		if err != nil {
			return err
		}
		fmt.Printf("%d rows, %d columns\n", out.NumRows(), len(out.Columns))
		printSample(out)
		return nil
	},
}

func printSample(df *dataframe.Dataframe) {
	limit := 5
	if df.NumRows() < limit {
		limit = df.NumRows()
	}
	for r := 0; r < limit; r++ {
		row := make([]string, len(df.Columns))
		for c, col := range df.Columns {
			row[c] = col.Values[r].String()
		}
		fmt.Println(row)
	}
}
