// Package storage implements the storage facade (C1): uniform dataframe
// access over time tables, relational tables, the key-value store, and
// graph handles, rooted on a single on-disk directory. It follows the
// teacher's dual-backend split in db/postgres_pgx.go (hot-path pgx pool)
// and db/postgres.go (GORM-backed catalog metadata), plus db/bolt/bolt.go's
// thin typed wrapper for the bbolt-backed KV tier.
package storage

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	bolt "go.etcd.io/bbolt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"clarium.evalgo.org/internal/clariumerr"
	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/graphstore"
)

// Config configures a Facade. Root is where KV buckets, the bytecode
// cache's __scripts bucket, and graph-store directories are rooted;
// PostgresDSN points at the backing relational/time-table database.
type Config struct {
	Root        string
	PostgresDSN string
}

// Facade is the single entry point the rest of the core uses to read and
// write every storage modality (spec.md §4.1). It satisfies
// internal/datacontext.Store.
type Facade struct {
	root string
	pool *pgxpool.Pool
	gdb  *gorm.DB
	kv   *bolt.DB

	mu       sync.Mutex
	graphs   map[string]*graphstore.Graph
	viewExec ViewExecutor
}

// Open connects the pgx pool and GORM handle to cfg.PostgresDSN, opens (or
// creates) the root-level KV database, and returns a ready Facade.
func Open(ctx context.Context, cfg Config) (*Facade, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, clariumerr.IO(err, "opening pgx pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, clariumerr.IO(err, "pinging postgres")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	if err != nil {
		pool.Close()
		return nil, clariumerr.IO(err, "opening gorm connection")
	}
	if err := gdb.AutoMigrate(&ViewRow{}); err != nil {
		pool.Close()
		return nil, clariumerr.IO(err, "migrating clarium_views catalog")
	}

	kvPath := filepath.Join(cfg.Root, "kv.bolt")
	kv, err := openBolt(kvPath)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &Facade{
		root:   cfg.Root,
		pool:   pool,
		gdb:    gdb,
		kv:     kv,
		graphs: make(map[string]*graphstore.Graph),
	}, nil
}

// Close releases the pgx pool, the bbolt handle, and every opened graph.
func (f *Facade) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, g := range f.graphs {
		if err := g.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := f.kv.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	f.pool.Close()
	return firstErr
}

// pathKind classifies a storage path per spec.md §4.1's normalization
// rules: "db/schema/table" (relational), "db/schema/table.time" (time
// table), or "<db>.store.<store>.<key>" (KV blob address).
type pathKind int

const (
	kindRelational pathKind = iota
	kindTime
	kindKV
)

func classify(path string) (kind pathKind, db, store, key string) {
	if db, store, key, ok := ParseKVAddress(path); ok {
		return kindKV, db, store, key
	}
	if strings.HasSuffix(path, ".time") {
		return kindTime, "", "", strings.TrimSuffix(path, ".time")
	}
	return kindRelational, "", "", path
}

// ReadDataframe loads path per spec.md §4.1: a relational table, a `.time`
// time table, or a `db.store.<name>.<key>` KV blob address.
func (f *Facade) ReadDataframe(path string) (*dataframe.Dataframe, error) {
	if call, ok := parseTVFCall(path); ok {
		return f.evalTVF(call)
	}
	kind, _, store, rest := classify(path)
	switch kind {
	case kindKV:
		return f.readKV(store, rest)
	case kindTime:
		return f.readTable(rest, true)
	default:
		if isBareTableName(rest) {
			if df, err := f.readTable(rest, false); err == nil {
				return df, nil
			}
		}
		return f.readView(rest)
	}
}

// isBareTableName distinguishes a plain "db/schema/table" reference from
// anything else that ReadDataframe might be asked for (a view name with
// no slash, say); only the former is worth an optimistic readTable probe
// before falling back to readView.
func isBareTableName(path string) bool {
	return strings.Contains(path, "/")
}

// WriteTable rewrites a relational or time table's contents entirely from
// df, following spec.md §4.1's "write/rewrite a table" operation.
func (f *Facade) WriteTable(path string, df *dataframe.Dataframe) error {
	kind, _, _, rest := classify(path)
	return f.writeTable(rest, df, kind == kindTime, true)
}

// AppendTimeRecords appends df's rows to the named time table without
// truncating existing rows (spec.md §4.1's "append time records").
func (f *Facade) AppendTimeRecords(path string, df *dataframe.Dataframe) error {
	_, _, _, rest := classify(path)
	return f.writeTable(rest, df, true, false)
}

// OpenGraph opens (caching) the graph handle at <root>/<qualified name>.gstore,
// satisfying internal/datacontext.Store's OpenGraph method.
func (f *Facade) OpenGraph(name string) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.graphs[name]; ok {
		return g, nil
	}
	dir := filepath.Join(f.root, filepath.FromSlash(name)+".gstore")
	g, err := graphstore.Open(dir)
	if err != nil {
		return nil, err
	}
	f.graphs[name] = g
	return g, nil
}

func openBolt(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, clariumerr.IO(err, "opening KV database %s", path)
	}
	return db, nil
}
