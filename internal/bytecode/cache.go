// Package bytecode implements the two-tier compiled-script cache described
// in spec.md §3/§4.3: a 64-shard in-memory L1 keyed by
// (ABI, normalized-name, content-hash), a KV-backed L2 for durability across
// process restarts, and striped compile locks so concurrent callers for the
// same (name, content, ABI) triple compile at most once.
package bytecode

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	l1ShardCount   = 64
	compileStripes = 256
)

// ABI is the scoping salt for cached bytecode: script-language flavor,
// target architecture, endianness, and whether debug info was stripped
// (spec.md §6 "ABI salt is <script-flavor>-<target-arch>-<little|big>").
type ABI struct {
	Flavor       string // e.g. "lua5.1"
	Arch         string // e.g. "amd64"
	LittleEndian bool
	StripDebug   bool
}

func (a ABI) String() string {
	endian := "little"
	if !a.LittleEndian {
		endian = "big"
	}
	return fmt.Sprintf("%s-%s-%s", a.Flavor, a.Arch, endian)
}

// Key identifies one cached bytecode blob.
type Key struct {
	ABI            ABI
	NormalizedName string
	ContentHash    string // 16 lowercase hex digits, per spec.md §6
}

// ContentHash computes the 64-bit XXH3-equivalent content hash spec.md §6
// specifies: a hash of "<ABI>|<strip?0|1>|<source-text>", rendered as 16
// lowercase hex digits. xxhash v2's Sum64 stands in for "an equivalent
// stable 64-bit hash" as the spec permits.
func ContentHash(abi ABI, source string) string {
	strip := "0"
	if abi.StripDebug {
		strip = "1"
	}
	h := xxhash.New()
	_, _ = h.WriteString(abi.String())
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strip)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(source)
	return fmt.Sprintf("%016x", h.Sum64())
}

// l2Store is the durable second tier, backed by a KV store (default:
// bbolt under "__scripts", spec.md §4.3).
type l2Store interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	DeletePrefix(prefix string) error
	// DeleteName drops every key "<prefix>/<abi>/<name>/<hash>" regardless
	// of ABI or content hash. The ABI sits between the prefix and the name
	// in the key layout, so a name-scoped purge cannot be expressed as a
	// single prefix delete.
	DeleteName(prefix, name string) error
	DeleteAll() error
}

// CompileFunc compiles source into the cached blob for the given ABI.
// internal/luavm implements it; since gopher-lua has no portable bytecode
// format, its blob is the syntax-checked source text.
type CompileFunc func(abi ABI, name, source string) ([]byte, error)

// shard is one of the 64 independently-locked L1 partitions.
type shard struct {
	mu   sync.RWMutex
	data map[Key][]byte
}

// Cache is the two-tier bytecode cache (C3).
type Cache struct {
	shards      [l1ShardCount]*shard
	stripes     [compileStripes]sync.Mutex
	l2          l2Store
	l2KeyPrefix string // default "lua.bc"
}

// New builds a cache backed by the given L2 store. l2 may be nil, in which
// case the cache degrades to L1-only (useful for tests).
func New(l2 l2Store) *Cache {
	c := &Cache{l2: l2, l2KeyPrefix: "lua.bc"}
	for i := range c.shards {
		c.shards[i] = &shard{data: make(map[Key][]byte)}
	}
	return c
}

func shardIndex(name string) uint64 {
	return xxhash.Sum64String(name) % l1ShardCount
}

func stripeIndex(name string) uint64 {
	return xxhash.Sum64String(name) % compileStripes
}

func (c *Cache) l1Get(key Key) ([]byte, bool) {
	s := c.shards[shardIndex(key.NormalizedName)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (c *Cache) l1Put(key Key, value []byte) {
	s := c.shards[shardIndex(key.NormalizedName)]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func (c *Cache) l2Key(key Key) string {
	return fmt.Sprintf("%s/%s/%s/%s", c.l2KeyPrefix, key.ABI.String(), key.NormalizedName, key.ContentHash)
}

// Get implements the read half of the §4.3 compile protocol: L1, then L2
// (populating L1 on an L2 hit so subsequent reads are wait-free).
func (c *Cache) Get(key Key) ([]byte, bool, error) {
	if v, ok := c.l1Get(key); ok {
		return v, true, nil
	}
	if c.l2 == nil {
		return nil, false, nil
	}
	v, ok, err := c.l2.Get(c.l2Key(key))
	if err != nil {
		return nil, false, err
	}
	if ok {
		c.l1Put(key, v)
	}
	return v, ok, nil
}

// GetOrCompile implements the full §4.3 compile protocol: L1 check, L2
// check, striped-lock acquisition, a re-check under the lock (so a parallel
// caller for the same key that lost the race observes the freshly-populated
// cache), compile, and write-through to L2 then L1.
func (c *Cache) GetOrCompile(key Key, source string, compile CompileFunc) ([]byte, error) {
	if v, ok, err := c.Get(key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	stripe := &c.stripes[stripeIndex(key.NormalizedName)]
	stripe.Lock()
	defer stripe.Unlock()

	// Re-check now that we hold the stripe: a concurrent compiler for the
	// same key may have just finished.
	if v, ok, err := c.Get(key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	bc, err := compile(key.ABI, key.NormalizedName, source)
	if err != nil {
		return nil, fmt.Errorf("compile_dump failed for '%s':%s: %w", key.NormalizedName, firstLine(source), err)
	}

	if c.l2 != nil {
		if err := c.l2.Put(c.l2Key(key), bc); err != nil {
			return nil, fmt.Errorf("bytecode: writing L2 for %s: %w", key.NormalizedName, err)
		}
	}
	c.l1Put(key, bc)
	return bc, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// ClearName drops every L1 entry for the given normalized name across all
// ABIs/content hashes, and — if persistent is true — also deletes that
// name's L2 entries under every ABI via DeleteName. Implements the "CLEAR SCRIPT CACHE NAME <n> [WITH PERSISTENT]"
// semantics from spec.md §6.
func (c *Cache) ClearName(name string, persistent bool) error {
	s := c.shards[shardIndex(name)]
	s.mu.Lock()
	for k := range s.data {
		if k.NormalizedName == name {
			delete(s.data, k)
		}
	}
	s.mu.Unlock()

	if persistent && c.l2 != nil {
		if err := c.l2.DeleteName(c.l2KeyPrefix, name); err != nil {
			return fmt.Errorf("bytecode: purging L2 entries for %s: %w", name, err)
		}
	}
	return nil
}

// ClearAll drops the entire L1 cache across all shards, and — if
// persistent is true — purges the whole L2 prefix.
func (c *Cache) ClearAll(persistent bool) error {
	for _, s := range c.shards {
		s.mu.Lock()
		s.data = make(map[Key][]byte)
		s.mu.Unlock()
	}
	if persistent && c.l2 != nil {
		return c.l2.DeleteAll()
	}
	return nil
}
