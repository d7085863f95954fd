package luavm

import (
	"sync"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"clarium.evalgo.org/internal/bytecode"
	"clarium.evalgo.org/internal/registry"
)

// lane is one slot of the prepared VM cache: a live *lua.LState plus the
// registry stamp (§4.4) it was built from. Go exposes no stable per-OS-thread
// identity the way the original "per-thread VM cache" wording assumes;
// clarium's execution model instead assigns each concurrently-executing
// query a numbered lane (typically one per worker in a bounded pool), and
// the cache is keyed on that lane number. Reusing the same lane for the
// same logical worker across queries gives the same amortized "rebuild only
// on registry drift" behavior the spec describes for OS threads.
type lane struct {
	stamp uint64
	L     *lua.LState
}

// Cache is the per-lane prepared VM cache (C4): it holds one *lua.LState per
// lane, rebuilding a lane's VM only when the bound registry snapshot's
// fingerprint (Stamp) no longer matches the one the lane was built from.
type Cache struct {
	mu       sync.Mutex
	lanes    map[int]*lane
	bcCache  *bytecode.Cache
	resolver *registry.Resolver
	abi      bytecode.ABI
	log      *logrus.Logger
}

// NewCache builds a prepared VM cache backed by a bytecode cache and script
// resolver. log receives per-script load failures; a script that fails to
// compile or load never aborts the rest of a rebuild (spec.md §4.4).
func NewCache(bc *bytecode.Cache, resolver *registry.Resolver, abi bytecode.ABI, log *logrus.Logger) *Cache {
	if log == nil {
		log = logrus.New()
	}
	return &Cache{
		lanes:    make(map[int]*lane),
		bcCache:  bc,
		resolver: resolver,
		abi:      abi,
		log:      log,
	}
}

// Get returns a VM prepared from snap for the given lane, rebuilding it if
// the lane is new or snap's fingerprint has drifted since the lane's VM was
// last built.
func (c *Cache) Get(laneID int, snap *registry.Snapshot) (*lua.LState, error) {
	stamp := Stamp(snap)

	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.lanes[laneID]; ok && l.stamp == stamp {
		return l.L, nil
	}

	L, err := c.build(snap)
	if err != nil {
		return nil, err
	}

	if old, ok := c.lanes[laneID]; ok {
		old.L.Close()
	}
	c.lanes[laneID] = &lane{stamp: stamp, L: L}
	return L, nil
}

// build constructs a fresh *lua.LState and loads every script in snap into
// it. A script that fails to compile is logged and skipped; it is simply
// absent as a global in this VM rather than aborting the whole rebuild.
func (c *Cache) build(snap *registry.Snapshot) (*lua.LState, error) {
	L := lua.NewState()
	registerHostFunctions(L)

	for _, name := range snap.SortedNames() {
		entry, _ := snap.Get(name)
		key := bytecode.Key{
			ABI:            c.abi,
			NormalizedName: name,
			ContentHash:    bytecode.ContentHash(c.abi, entry.Source),
		}
		bc, err := c.bcCache.GetOrCompile(key, entry.Source, CompileFunc)
		if err != nil {
			c.log.WithError(err).WithField("script", name).Warn("luavm: skipping script that failed to compile during VM rebuild")
			continue
		}
		if _, err := loadIntoState(L, key, name, bc); err != nil {
			c.log.WithError(err).WithField("script", name).Warn("luavm: skipping script that failed to load during VM rebuild")
			continue
		}
	}
	return L, nil
}

// Close releases every lane's VM. Call once at shutdown.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, l := range c.lanes {
		l.L.Close()
		delete(c.lanes, id)
	}
}

// DepsFor bundles this cache's resolver/bytecode-cache/ABI with snap into
// the Deps WithLuaFunction's miss path needs, so a DataContext can carry
// one *Cache handle and hand evaluator.go everything it needs to resolve a
// name absent from a lane's already-built VM (§4.2/§4.4).
func (c *Cache) DepsFor(snap *registry.Snapshot) Deps {
	return Deps{Snapshot: snap, Resolver: c.resolver, BCCache: c.bcCache, ABI: c.abi}
}

// Evict drops lane's VM immediately, forcing the next Get to rebuild it.
// Used after administrative script reloads that bypass the registry
// (e.g. a forced CLEAR SCRIPT CACHE) when the caller wants the next query
// to observe the change without waiting for natural stamp drift.
func (c *Cache) Evict(laneID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.lanes[laneID]; ok {
		l.L.Close()
		delete(c.lanes, laneID)
	}
}

func registerHostFunctions(L *lua.LState) {
	L.SetGlobal("get_context", L.NewFunction(contextAccessor))
}

// contextAccessor backs the get_context(key) builtin every prepared VM
// exposes (spec.md §4.5). The active DataContext is bound per-call via
// BindContext rather than baked into the VM, since one VM instance is
// reused across many queries.
func contextAccessor(L *lua.LState) int {
	key := L.CheckString(1)
	ctx := contextFor(L)
	if ctx == nil {
		L.Push(lua.LNil)
		return 1
	}
	v, ok := ctx.Field(key)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

var (
	boundContextsMu sync.Mutex
	boundContexts   = map[*lua.LState]ContextFields{}
)

// BindContext attaches the active DataContext to L for the duration of one
// evaluation; it must be paired with UnbindContext (the evaluator does this
// for every call).
func BindContext(L *lua.LState, ctx ContextFields) {
	boundContextsMu.Lock()
	boundContexts[L] = ctx
	boundContextsMu.Unlock()
}

// UnbindContext detaches whatever DataContext was bound via BindContext.
func UnbindContext(L *lua.LState) {
	boundContextsMu.Lock()
	delete(boundContexts, L)
	boundContextsMu.Unlock()
}

func contextFor(L *lua.LState) ContextFields {
	boundContextsMu.Lock()
	defer boundContextsMu.Unlock()
	return boundContexts[L]
}

// ContextFields is the subset of DataContext (internal/datacontext) the
// get_context builtin can read. Defined here, rather than imported from
// datacontext, to keep the dependency edge one-directional: datacontext
// depends on luavm (its VMCache field is a *Cache), not the reverse.
type ContextFields interface {
	// Field returns the string form of a context key (e.g. "current_user",
	// "current_database", "session_user", "transaction_timestamp"), and
	// false if the key is unknown.
	Field(key string) (string, bool)
}
