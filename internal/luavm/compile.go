package luavm

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"clarium.evalgo.org/internal/bytecode"
)

// HostABI is this process's bytecode.ABI: the embedded script flavor this
// build targets, the host architecture, and its endianness. Scripts
// compiled under one ABI are never reused under another (spec.md §6).
func HostABI(stripDebug bool) bytecode.ABI {
	return bytecode.ABI{
		Flavor:       "lua5.1",
		Arch:         runtime.GOARCH,
		LittleEndian: hostIsLittleEndian(),
		StripDebug:   stripDebug,
	}
}

func hostIsLittleEndian() bool {
	switch runtime.GOARCH {
	case "s390x", "ppc64", "mips", "mips64":
		return false
	default:
		return true
	}
}

var commentStripRE = regexp.MustCompile(`(?s)--\[\[.*?\]\]|--[^\n]*`)

// stripDebugInfo removes comments, the cheapest debug information gopher-lua
// scripts carry, matching the ABI's strip_debug toggle (spec.md §6).
func stripDebugInfo(source string) string {
	return commentStripRE.ReplaceAllString(source, "")
}

// protoCache memoizes compiled *lua.FunctionProto values by (abi, name,
// contentHash) so that, within one process, instantiating a script into a
// freshly built VM (vm.go) never has to re-parse source even on an L1 miss
// immediately followed by an L2 hit. gopher-lua does not expose a way to
// (de)serialize FunctionProto across process boundaries, so this is purely
// an in-memory fast path layered on top of the durable byte-level cache in
// internal/bytecode; it is never itself consulted as a source of truth.
var (
	protoCacheMu sync.RWMutex
	protoCache   = map[bytecode.Key]*lua.FunctionProto{}
)

// compileProto parses and compiles source into a *lua.FunctionProto,
// validating syntax the same way the bytecode cache's compile step does.
func compileProto(name, source string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return proto, nil
}

// CompileFunc is the bytecode.CompileFunc this package hands to the shared
// cache (C3). Since gopher-lua's FunctionProto cannot be serialized to a
// portable byte vector, the cached "bytecode" blob is the syntax-validated,
// ABI-stripped source text itself; see protoCache above for the in-process
// fast path that avoids repeat parses.
func CompileFunc(abi bytecode.ABI, name, source string) ([]byte, error) {
	text := source
	if abi.StripDebug {
		text = stripDebugInfo(source)
	}
	if _, err := compileProto(name, text); err != nil {
		return nil, err
	}
	return []byte(text), nil
}

// protoFor returns a ready-to-instantiate FunctionProto for (key, bytecode),
// compiling and memoizing on first use within this process.
func protoFor(key bytecode.Key, name string, bc []byte) (*lua.FunctionProto, error) {
	protoCacheMu.RLock()
	proto, ok := protoCache[key]
	protoCacheMu.RUnlock()
	if ok {
		return proto, nil
	}

	proto, err := compileProto(name, string(bc))
	if err != nil {
		return nil, err
	}

	protoCacheMu.Lock()
	protoCache[key] = proto
	protoCacheMu.Unlock()
	return proto, nil
}

// loadIntoState compiles (or reuses) name's bytecode, runs the resulting
// chunk inside L so the globals it defines are installed, and returns the
// global function named name that the chunk defined.
func loadIntoState(L *lua.LState, key bytecode.Key, name string, bc []byte) (*lua.LFunction, error) {
	proto, err := protoFor(key, name, bc)
	if err != nil {
		return nil, err
	}
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return nil, fmt.Errorf("luavm: running %s: %w", name, err)
	}
	fn, ok := L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("luavm: script %q does not define a global function %q", name, name)
	}
	return fn, nil
}
