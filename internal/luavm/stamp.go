// Package luavm implements the per-thread prepared script VM cache (C4)
// and the UDF evaluator (C5) described in spec.md §4.4/§4.5, backed by
// github.com/yuin/gopher-lua as the embedded script language runtime.
package luavm

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"clarium.evalgo.org/internal/registry"
)

// Stamp computes the 64-bit registry fingerprint described in spec.md
// §4.4: a hash over the registry handle's identity, the sorted set of
// function names, each name, each source's length and raw bytes, and for
// each metadata entry the kind, return-type list, tvf-columns, nullable,
// and version. The stamp changes whenever any of these change, and is
// stable (for the same snapshot) across repeated calls.
func Stamp(snap *registry.Snapshot) uint64 {
	h := xxhash.New()

	// Handle identity: two content-identical registries from different
	// sessions must not collide, so we hash the pointer value itself.
	fmt.Fprintf(h, "origin:%p|", snap.Origin)

	names := snap.SortedNames()
	fmt.Fprintf(h, "names:%d|", len(names))
	for _, name := range names {
		entry, _ := snap.Get(name)
		h.WriteString("name:")
		h.WriteString(name)
		h.WriteString("|len:")
		h.WriteString(strconv.Itoa(len(entry.Source)))
		h.WriteString("|src:")
		h.WriteString(entry.Source)
		h.WriteString("|kind:")
		h.WriteString(entry.Meta.Kind.String())
		h.WriteString("|returns:")
		for _, r := range entry.Meta.Returns {
			h.WriteString(r)
			h.WriteString(",")
		}
		h.WriteString("|tvfcols:")
		for _, c := range entry.Meta.TvfColumns {
			h.WriteString(c.Name)
			h.WriteString(":")
			h.WriteString(c.Type)
			h.WriteString(",")
		}
		fmt.Fprintf(h, "|nullable:%v|version:%d|", entry.Meta.Nullable, entry.Meta.Version)
	}

	return h.Sum64()
}
