package registry

import (
	"fmt"
	"os"
	"path/filepath"
)

// Resolver tracks the script roots consulted for on-demand disk loading
// when a call resolves to a name absent from the registry (spec.md §4.2:
// "attempts an on-demand disk load from all registered script roots
// (exe-dir, working dir, and extras registered by open stores)").
type Resolver struct {
	roots []string
}

// NewResolver seeds a resolver with the executable directory and the
// current working directory, the two always-present roots from §4.2.
func NewResolver() *Resolver {
	r := &Resolver{}
	if exe, err := os.Executable(); err == nil {
		r.roots = append(r.roots, filepath.Dir(exe))
	}
	if wd, err := os.Getwd(); err == nil {
		r.roots = append(r.roots, wd)
	}
	return r
}

// AddRoot registers an additional script root, e.g. one contributed by an
// opened storage handle.
func (r *Resolver) AddRoot(path string) {
	for _, existing := range r.roots {
		if existing == path {
			return
		}
	}
	r.roots = append(r.roots, path)
}

// Roots returns the roots in resolution order.
func (r *Resolver) Roots() []string {
	out := make([]string, len(r.roots))
	copy(out, r.roots)
	return out
}

// CandidatePaths enumerates every file that could hold `name`'s source
// across every root and every known kind subdirectory, in the order Load
// tries them. Exported so a miss-path diagnostic (luavm.WithLuaFunction)
// can report every path it tried, per §4.2's "Failure returns a precise
// error listing each candidate path tried."
func (r *Resolver) CandidatePaths(name string) []string {
	var out []string
	subdirs := []string{"scalars", "aggregates", "constraints", "tvfs", "packages", ""}
	for _, root := range r.roots {
		for _, sub := range subdirs {
			dir := root
			if sub != "" {
				dir = filepath.Join(root, sub)
			}
			out = append(out, filepath.Join(dir, name+".lua"))
		}
	}
	return out
}

// Load attempts to read `name`'s source from disk across every candidate
// path, returning the first hit. On total failure the error lists every
// path tried, per §4.2's "Failure returns a precise error listing each
// candidate path tried."
func (r *Resolver) Load(name string) (source string, path string, err error) {
	candidates := r.CandidatePaths(name)
	for _, p := range candidates {
		data, readErr := os.ReadFile(p)
		if readErr == nil {
			return string(data), p, nil
		}
	}
	return "", "", fmt.Errorf("registry: function %q not found; tried: %v", name, candidates)
}

// LoadInto reads `name` from disk and installs it into the registry with
// the metadata resolveMeta derives from its source (scalar by default), for
// on-demand resolution during UDF dispatch (spec.md §4.2/§4.4).
func (r *Resolver) LoadInto(reg *Registry, name string) error {
	source, _, err := r.Load(name)
	if err != nil {
		return err
	}
	meta, metaErr := resolveMeta(name, "", source, KindScalar)
	if metaErr != nil {
		return metaErr
	}
	reg.Load(name, source)
	reg.SetMeta(name, meta)
	return nil
}
