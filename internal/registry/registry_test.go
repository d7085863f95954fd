package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadNormalizesNameAndBumpsVersion(t *testing.T) {
	r := New()
	r.Load("MyFunc", "return 1")

	_, meta, ok := r.Get("myfunc")
	require.True(t, ok)
	assert.Equal(t, uint64(1), meta.Version)

	r.Load("MYFUNC", "return 2")
	src, meta, ok := r.Get("myFUNC")
	require.True(t, ok)
	assert.Equal(t, "return 2", src)
	assert.Equal(t, uint64(2), meta.Version)
}

func TestSetMetaFailsForUnknownName(t *testing.T) {
	r := New()
	ok := r.SetMeta("nope", Meta{Kind: KindAggregate})
	assert.False(t, ok)
}

func TestSnapshotIsIsolatedFromLaterMutation(t *testing.T) {
	r := New()
	r.Load("f", "return 1")
	r.SetMeta("f", Meta{Kind: KindScalar, Returns: []string{"i64"}})

	snap := r.Snapshot()
	r.Load("f", "return 2") // mutate after snapshot

	entry, ok := snap.Get("f")
	require.True(t, ok)
	assert.Equal(t, "return 1", entry.Source)
}

func TestSnapshotSortedNames(t *testing.T) {
	r := New()
	r.Load("zeta", "return 1")
	r.Load("alpha", "return 1")
	snap := r.Snapshot()
	assert.Equal(t, []string{"alpha", "zeta"}, snap.SortedNames())
}

func TestLoadDirectoryResolvesSidecarMetadata(t *testing.T) {
	dir := t.TempDir()
	scalarsDir := filepath.Join(dir, "scalars")
	require.NoError(t, os.MkdirAll(scalarsDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(scalarsDir, "double.lua"), []byte("function double(x) return x*2 end"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(scalarsDir, "double.meta.json"), []byte(`{"kind":"scalar","returns":["f64"]}`), 0o644))

	r := New()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	require.NoError(t, r.LoadDirectory(dir, log))

	_, meta, ok := r.Get("double")
	require.True(t, ok)
	assert.Equal(t, KindScalar, meta.Kind)
	assert.Equal(t, []string{"f64"}, meta.Returns)
}

func TestLoadDirectoryLogsAdjacentErrorAndContinues(t *testing.T) {
	dir := t.TempDir()
	aggDir := filepath.Join(dir, "aggregates")
	require.NoError(t, os.MkdirAll(aggDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(aggDir, "bad.lua"), []byte("function bad__meta() return 5 end"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(aggDir, "good.lua"), []byte("function good(x) return x end"), 0o644))

	r := New()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	require.NoError(t, r.LoadDirectory(dir, log))

	_, _, ok := r.Get("bad")
	assert.False(t, ok, "bad script should not be registered")
	_, _, ok = r.Get("good")
	assert.True(t, ok, "good script should still be registered")

	_, err := os.Stat(filepath.Join(aggDir, "bad.error.log"))
	assert.NoError(t, err, "expected adjacent error log to be written")
}

func TestResolverLoadListsCandidatesOnFailure(t *testing.T) {
	root := t.TempDir()
	r := &Resolver{roots: []string{root}}
	_, _, err := r.Load("nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), filepath.Join(root, "scalars", "nonexistent.lua"))
	assert.Contains(t, err.Error(), filepath.Join(root, "nonexistent.lua"))
}

func TestResolverLoadIntoInstallsFoundScript(t *testing.T) {
	dir := t.TempDir()
	scalarsDir := filepath.Join(dir, "scalars")
	require.NoError(t, os.MkdirAll(scalarsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scalarsDir, "square.lua"), []byte("function square(x) return x*x end"), 0o644))

	resolver := &Resolver{roots: []string{dir}}
	reg := New()
	require.NoError(t, resolver.LoadInto(reg, "square"))

	_, _, ok := reg.Get("square")
	assert.True(t, ok)
}
