package bytecode

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testABI() ABI {
	return ABI{Flavor: "lua5.1", Arch: "amd64", LittleEndian: true}
}

func TestContentHashStableAndLength16Hex(t *testing.T) {
	h1 := ContentHash(testABI(), "return 1")
	h2 := ContentHash(testABI(), "return 1")
	h3 := ContentHash(testABI(), "return 2")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 16)
}

func TestGetOrCompileCachesAcrossCalls(t *testing.T) {
	c := New(nil)
	var calls int32
	compile := func(abi ABI, name, source string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("compiled:" + source), nil
	}
	key := Key{ABI: testABI(), NormalizedName: "f", ContentHash: ContentHash(testABI(), "src")}

	bc1, err := c.GetOrCompile(key, "src", compile)
	require.NoError(t, err)
	bc2, err := c.GetOrCompile(key, "src", compile)
	require.NoError(t, err)

	assert.Equal(t, bc1, bc2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrCompileSingleFlightsConcurrentCallers(t *testing.T) {
	c := New(nil)
	var calls int32
	release := make(chan struct{})
	compile := func(abi ABI, name, source string) ([]byte, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			<-release
		}
		return []byte("bc"), nil
	}
	key := Key{ABI: testABI(), NormalizedName: "concurrent", ContentHash: "abc"}

	const N = 8
	var wg sync.WaitGroup
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			_, err := c.GetOrCompile(key, "src", compile)
			assert.NoError(t, err)
		}()
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "expected exactly one compile across concurrent callers")
}

func TestCompileErrorIsWrappedWithFirstSourceLine(t *testing.T) {
	c := New(nil)
	compile := func(abi ABI, name, source string) ([]byte, error) {
		return nil, fmt.Errorf("boom")
	}
	key := Key{ABI: testABI(), NormalizedName: "broken", ContentHash: "xyz"}
	_, err := c.GetOrCompile(key, "bad syntax here\nmore", compile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile_dump failed for 'broken'")
	assert.Contains(t, err.Error(), "bad syntax here")
}

func newTestBoltCache(t *testing.T) *Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "scripts.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l2, err := NewBoltL2(db)
	require.NoError(t, err)
	return New(l2)
}

func TestL2SurvivesL1Clear(t *testing.T) {
	c := newTestBoltCache(t)
	var calls int32
	compile := func(abi ABI, name, source string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("bc"), nil
	}
	key := Key{ABI: testABI(), NormalizedName: "f", ContentHash: "h1"}

	_, err := c.GetOrCompile(key, "src", compile)
	require.NoError(t, err)

	require.NoError(t, c.ClearAll(false)) // L1 only
	_, err = c.GetOrCompile(key, "src", compile)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "L2 hit should avoid recompilation")
}

func TestClearNamePersistentPurgesL2(t *testing.T) {
	c := newTestBoltCache(t)
	compile := func(abi ABI, name, source string) ([]byte, error) { return []byte("bc"), nil }
	key := Key{ABI: testABI(), NormalizedName: "f", ContentHash: "h1"}

	_, err := c.GetOrCompile(key, "src", compile)
	require.NoError(t, err)

	require.NoError(t, c.ClearName("f", true))

	_, ok, err := c.Get(key)
	require.NoError(t, err)
	assert.False(t, ok, "expected both L1 and L2 to be purged")
}

func TestClearNameWithoutPersistentLeavesL2Intact(t *testing.T) {
	c := newTestBoltCache(t)
	compile := func(abi ABI, name, source string) ([]byte, error) { return []byte("bc"), nil }
	key := Key{ABI: testABI(), NormalizedName: "f", ContentHash: "h1"}

	_, err := c.GetOrCompile(key, "src", compile)
	require.NoError(t, err)

	require.NoError(t, c.ClearName("f", false))

	_, ok, err := c.Get(key)
	require.NoError(t, err)
	assert.True(t, ok, "L2 entry should survive a non-persistent clear")
}
