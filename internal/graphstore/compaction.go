package graphstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"clarium.evalgo.org/config"
)

// GCThresholds holds the env-tunable compaction triggers (spec.md §4.9/§6).
type GCThresholds struct {
	MaxDeltaRecords   int
	TombstoneRatioPPM int
}

// ThresholdsFromEnv reads CLARIUM_GRAPH_GC_MAX_DELTA_RECORDS and
// CLARIUM_GRAPH_GC_TOMBSTONE_RATIO_PPM, falling back to spec.md's defaults
// (10 000 and 300 000 respectively).
func ThresholdsFromEnv() GCThresholds {
	env := config.NewEnvConfig("CLARIUM_GRAPH")
	return GCThresholds{
		MaxDeltaRecords:   env.GetInt("GC_MAX_DELTA_RECORDS", 10000),
		TombstoneRatioPPM: env.GetInt("GC_TOMBSTONE_RATIO_PPM", 300000),
	}
}

// NeedsCompaction reports whether partition pi's delta stats cross either
// threshold: aggregate delta record count, or tombstone ratio in parts
// per million of all delta records.
func (g *Graph) NeedsCompaction(pi int, t GCThresholds) bool {
	records, tombstones := g.parts[pi].Delta.Stats()
	if records >= t.MaxDeltaRecords {
		return true
	}
	if records == 0 {
		return false
	}
	ppm := tombstones * 1_000_000 / records
	return ppm >= t.TombstoneRatioPPM
}

// CompactPartition merges partition pi's base segment with its delta
// index into a new CSR segment (base neighbors minus tombstones, then
// delta-add neighbors minus tombstones, emitted in base node-id order),
// writes it with the next sequence number, and atomically rotates the
// manifest to reference it (spec.md §4.9's compaction algorithm).
func (g *Graph) CompactPartition(pi int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	part := g.parts[pi]
	nodes := uint64(0)
	if part.Base != nil {
		nodes = part.Base.Nodes
	}
	for src := range collectDeltaSources(part.Delta) {
		if src+1 > nodes {
			nodes = src + 1
		}
	}

	rowPtr := make([]uint64, nodes+1)
	var cols []uint64
	for n := uint64(0); n < nodes; n++ {
		for _, dst := range part.Base.Neighbors(n) {
			if !part.Delta.IsTombstoned(n, dst) {
				cols = append(cols, dst)
			}
		}
		cols = append(cols, part.Delta.AddsFor(n)...)
		rowPtr[n+1] = uint64(len(cols))
	}

	part.seq++
	segName := fmt.Sprintf("adj.P%03d.seg.%d", pi, part.seq)
	segPath := filepath.Join(g.dir, "edges", segName)
	if err := os.MkdirAll(filepath.Dir(segPath), 0o755); err != nil {
		return err
	}
	if err := WriteAdjSegment(segPath, rowPtr, cols); err != nil {
		return err
	}

	next := g.manifest.Clone()
	for len(next.Edges.Partitions) <= pi {
		next.Edges.Partitions = append(next.Edges.Partitions, PartitionManifest{})
	}
	next.Edges.Partitions[pi].AdjSegments = append(next.Edges.Partitions[pi].AdjSegments, segName)
	next.Epoch++

	if err := Rotate(g.dir, next); err != nil {
		return err
	}
	g.manifest = next
	atomic.StoreUint64(&g.epoch, next.Epoch)

	newBase, err := ReadAdjSegment(segPath)
	if err != nil {
		return err
	}
	part.Base = newBase
	part.Delta = newDeltaIndex()
	return nil
}

func collectDeltaSources(idx *DeltaIndex) map[uint64]bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[uint64]bool, len(idx.adds))
	for src := range idx.adds {
		out[src] = true
	}
	return out
}

// GCPartitionIfNeeded runs the GC trigger check for one partition and
// compacts it if either threshold is crossed, implementing `GC GRAPH
// <name>`'s per-graph check (spec.md §4.9).
func (g *Graph) GCPartitionIfNeeded(pi int, t GCThresholds) (bool, error) {
	if !g.NeedsCompaction(pi, t) {
		return false, nil
	}
	return true, g.CompactPartition(pi)
}

// GC runs the trigger check across every partition, compacting whichever
// ones cross a threshold. It is what `GC GRAPH <name>` invokes.
func (g *Graph) GC(t GCThresholds) (compacted []int, err error) {
	for pi := range g.parts {
		did, err := g.GCPartitionIfNeeded(pi, t)
		if err != nil {
			return compacted, err
		}
		if did {
			compacted = append(compacted, pi)
		}
	}
	return compacted, nil
}

// GCScan walks every `*.gstore` directory under root and runs the GC
// trigger check on each, returning graph-dir -> compacted partitions for
// every graph that needed work. A graph that fails to open is skipped with
// its error recorded, so one corrupt store does not stop the scan.
func GCScan(root string, t GCThresholds) (compacted map[string][]int, errs map[string]error) {
	compacted = make(map[string][]int)
	errs = make(map[string]error)
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || !strings.HasSuffix(d.Name(), ".gstore") {
			return nil
		}
		g, openErr := Open(path)
		if openErr != nil {
			errs[path] = openErr
			return filepath.SkipDir
		}
		parts, gcErr := g.GC(t)
		if gcErr != nil {
			errs[path] = gcErr
		} else if len(parts) > 0 {
			compacted[path] = parts
		}
		g.Close()
		return filepath.SkipDir
	})
	return compacted, errs
}
