package graphstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"clarium.evalgo.org/internal/clariumerr"
)

// Manifest mirrors the JSON document described in spec.md §3/§4.9: which
// segments make up the node dictionary and each partition's adjacency
// list, plus the epoch bumped on every compaction.
type Manifest struct {
	Engine       string              `json:"engine"`
	Epoch        uint64              `json:"epoch"`
	Partitions   int                 `json:"partitions"`
	Partitioning string              `json:"partitioning"`
	Cluster      *ClusterInfo        `json:"cluster,omitempty"`
	Nodes        ManifestNodes       `json:"nodes"`
	Edges        ManifestEdges       `json:"edges"`
	HasReverse   bool                `json:"has_reverse"`
}

// ClusterInfo carries replication metadata that is defined but unused in
// this single-node implementation (spec.md §1 Non-goals: "Distributed
// consensus across graph-store replicas").
type ClusterInfo struct {
	ReplicationFactor int                `json:"replication_factor"`
	Groups            []ReplicaGroupInfo `json:"groups,omitempty"`
}

type ReplicaGroupInfo struct {
	Leader  string   `json:"leader,omitempty"`
	Members []string `json:"members"`
}

type ManifestNodes struct {
	DictSegments []string `json:"dict_segments"`
}

type ManifestEdges struct {
	Partitions []PartitionManifest `json:"partitions"`
}

type PartitionManifest struct {
	AdjSegments     []string `json:"adj_segments"`
	ReverseSegments []string `json:"reverse_adj_segments,omitempty"`
	DeltaLog        string   `json:"delta_log,omitempty"`
}

// LoadManifest reads and validates meta/manifest.json under dir, per
// spec.md §4.9's manifest invariants.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "meta", "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, clariumerr.NotFound("GraphStore manifest not found at %s", path)
		}
		return nil, clariumerr.IO(err, "reading manifest %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, clariumerr.Corrupt("manifest %s is not valid JSON: %v", path, err)
	}
	if err := m.Validate(dir); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate enforces spec.md §4.9's manifest invariants: engine tag,
// positive partition count, every referenced segment exists, partition
// indices in range, and replication_factor within its replica set.
func (m *Manifest) Validate(dir string) error {
	if m.Engine != "graphstore" {
		return clariumerr.Corrupt("manifest engine %q != \"graphstore\"", m.Engine)
	}
	if m.Partitions <= 0 {
		return clariumerr.Corrupt("manifest partitions must be > 0, got %d", m.Partitions)
	}
	if m.Partitioning != "" && m.Partitioning != "hash_mod" {
		return clariumerr.Corrupt("unsupported partitioning strategy %q", m.Partitioning)
	}
	if len(m.Edges.Partitions) > m.Partitions {
		return clariumerr.Corrupt("manifest lists %d edge partitions but partitions=%d", len(m.Edges.Partitions), m.Partitions)
	}
	for _, seg := range m.Nodes.DictSegments {
		if err := requireExists(dir, "nodes", seg); err != nil {
			return err
		}
	}
	for i, p := range m.Edges.Partitions {
		if i >= m.Partitions {
			return clariumerr.Corrupt("edge partition index %d out of range (partitions=%d)", i, m.Partitions)
		}
		for _, seg := range p.AdjSegments {
			if err := requireExists(dir, "edges", seg); err != nil {
				return err
			}
		}
	}
	if m.Cluster != nil {
		for _, g := range m.Cluster.Groups {
			if g.Leader != "" && !containsString(g.Members, g.Leader) {
				return clariumerr.Corrupt("cluster group leader %q is not a member of its replica set", g.Leader)
			}
			if m.Cluster.ReplicationFactor > len(g.Members) {
				return clariumerr.Corrupt("replication_factor %d exceeds replica set size %d", m.Cluster.ReplicationFactor, len(g.Members))
			}
		}
	}
	return nil
}

func requireExists(dir, subdir, seg string) error {
	p := filepath.Join(dir, subdir, seg)
	if _, err := os.Stat(p); err != nil {
		return clariumerr.Corrupt("manifest references missing segment %s", p)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// LatestAdjSegment returns the last-listed (most recent) adjacency segment
// path for a partition, or "" if none exist yet.
func (p PartitionManifest) LatestAdjSegment() string {
	if len(p.AdjSegments) == 0 {
		return ""
	}
	return p.AdjSegments[len(p.AdjSegments)-1]
}

// LatestDictSegment returns the most recently written node dictionary
// segment, or "" if none exist.
func (m *Manifest) LatestDictSegment() string {
	if len(m.Nodes.DictSegments) == 0 {
		return ""
	}
	return m.Nodes.DictSegments[len(m.Nodes.DictSegments)-1]
}

// Clone deep-copies the manifest so compaction can mutate a working copy
// before atomically publishing it.
func (m *Manifest) Clone() *Manifest {
	out := *m
	out.Nodes.DictSegments = append([]string(nil), m.Nodes.DictSegments...)
	out.Edges.Partitions = make([]PartitionManifest, len(m.Edges.Partitions))
	for i, p := range m.Edges.Partitions {
		out.Edges.Partitions[i] = PartitionManifest{
			AdjSegments:     append([]string(nil), p.AdjSegments...),
			ReverseSegments: append([]string(nil), p.ReverseSegments...),
			DeltaLog:        p.DeltaLog,
		}
	}
	if m.Cluster != nil {
		c := *m.Cluster
		out.Cluster = &c
	}
	return &out
}

// Rotate publishes a new manifest atomically: serialize to
// meta/manifest.next.json, remove any stale manifest.json (for platforms
// without atomic rename-replace), rename into place, and best-effort fsync
// the meta directory (spec.md §4.9's compaction/rotation algorithm).
func Rotate(dir string, m *Manifest) error {
	metaDir := filepath.Join(dir, "meta")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return clariumerr.IO(err, "creating meta dir %s", metaDir)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("graphstore: marshaling manifest: %w", err)
	}
	nextPath := filepath.Join(metaDir, "manifest.next.json")
	finalPath := filepath.Join(metaDir, "manifest.json")
	if err := os.WriteFile(nextPath, data, 0o644); err != nil {
		return clariumerr.IO(err, "writing %s", nextPath)
	}
	if _, err := os.Stat(finalPath); err == nil {
		if err := os.Remove(finalPath); err != nil {
			return clariumerr.IO(err, "removing stale %s", finalPath)
		}
	}
	if err := os.Rename(nextPath, finalPath); err != nil {
		return clariumerr.IO(err, "rotating manifest into place at %s", finalPath)
	}
	if dirFile, err := os.Open(metaDir); err == nil {
		_ = dirFile.Sync()
		_ = dirFile.Close()
	}
	return nil
}
