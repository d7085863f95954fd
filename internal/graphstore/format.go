// Package graphstore implements the native, embedded, ACID graph store
// (C9-C14): on-disk manifest + CSR adjacency segments + WAL + per-partition
// delta logs, recovery on open, a BFS read path, and compaction with
// atomic manifest rotation. Binary record framing (12-byte headers,
// trailing CRC32) follows storj-storj's pkg/eestream block-framing style
// (encoding/binary + hash/crc32 directly, no third-party codec) rather than
// any teacher convention, since the teacher's db/ package never frames a
// custom binary format of its own.
package graphstore

import "errors"

// WAL record kinds (spec.md §6).
const (
	walMagic        uint32 = 0x47574C31
	walKindBegin    uint8  = 1
	walKindData     uint8  = 2
	walKindCommit   uint8  = 3
	walKindAbort    uint8  = 4
	walHeaderLen           = 12
	walVersion      uint8  = 1
)

// Delta-log record kind (spec.md §6).
const (
	deltaLogMagic uint32 = 0x444C4F47
	deltaLogKind  uint8  = 1
	deltaLogVersion uint8 = 1
	deltaHeaderLen       = 12
)

// Adjacency segment header (spec.md §6).
const (
	adjMagic      uint32 = 0x4144474A
	adjVersion    uint16 = 1
	adjHeaderLen         = 40
)

// Node dictionary binary format reserved for future use; only the JSON
// fallback producer format is read by this implementation (spec.md §6).
const nodeDictBinaryMagic uint32 = 0x44474E44

// Edge/node op kinds shared by WAL Data payloads and delta-log records.
const (
	OpAdd    uint8 = 0
	OpDelete uint8 = 1
)

var (
	errBadWALMagic    = errors.New("bad WAL magic")
	errUnknownWALKind = errors.New("unknown WAL kind")
	errCRCMismatch    = errors.New("WAL record CRC mismatch")
)
