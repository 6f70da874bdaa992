// Package partition models the partitioned key space that feeds are read from.
//
// The key space is the set of effective partition keys: uppercase hex
// strings in [MinKey, MaxKey). A Range is an identified, half-open slice of
// that space. At any instant the live ranges of a container tile the key
// space exactly: no gaps, no overlaps. Ranges change over time:
//   - Split: a range is replaced by two or more children covering its interval
//   - Merge: two or more ranges are replaced by one covering their union
//
// # Overview
//
// The package provides:
//   - KeyRange and Range with interval helpers (Contains, Overlaps, Covers)
//   - EffectiveKey for hashing partition keys into the key space
//   - CheckTiling for validating a set of live ranges
//   - Provider, the collaborator that lists ranges and resolves splits
//   - StaticProvider, a lineage-backed Provider for fixed topologies
//
// # Basic Usage
//
//	ranges, _ := provider.Ranges(ctx)
//	epk := partition.EffectiveKey("user-123")
//	owner := ranges[partition.Locate(ranges, epk)]
package partition

import (
	"fmt"
	"hash/fnv"
	"strconv"
)

// keySpan is the exclusive upper bound of hashed key points. Keeping the
// first byte below 0xFF keeps every effective key below MaxKey.
const keySpan = 0xFF000000

// EffectiveKey hashes a partition key into the effective key space.
//
// FNV-1a is a fast, non-cryptographic hash with good distribution. The same
// key always maps to the same effective key, so the same range owns it until
// that range splits.
//
// Example:
//
//	partition.EffectiveKey("user-123") // e.g. "5C0A91E2"
func EffectiveKey(key string) string {
	h := fnv.New32a()
	h.Write([]byte(key))
	return formatPoint(uint64(h.Sum32()) % keySpan)
}

// Partitioner routes partition keys to live ranges.
//
// Implementations must be deterministic: the same key and the same set of
// ranges must always yield the same range.
type Partitioner interface {
	// Partition returns the index in ranges of the range owning key,
	// or -1 if no range owns it.
	Partition(key string, ranges []Range) int
}

// HashPartitioner routes keys by their FNV-1a effective key.
type HashPartitioner struct{}

// NewHashPartitioner creates a new hash-based partitioner.
func NewHashPartitioner() *HashPartitioner {
	return &HashPartitioner{}
}

// Partition returns the index of the range containing EffectiveKey(key).
func (p *HashPartitioner) Partition(key string, ranges []Range) int {
	return Locate(ranges, EffectiveKey(key))
}

// keyPoint maps a hex effective key onto the 32-bit hash line. Keys are
// right-padded with zeros; MaxKey maps to keySpan.
func keyPoint(key string) uint64 {
	if len(key) > 8 {
		key = key[:8]
	}
	for len(key) < 8 {
		key += "0"
	}
	v, err := strconv.ParseUint(key, 16, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatPoint(p uint64) string {
	return fmt.Sprintf("%08X", p)
}

// Compile-time check
var _ Partitioner = (*HashPartitioner)(nil)
