package fat16

import (
	"encoding/binary"
	"fmt"

	"github.com/SmallBonsai/vmrt/internal/status"
)

// Cluster pointer values (spec §3 "FAT table").
const (
	ClusterFree       uint16 = 0x0000
	ClusterEndOfChain uint16 = 0xFFFF
	clusterEOCLow     uint16 = 0xFFF8
)

var ErrFATExhausted = fmt.Errorf("fat16: no free clusters: %w", status.ErrFailure)

// IsEndOfChain reports whether v marks the last cluster of a chain.
func IsEndOfChain(v uint16) bool { return v >= clusterEOCLow }

// Table is the in-memory 16-bit FAT, loaded whole at mount (spec §4.7).
type Table struct {
	entries []uint16
	dirty   bool
}

// NewTable decodes raw FAT sector bytes into n entries.
func NewTable(raw []byte, n int) *Table {
	t := &Table{entries: make([]uint16, n)}
	for i := 0; i < n && i*2+2 <= len(raw); i++ {
		t.entries[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return t
}

// Bytes re-encodes the table for writing back to disk.
func (t *Table) Bytes() []byte {
	raw := make([]byte, len(t.entries)*2)
	for i, v := range t.entries {
		binary.LittleEndian.PutUint16(raw[i*2:], v)
	}
	return raw
}

// Get returns the entry for cluster c.
func (t *Table) Get(c uint16) uint16 { return t.entries[c] }

// Set writes the entry for cluster c and marks the table dirty.
func (t *Table) Set(c, v uint16) {
	t.entries[c] = v
	t.dirty = true
}

// Dirty reports whether the table has unflushed writes.
func (t *Table) Dirty() bool { return t.dirty }

// ClearDirty marks the table as flushed.
func (t *Table) ClearDirty() { t.dirty = false }

// FreeCluster finds the first free cluster (spec §4.7: "free cluster =
// first FAT entry equal to 0"). Cluster numbers 0 and 1 are reserved and
// never returned.
func (t *Table) FreeCluster() (uint16, error) {
	for c := 2; c < len(t.entries); c++ {
		if t.entries[c] == ClusterFree {
			return uint16(c), nil
		}
	}
	return 0, ErrFATExhausted
}

// Chain walks the cluster chain starting at first, returning every cluster
// number in order. It stops at the first end-of-chain marker.
func (t *Table) Chain(first uint16) []uint16 {
	var chain []uint16
	c := first
	for c != ClusterFree && !IsEndOfChain(c) {
		chain = append(chain, c)
		if int(c) >= len(t.entries) {
			break
		}
		c = t.entries[c]
	}
	return chain
}

// Extend allocates a free cluster, links prev to it in the FAT, marks the
// new cluster end-of-chain, and returns it.
func (t *Table) Extend(prev uint16) (uint16, error) {
	next, err := t.FreeCluster()
	if err != nil {
		return 0, err
	}
	t.Set(prev, next)
	t.Set(next, ClusterEndOfChain)
	return next, nil
}
