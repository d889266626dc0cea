package vfs

import (
	"fmt"

	"github.com/SmallBonsai/vmrt/internal/fat16"
	"github.com/SmallBonsai/vmrt/internal/status"
)

// Read implements spec §4.8's Read. Unlike the reference behavior (spec
// §9's "reads or writes crossing cluster boundaries ... are stubs"), this
// generalizes across cluster boundaries by walking the FAT chain as the
// transfer proceeds — the Open Question is resolved toward option (b) in
// DESIGN.md.
func (m *Manager) Read(fd int, buf []byte) (int, error) {
	if IsConsole(fd) {
		n := m.bridge.ReadThroughPool(m.pool, fd, buf)
		return n, errFromResult(n)
	}
	h, ok := m.handles[fd]
	if !ok || h.closed {
		return 0, ErrBadFD
	}
	if !h.flags.Readable() {
		return 0, ErrAccessMode
	}

	clusterBytes := int(m.vol.Geometry().ClusterBytes())
	clusterBuf := make([]byte, clusterBytes)
	total := 0
	for total < len(buf) {
		remaining := int(h.entry.Size) - h.absolute
		if remaining <= 0 {
			break
		}
		if err := m.vol.ImageIO().ReadCluster(h.currentCluster, clusterBuf); err != nil {
			return total, err
		}
		n := copy(buf[total:], clusterBuf[h.currentOffset:])
		if n > remaining {
			n = remaining
		}
		total += n
		h.currentOffset += n
		h.absolute += n
		if h.currentOffset >= clusterBytes {
			if err := m.advanceCluster(h); err != nil {
				break
			}
		}
	}
	return total, nil
}

// Write implements spec §4.8's Write, generalized the same way Read is:
// writes that cross a cluster boundary allocate a fresh cluster, link it
// into the FAT, and continue rather than failing.
func (m *Manager) Write(fd int, buf []byte) (int, error) {
	if IsConsole(fd) {
		n := m.bridge.WriteThroughPool(m.pool, fd, buf)
		return n, errFromResult(n)
	}
	h, ok := m.handles[fd]
	if !ok || h.closed {
		return 0, ErrBadFD
	}
	if !h.flags.Writable() {
		return 0, ErrAccessMode
	}

	clusterBytes := int(m.vol.Geometry().ClusterBytes())
	clusterBuf := make([]byte, clusterBytes)
	total := 0
	for total < len(buf) {
		if err := m.vol.ImageIO().ReadCluster(h.currentCluster, clusterBuf); err != nil {
			return total, err
		}
		n := copy(clusterBuf[h.currentOffset:], buf[total:])
		if err := m.vol.ImageIO().WriteCluster(h.currentCluster, clusterBuf); err != nil {
			return total, err
		}
		total += n
		h.currentOffset += n
		h.absolute += n

		if h.currentOffset >= clusterBytes && total < len(buf) {
			if err := m.extendCluster(h); err != nil {
				break
			}
		}
	}

	if h.absolute > int(h.entry.Size) {
		h.entry.Size = uint32(h.absolute)
	}
	modifyDate, modifyTime := fat16.EncodeDateTime(m.clock())
	h.entry.ModifyDate = modifyDate
	h.entry.ModifyTime = modifyTime
	if err := m.vol.PutEntry(h.entry); err != nil {
		return total, err
	}
	if err := m.vol.FlushFAT(); err != nil {
		return total, err
	}
	return total, nil
}

// Seek implements spec §4.8's Seek: advance currentOffset, walking the
// FAT chain as many clusters forward as needed.
func (m *Manager) Seek(fd int, offset int, whence SeekWhence) (int, error) {
	h, ok := m.handles[fd]
	if !ok || h.closed {
		return 0, ErrBadFD
	}
	clusterBytes := int(m.vol.Geometry().ClusterBytes())

	absolute := h.absolute
	switch whence {
	case SeekCur:
		absolute += offset
	case SeekEnd:
		absolute = int(h.entry.Size) + offset
	default:
		absolute = offset
	}
	if absolute < 0 {
		return 0, fmt.Errorf("vfs: seek before start: %w", status.ErrParameter)
	}

	cluster := h.entry.FirstCluster
	steps := absolute / clusterBytes
	for i := 0; i < steps; i++ {
		next := m.vol.FAT().Get(cluster)
		if fat16.IsEndOfChain(next) {
			return 0, ErrEndOfChain
		}
		cluster = next
	}
	h.currentCluster = cluster
	h.currentOffset = absolute % clusterBytes
	h.absolute = absolute
	return absolute, nil
}

// SeekWhence mirrors machine.SeekWhence for the guest-facing Seek call.
type SeekWhence int

const (
	SeekSet SeekWhence = iota
	SeekCur
	SeekEnd
)

func (m *Manager) advanceCluster(h *handle) error {
	next := m.vol.FAT().Get(h.currentCluster)
	if fat16.IsEndOfChain(next) {
		return ErrEndOfChain
	}
	h.currentCluster = next
	h.currentOffset = 0
	return nil
}

func (m *Manager) extendCluster(h *handle) error {
	next, err := m.vol.FAT().Extend(h.currentCluster)
	if err != nil {
		return err
	}
	h.currentCluster = next
	h.currentOffset = 0
	return nil
}
