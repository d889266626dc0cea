// Package vfs is the file handle layer of spec §4.8: descriptors 0-2 pass
// straight through to the async I/O bridge as console streams, and
// descriptors >= 3 are FAT16-backed, built on internal/fat16's mounted
// Volume and sector/cluster I/O.
package vfs

import (
	"fmt"
	"time"

	"github.com/SmallBonsai/vmrt/internal/fat16"
	"github.com/SmallBonsai/vmrt/internal/ioasync"
	"github.com/SmallBonsai/vmrt/internal/machine"
	"github.com/SmallBonsai/vmrt/internal/shmem"
	"github.com/SmallBonsai/vmrt/internal/status"
)

var (
	ErrNameTooLong  = fmt.Errorf("vfs: name exceeds 8.3 limits: %w", status.ErrFailure)
	ErrIsDirectory  = fmt.Errorf("vfs: entry is a directory: %w", status.ErrFailure)
	ErrNotFound     = fmt.Errorf("vfs: file not found: %w", status.ErrFailure)
	ErrBadFD        = fmt.Errorf("vfs: unknown descriptor: %w", status.ErrID)
	ErrAlreadyClosed = fmt.Errorf("vfs: descriptor already closed: %w", status.ErrState)
	ErrAccessMode   = fmt.Errorf("vfs: operation not permitted by open flags: %w", status.ErrFailure)
	ErrEndOfChain   = fmt.Errorf("vfs: seek past end of chain: %w", status.ErrFailure)
)

// consoleFDs is the fixed count of reserved console descriptors (spec
// §4.8: "descriptors 0-2 are reserved console descriptors").
const consoleFDs = 3

// handle is one open FAT-backed file (spec §3 "Open file").
type handle struct {
	entry          fat16.Dirent
	flags          machine.OpenFlags
	currentCluster uint16
	currentOffset  int // offset within currentCluster
	absolute       int // offset from the start of the file
	closed         bool
}

// Clock supplies the "now" the entry layer stamps onto created/modified
// entries (spec §12's DateTime snapshot call, reused here).
type Clock func() fat16.DateTime

// Manager is the file handle layer: console passthrough plus the
// FAT-backed open-files vector (spec §3, §4.8).
type Manager struct {
	bridge *ioasync.Bridge
	pool   *shmem.Pool
	vol    *fat16.Volume
	clock  Clock

	handles map[int]*handle
	nextFD  int
}

// New builds a Manager over a mounted Volume.
func New(bridge *ioasync.Bridge, pool *shmem.Pool, vol *fat16.Volume, clock Clock) *Manager {
	if clock == nil {
		clock = func() fat16.DateTime {
			now := time.Now()
			return fat16.DateTime{
				Year: now.Year(), Month: int(now.Month()), Day: now.Day(),
				Hour: now.Hour(), Minute: now.Minute(), Second: now.Second(),
			}
		}
	}
	return &Manager{
		bridge:  bridge,
		pool:    pool,
		vol:     vol,
		clock:   clock,
		handles: make(map[int]*handle),
		nextFD:  consoleFDs,
	}
}

// IsConsole reports whether fd is one of the three reserved console
// descriptors.
func IsConsole(fd int) bool { return fd >= 0 && fd < consoleFDs }

// Open implements spec §4.8's Open(name, flags, mode).
func (m *Manager) Open(name string, flags machine.OpenFlags) (fd int, err error) {
	shortName, shortExt, err := fat16.NormalizeShortName(name)
	if err != nil {
		return -1, err
	}

	if d, ok := m.vol.FindByName(shortName, shortExt); ok {
		if d.Attr&fat16.AttrDirectory != 0 {
			return -1, ErrIsDirectory
		}
		now := m.clock()
		accessDate, _ := fat16.EncodeDateTime(now)
		d.AccessDate = accessDate
		if err := m.vol.PutEntry(d); err != nil {
			return -1, err
		}

		h := &handle{entry: d, flags: flags, currentCluster: d.FirstCluster}
		if flags.HasAppend() {
			steps := int(d.Size) / int(m.vol.Geometry().ClusterBytes())
			cluster := d.FirstCluster
			for i := 0; i < steps; i++ {
				next := m.vol.FAT().Get(cluster)
				if fat16.IsEndOfChain(next) {
					return -1, ErrEndOfChain
				}
				cluster = next
			}
			h.currentCluster = cluster
			h.currentOffset = int(d.Size) % int(m.vol.Geometry().ClusterBytes())
			h.absolute = int(d.Size)
		}
		return m.register(h), nil
	}

	if !flags.HasCreate() {
		return -1, ErrNotFound
	}

	slot, err := m.vol.FreeSlot()
	if err != nil {
		return -1, err
	}
	cluster, err := m.vol.FAT().FreeCluster()
	if err != nil {
		return -1, err
	}
	m.vol.FAT().Set(cluster, fat16.ClusterEndOfChain)

	now := m.clock()
	createDate, createTime := fat16.EncodeDateTime(now)
	entry := fat16.Dirent{
		Name: shortName, Ext: shortExt,
		Attr: 0, Size: 0,
		CreateDate: createDate, CreateTime: createTime,
		AccessDate: createDate,
		ModifyDate: createDate, ModifyTime: createTime,
		FirstCluster: cluster,
		Slot:         slot,
	}
	if err := m.vol.PutEntry(entry); err != nil {
		return -1, err
	}
	if err := m.vol.FlushFAT(); err != nil {
		return -1, err
	}

	h := &handle{entry: entry, flags: flags, currentCluster: cluster}
	return m.register(h), nil
}

func (m *Manager) register(h *handle) int {
	fd := m.nextFD
	m.nextFD++
	m.handles[fd] = h
	return fd
}

// Close implements spec §4.8's Close.
func (m *Manager) Close(fd int) error {
	if IsConsole(fd) {
		return errFromResult(m.bridge.Close(fd))
	}
	h, ok := m.handles[fd]
	if !ok {
		return ErrBadFD
	}
	if h.closed {
		return ErrAlreadyClosed
	}
	h.closed = true
	delete(m.handles, fd)
	return nil
}

func errFromResult(r int) error {
	if r < 0 {
		return fmt.Errorf("vfs: machine call failed with %d: %w", r, status.ErrFailure)
	}
	return nil
}
