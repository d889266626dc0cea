package fat16

import (
	"fmt"

	"github.com/SmallBonsai/vmrt/internal/ioasync"
	"github.com/SmallBonsai/vmrt/internal/machine"
	"github.com/SmallBonsai/vmrt/internal/mutexmgr"
	"github.com/SmallBonsai/vmrt/internal/shmem"
	"github.com/SmallBonsai/vmrt/internal/status"
)

var ErrShortTransfer = fmt.Errorf("fat16: short sector transfer: %w", status.ErrFailure)

// ImageIO performs sector/cluster I/O against the mounted FAT16 image
// through the async bridge (spec §4.6). Every sector op is a compound
// seek-then-transfer; imageLock serializes them across threads exactly
// the way spec §4.6 calls for ("a single internal mutex around the FAT
// image descriptor") — built from mutexmgr rather than a raw sync.Mutex,
// since a raw mutex would block the goroutine holding the scheduler
// baton instead of yielding it (see DESIGN.md). Transfers are routed
// through the shared-memory pool (spec §4.5: "all data crossing to the
// machine I/O layer must reside in one of the pre-carved 512-byte
// sections") — SectorSize equals shmem.SectionSize, so each sector maps
// to exactly one borrowed section.
type ImageIO struct {
	bridge    *ioasync.Bridge
	pool      *shmem.Pool
	mutexes   *mutexmgr.Manager
	imageFD   int
	imageLock *mutexmgr.Mutex
	geometry  Geometry
}

// NewImageIO builds an ImageIO over an already-open image descriptor.
func NewImageIO(bridge *ioasync.Bridge, pool *shmem.Pool, mutexes *mutexmgr.Manager, imageFD int, g Geometry) *ImageIO {
	return &ImageIO{
		bridge:    bridge,
		pool:      pool,
		mutexes:   mutexes,
		imageFD:   imageFD,
		imageLock: mutexes.Create(),
		geometry:  g,
	}
}

// ReadSector reads one SectorSize-byte sector into buf.
func (img *ImageIO) ReadSector(n uint32, buf []byte) error {
	if err := img.mutexes.Acquire(img.imageLock.ID, mutexmgr.Infinite); err != nil {
		return err
	}
	defer img.mutexes.Release(img.imageLock.ID)

	off := int(n) * SectorSize
	if r := img.bridge.Seek(img.imageFD, off, machine.SeekSet); r < 0 {
		return fmt.Errorf("fat16: seek sector %d: %w", n, status.ErrFailure)
	}
	if r := img.bridge.ReadThroughPool(img.pool, img.imageFD, buf[:SectorSize]); r != SectorSize {
		return ErrShortTransfer
	}
	return nil
}

// WriteSector writes one SectorSize-byte sector from buf.
func (img *ImageIO) WriteSector(n uint32, buf []byte) error {
	if err := img.mutexes.Acquire(img.imageLock.ID, mutexmgr.Infinite); err != nil {
		return err
	}
	defer img.mutexes.Release(img.imageLock.ID)

	off := int(n) * SectorSize
	if r := img.bridge.Seek(img.imageFD, off, machine.SeekSet); r < 0 {
		return fmt.Errorf("fat16: seek sector %d: %w", n, status.ErrFailure)
	}
	if r := img.bridge.WriteThroughPool(img.pool, img.imageFD, buf[:SectorSize]); r != SectorSize {
		return ErrShortTransfer
	}
	return nil
}

// ReadCluster reads every sector of cluster c (>= 2) into buf, which must
// be at least ClusterBytes long.
func (img *ImageIO) ReadCluster(c uint16, buf []byte) error {
	if c < 2 {
		return fmt.Errorf("fat16: cluster %d is reserved: %w", c, status.ErrParameter)
	}
	start := img.geometry.DataSectorForCluster(c)
	for i := 0; i < int(img.geometry.SectorsPerCluster); i++ {
		lo, hi := i*SectorSize, (i+1)*SectorSize
		if err := img.ReadSector(start+uint32(i), buf[lo:hi]); err != nil {
			return err
		}
	}
	return nil
}

// WriteCluster writes every sector of cluster c (>= 2) from buf.
func (img *ImageIO) WriteCluster(c uint16, buf []byte) error {
	if c < 2 {
		return fmt.Errorf("fat16: cluster %d is reserved: %w", c, status.ErrParameter)
	}
	start := img.geometry.DataSectorForCluster(c)
	for i := 0; i < int(img.geometry.SectorsPerCluster); i++ {
		lo, hi := i*SectorSize, (i+1)*SectorSize
		if err := img.WriteSector(start+uint32(i), buf[lo:hi]); err != nil {
			return err
		}
	}
	return nil
}

// Geometry returns the mounted volume's geometry.
func (img *ImageIO) Geometry() Geometry { return img.geometry }
