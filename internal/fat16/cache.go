package fat16

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-utilpkg/microbatch"

	"github.com/SmallBonsai/vmrt/internal/obslog"
	"github.com/SmallBonsai/vmrt/internal/status"
)

var ErrNoFreeSlot = fmt.Errorf("fat16: root directory is full: %w", status.ErrFailure)

// Volume is the mounted FAT16 state of spec §4.7: geometry, the in-memory
// FAT, the decoded root directory list, and the machinery to flush dirty
// sectors back to the image.
type Volume struct {
	img *ImageIO
	log *obslog.Logger

	geometry Geometry
	fat      *Table
	root     []Dirent // decoded entries only, indexed arbitrarily, see Slot
	rootRaw  []byte   // backs the decoded entries; rewritten in place on PutEntry

	rootSectors int
	dirty       *microbatch.Batcher[dirtyRootSector]
}

// dirtyRootSector is one job submitted to the root-sector flush batcher:
// the sector index (relative to the root directory region) whose 32-byte
// slots must be re-encoded and written.
type dirtyRootSector struct {
	sector int
}

// Mount reads sector 0, the FAT, and the root directory region, per spec
// §4.7, and wires a microbatch.Batcher to coalesce dirty-sector flushes
// (spec §10's batched-write component) instead of writing one sector per
// mutated directory entry.
func Mount(img *ImageIO, log *obslog.Logger) (*Volume, error) {
	var sector0 [SectorSize]byte
	if err := img.ReadSector(0, sector0[:]); err != nil {
		return nil, err
	}
	g, err := ParseBPB(sector0[:])
	if err != nil {
		return nil, err
	}
	img.geometry = g

	fatRaw := make([]byte, int(g.SectorsPerFAT)*SectorSize)
	for i := 0; i < int(g.SectorsPerFAT); i++ {
		if err := img.ReadSector(g.FATSectorStart()+uint32(i), fatRaw[i*SectorSize:(i+1)*SectorSize]); err != nil {
			return nil, err
		}
	}
	fat := NewTable(fatRaw, int(g.ClusterCount)+2)

	rootSectors := int(g.RootDirectorySectors)
	rootRaw := make([]byte, rootSectors*SectorSize)
	for i := 0; i < rootSectors; i++ {
		if err := img.ReadSector(g.FirstRootSector+uint32(i), rootRaw[i*SectorSize:(i+1)*SectorSize]); err != nil {
			return nil, err
		}
	}

	v := &Volume{img: img, log: log, geometry: g, fat: fat, rootSectors: rootSectors}
	v.decodeRoot(rootRaw)

	v.dirty = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:       8,
		FlushInterval: 10 * time.Millisecond,
	}, v.flushRootSectors)
	return v, nil
}

// decodeRoot walks the root region in 32-byte strides (spec §4.7): a
// 0x00 first byte ends the scan, long-name entries are skipped, and
// everything else is decoded and kept with its slot index.
func (v *Volume) decodeRoot(rootRaw []byte) {
	v.root = v.root[:0]
	entries := len(rootRaw) / DirentSize
	for slot := 0; slot < entries; slot++ {
		raw := rootRaw[slot*DirentSize : (slot+1)*DirentSize]
		if raw[0] == 0x00 {
			break
		}
		if d, ok := DecodeDirent(raw, slot); ok {
			v.root = append(v.root, d)
		}
	}
	v.rootRaw = rootRaw
}

// FindByName returns the decoded entry matching the normalized short
// name, if any.
func (v *Volume) FindByName(name [8]byte, ext [3]byte) (Dirent, bool) {
	for _, d := range v.root {
		if d.Name == name && d.Ext == ext {
			return d, true
		}
	}
	return Dirent{}, false
}

// Entries returns every decoded root entry, ordered by slot index (i.e.
// on-disk order), for directory enumeration (spec §8 scenario 6).
func (v *Volume) Entries() []Dirent {
	out := make([]Dirent, len(v.root))
	copy(out, v.root)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Slot < out[j-1].Slot; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// FreeSlot finds the first free root directory slot (spec §4.7: "free
// entry = first root slot whose first name byte is 0x00"), which may be
// one past the highest currently decoded entry.
func (v *Volume) FreeSlot() (int, error) {
	total := len(v.rootRaw) / DirentSize
	for slot := 0; slot < total; slot++ {
		if v.rootRaw[slot*DirentSize] == 0x00 {
			return slot, nil
		}
	}
	return 0, ErrNoFreeSlot
}

// PutEntry updates or inserts a decoded entry, keyed by its Slot, and
// queues the root sector containing that slot for write-back. The in-memory
// copy (v.root, v.rootRaw) is updated before returning, so FindByName and
// Entries always reflect the change immediately; the disk write happens on
// the batcher's own schedule and is not waited on here, so that directory
// mutations raised by different guest threads within the same flush
// interval actually coalesce into one write instead of each call stalling
// for a batch of one. Only Close, which drains the batcher, guarantees the
// write has landed; FlushFAT writes the FAT alone.
func (v *Volume) PutEntry(d Dirent) error {
	found := false
	for i := range v.root {
		if v.root[i].Slot == d.Slot {
			v.root[i] = d
			found = true
			break
		}
	}
	if !found {
		v.root = append(v.root, d)
	}
	raw := d.Encode()
	sectorWithinRoot := (d.Slot * DirentSize) / SectorSize
	offsetInSector := (d.Slot * DirentSize) % SectorSize
	copy(v.rootRaw[sectorWithinRoot*SectorSize+offsetInSector:], raw)

	result, err := v.dirty.Submit(context.Background(), dirtyRootSector{sector: sectorWithinRoot})
	if err != nil {
		return err
	}
	go v.awaitFlush(result)
	return nil
}

// awaitFlush runs on its own goroutine, off the scheduler baton, and logs
// any write-back failure a submitted job eventually reports. PutEntry
// callers learn about a failed flush this way rather than by blocking.
func (v *Volume) awaitFlush(result *microbatch.JobResult[dirtyRootSector]) {
	if err := result.Wait(context.Background()); err != nil {
		v.log.Warning().Log("deferred root-sector flush failed")
	}
}

// flushRootSectors is the microbatch.BatchProcessor writing coalesced
// dirty root sectors back to the image. Duplicate sector numbers within a
// batch are written once.
func (v *Volume) flushRootSectors(ctx context.Context, jobs []dirtyRootSector) error {
	seen := make(map[int]bool, len(jobs))
	for _, j := range jobs {
		if seen[j.sector] {
			continue
		}
		seen[j.sector] = true
		lo, hi := j.sector*SectorSize, (j.sector+1)*SectorSize
		if err := v.img.WriteSector(v.geometry.FirstRootSector+uint32(j.sector), v.rootRaw[lo:hi]); err != nil {
			return err
		}
	}
	return nil
}

// FlushFAT writes every FAT sector (all NumFATs copies) back to the
// image. Called after any FAT mutation that must be durable before the
// caller proceeds (spec §4.7: "persist the FAT and root sector").
func (v *Volume) FlushFAT() error {
	if !v.fat.Dirty() {
		return nil
	}
	raw := v.fat.Bytes()
	for copy_ := 0; copy_ < int(v.geometry.NumFATs); copy_++ {
		base := v.geometry.FATSectorStart() + uint32(copy_)*uint32(v.geometry.SectorsPerFAT)
		for i := 0; i < int(v.geometry.SectorsPerFAT); i++ {
			lo, hi := i*SectorSize, (i+1)*SectorSize
			if hi > len(raw) {
				hi = len(raw)
			}
			if lo >= hi {
				break
			}
			var sector [SectorSize]byte
			copy(sector[:], raw[lo:hi])
			if err := v.img.WriteSector(base+uint32(i), sector[:]); err != nil {
				return err
			}
		}
	}
	v.fat.ClearDirty()
	return nil
}

// FAT returns the in-memory FAT table.
func (v *Volume) FAT() *Table { return v.fat }

// Geometry returns the mounted volume's geometry.
func (v *Volume) Geometry() Geometry { return v.geometry }

// ImageIO returns the underlying sector I/O, for cluster reads/writes the
// file handle layer performs directly.
func (v *Volume) ImageIO() *ImageIO { return v.img }

// Close drains the dirty-sector batcher so no mutation is lost.
func (v *Volume) Close(ctx context.Context) error {
	return v.dirty.Shutdown(ctx)
}
