package fat16

import (
	"encoding/binary"
	"fmt"

	"github.com/SmallBonsai/vmrt/internal/status"
)

// SectorSize is the only sector size this codec accepts (spec §3: "BPB &
// FAT info": "bytes-per-sector (must be 512)").
const SectorSize = 512

// Geometry holds the BIOS Parameter Block fields this codec cares about
// plus the constants derived from them (spec §3 "BPB & FAT info").
type Geometry struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	SectorsPerFAT     uint16
	TotalSectors32    uint32

	FirstRootSector     uint32
	RootDirectorySectors uint32
	FirstDataSector     uint32
	ClusterCount        uint32
}

var (
	// ErrBadSectorSize reports a BPB whose byte-per-sector field isn't 512.
	ErrBadSectorSize = fmt.Errorf("fat16: BytesPerSector must be 512: %w", status.ErrFailure)
	// ErrShortSector reports a sector-0 read shorter than SectorSize.
	ErrShortSector = fmt.Errorf("fat16: short sector 0 read: %w", status.ErrFailure)
)

// bpbOffsets are the byte offsets of the fields this codec reads out of
// the 512-byte BPB sector, little-endian, per the Microsoft FAT spec.
const (
	offBytesPerSector    = 11
	offSectorsPerCluster = 13
	offReservedSectors   = 14
	offNumFATs           = 16
	offRootEntryCount    = 17
	offSectorsPerFAT16   = 22
	offTotalSectors16    = 19
	offTotalSectors32    = 32
)

// ParseBPB decodes sector 0 of a mounted FAT16 image.
func ParseBPB(sector0 []byte) (Geometry, error) {
	if len(sector0) < SectorSize {
		return Geometry{}, ErrShortSector
	}
	var g Geometry
	g.BytesPerSector = binary.LittleEndian.Uint16(sector0[offBytesPerSector:])
	if g.BytesPerSector != SectorSize {
		return Geometry{}, ErrBadSectorSize
	}
	g.SectorsPerCluster = sector0[offSectorsPerCluster]
	g.ReservedSectors = binary.LittleEndian.Uint16(sector0[offReservedSectors:])
	g.NumFATs = sector0[offNumFATs]
	g.RootEntryCount = binary.LittleEndian.Uint16(sector0[offRootEntryCount:])
	g.SectorsPerFAT = binary.LittleEndian.Uint16(sector0[offSectorsPerFAT16:])

	total16 := binary.LittleEndian.Uint16(sector0[offTotalSectors16:])
	if total16 != 0 {
		g.TotalSectors32 = uint32(total16)
	} else {
		g.TotalSectors32 = binary.LittleEndian.Uint32(sector0[offTotalSectors32:])
	}

	g.FirstRootSector = uint32(g.ReservedSectors) + uint32(g.NumFATs)*uint32(g.SectorsPerFAT)
	g.RootDirectorySectors = (uint32(g.RootEntryCount)*32 + uint32(g.BytesPerSector) - 1) / uint32(g.BytesPerSector)
	g.FirstDataSector = g.FirstRootSector + g.RootDirectorySectors
	if g.SectorsPerCluster > 0 {
		g.ClusterCount = (g.TotalSectors32 - g.FirstDataSector) / uint32(g.SectorsPerCluster)
	}
	return g, nil
}

// ClusterBytes is the number of bytes in one data cluster.
func (g Geometry) ClusterBytes() uint32 {
	return uint32(g.SectorsPerCluster) * uint32(g.BytesPerSector)
}

// FATSectorStart is the first sector of the (first) FAT.
func (g Geometry) FATSectorStart() uint32 { return uint32(g.ReservedSectors) }

// DataSectorForCluster maps a cluster number (>= 2) to its first sector.
func (g Geometry) DataSectorForCluster(cluster uint16) uint32 {
	return g.FirstDataSector + uint32(cluster-2)*uint32(g.SectorsPerCluster)
}
