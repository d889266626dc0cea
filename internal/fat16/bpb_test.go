package fat16

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBPB fills a 512-byte sector 0 with a small, plausible FAT16 geometry:
// 2 reserved sectors, 2 FATs of 4 sectors each, 32 root entries, 1 sector per
// cluster, 512 total sectors.
func buildBPB() []byte {
	sector := make([]byte, SectorSize)
	binary.LittleEndian.PutUint16(sector[offBytesPerSector:], 512)
	sector[offSectorsPerCluster] = 1
	binary.LittleEndian.PutUint16(sector[offReservedSectors:], 2)
	sector[offNumFATs] = 2
	binary.LittleEndian.PutUint16(sector[offRootEntryCount:], 32)
	binary.LittleEndian.PutUint16(sector[offSectorsPerFAT16:], 4)
	binary.LittleEndian.PutUint16(sector[offTotalSectors16:], 512)
	return sector
}

func TestParseBPB_DerivesGeometry(t *testing.T) {
	g, err := ParseBPB(buildBPB())
	require.NoError(t, err)

	assert.EqualValues(t, 512, g.BytesPerSector)
	assert.EqualValues(t, 1, g.SectorsPerCluster)
	assert.EqualValues(t, 2, g.ReservedSectors)
	assert.EqualValues(t, 2, g.NumFATs)
	assert.EqualValues(t, 32, g.RootEntryCount)
	assert.EqualValues(t, 4, g.SectorsPerFAT)
	assert.EqualValues(t, 512, g.TotalSectors32)

	// FirstRootSector = reserved + numFATs*sectorsPerFAT = 2 + 2*4 = 10
	assert.EqualValues(t, 10, g.FirstRootSector)
	// RootDirectorySectors = ceil(32*32/512) = 2
	assert.EqualValues(t, 2, g.RootDirectorySectors)
	assert.EqualValues(t, 12, g.FirstDataSector)
	// ClusterCount = (512-12)/1 = 500
	assert.EqualValues(t, 500, g.ClusterCount)
}

func TestParseBPB_RejectsNonStandardSectorSize(t *testing.T) {
	sector := buildBPB()
	binary.LittleEndian.PutUint16(sector[offBytesPerSector:], 1024)
	_, err := ParseBPB(sector)
	assert.ErrorIs(t, err, ErrBadSectorSize)
}

func TestParseBPB_RejectsShortSector(t *testing.T) {
	_, err := ParseBPB(make([]byte, 10))
	assert.ErrorIs(t, err, ErrShortSector)
}

func TestParseBPB_FallsBackToTotalSectors32(t *testing.T) {
	sector := buildBPB()
	binary.LittleEndian.PutUint16(sector[offTotalSectors16:], 0)
	binary.LittleEndian.PutUint32(sector[offTotalSectors32:], 65536)
	g, err := ParseBPB(sector)
	require.NoError(t, err)
	assert.EqualValues(t, 65536, g.TotalSectors32)
}

func TestGeometry_DataSectorForCluster(t *testing.T) {
	g, err := ParseBPB(buildBPB())
	require.NoError(t, err)

	// Cluster 2 is the first data cluster, mapping to FirstDataSector.
	assert.Equal(t, g.FirstDataSector, g.DataSectorForCluster(2))
	assert.Equal(t, g.FirstDataSector+3, g.DataSectorForCluster(5))
}

func TestGeometry_ClusterBytes(t *testing.T) {
	g, err := ParseBPB(buildBPB())
	require.NoError(t, err)
	assert.EqualValues(t, 512, g.ClusterBytes())
}
