package fat16

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/SmallBonsai/vmrt/internal/status"
)

// DirentSize is the on-disk size of one root directory entry.
const DirentSize = 32

// Attribute bits (spec §3 "Directory entry", §4.7's long-name mask).
const (
	AttrReadOnly  = 1 << 0
	AttrHidden    = 1 << 1
	AttrSystem    = 1 << 2
	AttrVolumeID  = 1 << 3
	AttrDirectory = 1 << 4
	AttrArchive   = 1 << 5

	// attrLongName is the attribute byte value (readOnly|hidden|system|
	// volumeId) reserved for VFAT long-name entries, which this codec
	// skips rather than decodes (spec §4.7, §"On-disk format").
	attrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

var (
	ErrNameTooLong = fmt.Errorf("fat16: name exceeds 8.3 limits: %w", status.ErrFailure)
	ErrBadName     = fmt.Errorf("fat16: malformed short name: %w", status.ErrFailure)
)

// Dirent is the decoded in-memory form of a 32-byte root directory entry
// (spec §3 "Directory entry"): short name already split into padded
// name/ext, decoded dates, and the slot index so updates write back
// in place.
type Dirent struct {
	Name  [8]byte
	Ext   [3]byte
	Attr  uint8
	Size  uint32

	CreateDate, AccessDate, ModifyDate Date
	CreateTime, ModifyTime             Time

	FirstCluster uint16

	// Slot is the 0-based index of this entry in the root directory
	// region, so rewrites land on the same 32 bytes.
	Slot int
}

// ShortName renders the 8.3 name as "NAME.EXT" (no trailing dot if Ext is
// blank), matching how guests name files.
func (d Dirent) ShortName() string {
	name := strings.TrimRight(string(d.Name[:]), " ")
	ext := strings.TrimRight(string(d.Ext[:]), " ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// NormalizeShortName is the pure 8.3 normalization function spec §9
// demands tested exhaustively: exactly one dot allowed, not at position 0,
// name and extension upper-cased and space-padded, total <= 12 characters
// (8 + '.' + 3).
func NormalizeShortName(raw string) (name [8]byte, ext [3]byte, err error) {
	if len(raw) > 12 {
		return name, ext, ErrNameTooLong
	}
	dot := strings.IndexByte(raw, '.')
	var base, extension string
	switch {
	case dot < 0:
		base = raw
	case dot == 0:
		return name, ext, ErrBadName
	default:
		base = raw[:dot]
		extension = raw[dot+1:]
		if strings.IndexByte(extension, '.') >= 0 {
			return name, ext, ErrBadName
		}
	}
	if len(base) == 0 || len(base) > 8 || len(extension) > 3 {
		return name, ext, ErrNameTooLong
	}
	base = strings.ToUpper(base)
	extension = strings.ToUpper(extension)
	for i := range name {
		name[i] = ' '
	}
	for i := range ext {
		ext[i] = ' '
	}
	copy(name[:], base)
	copy(ext[:], extension)
	return name, ext, nil
}

// DecodeDirent decodes one 32-byte slot at the given index. ok is false
// for a free slot (first byte 0x00) or a long-name entry, neither of
// which produces a usable Dirent (spec §4.7).
func DecodeDirent(raw []byte, slot int) (d Dirent, ok bool) {
	if len(raw) < DirentSize {
		return Dirent{}, false
	}
	if raw[0] == 0x00 {
		return Dirent{}, false
	}
	attr := raw[11]
	if attr == attrLongName {
		return Dirent{}, false
	}
	copy(d.Name[:], raw[0:8])
	copy(d.Ext[:], raw[8:11])
	d.Attr = attr
	d.CreateTime = Time(binary.LittleEndian.Uint16(raw[14:16]))
	d.CreateDate = Date(binary.LittleEndian.Uint16(raw[16:18]))
	d.AccessDate = Date(binary.LittleEndian.Uint16(raw[18:20]))
	d.ModifyTime = Time(binary.LittleEndian.Uint16(raw[22:24]))
	d.ModifyDate = Date(binary.LittleEndian.Uint16(raw[24:26]))
	d.FirstCluster = binary.LittleEndian.Uint16(raw[26:28])
	d.Size = binary.LittleEndian.Uint32(raw[28:32])
	d.Slot = slot
	return d, true
}

// Encode renders a Dirent back into its 32-byte on-disk form.
func (d Dirent) Encode() []byte {
	raw := make([]byte, DirentSize)
	copy(raw[0:8], d.Name[:])
	copy(raw[8:11], d.Ext[:])
	raw[11] = d.Attr
	binary.LittleEndian.PutUint16(raw[14:16], uint16(d.CreateTime))
	binary.LittleEndian.PutUint16(raw[16:18], uint16(d.CreateDate))
	binary.LittleEndian.PutUint16(raw[18:20], uint16(d.AccessDate))
	binary.LittleEndian.PutUint16(raw[20:22], 0) // FstClusHI, always 0 on FAT16
	binary.LittleEndian.PutUint16(raw[22:24], uint16(d.ModifyTime))
	binary.LittleEndian.PutUint16(raw[24:26], uint16(d.ModifyDate))
	binary.LittleEndian.PutUint16(raw[26:28], d.FirstCluster)
	binary.LittleEndian.PutUint32(raw[28:32], d.Size)
	return raw
}
