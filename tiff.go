package gladrgb

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// TIFF constants
const (
	tiffMagicLE = 0x4949 // "II" little-endian
	tiffMagicBE = 0x4D4D // "MM" big-endian
	tiffVersion = 42
)

// Compression schemes understood by Source.
const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionDeflateOld = 32946 // pre-TIFF6 code, same codec
)

// Field types
const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeDouble   = 12
)

// Baseline and GeoTIFF tag IDs used by the reader and writer.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagSoftware        = 305
	tagPredictor       = 317
	tagPlanarConfig    = 284
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339

	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
)

// tiffField is one decoded directory entry. Integer types land in ints,
// DOUBLE and RATIONAL in floats, ASCII in str.
type tiffField struct {
	fieldType uint16
	ints      []uint64
	floats    []float64
	str       string
}

// tiffDirectory is the first IFD of a classic TIFF, with every field value
// decoded eagerly. Inputs to this tool carry a single directory (no overview
// pyramids), so lazy tag loading buys nothing here.
type tiffDirectory struct {
	order  binary.ByteOrder
	fields map[uint16]tiffField
}

// readTIFFDirectory parses the header and first IFD from r.
func readTIFFDirectory(r io.ReadSeeker) (*tiffDirectory, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read TIFF header: %w", err)
	}

	dir := &tiffDirectory{fields: make(map[uint16]tiffField)}
	switch binary.LittleEndian.Uint16(header[0:2]) {
	case tiffMagicLE:
		dir.order = binary.LittleEndian
	case tiffMagicBE:
		dir.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("invalid TIFF magic: 0x%04x", binary.LittleEndian.Uint16(header[0:2]))
	}

	if v := dir.order.Uint16(header[2:4]); v != tiffVersion {
		return nil, fmt.Errorf("invalid TIFF version: %d", v)
	}

	ifdOffset := dir.order.Uint32(header[4:8])
	if _, err := r.Seek(int64(ifdOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to IFD: %w", err)
	}

	var entryCount uint16
	if err := binary.Read(r, dir.order, &entryCount); err != nil {
		return nil, fmt.Errorf("failed to read IFD entry count: %w", err)
	}

	entries := make([]byte, int(entryCount)*12)
	if _, err := io.ReadFull(r, entries); err != nil {
		return nil, fmt.Errorf("failed to read IFD entries: %w", err)
	}

	for i := 0; i < int(entryCount); i++ {
		e := entries[i*12 : i*12+12]
		id := dir.order.Uint16(e[0:2])
		field, err := dir.readField(r, e)
		if err != nil {
			return nil, fmt.Errorf("failed to read tag %d: %w", id, err)
		}
		dir.fields[id] = field
	}

	return dir, nil
}

func fieldTypeSize(fieldType uint16) int {
	switch fieldType {
	case typeByte, typeASCII:
		return 1
	case typeShort:
		return 2
	case typeLong:
		return 4
	case typeRational, typeDouble:
		return 8
	default:
		return 0
	}
}

// readField decodes one 12-byte IFD entry, following the offset when the
// value does not fit inline.
func (dir *tiffDirectory) readField(r io.ReadSeeker, entry []byte) (tiffField, error) {
	field := tiffField{fieldType: dir.order.Uint16(entry[2:4])}
	count := dir.order.Uint32(entry[4:8])

	size := fieldTypeSize(field.fieldType)
	if size == 0 {
		// Unknown field type: keep the entry but skip the value.
		return field, nil
	}

	total := size * int(count)
	var raw []byte
	if total <= 4 {
		raw = entry[8 : 8+total]
	} else {
		offset := dir.order.Uint32(entry[8:12])
		pos, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return field, err
		}
		if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
			return field, err
		}
		raw = make([]byte, total)
		if _, err := io.ReadFull(r, raw); err != nil {
			return field, err
		}
		if _, err := r.Seek(pos, io.SeekStart); err != nil {
			return field, err
		}
	}

	switch field.fieldType {
	case typeByte:
		field.ints = make([]uint64, count)
		for i := range field.ints {
			field.ints[i] = uint64(raw[i])
		}
	case typeASCII:
		// Strip the NUL terminator.
		if n := len(raw); n > 0 && raw[n-1] == 0 {
			raw = raw[:n-1]
		}
		field.str = string(raw)
	case typeShort:
		field.ints = make([]uint64, count)
		for i := range field.ints {
			field.ints[i] = uint64(dir.order.Uint16(raw[i*2 : i*2+2]))
		}
	case typeLong:
		field.ints = make([]uint64, count)
		for i := range field.ints {
			field.ints[i] = uint64(dir.order.Uint32(raw[i*4 : i*4+4]))
		}
	case typeRational:
		field.floats = make([]float64, count)
		for i := range field.floats {
			num := dir.order.Uint32(raw[i*8 : i*8+4])
			den := dir.order.Uint32(raw[i*8+4 : i*8+8])
			if den != 0 {
				field.floats[i] = float64(num) / float64(den)
			}
		}
	case typeDouble:
		field.floats = make([]float64, count)
		for i := range field.floats {
			field.floats[i] = math.Float64frombits(dir.order.Uint64(raw[i*8 : i*8+8]))
		}
	}

	return field, nil
}

// uintValue returns the first integer value of a tag, with a default for
// absent tags.
func (dir *tiffDirectory) uintValue(id uint16, def uint64) uint64 {
	if f, ok := dir.fields[id]; ok && len(f.ints) > 0 {
		return f.ints[0]
	}
	return def
}

// uintValues returns all integer values of a tag, or nil when absent.
func (dir *tiffDirectory) uintValues(id uint16) []uint64 {
	if f, ok := dir.fields[id]; ok {
		return f.ints
	}
	return nil
}

// floatValues returns all floating-point values of a tag, or nil when absent.
func (dir *tiffDirectory) floatValues(id uint16) []float64 {
	if f, ok := dir.fields[id]; ok {
		return f.floats
	}
	return nil
}
