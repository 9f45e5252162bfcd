package gladrgb

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/klauspost/compress/zlib"
)

const (
	sinkBands = 3
	tileSize  = 256
)

// Sink writes a three-band 8-bit GeoTIFF, tiled 256x256 and Deflate
// compressed, matching the layout the downstream tiler expects
// (COMPRESS=DEFLATE, TILED=YES in GDAL terms).
//
// Rows must be written strictly top to bottom per band; the sink buffers one
// tile row per band and flushes compressed tiles as soon as a band crosses a
// tile boundary, so memory stays proportional to raster width. The directory
// is only written by a successful Close: a run that fails midway leaves a
// file without a directory, which no reader will accept as a valid raster.
type Sink struct {
	f      *os.File
	width  int
	height int

	tilesAcross  int
	tilesPerBand int
	offsets      [sinkBands][]uint32
	counts       [sinkBands][]uint32
	strips       [sinkBands][]byte
	nextRow      [sinkBands]int

	geo    GeoReference
	geoSet bool

	zw     *zlib.Writer
	off    int64
	closed bool
}

// CreateSink creates the output file and writes the TIFF header. The
// directory offset stays zero until Close patches it in.
func CreateSink(path string, width, height int) (*Sink, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid raster dimensions: %dx%d", width, height)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}

	k := &Sink{
		f:      f,
		width:  width,
		height: height,
	}
	k.tilesAcross = (width + tileSize - 1) / tileSize
	tilesDown := (height + tileSize - 1) / tileSize
	k.tilesPerBand = k.tilesAcross * tilesDown

	for b := 0; b < sinkBands; b++ {
		k.offsets[b] = make([]uint32, k.tilesPerBand)
		k.counts[b] = make([]uint32, k.tilesPerBand)
		k.strips[b] = make([]byte, width*tileSize)
	}

	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], tiffMagicLE)
	binary.LittleEndian.PutUint16(header[2:4], tiffVersion)
	// Directory offset written by Close.
	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write TIFF header: %w", err)
	}
	k.off = 8

	return k, nil
}

// SetGeoreference records the geotransform and EPSG code to declare on the
// output. Must be called before Close to produce a georeferenced file.
func (k *Sink) SetGeoreference(transform [6]float64, epsg int) {
	k.geo = GeoReference{Transform: transform, EPSG: epsg}
	k.geoSet = true
}

// WriteRow appends row y to the given zero-based band. Rows must arrive in
// increasing order with no gaps.
func (k *Sink) WriteRow(band, y int, row []uint8) error {
	if k.closed {
		return fmt.Errorf("sink is closed")
	}
	if band < 0 || band >= sinkBands {
		return fmt.Errorf("band %d out of range [0,%d)", band, sinkBands)
	}
	if y != k.nextRow[band] {
		return fmt.Errorf("band %d rows must be sequential: got row %d, want %d", band, y, k.nextRow[band])
	}
	if y >= k.height {
		return fmt.Errorf("row %d out of range [0,%d)", y, k.height)
	}
	if len(row) < k.width {
		return fmt.Errorf("row buffer too small: %d < %d", len(row), k.width)
	}

	copy(k.strips[band][(y%tileSize)*k.width:], row[:k.width])
	k.nextRow[band]++

	if (y+1)%tileSize == 0 || y == k.height-1 {
		if err := k.flushStrip(band, y/tileSize, y%tileSize+1); err != nil {
			return err
		}
	}
	return nil
}

// flushStrip compresses and writes every tile of one buffered tile row.
// rows is the number of valid rows in the buffer; the rest of each tile is
// zero padding, as the TIFF tile model requires full tiles at the edges.
func (k *Sink) flushStrip(band, tileRow, rows int) error {
	tile := getBlockBuffer(tileSize * tileSize)
	defer putBlockBuffer(tile)

	for tx := 0; tx < k.tilesAcross; tx++ {
		cols := tileSize
		if limit := k.width - tx*tileSize; cols > limit {
			cols = limit
		}

		clear(tile)
		for r := 0; r < rows; r++ {
			src := k.strips[band][r*k.width+tx*tileSize:]
			copy(tile[r*tileSize:r*tileSize+cols], src[:cols])
		}

		if err := k.writeTile(band, tileRow*k.tilesAcross+tx, tile); err != nil {
			return err
		}
	}
	return nil
}

// writeTile deflates one tile and appends it to the file, recording its
// offset and byte count for the directory.
func (k *Sink) writeTile(band, tileIndex int, tile []byte) error {
	buf := getBytesBuffer()
	defer putBytesBuffer(buf)

	if k.zw == nil {
		k.zw = zlib.NewWriter(buf)
	} else {
		k.zw.Reset(buf)
	}
	if _, err := k.zw.Write(tile); err != nil {
		return fmt.Errorf("failed to compress tile: %w", err)
	}
	if err := k.zw.Close(); err != nil {
		return fmt.Errorf("failed to compress tile: %w", err)
	}

	if err := k.align(); err != nil {
		return err
	}

	k.offsets[band][tileIndex] = uint32(k.off)
	k.counts[band][tileIndex] = uint32(buf.Len())

	n, err := k.f.Write(buf.Bytes())
	k.off += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write tile: %w", err)
	}
	return nil
}

// align pads the file to an even offset, per the TIFF word-alignment rule.
func (k *Sink) align() error {
	if k.off%2 == 0 {
		return nil
	}
	if _, err := k.f.Write([]byte{0}); err != nil {
		return fmt.Errorf("failed to pad output: %w", err)
	}
	k.off++
	return nil
}

// Close writes the image file directory and patches the header to point at
// it. It fails, leaving the output unreadable, when any band is missing
// rows.
func (k *Sink) Close() error {
	if k.closed {
		return nil
	}
	k.closed = true

	for b := 0; b < sinkBands; b++ {
		if k.nextRow[b] != k.height {
			k.f.Close()
			return fmt.Errorf("band %d incomplete: wrote %d of %d rows", b, k.nextRow[b], k.height)
		}
	}

	if err := k.align(); err != nil {
		k.f.Close()
		return err
	}
	ifdOffset := k.off

	if err := k.writeDirectory(); err != nil {
		k.f.Close()
		return err
	}

	patch := make([]byte, 4)
	binary.LittleEndian.PutUint32(patch, uint32(ifdOffset))
	if _, err := k.f.WriteAt(patch, 4); err != nil {
		k.f.Close()
		return fmt.Errorf("failed to patch directory offset: %w", err)
	}

	if err := k.f.Close(); err != nil {
		return fmt.Errorf("failed to close output: %w", err)
	}
	return nil
}

// ifdEntry is one directory entry with its value already serialized
// little-endian. Values longer than four bytes are spilled to the data area
// behind the directory.
type ifdEntry struct {
	tag       uint16
	fieldType uint16
	count     uint32
	value     []byte
}

func shortEntry(tag uint16, values ...uint16) ifdEntry {
	raw := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(raw[i*2:], v)
	}
	return ifdEntry{tag: tag, fieldType: typeShort, count: uint32(len(values)), value: raw}
}

func longEntry(tag uint16, values ...uint32) ifdEntry {
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[i*4:], v)
	}
	return ifdEntry{tag: tag, fieldType: typeLong, count: uint32(len(values)), value: raw}
}

func doubleEntry(tag uint16, values ...float64) ifdEntry {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	return ifdEntry{tag: tag, fieldType: typeDouble, count: uint32(len(values)), value: raw}
}

func asciiEntry(tag uint16, s string) ifdEntry {
	raw := append([]byte(s), 0)
	return ifdEntry{tag: tag, fieldType: typeASCII, count: uint32(len(raw)), value: raw}
}

// writeDirectory emits the IFD and its spilled values at the current offset.
func (k *Sink) writeDirectory() error {
	tileIndex := make([]uint32, 0, sinkBands*k.tilesPerBand)
	tileCounts := make([]uint32, 0, sinkBands*k.tilesPerBand)
	for b := 0; b < sinkBands; b++ {
		tileIndex = append(tileIndex, k.offsets[b]...)
		tileCounts = append(tileCounts, k.counts[b]...)
	}

	entries := []ifdEntry{
		longEntry(tagImageWidth, uint32(k.width)),
		longEntry(tagImageLength, uint32(k.height)),
		shortEntry(tagBitsPerSample, 8, 8, 8),
		shortEntry(tagCompression, compressionDeflate),
		shortEntry(tagPhotometric, 2), // RGB
		shortEntry(tagSamplesPerPixel, sinkBands),
		shortEntry(tagPlanarConfig, 2), // band-sequential, one tile set per band
		asciiEntry(tagSoftware, "gladrgb"),
		shortEntry(tagTileWidth, tileSize),
		shortEntry(tagTileLength, tileSize),
		longEntry(tagTileOffsets, tileIndex...),
		longEntry(tagTileByteCounts, tileCounts...),
		shortEntry(tagSampleFormat, 1, 1, 1),
	}

	if k.geoSet {
		gt := k.geo.Transform
		entries = append(entries,
			doubleEntry(tagModelPixelScale, gt[1], math.Abs(gt[5]), 0),
			doubleEntry(tagModelTiepoint, 0, 0, 0, gt[0], gt[3], 0),
			shortEntry(tagGeoKeyDirectory, geoKeyDirectory(k.geo.EPSG)...),
		)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Lay out the spill area behind the directory.
	spillStart := k.off + 2 + int64(len(entries))*12 + 4
	var spill []byte
	dir := make([]byte, 0, len(entries)*12+6)
	dir = binary.LittleEndian.AppendUint16(dir, uint16(len(entries)))

	for _, e := range entries {
		dir = binary.LittleEndian.AppendUint16(dir, e.tag)
		dir = binary.LittleEndian.AppendUint16(dir, e.fieldType)
		dir = binary.LittleEndian.AppendUint32(dir, e.count)

		inline := [4]byte{}
		if len(e.value) <= 4 {
			copy(inline[:], e.value)
		} else {
			if len(spill)%2 == 1 {
				spill = append(spill, 0)
			}
			binary.LittleEndian.PutUint32(inline[:], uint32(spillStart+int64(len(spill))))
			spill = append(spill, e.value...)
		}
		dir = append(dir, inline[:]...)
	}

	dir = binary.LittleEndian.AppendUint32(dir, 0) // no next directory
	dir = append(dir, spill...)

	n, err := k.f.Write(dir)
	k.off += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write directory: %w", err)
	}
	return nil
}

// geoKeyDirectory builds the GeoKey directory declaring the spatial
// reference: projected CRS for any EPSG code except geographic 4326.
func geoKeyDirectory(epsg int) []uint16 {
	modelType := uint16(gtModelTypeProjected)
	crsKey := uint16(projectedCSTypeGeoKey)
	if epsg == 4326 {
		modelType = gtModelTypeGeographic
		crsKey = geographicTypeGeoKey
	}
	return []uint16{
		1, 1, 0, 3, // version, revision 1.0, key count
		gtModelTypeGeoKey, 0, 1, modelType,
		gtRasterTypeGeoKey, 0, 1, gtRasterTypePixelIsArea,
		crsKey, 0, 1, uint16(epsg),
	}
}
