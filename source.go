package gladrgb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/paulmach/orb"
	"github.com/valyala/fasthttp"
	"golang.org/x/image/tiff/lzw"
)

// Source reads rows of unsigned integer samples from a GeoTIFF, one band at
// a time. It understands stripped and tiled layouts with no compression, LZW
// or Deflate, and 8- or 16-bit unsigned samples (8-bit samples are widened
// to uint16 on read, the way GDAL's RasterIO converts on the fly).
//
// Row access is optimized for the converter's strictly sequential pattern:
// the strip or tile row containing the last requested row is decoded once
// and cached, so each compressed block is decompressed exactly once per
// band. A Source is not safe for concurrent use.
type Source struct {
	r      io.ReadSeeker
	closer io.Closer

	width, height int
	bands         int
	bitsPerSample int
	compression   uint16
	planar        uint16
	geo           GeoReference
	order         binary.ByteOrder

	tiled         bool
	blockW        int
	blockH        int
	blocksAcross  int
	blocksPerBand int
	offsets       []uint64
	counts        []uint64

	cacheBand int
	cacheRow  int // first image row held in cache, -1 when empty
	cache     []uint16
}

// OpenSource opens a GeoTIFF from a local path or an http(s) URL. URLs are
// read with range requests so remote rasters are streamed rather than
// downloaded. A nil client gets conservative defaults.
func OpenSource(pathOrURL string, client *fasthttp.Client) (*Source, error) {
	var (
		reader io.ReadSeeker
		closer io.Closer
	)

	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		if client == nil {
			client = &fasthttp.Client{
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
		}
		rr, err := newHTTPRangeReader(pathOrURL, client)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", pathOrURL, err)
		}
		reader = rr
	} else {
		f, err := os.Open(pathOrURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open file: %w", err)
		}
		reader = f
		closer = f
	}

	src, err := newSource(reader, closer)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("failed to read %s: %w", pathOrURL, err)
	}
	return src, nil
}

// NewSource reads a GeoTIFF from an arbitrary io.ReadSeeker.
func NewSource(r io.ReadSeeker) (*Source, error) {
	return newSource(r, nil)
}

func newSource(r io.ReadSeeker, closer io.Closer) (*Source, error) {
	dir, err := readTIFFDirectory(r)
	if err != nil {
		return nil, err
	}

	s := &Source{
		r:         r,
		closer:    closer,
		order:     dir.order,
		cacheBand: -1,
		cacheRow:  -1,
	}

	s.width = int(dir.uintValue(tagImageWidth, 0))
	s.height = int(dir.uintValue(tagImageLength, 0))
	if s.width <= 0 || s.height <= 0 {
		return nil, fmt.Errorf("invalid raster dimensions: %dx%d", s.width, s.height)
	}

	s.bands = int(dir.uintValue(tagSamplesPerPixel, 1))
	if s.bands < 1 {
		return nil, fmt.Errorf("invalid band count: %d", s.bands)
	}

	s.bitsPerSample = int(dir.uintValue(tagBitsPerSample, 8))
	if s.bitsPerSample != 8 && s.bitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported sample depth: %d bits", s.bitsPerSample)
	}
	for _, sf := range dir.uintValues(tagSampleFormat) {
		if sf != 1 {
			return nil, fmt.Errorf("unsupported sample format: %d (only unsigned integers)", sf)
		}
	}
	if p := dir.uintValue(tagPredictor, 1); p != 1 {
		return nil, fmt.Errorf("unsupported predictor: %d", p)
	}

	s.planar = uint16(dir.uintValue(tagPlanarConfig, 1))
	if s.planar != 1 && s.planar != 2 {
		return nil, fmt.Errorf("unsupported planar configuration: %d", s.planar)
	}

	s.compression = uint16(dir.uintValue(tagCompression, compressionNone))
	switch s.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", s.compression)
	}

	if err := s.readLayout(dir); err != nil {
		return nil, err
	}

	geo, err := readGeoReference(dir)
	if err != nil {
		return nil, err
	}
	s.geo = geo

	return s, nil
}

// readLayout resolves the strip or tile structure of the image.
func (s *Source) readLayout(dir *tiffDirectory) error {
	tileOffsets := dir.uintValues(tagTileOffsets)
	stripOffsets := dir.uintValues(tagStripOffsets)

	switch {
	case tileOffsets != nil:
		s.tiled = true
		s.blockW = int(dir.uintValue(tagTileWidth, 256))
		s.blockH = int(dir.uintValue(tagTileLength, 256))
		s.offsets = tileOffsets
		s.counts = dir.uintValues(tagTileByteCounts)
	case stripOffsets != nil:
		s.blockW = s.width
		s.blockH = int(dir.uintValue(tagRowsPerStrip, uint64(s.height)))
		s.offsets = stripOffsets
		s.counts = dir.uintValues(tagStripByteCounts)
	default:
		return fmt.Errorf("image is neither tiled nor stripped")
	}

	if s.blockW <= 0 || s.blockH <= 0 {
		return fmt.Errorf("invalid block dimensions: %dx%d", s.blockW, s.blockH)
	}
	if len(s.counts) != len(s.offsets) {
		return fmt.Errorf("block offset/size mismatch: %d offsets, %d byte counts", len(s.offsets), len(s.counts))
	}

	s.blocksAcross = (s.width + s.blockW - 1) / s.blockW
	blocksDown := (s.height + s.blockH - 1) / s.blockH
	s.blocksPerBand = s.blocksAcross * blocksDown

	want := s.blocksPerBand
	if s.planar == 2 {
		want *= s.bands
	}
	if len(s.offsets) < want {
		return fmt.Errorf("truncated block index: have %d blocks, need %d", len(s.offsets), want)
	}

	s.cache = make([]uint16, s.width*s.blockH)
	return nil
}

// Width returns the raster width in pixels.
func (s *Source) Width() int { return s.width }

// Height returns the raster height in pixels.
func (s *Source) Height() int { return s.height }

// Bands returns the number of samples per pixel.
func (s *Source) Bands() int { return s.bands }

// GeoTransform returns the GDAL-style geotransform of the raster.
func (s *Source) GeoTransform() [6]float64 { return s.geo.Transform }

// CRS returns the spatial reference as "EPSG:nnnn", or "" when unknown.
func (s *Source) CRS() string { return s.geo.CRS() }

// Bounds returns the map-space bounding box.
func (s *Source) Bounds() orb.Bound { return s.geo.Bounds(s.width, s.height) }

// Footprint returns the raster outline polygon.
func (s *Source) Footprint() orb.Polygon { return s.geo.Footprint(s.width, s.height) }

// Close releases the underlying file handle, if any.
func (s *Source) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Band returns a RowReader view of one zero-based band.
func (s *Source) Band(band int) *Band {
	return &Band{src: s, band: band}
}

// Band adapts one band of a Source to the RowReader interface.
type Band struct {
	src  *Source
	band int
}

// Width returns the raster width in pixels.
func (b *Band) Width() int { return b.src.width }

// Height returns the raster height in pixels.
func (b *Band) Height() int { return b.src.height }

// ReadRow fills buf with row y of the band.
func (b *Band) ReadRow(y int, buf []uint16) error {
	return b.src.ReadRow(b.band, y, buf)
}

// ReadRow fills buf with row y of the given zero-based band.
func (s *Source) ReadRow(band, y int, buf []uint16) error {
	if band < 0 || band >= s.bands {
		return fmt.Errorf("band %d out of range [0,%d)", band, s.bands)
	}
	if y < 0 || y >= s.height {
		return fmt.Errorf("row %d out of range [0,%d)", y, s.height)
	}
	if len(buf) < s.width {
		return fmt.Errorf("row buffer too small: %d < %d", len(buf), s.width)
	}

	if s.cacheBand != band || y < s.cacheRow || y >= s.cacheRow+s.blockH {
		if err := s.loadBlockRow(band, y/s.blockH); err != nil {
			return err
		}
	}

	start := (y - s.cacheRow) * s.width
	copy(buf[:s.width], s.cache[start:start+s.width])
	return nil
}

// loadBlockRow decodes every block intersecting image rows
// [rowBlock*blockH, (rowBlock+1)*blockH) for one band into the cache.
func (s *Source) loadBlockRow(band, rowBlock int) error {
	s.cacheBand = -1
	rowsInBlock := s.blockH
	if remain := s.height - rowBlock*s.blockH; remain < rowsInBlock {
		rowsInBlock = remain
	}

	for bx := 0; bx < s.blocksAcross; bx++ {
		index := rowBlock*s.blocksAcross + bx
		if s.planar == 2 {
			index += band * s.blocksPerBand
		}

		decoded, borrowed, err := s.readBlock(index, rowsInBlock)
		if err != nil {
			return fmt.Errorf("failed to read block %d: %w", index, err)
		}
		s.scatterBlock(decoded, band, bx, rowsInBlock)
		if borrowed {
			putBlockBuffer(decoded)
		}
	}

	s.cacheBand = band
	s.cacheRow = rowBlock * s.blockH
	return nil
}

// readBlock reads and decompresses one strip or tile. The returned slice
// must go back to the pool when borrowed is true.
func (s *Source) readBlock(index, rowsInBlock int) ([]byte, bool, error) {
	bytesPerSample := s.bitsPerSample / 8
	samplesPerBlock := s.blockW * rowsInBlock
	if s.tiled {
		// Tiles are always padded to full size, strips may be short.
		samplesPerBlock = s.blockW * s.blockH
	}
	if s.planar == 1 {
		samplesPerBlock *= s.bands
	}
	expected := samplesPerBlock * bytesPerSample

	size := int(s.counts[index])
	compressed := getBlockBuffer(size)
	defer func() {
		if s.compression != compressionNone {
			putBlockBuffer(compressed)
		}
	}()

	if _, err := s.r.Seek(int64(s.offsets[index]), io.SeekStart); err != nil {
		return nil, false, fmt.Errorf("failed to seek to block: %w", err)
	}
	if _, err := io.ReadFull(s.r, compressed); err != nil {
		return nil, false, fmt.Errorf("failed to read block: %w", err)
	}

	switch s.compression {
	case compressionNone:
		if size < expected {
			putBlockBuffer(compressed)
			return nil, false, fmt.Errorf("block too short: %d bytes, expected %d", size, expected)
		}
		return compressed[:expected], true, nil

	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(compressed), lzw.MSB, 8)
		defer lr.Close()
		out := getBlockBuffer(expected)
		if _, err := io.ReadFull(lr, out); err != nil {
			putBlockBuffer(out)
			return nil, false, fmt.Errorf("failed to decompress LZW block: %w", err)
		}
		return out, true, nil

	case compressionDeflate, compressionDeflateOld:
		// TIFF Deflate is a zlib stream, but some writers emit raw deflate.
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err == zlib.ErrHeader {
			zr, err = flate.NewReader(bytes.NewReader(compressed)), nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to decompress Deflate block: %w", err)
		}
		defer zr.Close()
		out := getBlockBuffer(expected)
		if _, err := io.ReadFull(zr, out); err != nil {
			putBlockBuffer(out)
			return nil, false, fmt.Errorf("failed to decompress Deflate block: %w", err)
		}
		return out, true, nil
	}

	return nil, false, fmt.Errorf("unsupported compression type: %d", s.compression)
}

// scatterBlock copies the wanted band out of a decoded block into the row
// cache, clipping the partial rightmost tile column.
func (s *Source) scatterBlock(data []byte, band, bx, rowsInBlock int) {
	bytesPerSample := s.bitsPerSample / 8
	sampleStride := 1
	sampleBase := 0
	if s.planar == 1 {
		sampleStride = s.bands
		sampleBase = band
	}

	cols := s.blockW
	if limit := s.width - bx*s.blockW; cols > limit {
		cols = limit
	}

	for r := 0; r < rowsInBlock; r++ {
		dst := s.cache[r*s.width+bx*s.blockW:]
		rowBase := r * s.blockW * sampleStride
		for c := 0; c < cols; c++ {
			off := (rowBase + (c*sampleStride + sampleBase)) * bytesPerSample
			if bytesPerSample == 2 {
				dst[c] = s.order.Uint16(data[off : off+2])
			} else {
				dst[c] = uint16(data[off])
			}
		}
	}
}
