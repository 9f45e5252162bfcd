package gladrgb_test

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/wri/gladrgb"
)

// testEntry mirrors one IFD entry of the little-endian uint16 test fixtures.
type testEntry struct {
	tag       uint16
	fieldType uint16
	count     uint32
	value     []byte
}

func shortVal(values ...uint16) []byte {
	raw := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(raw[i*2:], v)
	}
	return raw
}

func longVal(values ...uint32) []byte {
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[i*4:], v)
	}
	return raw
}

func doubleVal(values ...float64) []byte {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	return raw
}

// writeUint16GeoTIFF writes a minimal single-band, single-strip,
// uncompressed GeoTIFF the way GDAL lays out small uint16 rasters.
func writeUint16GeoTIFF(t *testing.T, path string, width, height int, pixels []uint16, gt [6]float64, epsg uint16) {
	t.Helper()

	data := make([]byte, width*height*2)
	for i, v := range pixels {
		binary.LittleEndian.PutUint16(data[i*2:], v)
	}
	ifdOffset := uint32(8 + len(data))

	entries := []testEntry{
		{256, 4, 1, longVal(uint32(width))},
		{257, 4, 1, longVal(uint32(height))},
		{258, 3, 1, shortVal(16)},
		{259, 3, 1, shortVal(1)},
		{262, 3, 1, shortVal(1)},
		{273, 4, 1, longVal(8)},
		{277, 3, 1, shortVal(1)},
		{278, 4, 1, longVal(uint32(height))},
		{279, 4, 1, longVal(uint32(len(data)))},
		{339, 3, 1, shortVal(1)},
		{33550, 12, 3, doubleVal(gt[1], -gt[5], 0)},
		{33922, 12, 6, doubleVal(0, 0, 0, gt[0], gt[3], 0)},
		{34735, 3, 12, shortVal(1, 1, 0, 2, 1024, 0, 1, 1, 3072, 0, 1, epsg)},
	}

	out := make([]byte, 0, len(data)+512)
	out = binary.LittleEndian.AppendUint16(out, 0x4949)
	out = binary.LittleEndian.AppendUint16(out, 42)
	out = binary.LittleEndian.AppendUint32(out, ifdOffset)
	out = append(out, data...)

	spillStart := ifdOffset + 2 + uint32(len(entries))*12 + 4
	var spill []byte
	out = binary.LittleEndian.AppendUint16(out, uint16(len(entries)))
	for _, e := range entries {
		out = binary.LittleEndian.AppendUint16(out, e.tag)
		out = binary.LittleEndian.AppendUint16(out, e.fieldType)
		out = binary.LittleEndian.AppendUint32(out, e.count)
		var inline [4]byte
		if len(e.value) <= 4 {
			copy(inline[:], e.value)
		} else {
			binary.LittleEndian.PutUint32(inline[:], spillStart+uint32(len(spill)))
			spill = append(spill, e.value...)
		}
		out = append(out, inline[:]...)
	}
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = append(out, spill...)

	if err := os.WriteFile(path, out, 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
}

func TestSourceReadsStrippedUint16(t *testing.T) {
	const width, height = 70, 9
	gt := [6]float64{20.0, 0.00025, 0, 10.0, 0, -0.00025}

	pixels := make([]uint16, width*height)
	for i := range pixels {
		pixels[i] = uint16((i * 97) % 65536)
	}

	path := filepath.Join(t.TempDir(), "alerts.tif")
	writeUint16GeoTIFF(t, path, width, height, pixels, gt, 3857)

	src, err := gladrgb.OpenSource(path, nil)
	if err != nil {
		t.Fatalf("OpenSource failed: %v", err)
	}
	defer src.Close()

	if src.Width() != width || src.Height() != height {
		t.Fatalf("got %dx%d, want %dx%d", src.Width(), src.Height(), width, height)
	}
	if src.Bands() != 1 {
		t.Fatalf("got %d bands, want 1", src.Bands())
	}
	if src.CRS() != "EPSG:3857" {
		t.Errorf("got CRS %q, want EPSG:3857", src.CRS())
	}
	for i, v := range src.GeoTransform() {
		if math.Abs(v-gt[i]) > 1e-12 {
			t.Errorf("geotransform[%d] = %v, want %v", i, v, gt[i])
		}
	}

	bounds := src.Bounds()
	if math.Abs(bounds.Min[0]-20.0) > 1e-9 || math.Abs(bounds.Max[1]-10.0) > 1e-9 {
		t.Errorf("unexpected bounds: %+v", bounds)
	}

	band := src.Band(0)
	row := make([]uint16, width)
	for y := 0; y < height; y++ {
		if err := band.ReadRow(y, row); err != nil {
			t.Fatalf("ReadRow(%d) failed: %v", y, err)
		}
		for x := 0; x < width; x++ {
			if row[x] != pixels[y*width+x] {
				t.Fatalf("pixel (%d,%d) = %d, want %d", x, y, row[x], pixels[y*width+x])
			}
		}
	}

	if err := band.ReadRow(height, row); err == nil {
		t.Error("expected error for out-of-range row")
	}
	if err := src.ReadRow(1, 0, row); err == nil {
		t.Error("expected error for out-of-range band")
	}
}

func TestOpenSourceMissingFile(t *testing.T) {
	if _, err := gladrgb.OpenSource(filepath.Join(t.TempDir(), "nope.tif"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// TestConvertEndToEnd runs the full pipeline over rasters wide and tall
// enough to exercise partial edge tiles, then reads the tiled Deflate output
// back and checks every pixel against the codec.
func TestConvertEndToEnd(t *testing.T) {
	const width, height = 300, 270
	gt := [6]float64{-6000000, 30, 0, 4000000, 0, -30}
	dir := t.TempDir()

	alerts := make([]uint16, width*height)
	intensity := make([]uint16, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			switch x % 4 {
			case 0:
				alerts[i] = uint16(i % 20000) // no alert
			case 1:
				alerts[i] = uint16(20000 + (y*31+x)%10000) // provisional
			case 2:
				alerts[i] = uint16(30000 + (y*17+x)%10000) // confirmed
			default:
				alerts[i] = 39999
			}
			intensity[i] = uint16((x * y) % 300)
		}
	}

	alertsPath := filepath.Join(dir, "date_conf.tif")
	intensityPath := filepath.Join(dir, "intensity.tif")
	outPath := filepath.Join(dir, "rgb.tif")
	writeUint16GeoTIFF(t, alertsPath, width, height, alerts, gt, 3857)
	writeUint16GeoTIFF(t, intensityPath, width, height, intensity, gt, 3857)

	alertsSrc, err := gladrgb.OpenSource(alertsPath, nil)
	if err != nil {
		t.Fatalf("opening alerts: %v", err)
	}
	defer alertsSrc.Close()
	intensitySrc, err := gladrgb.OpenSource(intensityPath, nil)
	if err != nil {
		t.Fatalf("opening intensity: %v", err)
	}
	defer intensitySrc.Close()

	sink, err := gladrgb.CreateSink(outPath, width, height)
	if err != nil {
		t.Fatalf("creating sink: %v", err)
	}
	sink.SetGeoreference(gt, gladrgb.WebMercatorEPSG)

	if err := gladrgb.Convert(alertsSrc.Band(0), intensitySrc.Band(0), sink); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("closing sink: %v", err)
	}

	out, err := gladrgb.OpenSource(outPath, nil)
	if err != nil {
		t.Fatalf("reopening output: %v", err)
	}
	defer out.Close()

	if out.Width() != width || out.Height() != height {
		t.Fatalf("output is %dx%d, want %dx%d", out.Width(), out.Height(), width, height)
	}
	if out.Bands() != 3 {
		t.Fatalf("output has %d bands, want 3", out.Bands())
	}
	if out.CRS() != "EPSG:3857" {
		t.Errorf("output CRS %q, want EPSG:3857", out.CRS())
	}
	for i, v := range out.GeoTransform() {
		if math.Abs(v-gt[i]) > 1e-6 {
			t.Errorf("output geotransform[%d] = %v, want %v", i, v, gt[i])
		}
	}

	day := make([]uint16, width)
	conf := make([]uint16, width)
	inten := make([]uint16, width)
	for y := 0; y < height; y++ {
		if err := out.ReadRow(0, y, day); err != nil {
			t.Fatalf("reading day row %d: %v", y, err)
		}
		if err := out.ReadRow(1, y, conf); err != nil {
			t.Fatalf("reading conf row %d: %v", y, err)
		}
		if err := out.ReadRow(2, y, inten); err != nil {
			t.Fatalf("reading intensity row %d: %v", y, err)
		}
		for x := 0; x < width; x++ {
			i := y*width + x
			want := gladrgb.EncodePixel(alerts[i], intensity[i])
			got := gladrgb.Pixel{Day: uint8(day[x]), Conf: uint8(conf[x]), Intensity: uint8(inten[x])}
			if got != want {
				t.Fatalf("pixel (%d,%d): got %+v, want %+v (alert=%d intensity=%d)",
					x, y, got, want, alerts[i], intensity[i])
			}
		}
	}
}
