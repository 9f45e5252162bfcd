package gladrgb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// GeoKeys
const (
	gtModelTypeGeoKey     = 1024
	gtModelTypeProjected  = 1
	gtModelTypeGeographic = 2

	gtRasterTypeGeoKey      = 1025
	gtRasterTypePixelIsArea = 1

	geographicTypeGeoKey  = 2048
	projectedCSTypeGeoKey = 3072
)

// WebMercatorEPSG is the spatial reference declared on output rasters, the
// projection the downstream tiler serves in.
const WebMercatorEPSG = 3857

// GeoReference carries the georeferencing of a north-up raster: a GDAL-style
// six-element geotransform plus the EPSG code of its spatial reference.
//
// Transform is {originX, pixelWidth, 0, originY, 0, -pixelHeight}; rotated
// rasters are not supported.
type GeoReference struct {
	Transform [6]float64
	EPSG      int
}

// CRS returns the spatial reference in the "EPSG:nnnn" form, or "" when the
// raster carried no recognizable code.
func (g GeoReference) CRS() string {
	if g.EPSG == 0 {
		return ""
	}
	return fmt.Sprintf("EPSG:%d", g.EPSG)
}

// Origin returns the map coordinates of the top-left corner.
func (g GeoReference) Origin() (x, y float64) {
	return g.Transform[0], g.Transform[3]
}

// PixelSize returns the width of one pixel in map units.
func (g GeoReference) PixelSize() float64 {
	return g.Transform[1]
}

// Bounds returns the map-space bounding box of a raster of the given pixel
// dimensions.
func (g GeoReference) Bounds(width, height int) orb.Bound {
	minX := g.Transform[0]
	maxX := g.Transform[0] + float64(width)*g.Transform[1]
	maxY := g.Transform[3]
	minY := g.Transform[3] + float64(height)*g.Transform[5]
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	return orb.Bound{
		Min: orb.Point{minX, minY},
		Max: orb.Point{maxX, maxY},
	}
}

// Footprint returns the raster outline as a closed polygon ring.
func (g GeoReference) Footprint(width, height int) orb.Polygon {
	b := g.Bounds(width, height)
	if b.IsEmpty() {
		return orb.Polygon{}
	}
	return orb.Polygon{orb.Ring{
		{b.Min[0], b.Min[1]},
		{b.Max[0], b.Min[1]},
		{b.Max[0], b.Max[1]},
		{b.Min[0], b.Max[1]},
		{b.Min[0], b.Min[1]},
	}}
}

// ParseEPSGCode extracts the numeric code from an "EPSG:nnnn" CRS string.
func ParseEPSGCode(crs string) (int, error) {
	if strings.HasPrefix(crs, "EPSG:") {
		return strconv.Atoi(crs[5:])
	}
	return 0, fmt.Errorf("invalid CRS format: %s", crs)
}

// readGeoReference derives the geotransform and EPSG code from the GeoTIFF
// tags of a directory. ModelTiepoint plus ModelPixelScale is the only
// georeferencing model supported; rasters without either come back with a
// zero transform, which callers may treat as ungeoreferenced.
func readGeoReference(dir *tiffDirectory) (GeoReference, error) {
	var geo GeoReference

	scale := dir.floatValues(tagModelPixelScale)
	tie := dir.floatValues(tagModelTiepoint)
	if len(scale) >= 2 && len(tie) >= 6 {
		// Tie point maps pixel (tie[0], tie[1]) to map (tie[3], tie[4]).
		geo.Transform[0] = tie[3] - tie[0]*scale[0]
		geo.Transform[1] = scale[0]
		geo.Transform[3] = tie[4] + tie[1]*scale[1]
		geo.Transform[5] = -scale[1]
	}

	keys := dir.uintValues(tagGeoKeyDirectory)
	if len(keys) >= 4 {
		// Header is version, revision, minor revision, key count. Each key is
		// four SHORTs: id, location, count, value. Only inline values matter
		// for the EPSG code.
		numKeys := int(keys[3])
		var geographic, projected int
		for i := 4; i+3 < len(keys) && (i-4)/4 < numKeys; i += 4 {
			if keys[i+1] != 0 { // value stored in another tag
				continue
			}
			switch keys[i] {
			case geographicTypeGeoKey:
				geographic = int(keys[i+3])
			case projectedCSTypeGeoKey:
				projected = int(keys[i+3])
			}
		}
		if projected != 0 && projected != 32767 {
			geo.EPSG = projected
		} else if geographic != 0 && geographic != 32767 {
			geo.EPSG = geographic
		}
	}

	return geo, nil
}
