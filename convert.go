package gladrgb

import (
	"fmt"

	"go.uber.org/zap"
)

// RowReader supplies rows of uint16 samples from one raster band.
// Source.Band returns the concrete implementation for GeoTIFF inputs.
type RowReader interface {
	Width() int
	Height() int
	// ReadRow fills buf with row y. buf must hold Width() samples.
	ReadRow(y int, buf []uint16) error
}

// RowWriter persists rows of byte samples into a multi-band raster.
// Sink is the concrete implementation for tiled GeoTIFF output.
type RowWriter interface {
	WriteRow(band, y int, row []uint8) error
}

// ConvertOption configures a Convert run.
type ConvertOption func(*converter)

// WithLogger attaches a logger for progress reporting. Without it the
// conversion is silent.
func WithLogger(log *zap.SugaredLogger) ConvertOption {
	return func(c *converter) { c.log = log }
}

// logEvery is the row interval between progress log lines.
const logEvery = 4096

type converter struct {
	log *zap.SugaredLogger
}

// Convert streams every row of the two input bands through EncodePixel and
// writes the three output channels to out as bands 0, 1 and 2.
//
// Rows are processed exactly once, top to bottom, with one reusable buffer
// per band, so memory stays bounded regardless of raster height. Any read or
// write failure aborts the run; no partial output is considered valid.
func Convert(alerts, intensity RowReader, out RowWriter, opts ...ConvertOption) error {
	var c converter
	for _, opt := range opts {
		opt(&c)
	}

	width, height := alerts.Width(), alerts.Height()
	if iw, ih := intensity.Width(), intensity.Height(); iw != width || ih != height {
		return fmt.Errorf("input rasters are not aligned: date-conf is %dx%d, intensity is %dx%d",
			width, height, iw, ih)
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid raster dimensions: %dx%d", width, height)
	}

	alertRow := make([]uint16, width)
	intensityRow := make([]uint16, width)
	dayRow := make([]uint8, width)
	confRow := make([]uint8, width)
	intensityOut := make([]uint8, width)

	for y := 0; y < height; y++ {
		if err := alerts.ReadRow(y, alertRow); err != nil {
			return fmt.Errorf("failed to read date-conf row %d: %w", y, err)
		}
		if err := intensity.ReadRow(y, intensityRow); err != nil {
			return fmt.Errorf("failed to read intensity row %d: %w", y, err)
		}

		for x := 0; x < width; x++ {
			px := EncodePixel(alertRow[x], intensityRow[x])
			dayRow[x] = px.Day
			confRow[x] = px.Conf
			intensityOut[x] = px.Intensity
		}

		if err := out.WriteRow(0, y, dayRow); err != nil {
			return fmt.Errorf("failed to write day row %d: %w", y, err)
		}
		if err := out.WriteRow(1, y, confRow); err != nil {
			return fmt.Errorf("failed to write confidence row %d: %w", y, err)
		}
		if err := out.WriteRow(2, y, intensityOut); err != nil {
			return fmt.Errorf("failed to write intensity row %d: %w", y, err)
		}

		if c.log != nil && (y+1)%logEvery == 0 {
			c.log.Infof("processed %d/%d rows", y+1, height)
		}
	}

	if c.log != nil {
		c.log.Infof("converted %d rows of %d pixels", height, width)
	}
	return nil
}
