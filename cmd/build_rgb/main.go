// Command build_rgb converts a GLAD date-conf raster and its intensity
// raster into the three-band RGB GeoTIFF decoded by web map clients.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/wri/gladrgb"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:   "build_rgb <date_conf_raster> <intensity_raster> <output_raster>",
	Short: "Convert GLAD date-conf and intensity rasters into an RGB-encoded GeoTIFF",
	Args:  cobra.ExactArgs(3),
	RunE:  run,
}

func init() {
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	client := &fasthttp.Client{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	alerts, err := gladrgb.OpenSource(args[0], client)
	if err != nil {
		return fmt.Errorf("opening date-conf raster: %w", err)
	}
	defer alerts.Close()

	intensity, err := gladrgb.OpenSource(args[1], client)
	if err != nil {
		return fmt.Errorf("opening intensity raster: %w", err)
	}
	defer intensity.Close()

	originX, originY := alerts.GeoTransform()[0], alerts.GeoTransform()[3]
	pixelSize := alerts.GeoTransform()[1]
	log.Infow("opened inputs",
		"width", alerts.Width(),
		"height", alerts.Height(),
		"origin_x", originX,
		"origin_y", originY,
		"pixel_size", pixelSize,
		"crs", alerts.CRS(),
	)

	// The output declares Web Mercator regardless of the input projection;
	// pixel data and geotransform are carried over unmodified. This matches
	// what the downstream tile pipeline has always consumed.
	if crs := alerts.CRS(); crs != "" && crs != "EPSG:3857" {
		log.Warnf("input is %s; output will be labeled EPSG:3857 without reprojection", crs)
	}

	out, err := gladrgb.CreateSink(args[2], alerts.Width(), alerts.Height())
	if err != nil {
		return fmt.Errorf("creating output raster: %w", err)
	}
	out.SetGeoreference([6]float64{originX, pixelSize, 0, originY, 0, -pixelSize}, gladrgb.WebMercatorEPSG)

	if err := gladrgb.Convert(alerts.Band(0), intensity.Band(0), out, gladrgb.WithLogger(log)); err != nil {
		return fmt.Errorf("converting: %w", err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("finalizing output raster: %w", err)
	}

	log.Infow("wrote output", "path", args[2], "bounds", alerts.Bounds())
	return nil
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
