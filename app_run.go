package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"imagery-timelapse/internal/common"
	"imagery-timelapse/internal/config"
	"imagery-timelapse/internal/fetcher"
	"imagery-timelapse/internal/pipeline"
	"imagery-timelapse/internal/region"
)

// DefaultWidth is the frame width used when --width is not given
const DefaultWidth = 1000

// runOptions holds the flags of the run command
type runOptions struct {
	bbox         string
	roi          string
	labels       []string
	start        int
	end          int
	discover     bool
	width        int
	height       int
	layer        string
	sinks        string
	fps          int
	concurrency  int
	output       string
	name         string
	batchSize    int
	codec        string
	memoryBudget int
	noLabel      bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch frames for a region and encode the timelapse",
		Long: `Run plans one GetMap request per time label, fetches them with a bounded
number of requests in flight, drops the frames that failed and encodes the
rest into every requested sink.

The region is either --bbox (service CRS, xmin,ymin,xmax,ymax) or --roi, a
GeoJSON, KML/KMZ or zipped shapefile whose coordinates are already in the
service CRS. KML is always longitude/latitude, so it only suits a WGS84 layer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTimelapse(cmd, opts)
		},
	}
	bindRunFlags(cmd, opts)
	return cmd
}

func bindRunFlags(cmd *cobra.Command, opts *runOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.bbox, "bbox", "", "Bounding box xmin,ymin,xmax,ymax in the service CRS")
	f.StringVar(&opts.roi, "roi", "", "Region file (.geojson, .kml, .kmz or zipped shapefile .zip) whose extent is the region")
	f.StringSliceVar(&opts.labels, "labels", nil, "Explicit time labels (overrides --start/--end)")
	f.IntVar(&opts.start, "start", 0, "First year (default: first catalog year)")
	f.IntVar(&opts.end, "end", 0, "Last year (default: last catalog year)")
	f.BoolVar(&opts.discover, "discover", false, "Read the time labels from the service's capabilities")
	f.IntVar(&opts.width, "width", DefaultWidth, "Frame width in pixels")
	f.IntVar(&opts.height, "height", 0, "Frame height in pixels (default: keep the region's aspect ratio)")
	f.StringVar(&opts.layer, "layer", "", "WMS layer (default from config)")
	f.StringVar(&opts.sinks, "sinks", "", "Outputs: gif, video, archive or all (default from config)")
	f.IntVar(&opts.fps, "fps", 0, "Frames per second (default from config)")
	f.IntVar(&opts.concurrency, "concurrency", 0, "Maximum requests in flight (default from config)")
	f.StringVarP(&opts.output, "output", "o", "", "Output directory (default: new temp directory)")
	f.StringVar(&opts.name, "name", "", "File name prefix (default: derived from layer, years and region)")
	f.IntVar(&opts.batchSize, "batch-size", 0, "Frames per archive, 0 = one archive")
	f.StringVar(&opts.codec, "codec", "", "Video codec: auto, h264 or mjpeg")
	f.IntVar(&opts.memoryBudget, "memory-budget-mb", 0, "Stop fetching once decoded frames exceed this size")
	f.BoolVar(&opts.noLabel, "no-label", false, "Do not draw the time label on frames")
	cmd.MarkFlagsMutuallyExclusive("bbox", "roi")
}

// applyTo overrides settings with the flags that were set explicitly
func (o *runOptions) applyTo(cmd *cobra.Command, s *config.Settings) error {
	changed := cmd.Flags().Changed
	if o.layer != "" {
		s.WMS.Layer = o.layer
		s.WMS.Format = ""
	}
	if o.sinks != "" {
		s.Encode.Sinks = splitList([]string{o.sinks})
	}
	if changed("fps") {
		s.Encode.FrameRate = o.fps
	}
	if changed("concurrency") {
		s.Fetch.Concurrency = o.concurrency
	}
	if o.output != "" {
		s.OutputDir = o.output
	}
	if changed("batch-size") {
		s.Encode.ArchiveBatchSize = o.batchSize
	}
	if o.codec != "" {
		s.Encode.VideoCodec = o.codec
	}
	if changed("memory-budget-mb") {
		s.Fetch.MemoryBudgetMB = o.memoryBudget
	}
	if o.noLabel {
		s.Annotate.Enabled = false
	}
	return s.Validate()
}

// region resolves the bounding box from --bbox or --roi
func (o *runOptions) region() (common.BoundingBox, error) {
	switch {
	case o.bbox != "":
		return common.ParseBoundingBox(o.bbox)
	case o.roi != "":
		return region.Load(o.roi)
	default:
		return common.BoundingBox{}, fmt.Errorf("a region is required: use --bbox or --roi")
	}
}

func runTimelapse(cmd *cobra.Command, opts *runOptions) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if err := opts.applyTo(cmd, settings); err != nil {
		return err
	}

	bbox, err := opts.region()
	if err != nil {
		return err
	}
	if region.LooksGeographic(bbox) && settings.WMS.CRS != "EPSG:4326" {
		log.Warn().Str("bbox", bbox.String()).Str("crs", settings.WMS.CRS).
			Msg("Region looks like longitude/latitude, the service expects projected coordinates")
	}
	height := opts.height
	if height == 0 {
		height = region.HeightForWidth(bbox, opts.width)
	}

	sinks, err := settings.SinkSet()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	app, err := NewApp(settings)
	if err != nil {
		return err
	}
	defer app.Shutdown()

	labels, err := app.ResolveLabels(ctx, splitList(opts.labels), opts.start, opts.end, opts.discover)
	if err != nil {
		return err
	}

	bar := newFetchBar(len(labels), quietFlag)
	result, err := app.runJob(ctx, pipeline.Job{
		BBox:             bbox,
		Width:            opts.width,
		Height:           height,
		Labels:           labels,
		Sinks:            sinks,
		FrameRate:        settings.Encode.FrameRate,
		ConcurrencyLimit: settings.Fetch.Concurrency,
		BaseName:         opts.name,
	}, func(p fetcher.Progress) {
		if bar != nil {
			_ = bar.Set(p.Completed)
		}
	}, func(stage pipeline.Stage, message string) {
		if stage == pipeline.StageEncode && bar != nil {
			_ = bar.Finish()
		}
		log.Info().Str("stage", string(stage)).Msg(message)
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		app.reportRateLimit()
		return err
	}

	printResult(cmd.OutOrStdout(), result)
	app.reportRateLimit()
	return nil
}

// runJob runs one job into the configured output directory. A temp directory
// created for the run is removed again when the run fails.
func (a *App) runJob(ctx context.Context, job pipeline.Job, progress func(fetcher.Progress), onStage func(pipeline.Stage, string)) (result *pipeline.Result, err error) {
	outputDir, err := a.outputDir()
	if err != nil {
		return nil, err
	}
	if a.settings.OutputDir == "" {
		defer func() {
			if err == nil {
				return
			}
			if rmErr := os.RemoveAll(outputDir); rmErr != nil {
				log.Debug().Err(rmErr).Str("dir", outputDir).Msg("Failed to remove output directory")
			}
		}()
	}

	p, err := a.NewPipeline(ctx, progress, onStage)
	if err != nil {
		return nil, err
	}
	job.OutputDir = outputDir
	return p.Run(ctx, job)
}

func newFetchBar(total int, quiet bool) *progressbar.ProgressBar {
	if quiet || total == 0 {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Fetching frames"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionClearOnFinish(),
	)
}

// printResult writes a short human-readable summary of a run
func printResult(w io.Writer, result *pipeline.Result) {
	fmt.Fprintf(w, "Frames: %d of %d", len(result.Frames), result.Requested)
	if n := len(result.Missing); n > 0 {
		fmt.Fprintf(w, " (%d missing)", n)
	}
	fmt.Fprintln(w)

	for _, kind := range common.AllSinks {
		out, ok := result.Encoded.Outputs[kind]
		if !ok {
			continue
		}
		if out.Err != nil {
			fmt.Fprintf(w, "  %-8s failed: %v\n", kind, out.Err)
			continue
		}
		for _, a := range out.Artifacts {
			location := a.Location
			if location == "" {
				location = a.Path
			}
			fmt.Fprintf(w, "  %-8s %s (%d frames, %.1f MB)\n",
				kind, location, a.FrameCount, float64(a.SizeBytes)/1024/1024)
		}
		if out.PublishErr != nil {
			fmt.Fprintf(w, "  %-8s publish failed, kept in %s: %v\n",
				kind, filepath.Dir(out.Artifacts[0].Path), out.PublishErr)
		}
	}
}
