package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/geotiles/go-tilegrab/logger"
	"github.com/geotiles/go-tilegrab/tilepack"
)

// Average ortophoto tile size used for the download estimate.
const estimatedTileBytes = 20 * 1024

type onceFlags struct {
	layer    string
	bbox     string
	zooms    string
	output   string
	progress bool
}

func newOnceCommand(a *app) *cobra.Command {
	var f onceFlags

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Fetch one bounding box into one archive",
		Long: `Once fetches every tile of a bounding box over a zoom range into a single
MBTiles archive and exits. Running it again with the same --output resumes
an interrupted download.`,
		Example: `  tilegrab once --layer ORTO --bbox 20.65,52.41,20.76,52.46 --zooms 14-18
  tilegrab once --layer OSM --zooms 1-12 --output data/osm.mbtiles`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runOnce(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVarP(&f.layer, "layer", "l", "", "layer key from the config catalog")
	cmd.Flags().StringVarP(&f.bbox, "bbox", "b", "", "west,south,east,north in degrees")
	cmd.Flags().StringVarP(&f.zooms, "zooms", "z", "", "zoom range, e.g. 1-16")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "archive path (default: a new generation in output_dir)")
	cmd.Flags().BoolVar(&f.progress, "progress", true, "show a progress bar")
	return cmd
}

func (a *app) runOnce(parent context.Context, f onceFlags) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.layer != "" {
		a.cfg.Layer = f.layer
	}
	if f.bbox != "" {
		a.cfg.BBox = f.bbox
		a.cfg.Regions = nil
	}
	if f.zooms != "" {
		a.cfg.Zooms = f.zooms
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	bounds, err := tilepack.ParseBbox(a.cfg.BBox)
	if err != nil {
		return err
	}
	zooms, err := a.cfg.ZoomRange()
	if err != nil {
		return err
	}
	total, err := tilepack.CountTiles(bounds, zooms)
	if err != nil {
		return err
	}

	output, err := a.onceOutput(f.output, zooms)
	if err != nil {
		return err
	}

	a.logger.Info("Starting download",
		logger.String("layer", a.cfg.Layer),
		logger.String("bbox", bounds.String()),
		logger.String("zooms", zooms.String()),
		logger.Uint64("tiles", total),
		logger.String("estimated_size", formatBytes(total*estimatedTileBytes)),
		logger.String("output", output),
	)

	ctrl, err := a.newController(nil)
	if err != nil {
		return err
	}
	if f.progress {
		ctrl.SetProgress(newBarProgress(a.cfg.Layer))
	}

	rec := ctrl.Execute(ctx, bounds, zooms, output)
	if f.output == "" && errors.Is(rec.Err, tilepack.ErrStaleArchive) {
		output = tilepack.NewGenerationPath(a.cfg.OutputDir, tilepack.GenerationPrefix("", a.cfg.Layer), zooms, time.Now())
		a.logger.Warn("Unfinished archive cannot be resumed, starting a new one", logger.String("output", output), logger.Error(rec.Err))
		rec = ctrl.Execute(ctx, bounds, zooms, output)
	}
	if !rec.Finalized() {
		return rec.Err
	}
	if a.cfg.Archive.ExportPmtiles {
		if err := tilepack.ExportPmtiles(output, tilepack.PmtilesPath(output), a.logger); err != nil {
			return err
		}
	}
	if rec.Status == tilepack.RunPartialFailure {
		return fmt.Errorf("%d of %d tiles failed, archive finalized without them", rec.TilesFailed, rec.TilesRequested)
	}
	return nil
}

// onceOutput resumes an unfinished generation of the layer before naming a
// new one.
func (a *app) onceOutput(explicit string, zooms tilepack.ZoomRange) (string, error) {
	if explicit != "" {
		if dir := filepath.Dir(explicit); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", err
			}
		}
		return explicit, nil
	}

	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return "", err
	}
	prefix := tilepack.GenerationPrefix("", a.cfg.Layer)
	pending, ok, err := tilepack.PendingGeneration(a.cfg.OutputDir, prefix, zooms)
	if err != nil {
		return "", err
	}
	if ok {
		return pending, nil
	}
	return tilepack.NewGenerationPath(a.cfg.OutputDir, prefix, zooms, time.Now()), nil
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// barProgress draws run progress on stderr.
type barProgress struct {
	bar *progressbar.ProgressBar
}

func newBarProgress(description string) *barProgress {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("tiles"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
	return &barProgress{bar: bar}
}

func (p *barProgress) Start(total, done uint64) {
	p.bar.ChangeMax64(int64(total))
	_ = p.bar.Set64(int64(done))
}

func (p *barProgress) Advance(bool) {
	_ = p.bar.Add(1)
}

func (p *barProgress) Finish() {
	_ = p.bar.Finish()
}
