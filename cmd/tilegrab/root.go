package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/geotiles/go-tilegrab/config"
	"github.com/geotiles/go-tilegrab/logger"
	"github.com/geotiles/go-tilegrab/metrics"
	"github.com/geotiles/go-tilegrab/tilepack"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfgFile  string
	logLevel string

	cfg    *config.Config
	logger logger.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "tilegrab",
		Short:         "Harvest map tiles into MBTiles generations",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", config.GetConfigPath(""), "YAML config file (TILEGRAB_CONFIG)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newRunCommand(a),
		newOnceCommand(a),
		newServeCommand(a),
		newEnsureMetadataCommand(a),
		newExportCommand(a),
		newMergeCommand(a),
		newExportDirCommand(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	log, err := logger.New(cfg.Logger())
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	a.cfg = cfg
	a.logger = log
	return nil
}

// newController wires an HTTP fetcher, a shared rate limiter and the run
// options of the selected layer.
func (a *app) newController(m *metrics.Metrics) (*tilepack.RunController, error) {
	fopts, err := a.cfg.FetcherOptions()
	if err != nil {
		return nil, err
	}
	fetcher, err := tilepack.NewHTTPFetcher(fopts)
	if err != nil {
		return nil, err
	}
	ropts, err := a.cfg.RunOptions()
	if err != nil {
		return nil, err
	}

	limiter := tilepack.NewRateLimiter(a.cfg.RateLimitOptions())
	log := a.logger.With(logger.String("layer", a.cfg.Layer))
	return tilepack.NewRunController(fetcher, limiter, ropts, log, m), nil
}
