package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/geotiles/go-tilegrab/logger"
	"github.com/geotiles/go-tilegrab/tilepack"
)

func newEnsureMetadataCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-metadata archive.mbtiles...",
		Short: "Recompute bounds, center and zoom metadata from stored tiles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				meta, err := tilepack.AssignSpatialMetadata(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				bounds, _ := meta.Get("bounds")
				minZoom, _ := meta.Get("minzoom")
				maxZoom, _ := meta.Get("maxzoom")
				a.logger.Info("Updated metadata",
					logger.String("path", path),
					logger.String("bounds", bounds),
					logger.String("minzoom", minZoom),
					logger.String("maxzoom", maxZoom),
				)
			}
			return nil
		},
	}
}

func newExportCommand(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export-pmtiles archive.mbtiles",
		Short: "Convert a finalized archive to PMTiles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			dst := output
			if dst == "" {
				dst = tilepack.PmtilesPath(src)
			}
			return tilepack.ExportPmtiles(src, dst, a.logger)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "PMTiles path (default: next to the archive)")
	return cmd
}

func newMergeCommand(a *app) *cobra.Command {
	var (
		output      string
		name        string
		description string
	)

	cmd := &cobra.Command{
		Use:   "merge --output merged.mbtiles archive.mbtiles...",
		Short: "Combine finalized archives, e.g. the regions of one generation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return fmt.Errorf("--output is required")
			}
			_, err := tilepack.MergeArchives(output, args, tilepack.FinalizeOptions{
				Name:        name,
				Description: description,
			}, a.logger)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "merged archive path")
	cmd.Flags().StringVar(&name, "name", "", "metadata name (default: from the first archive)")
	cmd.Flags().StringVar(&description, "description", "", "metadata description")
	return cmd
}

func newExportDirCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export-dir archive.mbtiles directory",
		Short: "Write every tile of a finalized archive to directory/{z}/{x}/{y}.{ext}",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := tilepack.ExportDirectory(args[0], args[1], a.logger)
			return err
		},
	}
}
