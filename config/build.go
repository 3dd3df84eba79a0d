package config

import (
	"fmt"

	"github.com/geotiles/go-tilegrab/logger"
	"github.com/geotiles/go-tilegrab/scheduler"
	"github.com/geotiles/go-tilegrab/tilepack"
)

func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:       c.Log.Level,
		Console:     c.Log.Console,
		OutputPaths: c.Log.OutputPaths,
	}
}

// SelectedLayer returns the layer named by Layer.
func (c *Config) SelectedLayer() (LayerConfig, error) {
	layer, ok := c.Layers[c.Layer]
	if !ok {
		return LayerConfig{}, invalid("layer", "unknown layer %q", c.Layer)
	}
	if layer.Name == "" {
		layer.Name = c.Layer
	}
	return layer, nil
}

func (c *Config) ZoomRange() (tilepack.ZoomRange, error) {
	return tilepack.ParseZoomRange(c.Zooms)
}

func (c *Config) FetcherOptions() (tilepack.HTTPFetcherOptions, error) {
	layer, err := c.SelectedLayer()
	if err != nil {
		return tilepack.HTTPFetcherOptions{}, err
	}
	return tilepack.HTTPFetcherOptions{
		URLTemplate: layer.Template(),
		Servers:     layer.Servers,
		Layer:       layer.LayerParam,
		Timeout:     c.Fetch.Timeout,
		UserAgent:   c.Fetch.UserAgent,
		Accept:      layer.mimeType(),
		Headers:     layer.Headers,
	}, nil
}

func (c *Config) RateLimitOptions() tilepack.RateLimitOptions {
	return tilepack.RateLimitOptions{
		MaxInFlight: c.RateLimit.MaxInFlight,
		MinInterval: c.RateLimit.MinInterval,
		Burst:       c.RateLimit.Burst,
	}
}

func (c *Config) PoolOptions() tilepack.PoolOptions {
	backoff := tilepack.DefaultBackoff()
	backoff.Base = c.Fetch.Backoff
	backoff.Max = c.Fetch.MaxBackoff
	backoff.Jitter = c.Fetch.Jitter
	return tilepack.PoolOptions{
		Workers:    c.Fetch.Workers,
		MaxRetries: c.Fetch.MaxRetries,
		Backoff:    backoff,
	}
}

func (c *Config) RunOptions() (tilepack.RunOptions, error) {
	layer, err := c.SelectedLayer()
	if err != nil {
		return tilepack.RunOptions{}, err
	}
	return tilepack.RunOptions{
		Name:        layer.Name,
		Description: fmt.Sprintf("Layer: %s, Zoom: %s", c.Layer, c.Zooms),
		Attribution: layer.Attribution,
		Format:      layer.ArchiveFormat(),
		Pool:        c.PoolOptions(),
		BatchSize:   c.Archive.BatchSize,
	}, nil
}

func (c *Config) SchedulerOptions() scheduler.Options {
	return scheduler.Options{
		OutputDir:    c.OutputDir,
		Interval:     c.Interval,
		Cron:         c.Schedule,
		Pause:        c.Pause,
		HistoryLimit: c.History,
	}
}

// Targets returns one scheduler target per region, or a single unnamed
// target over BBox when no regions are configured.
func (c *Config) Targets(exec scheduler.Executor) ([]scheduler.Target, error) {
	zooms, err := c.ZoomRange()
	if err != nil {
		return nil, err
	}

	if len(c.Regions) == 0 {
		bounds, err := tilepack.ParseBbox(c.BBox)
		if err != nil {
			return nil, err
		}
		return []scheduler.Target{{Layer: c.Layer, Bounds: bounds, Zooms: zooms, Executor: exec}}, nil
	}

	targets := make([]scheduler.Target, 0, len(c.Regions))
	for _, r := range c.Regions {
		bounds, err := tilepack.ParseBbox(r.BBox)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", r.Name, err)
		}
		targets = append(targets, scheduler.Target{
			Region:   r.Name,
			Layer:    c.Layer,
			Bounds:   bounds,
			Zooms:    zooms,
			Executor: exec,
		})
	}
	return targets, nil
}
