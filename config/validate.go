package config

import (
	"fmt"

	"github.com/geotiles/go-tilegrab/scheduler"
	"github.com/geotiles/go-tilegrab/tilepack"
)

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func validateLogLevel(level string) error {
	switch level {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return invalid("log.level", "must be one of: debug, info, warn, error")
	}
}

// Validate checks every field. Bounding box and zoom errors wrap
// tilepack.ErrInvalidBoundingBox and tilepack.ErrInvalidZoomRange.
func (c *Config) Validate() error {
	if err := validateLogLevel(c.Log.Level); err != nil {
		return err
	}

	if c.Layer == "" {
		return invalid("layer", "is required")
	}
	layer, ok := c.Layers[c.Layer]
	if !ok {
		return invalid("layer", "unknown layer %q", c.Layer)
	}
	if layer.Template() == "" {
		return invalid("layers."+c.Layer, "needs url or url_base")
	}

	if _, err := c.ZoomRange(); err != nil {
		return fmt.Errorf("zooms: %w", err)
	}
	if len(c.Regions) == 0 {
		if _, err := tilepack.ParseBbox(c.BBox); err != nil {
			return fmt.Errorf("bbox: %w", err)
		}
	}
	seen := make(map[string]bool, len(c.Regions))
	for i, r := range c.Regions {
		field := fmt.Sprintf("regions[%d]", i)
		if r.Name == "" {
			return invalid(field+".name", "is required")
		}
		slug := tilepack.Slug(r.Name)
		if seen[slug] {
			return invalid(field+".name", "duplicate region %q", r.Name)
		}
		seen[slug] = true
		if _, err := tilepack.ParseBbox(r.BBox); err != nil {
			return fmt.Errorf("%s.bbox: %w", field, err)
		}
	}

	if c.OutputDir == "" {
		return invalid("output_dir", "is required")
	}
	if _, err := scheduler.NewTrigger(c.Interval, c.Schedule); err != nil {
		return invalid("schedule", "%v", err)
	}
	if c.Pause < 0 {
		return invalid("pause", "must not be negative")
	}

	if c.Fetch.Workers < 1 {
		return invalid("fetch.workers", "must be at least 1")
	}
	if c.Fetch.MaxRetries < 1 {
		return invalid("fetch.max_retries", "must be at least 1")
	}
	if c.Fetch.Timeout <= 0 {
		return invalid("fetch.timeout", "must be positive")
	}
	if c.Fetch.Backoff < 0 || c.Fetch.MaxBackoff < c.Fetch.Backoff {
		return invalid("fetch.backoff", "must be non-negative and not above max_backoff")
	}
	if c.Fetch.Jitter < 0 || c.Fetch.Jitter > 1 {
		return invalid("fetch.jitter", "must be within [0, 1]")
	}

	if c.RateLimit.MaxInFlight < 1 {
		return invalid("rate_limit.max_in_flight", "must be at least 1")
	}
	if c.RateLimit.MinInterval < 0 {
		return invalid("rate_limit.min_interval", "must not be negative")
	}
	if c.Archive.BatchSize < 1 {
		return invalid("archive.batch_size", "must be at least 1")
	}
	return nil
}
