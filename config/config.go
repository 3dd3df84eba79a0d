// Package config holds the single validated configuration of a tilegrab
// process: which layer to harvest, where, how often and how politely.
//
// Values come from three places, later ones winning:
//
//  1. Default()
//  2. the YAML file passed to Load
//  3. TILEGRAB_* environment variables, also read from .env files
//
// Example file:
//
//	layer: ORTO
//	zooms: 1-16
//	output_dir: /data/tiles
//	schedule: "0 3 * * *"
//	regions:
//	  - name: Mazowieckie
//	    bbox: 19.25,51.01,23.13,53.48
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the whole process configuration.
type Config struct {
	Log LogConfig `yaml:"log"`

	// Layer selects an entry of Layers.
	Layer  string                 `yaml:"layer" env:"TILEGRAB_LAYER"`
	Layers map[string]LayerConfig `yaml:"layers"`

	// BBox is "west,south,east,north" in degrees. It is used when Regions is empty.
	BBox    string         `yaml:"bbox" env:"TILEGRAB_BBOX"`
	Zooms   string         `yaml:"zooms" env:"TILEGRAB_ZOOMS"`
	Regions []RegionConfig `yaml:"regions"`

	OutputDir string `yaml:"output_dir" env:"TILEGRAB_OUTPUT_DIR"`
	// Schedule is a five field cron expression. It wins over Interval.
	Interval time.Duration `yaml:"interval" env:"TILEGRAB_INTERVAL"`
	Schedule string        `yaml:"schedule" env:"TILEGRAB_SCHEDULE"`
	Pause    time.Duration `yaml:"pause" env:"TILEGRAB_PAUSE"`
	History  int           `yaml:"history"`

	Fetch     FetchConfig     `yaml:"fetch"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Publish   PublishConfig   `yaml:"publish"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LogConfig struct {
	Level       string   `yaml:"level" env:"TILEGRAB_LOG_LEVEL"`
	Console     bool     `yaml:"console" env:"TILEGRAB_LOG_CONSOLE"`
	OutputPaths []string `yaml:"output_paths"`
}

// LayerConfig describes one upstream tile source. Either URL is a complete
// template, or URLBase points at a WMTS endpoint and the KVP GetTile
// template is built from LayerParam and Format.
type LayerConfig struct {
	Name        string            `yaml:"name"`
	URL         string            `yaml:"url"`
	URLBase     string            `yaml:"url_base"`
	LayerParam  string            `yaml:"layer_param"`
	Format      string            `yaml:"format"`
	Servers     []string          `yaml:"servers"`
	Attribution string            `yaml:"attribution"`
	Headers     map[string]string `yaml:"headers"`
}

const wmtsQuery = "?SERVICE=WMTS&REQUEST=GetTile&VERSION=1.0.0" +
	"&LAYER={layer}&STYLE=default&FORMAT=%s" +
	"&TILEMATRIXSET=EPSG:3857&TILEMATRIX=EPSG:3857:{z}" +
	"&TILEROW={y}&TILECOL={x}"

// Template returns the tile URL template of the layer.
func (l LayerConfig) Template() string {
	if l.URL != "" {
		return l.URL
	}
	if l.URLBase == "" {
		return ""
	}
	return l.URLBase + fmt.Sprintf(wmtsQuery, l.mimeType())
}

func (l LayerConfig) mimeType() string {
	if l.Format == "" {
		return "image/png"
	}
	if !strings.Contains(l.Format, "/") {
		return "image/" + l.Format
	}
	return l.Format
}

// ArchiveFormat is the MBTiles "format" value for the layer's images.
func (l LayerConfig) ArchiveFormat() string {
	switch strings.TrimPrefix(l.mimeType(), "image/") {
	case "jpeg", "jpg":
		return "jpg"
	case "webp":
		return "webp"
	default:
		return "png"
	}
}

type RegionConfig struct {
	Name string `yaml:"name"`
	BBox string `yaml:"bbox"`
}

type FetchConfig struct {
	Workers    int           `yaml:"workers" env:"TILEGRAB_WORKERS"`
	Timeout    time.Duration `yaml:"timeout" env:"TILEGRAB_TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"TILEGRAB_MAX_RETRIES"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	Jitter     float64       `yaml:"jitter"`
	UserAgent  string        `yaml:"user_agent" env:"TILEGRAB_USER_AGENT"`
}

type RateLimitConfig struct {
	MaxInFlight int           `yaml:"max_in_flight" env:"TILEGRAB_MAX_IN_FLIGHT"`
	MinInterval time.Duration `yaml:"min_interval" env:"TILEGRAB_MIN_INTERVAL"`
	Burst       int           `yaml:"burst"`
}

type ArchiveConfig struct {
	BatchSize     int  `yaml:"batch_size"`
	ExportPmtiles bool `yaml:"export_pmtiles" env:"TILEGRAB_EXPORT_PMTILES"`
}

// PublishConfig uploads finalized generations when BucketURL is set, e.g.
// "s3://bucket?region=eu-central-1" or "file:///srv/tiles".
type PublishConfig struct {
	BucketURL string `yaml:"bucket_url" env:"TILEGRAB_PUBLISH_BUCKET"`
	Prefix    string `yaml:"prefix" env:"TILEGRAB_PUBLISH_PREFIX"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"TILEGRAB_METRICS_ADDR"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:   LogConfig{Level: "info"},
		Layer: "ORTO",
		Layers: map[string]LayerConfig{
			"ORTO": {
				Name:        "Ortofotomapa",
				URLBase:     "https://mapy.geoportal.gov.pl/wss/service/PZGIK/ORTO/WMTS/StandardResolution",
				LayerParam:  "ORTOFOTOMAPA",
				Format:      "image/jpeg",
				Attribution: "Główny Urząd Geodezji i Kartografii",
			},
			"OSM": {
				Name:        "OpenStreetMap",
				URL:         "https://a.tile.openstreetmap.org/{z}/{x}/{y}.png",
				Servers:     []string{"https://b.tile.openstreetmap.org/{z}/{x}/{y}.png", "https://c.tile.openstreetmap.org/{z}/{x}/{y}.png"},
				Format:      "image/png",
				Attribution: "© OpenStreetMap contributors",
			},
		},
		BBox:      "21.0,52.2,21.01,52.23",
		Zooms:     "1-16",
		OutputDir: "data",
		Interval:  24 * time.Hour,
		Pause:     3 * time.Second,
		History:   100,
		Fetch: FetchConfig{
			Workers:    4,
			Timeout:    10 * time.Second,
			MaxRetries: 3,
			Backoff:    500 * time.Millisecond,
			MaxBackoff: 30 * time.Second,
			Jitter:     0.2,
			UserAgent:  "go-tilegrab/1.0",
		},
		RateLimit: RateLimitConfig{
			MaxInFlight: 4,
			Burst:       1,
		},
		Archive: ArchiveConfig{BatchSize: 200},
	}
}
