// Package config holds the settings of a slide tiling job
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	ProjectPath    string   `json:"projectPath"`    // Project database (sqlite)
	ExportPath     string   `json:"exportPath"`     // Directory where exported tiles are written
	TileWidth      int      `json:"tileWidth"`      // Output tile width, in pixels at Level
	TileHeight     int      `json:"tileHeight"`     // Output tile height, in pixels at Level
	TileOverlap    int      `json:"tileOverlap"`    // Minimum overlap between adjacent exported tiles, in pixels at Level
	Level          int      `json:"level"`          // Downsample level. 0 is full resolution, 1 is half, etc.
	Multilabel     bool     `json:"multilabel"`     // Export one mask plane per class, instead of a single label mask
	ClassFilter    []string `json:"classFilter"`    // If not empty, only these classes are rasterized
	MinPolygonArea float64  `json:"minPolygonArea"` // Vectorized polygons smaller than this (level-0 square pixels) are dropped
	Simplify       float64  `json:"simplify"`       // Douglas-Peucker tolerance for vectorized polygons, in mask pixels. 0 disables.
	MergeDistance  float64  `json:"mergeDistance"`  // Same-class annotations closer than this (level-0 pixels) are merged
	JPEGQuality    int      `json:"jpegQuality"`    // Quality of exported image tiles
	Threads        int      `json:"threads"`        // Number of export workers. 0 means one per CPU.
	Preview        bool     `json:"preview"`        // Also write an annotation overlay for every exported tile
	SlideCacheSize int      `json:"slideCacheSize"` // Number of decoded slides to keep in memory
}

func Defaults() *Config {
	return &Config{
		ProjectPath:    "slidetile.sqlite",
		ExportPath:     "tiles",
		TileWidth:      512,
		TileHeight:     512,
		JPEGQuality:    90,
		SlideCacheSize: 2,
	}
}

// LoadConfig reads a JSON config file on top of Defaults().
// If filename is empty, slidetile.json is used, and it is not an error for it to be missing.
func LoadConfig(filename string) (*Config, error) {
	cfg := Defaults()
	optional := filename == ""
	if filename == "" {
		filename = "slidetile.json"
	}
	raw, err := os.ReadFile(filename)
	if err == nil {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
		}
	} else if !optional || !os.IsNotExist(err) {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	// Environment overrides apply with or without a config file, and are validated the same way
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from SLIDETILE_* environment variables
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("SLIDETILE_PROJECT"); v != "" {
		c.ProjectPath = v
	}
	if v := os.Getenv("SLIDETILE_EXPORT_PATH"); v != "" {
		c.ExportPath = v
	}
	if v := os.Getenv("SLIDETILE_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("Invalid SLIDETILE_THREADS '%v': %w", v, err)
		}
		c.Threads = n
	}
	return nil
}

func (c *Config) Validate() error {
	if c.TileWidth <= 0 || c.TileHeight <= 0 {
		return fmt.Errorf("Invalid tile size %vx%v", c.TileWidth, c.TileHeight)
	}
	if c.TileOverlap < 0 || c.TileOverlap >= min(c.TileWidth, c.TileHeight) {
		return fmt.Errorf("Invalid tile overlap %v", c.TileOverlap)
	}
	if c.Level < 0 || c.Level > 24 {
		return fmt.Errorf("Invalid level %v", c.Level)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("Invalid JPEG quality %v", c.JPEGQuality)
	}
	if c.Threads < 0 {
		return fmt.Errorf("Invalid thread count %v", c.Threads)
	}
	if c.MinPolygonArea < 0 || c.MergeDistance < 0 || c.Simplify < 0 {
		return fmt.Errorf("minPolygonArea, mergeDistance and simplify may not be negative")
	}
	return nil
}
