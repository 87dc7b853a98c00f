// Package config resolves the engine's run options from CLI flags,
// environment variables, and defaults. Every flag has an environment twin
// (upper-cased, dashes to underscores); CLI wins over env, env over default.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// DefaultZoomLevels is the tile pyramid depth used when --zoom is not given.
// 0-8 is the operationally tested range.
const DefaultZoomLevels = "0-8"

// Commands holds the subprocess binaries invoked at each stage. The engine
// treats all of them as opaque; only the CLI contract is fixed.
type Commands struct {
	Download string
	Process  string
	Colormap string
	Tiles    string
	Manifest string
}

// Config holds the complete, resolved run configuration. It is immutable
// after Finalize.
type Config struct {
	DryRun        bool
	Priority      int
	ZoomLevels    string
	ForecastHours string // spec string; empty means the profile default
	UploadEnabled bool
	Bucket        string
	TilesEnabled  bool
	WorkDir       string
	LogDir        string
	DateOverride  string // YYYY-MM-DD
	CycleOverride int    // -1 when unset
	TileWorkers   int
	MaxDuration   time.Duration
	Verbose       bool
	ConfigPath    string // variables YAML override; empty means profile default

	Commands Commands
}

// Default returns a Config carrying the documented defaults.
func Default() *Config {
	return &Config{
		Priority:      2,
		ZoomLevels:    DefaultZoomLevels,
		TilesEnabled:  true,
		WorkDir:       "/tmp/wxtiles",
		LogDir:        "/var/log/wxtiles",
		CycleOverride: -1,
		TileWorkers:   4,
		Commands: Commands{
			Download: "wx-download",
			Process:  "wx-process",
			Colormap: "wx-colormap",
			Tiles:    "wx-tiles",
			Manifest: "wx-manifest",
		},
	}
}

// LoadEnv loads a .env file from the working directory, if present, and then
// overlays environment twins onto cfg for every flag the CLI did not set.
// changed reports whether the named flag was given on the command line.
func (c *Config) LoadEnv(changed func(flag string) bool) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on environment variables")
	}

	envString(changed, "s3-bucket", "S3_BUCKET", &c.Bucket)
	envString(changed, "zoom", "ZOOM", &c.ZoomLevels)
	envString(changed, "forecast-hours", "FORECAST_HOURS", &c.ForecastHours)
	envString(changed, "work-dir", "WORK_DIR", &c.WorkDir)
	envString(changed, "log-dir", "LOG_DIR", &c.LogDir)
	envString(changed, "date", "DATE", &c.DateOverride)
	envString(changed, "config", "CONFIG", &c.ConfigPath)
	envInt(changed, "priority", "PRIORITY", &c.Priority)
	envInt(changed, "cycle", "CYCLE", &c.CycleOverride)
	envInt(changed, "tile-workers", "TILE_WORKERS", &c.TileWorkers)
	envBool(changed, "dry-run", "DRY_RUN", &c.DryRun)
	envBool(changed, "enable-s3", "ENABLE_S3", &c.UploadEnabled)
	envBool(changed, "verbose", "VERBOSE", &c.Verbose)
	envDuration(changed, "max-duration", "MAX_DURATION", &c.MaxDuration)

	if !changed("disable-tiles") {
		if v, ok := os.LookupEnv("DISABLE_TILES"); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				c.TilesEnabled = !b
			}
		}
	}

	// Stage binaries are env-only; they change per deployment, not per run.
	envString(never, "", "DOWNLOAD_BIN", &c.Commands.Download)
	envString(never, "", "PROCESS_BIN", &c.Commands.Process)
	envString(never, "", "COLORMAP_BIN", &c.Commands.Colormap)
	envString(never, "", "TILES_BIN", &c.Commands.Tiles)
	envString(never, "", "MANIFEST_BIN", &c.Commands.Manifest)
}

// Finalize validates cross-field constraints and applies implications
// (naming a bucket implies enabling upload).
func (c *Config) Finalize() error {
	if c.Bucket != "" {
		c.UploadEnabled = true
	}
	if c.UploadEnabled && c.Bucket == "" {
		return fmt.Errorf("--enable-s3 requires --s3-bucket (or S3_BUCKET)")
	}
	if c.Priority < 1 || c.Priority > 3 {
		return fmt.Errorf("--priority must be 1-3, got %d", c.Priority)
	}
	if c.TileWorkers < 1 {
		return fmt.Errorf("--tile-workers must be positive, got %d", c.TileWorkers)
	}
	if (c.DateOverride == "") != (c.CycleOverride < 0) {
		return fmt.Errorf("--date and --cycle must be given together")
	}
	if c.WorkDir == "" || c.LogDir == "" {
		return fmt.Errorf("--work-dir and --log-dir must not be empty")
	}
	return nil
}

// CheckDependencies verifies every stage binary resolves on PATH. A missing
// subprocess is fatal before any side effect. Dry-run skips the check: no
// subprocess is ever invoked.
func (c *Config) CheckDependencies() error {
	if c.DryRun {
		return nil
	}
	for _, bin := range []string{
		c.Commands.Download,
		c.Commands.Process,
		c.Commands.Colormap,
		c.Commands.Tiles,
		c.Commands.Manifest,
	} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("missing dependency: %w", err)
		}
	}
	return nil
}

func never(string) bool { return false }

func envString(changed func(string) bool, flag, key string, dst *string) {
	if flag != "" && changed(flag) {
		return
	}
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(changed func(string) bool, flag, key string, dst *int) {
	if changed(flag) {
		return
	}
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Warn().Str("var", key).Str("value", v).Msg("Ignoring non-integer environment value")
		}
	}
}

func envBool(changed func(string) bool, flag, key string, dst *bool) {
	if changed(flag) {
		return
	}
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			log.Warn().Str("var", key).Str("value", v).Msg("Ignoring non-boolean environment value")
		}
	}
}

func envDuration(changed func(string) bool, flag, key string, dst *time.Duration) {
	if changed(flag) {
		return
	}
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else {
			log.Warn().Str("var", key).Str("value", v).Msg("Ignoring unparseable duration")
		}
	}
}
