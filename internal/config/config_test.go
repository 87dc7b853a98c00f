package config

import (
	"strings"
	"testing"
	"time"
)

func noFlags(string) bool { return false }

func flagSet(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Priority != 2 {
		t.Errorf("Priority = %d, want 2", c.Priority)
	}
	if c.ZoomLevels != DefaultZoomLevels {
		t.Errorf("ZoomLevels = %q, want %q", c.ZoomLevels, DefaultZoomLevels)
	}
	if !c.TilesEnabled {
		t.Error("tiles disabled by default")
	}
	if c.UploadEnabled || c.DryRun {
		t.Error("upload and dry-run must default off")
	}
	if c.CycleOverride != -1 {
		t.Errorf("CycleOverride = %d, want -1 sentinel", c.CycleOverride)
	}
	if c.Commands.Download != "wx-download" || c.Commands.Manifest != "wx-manifest" {
		t.Errorf("stage binaries = %+v", c.Commands)
	}
}

func TestLoadEnvOverlaysUnsetFlags(t *testing.T) {
	t.Setenv("S3_BUCKET", "wx-prod")
	t.Setenv("ZOOM", "0-10")
	t.Setenv("PRIORITY", "1")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("MAX_DURATION", "45m")
	t.Setenv("DISABLE_TILES", "true")

	c := Default()
	c.LoadEnv(noFlags)

	if c.Bucket != "wx-prod" {
		t.Errorf("Bucket = %q", c.Bucket)
	}
	if c.ZoomLevels != "0-10" {
		t.Errorf("ZoomLevels = %q", c.ZoomLevels)
	}
	if c.Priority != 1 {
		t.Errorf("Priority = %d", c.Priority)
	}
	if !c.DryRun {
		t.Error("DRY_RUN=true not applied")
	}
	if c.MaxDuration != 45*time.Minute {
		t.Errorf("MaxDuration = %v", c.MaxDuration)
	}
	if c.TilesEnabled {
		t.Error("DISABLE_TILES=true must turn tiles off")
	}
}

func TestLoadEnvFlagsWinOverEnvironment(t *testing.T) {
	t.Setenv("ZOOM", "0-10")
	t.Setenv("PRIORITY", "1")

	c := Default()
	c.ZoomLevels = "0-5" // as if given on the command line
	c.LoadEnv(flagSet("zoom"))

	if c.ZoomLevels != "0-5" {
		t.Errorf("ZoomLevels = %q; CLI value lost to environment", c.ZoomLevels)
	}
	if c.Priority != 1 {
		t.Errorf("Priority = %d; unset flag should take the env value", c.Priority)
	}
}

func TestLoadEnvIgnoresUnparseableValues(t *testing.T) {
	t.Setenv("PRIORITY", "highest")
	t.Setenv("DRY_RUN", "banana")
	t.Setenv("MAX_DURATION", "soon")

	c := Default()
	c.LoadEnv(noFlags)

	if c.Priority != 2 || c.DryRun || c.MaxDuration != 0 {
		t.Errorf("bad values leaked into config: %+v", c)
	}
}

func TestLoadEnvStageBinaries(t *testing.T) {
	t.Setenv("DOWNLOAD_BIN", "/opt/wx/bin/herbie-download")
	t.Setenv("TILES_BIN", "/opt/wx/bin/gdal-tiler")

	c := Default()
	c.LoadEnv(noFlags)

	if c.Commands.Download != "/opt/wx/bin/herbie-download" {
		t.Errorf("Download = %q", c.Commands.Download)
	}
	if c.Commands.Tiles != "/opt/wx/bin/gdal-tiler" {
		t.Errorf("Tiles = %q", c.Commands.Tiles)
	}
	if c.Commands.Process != "wx-process" {
		t.Errorf("Process = %q, want default", c.Commands.Process)
	}
}

func TestFinalize(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"bucket implies upload", func(c *Config) { c.Bucket = "wx-prod" }, ""},
		{"upload without bucket", func(c *Config) { c.UploadEnabled = true }, "--s3-bucket"},
		{"priority too low", func(c *Config) { c.Priority = 0 }, "--priority"},
		{"priority too high", func(c *Config) { c.Priority = 4 }, "--priority"},
		{"zero tile workers", func(c *Config) { c.TileWorkers = 0 }, "--tile-workers"},
		{"date without cycle", func(c *Config) { c.DateOverride = "2026-01-11" }, "together"},
		{"cycle without date", func(c *Config) { c.CycleOverride = 6 }, "together"},
		{"date and cycle together", func(c *Config) {
			c.DateOverride = "2026-01-11"
			c.CycleOverride = 6
		}, ""},
		{"empty work dir", func(c *Config) { c.WorkDir = "" }, "--work-dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Finalize()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Finalize() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Finalize() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestFinalizeBucketEnablesUpload(t *testing.T) {
	c := Default()
	c.Bucket = "wx-prod"
	if err := c.Finalize(); err != nil {
		t.Fatal(err)
	}
	if !c.UploadEnabled {
		t.Error("naming a bucket must enable upload")
	}
}

func TestCheckDependencies(t *testing.T) {
	c := Default()
	c.Commands = Commands{
		Download: "wx-no-such-binary",
		Process:  "wx-no-such-binary",
		Colormap: "wx-no-such-binary",
		Tiles:    "wx-no-such-binary",
		Manifest: "wx-no-such-binary",
	}

	if err := c.CheckDependencies(); err == nil {
		t.Error("missing binaries must fail the dependency check")
	} else if !strings.Contains(err.Error(), "missing dependency") {
		t.Errorf("error = %v", err)
	}

	c.DryRun = true
	if err := c.CheckDependencies(); err != nil {
		t.Errorf("dry run must skip the dependency check, got %v", err)
	}
}
