package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"wxtiles/internal/config"
	"wxtiles/internal/manifest"
	"wxtiles/internal/metrics"
	"wxtiles/internal/model"
	"wxtiles/internal/store"
)

// ObjectStore is the remote-store surface the driver and retention need.
// *store.Client satisfies it; tests substitute an in-memory fake.
type ObjectStore interface {
	store.Objects
	Bucket() string
	UploadFile(ctx context.Context, localPath, key string, opts store.UploadOptions) error
	UploadTree(ctx context.Context, dir string, workers int, keyFor func(rel string) (string, store.UploadOptions, bool)) (int, error)
}

// Driver executes the fixed stage sequence for one cycle:
// Download → Processing → Colormap → TileGeneration → Upload → Metadata →
// Retention. Strict stage failures stop the sequence; metric flush and
// workspace teardown run on every exit path (teardown is the caller's
// deferred Close).
type Driver struct {
	Cfg       *config.Config
	Profile   model.Profile
	Cycle     model.Cycle
	Hours     []int
	Vars      []string // variable names, for dry-run placeholders
	Workspace *Workspace
	Runner    *Runner
	Sink      *metrics.Sink
	Store     ObjectStore // nil when upload is disabled

	records []StepRecord
	start   time.Time
}

// Records returns the step records accumulated so far, in execution order.
func (d *Driver) Records() []StepRecord { return d.records }

// Run drives the whole cycle and returns a non-nil error when a strict stage
// failed. Metrics are flushed before returning, whatever the path.
func (d *Driver) Run(ctx context.Context) (err error) {
	d.start = time.Now().UTC()
	log.Info().Msgf("Model run: %s cycle %s", d.Cycle.DateISO(), d.Cycle.Formatted())
	log.Info().
		Str("model", d.Profile.Name).
		Str("cycle", d.Cycle.String()).
		Ints("forecastHours", d.Hours).
		Bool("dryRun", d.Cfg.DryRun).
		Bool("upload", d.uploadActive()).
		Msg("Pipeline starting")

	defer func() {
		// Flush must survive cancellation and failures alike.
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		d.Sink.Flush(flushCtx, time.Since(d.start), time.Since(d.Cycle.Time()))
	}()

	if err := d.runDownload(ctx); err != nil {
		return err
	}
	if err := d.runProcessing(ctx); err != nil {
		return err
	}
	if err := d.runColormap(ctx); err != nil {
		return err
	}
	if err := d.runTileGeneration(ctx); err != nil {
		return err
	}
	if err := d.runUpload(ctx); err != nil {
		return err
	}
	if err := d.runMetadata(ctx); err != nil {
		return err
	}
	d.runRetention(ctx)

	log.Info().Dur("elapsed", time.Since(d.start)).Msg("Pipeline complete")
	return nil
}

// uploadActive reports whether remote writes happen this run. Dry runs never
// touch the store.
func (d *Driver) uploadActive() bool {
	return d.Cfg.UploadEnabled && !d.Cfg.DryRun && d.Store != nil
}

// finish appends the record, accounts for its errors, and converts a strict
// failure into the terminating error.
func (d *Driver) finish(rec StepRecord, strict bool) error {
	d.records = append(d.records, rec)
	d.Sink.RecordStep(rec.Name, rec.Duration)
	if rec.Outcome == OutcomeFailed {
		d.Sink.RecordError(1)
		if strict {
			return fmt.Errorf("%w: %s: %s", ErrStageFailed, rec.Name, rec.ErrorMessage)
		}
	}
	return nil
}

func (d *Driver) skip(name, reason string) {
	now := time.Now().UTC()
	log.Info().Str("step", name).Str("reason", reason).Msg("Step skipped")
	d.records = append(d.records, StepRecord{
		Name: name, Start: now, End: now, Outcome: OutcomeSkipped,
	})
}

func (d *Driver) forecastSpec() string {
	if d.Cfg.ForecastHours != "" {
		return d.Cfg.ForecastHours
	}
	return d.Profile.DefaultForecastHours
}

func (d *Driver) variablesConfig() string {
	if d.Cfg.ConfigPath != "" {
		return d.Cfg.ConfigPath
	}
	return d.Profile.ConfigPath
}

func (d *Driver) runDownload(ctx context.Context) error {
	rec := d.Runner.Run(ctx, Step{
		Name: StepDownload,
		Commands: []Command{{
			Path: d.Cfg.Commands.Download,
			Args: []string{
				"--date", d.Cycle.DateISO(),
				"--cycle=" + d.Cycle.HourPadded(),
				"--fxx", d.forecastSpec(),
				"--variables", "all",
				"--output-dir", d.Workspace.Downloads(),
				"--keep-local",
			},
		}},
		CountDir:     d.Workspace.Downloads(),
		CountExt:     ".grib2",
		Placeholders: d.placeholderDownloads,
	})

	// An empty download is fatal even on exit 0: nothing downstream can run.
	if rec.Outcome == OutcomeOK && rec.ArtifactCount == 0 {
		rec.Outcome = OutcomeFailed
		rec.ErrorMessage = "download produced no GRIB2 files"
	}
	d.Sink.AddCount(metrics.CounterFilesDownloaded, rec.ArtifactCount)
	return d.finish(rec, true)
}

func (d *Driver) runProcessing(ctx context.Context) error {
	gribs, err := filepath.Glob(filepath.Join(d.Workspace.Downloads(), "*.grib2"))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStageFailed, StepProcessing, err)
	}
	sort.Strings(gribs)

	cmds := make([]Command, len(gribs))
	for i, grib := range gribs {
		cmds[i] = Command{
			Path: d.Cfg.Commands.Process,
			Args: []string{
				"--input", grib,
				"--output", d.Workspace.Processed(),
				"--config", d.variablesConfig(),
				"--priority", strconv.Itoa(d.Cfg.Priority),
			},
		}
	}

	rec := d.Runner.Run(ctx, Step{
		Name:         StepProcessing,
		Commands:     cmds,
		Tolerant:     true,
		CountDir:     d.Workspace.Processed(),
		CountExt:     ".tif",
		Placeholders: d.placeholderProcessed,
	})
	d.Sink.AddCount(metrics.CounterFilesProcessed, rec.ArtifactCount)
	d.Sink.RecordError(rec.FailedCommands)
	if rec.FailedCommands > 0 && rec.Outcome == OutcomeOK {
		log.Warn().
			Int("failed", rec.FailedCommands).
			Int("produced", rec.ArtifactCount).
			Msg("Processing finished with partial failures")
	}
	return d.finish(rec, true)
}

func (d *Driver) runColormap(ctx context.Context) error {
	rec := d.Runner.Run(ctx, Step{
		Name: StepColormap,
		Commands: []Command{{
			Path: d.Cfg.Commands.Colormap,
			Args: []string{
				"--input", d.Workspace.Processed(),
				"--output", d.Workspace.Colored(),
				"--config", d.variablesConfig(),
			},
		}},
		CountDir:     d.Workspace.Colored(),
		CountExt:     ".tif",
		Placeholders: d.placeholderColored,
	})
	return d.finish(rec, true)
}

func (d *Driver) runTileGeneration(ctx context.Context) error {
	if !d.Cfg.TilesEnabled {
		d.skip(StepTileGeneration, "tiles disabled")
		return nil
	}
	rec := d.Runner.Run(ctx, Step{
		Name: StepTileGeneration,
		Commands: []Command{{
			Path: d.Cfg.Commands.Tiles,
			Args: []string{
				"--input", d.Workspace.Colored(),
				"--output", d.Workspace.Tiles(),
				"--zoom", d.Cfg.ZoomLevels,
				"--processes", strconv.Itoa(d.Cfg.TileWorkers),
				"--exclude-transparent",
				"--organize",
			},
		}},
		CountDir:     d.Workspace.Tiles(),
		CountExt:     ".png",
		Placeholders: d.placeholderTiles,
	})
	d.Sink.AddCount(metrics.CounterTilesGenerated, rec.ArtifactCount)
	return d.finish(rec, true)
}

func (d *Driver) runUpload(ctx context.Context) error {
	if !d.uploadActive() {
		d.skip(StepUpload, "upload disabled")
		return nil
	}
	rec := d.Runner.Run(ctx, Step{
		Name: StepUpload,
		Do:   d.uploadArtifacts,
	})
	return d.finish(rec, true)
}

// uploadArtifacts pushes the three artifact trees to their store prefixes.
// Writes are idempotent per (cycle, prefix): keys embed the cycle, so a
// rerun overwrites its own objects.
func (d *Driver) uploadArtifacts(ctx context.Context) (int, error) {
	total := 0
	grib := store.UploadOptions{ContentType: "application/octet-stream"}
	tiff := store.UploadOptions{ContentType: "image/tiff"}
	png := store.UploadOptions{ContentType: "image/png", CacheControl: "max-age=3600"}

	rawDir := fmt.Sprintf("%s/%s/%s/%s",
		d.Profile.Prefixes.Raw,
		d.Cycle.Date.Format("2006"), d.Cycle.Date.Format("01"), d.Cycle.Date.Format("02"))
	n, err := d.Store.UploadTree(ctx, d.Workspace.Downloads(), d.Cfg.TileWorkers,
		func(rel string) (string, store.UploadOptions, bool) {
			if !strings.HasSuffix(rel, ".grib2") {
				return "", store.UploadOptions{}, false
			}
			return rawDir + "/" + rel, grib, true
		})
	total += n
	if err != nil {
		return total, fmt.Errorf("upload raw: %w", err)
	}

	coloredDir := d.Profile.Prefixes.Colored + "/" + d.Cycle.DateISO()
	n, err = d.Store.UploadTree(ctx, d.Workspace.Colored(), d.Cfg.TileWorkers,
		func(rel string) (string, store.UploadOptions, bool) {
			if !strings.HasSuffix(rel, ".tif") {
				return "", store.UploadOptions{}, false
			}
			return coloredDir + "/" + rel, tiff, true
		})
	total += n
	if err != nil {
		return total, fmt.Errorf("upload colored: %w", err)
	}

	if d.Cfg.TilesEnabled {
		n, err = d.Store.UploadTree(ctx, d.Workspace.Tiles(), d.Cfg.TileWorkers,
			func(rel string) (string, store.UploadOptions, bool) {
				if !strings.HasSuffix(rel, ".png") {
					return "", store.UploadOptions{}, false
				}
				return d.Profile.Prefixes.Tiles + "/" + rel, png, true
			})
		total += n
		if err != nil {
			return total, fmt.Errorf("upload tiles: %w", err)
		}
	}

	log.Info().Int("objects", total).Msg("Artifacts uploaded")
	return total, nil
}

func (d *Driver) runMetadata(ctx context.Context) error {
	emitter := &manifest.Emitter{
		Profile:    d.Profile,
		Cycle:      d.Cycle,
		Hours:      d.Hours,
		Bucket:     d.Cfg.Bucket,
		TilesDir:   d.Workspace.Tiles(),
		ConfigPath: d.variablesConfig(),
		Bin:        d.Cfg.Commands.Manifest,
	}

	invoke := func(ctx context.Context, bin string, args []string) error {
		return d.Runner.Exec(ctx, bin, args, nil)
	}

	emit := func(ctx context.Context) (int, error) {
		path, fellBack, err := emitter.Emit(ctx, invoke)
		if err != nil {
			return 0, err
		}
		if fellBack {
			log.Warn().Msg("Published manifest uses the built-in template")
		}
		if d.uploadActive() {
			key := d.Profile.Prefixes.Metadata + "/" + manifest.FileName
			opts := store.UploadOptions{ContentType: "application/json", CacheControl: "max-age=300"}
			if err := d.Store.UploadFile(ctx, path, key, opts); err != nil {
				return 0, err
			}
		}
		return 1, nil
	}

	rec := d.Runner.Run(ctx, Step{
		Name: StepMetadata,
		Do:   emit,
		// Dry run still writes latest.json locally; Exec refuses inside the
		// emitter, which routes onto the built-in template, and uploadActive
		// is false.
		Placeholders: func() (int, error) { return emit(ctx) },
	})
	return d.finish(rec, true)
}

// runRetention enforces keep-latest after publication. Failures are counted
// but never change the exit status: the artifacts of this cycle are already
// live, and the next successful run restores the invariant.
func (d *Driver) runRetention(ctx context.Context) {
	if !d.uploadActive() {
		log.Debug().Msg("Retention skipped: upload disabled")
		return
	}
	res := store.NewEnforcer(d.Store, d.Profile, d.Cycle).Enforce(ctx, d.Cfg.TilesEnabled)
	d.Sink.RecordError(res.Failures)
}

// Dry-run placeholder generators. They simulate just enough output for
// downstream counts to be non-zero and for the published names to look real.

func (d *Driver) placeholderDownloads() (int, error) {
	hours := d.Hours
	n := 0
	for _, h := range hours {
		name := fmt.Sprintf("%s.%s.t%sz.f%s.grib2",
			d.Profile.Name, d.Cycle.DateCompact(), d.Cycle.HourPadded(), model.FormatForecastHour(h))
		if err := touch(filepath.Join(d.Workspace.Downloads(), name)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (d *Driver) placeholderProcessed() (int, error) {
	gribs, err := filepath.Glob(filepath.Join(d.Workspace.Downloads(), "*.grib2"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, grib := range gribs {
		base := strings.TrimSuffix(filepath.Base(grib), ".grib2")
		for _, v := range d.placeholderVars() {
			name := fmt.Sprintf("%s_%s.tif", v, base)
			if err := touch(filepath.Join(d.Workspace.Processed(), name)); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (d *Driver) placeholderColored() (int, error) {
	tifs, err := filepath.Glob(filepath.Join(d.Workspace.Processed(), "*.tif"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, tif := range tifs {
		base := strings.TrimSuffix(filepath.Base(tif), ".tif")
		if err := touch(filepath.Join(d.Workspace.Colored(), base+"_colored.tif")); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (d *Driver) placeholderTiles() (int, error) {
	n := 0
	for _, v := range d.placeholderVars() {
		for _, h := range d.Hours {
			p := filepath.Join(d.Workspace.Tiles(),
				v, d.Cycle.Timestamp(), model.FormatForecastHour(h), "0", "0", "0.png")
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return n, err
			}
			if err := touch(p); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (d *Driver) placeholderVars() []string {
	if len(d.Vars) > 0 {
		return d.Vars
	}
	return []string{"temperature_2m"}
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
