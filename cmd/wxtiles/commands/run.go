package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"wxtiles/internal/logging"
	"wxtiles/internal/metrics"
	"wxtiles/internal/model"
	"wxtiles/internal/pipeline"
	"wxtiles/internal/store"
	"wxtiles/internal/variables"
)

// runPipeline executes one cycle of the given model: resolve the cycle, open
// the run log and workspace, wire the sink and store, and hand off to the
// driver. Teardown and metric flush run on every exit path.
func runPipeline(ctx context.Context, profile model.Profile) error {
	// 1. Resolve the target cycle.
	override, err := cycleOverride()
	if err != nil {
		return err
	}
	cycle, err := model.ResolveCycle(time.Now().UTC(), profile, override)
	if err != nil {
		return err
	}

	spec := cfg.ForecastHours
	if spec == "" {
		spec = profile.DefaultForecastHours
	}
	hours, err := model.ParseForecastHours(spec)
	if err != nil {
		return err
	}

	// 2. Attach the per-cycle run log.
	logWriter, err := logging.OpenRunLog(cfg.LogDir, logging.RunLogName(cycle.DateCompact(), cycle.HourPadded()))
	if err != nil {
		return err
	}
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("buildDate", BuildDate).
		Str("model", profile.Name).
		Msg("wxtiles starting")

	// 3. Fail fast on missing collaborators, before any side effect.
	if err := cfg.CheckDependencies(); err != nil {
		return err
	}
	vars, err := loadVariableNames(profile)
	if err != nil {
		return err
	}

	// 4. Signals and the optional overall deadline.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.MaxDuration)
		defer cancel()
	}

	// 5. Workspace: lock, stage directories, guaranteed teardown.
	ws, err := pipeline.OpenWorkspace(cfg.WorkDir)
	if err != nil {
		return err
	}
	defer ws.Close()

	// 6. Remote collaborators. Dry runs make no remote calls at all.
	var objStore pipeline.ObjectStore
	var cwAPI metrics.API
	if !cfg.DryRun {
		if cfg.UploadEnabled {
			s3c, err := store.Connect(ctx, cfg.Bucket)
			if err != nil {
				return fmt.Errorf("missing dependency: %w", err)
			}
			objStore = s3c
		}
		cwAPI, err = metrics.Connect(ctx)
		if err != nil {
			if cfg.UploadEnabled {
				return fmt.Errorf("missing dependency: %w", err)
			}
			log.Warn().Err(err).Msg("CloudWatch unavailable; metrics will be logged only")
		}
	}

	driver := &pipeline.Driver{
		Cfg:       cfg,
		Profile:   profile,
		Cycle:     cycle,
		Hours:     hours,
		Vars:      vars,
		Workspace: ws,
		Runner:    &pipeline.Runner{DryRun: cfg.DryRun, Output: logWriter},
		Sink:      metrics.New(cwAPI, profile.Name, cfg.DryRun),
		Store:     objStore,
	}
	return driver.Run(ctx)
}

func cycleOverride() (*model.Cycle, error) {
	if cfg.DateOverride == "" {
		return nil, nil
	}
	date, err := time.ParseInLocation("2006-01-02", cfg.DateOverride, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: bad --date %q", model.ErrInvalidCycle, cfg.DateOverride)
	}
	return &model.Cycle{Date: date, Hour: cfg.CycleOverride}, nil
}

// loadVariableNames reads the variables configuration for plan logging and
// dry-run placeholders. An absent or malformed config is a missing
// dependency on a real run; a dry run tolerates it and falls back to a
// single placeholder variable.
func loadVariableNames(profile model.Profile) ([]string, error) {
	path := cfg.ConfigPath
	if path == "" {
		path = profile.ConfigPath
	}
	vc, err := variables.Load(path)
	if err != nil {
		if cfg.DryRun {
			log.Debug().Err(err).Str("path", path).Msg("Variables config not loaded")
			return nil, nil
		}
		return nil, fmt.Errorf("missing dependency: %w", err)
	}
	names := vc.Names()
	log.Info().Strs("variables", names).Msg("Variable plan")
	return names, nil
}
