// Package commands wires the CLI surface: one subcommand per forecast model,
// sharing the behavioural flags and the run logic.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"wxtiles/internal/config"
	"wxtiles/internal/logging"
	"wxtiles/internal/model"
)

var (
	// Version, Commit, and BuildDate are set at build time via ldflags.
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	cfg          = config.Default()
	disableTiles bool
)

var rootCmd = &cobra.Command{
	Use:   "wxtiles",
	Short: "wxtiles ingests NWP forecast cycles and publishes web map tiles",
	Long: `wxtiles runs one forecast cycle end to end: download GRIB2 files from the
public model store, extract and colorize the configured variables, slice the
results into an XYZ tile pyramid, publish everything to S3, and refresh the
latest.json freshness manifest the mapping client polls.

Exit codes: 0 success, 1 stage failure or missing dependency, 2 another run
holds the workspace lock.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. Overlay environment twins onto anything the CLI left unset.
		cfg.LoadEnv(cmd.Flags().Changed)
		if cmd.Flags().Changed("disable-tiles") {
			cfg.TilesEnabled = !disableTiles
		}

		// 2. Logging before anything else that might want to speak.
		logging.Init(cfg.Verbose)

		// 3. Cross-field validation.
		return cfg.Finalize()
	},
}

// Execute runs the CLI. Errors propagate to main for exit-code mapping.
func Execute() error {
	return rootCmd.Execute()
}

func newModelCommand(use, short string, profile model.Profile) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long: fmt.Sprintf("%s.\n\nRecommended schedule: %s (cadence %dh, default forecast hours %s).",
			short, profile.RecommendedCron, profile.CadenceHours, profile.DefaultForecastHours),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), profile)
		},
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "skip subprocess invocations, simulate outputs, no remote calls")
	pf.IntVar(&cfg.Priority, "priority", cfg.Priority, "processing priority 1-3 (lower = more important variables first)")
	pf.StringVar(&cfg.ZoomLevels, "zoom", cfg.ZoomLevels, "tile zoom levels, e.g. \"0-8\"")
	pf.StringVar(&cfg.ForecastHours, "forecast-hours", cfg.ForecastHours, "forecast-hour spec, e.g. \"0-12\" (default: model profile)")
	pf.BoolVar(&cfg.UploadEnabled, "enable-s3", cfg.UploadEnabled, "enable upload and retention")
	pf.StringVar(&cfg.Bucket, "s3-bucket", cfg.Bucket, "object-store bucket (implies --enable-s3)")
	pf.BoolVar(&disableTiles, "disable-tiles", false, "skip tile generation and tile retention")
	pf.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "workspace root for per-run scratch directories")
	pf.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "log directory (never removed by teardown)")
	pf.StringVar(&cfg.DateOverride, "date", cfg.DateOverride, "explicit cycle date YYYY-MM-DD (requires --cycle)")
	pf.IntVar(&cfg.CycleOverride, "cycle", cfg.CycleOverride, "explicit cycle hour (requires --date)")
	pf.IntVar(&cfg.TileWorkers, "tile-workers", cfg.TileWorkers, "worker processes for tile generation and upload")
	pf.DurationVar(&cfg.MaxDuration, "max-duration", cfg.MaxDuration, "overall run deadline, 0 = unbounded")
	pf.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "variables configuration YAML (default: model profile)")
	pf.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "enable verbose logging")

	rootCmd.AddCommand(
		newModelCommand("hrrr", "Run one HRRR cycle", model.HRRR),
		newModelCommand("gfs-wave", "Run one GFS-Wave cycle", model.GFSWave),
	)
}
