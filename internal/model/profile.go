// Package model defines the per-model constants that parameterize the
// otherwise-identical pipeline engine. Adding a forecast model means adding a
// Profile value here; the engine itself is never edited.
package model

import "fmt"

// StorePrefixes holds the object-store key prefixes for one model's artifact
// classes. The Metadata prefix is never subject to retention.
type StorePrefixes struct {
	Raw      string `yaml:"raw" json:"raw"`
	Colored  string `yaml:"colored" json:"colored"`
	Tiles    string `yaml:"tiles" json:"tiles"`
	Metadata string `yaml:"metadata" json:"metadata"`
}

// Profile is the full per-model configuration record. It is constant across
// runs of a given model.
type Profile struct {
	// Name is the short model identifier used in file names and metrics.
	Name string `yaml:"name" json:"name"`

	// CadenceHours is the model run cadence. Must be a positive divisor of 24.
	CadenceHours int `yaml:"cadence_hours" json:"cadence_hours"`

	// AvailabilityDelayHours is how long after a cycle's nominal time the
	// upstream data is reliably present on the public store.
	AvailabilityDelayHours int `yaml:"availability_delay_hours" json:"availability_delay_hours"`

	// DefaultForecastHours is the forecast-hour spec passed to the download
	// step when the operator does not override it.
	DefaultForecastHours string `yaml:"default_forecast_hours" json:"default_forecast_hours"`

	// ConfigPath points at the variables-and-colour-ramps configuration the
	// processing and colormap subprocesses consume.
	ConfigPath string `yaml:"config_path" json:"config_path"`

	Prefixes StorePrefixes `yaml:"store_prefixes" json:"store_prefixes"`

	// RecommendedCron documents the host scheduler cadence. The engine never
	// executes it.
	RecommendedCron string `yaml:"recommended_cron" json:"recommended_cron"`
}

// HRRR is the fast-updating regional model: hourly cycles, data published
// roughly three hours behind the nominal cycle time.
var HRRR = Profile{
	Name:                   "hrrr",
	CadenceHours:           1,
	AvailabilityDelayHours: 3,
	DefaultForecastHours:   "0-12",
	ConfigPath:             "config/hrrr_variables.yaml",
	Prefixes: StorePrefixes{
		Raw:      "raw-grib2",
		Colored:  "colored-cogs",
		Tiles:    "tiles",
		Metadata: "metadata",
	},
	RecommendedCron: "30 * * * *",
}

// GFSWave is the global wave model: four cycles a day, published about five
// hours behind.
var GFSWave = Profile{
	Name:                   "gfs_wave",
	CadenceHours:           6,
	AvailabilityDelayHours: 5,
	DefaultForecastHours:   "0",
	ConfigPath:             "config/gfs_wave_variables.yaml",
	Prefixes: StorePrefixes{
		Raw:      "gfs-wave/raw-grib2",
		Colored:  "gfs-wave/colored-cogs",
		Tiles:    "gfs-wave/tiles",
		Metadata: "gfs-wave/metadata",
	},
	RecommendedCron: "0 */6 * * *",
}

// ValidCycles returns the cycle hours this model publishes, derived from the
// cadence: {0, cadence, 2*cadence, ...}.
func (p Profile) ValidCycles() []int {
	if p.CadenceHours <= 0 {
		return nil
	}
	cycles := make([]int, 0, 24/p.CadenceHours)
	for h := 0; h < 24; h += p.CadenceHours {
		cycles = append(cycles, h)
	}
	return cycles
}

// IsValidCycle reports whether hour is one of the model's published cycles.
func (p Profile) IsValidCycle(hour int) bool {
	return hour >= 0 && hour < 24 && p.CadenceHours > 0 && hour%p.CadenceHours == 0
}

// Validate checks the structural invariants of a profile.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile: name is required")
	}
	if p.CadenceHours <= 0 || 24%p.CadenceHours != 0 {
		return fmt.Errorf("profile %s: cadence_hours %d must be a positive divisor of 24", p.Name, p.CadenceHours)
	}
	if p.AvailabilityDelayHours <= 0 {
		return fmt.Errorf("profile %s: availability_delay_hours must be positive", p.Name)
	}
	if p.Prefixes.Raw == "" || p.Prefixes.Colored == "" || p.Prefixes.Tiles == "" || p.Prefixes.Metadata == "" {
		return fmt.Errorf("profile %s: all store prefixes are required", p.Name)
	}
	return nil
}
