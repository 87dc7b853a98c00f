// Package manifest produces and validates the freshness manifest
// (latest.json) that the mapping client polls to discover the current cycle.
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"wxtiles/internal/model"
	"wxtiles/internal/variables"
)

// Version is the manifest schema version the web client negotiates on.
const Version = "1.0"

// TileSize is the pixel size of published tiles.
const TileSize = 256

// ModelRun identifies the cycle a manifest describes.
type ModelRun struct {
	Date           string `json:"date"`
	Cycle          string `json:"cycle"`
	CycleFormatted string `json:"cycle_formatted"`
	Timestamp      string `json:"timestamp"`
}

// Variable is the client-facing description of one published variable.
type Variable struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Units       string `json:"units"`
	ColorRampID string `json:"color_ramp_id"`
}

// Tiles tells the client how to address the tile pyramid.
type Tiles struct {
	URLTemplate string `json:"url_template"`
	Format      string `json:"format"`
	TileSize    int    `json:"tile_size"`
}

// Manifest is the latest.json document.
type Manifest struct {
	Version       string     `json:"version"`
	Model         string     `json:"model"`
	ModelRun      ModelRun   `json:"model_run"`
	ForecastHours []string   `json:"forecast_hours"`
	Variables     []Variable `json:"variables"`
	Tiles         Tiles      `json:"tiles"`
	GeneratedAt   string     `json:"generated_at"`
}

// URLTemplate builds the tile URL template for a bucket and tiles prefix,
// with the placeholder tokens the client substitutes.
func URLTemplate(bucket, tilesPrefix string) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s/{variable}/{timestamp}/{forecast}/{z}/{x}/{y}.png",
		bucket, tilesPrefix)
}

// Build assembles a manifest for one cycle. vars may be nil; the built-in
// fallback path passes nil and yields an empty variables list, which the
// client treats as "cycle published, variable discovery unavailable".
func Build(p model.Profile, c model.Cycle, hours []int, bucket string, vars []variables.Variable, now time.Time) Manifest {
	nowISO := now.UTC().Format(time.RFC3339)

	mvars := make([]Variable, 0, len(vars))
	for _, v := range vars {
		mvars = append(mvars, Variable{
			Name:        v.Name,
			DisplayName: v.DisplayName,
			Units:       v.Units,
			ColorRampID: v.ColorRampID,
		})
	}

	return Manifest{
		Version: Version,
		Model:   p.Name,
		ModelRun: ModelRun{
			Date:           c.DateISO(),
			Cycle:          c.HourPadded(),
			CycleFormatted: c.Formatted(),
			Timestamp:      c.Time().Format(time.RFC3339),
		},
		ForecastHours: model.FormatForecastHours(hours),
		Variables:     mvars,
		Tiles: Tiles{
			URLTemplate: URLTemplate(bucket, p.Prefixes.Tiles),
			Format:      "png",
			TileSize:    TileSize,
		},
		GeneratedAt: nowISO,
	}
}

// Encode renders the manifest as indented JSON with a trailing newline.
func (m Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Parse decodes a manifest document.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: %w", err)
	}
	return m, nil
}
