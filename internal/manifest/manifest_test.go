package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wxtiles/internal/model"
	"wxtiles/internal/variables"
)

var testClock = time.Date(2026, 1, 11, 4, 45, 0, 0, time.UTC)

func testManifest() Manifest {
	return Build(
		model.GFSWave,
		model.NewCycle(2026, 1, 11, 0),
		[]int{0, 3, 6},
		"wx-tiles-prod",
		[]variables.Variable{
			{Name: "significant_wave_height", DisplayName: "Wave Height", Units: "ft", ColorRampID: "deep"},
		},
		testClock,
	)
}

func TestBuild(t *testing.T) {
	m := testManifest()

	if m.Version != "1.0" || m.Model != "gfs_wave" {
		t.Errorf("header: %+v", m)
	}
	if m.ModelRun.CycleFormatted != "00Z" {
		t.Errorf("cycle_formatted = %q, want 00Z", m.ModelRun.CycleFormatted)
	}
	if m.ModelRun.Date != "2026-01-11" || m.ModelRun.Cycle != "00" {
		t.Errorf("model_run = %+v", m.ModelRun)
	}
	want := []string{"000", "003", "006"}
	for i, h := range m.ForecastHours {
		if h != want[i] {
			t.Errorf("forecast_hours[%d] = %q, want %q", i, h, want[i])
		}
	}
	for _, token := range []string{"{variable}", "{timestamp}", "{forecast}", "{z}", "{x}", "{y}"} {
		if !bytes.Contains([]byte(m.Tiles.URLTemplate), []byte(token)) {
			t.Errorf("url_template missing %s: %s", token, m.Tiles.URLTemplate)
		}
	}
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	first, err := testManifest().Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	parsed, err := Parse(first)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	second, err := parsed.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("round trip differs:\n%s\n%s", first, second)
	}
}

func TestValidate(t *testing.T) {
	data, err := testManifest().Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(data); err != nil {
		t.Errorf("Validate() rejected a good manifest: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"MissingVersion", func(m map[string]any) { delete(m, "version") }},
		{"MissingTiles", func(m map[string]any) { delete(m, "tiles") }},
		{"BadCycleFormatted", func(m map[string]any) {
			m["model_run"].(map[string]any)["cycle_formatted"] = "0Z"
		}},
		{"BadForecastHour", func(m map[string]any) { m["forecast_hours"] = []any{"0"} }},
		{"NullVariables", func(m map[string]any) { m["variables"] = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var doc map[string]any
			if err := json.Unmarshal(data, &doc); err != nil {
				t.Fatal(err)
			}
			tt.mutate(doc)
			mutated, err := json.Marshal(doc)
			if err != nil {
				t.Fatal(err)
			}
			if err := Validate(mutated); err == nil {
				t.Error("Validate() accepted a broken manifest")
			}
		})
	}
}

func TestEmitterFallsBack(t *testing.T) {
	tilesDir := t.TempDir()
	e := &Emitter{
		Profile:    model.HRRR,
		Cycle:      model.NewCycle(2026, 1, 11, 1),
		Hours:      []int{0, 1, 2},
		Bucket:     "wx-tiles-prod",
		TilesDir:   tilesDir,
		ConfigPath: "config/hrrr_variables.yaml",
		Bin:        "wx-manifest",
		Now:        func() time.Time { return testClock },
	}

	failingInvoke := func(ctx context.Context, bin string, args []string) error {
		return errors.New("subprocess exploded")
	}
	path, fellBack, err := e.Emit(context.Background(), failingInvoke)
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if !fellBack {
		t.Error("Emit() did not report fallback")
	}
	if path != filepath.Join(tilesDir, FileName) {
		t.Errorf("Emit() path = %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("fallback manifest missing: %v", err)
	}
	if err := Validate(data); err != nil {
		t.Errorf("fallback manifest invalid: %v", err)
	}
	m, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Variables) != 0 {
		t.Errorf("fallback variables = %v, want empty", m.Variables)
	}
	if m.ModelRun.CycleFormatted != "01Z" {
		t.Errorf("cycle_formatted = %q", m.ModelRun.CycleFormatted)
	}
}

func TestEmitterKeepsValidSubprocessOutput(t *testing.T) {
	tilesDir := t.TempDir()
	e := &Emitter{
		Profile:  model.HRRR,
		Cycle:    model.NewCycle(2026, 1, 11, 1),
		Hours:    []int{0},
		Bucket:   "wx-tiles-prod",
		TilesDir: tilesDir,
		Bin:      "wx-manifest",
	}

	// Simulate the subprocess by writing a valid document at --output.
	writingInvoke := func(ctx context.Context, bin string, args []string) error {
		data, err := Build(e.Profile, e.Cycle, e.Hours, e.Bucket, nil, testClock).Encode()
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(tilesDir, FileName), data, 0o644)
	}
	_, fellBack, err := e.Emit(context.Background(), writingInvoke)
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if fellBack {
		t.Error("Emit() fell back despite valid subprocess output")
	}
}
