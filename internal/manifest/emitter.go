package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"wxtiles/internal/model"
)

// FileName is the manifest object name under the metadata prefix.
const FileName = "latest.json"

// InvokeFunc runs one subprocess to completion, returning an error on
// non-zero exit. The step runner supplies it; in dry-run it refuses, which
// routes the emitter onto the built-in template.
type InvokeFunc func(ctx context.Context, bin string, args []string) error

// Emitter produces latest.json inside the tiles workspace, preferring the
// manifest subprocess (which inspects what was actually produced on disk)
// and degrading to the built-in template. The web client must never see a
// missing latest.json, so Emit only fails when even the fallback cannot be
// written.
type Emitter struct {
	Profile    model.Profile
	Cycle      model.Cycle
	Hours      []int
	Bucket     string
	TilesDir   string
	ConfigPath string
	Bin        string
	Now        func() time.Time // nil means time.Now
}

// Emit writes latest.json and returns its path. fellBack reports that the
// built-in template was used.
func (e *Emitter) Emit(ctx context.Context, invoke InvokeFunc) (path string, fellBack bool, err error) {
	path = filepath.Join(e.TilesDir, FileName)

	args := []string{
		"--date", e.Cycle.DateISO(),
		"--cycle=" + e.Cycle.HourPadded(),
		"--s3-bucket", e.Bucket,
		"--tiles-dir", e.TilesDir,
		"--config", e.ConfigPath,
		"--s3-prefix", e.Profile.Prefixes.Metadata,
		"--output", path,
	}

	if invokeErr := invoke(ctx, e.Bin, args); invokeErr != nil {
		log.Warn().Err(invokeErr).Msg("Manifest subprocess failed; using built-in template")
		fellBack = true
	} else if validateErr := e.validateFile(path); validateErr != nil {
		log.Warn().Err(validateErr).Msg("Manifest subprocess output invalid; using built-in template")
		fellBack = true
	}

	if fellBack {
		if err := e.writeFallback(path); err != nil {
			return "", true, err
		}
	}
	return path, fellBack, nil
}

func (e *Emitter) validateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	return Validate(data)
}

func (e *Emitter) writeFallback(path string) error {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	m := Build(e.Profile, e.Cycle, e.Hours, e.Bucket, nil, now())
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode fallback manifest: %w", err)
	}
	if err := Validate(data); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fallback manifest: %w", err)
	}
	return nil
}
