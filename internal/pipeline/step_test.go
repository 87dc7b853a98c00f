package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeScript drops an executable shell script into dir and returns its path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunStepOK(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	script := writeScript(t, dir, "produce.sh", `touch "$1/a.tif" "$1/b.tif"`)

	var logBuf bytes.Buffer
	r := &Runner{Output: &logBuf}
	rec := r.Run(context.Background(), Step{
		Name:     StepColormap,
		Commands: []Command{{Path: script, Args: []string{out}}},
		CountDir: out,
		CountExt: ".tif",
	})

	if rec.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s (%s)", rec.Outcome, rec.ErrorMessage)
	}
	if rec.ArtifactCount != 2 {
		t.Errorf("artifacts = %d, want 2", rec.ArtifactCount)
	}
	if rec.End.Before(rec.Start) || rec.Duration < 0 {
		t.Errorf("bad timestamps: %+v", rec)
	}
}

func TestRunStepFailureCapturesOutputTail(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "fail.sh", `echo "disk full: cannot write tile"; exit 3`)

	var logBuf bytes.Buffer
	r := &Runner{Output: &logBuf}
	rec := r.Run(context.Background(), Step{
		Name:     StepTileGeneration,
		Commands: []Command{{Path: script}},
		CountDir: t.TempDir(),
	})

	if rec.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", rec.Outcome)
	}
	if !strings.Contains(rec.ErrorMessage, "disk full") {
		t.Errorf("error message %q lost the output tail", rec.ErrorMessage)
	}
	if !strings.Contains(logBuf.String(), "disk full") {
		t.Error("subprocess output not streamed to the run log")
	}
}

func TestRunStepErrorTailIsBounded(t *testing.T) {
	dir := t.TempDir()
	// 64 KiB of output; only the last KiB may survive into the record.
	script := writeScript(t, dir, "noisy.sh",
		`i=0; while [ $i -lt 1024 ]; do printf '0123456789012345678901234567890123456789012345678901234567890123'; i=$((i+1)); done; echo; echo "final error line"; exit 1`)

	r := &Runner{}
	rec := r.Run(context.Background(), Step{
		Name:     StepDownload,
		Commands: []Command{{Path: script}},
		CountDir: t.TempDir(),
	})

	if len(rec.ErrorMessage) > 1024 {
		t.Errorf("error message is %d bytes, want <= 1024", len(rec.ErrorMessage))
	}
	if !strings.Contains(rec.ErrorMessage, "final error line") {
		t.Error("tail lost the final output line")
	}
}

func TestRunStepTolerant(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	good := writeScript(t, dir, "good.sh", `touch "$1/ok.tif"`)
	bad := writeScript(t, dir, "bad.sh", `exit 1`)

	t.Run("PartialFailureIsOK", func(t *testing.T) {
		r := &Runner{}
		rec := r.Run(context.Background(), Step{
			Name: StepProcessing,
			Commands: []Command{
				{Path: bad},
				{Path: good, Args: []string{out}},
				{Path: bad},
			},
			Tolerant: true,
			CountDir: out,
			CountExt: ".tif",
		})
		if rec.Outcome != OutcomeOK {
			t.Errorf("outcome = %s, want ok", rec.Outcome)
		}
		if rec.FailedCommands != 2 {
			t.Errorf("failed commands = %d, want 2", rec.FailedCommands)
		}
		if rec.ArtifactCount != 1 {
			t.Errorf("artifacts = %d, want 1", rec.ArtifactCount)
		}
	})

	t.Run("ZeroOutputFails", func(t *testing.T) {
		r := &Runner{}
		rec := r.Run(context.Background(), Step{
			Name:     StepProcessing,
			Commands: []Command{{Path: bad}, {Path: bad}},
			Tolerant: true,
			CountDir: t.TempDir(),
			CountExt: ".tif",
		})
		if rec.Outcome != OutcomeFailed {
			t.Errorf("outcome = %s, want failed", rec.Outcome)
		}
	})
}

func TestRunStepStrictStopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	marker := filepath.Join(out, "ran-anyway")
	bad := writeScript(t, dir, "bad.sh", `exit 1`)
	second := writeScript(t, dir, "second.sh", `touch "`+marker+`"`)

	r := &Runner{}
	rec := r.Run(context.Background(), Step{
		Name:     StepDownload,
		Commands: []Command{{Path: bad}, {Path: second}},
		CountDir: out,
	})
	if rec.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", rec.Outcome)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("strict step kept executing after a failure")
	}
}

func TestRunStepDryRun(t *testing.T) {
	out := t.TempDir()
	r := &Runner{DryRun: true}

	rec := r.Run(context.Background(), Step{
		Name:     StepDownload,
		Commands: []Command{{Path: "/nonexistent/binary"}},
		Placeholders: func() (int, error) {
			for _, name := range []string{"f000.grib2", "f001.grib2"} {
				if err := os.WriteFile(filepath.Join(out, name), nil, 0o644); err != nil {
					return 0, err
				}
			}
			return 2, nil
		},
	})
	if rec.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s (%s)", rec.Outcome, rec.ErrorMessage)
	}
	if rec.ArtifactCount != 2 {
		t.Errorf("artifacts = %d, want 2", rec.ArtifactCount)
	}
}

func TestExecRefusesUnderDryRun(t *testing.T) {
	r := &Runner{DryRun: true}
	if err := r.Exec(context.Background(), "/bin/true", nil, nil); !errors.Is(err, ErrDryRun) {
		t.Errorf("Exec() = %v, want ErrDryRun", err)
	}
}

func TestExecInterruptsOnCancel(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "slow.sh", `sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	r := &Runner{Grace: time.Second}
	start := time.Now()
	err := r.Exec(ctx, script, nil, nil)
	if err == nil {
		t.Fatal("Exec() succeeded despite cancellation")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Exec() took %v; grace period not applied", elapsed)
	}
}
