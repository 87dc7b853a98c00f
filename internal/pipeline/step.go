package pipeline

import (
	"context"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Stage names, in canonical execution order.
const (
	StepDownload       = "Download"
	StepProcessing     = "Processing"
	StepColormap       = "Colormap"
	StepTileGeneration = "TileGeneration"
	StepUpload         = "S3Upload"
	StepMetadata       = "Metadata"
)

// Outcome is the terminal state of one step.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// StepRecord is the append-only log entry for one executed stage.
type StepRecord struct {
	Name           string
	Start          time.Time
	End            time.Time
	Duration       time.Duration
	Outcome        Outcome
	ArtifactCount  int
	FailedCommands int
	ErrorMessage   string
}

// Command is a structured subprocess invocation: argv and environment are
// explicit data, never interpolated into a shell line.
type Command struct {
	Path string
	Args []string
	Env  []string // appended to the parent environment
}

// Step describes one stage for the runner. Exactly one of Commands or Do is
// set: Commands for subprocess stages, Do for engine-native work (upload).
type Step struct {
	Name     string
	Commands []Command
	Do       func(ctx context.Context) (artifacts int, err error)

	// Tolerant stages continue past individual command failures and succeed
	// as long as at least one artifact was produced. Only Processing is
	// tolerant; a partial forecast is still useful to the mapping client.
	Tolerant bool

	// CountDir/CountExt define artifact counting: files under CountDir
	// (recursive) with the given extension, or all files when CountExt is "".
	CountDir string
	CountExt string

	// Placeholders simulates the stage's outputs under dry-run.
	Placeholders func() (int, error)
}

// Runner executes one named step with timing, output streaming, and error
// capture. It owns the dry-run branch; stages do not know whether dry-run is
// in effect. It never retries: retry policy belongs to the driver.
type Runner struct {
	DryRun bool
	Output io.Writer     // run log; subprocess stdout+stderr stream here
	Grace  time.Duration // SIGKILL delay after cancellation, default 30s
}

// errorTailLimit bounds the subprocess output kept as a StepRecord error
// message.
const errorTailLimit = 1024

// Run executes one step and always stamps the end time and duration,
// whatever the outcome.
func (r *Runner) Run(ctx context.Context, step Step) StepRecord {
	rec := StepRecord{Name: step.Name, Start: time.Now().UTC()}
	log.Info().Str("step", step.Name).Msg("Step starting")

	r.execute(ctx, step, &rec)

	rec.End = time.Now().UTC()
	rec.Duration = rec.End.Sub(rec.Start)
	evt := log.Info()
	if rec.Outcome == OutcomeFailed {
		evt = log.Error()
	}
	evt.Str("step", step.Name).
		Str("outcome", string(rec.Outcome)).
		Dur("duration", rec.Duration).
		Int("artifacts", rec.ArtifactCount).
		Msg("Step finished")
	return rec
}

func (r *Runner) execute(ctx context.Context, step Step, rec *StepRecord) {
	if r.DryRun {
		if step.Placeholders == nil {
			rec.Outcome = OutcomeOK
			return
		}
		n, err := step.Placeholders()
		if err != nil {
			rec.Outcome = OutcomeFailed
			rec.ErrorMessage = err.Error()
			return
		}
		rec.Outcome = OutcomeOK
		rec.ArtifactCount = n
		return
	}

	if step.Do != nil {
		n, err := step.Do(ctx)
		rec.ArtifactCount = n
		if err != nil {
			rec.Outcome = OutcomeFailed
			rec.ErrorMessage = truncate(err.Error(), errorTailLimit)
			return
		}
		rec.Outcome = OutcomeOK
		return
	}

	var lastErr string
	for _, cmd := range step.Commands {
		if err := r.Exec(ctx, cmd.Path, cmd.Args, cmd.Env); err != nil {
			lastErr = err.Error()
			rec.FailedCommands++
			if !step.Tolerant {
				break
			}
			log.Warn().Str("step", step.Name).Str("cmd", cmd.Path).Msg("Sub-invocation failed; continuing")
		}
		if ctx.Err() != nil {
			break
		}
	}

	rec.ArtifactCount = countFiles(step.CountDir, step.CountExt)

	switch {
	case step.Tolerant:
		// Partial output is a success; zero output is not.
		if rec.ArtifactCount > 0 {
			rec.Outcome = OutcomeOK
		} else {
			rec.Outcome = OutcomeFailed
			rec.ErrorMessage = lastErr
		}
	case rec.FailedCommands > 0:
		rec.Outcome = OutcomeFailed
		rec.ErrorMessage = lastErr
	default:
		rec.Outcome = OutcomeOK
	}
}

// Exec runs a single command, streaming combined output to the run log and
// keeping the last KiB for error reporting. On context cancellation the
// process gets SIGTERM, then SIGKILL after the grace period. In dry-run mode
// Exec refuses with ErrDryRun so callers composing their own stages (the
// manifest emitter) degrade the same way a failing subprocess would.
func (r *Runner) Exec(ctx context.Context, path string, args, env []string) error {
	if r.DryRun {
		return ErrDryRun
	}

	grace := r.Grace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	tail := &tailBuffer{limit: errorTailLimit}
	out := io.Writer(tail)
	if r.Output != nil {
		out = io.MultiWriter(r.Output, tail)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = grace

	log.Debug().Str("cmd", path).Strs("args", args).Msg("Executing")
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(tail.String())
		if msg == "" {
			msg = err.Error()
		}
		return &ExecError{Cmd: path, Err: err, Tail: truncate(msg, errorTailLimit)}
	}
	return nil
}

// countFiles counts regular files under dir, recursively, filtered by
// extension when ext is non-empty.
func countFiles(dir, ext string) int {
	if dir == "" {
		return 0
	}
	n := 0
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // best-effort count
		}
		if ext == "" || strings.HasSuffix(d.Name(), ext) {
			n++
		}
		return nil
	})
	return n
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}

// tailBuffer keeps the last limit bytes written through it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
