package pipeline

import (
	"errors"
	"fmt"
)

// ErrDryRun is returned by Runner.Exec when subprocess execution is globally
// disabled. Callers treat it as a soft failure and take their degraded path.
var ErrDryRun = errors.New("subprocess execution disabled (dry run)")

// ErrStageFailed wraps the name of the first strict stage that failed; the
// process exits non-zero with it.
var ErrStageFailed = errors.New("pipeline stage failed")

// ExecError carries a subprocess failure with the tail of its output.
type ExecError struct {
	Cmd  string
	Err  error
	Tail string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Cmd, e.Err, e.Tail)
}

func (e *ExecError) Unwrap() error { return e.Err }
