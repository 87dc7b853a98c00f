// Package logging wires the global zerolog logger with dual sinks: a console
// writer on stderr and a per-cycle rotating log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init initializes the global logger with a console sink only. The run-log
// file sink is attached later, once the cycle (and therefore the log file
// name) is known.
func Init(verbose bool) {
	// 1. Determine log level
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	// 2. Setup Stderr Writer (Console)
	log.Logger = zerolog.New(consoleWriter()).
		With().
		Timestamp().
		Logger()
}

func consoleWriter() zerolog.ConsoleWriter {
	isTerminal := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	return zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    !isTerminal,
	}
}

// RunLogName returns the log file name for one pipeline invocation,
// pipeline_<YYYYMMDD>_<HH>00.log.
func RunLogName(dateCompact, hourPadded string) string {
	return fmt.Sprintf("pipeline_%s_%s00.log", dateCompact, hourPadded)
}

// OpenRunLog attaches the rotating file sink for this run to the global
// logger and returns the raw file writer so subprocess output can be
// streamed into the same file. The log directory is never removed by
// workspace teardown.
func OpenRunLog(logDir, name string) (io.Writer, error) {
	// 1. Ensure log directory exists and is writable.
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", logDir, err)
	}
	testFile := filepath.Join(logDir, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return nil, fmt.Errorf("log directory %q is not writable: %w", logDir, err)
	}
	_ = os.Remove(testFile)

	// 2. Setup File Writer (Rotating)
	fileWriter := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, name),
		MaxSize:    64, // megabytes
		MaxBackups: 8,
		MaxAge:     30, // days
		Compress:   true,
	}

	// 3. Combine Writers and replace the global logger.
	multi := zerolog.MultiLevelWriter(consoleWriter(), fileWriter)
	log.Logger = zerolog.New(multi).
		With().
		Timestamp().
		Logger()

	return fileWriter, nil
}
