// Package logging builds the daemon's zerolog logger from config.
//
// The logger writes to stderr by default or to PRELOADER_LOG_FILE when set.
// Children close the sink before re-entering the host entrypoint so the log
// descriptor is not leaked into served programs.
//
// Level semantics: the original exposes info, err, crit and all as filters.
// Here they map onto zerolog thresholds — "all" lowers the bar to trace,
// "crit" raises it so only critical records survive. Critical records are
// emitted at fatal level (without zerolog's exit side effect) and therefore
// pass every threshold.
package logging

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/xfeldman/preloader/internal/config"
)

// Log is the process-wide logger sink. Assigned once by Init, before the
// daemon spawns any goroutine or child; read-only afterwards.
type Log struct {
	logger zerolog.Logger
	file   *os.File
}

// Init opens the configured sink and constructs the logger.
func Init(cfg *config.Config) (*Log, error) {
	l := &Log{}

	w := os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.LogFile, err)
		}
		l.file = f
		w = f
	} else if cfg.Daemonize {
		// A daemonized instance has no terminal to write to; without an
		// explicit file the log goes nowhere.
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		l.file = f
		w = f
	}

	var lvl zerolog.Level
	switch cfg.LogLevel {
	case config.LevelAll:
		lvl = zerolog.TraceLevel
	case config.LevelInfo:
		lvl = zerolog.InfoLevel
	case config.LevelErr:
		lvl = zerolog.ErrorLevel
	case config.LevelCrit:
		lvl = zerolog.FatalLevel
	default:
		return nil, fmt.Errorf("unknown log level %d", cfg.LogLevel)
	}

	l.logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return l, nil
}

// Logger returns the underlying zerolog logger for structured use.
func (l *Log) Logger() zerolog.Logger {
	return l.logger
}

// Info logs an informational record.
func (l *Log) Info(format string, args ...any) {
	l.logger.Info().Msgf(format, args...)
}

// Trace logs a per-request tracing record (visible only at level all).
func (l *Log) Trace(format string, args ...any) {
	l.logger.Trace().Msgf(format, args...)
}

// Err logs an error record.
func (l *Log) Err(format string, args ...any) {
	l.logger.Error().Msgf(format, args...)
}

// Crit logs a critical record. Critical records pass every level filter.
func (l *Log) Crit(format string, args ...any) {
	// WithLevel(FatalLevel) logs at fatal severity without exiting.
	l.logger.WithLevel(zerolog.FatalLevel).Msgf(format, args...)
}

// Die logs a critical record and terminates the process immediately.
//
// This is the only structured exit in the library. It deliberately bypasses
// deferred functions and exit handlers: the address space belongs to the
// host program and unwinding arbitrary state inside it is not safe.
func (l *Log) Die(format string, args ...any) {
	l.Crit(format, args...)
	l.Close()
	os.Exit(1)
}

// Close releases the log sink. Called by children before re-entry so the
// served program does not inherit the descriptor, and by Die.
func (l *Log) Close() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
