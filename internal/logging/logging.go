// Package logging provides structured logging for the foreman engine.
// Logs go to date-named files under the configured directory, in JSON
// or console format, with old files swept by retention.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const filePrefix = "foreman-"

// Options holds logging configuration.
type Options struct {
	Level         string // debug, info, warn, error
	Dir           string // log directory; empty means stderr only
	Format        string // json, console
	RetentionDays int
}

// DefaultOptions returns the default logging configuration.
func DefaultOptions() Options {
	home, _ := os.UserHomeDir()
	return Options{
		Level:         "info",
		Dir:           filepath.Join(home, ".local", "share", "foreman", "logs"),
		Format:        "json",
		RetentionDays: 14,
	}
}

// Logger wraps zerolog with component tagging and file management.
type Logger struct {
	zl   zerolog.Logger
	dir  string
	file *os.File
	mu   sync.Mutex
}

var (
	global   *Logger
	globalMu sync.RWMutex
)

// Init builds the global logger from opts. Safe to call more than once;
// the previous log file is closed.
func Init(opts Options) error {
	logger, err := New(opts)
	if err != nil {
		return err
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		_ = global.Close()
	}
	global = logger
	return nil
}

// New creates a Logger from opts.
func New(opts Options) (*Logger, error) {
	if opts.Level == "" {
		opts.Level = "info"
	}
	if opts.Format == "" {
		opts.Format = "json"
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 14
	}

	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	l := &Logger{}
	var out io.Writer = os.Stderr

	if opts.Dir != "" {
		l.dir = expandHome(opts.Dir)
		if err := os.MkdirAll(l.dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(CurrentPath(l.dir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		l.file = f
		out = f
		go l.sweep(opts.RetentionDays)
	}

	if opts.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}

	l.zl = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return l, nil
}

// CurrentPath returns today's log file path under dir.
func CurrentPath(dir string) string {
	name := filePrefix + time.Now().Format("2006-01-02") + ".log"
	return filepath.Join(expandHome(dir), name)
}

// sweep removes log files older than retentionDays.
func (l *Logger) sweep(retentionDays int) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".log")
		day, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(filepath.Join(l.dir, name))
		}
	}
}

// WithComponent returns a child logger tagged with a component field.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		zl:   l.zl.With().Str("component", name).Logger(),
		dir:  l.dir,
		file: l.file,
	}
}

// With returns a zerolog context for adding fields.
func (l *Logger) With() zerolog.Context { return l.zl.With() }

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...any) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zl.Error().Msgf(format, args...) }

// Err starts an error event carrying err.
func (l *Logger) Err(err error) *zerolog.Event { return l.zl.Error().Err(err) }

// Event returns a new event at the named level (info when unknown).
func (l *Logger) Event(level string) *zerolog.Event {
	switch level {
	case "debug":
		return l.zl.Debug()
	case "warn":
		return l.zl.Warn()
	case "error":
		return l.zl.Error()
	default:
		return l.zl.Info()
	}
}

// Close closes the underlying log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// LogFiles lists log files under the logger's directory, newest first.
func (l *Logger) LogFiles() ([]string, error) {
	return ListFiles(l.dir)
}

// ListFiles lists foreman log files under dir, newest first.
func ListFiles(dir string) ([]string, error) {
	dir = expandHome(dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, ".log") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// Get returns the global logger, or a stderr fallback before Init.
func Get() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global == nil {
		return &Logger{zl: zerolog.New(os.Stderr).With().Timestamp().Logger()}
	}
	return global
}

// Component returns a global child logger tagged with a component field.
func Component(name string) *Logger {
	return Get().WithComponent(name)
}

func parseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
