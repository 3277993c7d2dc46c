// Package logger provides leveled, prefixed logging for skillfence internals.
//
// Capability refusals deliberately carry opaque messages; the detailed reasons
// travel through event hooks and through this logger, which writes to stderr,
// never to the skill-visible result.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Level represents log verbosity.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var (
	globalLevel   = LevelInfo
	globalColored = true
	globalOut     io.Writer = os.Stderr
	globalMu      sync.RWMutex
)

var (
	styleTrace = lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8FA3")) // slate
	styleDebug = lipgloss.NewStyle().Foreground(lipgloss.Color("#6FA8DC")) // sky
	styleInfo  = lipgloss.NewStyle().Foreground(lipgloss.Color("#76B376")) // moss
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("#E0B050")) // amber
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("#D66A5A")) // brick
	styleFaint = lipgloss.NewStyle().Faint(true)
)

// Logger writes leveled messages tagged with a package prefix.
type Logger struct {
	prefix string
}

// New returns a logger whose lines carry the given prefix.
func New(prefix string) *Logger {
	return &Logger{prefix: prefix}
}

// SetGlobalLevel sets the process-wide log level.
func SetGlobalLevel(level Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLevel = level
}

// SetColored enables or disables ANSI styling.
func SetColored(colored bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalColored = colored
}

// SetOutput redirects log output. Used by tests.
func SetOutput(w io.Writer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalOut = w
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// SetGlobalLevelFromString sets the level from a config string, ignoring
// unrecognized values.
func SetGlobalLevelFromString(level string) {
	if l, err := ParseLevel(level); err == nil {
		SetGlobalLevel(l)
	}
}

func (l *Logger) log(level Level, label string, style lipgloss.Style, format string, args ...any) {
	globalMu.RLock()
	if level < globalLevel {
		globalMu.RUnlock()
		return
	}
	colored := globalColored
	out := globalOut
	globalMu.RUnlock()

	ts := time.Now().Format("15:04:05.000")
	msg := fmt.Sprintf(format, args...)

	if colored {
		fmt.Fprintf(out, "%s %s %s %s\n",
			styleFaint.Render(ts), style.Render(label), styleFaint.Render(l.prefix+":"), msg)
	} else {
		fmt.Fprintf(out, "%s %s %s: %s\n", ts, label, l.prefix, msg)
	}
}

// Trace logs at the most verbose level.
func (l *Logger) Trace(format string, args ...any) {
	l.log(LevelTrace, "TRC", styleTrace, format, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) {
	l.log(LevelDebug, "DBG", styleDebug, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, "INF", styleInfo, format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, "WRN", styleWarn, format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, "ERR", styleError, format, args...)
}
