// Package logging provides global logging functions for tablesage.
// Use dot import to access L_info, L_error, etc. directly.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Log levels, least verbose first.
const (
	LevelFatal = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// Config holds logging configuration.
type Config struct {
	Level      int
	TimeFormat string
	ShowCaller bool
}

var (
	logger       *log.Logger
	once         sync.Once
	traceOn      atomic.Bool
	shuttingDown atomic.Bool
)

// ParseLevel converts a level name ("debug", "info", ...) to a level
// constant. Unknown names fall back to info.
func ParseLevel(name string) int {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Init configures the global logger. The first call wins; later calls
// are no-ops, so libraries can call it safely.
func Init(cfg *Config) {
	once.Do(func() {
		level := LevelInfo
		timeFormat := "15:04:05"
		showCaller := true
		if cfg != nil {
			level = cfg.Level
			showCaller = cfg.ShowCaller
			if cfg.TimeFormat != "" {
				timeFormat = cfg.TimeFormat
			}
		}
		logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			TimeFormat:      timeFormat,
			ReportCaller:    showCaller,
			CallerOffset:    2, // logMsg -> L_* -> caller
		})
		logger.SetLevel(charmLevel(level))
		traceOn.Store(level >= LevelTrace)
	})
}

func ensureInit() {
	if logger == nil {
		Init(nil)
	}
}

func charmLevel(level int) log.Level {
	switch {
	case level >= LevelDebug:
		return log.DebugLevel
	case level == LevelInfo:
		return log.InfoLevel
	case level == LevelWarn:
		return log.WarnLevel
	default:
		return log.ErrorLevel
	}
}

// formatArgs splits the two calling conventions: a printf verb in msg
// means args are format operands, otherwise they are key-value pairs.
func formatArgs(msg string, args []interface{}) (string, []interface{}) {
	if len(args) == 0 {
		return msg, nil
	}
	if hasVerb(msg) {
		return fmt.Sprintf(msg, args...), nil
	}
	return msg, args
}

func hasVerb(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '%' && strings.ContainsRune("vsdqftxXe+#", rune(s[i+1])) {
			return true
		}
	}
	return false
}

func logMsg(level int, msg string, args ...interface{}) {
	ensureInit()
	text, keyvals := formatArgs(msg, args)
	switch level {
	case LevelTrace, LevelDebug:
		logger.Debug(text, keyvals...)
	case LevelInfo:
		logger.Info(text, keyvals...)
	case LevelWarn:
		logger.Warn(text, keyvals...)
	case LevelError:
		logger.Error(text, keyvals...)
	case LevelFatal:
		logger.Fatal(text, keyvals...)
	}
}

// L_trace logs at trace level. Suppressed unless the configured level
// is trace, even though it renders through the debug level.
func L_trace(msg string, args ...interface{}) {
	if !traceOn.Load() {
		return
	}
	logMsg(LevelTrace, msg, args...)
}

// L_debug logs at debug level.
func L_debug(msg string, args ...interface{}) {
	logMsg(LevelDebug, msg, args...)
}

// L_info logs at info level.
func L_info(msg string, args ...interface{}) {
	logMsg(LevelInfo, msg, args...)
}

// L_warn logs at warn level.
func L_warn(msg string, args ...interface{}) {
	logMsg(LevelWarn, msg, args...)
}

// L_error logs at error level.
func L_error(msg string, args ...interface{}) {
	logMsg(LevelError, msg, args...)
}

// L_fatal logs at fatal level and exits.
func L_fatal(msg string, args ...interface{}) {
	logMsg(LevelFatal, msg, args...)
}

// SetShuttingDown marks the process as shutting down. Long-running
// components check IsShuttingDown to quiet teardown noise.
func SetShuttingDown() {
	shuttingDown.Store(true)
	L_info("shutting down")
}

// IsShuttingDown reports whether shutdown has begun.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}
