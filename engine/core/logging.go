package core

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var once sync.Once

type logger struct {
	*log.Logger
}

var (
	singleton *logger
	loggerMu  sync.RWMutex
)

func getLogger() *logger {
	once.Do(
		func() {
			l := log.NewWithOptions(os.Stderr, log.Options{
				ReportCaller:    true,
				CallerOffset:    1,
				ReportTimestamp: true,
				TimeFormat:      time.RFC3339,
				Prefix:          "Lumen 🔦 ",
			})
			l.SetLevel(log.InfoLevel)
			loggerMu.Lock()
			singleton = &logger{l}
			loggerMu.Unlock()
		})
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return singleton
}

// ConfigureLogger applies the [log] section of the configuration to the
// process logger. Output goes to w, or stderr when w is nil.
func ConfigureLogger(cfg LogConfig, w io.Writer) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var formatter log.Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = log.TextFormatter
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}

	if w == nil {
		w = os.Stderr
	}
	l := log.NewWithOptions(w, log.Options{
		ReportCaller:    true,
		CallerOffset:    1,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "Lumen 🔦 ",
		Level:           level,
		Formatter:       formatter,
	})
	SetLogger(l)
	return nil
}

// SetLogger replaces the process logger and returns the previous one.
func SetLogger(l *log.Logger) *log.Logger {
	prev := getLogger()
	loggerMu.Lock()
	singleton = &logger{l}
	loggerMu.Unlock()
	return prev.Logger
}

func LogDebug(msg string, args ...interface{}) {
	getLogger().Debugf(msg, args...)
}

func LogInfo(msg string, args ...interface{}) {
	getLogger().Infof(msg, args...)
}

func LogWarn(msg string, args ...interface{}) {
	getLogger().Warnf(msg, args...)
}

func LogError(msg string, args ...interface{}) {
	getLogger().Errorf(msg, args...)
}

func LogFatal(msg string, args ...interface{}) {
	getLogger().Fatalf(msg, args...)
}
