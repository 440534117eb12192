// Package logger wraps logrus with a single process-wide logger and a
// formatter matching the cache's diagnostic output needs: timestamp,
// level, and caller, on one line.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// Config drives Init. LogPath is optional; with it unset, output
// goes to stderr only.
type Config struct {
	LogPath  string
	LogLevel string
}

type callerFormatter struct{}

func (callerFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	ts := entry.Time.Format("15:04:05 2006/01/02")
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	return []byte(fmt.Sprintf("[%s] [%s] (%s) %s\n", ts, level, caller(), entry.Message)), nil
}

// caller walks the stack past logrus and this package to find the
// first frame a reader would actually care about.
func caller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "/logger/logger.go") {
			continue
		}
		fn := runtime.FuncForPC(pc).Name()
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), fn, line)
	}
	return "unknown:unknown:0"
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// Init sets up the package logger. Safe to call more than once (e.g.
// in tests); the previous instance is simply replaced.
func Init(cfg Config) error {
	l := logrus.New()
	l.SetFormatter(callerFormatter{})
	l.SetLevel(parseLevel(cfg.LogLevel))

	if cfg.LogPath == "" {
		l.SetOutput(os.Stderr)
		log = l
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.SetOutput(os.Stderr)
		l.Warnf("could not open log file %s, falling back to stderr: %v", cfg.LogPath, err)
		log = l
		return nil
	}
	l.SetOutput(f)
	log = l
	return nil
}

// ensure returns a usable logger even if Init was never called, so a
// package under test doesn't need to bootstrap logging to run.
func ensure() *logrus.Logger {
	if log == nil {
		l := logrus.New()
		l.SetFormatter(callerFormatter{})
		log = l
	}
	return log
}

func Debugf(format string, args ...interface{}) { ensure().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { ensure().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { ensure().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { ensure().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { ensure().Fatalf(format, args...) }

func Debug(args ...interface{}) { ensure().Debug(args...) }
func Info(args ...interface{})  { ensure().Info(args...) }
func Warn(args ...interface{})  { ensure().Warn(args...) }
func Error(args ...interface{}) { ensure().Error(args...) }
