// Package logging gives the rest of the engine a leveled, structured
// replacement for ad-hoc fmt.Printf progress lines in recovery, vacuum
// and checkpoint code.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/logtags"
	"github.com/getsentry/sentry-go"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger writes leveled, tagged lines. Build one with New; the zero
// value has no writer. A nil *Logger is safe to call (all methods no-op).
type Logger struct {
	mu          sync.Mutex
	out         io.Writer
	minLevel    Level
	tags        *logtags.Buffer
	reportCrash bool
}

// New returns a Logger writing to w at minLevel.
func New(w io.Writer, minLevel Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{out: w, minLevel: minLevel}
}

// NewWithCrashReporting is New, plus: it initializes the process-wide
// Sentry client against dsn and has ErrorErr forward IO/Corruption
// failures to it, since those kinds are expected to be logged and page
// someone in addition to entering read-only safe-mode. An empty dsn
// disables reporting and behaves exactly like New.
func NewWithCrashReporting(w io.Writer, minLevel Level, dsn string) (*Logger, error) {
	l := New(w, minLevel)
	if dsn == "" {
		return l, nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		return nil, fmt.Errorf("logging: initializing crash reporter: %w", err)
	}
	l.reportCrash = true
	return l, nil
}

// With returns a derived Logger carrying an additional tag, e.g.
// log.With("table", name).With("lsn", lsn).Info("...").
func (l *Logger) With(key string, value interface{}) *Logger {
	if l == nil {
		return nil
	}
	var tags *logtags.Buffer
	if l.tags == nil {
		tags = logtags.SingleTagBuffer(key, value)
	} else {
		tags = l.tags.Add(key, value)
	}
	return &Logger{
		out:         l.out,
		minLevel:    l.minLevel,
		tags:        tags,
		reportCrash: l.reportCrash,
	}
}

func (l *Logger) tagString() string {
	if l.tags == nil {
		return ""
	}
	entries := l.tags.Get()
	if len(entries) == 0 {
		return ""
	}
	s := ""
	for i, t := range entries {
		if i > 0 {
			s += " "
		}
		s += t.Key() + "=" + t.ValueStr()
	}
	return s
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if l == nil || level < l.minLevel {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	if tags := l.tagString(); tags != "" {
		fmt.Fprintf(l.out, "[%s] %s %s\n", level, tags, msg)
	} else {
		fmt.Fprintf(l.out, "[%s] %s\n", level, msg)
	}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// ErrorErr logs err at LevelError and, when crash reporting is
// configured (NewWithCrashReporting), also reports it to Sentry. Use
// this for the taxonomy's IO and Corruption kinds, not for
// expected, retryable conditions like Conflict or NotFound.
func (l *Logger) ErrorErr(err error, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.log(LevelError, format, args...)
	if l.reportCrash && err != nil {
		sentry.CaptureException(err)
	}
}
