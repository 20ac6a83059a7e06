// Package logging provides the logging interface and default implementation
// shared by the client, the directory layer and the in-process engine.
//
// Design: five-level interface (Error, Warn, Info, Debug, Fatal). The default
// implementation is backed by logrus so callers that already configure a
// *logrus.Logger can hand it over with FromLogrus.
//
// Fatalf does not exit the process. It logs at error level with fatal=true
// and calls the configured FatalHandler.
//
// Component namespace prefixes are used for filtering:
//   - [db]     database handle and transaction registry
//   - [txn]    transaction lifecycle
//   - [future] native future bridging
//   - [dir]    directory layer
//   - [engine] in-process engine reactor
//   - [queue]  transform queue and queue layer
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrFatal is the sentinel error wrapped by fatal conditions.
var ErrFatal = errors.New("fatal error")

// FatalHandler is called when Fatalf is invoked.
//
// Contract: FatalHandler must be safe for concurrent use and must not call
// Fatalf.
type FatalHandler func(msg string)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything including debug messages.
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name (case-insensitive, as accepted by logrus) to a Level.
func ParseLevel(s string) (Level, error) {
	lv, err := logrus.ParseLevel(s)
	if err != nil {
		return LevelWarn, fmt.Errorf("logging: %w", err)
	}
	return fromLogrusLevel(lv), nil
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelError:
		return logrus.ErrorLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

func fromLogrusLevel(lv logrus.Level) Level {
	switch {
	case lv <= logrus.ErrorLevel:
		return LevelError
	case lv == logrus.WarnLevel:
		return LevelWarn
	case lv == logrus.InfoLevel:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// Logger defines the interface for client logging.
//
// Concurrency: implementations MUST be safe for concurrent use. Futures
// complete on the engine's network goroutine and log from there.
type Logger interface {
	// Errorf logs a formatted error message.
	Errorf(format string, args ...any)

	// Warnf logs a formatted warning message.
	Warnf(format string, args ...any)

	// Infof logs a formatted informational message.
	Infof(format string, args ...any)

	// Debugf logs a formatted debug message.
	Debugf(format string, args ...any)

	// Fatalf logs a fatal error and triggers the fatal handler.
	Fatalf(format string, args ...any)
}

// DefaultLogger is the default logger, a thin wrapper around a logrus entry.
// Level is read-only after construction.
type DefaultLogger struct {
	entry        *logrus.Entry
	level        Level
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewDefaultLogger creates a logger writing text records to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a logger writing text records to w.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level.logrusLevel())
	l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	return &DefaultLogger{entry: logrus.NewEntry(l), level: level}
}

// FromLogrus adapts an existing logrus logger. The level is taken from l.
func FromLogrus(l logrus.FieldLogger) *DefaultLogger {
	var entry *logrus.Entry
	switch v := l.(type) {
	case *logrus.Entry:
		entry = v
	case *logrus.Logger:
		entry = logrus.NewEntry(v)
	default:
		entry = l.WithFields(logrus.Fields{})
	}
	return &DefaultLogger{entry: entry, level: fromLogrusLevel(entry.Logger.GetLevel())}
}

// WithField returns a logger that attaches key=value to every record.
func (l *DefaultLogger) WithField(key string, value any) *DefaultLogger {
	out := &DefaultLogger{entry: l.entry.WithField(key, value), level: l.level}
	if h := l.fatalHandler.Load(); h != nil {
		out.fatalHandler.Store(h)
	}
	return out
}

// SetFatalHandler sets the handler called when Fatalf is invoked.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// Level returns the logging level.
func (l *DefaultLogger) Level() Level {
	return l.level
}

// Errorf logs a formatted error message.
func (l *DefaultLogger) Errorf(format string, args ...any) {
	l.entry.Errorf(format, args...)
}

// Warnf logs a formatted warning message.
func (l *DefaultLogger) Warnf(format string, args ...any) {
	l.entry.Warnf(format, args...)
}

// Infof logs a formatted informational message.
func (l *DefaultLogger) Infof(format string, args ...any) {
	l.entry.Infof(format, args...)
}

// Debugf logs a formatted debug message.
func (l *DefaultLogger) Debugf(format string, args ...any) {
	l.entry.Debugf(format, args...)
}

// Fatalf logs the message at error level with fatal=true and calls the
// fatal handler. It never exits the process.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.entry.WithField("fatal", true).Error(msg)

	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Namespace prefixes for log messages.
const (
	// NSDB is the namespace for database handle operations.
	NSDB = "[db] "
	// NSTxn is the namespace for transaction operations.
	NSTxn = "[txn] "
	// NSFuture is the namespace for native future bridging.
	NSFuture = "[future] "
	// NSDir is the namespace for directory layer operations.
	NSDir = "[dir] "
	// NSEngine is the namespace for the in-process engine.
	NSEngine = "[engine] "
	// NSQueue is the namespace for queues.
	NSQueue = "[queue] "
)

// IsNil returns true if the logger is nil or a typed-nil.
// A typed-nil occurs when a nil pointer is assigned to an interface:
//
//	var l *MyLogger = nil
//	opts.Logger = l  // Interface is not nil, but underlying pointer is
//
// Calling methods on a typed-nil panics, so this function detects both cases.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns the provided logger if it is valid (non-nil and not typed-nil),
// otherwise returns a default WARN-level logger.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
