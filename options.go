package fdb

// options.go implements database and transaction configuration options.

import (
	"time"

	"github.com/aalhour/fdb/internal/logging"
	"github.com/aalhour/fdb/subspace"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// Log levels for NewLogger.
const (
	LogLevelError = logging.LevelError
	LogLevelWarn  = logging.LevelWarn
	LogLevelInfo  = logging.LevelInfo
	LogLevelDebug = logging.LevelDebug
)

// NewLogger returns the default logrus-backed logger at the given level.
func NewLogger(level logging.Level) Logger {
	return logging.NewDefaultLogger(level)
}

// Options configures a Database.
type Options struct {
	// Name is the database name passed to the engine.
	// Default: "DB"
	Name string

	// GlobalSpace restricts every key read or written through the
	// database to this prefix. Named partitions change it at runtime.
	// Default: the empty prefix (whole keyspace)
	GlobalSpace subspace.Subspace

	// PayloadWarnBytes is the soft per-attempt payload size above which a
	// transaction logs one warning. Zero disables the warning.
	// Default: 1MB
	PayloadWarnBytes int64

	// LocationCacheSize is passed to the engine when non-zero.
	// Default: 0 (engine default)
	LocationCacheSize int

	// MaxWatches is passed to the engine when non-zero.
	// Default: 0 (engine default)
	MaxWatches int

	// Transaction holds the defaults applied to every new transaction.
	Transaction TransactionOptions

	// Logger is the logger for database and transaction events.
	// If nil, a WARN-level logger writing to stderr is used.
	Logger Logger

	// Metrics receives transaction metrics. Nil disables metrics.
	Metrics *Metrics
}

// TransactionOptions are per-transaction settings. Zero fields keep the
// engine defaults.
type TransactionOptions struct {
	// Timeout cancels a transaction attempt that runs longer.
	// Default: 0 (no timeout)
	Timeout time.Duration

	// RetryLimit bounds how many times OnError retries. Negative means
	// unlimited.
	// Default: -1
	RetryLimit int

	// MaxRetryDelay caps the OnError backoff.
	// Default: 1s
	MaxRetryDelay time.Duration

	// SizeLimit is the hard commit size limit in bytes.
	// Default: 10,000,000
	SizeLimit int

	// AccessSystemKeys allows reads and writes in the \xff system space.
	// Default: false
	AccessSystemKeys bool
}

// DefaultOptions returns a new Options with default values.
func DefaultOptions() *Options {
	return &Options{
		Name:             "DB",
		PayloadWarnBytes: 1 << 20,
		Transaction:      DefaultTransactionOptions(),
		Logger:           nil, // Will use logging.OrDefault
	}
}

// DefaultTransactionOptions returns the default transaction options.
func DefaultTransactionOptions() TransactionOptions {
	return TransactionOptions{
		RetryLimit:    -1,
		MaxRetryDelay: time.Second,
		SizeLimit:     10_000_000,
	}
}
