// Package native is the narrow boundary between the client and a key-value
// engine. Every engine handle is opaque and owned by exactly one client
// object; the client never touches engine memory directly.
//
// The shape mirrors a C binding: writes are fire-and-forget (their errors
// surface at commit), and everything that needs the engine's network
// goroutine returns a Future that completes exactly once.
package native

// Engine starts and stops the engine's network processing and opens
// databases.
type Engine interface {
	// StartNetwork starts the network goroutine. It returns an Error with
	// code NetworkAlreadySetup when called twice.
	StartNetwork() error

	// StopNetwork stops the network goroutine. Pending futures complete
	// with OperationCancelled.
	StopNetwork() error

	// OnNetworkThread reports whether the caller runs on the network
	// goroutine, where blocking waits would deadlock the reactor.
	OnNetworkThread() bool

	// OpenDatabase opens a database handle.
	OpenDatabase(name string) (Database, error)
}

// Database is an open database handle.
type Database interface {
	CreateTransaction() (Transaction, error)
	SetOption(opt DatabaseOption, value []byte) error
	Destroy()
}

// Transaction is a native transaction handle. Destroy must be called
// exactly once.
type Transaction interface {
	GetReadVersion() Future
	SetReadVersion(version int64)
	Get(key []byte, snapshot bool) Future
	GetKey(sel KeySelector, snapshot bool) Future
	GetRange(begin, end KeySelector, req RangeRequest) Future

	Set(key, value []byte)
	Clear(key []byte)
	ClearRange(begin, end []byte)
	AtomicOp(key, param []byte, op MutationType)
	AddConflictRange(begin, end []byte, typ ConflictRangeType) error

	Commit() Future
	GetCommittedVersion() (int64, error)
	OnError(code int) Future
	Watch(key []byte) Future

	Reset()
	Cancel()
	SetOption(opt TransactionOption, value []byte) error
	Destroy()
}

// Future is a pending result. OnReady callbacks fire exactly once, on the
// network goroutine, or inline when the future is already ready.
type Future interface {
	OnReady(cb func())
	IsReady() bool
	Cancel()
	Destroy()

	// Err returns the completion error, or nil.
	Err() error

	// Value returns the result of Get. present is false for a missing key.
	Value() (value []byte, present bool, err error)

	// Key returns the result of GetKey.
	Key() ([]byte, error)

	// KeyValues returns one chunk of a GetRange.
	KeyValues() (kvs []KeyValue, more bool, err error)

	// Version returns the result of GetReadVersion.
	Version() (int64, error)
}

// KeyValue is one row of a range read.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// RangeRequest describes one GetRange chunk request.
type RangeRequest struct {
	// Limit caps the number of rows; 0 means no limit.
	Limit int
	// TargetBytes caps the chunk size; 0 means no limit.
	TargetBytes int
	Mode        StreamingMode
	// Iteration is 1-based and only matters for StreamingModeIterator.
	Iteration int
	Snapshot  bool
	Reverse   bool
}
