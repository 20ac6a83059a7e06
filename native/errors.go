package native

import "fmt"

// Error codes shared by every engine.
const (
	Success                = 0
	OperationFailed        = 1000
	TransactionTooOld      = 1007
	FutureVersion          = 1009
	NotCommitted           = 1020
	CommitUnknownResult    = 1021
	TransactionCancelled   = 1025
	TransactionTimedOut    = 1031
	ProcessBehind          = 1037
	OperationCancelled     = 1101
	FutureReleased         = 1102
	ClientInvalidOperation = 2000
	KeyOutsideLegalRange   = 2004
	InvalidOptionValue     = 2006
	InvalidOption          = 2007
	NetworkNotSetup        = 2008
	NetworkAlreadySetup    = 2009
	UsedDuringCommit       = 2017
	TransactionTooLarge    = 2101
	KeyTooLarge            = 2102
	ValueTooLarge          = 2103
	InternalError          = 4100
)

var errorDescriptions = map[int]string{
	Success:                "success",
	OperationFailed:        "operation_failed",
	TransactionTooOld:      "transaction_too_old",
	FutureVersion:          "future_version",
	NotCommitted:           "not_committed",
	CommitUnknownResult:    "commit_unknown_result",
	TransactionCancelled:   "transaction_cancelled",
	TransactionTimedOut:    "transaction_timed_out",
	ProcessBehind:          "process_behind",
	OperationCancelled:     "operation_cancelled",
	FutureReleased:         "future_released",
	ClientInvalidOperation: "client_invalid_operation",
	KeyOutsideLegalRange:   "key_outside_legal_range",
	InvalidOptionValue:     "invalid_option_value",
	InvalidOption:          "invalid_option",
	NetworkNotSetup:        "network_not_setup",
	NetworkAlreadySetup:    "network_already_setup",
	UsedDuringCommit:       "used_during_commit",
	TransactionTooLarge:    "transaction_too_large",
	KeyTooLarge:            "key_too_large",
	ValueTooLarge:          "value_too_large",
	InternalError:          "internal_error",
}

// Error is an engine error code.
type Error struct {
	Code int
}

// NewError returns an *Error for code.
func NewError(code int) *Error {
	return &Error{Code: code}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d)", Describe(e.Code), e.Code)
}

// Describe returns the symbolic name of an error code.
func Describe(code int) string {
	if s, ok := errorDescriptions[code]; ok {
		return s
	}
	return "unknown_error"
}

// IsRetryable reports whether OnError retries the code.
func IsRetryable(code int) bool {
	switch code {
	case TransactionTooOld, FutureVersion, NotCommitted, CommitUnknownResult, ProcessBehind:
		return true
	}
	return false
}

// MaybeCommitted reports whether a commit failing with code may still have
// been applied.
func MaybeCommitted(code int) bool {
	return code == CommitUnknownResult
}
