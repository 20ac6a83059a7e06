package native

import (
	"encoding/binary"
	"fmt"
)

// MutationType selects an atomic operation.
type MutationType int

const (
	MutationAdd             MutationType = 2
	MutationBitAnd          MutationType = 6
	MutationBitOr           MutationType = 7
	MutationBitXor          MutationType = 8
	MutationAppendIfFits    MutationType = 9
	MutationMax             MutationType = 12
	MutationMin             MutationType = 13
	MutationByteMin         MutationType = 16
	MutationByteMax         MutationType = 17
	MutationCompareAndClear MutationType = 20
)

func (m MutationType) String() string {
	switch m {
	case MutationAdd:
		return "Add"
	case MutationBitAnd:
		return "BitAnd"
	case MutationBitOr:
		return "BitOr"
	case MutationBitXor:
		return "BitXor"
	case MutationAppendIfFits:
		return "AppendIfFits"
	case MutationMax:
		return "Max"
	case MutationMin:
		return "Min"
	case MutationByteMin:
		return "ByteMin"
	case MutationByteMax:
		return "ByteMax"
	case MutationCompareAndClear:
		return "CompareAndClear"
	}
	return fmt.Sprintf("Mutation(%d)", int(m))
}

// StreamingMode tunes how many rows a GetRange chunk returns.
type StreamingMode int

const (
	StreamingModeWantAll  StreamingMode = -2
	StreamingModeIterator StreamingMode = -1
	StreamingModeExact    StreamingMode = 0
	StreamingModeSmall    StreamingMode = 1
	StreamingModeMedium   StreamingMode = 2
	StreamingModeLarge    StreamingMode = 3
	StreamingModeSerial   StreamingMode = 4
)

// ConflictRangeType selects read or write conflict ranges.
type ConflictRangeType int

const (
	ConflictRangeRead  ConflictRangeType = 0
	ConflictRangeWrite ConflictRangeType = 1
)

// TransactionOption codes.
type TransactionOption int

const (
	TransactionOptionNextWriteNoWriteConflictRange TransactionOption = 30
	TransactionOptionReadYourWritesDisable         TransactionOption = 51
	TransactionOptionAccessSystemKeys              TransactionOption = 301
	TransactionOptionReadSystemKeys                TransactionOption = 302
	TransactionOptionTimeout                       TransactionOption = 500
	TransactionOptionRetryLimit                    TransactionOption = 501
	TransactionOptionMaxRetryDelay                 TransactionOption = 502
	TransactionOptionSizeLimit                     TransactionOption = 503
)

// DatabaseOption codes.
type DatabaseOption int

const (
	DatabaseOptionLocationCacheSize  DatabaseOption = 10
	DatabaseOptionMaxWatches         DatabaseOption = 20
	DatabaseOptionTransactionTimeout DatabaseOption = 500
	DatabaseOptionRetryLimit         DatabaseOption = 501
	DatabaseOptionMaxRetryDelay      DatabaseOption = 502
	DatabaseOptionSizeLimit          DatabaseOption = 503
)

// Int64Param encodes an integer option value.
func Int64Param(v int64) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(v))
}

// ParseInt64Param decodes an integer option value.
func ParseInt64Param(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, NewError(InvalidOptionValue)
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}
