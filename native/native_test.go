package native

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDescriptions(t *testing.T) {
	assert.Equal(t, "not_committed (1020)", NewError(NotCommitted).Error())
	assert.Equal(t, "unknown_error", Describe(9999))
}

func TestIsRetryable(t *testing.T) {
	for _, code := range []int{TransactionTooOld, FutureVersion, NotCommitted, CommitUnknownResult, ProcessBehind} {
		assert.True(t, IsRetryable(code), "code %d", code)
	}
	for _, code := range []int{TransactionCancelled, TransactionTimedOut, KeyTooLarge, InvalidOption, OperationCancelled} {
		assert.False(t, IsRetryable(code), "code %d", code)
	}
	assert.True(t, MaybeCommitted(CommitUnknownResult))
	assert.False(t, MaybeCommitted(NotCommitted))
}

func TestSelectors(t *testing.T) {
	k := []byte("k")
	assert.Equal(t, KeySelector{Key: k, OrEqual: false, Offset: 1}, FirstGreaterOrEqual(k))
	assert.Equal(t, KeySelector{Key: k, OrEqual: true, Offset: 1}, FirstGreaterThan(k))
	assert.Equal(t, KeySelector{Key: k, OrEqual: true, Offset: 0}, LastLessOrEqual(k))
	assert.Equal(t, KeySelector{Key: k, OrEqual: false, Offset: 0}, LastLessThan(k))
	assert.Equal(t, 4, FirstGreaterOrEqual(k).Add(3).Offset)
	assert.Equal(t, `fGE("k")`, FirstGreaterOrEqual(k).String())
}

func TestInt64Param(t *testing.T) {
	v, err := ParseInt64Param(Int64Param(-42))
	require.NoError(t, err)
	assert.Equal(t, int64(-42), v)

	_, err = ParseInt64Param([]byte{1})
	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, InvalidOptionValue, nerr.Code)
}
