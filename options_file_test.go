package fdb

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/fdb/internal/vfs"
	"github.com/aalhour/fdb/subspace"
)

func TestOptionsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "OPTIONS")

	opts := DefaultOptions()
	opts.Name = "orders"
	opts.GlobalSpace = subspace.FromBytes([]byte{0x15, 0x01})
	opts.PayloadWarnBytes = 4096
	opts.MaxWatches = 100
	opts.Transaction.Timeout = 1500 * time.Millisecond
	opts.Transaction.RetryLimit = 7
	opts.Transaction.AccessSystemKeys = true

	require.NoError(t, WriteOptionsFile(nil, path, opts))

	parsed, err := ReadOptionsFile(nil, path)
	require.NoError(t, err)
	assert.Equal(t, ClientVersion, parsed.ClientVersion)
	assert.Equal(t, OptionsFileVersion, parsed.OptionsFileVersion)

	got := parsed.Options
	assert.Equal(t, "orders", got.Name)
	assert.True(t, got.GlobalSpace.Equal(opts.GlobalSpace))
	assert.EqualValues(t, 4096, got.PayloadWarnBytes)
	assert.Equal(t, 100, got.MaxWatches)
	assert.Equal(t, opts.Transaction, got.Transaction)
}

func TestParseOptionsFileDefaults(t *testing.T) {
	parsed, err := ParseOptionsFile(strings.NewReader("[DatabaseOptions]\n  name=x\n[Unknown]\n  foo=bar\n"))
	require.NoError(t, err)
	assert.Equal(t, "x", parsed.Options.Name)
	assert.Equal(t, DefaultTransactionOptions(), parsed.Options.Transaction)
	assert.EqualValues(t, 1<<20, parsed.Options.PayloadWarnBytes)
}

func TestParseOptionsFileMalformedValue(t *testing.T) {
	input := "[TransactionOptions]\n  retry_limit=3\n  timeout_ms=soon\n"
	_, err := ParseOptionsFile(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
	assert.Contains(t, err.Error(), "timeout_ms")
}

func TestFormatOptionsSections(t *testing.T) {
	var buf bytes.Buffer
	formatOptions(&buf, DefaultOptions())
	out := buf.String()
	for _, section := range []string{"[Version]", "[DatabaseOptions]", "[TransactionOptions]"} {
		assert.Contains(t, out, section)
	}
	assert.Contains(t, out, "retry_limit=-1")
}

func TestWriteOptionsFileRenameFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "OPTIONS")
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	fs.InjectRenameError(true)

	err := WriteOptionsFile(fs, path, DefaultOptions())
	require.ErrorIs(t, err, vfs.ErrInjectedRenameError)
	assert.False(t, fs.Exists(path))
	assert.NotEmpty(t, fs.Removed())

	fs.InjectRenameError(false)
	require.NoError(t, WriteOptionsFile(fs, path, DefaultOptions()))
	assert.True(t, fs.Exists(path))
}
